package htlist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWFInsertFindDelete(t *testing.T) {
	w := NewWF()
	require.True(t, w.Insert(NewNode(5, "five")))
	require.True(t, w.Insert(NewNode(1, "one")))
	require.True(t, w.Insert(NewNode(9, "nine")))
	require.False(t, w.Insert(NewNode(5, "dup")))

	require.Equal(t, "one", w.Find(1).Cur.Payload)
	require.Nil(t, w.Find(3).Cur)

	require.True(t, w.Delete(5))
	require.False(t, w.Delete(5))
	require.Nil(t, w.Find(5).Cur)
	require.NotNil(t, w.Find(9).Cur)
}

func TestWFConcurrentInsertLookup(t *testing.T) {
	w := NewWF()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(k uint64) {
			defer wg.Done()
			w.Insert(NewNode(k, nil))
		}(uint64(i))
	}
	wg.Wait()
	for i := 0; i < 50; i++ {
		require.NotNil(t, w.Find(uint64(i)).Cur, "key %d", i)
	}
}
