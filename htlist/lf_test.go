package htlist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLFInsertFindDelete(t *testing.T) {
	l := &LF{}
	require.True(t, l.Insert(NewNode(5, "five")))
	require.True(t, l.Insert(NewNode(1, "one")))
	require.True(t, l.Insert(NewNode(9, "nine")))

	require.False(t, l.Insert(NewNode(5, "dup")))

	snap := l.Find(1)
	require.NotNil(t, snap.Cur)
	require.Equal(t, "one", snap.Cur.Payload)

	snap = l.Find(3)
	require.Nil(t, snap.Cur)

	require.True(t, l.Delete(5))
	require.False(t, l.Delete(5))
	require.Nil(t, l.Find(5).Cur)
	require.NotNil(t, l.Find(9).Cur)
}

func TestLFOrdering(t *testing.T) {
	l := &LF{}
	keys := []uint64{50, 10, 30, 20, 40}
	for _, k := range keys {
		require.True(t, l.Insert(NewNode(k, nil)))
	}
	cur := wordToNode(l.Head.Load())
	var seen []uint64
	for cur != nil {
		seen = append(seen, cur.Key)
		cur = wordToNode(cur.loadNext())
	}
	require.Equal(t, []uint64{10, 20, 30, 40, 50}, seen)
}
