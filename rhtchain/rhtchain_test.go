package rhtchain

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestBucketInsertFindDelete(t *testing.T) {
	b := NewBucket()

	n5, ok := b.Insert(5, "five")
	require.True(t, ok)
	_, ok = b.Insert(5, "dup")
	require.False(t, ok)

	n1, ok := b.Insert(1, "one")
	require.True(t, ok)

	found, wrong := b.Find(1)
	require.False(t, wrong)
	require.Same(t, n1, found)

	require.True(t, b.Delete(n5))
	require.False(t, b.Delete(n5))

	found, wrong = b.Find(5)
	require.False(t, wrong)
	require.Nil(t, found)

	require.EqualValues(t, 1, b.Count)
}

func TestBucketFindWrongBucketAfterCrossSplice(t *testing.T) {
	src := NewBucket()
	dst := NewBucket()

	n, ok := src.Insert(42, "v")
	require.True(t, ok)

	// simulate a migration transfer: splice the node out of src and into
	// dst without touching its key.
	peeled := src.Splice()
	require.Same(t, n, peeled)
	dst.PrependExisting(peeled)

	// a reader that already loaded n.next before the splice would, upon
	// reaching dst's terminal nulls-marker, observe it does not match
	// src's own marker.
	_, wrong := dst.Find(42)
	require.False(t, wrong)

	found, wrong := src.Find(42)
	require.False(t, wrong)
	require.Nil(t, found)

	// Reproduce that reader: src's head still shows n, whose next now leads
	// to dst's terminal marker, so a miss there is reported as wrong bucket.
	atomic.StorePointer(&src.head, unsafe.Pointer(peeled))
	found, wrong = src.Find(7)
	require.True(t, wrong)
	require.Nil(t, found)
}

func TestBucketSpliceDrainsInOrder(t *testing.T) {
	b := NewBucket()
	keys := []uint64{1, 2, 3}
	for _, k := range keys {
		_, ok := b.Insert(k, nil)
		require.True(t, ok)
	}
	// Insert prepends, so chain head->tail is 3,2,1; Splice peels the tail.
	require.EqualValues(t, 1, b.Splice().Key)
	require.EqualValues(t, 2, b.Splice().Key)
	require.EqualValues(t, 3, b.Splice().Key)
	require.Nil(t, b.Splice())
	require.EqualValues(t, 0, b.Count)
}

func TestBucketConcurrentInsertDelete(t *testing.T) {
	b := NewBucket()
	var wg sync.WaitGroup
	nodes := make([]*Node, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, ok := b.Insert(uint64(i), nil)
			require.True(t, ok)
			nodes[i] = n
		}(i)
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		found, wrong := b.Find(uint64(i))
		require.False(t, wrong)
		require.NotNil(t, found)
	}

	var wg2 sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg2.Add(1)
		go func(i int) {
			defer wg2.Done()
			require.True(t, b.Delete(nodes[i]))
		}(i)
	}
	wg2.Wait()
	require.EqualValues(t, 0, b.Count)
}
