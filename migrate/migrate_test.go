package migrate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/dhash/htlist"
	"github.com/ledgerwatch/dhash/httable"
	"github.com/ledgerwatch/dhash/rcu"
)

func modCap() httable.Capability {
	return httable.Capability{
		Hash:   func(key, seed uint64) uint32 { return uint32(key + seed) },
		Cmp:    func(a, b uint64) bool { return a == b },
		GetKey: func(p interface{}) uint64 { return p.(uint64) },
	}
}

func TestRebuildLFDCSSPreservesAllKeys(t *testing.T) {
	domain := rcu.NewDomain()
	old := httable.New(httable.VariantLFDCSS, 2, 0, modCap(), domain, nil)
	for k := uint64(0); k < 40; k++ {
		b := old.BucketIndex(k)
		require.True(t, old.LF[b].Insert(htlist.NewNode(k, k)))
	}

	master := NewMasterPointer(old)
	coord := NewCoordinator(domain)
	require.NoError(t, coord.Rebuild(master, Request{NBuckets: 8, Workers: 4}))

	next := master.Load()
	require.Equal(t, uint32(8), next.NBuckets)
	require.Nil(t, next.Successor())

	for k := uint64(0); k < 40; k++ {
		b := next.BucketIndex(k)
		snap := next.LF[b].Find(k)
		require.NotNil(t, snap.Cur, "key %d missing after rebuild", k)
	}
}

func TestRebuildWFPreservesAllKeys(t *testing.T) {
	domain := rcu.NewDomain()
	old := httable.New(httable.VariantWF, 2, 0, modCap(), domain, nil)
	for k := uint64(0); k < 20; k++ {
		b := old.BucketIndex(k)
		require.True(t, old.WF[b].Insert(htlist.NewNode(k, nil)))
	}

	master := NewMasterPointer(old)
	coord := NewCoordinator(domain)
	require.NoError(t, coord.Rebuild(master, Request{NBuckets: 4}))

	next := master.Load()
	for k := uint64(0); k < 20; k++ {
		b := next.BucketIndex(k)
		require.NotNil(t, next.WF[b].Find(k).Cur)
	}
}

func TestRebuildRHTPreservesAllKeysAndCursorAdvances(t *testing.T) {
	domain := rcu.NewDomain()
	old := httable.New(httable.VariantRHT, 2, 0, modCap(), domain, nil)
	for k := uint64(0); k < 10; k++ {
		b := old.BucketIndex(k)
		_, ok := old.RHT[b].Insert(k, nil)
		require.True(t, ok)
	}

	master := NewMasterPointer(old)
	coord := NewCoordinator(domain)
	require.NoError(t, coord.Rebuild(master, Request{NBuckets: 4}))

	next := master.Load()
	require.EqualValues(t, 1, old.MigrationCursor)
	for k := uint64(0); k < 10; k++ {
		b := next.BucketIndex(k)
		found, wrong := next.RHT[b].Find(k)
		require.False(t, wrong)
		require.NotNil(t, found)
	}
}

func TestRebuildSplitMovesNoNodes(t *testing.T) {
	domain := rcu.NewDomain()
	old := httable.New(httable.VariantSplit, 2, 0, modCap(), domain, nil)
	n3 := htlist.NewNode(3, "three")
	require.True(t, old.Split.Insert(old.SplitDummies, old.BucketIndex(3), n3, 3))

	master := NewMasterPointer(old)
	coord := NewCoordinator(domain)
	require.NoError(t, coord.Rebuild(master, Request{NBuckets: 4}))

	next := master.Load()
	require.Same(t, old.Split, next.Split)
	found := next.Split.Find(next.SplitDummies, next.BucketIndex(3), 3, 3).Cur
	require.Same(t, n3, found)
}

func TestRebuildRejectsConcurrentCall(t *testing.T) {
	domain := rcu.NewDomain()
	old := httable.New(httable.VariantWF, 2, 0, modCap(), domain, nil)
	master := NewMasterPointer(old)
	coord := NewCoordinator(domain)

	coord.busy = 1
	require.Equal(t, ErrBusy, coord.Rebuild(master, Request{NBuckets: 4}))
}
