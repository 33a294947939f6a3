package httable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func identityCap() Capability {
	return Capability{
		Hash:   func(key, seed uint64) uint32 { return uint32(key ^ seed) },
		Cmp:    func(a, b uint64) bool { return a == b },
		GetKey: func(p interface{}) uint64 { return p.(uint64) },
	}
}

func TestNewAllocatesPerVariantBuckets(t *testing.T) {
	for _, v := range []Variant{VariantLFDCSS, VariantWF, VariantRHT, VariantSplit} {
		tbl := New(v, 4, 0, identityCap(), nil, nil)
		require.Equal(t, uint32(4), tbl.NBuckets)
		require.Nil(t, tbl.Successor())
		switch v {
		case VariantLFDCSS:
			require.Len(t, tbl.LF, 4)
		case VariantWF:
			require.Len(t, tbl.WF, 4)
		case VariantRHT:
			require.Len(t, tbl.RHT, 4)
		case VariantSplit:
			require.NotNil(t, tbl.Split)
			require.Len(t, tbl.SplitDummies, 4)
			require.NotNil(t, tbl.SplitDummies[0])
		}
	}
}

func TestGenerationIsMonotonic(t *testing.T) {
	a := New(VariantLFDCSS, 2, 0, identityCap(), nil, nil)
	b := New(VariantLFDCSS, 2, 0, identityCap(), nil, nil)
	require.Less(t, a.Generation, b.Generation)
}

func TestPublishSuccessorAndSuccessorAddr(t *testing.T) {
	old := New(VariantLFDCSS, 2, 0, identityCap(), nil, nil)
	require.Nil(t, old.Successor())
	require.Nil(t, *old.SuccessorAddr())

	next := New(VariantLFDCSS, 4, 0, identityCap(), nil, nil)
	old.PublishSuccessor(next)
	require.Same(t, next, old.Successor())
	require.NotNil(t, *old.SuccessorAddr())
}

func TestBucketIndexWithinRange(t *testing.T) {
	tbl := New(VariantLFDCSS, 4, 7, identityCap(), nil, nil)
	for k := uint64(0); k < 100; k++ {
		idx := tbl.BucketIndex(k)
		require.Less(t, idx, tbl.NBuckets)
	}
}
