package resize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/dhash/hashtab"
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

func TestThresholdPolicyGrowsOnOverload(t *testing.T) {
	domain := rcu.NewDomain()
	h := hashtab.Alloc(domain, httable.VariantRHT, 4, modCap())
	for k := uint64(0); k < 20; k++ {
		require.NoError(t, h.Add(0, k, k))
	}

	p := &ThresholdPolicy{MaxListLength: 2, MinAvgLoadFactor: 0, Mult: 2, Div: 2, MaxNBuckets: 64}
	req, do := p.Evaluate(h.Current())
	require.True(t, do)
	require.Equal(t, uint32(8), req.NBuckets)
}

func TestThresholdPolicyShrinksOnLowLoad(t *testing.T) {
	domain := rcu.NewDomain()
	h := hashtab.Alloc(domain, httable.VariantRHT, 64, modCap())
	require.NoError(t, h.Add(0, 1, 1))

	p := &ThresholdPolicy{MaxListLength: 1000, MinAvgLoadFactor: 1, Mult: 2, Div: 2, MaxNBuckets: 0}
	req, do := p.Evaluate(h.Current())
	require.True(t, do)
	require.Equal(t, uint32(32), req.NBuckets)
}

func TestThresholdPolicyNoOpWithoutCounters(t *testing.T) {
	domain := rcu.NewDomain()
	h := hashtab.Alloc(domain, httable.VariantWF, 4, modCap())
	require.NoError(t, h.Add(0, 1, 1))

	p := &ThresholdPolicy{MaxListLength: 0, MinAvgLoadFactor: 1000, Mult: 2, Div: 2, MaxNBuckets: 64}
	_, do := p.Evaluate(h.Current())
	require.False(t, do, "WF exposes no per-bucket counters, policy must not fire")
}

func TestOscillatingPolicyAlternates(t *testing.T) {
	domain := rcu.NewDomain()
	h := hashtab.Alloc(domain, httable.VariantSplit, 4, modCap())

	p := NewOscillatingPolicy(4, 16)
	req1, do1 := p.Evaluate(h.Current())
	require.True(t, do1)
	require.Equal(t, uint32(16), req1.NBuckets)

	req2, do2 := p.Evaluate(h.Current())
	require.True(t, do2)
	require.Equal(t, uint32(4), req2.NBuckets)

	req3, _ := p.Evaluate(h.Current())
	require.Equal(t, uint32(16), req3.NBuckets)
}

func TestDriverTickRebuildsAndTracksMetrics(t *testing.T) {
	domain := rcu.NewDomain()
	h := hashtab.Alloc(domain, httable.VariantRHT, 4, modCap())
	for k := uint64(0); k < 20; k++ {
		require.NoError(t, h.Add(0, k, k))
	}

	p := &ThresholdPolicy{MaxListLength: 2, MinAvgLoadFactor: 0, Mult: 2, Div: 2, MaxNBuckets: 64}
	d := NewDriver(h, p, time.Millisecond, 1)

	require.NoError(t, d.Tick(context.Background()))
	require.Equal(t, uint32(8), h.Current().NBuckets)

	for k := uint64(0); k < 20; k++ {
		v, err := h.Lookup(0, k)
		require.NoError(t, err)
		require.Equal(t, k, v)
	}
	require.Greater(t, d.OccupiedBuckets(), uint64(0))
}

func TestDriverTickHonorsPacingLimiter(t *testing.T) {
	domain := rcu.NewDomain()
	h := hashtab.Alloc(domain, httable.VariantSplit, 4, modCap())

	p := NewOscillatingPolicy(4, 8)
	d := NewDriver(h, p, 20*time.Millisecond, 1)

	start := time.Now()
	require.NoError(t, d.Tick(context.Background()))
	require.NoError(t, d.Tick(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	require.Equal(t, uint32(4), h.Current().NBuckets)
}
