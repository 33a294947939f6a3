package hashtab

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/dhash/httable"
	"github.com/ledgerwatch/dhash/migrate"
	"github.com/ledgerwatch/dhash/rcu"
)

func modCap() httable.Capability {
	return httable.Capability{
		Hash:   func(key, seed uint64) uint32 { return uint32(key + seed) },
		Cmp:    func(a, b uint64) bool { return a == b },
		GetKey: func(p interface{}) uint64 { return p.(uint64) },
	}
}

func TestAddLookupDelRoundTrip(t *testing.T) {
	domain := rcu.NewDomain()
	h := Alloc(domain, httable.VariantWF, 4, modCap())

	require.NoError(t, h.Add(0, 42, "answer"))
	require.Equal(t, ErrExist, h.Add(0, 42, "dup"))

	v, err := h.Lookup(0, 42)
	require.NoError(t, err)
	require.Equal(t, "answer", v)

	require.NoError(t, h.Del(0, 42))
	require.Equal(t, ErrNotFound, h.Del(0, 42))

	_, err = h.Lookup(0, 42)
	require.Equal(t, ErrNotFound, err)
}

func TestLookupNotFoundDoesNotPanicAnyVariant(t *testing.T) {
	for _, v := range []httable.Variant{httable.VariantLFDCSS, httable.VariantWF, httable.VariantRHT, httable.VariantSplit} {
		domain := rcu.NewDomain()
		h := Alloc(domain, v, 4, modCap())
		_, err := h.Lookup(0, 999)
		require.Equal(t, ErrNotFound, err, v.String())
	}
}

func TestNegativeCacheDoesNotHideLaterInsert(t *testing.T) {
	domain := rcu.NewDomain()
	h := Alloc(domain, httable.VariantWF, 4, modCap(), WithNegativeCache(1<<16))

	_, err := h.Lookup(0, 7)
	require.Equal(t, ErrNotFound, err)

	require.NoError(t, h.Add(0, 7, "seven"))
	v, err := h.Lookup(0, 7)
	require.NoError(t, err)
	require.Equal(t, "seven", v)
}

func TestRebuildThenLookupAcrossAllVariants(t *testing.T) {
	for _, v := range []httable.Variant{httable.VariantLFDCSS, httable.VariantWF, httable.VariantRHT, httable.VariantSplit} {
		t.Run(v.String(), func(t *testing.T) {
			domain := rcu.NewDomain()
			h := Alloc(domain, v, 2, modCap())
			for k := uint64(0); k < 30; k++ {
				require.NoError(t, h.Add(0, k, fmt.Sprintf("v%d", k)))
			}

			workers := 1
			if v == httable.VariantLFDCSS {
				workers = 4
			}
			require.NoError(t, h.Rebuild(migrate.Request{NBuckets: 8, Workers: workers}))

			for k := uint64(0); k < 30; k++ {
				val, err := h.Lookup(0, k)
				require.NoError(t, err, "key %d", k)
				require.Equal(t, fmt.Sprintf("v%d", k), val)
			}
		})
	}
}

func TestConcurrentAddDuringNoMigration(t *testing.T) {
	domain := rcu.NewDomain()
	h := Alloc(domain, httable.VariantLFDCSS, 8, modCap(), WithDCSSSlots(32))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			require.NoError(t, h.Add(tid, uint64(tid), tid))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 32; i++ {
		v, err := h.Lookup(0, uint64(i))
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}
