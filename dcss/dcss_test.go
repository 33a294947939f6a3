package dcss

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// ptr returns a distinct, stable unsafe.Pointer identifying v, standing in
// for the *ptrtag.Word / *httable.Table pointers dcss operates on in
// production.
func ptr(v int) unsafe.Pointer {
	n := new(int)
	*n = v
	return unsafe.Pointer(n)
}

func TestOpSucceedsWhenBothChecksHold(t *testing.T) {
	p := NewProvider(4)
	var addr1 unsafe.Pointer // simulates ht.successor == nil
	v100, v200 := ptr(100), ptr(200)
	addr2 := v100

	res := p.Op(0, &addr1, nil, &addr2, v100, v200)
	require.Equal(t, Success, res.Status)
	require.Equal(t, v200, atomic.LoadPointer(&addr2))
}

func TestOpFailsAddr2WhenBucketHeadChanged(t *testing.T) {
	p := NewProvider(4)
	var addr1 unsafe.Pointer
	v100, v200, v999 := ptr(100), ptr(200), ptr(999)
	addr2 := v999 // caller's stale expectation is v100

	res := p.Op(0, &addr1, nil, &addr2, v100, v200)
	require.Equal(t, FailedAddr2, res.Status)
	require.Equal(t, v999, res.FailedVal)
	require.Equal(t, v999, atomic.LoadPointer(&addr2))
}

func TestOpFailsAddr1WhenMigrationStarted(t *testing.T) {
	p := NewProvider(4)
	migrated := ptr(42) // a migration already published ht.successor
	addr1 := migrated
	v100, v200 := ptr(100), ptr(200)
	addr2 := v100

	res := p.Op(0, &addr1, nil, &addr2, v100, v200)
	require.Equal(t, FailedAddr1, res.Status)
	require.Equal(t, migrated, res.FailedVal)
	// addr2 must be restored to its original value, not left tagged.
	require.Equal(t, v100, atomic.LoadPointer(&addr2))
}

func TestReadHelpsInFlightDescriptor(t *testing.T) {
	p := NewProvider(4)
	var addr1 unsafe.Pointer
	v1, v2 := ptr(1), ptr(2)
	addr2 := v1

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Op(0, &addr1, nil, &addr2, v1, v2)
	}()

	got := p.Read(&addr2)
	require.Contains(t, []unsafe.Pointer{v1, v2}, got)
	wg.Wait()
	require.Equal(t, v2, atomic.LoadPointer(&addr2))
}

func TestConcurrentOpsOnlyOneWins(t *testing.T) {
	p := NewProvider(8)
	var addr1 unsafe.Pointer
	v0 := ptr(0)
	addr2 := v0

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			results[tid] = p.Op(tid, &addr1, nil, &addr2, v0, ptr(tid+1))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r.Status == Success {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}
