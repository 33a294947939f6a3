// Package rcu is a reclamation service: grace-period detection, read-side
// critical-section markers, and deferred-reclaim callbacks. This module
// needs a concrete realization to exercise the bucket list engines and the
// migration coordinator against, so this package is a small epoch-based
// reclaimer:
// every reader registers a per-slot epoch marker on Enter, and
// Synchronize blocks
// until every reader that was active when it was called has left its
// section.
//
// The conceptual model mirrors how turbo-geth's ethdb.Database transactions
// behave under LMDB's MVCC: a db.View(...) call pins a consistent snapshot
// until the callback returns, and writers wait for old snapshots to drain
// before reclaiming superseded pages (see ethdb/memory_database.go's
// db.View/db.Update pairing) — the same "pin a version, wait for all
// pinners to release it" shape as RCU's read section / grace period, here
// applied to hash-table nodes instead of database pages.
package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/aristanetworks/goarista/monotime"

	"github.com/ledgerwatch/dhash/internal/logctx"
)

const maxReaders = 256

// reader is one registered read-side participant's epoch marker. 0 means
// not currently inside a read section.
type reader struct {
	epoch uint64 // padded implicitly by array stride; false-sharing is a
	// perf concern only, not a correctness one, at this module's scale.
}

// Domain is one reclamation domain; each hashtab.Handle holds the one passed
// to hashtab.Alloc, so handles given separate domains never block each
// other's grace periods.
type Domain struct {
	epoch   uint64
	readers [maxReaders]reader
	slots   sync.Map // goroutine-local slot assignment key -> int index
	next    int32

	mu      sync.Mutex // guards deferred queue flush ordering
	pending []func()

	log *logctx.Logger
}

// NewDomain allocates a fresh reclamation domain.
func NewDomain() *Domain {
	return &Domain{epoch: 1, log: logctx.New("component", "rcu")}
}

// Guard represents one active read-side critical section. Callers must Exit
// it before returning from the scope that started it — every facade
// operation wraps its body in exactly one such section.
type Guard struct {
	d   *Domain
	idx int
}

// slotFor returns (creating if needed) the per-goroutine slot index. Real
// RCU implementations use a TLS pointer; lacking that in Go, callers that
// cross goroutines pass a stable tid (mirroring the facade's signatures,
// which all take an explicit tid).
func (d *Domain) slotFor(tid int) int {
	if tid >= 0 && tid < maxReaders {
		return tid
	}
	v, _ := d.slots.LoadOrStore(tid, int(atomic.AddInt32(&d.next, 1)-1)%maxReaders)
	return v.(int)
}

// Enter begins a read-side critical section for thread tid, publishing the
// current epoch into that thread's slot so a concurrent Synchronize can see
// this reader is active.
func (d *Domain) Enter(tid int) *Guard {
	idx := d.slotFor(tid)
	atomic.StoreUint64(&d.readers[idx].epoch, atomic.LoadUint64(&d.epoch))
	return &Guard{d: d, idx: idx}
}

// Exit ends the read-side critical section. No node physically unlinked
// during the section may be assumed reclaimed until Exit returns.
func (g *Guard) Exit() {
	atomic.StoreUint64(&g.d.readers[g.idx].epoch, 0)
}

// Defer schedules fn to run once a subsequent grace period has elapsed,
// i.e. once every reader active right now has exited its section. Used by
// the bucket list engines' delete_node hook to hand a
// physically unlinked node to reclamation.
func (d *Domain) Defer(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	d.mu.Unlock()
}

// Synchronize blocks until a grace period has elapsed (one grace period
// wait covers a migration's publication/hazard ordering guarantees across
// its phases), then drains and runs every callback queued via
// Defer before this call. It bumps the epoch first so any reader that
// enters after this call is known not to have observed pre-bump state.
func (d *Domain) Synchronize() {
	start := Now()

	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	atomic.AddUint64(&d.epoch, 1)
	target := atomic.LoadUint64(&d.epoch)

	for i := range d.readers {
		for {
			e := atomic.LoadUint64(&d.readers[i].epoch)
			if e == 0 || e >= target {
				break
			}
			// Reader is mid-section on a stale epoch; spin briefly. This
			// is a correctness wait, not a hot path — migrations are rare
			// relative to lookups/inserts, and cannot be cancelled once
			// started.
			runtime.Gosched()
		}
	}

	for _, fn := range pending {
		fn()
	}

	d.log.Debug("grace period elapsed",
		"epoch", target,
		"duration_ns", Now()-start,
		"reclaimed", len(pending),
	)
}

// Now returns a monotonic timestamp for grace-period bookkeeping and debug
// logging, using goarista's monotime instead of time.Now() to stay immune
// to wall-clock adjustments during a long-running perftest.
func Now() uint64 {
	return uint64(monotime.Now())
}
