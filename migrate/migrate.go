// Package migrate implements the migration coordinator: the
// single-writer-visible state machine that lets two
// table instances coexist while nodes are redistributed from the old
// bucket count/seed to the new one. Grounded on the staged-sync
// pattern (eth/stagedsync): a serialized multi-phase pipeline with a
// barrier between stages, fanned out to worker goroutines via
// golang.org/x/sync/errgroup for the CPU-bound stage.
package migrate

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerwatch/dhash/htlist"
	"github.com/ledgerwatch/dhash/httable"
	"github.com/ledgerwatch/dhash/internal/logctx"
	"github.com/ledgerwatch/dhash/ptrtag"
	"github.com/ledgerwatch/dhash/rcu"
)

// ErrBusy is returned when a Rebuild is already in progress: the caller
// must hold the migration mutex via try_acquire, returning busy on
// failure rather than blocking.
var ErrBusy = errors.New("migrate: migration already in progress")

// ErrNoMem is returned when allocating the successor table instance
// fails; the caller's table is left in its pre-migration state, the
// migration aborted cleanly with the mutex released.
var ErrNoMem = errors.New("migrate: allocation failed")

// MasterPointer is the hashtab facade's "holds a pointer to the current
// table" cell. It lives in this package, not in
// httable, because the coordinator is the only writer (phase 4's "swap
// master"); the facade only ever reads it.
type MasterPointer struct {
	ptr unsafe.Pointer
}

// NewMasterPointer wraps an already-allocated table as the initial master.
func NewMasterPointer(initial *httable.Table) *MasterPointer {
	m := &MasterPointer{}
	m.Store(initial)
	return m
}

func (m *MasterPointer) Load() *httable.Table {
	return (*httable.Table)(atomic.LoadPointer(&m.ptr))
}

func (m *MasterPointer) Store(t *httable.Table) {
	atomic.StorePointer(&m.ptr, unsafe.Pointer(t))
}

// Hazard is a single-writer, multi-reader cell pinning a node that is
// temporarily absent from every bucket list. Only the owning migration
// worker publishes or clears it;
// any number of client lookups/deletes may read it concurrently.
type Hazard struct {
	slot unsafe.Pointer
}

func (h *Hazard) Publish(n *htlist.Node) { atomic.StorePointer(&h.slot, unsafe.Pointer(n)) }
func (h *Hazard) Clear()                 { atomic.StorePointer(&h.slot, nil) }
func (h *Hazard) Load() *htlist.Node     { return (*htlist.Node)(atomic.LoadPointer(&h.slot)) }

// Registry is the `rebuild_cur[0..R-1]` hazard array. It is valid
// only for the duration of one Rebuild call; the facade must stop
// consulting it once Rebuild returns.
type Registry struct {
	Slots []Hazard
}

// NewRegistry allocates a registry with n hazard slots.
func NewRegistry(n int) *Registry {
	if n < 1 {
		n = 1
	}
	return &Registry{Slots: make([]Hazard, n)}
}

// Lookup reports whether any hazard slot currently pins a live (not
// logically removed) node with the given key.
func (r *Registry) Lookup(key uint64) *htlist.Node {
	for i := range r.Slots {
		n := r.Slots[i].Load()
		if n != nil && n.Key == key && n.Flags()&ptrtag.LogicallyRemoved == 0 {
			return n
		}
	}
	return nil
}

// Request describes one rebuild(handle, nbuckets, [cmp, hash, getkey])
// call.
type Request struct {
	NBuckets uint32
	// Rebuild, when true, bumps the seed (a "rebuild"); when false, the
	// seed is carried over unchanged (a plain "resize": rebuild also
	// changes the hash seed, resize keeps the seed and only changes the
	// bucket count).
	Rebuild bool
	// Cap overrides the capability record if non-nil; nil keeps the
	// current table's hash/cmp/getkey functions.
	Cap *httable.Capability
	// Workers is R, the LF-DCSS worker fan-out (--rebuild-threads R,
	// 1..32); ignored by the other three variants.
	Workers int
	// TIDBase is the first dcss descriptor-table tid migration workers
	// may use, kept disjoint from client thread tids by the caller.
	TIDBase int
}

// Coordinator runs the 5-phase migration state machine, serialized by a
// try-lock migration mutex (one coordinator per table
// family; never shared across unrelated tables).
type Coordinator struct {
	mu       sync.Mutex
	busy     int32
	domain   *rcu.Domain
	log      *logctx.Logger
	registry unsafe.Pointer // atomic *Registry; non-nil only during an in-flight transfer
}

// NewCoordinator builds a coordinator whose grace periods are driven by
// domain.
func NewCoordinator(domain *rcu.Domain) *Coordinator {
	return &Coordinator{domain: domain, log: logctx.New("component", "migrate")}
}

// ActiveRegistry returns the hazard registry for the transfer currently in
// progress, or nil if no migration is running. The hashtab facade consults
// this in its Lookup/Delete hazard-slot step — it
// must be safe to call concurrently with Rebuild, since the whole point of
// the registry is letting clients see in-flight nodes without blocking.
func (c *Coordinator) ActiveRegistry() *Registry {
	return (*Registry)(atomic.LoadPointer(&c.registry))
}

func (c *Coordinator) setActiveRegistry(r *Registry) {
	atomic.StorePointer(&c.registry, unsafe.Pointer(r))
}

// Rebuild runs the full state machine against master. It returns ErrBusy
// immediately, non-blocking try_acquire semantics, if another Rebuild is
// already running.
func (c *Coordinator) Rebuild(master *MasterPointer, req Request) error {
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return ErrBusy
	}
	defer atomic.StoreInt32(&c.busy, 0)
	c.mu.Lock()
	defer c.mu.Unlock()

	old := master.Load()

	capRec := old.Cap
	if req.Cap != nil {
		capRec = *req.Cap
	}
	seed := old.Seed
	if req.Rebuild {
		seed++
	}

	var next *httable.Table
	if old.Variant == httable.VariantSplit {
		next = httable.NewSplitSuccessor(old, req.NBuckets, seed, capRec)
	} else {
		next = httable.New(old.Variant, req.NBuckets, seed, capRec, old.Reclaim, old.DCSS)
	}
	if next == nil {
		return ErrNoMem
	}

	// Phase 2: publish, then wait a grace period so every subsequent
	// reader sees both tables.
	old.PublishSuccessor(next)
	c.domain.Synchronize()

	// Phase 3: transfer, variant-specific. LF-DCSS and WF publish a hazard
	// registry clients can consult for the duration of the transfer
	//; RHT uses MigrationCursor instead and Split
	// moves nothing, so neither needs one.
	switch old.Variant {
	case httable.VariantLFDCSS:
		workers := req.Workers
		if workers < 1 {
			workers = 1
		}
		reg := NewRegistry(workers)
		c.setActiveRegistry(reg)
		transferLFDCSS(old, next, req, reg)
		c.setActiveRegistry(nil)
	case httable.VariantWF:
		reg := NewRegistry(1)
		c.setActiveRegistry(reg)
		transferWF(old, next, reg)
		c.setActiveRegistry(nil)
	case httable.VariantRHT:
		transferRHT(old, next)
	case httable.VariantSplit:
		transferSplit(old, next)
	}

	// Phase 4: swap master, then another grace period.
	master.Store(next)
	c.domain.Synchronize()

	// Phase 5: old is now unreachable from any new RCU read section;
	// hand it to the reclamation service rather than freeing it
	// synchronously, since a read section begun just before the swap may
	// still be walking its buckets.
	if old.Reclaim != nil {
		dead := old
		old.Reclaim.Defer(func() { _ = dead })
	}

	c.log.Info("rebuild complete",
		"generation", next.Generation,
		"nbuckets", next.NBuckets,
		"variant", next.Variant.String(),
		"rebuild", req.Rebuild,
	)
	return nil
}

// transferLFDCSS fans out over req.Workers goroutines, each owning the
// old buckets whose index is congruent to its worker number modulo the
// worker count.
func transferLFDCSS(old, next *httable.Table, req Request, reg *Registry) {
	workers := req.Workers
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(old.LF); i += workers {
				bucket := old.LF[i]
				for {
					n := bucket.DrainHead()
					if n == nil {
						break
					}
					reg.Slots[w].Publish(n)

					flags := n.Flags() &^ ptrtag.IsBeingDistributed
					nb := next.BucketIndex(n.Key)
					next.LF[nb].InsertWithFlags(n, flags)

					reg.Slots[w].Clear()
				}
			}
			return nil
		})
	}
	_ = g.Wait() // transfer workers never return an error today
}

// transferWF runs the single-worker WF transfer loop.
func transferWF(old, next *httable.Table, reg *Registry) {
	for _, bucket := range old.WF {
		for {
			n := bucket.DrainMin()
			if n == nil {
				break
			}
			reg.Slots[0].Publish(n)

			flags := n.Flags() &^ ptrtag.IsBeingDistributed
			nb := next.BucketIndex(n.Key)
			next.WF[nb].InsertWithFlags(n, flags)

			reg.Slots[0].Clear()
		}
	}
}

// transferRHT ports the Linux rhashtable "last node peeled off" technique:
// each old bucket is drained tail-first and nodes are spliced directly
// into their new bucket, briefly reachable from both while in flight.
// MigrationCursor is advanced on old once per completed bucket, in
// strictly increasing index order, so the hashtab facade's RHT routing can
// consult old.MigrationCursor and skip querying a bucket it already knows
// is empty (see hashtab.rhtDrained) instead of always paying for a
// redundant lookup before falling back to next.
func transferRHT(old, next *httable.Table) {
	for i, bucket := range old.RHT {
		for {
			n := bucket.Splice()
			if n == nil {
				break
			}
			nb := next.BucketIndex(n.Key)
			next.RHT[nb].PrependExisting(n)
		}
		atomic.StoreInt64(&old.MigrationCursor, int64(i))
	}
}

// transferSplit performs the Split variant's transfer: no
// node motion at all, since the same global list and its already-
// initialized dummy nodes are shared by next (see
// httable.NewSplitSuccessor). The only work left is eagerly warming every
// new bucket's dummy node so the first lookup after the rebuild does not
// pay the lazy-initialization cost recursively.
func transferSplit(old, next *httable.Table) {
	for b := uint32(0); b < next.NBuckets; b++ {
		next.Split.InitializeBucket(next.SplitDummies, b)
	}
}
