// Package httable implements the table instance: an immutable-except-
// successor array of buckets plus the hash/
// compare/getkey capability record, the seed, and the monotonically
// increasing generation index used for debugging. Grounded on the
// teacher's ethdb/memory_database.go view of "an instance that is handed
// out, read through, and swapped for a new one under a master pointer" —
// the nearest real analogue in this repo to a table that coexists with
// its own successor during a transition.
package httable

import (
	"sync/atomic"
	"unsafe"

	"github.com/ledgerwatch/dhash/dcss"
	"github.com/ledgerwatch/dhash/htlist"
	"github.com/ledgerwatch/dhash/rhtchain"
)

// Variant selects the bucket engine a table instance uses. Selection is
// at the type level, via per-variant modules sharing a common facade
// trait, not a build tag or macro.
type Variant int

const (
	VariantLFDCSS Variant = iota
	VariantWF
	VariantRHT
	VariantSplit
)

func (v Variant) String() string {
	switch v {
	case VariantLFDCSS:
		return "dhash-lf-dcss"
	case VariantWF:
		return "dhash-wf"
	case VariantRHT:
		return "rht"
	case VariantSplit:
		return "split"
	default:
		return "unknown"
	}
}

// Capability is the function-pointer dispatch record stored on the table
// instance: compare/hash/getkey maps to this record, and every dispatch
// must be safe from within an RCU read section (no allocation, no
// blocking). Callers must supply pure, non-blocking functions.
type Capability struct {
	Hash   func(key uint64, seed uint64) uint32
	Cmp    func(a, b uint64) bool
	GetKey func(payload interface{}) uint64
}

var generationCounter uint64

func nextGeneration() uint64 { return atomic.AddUint64(&generationCounter, 1) }

// Table is one hash-table instance. It is immutable after New returns,
// except for the atomic successor field the migration coordinator
// publishes once a rebuild's second phase begins, the RHT
// MigrationCursor the transfer advances, and the bucket contents.
type Table struct {
	Variant    Variant
	NBuckets   uint32
	Seed       uint64
	Cap        Capability
	Generation uint64
	Reclaim    htlist.Reclaimer

	// DCSS is the shared descriptor provider for LF-DCSS tables; nil for
	// the other three variants.
	DCSS *dcss.Provider

	LF    []*htlist.LF
	WF    []*htlist.WF
	RHT   []*rhtchain.Bucket
	Split *htlist.Split
	// SplitDummies is the per-bucket lazy dummy-node pointer slice handed
	// to htlist.Split's Insert/Find/Delete/InitializeBucket; it grows with
	// NBuckets on every Split rebuild (no node ever moves).
	SplitDummies []*htlist.Node

	// MigrationCursor is RHT's "largest old-bucket index whose contents
	// have been forwarded"; -1 means no migration cursor has
	// advanced yet. hashtab's RHT routing consults this directly
	// (see rhtDrained) to skip querying an old table for a bucket a
	// transfer has already fully drained, instead of relying solely on
	// the generic wrongBucket/successor-fallback path. Unused by the
	// other variants.
	MigrationCursor int64

	successor unsafe.Pointer // atomic *Table; nil means no migration in flight
}

// New allocates a table instance with its bucket arrays sized for
// nbuckets, per variant.
func New(variant Variant, nbuckets uint32, seed uint64, cap Capability, reclaim htlist.Reclaimer, provider *dcss.Provider) *Table {
	t := &Table{
		Variant:         variant,
		NBuckets:        nbuckets,
		Seed:            seed,
		Cap:             cap,
		Generation:      nextGeneration(),
		Reclaim:         reclaim,
		DCSS:            provider,
		MigrationCursor: -1,
	}
	switch variant {
	case VariantLFDCSS:
		t.LF = make([]*htlist.LF, nbuckets)
		for i := range t.LF {
			t.LF[i] = &htlist.LF{Reclaim: reclaim}
		}
	case VariantWF:
		t.WF = make([]*htlist.WF, nbuckets)
		for i := range t.WF {
			w := htlist.NewWF()
			w.Reclaim = reclaim
			t.WF[i] = w
		}
	case VariantRHT:
		t.RHT = make([]*rhtchain.Bucket, nbuckets)
		for i := range t.RHT {
			t.RHT[i] = rhtchain.NewBucket()
		}
	case VariantSplit:
		s := htlist.NewSplit()
		s.Reclaim = reclaim
		t.Split = s
		t.SplitDummies = make([]*htlist.Node, nbuckets)
		t.SplitDummies[0] = s.Head
	}
	return t
}

// NewSplitSuccessor builds a Split-variant successor table that shares the
// same underlying global list as old: a Split rebuild only ever changes
// bucket-count/seed metadata, never node storage: a Split transfer moves
// zero nodes. SplitDummies is grown to nbuckets and the
// already-initialized dummy pointers from old are carried over; any new
// slots are left nil and lazily initialized on first access exactly as
// they would be for a freshly allocated table.
func NewSplitSuccessor(old *Table, nbuckets uint32, seed uint64, cap Capability) *Table {
	t := &Table{
		Variant:         VariantSplit,
		NBuckets:        nbuckets,
		Seed:            seed,
		Cap:             cap,
		Generation:      nextGeneration(),
		Reclaim:         old.Reclaim,
		MigrationCursor: -1,
		Split:           old.Split,
	}
	t.SplitDummies = make([]*htlist.Node, nbuckets)
	if copy(t.SplitDummies, old.SplitDummies) == 0 {
		t.SplitDummies[0] = t.Split.Head
	}
	return t
}

// BucketIndex computes the bucket a key maps to under this table's
// current seed and hash function. Split does not need a bit-reversed
// index here — htlist.Split itself reverses RegularHash internally; this
// is the plain "hash mod nbuckets" index used to select the bucket's
// dummy anchor / slice slot for all four variants.
func (t *Table) BucketIndex(key uint64) uint32 {
	h := t.Cap.Hash(key, t.Seed)
	return h % t.NBuckets
}

// Successor loads the successor table pointer published by the migration
// coordinator, or nil if none is in flight.
func (t *Table) Successor() *Table {
	return (*Table)(atomic.LoadPointer(&t.successor))
}

// SuccessorAddr exposes the slot backing the successor pointer so the
// DCSS primitive can use it directly as addr1, expected1 nil. The slot is
// a real unsafe.Pointer field, not a uintptr packed into a uint64, so the
// successor table stays reachable to the garbage collector for as long as
// any in-flight insert holds this address, not merely for as long as some
// unrelated goroutine's local variable happens to still reference it.
func (t *Table) SuccessorAddr() *unsafe.Pointer { return &t.successor }

// PublishSuccessor stores s as this table's successor with a release
// store; the migration coordinator is the only writer and does so at most
// once per table instance.
func (t *Table) PublishSuccessor(s *Table) {
	atomic.StorePointer(&t.successor, unsafe.Pointer(s))
}

// BucketCount returns the live element counter for bucket b, for
// telemetry. Only RHT tracks this directly today; the other
// variants report -1 until a caller wires a counting wrapper, since their
// engines don't yet expose per-bucket counts independent of a full walk.
func (t *Table) BucketCount(b uint32) int64 {
	if t.Variant == VariantRHT {
		return atomic.LoadInt64(&t.RHT[b].Count)
	}
	return -1
}
