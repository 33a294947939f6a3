// Package ptrtag carries a logical-removal / in-flight-migration flag pair
// alongside a node pointer as a single atomically-swapped unit, so the
// mark-then-unlink technique the lock-free and wait-free bucket engines
// depend on can CAS the link and the deletion state together.
//
// Earlier revisions of this package packed the flag bits into the low bits
// of the pointer's own uintptr value and stored the result in a plain
// uint64. That does not survive real GC pressure: the garbage collector
// does not scan a uint64 field for pointers, and per the unsafe.Pointer
// documentation a uintptr derived from a pointer is not retained by the
// collector across time — nothing about holding a uintptr keeps the object
// it once pointed at alive. Once every *Node variable on some goroutine's
// stack that pointed at a node went out of scope, a node reachable only
// through such a word could be collected and its memory reused while it
// was still logically linked into a bucket list.
//
// Word and Ref fix this by keeping the pointer in a real unsafe.Pointer-
// typed field the whole way down: Word boxes {ptr, flags} as an immutable
// value, and Ref is the atomic slot holding a *Word, swapped in one step via
// atomic.LoadPointer/StorePointer/CompareAndSwapPointer — the same
// GC-safe pattern migrate.MasterPointer and migrate.Hazard already use for
// the table and hazard-node pointers.
package ptrtag

import (
	"sync/atomic"
	"unsafe"
)

// Flag bits a Word may carry alongside its pointer.
const (
	// LogicallyRemoved marks a node deleted; its memory is still
	// reachable from traversals that must physically unlink it and hand
	// it to reclamation.
	LogicallyRemoved uint64 = 1 << 0

	// IsBeingDistributed marks a node logically removed from the old
	// table but owned by the migration coordinator pending reinsertion
	// into the new table; such a node must never be reclaimed.
	IsBeingDistributed uint64 = 1 << 1

	flagMask = LogicallyRemoved | IsBeingDistributed
)

// Word is an immutable {pointer, flags} pair. A nil *Word represents a nil
// pointer with no flags set — the empty-list/empty-slot sentinel — so
// every method is nil-receiver safe and callers never need to special-case
// an empty Ref the way they once special-cased a zero uint64.
type Word struct {
	ptr   unsafe.Pointer
	flags uint64
}

// Pack combines a pointer and flag bits into a new Word.
func Pack(ptr unsafe.Pointer, flags uint64) *Word {
	return &Word{ptr: ptr, flags: flags & flagMask}
}

// Ptr extracts the pointer component.
func (w *Word) Ptr() unsafe.Pointer {
	if w == nil {
		return nil
	}
	return w.ptr
}

// Flags extracts the control bits.
func (w *Word) Flags() uint64 {
	if w == nil {
		return 0
	}
	return w.flags
}

// HasFlag reports whether every bit in mask is set.
func (w *Word) HasFlag(mask uint64) bool {
	return w.Flags()&mask == mask
}

// WithFlags returns a new Word with flags ORed into its flag bits, keeping
// the same pointer component.
func (w *Word) WithFlags(flags uint64) *Word {
	return &Word{ptr: w.Ptr(), flags: w.Flags() | (flags & flagMask)}
}

// ClearFlags returns a new Word with the given flag bits cleared.
func (w *Word) ClearFlags(flags uint64) *Word {
	return &Word{ptr: w.Ptr(), flags: w.Flags() &^ (flags & flagMask)}
}

// WithPtr returns a new Word with a new pointer component, preserving
// flags.
func (w *Word) WithPtr(ptr unsafe.Pointer) *Word {
	return &Word{ptr: ptr, flags: w.Flags()}
}

// Ref is an atomically-accessed GC-safe slot holding a *Word. The slot
// itself is typed unsafe.Pointer, which the garbage collector traces, so
// the Word — and the Node it points at — stays reachable for as long as
// anything holds a pointer to the Ref, not merely for as long as some
// unrelated local variable elsewhere happens to still be in scope.
type Ref struct {
	p unsafe.Pointer // atomic *Word
}

// Load reads the current Word.
func (r *Ref) Load() *Word {
	return (*Word)(atomic.LoadPointer(&r.p))
}

// Store unconditionally replaces the current Word.
func (r *Ref) Store(w *Word) {
	atomic.StorePointer(&r.p, unsafe.Pointer(w))
}

// CAS atomically replaces old with new, succeeding only if the slot still
// holds old.
func (r *Ref) CAS(old, new *Word) bool {
	return atomic.CompareAndSwapPointer(&r.p, unsafe.Pointer(old), unsafe.Pointer(new))
}

// Addr exposes the slot's backing word so the DCSS primitive can operate on
// it directly as a compare-and-swap target.
func (r *Ref) Addr() *unsafe.Pointer { return &r.p }
