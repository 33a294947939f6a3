// Package dcss implements the double-compare-single-swap primitive, the
// core's one truly novel mechanism: dcss(addr1, expected1,
// addr2, old2, new2) atomically performs "if *addr1==expected1 and
// *addr2==old2 then *addr2=new2", reporting which check failed otherwise.
//
// It closes a race that is otherwise unavoidable: an inserter that read
// ht.successor==nil and now wants to CAS a
// node into the old bucket must not race against a migrator that just
// published a successor table. Folding both checks into one atomic step
// means a migration that starts mid-insert is always visible to the
// insert before it commits.
//
// Implementation follows the transient-descriptor technique from Arbel-
// Raviv's dcss_plus (see _examples/original_source/dcss/dcss.h): a
// descriptor pointer is installed at *addr2 while the operation is
// in-flight, and any thread that observes that pointer must help complete
// the operation before making progress of its own. Earlier revisions
// identified an installed descriptor by reserving bit 0 of *addr2 and
// packing {tid, seq} into the remaining bits of a uint64 — which only
// works if *addr2 is itself never a real pointer's scanned representation.
// Since *addr2 here is the bucket-head slot backing a ptrtag.Ref, it holds
// a genuine unsafe.Pointer the garbage collector traces, and any bit
// tagging would either corrupt that pointer or have the GC scan garbage.
// Descriptors are therefore installed as real heap-allocated marker
// objects (tag), one preallocated per descriptor slot, identified by
// pointer identity through a read-only lookup map built once in
// NewProvider — safe for unsynchronized concurrent reads since it is
// never mutated after construction returns.
package dcss

import (
	"sync/atomic"
	"unsafe"
)

// Status reports which part of the atomic compound operation failed, or
// that it all succeeded.
type Status int

const (
	Success Status = iota
	FailedAddr1
	FailedAddr2
)

// Result is the outcome of one dcss call. FailedVal holds the value read
// from whichever address caused the failure, so the caller (typically the
// LF+DCSS insert path) can decide how to retry without a second read.
type Result struct {
	Status    Status
	FailedVal unsafe.Pointer
}

type state int32

const (
	stateUndecided state = iota
	stateSucceeded
	stateFailed
)

// tag is a descriptor's transient marker, installed at *addr2 for the
// duration of one Op and identified purely by its own address — see
// Provider.tags.
type tag struct{ tid int }

// descriptor is one thread's preallocated DCSS operation record. Provider
// owns one per participating thread so no allocation happens on the
// DCSS fast path, meeting the no-suspend / no-allocation requirement for
// RCU-read-section code.
type descriptor struct {
	seq   uint64 // atomic; bumped by the owner at the start of each op
	state int32  // atomic state
	addr1 *unsafe.Pointer
	old1  unsafe.Pointer
	addr2 *unsafe.Pointer
	old2  unsafe.Pointer
	new2  unsafe.Pointer
	mark  *tag // this slot's preallocated marker, installed at addr2 while in flight
}

// Provider holds the preallocated descriptor table for up to the
// configured number of participating threads (--rebuild-threads R,
// 1..32, plus ordinary worker/updater threads).
type Provider struct {
	descriptors []descriptor
	// tags maps each preallocated marker's own address back to its
	// descriptor slot index, so isDescriptor can recognize an installed
	// marker by pointer identity instead of a bit tag packed into the
	// pointer value. Built once in NewProvider; never written again.
	tags map[unsafe.Pointer]int
}

// NewProvider preallocates n descriptor slots, one per thread id in [0,n),
// each with its own marker object.
func NewProvider(n int) *Provider {
	p := &Provider{
		descriptors: make([]descriptor, n),
		tags:        make(map[unsafe.Pointer]int, n),
	}
	for i := range p.descriptors {
		m := &tag{tid: i}
		p.descriptors[i].mark = m
		p.tags[unsafe.Pointer(m)] = i
	}
	return p
}

func (p *Provider) isDescriptor(raw unsafe.Pointer) (tid int, ok bool) {
	tid, ok = p.tags[raw]
	return tid, ok
}

// Op performs one dcss(addr1, old1, addr2, old2, new2) for thread tid.
// addr1 is a plain pointer-comparable slot (e.g. a table's successor
// field, nil meaning no migration in flight).
func (p *Provider) Op(tid int, addr1 *unsafe.Pointer, old1 unsafe.Pointer, addr2 *unsafe.Pointer, old2, new2 unsafe.Pointer) Result {
	d := &p.descriptors[tid]

	seq := atomic.AddUint64(&d.seq, 1)
	d.addr1, d.old1 = addr1, old1
	d.addr2, d.old2, d.new2 = addr2, old2, new2
	atomic.StoreInt32(&d.state, int32(stateUndecided))

	mark := unsafe.Pointer(d.mark)

	for {
		raw := atomic.LoadPointer(addr2)
		if helpTid, isDescr := p.isDescriptor(raw); isDescr {
			p.help(helpTid)
			continue
		}
		if raw != old2 {
			return Result{Status: FailedAddr2, FailedVal: raw}
		}
		if atomic.CompareAndSwapPointer(addr2, raw, mark) {
			break
		}
		// Lost the race to install our descriptor; reread and retry.
	}

	st := p.complete(d, tid, seq)
	if st == stateSucceeded {
		return Result{Status: Success}
	}
	return Result{Status: FailedAddr1, FailedVal: atomic.LoadPointer(addr1)}
}

// help completes whatever descriptor slot tid refers to on behalf of its
// owner, then returns — it never reports a result to the caller. Any
// concurrent reader that observes a descriptor marker at addr2 must help
// complete the operation before proceeding.
func (p *Provider) help(tid int) {
	if tid < 0 || tid >= len(p.descriptors) {
		return
	}
	d := &p.descriptors[tid]
	seq := atomic.LoadUint64(&d.seq)
	p.complete(d, tid, seq)
}

// complete runs the decide-then-publish steps shared by the owner and any
// helper: first it resolves the descriptor's state (succeeded iff *addr1
// still equals old1), then it swings addr2 from the descriptor marker to
// new2 or back to old2 accordingly. Both steps are individually
// idempotent/CAS-guarded so the owner and N helpers can race here safely.
func (p *Provider) complete(d *descriptor, tid int, seq uint64) state {
	// Snapshot the descriptor's fields before acting on them, then
	// re-check seq around each use: if the owning thread has already
	// started a new op on this slot (same tid), seq will have moved and
	// we must not touch whatever now-unrelated addr2 the slot points at.
	addr1, old1 := d.addr1, d.old1
	addr2, old2, new2 := d.addr2, d.old2, d.new2
	mark := unsafe.Pointer(d.mark)

	if atomic.LoadUint64(&d.seq) != seq {
		return state(atomic.LoadInt32(&d.state))
	}

	if atomic.LoadPointer(addr1) == old1 {
		atomic.CompareAndSwapInt32(&d.state, int32(stateUndecided), int32(stateSucceeded))
	} else {
		atomic.CompareAndSwapInt32(&d.state, int32(stateUndecided), int32(stateFailed))
	}
	st := state(atomic.LoadInt32(&d.state))

	if atomic.LoadUint64(&d.seq) != seq {
		return st
	}
	final := old2
	if st == stateSucceeded {
		final = new2
	}
	// Best-effort: if another helper already swung addr2 away from our
	// marker, there's nothing left to do.
	atomic.CompareAndSwapPointer(addr2, mark, final)
	return st
}

// Read returns the current, fully-resolved value at addr, helping to
// completion first if a descriptor marker is transiently installed there.
// This is dcssRead — any plain traversal of a word that might be a live
// DCSS target (a bucket head) must go through this instead of a raw
// atomic load.
func (p *Provider) Read(addr *unsafe.Pointer) unsafe.Pointer {
	for {
		raw := atomic.LoadPointer(addr)
		tid, isDescr := p.isDescriptor(raw)
		if !isDescr {
			return raw
		}
		p.help(tid)
	}
}
