package htlist

import (
	"math"
	"unsafe"

	"github.com/ledgerwatch/dhash/ptrtag"
)

// WF is the wait-free-lookup bucket list engine: lookups
// never lock, never restart, and only ever walk forward over strictly
// increasing keys, bracketed by MIN/MAX sentinels so they never need to
// special-case an empty list. Only Insert/Delete take locks.
type WF struct {
	min, max *Node
	Reclaim  Reclaimer
}

// NewWF builds a fresh list framed by MIN/MAX sentinels.
func NewWF() *WF {
	min := &Node{Key: 0}
	max := &Node{Key: math.MaxUint64}
	min.storeNext(nodeToWord(max, 0))
	return &WF{min: min, max: max}
}

// validate re-checks, under both locks, that prev is still directly
// followed by cur and that neither carries the logical-removal flag, the
// validate(prev,cur) predicate. The MIN sentinel is
// never itself removed, so its removal flag is not meaningful to check.
func (w *WF) validate(prev, cur *Node) bool {
	if prev != w.min && prev.loadNext().HasFlag(ptrtag.LogicallyRemoved) {
		return false
	}
	if wordToNode(prev.loadNext()) != cur {
		return false
	}
	if cur != nil && cur != w.max && cur.loadNext().HasFlag(ptrtag.LogicallyRemoved) {
		return false
	}
	return true
}

// walk returns (prev, cur) such that prev.Key < key <= cur.Key, chasing
// next pointers unlocked — the wait-free part of this engine.
func (w *WF) walk(key uint64) (*Node, *Node) {
	prev := w.min
	cur := wordToNode(prev.loadNext())
	for cur != nil && cur.Key < key {
		prev = cur
		cur = wordToNode(cur.loadNext())
	}
	return prev, cur
}

// Find is wait-free: it never locks and never restarts.
func (w *WF) Find(key uint64) Snapshot {
	prev, cur := w.walk(key)
	found := cur
	if found == w.max || found == nil || found.Key != key {
		found = nil
	} else if found.loadNext().HasFlag(ptrtag.LogicallyRemoved) {
		found = nil
	}
	var next *Node
	if cur != nil {
		next = wordToNode(cur.loadNext())
	}
	return Snapshot{Prev: prev, Cur: found, Next: next}
}

// Insert acquires prev's and cur's locks, validates, and splices n between
// them. Returns false (EEXIST) if key is already present and live.
func (w *WF) Insert(n *Node) bool {
	return w.InsertWithFlags(n, 0)
}

// InsertWithFlags is Insert but sets n's own next-flags to flags instead
// of always clearing them, letting the migration coordinator preserve a
// LOGICALLY_REMOVED bit across a table transfer.
func (w *WF) InsertWithFlags(n *Node, flags uint64) bool {
	for {
		prev, cur := w.walk(n.Key)
		prev.lock.Lock()
		cur.lock.Lock()
		if !w.validate(prev, cur) {
			cur.lock.Unlock()
			prev.lock.Unlock()
			continue
		}
		if cur != w.max && cur.Key == n.Key {
			cur.lock.Unlock()
			prev.lock.Unlock()
			return false
		}
		n.storeNext(ptrtag.Pack(unsafe.Pointer(cur), flags))
		prev.storeNext(nodeToWord(n, 0))
		cur.lock.Unlock()
		prev.lock.Unlock()
		return true
	}
}

// DrainMin removes and returns the live node with the smallest key (the
// one immediately after the MIN sentinel), or nil if the bucket is empty.
// Used by the migration coordinator's single-worker WF transfer loop
//. Like DrainHead on the LF
// engine, callers must serialize their own calls against a given *WF.
func (w *WF) DrainMin() *Node {
	w.min.lock.Lock()
	cur := wordToNode(w.min.loadNext())
	if cur == w.max {
		w.min.lock.Unlock()
		return nil
	}
	cur.lock.Lock()
	next := cur.loadNext()
	w.min.storeNext(ptrtag.Pack(next.Ptr(), 0))
	cur.lock.Unlock()
	w.min.lock.Unlock()
	return cur
}

// Delete marks the node with the given key removed, then swings prev past
// it. Returns false (NOT-FOUND) if absent.
func (w *WF) Delete(key uint64) bool {
	for {
		prev, cur := w.walk(key)
		if cur == w.max || cur == nil || cur.Key != key {
			return false
		}
		prev.lock.Lock()
		cur.lock.Lock()
		if !w.validate(prev, cur) || cur.Key != key {
			cur.lock.Unlock()
			prev.lock.Unlock()
			continue
		}
		next := cur.loadNext()
		cur.storeNext(next.WithFlags(ptrtag.LogicallyRemoved))
		prev.storeNext(next.ClearFlags(ptrtag.LogicallyRemoved | ptrtag.IsBeingDistributed))
		cur.lock.Unlock()
		prev.lock.Unlock()
		if w.Reclaim != nil {
			dead := cur
			w.Reclaim.Defer(func() { _ = dead })
		}
		return true
	}
}
