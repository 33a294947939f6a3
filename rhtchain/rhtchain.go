// Package rhtchain implements the RHT-chain bucket engine: an unordered
// per-bucket chain, mutated only under a per-bucket
// spinlock (so, unlike the LF/WF engines, it needs no logical-removal
// flag bit — a lock already serializes every writer), with lookups going
// lock-free via a nulls-marker sentinel so they can detect wandering into
// the wrong bucket while a migration is redistributing nodes, the same
// technique the Linux kernel's rhashtable uses.
package rhtchain

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Node is one chain entry, or (when owner is non-nil) the terminal
// sentinel marking the end of owner's chain — the same "dummy node"
// technique htlist's split-ordered engine uses to mark bucket boundaries,
// reused here as the nulls marker. Every chain slot (a Bucket's head or a
// Node's next) always holds a real *Node, terminal or not, so it needs no
// tagged flag bits or uintptr-derived sentinel value: the garbage
// collector traces the pointer either way.
type Node struct {
	Key     uint64
	next    unsafe.Pointer // atomic *Node; always non-nil
	Payload interface{}

	// owner is set only on a bucket's terminal sentinel node, created once
	// by NewBucket and never reachable through head/next as anything but
	// the chain's end. It lets Find tell "this bucket is empty" apart from
	// "the walk wandered into a different bucket's chain during a
	// migration transfer" without decoding bits out of the pointer itself.
	owner *Bucket
}

// Bucket is a per-bucket spinlock-guarded chain, terminated by its own
// sentinel node.
type Bucket struct {
	mu   sync.Mutex
	head unsafe.Pointer // atomic *Node; never nil
	// Count is the atomic per-bucket element counter used for load
	// telemetry; it is advisory only, never correctness-critical.
	Count int64
}

// NewBucket returns an empty bucket, whose head is its own terminal
// sentinel.
func NewBucket() *Bucket {
	b := &Bucket{}
	b.head = unsafe.Pointer(&Node{owner: b})
	return b
}

func loadHead(b *Bucket) *Node { return (*Node)(atomic.LoadPointer(&b.head)) }

func loadNext(n *Node) *Node { return (*Node)(atomic.LoadPointer(&n.next)) }

// Find walks the chain lock-free looking for key. wrongBucket reports that
// the walk reached a terminal sentinel that does not belong to the bucket
// it started in: it has crossed into another bucket's chain during
// migration and the caller (the hashtab facade) must re-route to the
// successor table's bucket, rather than reporting not-found.
func (b *Bucket) Find(key uint64) (node *Node, wrongBucket bool) {
	n := loadHead(b)
	for {
		if n.owner != nil {
			return nil, n.owner != b
		}
		if n.Key == key {
			return n, false
		}
		n = loadNext(n)
	}
}

// Insert prepends a node for key under the bucket lock. Returns false
// (EEXIST) if key is already present.
func (b *Bucket) Insert(key uint64, payload interface{}) (*Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for n := loadHead(b); n.owner == nil; n = loadNext(n) {
		if n.Key == key {
			return nil, false
		}
	}

	n := &Node{Key: key, Payload: payload, next: atomic.LoadPointer(&b.head)}
	atomic.StorePointer(&b.head, unsafe.Pointer(n))
	atomic.AddInt64(&b.Count, 1)
	return n, true
}

// Delete removes the given node instance: nodes, not keys, are deleted,
// so the delete re-walks to find the exact pointer, not merely a matching
// key, meaning a concurrent insert of an equal-key replacement can't cause
// the wrong instance to be unlinked. Returns false (not-found) if target
// is no longer in this bucket.
func (b *Bucket) Delete(target *Node) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	prevIsHead := true
	var prevNode *Node
	for n := loadHead(b); n.owner == nil; n = loadNext(n) {
		if n == target {
			next := atomic.LoadPointer(&n.next)
			if prevIsHead {
				atomic.StorePointer(&b.head, next)
			} else {
				atomic.StorePointer(&prevNode.next, next)
			}
			atomic.AddInt64(&b.Count, -1)
			return true
		}
		prevIsHead = false
		prevNode = n
	}
	return false
}

// Splice detaches and returns the last node in the chain (the tail
// furthest from head), used by the migration coordinator's RHT transfer
// loop. Returns
// nil once the bucket is empty.
func (b *Bucket) Splice() *Node {
	b.mu.Lock()
	defer b.mu.Unlock()

	head := loadHead(b)
	if head.owner != nil {
		return nil
	}
	if next := loadNext(head); next.owner != nil {
		// single node left
		atomic.StorePointer(&b.head, atomic.LoadPointer(&head.next))
		atomic.AddInt64(&b.Count, -1)
		return head
	}
	prev := head
	for {
		next := loadNext(prev)
		if nextNext := loadNext(next); nextNext.owner != nil {
			last := next
			atomic.StorePointer(&prev.next, atomic.LoadPointer(&last.next))
			atomic.AddInt64(&b.Count, -1)
			return last
		}
		prev = next
	}
}

// PrependExisting splices an already-allocated node (typically one peeled
// off an old bucket by Splice) onto the head of this bucket, used by the
// migration coordinator to move a node without reallocating it.
func (b *Bucket) PrependExisting(n *Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	atomic.StorePointer(&n.next, atomic.LoadPointer(&b.head))
	atomic.StorePointer(&b.head, unsafe.Pointer(n))
	atomic.AddInt64(&b.Count, 1)
}
