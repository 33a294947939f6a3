// Package htlist implements the three ordered bucket-list engines: a
// lock-free ordered list (with a plain-CAS insert and a
// DCSS-anchored insert variant), a wait-free-lookup list, and the
// split-ordered global list. All three share the same node shape and the
// same tagged-next-pointer discipline; only how a
// node is spliced in and out differs.
package htlist

import (
	"sync"
	"unsafe"

	"github.com/ledgerwatch/dhash/ptrtag"
)

// Node is one bucket-list entry. Callers obtain identity from the pointer
// itself — this module stores no value beyond opaque key-equivalence, so
// Payload is never inspected by the engines.
type Node struct {
	Key  uint64
	Hash uint32 // split-ordered reversed-bit hash; unused by LF/WF engines

	next ptrtag.Ref // atomic GC-traced {pointer, flags}; see ptrtag.Ref

	lock sync.Mutex // per-node spinlock, used only by the WF engine

	Payload interface{}
}

func nodeToWord(n *Node, flags uint64) *ptrtag.Word {
	return ptrtag.Pack(unsafe.Pointer(n), flags)
}

func wordToNode(w *ptrtag.Word) *Node {
	return (*Node)(w.Ptr())
}

func (n *Node) loadNext() *ptrtag.Word { return n.next.Load() }

func (n *Node) casNext(old, new *ptrtag.Word) bool { return n.next.CAS(old, new) }

func (n *Node) storeNext(w *ptrtag.Word) { n.next.Store(w) }

// Flags returns the control bits currently set on n's own next pointer
// (LogicallyRemoved / IsBeingDistributed). Exported for the migration
// coordinator, which must inspect and carry these across a table transfer:
// a node migrated mid-delete still carries its LOGICALLY_REMOVED flag into
// the new table.
func (n *Node) Flags() uint64 {
	return n.next.Load().Flags()
}

// TryMarkLogicallyRemoved CASes the LogicallyRemoved flag onto n's own
// next pointer, succeeding only if it was not already set. Used by the
// hashtab facade's hazard-slot delete path — CAS that node's next to set
// LOGICALLY_REMOVED, a success claims the delete — for a node reachable
// only via a migration hazard slot, not from any bucket list.
func TryMarkLogicallyRemoved(n *Node) bool {
	for {
		cur := n.loadNext()
		if cur.HasFlag(ptrtag.LogicallyRemoved) {
			return false
		}
		marked := cur.WithFlags(ptrtag.LogicallyRemoved)
		if n.casNext(cur, marked) {
			return true
		}
	}
}

// NewNode allocates a node. Hash is meaningful only to the split-ordered
// engine; other engines ignore it.
func NewNode(key uint64, payload interface{}) *Node {
	return &Node{Key: key, Payload: payload}
}

// Reclaimer is the subset of an rcu.Domain's behavior the bucket list
// engines need: a way to hand a physically unlinked node to deferred
// reclamation. Declared here instead of importing package rcu to avoid a
// dependency cycle between engines and the reclamation domain they run
// under — satisfied by *rcu.Domain.
type Reclaimer interface {
	Defer(fn func())
}

// Snapshot reports the {prev, cur, next} triple every
// engine operation is reported through: the node immediately before the
// target, the target itself (nil if not found), and the node after it.
type Snapshot struct {
	Prev *Node
	Cur  *Node
	Next *Node
}
