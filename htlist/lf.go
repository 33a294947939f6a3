package htlist

import (
	"unsafe"

	"github.com/ledgerwatch/dhash/dcss"
	"github.com/ledgerwatch/dhash/ptrtag"
)

// link abstracts "the slot we'd CAS to splice at this point in the list":
// either the bucket head slot itself, or a predecessor node's next field.
// Every LF engine operation walks a chain of links, re-checking at each
// node that the predecessor still points at the current node.
type link struct {
	head *ptrtag.Ref
	prev *Node
}

func (l link) load() *ptrtag.Word {
	if l.prev != nil {
		return l.prev.loadNext()
	}
	return l.head.Load()
}

func (l link) cas(old, new *ptrtag.Word) bool {
	if l.prev != nil {
		return l.prev.casNext(old, new)
	}
	return l.head.CAS(old, new)
}

// LF is the lock-free ordered bucket list engine. Every
// method must be called from inside an RCU read section.
type LF struct {
	Head    ptrtag.Ref // node pointer with no flags when non-empty
	Reclaim Reclaimer
}

// find walks from head looking for key, physically unlinking any
// logically-removed node it passes over (best-effort cleanup: later
// traversals clean up on failure). It returns the link at
// which an insert/delete should act, plus the {prev,cur,next} snapshot.
func (l *LF) find(key uint64) (link, Snapshot) {
restart:
	cur := l.headLink()
	curWord := cur.load()
	curNode := wordToNode(curWord)
	var prevNode *Node

	for curNode != nil {
		nextWord := curNode.loadNext()
		if nextWord.HasFlag(ptrtag.LogicallyRemoved) {
			unlinked := ptrtag.Pack(nextWord.Ptr(), 0)
			if !cur.cas(curWord, unlinked) {
				goto restart
			}
			if l.Reclaim != nil {
				dead := curNode
				l.Reclaim.Defer(func() { _ = dead })
			}
			curWord = unlinked
			curNode = wordToNode(unlinked)
			continue
		}
		if cur.load() != curWord {
			goto restart // predecessor no longer points at curNode
		}
		if curNode.Key >= key {
			break
		}
		cur = link{prev: curNode}
		prevNode = curNode
		curWord = nextWord
		curNode = wordToNode(nextWord)
	}

	found := curNode
	if found != nil && found.Key != key {
		found = nil
	}
	var next *Node
	if curNode != nil {
		next = wordToNode(curNode.loadNext())
	}
	return cur, Snapshot{Prev: prevNode, Cur: found, Next: next}
}

func (l *LF) headLink() link { return link{head: &l.Head} }

// Find reports whether key is present, without mutating the list beyond
// the best-effort cleanup find always performs.
func (l *LF) Find(key uint64) Snapshot {
	_, snap := l.find(key)
	return snap
}

// Insert splices a new node in key order. Returns false (EEXIST) if key
// is already present.
func (l *LF) Insert(n *Node) bool {
	return l.InsertWithFlags(n, 0)
}

// InsertWithFlags is Insert but sets n's own next-flags to flags instead
// of always clearing them. The migration coordinator uses this to carry a
// LOGICALLY_REMOVED bit a concurrent delete set on the node while it was
// in flight across tables.
func (l *LF) InsertWithFlags(n *Node, flags uint64) bool {
	for {
		where, snap := l.find(n.Key)
		if snap.Cur != nil {
			return false
		}
		oldHead := where.load()
		n.storeNext(ptrtag.Pack(oldHead.Ptr(), flags))
		if where.cas(oldHead, nodeToWord(n, 0)) {
			return true
		}
	}
}

// DrainHead marks the bucket's current head node IS_BEING_DISTRIBUTED and
// physically unlinks it, returning it for the migration coordinator to
// reinsert into the successor table, the LF/DCSS variant's transfer steps.
// Returns nil once the bucket is empty. Callers
// must serialize DrainHead calls on a given *LF themselves — the
// migration coordinator assigns each bucket to exactly one worker.
func (l *LF) DrainHead() *Node {
	for {
		headWord := l.Head.Load()
		n := wordToNode(headWord)
		if n == nil {
			return nil
		}
		next := n.loadNext()
		marked := next.WithFlags(ptrtag.IsBeingDistributed)
		if !n.casNext(next, marked) {
			continue
		}
		unlinkedHead := ptrtag.Pack(next.Ptr(), 0)
		for {
			cur := l.Head.Load()
			if wordToNode(cur) != n {
				break // head no longer points at n; already unlinked
			}
			if l.Head.CAS(cur, unlinkedHead) {
				break
			}
		}
		return n
	}
}

// Delete logically removes the node with the given key, then best-effort
// physically unlinks it. Returns false (NOT-FOUND) if absent.
func (l *LF) Delete(key uint64) bool {
	for {
		_, snap := l.find(key)
		if snap.Cur == nil {
			return false
		}
		cur := snap.Cur
		curNext := cur.loadNext()
		if curNext.HasFlag(ptrtag.LogicallyRemoved) {
			// Someone else's delete already linearized; caller loses the race.
			return false
		}
		marked := curNext.WithFlags(ptrtag.LogicallyRemoved)
		if cur.casNext(curNext, marked) {
			// Best-effort physical unlink; a subsequent find() will clean
			// up if this CAS below loses a race.
			l.find(key)
			return true
		}
	}
}

// InsertDCSS is the LF+DCSS insert path: instead of a
// plain CAS of the predecessor, it uses dcss with addr1 = &successor,
// expected1 = nil, so the insert only commits if no migration has begun.
// provider is the shared dcss.Provider for the table; tid identifies the
// calling thread's descriptor slot; successor is the table's atomic
// successor-pointer slot (nil == no migration in flight).
func (l *LF) InsertDCSS(n *Node, provider *dcss.Provider, tid int, successor *unsafe.Pointer) dcss.Status {
	for {
		where, snap := l.find(n.Key)
		if snap.Cur != nil {
			return dcss.FailedAddr2 // caller maps this to EEXIST, see hashtab facade
		}
		oldHead := where.load()
		n.storeNext(oldHead)
		newHead := nodeToWord(n, 0)

		res := provider.Op(tid, successor, nil, addrForLink(where), unsafe.Pointer(oldHead), unsafe.Pointer(newHead))
		switch res.Status {
		case dcss.Success:
			return dcss.Success
		case dcss.FailedAddr1:
			return dcss.FailedAddr1 // migration started; facade retries against successor table
		case dcss.FailedAddr2:
			continue // bucket head changed under us; retry the whole find+insert
		}
	}
}

// addrForLink exposes the slot dcss.Op should CAS: either the bucket head
// slot or the predecessor's next field.
func addrForLink(l link) *unsafe.Pointer {
	if l.prev != nil {
		return l.prev.next.Addr()
	}
	return l.head.Addr()
}
