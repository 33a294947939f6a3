package htlist

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ledgerwatch/dhash/ptrtag"
)

// reverseBits32 reverses the bit order of a 32-bit hash, grounded on
// original_source/HT-Split-helper.h's reverse_value.
func reverseBits32(k uint32) uint32 { return bits.Reverse32(k) }

// RegularHash is hash_regular_key: regular keys hash with their top bit
// forced to 1 before reversal, so their reversed form always has its new
// low bit (the former top bit) set to 1 — distinguishing regular nodes
// from dummy nodes at the list-ordering level: the low bit of the hash
// distinguishes dummy (0) vs regular (1).
func RegularHash(k uint32) uint32 { return reverseBits32(k | 0x80000000) }

// DummyHash is hash_dummy_key for bucket-start markers.
func DummyHash(b uint32) uint32 { return reverseBits32(b &^ 0x80000000) }

// Split is the split-ordered list engine: a single
// global list, ordered by reversed-bit hash, with dummy nodes marking the
// start of each bucket. Resizing the bucket count never moves a node —
// only the bucket table (a slice of *Node bucket-start pointers, owned by
// the caller table instance) changes, lazily populated by
// InitializeBucket.
type Split struct {
	// Head is the sentinel dummy node for bucket 0, always present; every
	// other dummy and regular node is reachable by walking forward from
	// it in Hash order.
	Head *Node

	Reclaim Reclaimer

	mu sync.Mutex // guards lazy dummy-node creation races across buckets
}

// NewSplit creates a split-ordered list with bucket 0 already initialized.
func NewSplit() *Split {
	return &Split{Head: &Node{Hash: DummyHash(0)}}
}

// loadBucket and storeBucket access buckets[b] atomically. The element
// type is already a real *Node, so a plain slice read would race with
// InitializeBucket's write from a concurrent goroutine under the Go
// memory model — there is no happens-before edge between a mutex-guarded
// writer and an unguarded reader elsewhere. &buckets[b] and *unsafe.Pointer
// share layout, so atomic.LoadPointer/StorePointer on that address give the
// same atomicity sync/atomic's typed pointer helpers would, without
// changing the exported []*Node slice type every caller already uses.
func loadBucket(buckets []*Node, b uint32) *Node {
	return (*Node)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&buckets[b]))))
}

func storeBucket(buckets []*Node, b uint32, n *Node) {
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&buckets[b])), unsafe.Pointer(n))
}

// findFrom walks the global list starting at start, looking for the first
// node whose Hash is >= target. It physically unlinks any logically
// removed node it passes over, mirroring the LF engine's find: the same
// cleanup-on-traversal technique, reused here via ordered LF-list
// operations keyed on the reversed hash.
func (s *Split) findFrom(start *Node, target uint32) (prev, cur *Node) {
restart:
	prev = start
	curWord := prev.loadNext()
	cur = wordToNode(curWord)

	for cur != nil {
		nextWord := cur.loadNext()
		if nextWord.HasFlag(ptrtag.LogicallyRemoved) {
			unlinked := ptrtag.Pack(nextWord.Ptr(), 0)
			if !prev.casNext(curWord, unlinked) {
				goto restart
			}
			if s.Reclaim != nil {
				dead := cur
				s.Reclaim.Defer(func() { _ = dead })
			}
			curWord = unlinked
			cur = wordToNode(unlinked)
			continue
		}
		if cur.Hash >= target {
			return prev, cur
		}
		prev = cur
		curWord = nextWord
		cur = wordToNode(nextWord)
	}
	return prev, cur
}

// insertAt splices n (already carrying its target Hash) into the global
// list starting the search at start. Returns false if a node with the
// same Hash already exists (dummy nodes for the same bucket never
// collide; regular nodes with equal Hash are the true-duplicate case a
// known possible bug in the original design calls out — this engine
// always returns a single well-defined EEXIST instead of racing the
// caller with a returned-but-ignored existing pointer).
func (s *Split) insertAt(start *Node, n *Node) bool {
	for {
		prev, cur := s.findFrom(start, n.Hash)
		if cur != nil && cur.Hash == n.Hash {
			return false
		}
		prevWord := prev.loadNext()
		if wordToNode(prevWord) != cur || prevWord.Flags() != 0 {
			continue // prev moved on since findFrom; search again
		}
		n.storeNext(nodeToWord(cur, 0))
		if prev.casNext(prevWord, nodeToWord(n, 0)) {
			return true
		}
	}
}

// GetParent computes the bucket whose dummy anchors the lazy-
// initialization chain for b: b with its highest set bit cleared.
func GetParent(b uint32) uint32 {
	if b == 0 {
		return 0
	}
	highBit := uint32(1) << (31 - bits.LeadingZeros32(b))
	return b &^ highBit
}

// InitializeBucket lazily creates the dummy node anchoring bucket b,
// recursively initializing its parent first. buckets is
// the caller table's per-bucket dummy-pointer slice, indexed by bucket
// number; a nil entry means "not yet initialized". Returns the bucket's
// dummy node.
func (s *Split) InitializeBucket(buckets []*Node, b uint32) *Node {
	if b == 0 {
		return s.Head
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := loadBucket(buckets, b); d != nil {
		return d
	}
	return s.InitializeBucketLocked(buckets, b)
}

// InitializeBucketLocked is InitializeBucket's recursive step, called
// while s.mu is already held.
func (s *Split) InitializeBucketLocked(buckets []*Node, b uint32) *Node {
	if b == 0 {
		return s.Head
	}
	if d := loadBucket(buckets, b); d != nil {
		return d
	}
	parent := GetParent(b)
	parentDummy := loadBucket(buckets, parent)
	if parentDummy == nil {
		parentDummy = s.InitializeBucketLocked(buckets, parent)
	}
	dummy := &Node{Hash: DummyHash(b)}
	s.insertAt(parentDummy, dummy)
	storeBucket(buckets, b, dummy)
	return dummy
}

// Insert adds a regular node for key, anchored at bucket b's dummy
// (initializing it first if needed). The caller picks b and the 32-bit
// hash consistently — ordinarily b == hash(key) mod nbuckets and hash is
// the table's configured hash function applied to key, with the split
// variant further reversing it via RegularHash; this engine does not
// assume any particular hash function.
func (s *Split) Insert(buckets []*Node, b uint32, n *Node, hash uint32) bool {
	dummy := s.bucketDummy(buckets, b)
	n.Hash = RegularHash(hash)
	return s.insertAt(dummy, n)
}

// Find looks up key within bucket b's segment, using the same hash the
// corresponding Insert call used.
func (s *Split) Find(buckets []*Node, b uint32, key uint64, hash uint32) Snapshot {
	dummy := s.bucketDummy(buckets, b)
	target := RegularHash(hash)
	prev, cur := s.findFrom(dummy, target)
	found := cur
	if found != nil && (found.Hash != target || found.Key != key) {
		found = nil
	}
	var next *Node
	if cur != nil {
		next = wordToNode(cur.loadNext())
	}
	return Snapshot{Prev: prev, Cur: found, Next: next}
}

// Delete logically removes the regular node for key within bucket b's
// segment.
func (s *Split) Delete(buckets []*Node, b uint32, key uint64, hash uint32) bool {
	dummy := s.bucketDummy(buckets, b)
	target := RegularHash(hash)
	for {
		_, cur := s.findFrom(dummy, target)
		if cur == nil || cur.Hash != target || cur.Key != key {
			return false
		}
		next := cur.loadNext()
		if next.HasFlag(ptrtag.LogicallyRemoved) {
			return false
		}
		if cur.casNext(next, next.WithFlags(ptrtag.LogicallyRemoved)) {
			s.findFrom(dummy, target) // best-effort physical unlink
			return true
		}
	}
}

func (s *Split) bucketDummy(buckets []*Node, b uint32) *Node {
	if d := loadBucket(buckets, b); d != nil {
		return d
	}
	return s.InitializeBucket(buckets, b)
}
