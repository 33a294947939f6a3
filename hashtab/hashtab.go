// Package hashtab implements the facade: alloc/free/lookup/add/del/
// rebuild, routed across the current table,
// its in-flight successor, and the migration coordinator's hazard
// registry. Grounded on the ethdb.Database interface — a single
// narrow surface (Get/Put/Delete) that internally picks among multiple
// backing stores — generalized here to picking among "current table",
// "successor table", and "hazard slot".
package hashtab

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cespare/xxhash/v2"

	"github.com/ledgerwatch/dhash/dcss"
	"github.com/ledgerwatch/dhash/htlist"
	"github.com/ledgerwatch/dhash/httable"
	"github.com/ledgerwatch/dhash/internal/logctx"
	"github.com/ledgerwatch/dhash/migrate"
	"github.com/ledgerwatch/dhash/rcu"
)

// rhtDrained reports whether t's bucket for key has already been fully
// forwarded to its successor by a still-running RHT transfer, making a
// query of t for key redundant. transferRHT advances
// t.MigrationCursor in strictly increasing bucket-index order, only after
// every node has been spliced out of that bucket, so any bucket index at
// or below the cursor is guaranteed empty.
func rhtDrained(t *httable.Table, key uint64) bool {
	if t.Variant != httable.VariantRHT {
		return false
	}
	cursor := atomic.LoadInt64(&t.MigrationCursor)
	if cursor < 0 {
		return false
	}
	return int64(t.BucketIndex(key)) <= cursor
}

// DefaultHash is the module's built-in hash function, the `--jhash`-free
// default path: keys and seed are mixed through xxhash rather than the
// external Jenkins lookup3 this module treats as an out-of-scope
// collaborator. Folded to 32 bits since every bucket engine indexes with a
// uint32.
func DefaultHash(key, seed uint64) uint32 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], key)
	binary.LittleEndian.PutUint64(buf[8:], seed)
	return uint32(xxhash.Sum64(buf[:]))
}

// DefaultCapability builds a Capability using DefaultHash, leaving key
// comparison and payload-to-key extraction to the caller.
func DefaultCapability(cmpEq func(a, b uint64) bool, getKey func(interface{}) uint64) httable.Capability {
	return httable.Capability{Hash: DefaultHash, Cmp: cmpEq, GetKey: getKey}
}

// Status errors mirror a small-integer error taxonomy; no
// exception ever crosses the facade boundary.
var (
	ErrExist    = errors.New("hashtab: key already exists")
	ErrNotFound = errors.New("hashtab: key not found")
	ErrBusy     = migrate.ErrBusy
	ErrNoMem    = migrate.ErrNoMem
)

// Config collects an alloc() call's parameters, built via the functional-
// options pattern the rpcdaemon flags-to-struct layer uses.
type Config struct {
	Variant            httable.Variant
	NBuckets           uint32
	Seed               uint64
	Cap                httable.Capability
	DCSSSlots          int // only meaningful for VariantLFDCSS
	NegativeCache      bool
	NegativeCacheBytes int
}

// Option mutates a Config during alloc().
type Option func(*Config)

// WithSeed sets the initial hash seed.
func WithSeed(seed uint64) Option { return func(c *Config) { c.Seed = seed } }

// WithDCSSSlots sizes the DCSS descriptor table for VariantLFDCSS tables;
// it must be at least as large as the number of distinct tids (client
// threads plus migration workers) that will ever call Add concurrently.
func WithDCSSSlots(n int) Option { return func(c *Config) { c.DCSSSlots = n } }

// WithNegativeCache enables a fastcache-backed cache of recently-missed
// keys, so a storm of repeated lookups for an absent key doesn't
// retraverse both the current and successor tables every time. This is a
// domain-stack addition wiring in VictoriaMetrics/fastcache. A cache hit is
// reported as ErrNotFound without consulting the tables; Add and Del drop
// the key's entry before touching the tables.
func WithNegativeCache(maxBytes int) Option {
	return func(c *Config) { c.NegativeCache = true; c.NegativeCacheBytes = maxBytes }
}

// Handle is the live object an alloc(...) call returns.
type Handle struct {
	master *migrate.MasterPointer
	coord  *migrate.Coordinator
	domain *rcu.Domain
	dcss   *dcss.Provider
	log    *logctx.Logger

	negCache *fastcache.Cache
}

// Alloc is `alloc(nbuckets, cmp, hash, getkey, seed) → handle`. Every
// caller must already be registered with the reclamation service, here
// represented by sharing domain across every call the returned handle
// makes.
func Alloc(domain *rcu.Domain, variant httable.Variant, nbuckets uint32, capRec httable.Capability, opts ...Option) *Handle {
	cfg := Config{Variant: variant, NBuckets: nbuckets, Cap: capRec, DCSSSlots: 64}
	for _, opt := range opts {
		opt(&cfg)
	}

	var provider *dcss.Provider
	if variant == httable.VariantLFDCSS {
		provider = dcss.NewProvider(cfg.DCSSSlots)
	}

	t := httable.New(variant, nbuckets, cfg.Seed, capRec, domain, provider)
	h := &Handle{
		master: migrate.NewMasterPointer(t),
		coord:  migrate.NewCoordinator(domain),
		domain: domain,
		dcss:   provider,
		log:    logctx.New("component", "hashtab", "variant", variant.String()),
	}
	if cfg.NegativeCache {
		h.negCache = fastcache.New(cfg.NegativeCacheBytes)
	}
	return h
}

// Free releases the handle's resources. dhash stores no value beyond
// opaque nodes and has no durable state, so Free only needs to drop the
// negative-lookup cache, if any.
func (h *Handle) Free() {
	if h.negCache != nil {
		h.negCache.Reset()
	}
}

func negKey(key uint64) [8]byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(key >> (8 * i))
	}
	return b
}

// Lookup checks the current table, then the hazard
// registry, then the successor table.
func (h *Handle) Lookup(tid int, key uint64) (interface{}, error) {
	guard := h.domain.Enter(tid)
	defer guard.Exit()

	k := negKey(key)
	if h.negCache != nil && h.negCache.Has(k[:]) {
		return nil, ErrNotFound
	}

	cur := h.master.Load()
	succ := cur.Successor()

	if succ == nil || !rhtDrained(cur, key) {
		if payload, ok := h.findIn(cur, key); ok {
			return payload, nil
		}
	}

	if succ == nil {
		if h.negCache != nil {
			h.negCache.Set(k[:], nil)
		}
		return nil, ErrNotFound
	}

	if reg := h.coord.ActiveRegistry(); reg != nil {
		if n := reg.Lookup(key); n != nil {
			return n.Payload, nil
		}
	}

	if payload, ok := h.findIn(succ, key); ok {
		return payload, nil
	}
	return nil, ErrNotFound
}

// findIn dispatches a bucket-engine Find to the right variant, returning
// the found payload and whether the key is present.
func (h *Handle) findIn(t *httable.Table, key uint64) (interface{}, bool) {
	b := t.BucketIndex(key)
	switch t.Variant {
	case httable.VariantLFDCSS:
		n := t.LF[b].Find(key).Cur
		if n == nil {
			return nil, false
		}
		return n.Payload, true
	case httable.VariantWF:
		n := t.WF[b].Find(key).Cur
		if n == nil {
			return nil, false
		}
		return n.Payload, true
	case httable.VariantRHT:
		n, wrongBucket := t.RHT[b].Find(key)
		if wrongBucket || n == nil {
			return nil, false
		}
		return n.Payload, true
	case httable.VariantSplit:
		n := t.Split.Find(t.SplitDummies, b, key, t.Cap.Hash(key, t.Seed)).Cur
		if n == nil {
			return nil, false
		}
		return n.Payload, true
	}
	return nil, false
}

// Add inserts a node for key.
func (h *Handle) Add(tid int, key uint64, payload interface{}) error {
	guard := h.domain.Enter(tid)
	defer guard.Exit()

	if h.negCache != nil {
		k := negKey(key)
		h.negCache.Del(k[:])
	}

restart:
	cur := h.master.Load()
	succ := cur.Successor()

	if succ == nil {
		b := cur.BucketIndex(key)
		switch cur.Variant {
		case httable.VariantLFDCSS:
			n := htlist.NewNode(key, payload)
			switch cur.LF[b].InsertDCSS(n, h.dcss, tid, cur.SuccessorAddr()) {
			case dcss.Success:
				return nil
			case dcss.FailedAddr2:
				return ErrExist
			case dcss.FailedAddr1:
				goto restart // migration started underneath us; reroute to successor
			}
			return nil
		case httable.VariantWF:
			if !cur.WF[b].Insert(htlist.NewNode(key, payload)) {
				return ErrExist
			}
			return nil
		case httable.VariantRHT:
			if _, ok := cur.RHT[b].Insert(key, payload); !ok {
				return ErrExist
			}
			return nil
		case httable.VariantSplit:
			n := htlist.NewNode(key, payload)
			if !cur.Split.Insert(cur.SplitDummies, b, n, cur.Cap.Hash(key, cur.Seed)) {
				return ErrExist
			}
			return nil
		}
		return nil
	}

	// A migration is in flight: enforce uniqueness against both tables
	// and the hazard registry before inserting into the successor
	// (the in-flight second branch: first do Lookup to enforce
	// uniqueness against in-flight nodes).
	if !rhtDrained(cur, key) {
		if _, ok := h.findIn(cur, key); ok {
			return ErrExist
		}
	}
	if reg := h.coord.ActiveRegistry(); reg != nil && reg.Lookup(key) != nil {
		return ErrExist
	}

	b := succ.BucketIndex(key)
	switch succ.Variant {
	case httable.VariantLFDCSS:
		if !succ.LF[b].Insert(htlist.NewNode(key, payload)) {
			return ErrExist
		}
	case httable.VariantWF:
		if !succ.WF[b].Insert(htlist.NewNode(key, payload)) {
			return ErrExist
		}
	case httable.VariantRHT:
		if _, ok := succ.RHT[b].Insert(key, payload); !ok {
			return ErrExist
		}
	case httable.VariantSplit:
		n := htlist.NewNode(key, payload)
		if !succ.Split.Insert(succ.SplitDummies, b, n, succ.Cap.Hash(key, succ.Seed)) {
			return ErrExist
		}
	}
	return nil
}

// Del deletes the node for key, adapted to take the key
// directly rather than a variant-specific node pointer (the four engines
// disagree on node representation; routing by key keeps this facade
// uniform across all of them).
func (h *Handle) Del(tid int, key uint64) error {
	guard := h.domain.Enter(tid)
	defer guard.Exit()

	if h.negCache != nil {
		k := negKey(key)
		h.negCache.Del(k[:])
	}

	cur := h.master.Load()
	succ := cur.Successor()

	if succ == nil || !rhtDrained(cur, key) {
		if h.deleteIn(cur, key) {
			return nil
		}
	}

	if succ == nil {
		return ErrNotFound
	}

	if reg := h.coord.ActiveRegistry(); reg != nil {
		for i := range reg.Slots {
			n := reg.Slots[i].Load()
			if n != nil && n.Key == key && htlist.TryMarkLogicallyRemoved(n) {
				return nil
			}
		}
	}

	if h.deleteIn(succ, key) {
		return nil
	}
	return ErrNotFound
}

func (h *Handle) deleteIn(t *httable.Table, key uint64) bool {
	b := t.BucketIndex(key)
	switch t.Variant {
	case httable.VariantLFDCSS:
		return t.LF[b].Delete(key)
	case httable.VariantWF:
		return t.WF[b].Delete(key)
	case httable.VariantRHT:
		n, wrongBucket := t.RHT[b].Find(key)
		if wrongBucket || n == nil {
			return false
		}
		return t.RHT[b].Delete(n)
	case httable.VariantSplit:
		return t.Split.Delete(t.SplitDummies, b, key, t.Cap.Hash(key, t.Seed))
	}
	return false
}

// Rebuild is `rebuild(handle, nbuckets, [cmp, hash, getkey]) → 0 | BUSY |
// NOMEM`.
func (h *Handle) Rebuild(req migrate.Request) error {
	return h.coord.Rebuild(h.master, req)
}

// Current exposes the live table instance, chiefly for tests and the
// resize policy's load-signal sampling.
func (h *Handle) Current() *httable.Table { return h.master.Load() }
