// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package nexthop interns forwarding nexthops for a routing table.
//
// A Registry keeps one Record per distinct Nexthop, gives every linked
// record a small dense index, and lets many goroutines look records up
// while others link and unlink them. Lookups take a reference to the
// record they return; a record whose reference count has dropped to zero
// is never handed out again.
//
// Destroying a registry does not wait for readers. Its backing stores are
// released by a grace-period callback once no lookup that started before
// the destroy can still be running.
package nexthop

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"fibkit.io/envknob"
	"fibkit.io/syncs"
	"fibkit.io/types/logger"
	"fibkit.io/util/bitmask"
	"fibkit.io/util/chainhash"
)

const (
	defaultBuckets     = 16
	defaultIndices     = 128
	defaultMaxAvgChain = 2
)

var (
	debugNexthop   = envknob.RegisterBool("FIBKIT_DEBUG_NHOP")
	maxChainKnob   = envknob.RegisterInt("FIBKIT_NHOP_MAX_CHAIN")
	maxIndicesKnob = envknob.RegisterInt("FIBKIT_NHOP_MAX_INDICES")
)

// Config configures a Registry. The zero value of every field other than
// Family selects a default.
type Config struct {
	// Fib is the routing table number, used in log lines.
	Fib uint32
	// Family is the address family of the routing table. Only nexthops
	// of this family can be linked.
	Family Family

	// InitialBuckets is the initial hash bucket count. Default 16.
	InitialBuckets int
	// InitialIndices is the initial index capacity. Default 128.
	InitialIndices int
	// MaxIndices bounds index capacity growth. Default bitmask.MaxCapacity.
	MaxIndices int
	// MaxAvgChain is the average chain length above which the hash table
	// grows. Default 2.
	MaxAvgChain int

	// Logf is where the registry logs. Nil means discard.
	Logf logger.Logf
	// OnFree, if non-nil, is called with each record released by Release
	// once no Find or Lookup can still return it.
	OnFree func(*Record)
	// Epoch is the grace-period domain for deferred frees. Registries of
	// one routing stack may share one. Nil means a private Epoch.
	Epoch *syncs.Epoch
}

// Registry interns Nexthops of one routing table.
type Registry struct {
	fib        uint32
	family     Family
	logf       logger.Logf
	diagf      logger.Logf // rate limited; for caller bugs and grow failures
	onFree     func(*Record)
	maxIndices int
	epoch      *syncs.Epoch

	// dead is set by Destroy before the release is queued. Readers check
	// it inside their epoch section.
	dead     atomic.Bool
	released chan struct{}

	mu      syncs.RWMutex
	closed  bool                      // guarded by mu
	table   *chainhash.Table[*Record] // guarded by mu; nil once released
	indices *bitmask.Bitmask          // guarded by mu; nil once released
	byIndex []*Record                 // guarded by mu; len is indices.Capacity()+1

	bucketGrows  atomic.Int64
	indexGrows   atomic.Int64
	growFailures atomic.Int64
	doubleFrees  atomic.Int64
	inconsistent atomic.Int64
}

// New returns a new, empty Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Family != FamilyIPv4 && cfg.Family != FamilyIPv6 {
		return nil, fmt.Errorf("%w config: family %v", ErrInvalid, cfg.Family)
	}
	if n := maxChainKnob(); n > 0 {
		cfg.MaxAvgChain = n
	}
	if n := maxIndicesKnob(); n > 0 {
		cfg.MaxIndices = n
	}
	cfg.InitialBuckets = cmp.Or(cfg.InitialBuckets, defaultBuckets)
	cfg.InitialIndices = cmp.Or(cfg.InitialIndices, defaultIndices)
	cfg.MaxIndices = cmp.Or(cfg.MaxIndices, bitmask.MaxCapacity)
	cfg.MaxAvgChain = cmp.Or(cfg.MaxAvgChain, defaultMaxAvgChain)
	switch {
	case cfg.InitialBuckets < 0 || cfg.InitialBuckets > chainhash.MaxBuckets:
		return nil, fmt.Errorf("%w config: %d buckets", ErrInvalid, cfg.InitialBuckets)
	case cfg.MaxAvgChain < 0:
		return nil, fmt.Errorf("%w config: max chain %d", ErrInvalid, cfg.MaxAvgChain)
	case cfg.MaxIndices < 0 || cfg.MaxIndices > bitmask.MaxCapacity:
		return nil, fmt.Errorf("%w config: max indices %d", ErrInvalid, cfg.MaxIndices)
	case cfg.InitialIndices < 0 || cfg.InitialIndices > cfg.MaxIndices:
		return nil, fmt.Errorf("%w config: %d indices, max %d", ErrInvalid, cfg.InitialIndices, cfg.MaxIndices)
	}

	logf := logger.WithPrefix(logger.OrDiscard(cfg.Logf), fmt.Sprintf("nhop[fib=%d,af=%v]: ", cfg.Fib, cfg.Family))
	ep := cfg.Epoch
	if ep == nil {
		ep = syncs.NewEpoch()
	}
	return &Registry{
		fib:        cfg.Fib,
		family:     cfg.Family,
		logf:       logf,
		diagf:      logger.RateLimitedFn(logf, time.Minute, 10, 32),
		onFree:     cfg.OnFree,
		maxIndices: cfg.MaxIndices,
		epoch:      ep,
		released:   make(chan struct{}),
		table:      chainhash.New(cfg.InitialBuckets, cfg.MaxAvgChain, (*Record).hash, sameNexthop),
		indices:    bitmask.New(cfg.InitialIndices),
		byIndex:    make([]*Record, cfg.InitialIndices+1),
	}, nil
}

// Fib returns the routing table number r was created for.
func (r *Registry) Fib() uint32 { return r.fib }

// Family returns the address family of r.
func (r *Registry) Family() Family { return r.family }

func (r *Registry) checkRecord(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalid)
	}
	if err := rec.nh.Validate(); err != nil {
		return err
	}
	if rec.nh.Family != r.family {
		return fmt.Errorf("%w: %v record in %v registry", ErrInvalid, rec.nh.Family, r.family)
	}
	if rec.Refs() <= 0 {
		return fmt.Errorf("%w: link of unreferenced %v", ErrInvalid, rec)
	}
	if rec.owner.Load() != nil {
		return fmt.Errorf("%w: %v was already linked", ErrInvalid, rec)
	}
	return nil
}

// Link assigns rec an index and makes it findable. rec must be fresh
// from NewRecord: a record is linked at most once in its life.
//
// Link does not look for an equivalent record; callers that intern call
// Find first, or use Get. It fails with an error wrapping ErrResource if
// no index can be assigned, in which case rec was not linked.
func (r *Registry) Link(rec *Record) (int, error) {
	_, idx, err := r.link(rec, false)
	return idx, err
}

// link installs rec. If intern is set and an equivalent record is already
// linked, link takes a reference to that record and returns it instead.
//
// If the index space is full, link grows it and tries once more before
// giving up.
func (r *Registry) link(rec *Record, intern bool) (existing *Record, idx int, err error) {
	if err := r.checkRecord(rec); err != nil {
		return nil, 0, err
	}

	for retried := false; ; retried = true {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, 0, ErrClosed
		}
		if intern {
			old, ok := r.table.Lookup(rec.hash(), func(old *Record) bool {
				return sameNexthop(old, rec) && old.Linked() && old.tryRef()
			})
			if ok {
				r.mu.Unlock()
				return old, old.Index(), nil
			}
		}
		idx, err = r.indices.Alloc()
		if err == nil {
			break
		}
		capacity := r.indices.Capacity()
		plan := r.planLocked()
		r.mu.Unlock()
		if retried || plan.indices == 0 {
			return nil, 0, fmt.Errorf("%w (capacity %d): %w", ErrNoIndex, capacity, err)
		}
		r.grow(plan)
	}
	// r.mu is held.
	if !rec.owner.CompareAndSwap(nil, r) {
		r.indices.Free(idx)
		r.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: %v was already linked", ErrInvalid, rec)
	}
	rec.idx.Store(int32(idx))
	r.byIndex[idx] = rec
	r.table.Insert(rec)
	rec.linked.Store(1)
	plan := r.planLocked()
	r.mu.Unlock()

	metricLinked.Inc()
	if debugNexthop() {
		r.logf("link %v", rec)
	}
	r.grow(plan)
	return nil, idx, nil
}

// Unlink removes rec from r, frees its index and returns it. It returns
// ErrNotFound if rec is not linked in r, including when it was already
// unlinked or r was destroyed.
//
// Unlink does not touch rec's reference count. Holders of a reference may
// keep using rec; it is just no longer found.
func (r *Registry) Unlink(rec *Record) (*Record, error) {
	if rec == nil || rec.owner.Load() != r {
		return nil, ErrNotFound
	}
	r.mu.Lock()
	err := r.unlinkLocked(rec)
	plan := r.planLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r.grow(plan)
	return rec, nil
}

// unlinkLocked marks rec unlinked and detaches it from the table and the
// index space. rec must be owned by r and r.mu must be held, so no reader
// sees rec unlinked but still chained.
func (r *Registry) unlinkLocked(rec *Record) error {
	if !rec.markUnlinked() {
		return ErrNotFound
	}
	metricLinked.Dec()
	if r.table == nil {
		return nil
	}
	if _, ok := r.table.Remove(rec); !ok {
		r.inconsistent.Add(1)
		metricInconsistentUnlinks.Inc()
		r.diagf("unlink of %v: record has no table entry", rec)
		return fmt.Errorf("%w: %v has no table entry", ErrInconsistent, rec)
	}
	idx := rec.Index()
	if err := r.indices.Free(idx); err != nil {
		r.doubleFrees.Add(1)
		metricDoubleFrees.Inc()
		r.diagf("unlink of %v: freeing index %d: %v", rec, idx, err)
	}
	if idx < len(r.byIndex) && r.byIndex[idx] == rec {
		r.byIndex[idx] = nil
	}
	rec.idx.Store(0)
	if debugNexthop() {
		r.logf("unlink %v (was index %d)", rec, idx)
	}
	return nil
}

// Find returns the linked record equal to nh with a new reference taken
// on the caller's behalf, or ErrNotFound.
//
// Find never returns a record whose reference count has reached zero, nor
// one that was unlinked before Find looked at it. It does not allocate.
func (r *Registry) Find(nh Nexthop) (*Record, error) {
	g := r.epoch.Enter()
	defer g.Exit()
	if r.dead.Load() {
		return nil, ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.table == nil {
		return nil, ErrNotFound
	}
	// Entries that are unlinked or out of references are skipped, not
	// matched: an equal live record may sit behind them in the chain.
	rec, ok := r.table.Lookup(nh.Hash(), func(rec *Record) bool {
		return rec.nh == nh && rec.Linked() && rec.tryRef()
	})
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Lookup returns the linked record with index idx, with a new reference
// taken on the caller's behalf, or ErrNotFound.
func (r *Registry) Lookup(idx int) (*Record, error) {
	g := r.epoch.Enter()
	defer g.Exit()
	if r.dead.Load() {
		return nil, ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 1 || idx >= len(r.byIndex) {
		return nil, ErrNotFound
	}
	rec := r.byIndex[idx]
	if rec == nil || !rec.Linked() || !rec.tryRef() {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Get returns the record for nh, linking a new one if none exists. The
// caller owns one reference to the result and gives it back with Release.
//
// Concurrent Gets of equal nexthops return the same record.
func (r *Registry) Get(nh Nexthop) (*Record, error) {
	if rec, err := r.Find(nh); err == nil {
		return rec, nil
	}
	rec := NewRecord(nh)
	existing, _, err := r.link(rec, true)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return rec, nil
}

// Release drops one reference to rec. Dropping the last one unlinks rec,
// if it is still linked, and hands it to Config.OnFree after a grace
// period.
//
// The last reference is dropped under r's lock, so Find and Get never see
// a linked record with no references.
func (r *Registry) Release(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: release of nil record", ErrInvalid)
	}
	if rec.unrefIfShared() {
		return nil
	}

	var err error
	r.mu.Lock()
	n := rec.unref()
	if n == 0 && rec.owner.Load() == r {
		if err = r.unlinkLocked(rec); errors.Is(err, ErrNotFound) {
			err = nil
		}
	}
	plan := r.planLocked()
	r.mu.Unlock()

	if n < 0 {
		r.diagf("release of %v: no references left", rec)
		return fmt.Errorf("%w: release of unreferenced %v", ErrInconsistent, rec)
	}
	if err != nil {
		return err
	}
	r.grow(plan)
	if r.onFree != nil {
		r.epoch.Call(func() { r.onFree(rec) })
	}
	return nil
}

// ForEach calls fn for each linked record in r until fn returns false.
// fn runs with r read-locked and must not call methods of r that link or
// unlink.
func (r *Registry) ForEach(fn func(*Record) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.table == nil {
		return
	}
	r.table.ForEach(func(rec *Record) bool {
		if !rec.Linked() {
			return true
		}
		return fn(rec)
	})
}

// Entry is a linked (index, nexthop) pair.
type Entry struct {
	Index   int     `json:"index"`
	Nexthop Nexthop `json:"nexthop"`
}

// Snapshot returns the linked entries of r ordered by index.
func (r *Registry) Snapshot() []Entry {
	var ents []Entry
	r.ForEach(func(rec *Record) bool {
		ents = append(ents, Entry{Index: rec.Index(), Nexthop: rec.nh})
		return true
	})
	slices.SortFunc(ents, func(a, b Entry) int { return cmp.Compare(a.Index, b.Index) })
	return ents
}

// Stats is a point-in-time summary of a Registry.
type Stats struct {
	Linked        int   `json:"linked"`
	Buckets       int   `json:"buckets"`
	IndexCapacity int   `json:"indexCapacity"`
	BucketGrows   int64 `json:"bucketGrows"`
	IndexGrows    int64 `json:"indexGrows"`
	GrowFailures  int64 `json:"growFailures"`
	DoubleFrees   int64 `json:"doubleFrees"`
	Inconsistent  int64 `json:"inconsistent"`
	Destroyed     bool  `json:"destroyed"`
	Released      bool  `json:"released"`
}

// Stats returns current statistics for r.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	s := Stats{Destroyed: r.closed}
	if r.table != nil {
		s.Buckets = r.table.Buckets()
		s.IndexCapacity = r.indices.Capacity()
		if !r.closed {
			s.Linked = r.table.Len()
		}
	}
	r.mu.RUnlock()

	s.BucketGrows = r.bucketGrows.Load()
	s.IndexGrows = r.indexGrows.Load()
	s.GrowFailures = r.growFailures.Load()
	s.DoubleFrees = r.doubleFrees.Load()
	s.Inconsistent = r.inconsistent.Load()
	select {
	case <-r.released:
		s.Released = true
	default:
	}
	return s
}
