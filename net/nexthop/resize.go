// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nexthop

import (
	"fibkit.io/syncs"
	"fibkit.io/util/bitmask"
	"fibkit.io/util/chainhash"
)

// growPlan is what a registry's backing stores should grow to, as seen
// under the lock by the last mutation.
type growPlan struct {
	table   *chainhash.Table[*Record] // table the plan was made for
	buckets int                       // 0 if the table need not grow
	indices int                       // 0 if the index space need not grow
}

func (p growPlan) empty() bool { return p.buckets == 0 && p.indices == 0 }

// testHookAlloc, if non-nil, is called before allocating a backing store
// of the given size. A non-nil error fails the allocation.
var testHookAlloc func(store string, size int) error

// planLocked returns the stores that want to grow. r.mu must be held.
func (r *Registry) planLocked() growPlan {
	syncs.AssertWLocked(&r.mu)
	if r.closed || r.table == nil {
		return growPlan{}
	}
	p := growPlan{table: r.table}
	if n, ok := r.table.NeedsResize(); ok {
		p.buckets = n
	}
	if n, ok := r.indices.NeedsResize(); ok {
		if n = min(n, r.maxIndices); n > r.indices.Capacity() {
			p.indices = n
		}
	}
	return p
}

// indexStorage is a grown index space: the allocator bits and the
// index-to-record map, sized together.
type indexStorage struct {
	bits *bitmask.Storage
	recs []*Record
}

func newIndexStorage(n int) (*indexStorage, error) {
	if testHookAlloc != nil {
		if err := testHookAlloc(storeIndices, n); err != nil {
			return nil, err
		}
	}
	bits, err := bitmask.NewStorage(n)
	if err != nil {
		return nil, err
	}
	return &indexStorage{bits: bits, recs: make([]*Record, n+1)}, nil
}

func newBucketStorage(t *chainhash.Table[*Record], n int) (*chainhash.Storage[*Record], error) {
	if testHookAlloc != nil {
		if err := testHookAlloc(storeBuckets, n); err != nil {
			return nil, err
		}
	}
	return t.NewStorage(n)
}

// grow carries out p. New backing stores are allocated without holding
// r.mu; the lock is taken only to move contents into them and swap them
// in. A failed allocation is counted and logged, and retried by whichever
// mutation next finds the store short.
func (r *Registry) grow(p growPlan) {
	if p.empty() {
		return
	}
	var (
		bst *chainhash.Storage[*Record]
		ist *indexStorage
		err error
	)
	if p.buckets > 0 {
		if bst, err = newBucketStorage(p.table, p.buckets); err != nil {
			r.growFailed(storeBuckets, p.buckets, err)
		}
	}
	if p.indices > 0 {
		if ist, err = newIndexStorage(p.indices); err != nil {
			r.growFailed(storeIndices, p.indices, err)
		}
	}
	if bst == nil && ist == nil {
		return
	}

	var grewBuckets, grewIndices bool
	var buckets, indices int
	r.mu.Lock()
	if r.closed || r.table != p.table {
		r.mu.Unlock()
		return
	}
	if bst != nil {
		// ErrStale means a concurrent grow got there first.
		_, err := r.table.Resize(bst)
		grewBuckets = err == nil
	}
	if ist != nil && ist.bits.Capacity() > r.indices.Capacity() {
		if err := r.indices.CopyTo(ist.bits); err == nil {
			r.indices.SwapIn(ist.bits)
			copy(ist.recs, r.byIndex)
			r.byIndex = ist.recs
			grewIndices = true
		}
	}
	buckets, indices = r.table.Buckets(), r.indices.Capacity()
	r.mu.Unlock()

	if grewBuckets {
		r.bucketGrows.Add(1)
		metricResizes.WithLabelValues(storeBuckets).Inc()
	}
	if grewIndices {
		r.indexGrows.Add(1)
		metricResizes.WithLabelValues(storeIndices).Inc()
	}
	if debugNexthop() && (grewBuckets || grewIndices) {
		r.logf("grew to %d buckets, %d indices", buckets, indices)
	}
}

func (r *Registry) growFailed(store string, n int, err error) {
	r.growFailures.Add(1)
	metricResizeFailures.WithLabelValues(store).Inc()
	r.diagf("growing %s to %d: %v; will retry", store, n, err)
}
