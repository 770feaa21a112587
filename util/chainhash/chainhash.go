// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package chainhash implements a growable chained hash table whose chains
// are threaded through an index-stable slot arena rather than through the
// stored values.
//
// The table stores comparable values (typically pointers). Insert and
// Remove work on value identity (==); FindEquivalent uses a caller-supplied
// equality function on values that hash alike, which is what makes the
// table usable as an interning index.
//
// A Table is not safe for concurrent mutation. Readers (FindEquivalent,
// ForEach, Len) may run concurrently with each other under a read lock held
// by the caller. Growing is split so that allocation (NewStorage) can happen
// outside the caller's lock and only the re-threading (Resize) inside it.
package chainhash

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrNoMemory is returned by NewStorage when a bucket array of the
	// requested size cannot be provided.
	ErrNoMemory = errors.New("chainhash: cannot allocate storage")
	// ErrStale is returned by Resize when the storage is not larger than
	// the live bucket array, for instance because another caller grew the
	// table first.
	ErrStale = errors.New("chainhash: storage not larger than live table")
)

// MaxBuckets is the largest bucket count a Table supports. It keeps slot
// references within int32.
const MaxBuckets = 1 << 24

// ref is a 1-based reference to a slot; 0 terminates a chain.
type ref int32

type slot[T comparable] struct {
	val  T
	hash uint32
	next ref // next slot in the bucket chain, or in the free list
}

// Storage is a bucket array, plus room for the slot arena, prepared for a
// later Resize.
type Storage[T comparable] struct {
	buckets []ref
	slots   []slot[T]
}

// Buckets returns the number of buckets in s.
func (s *Storage[T]) Buckets() int { return len(s.buckets) }

// Table is a chained hash table of T.
//
// The zero value is not usable; use New.
type Table[T comparable] struct {
	hash        func(T) uint32
	equal       func(a, b T) bool
	maxAvgChain int

	buckets []ref // len is a power of two
	slots   []slot[T]
	free    ref // head of the free slot list
	count   int
}

// allocHook, if non-nil, is consulted by NewStorage before allocating.
// If it returns false, NewStorage fails with ErrNoMemory.
var allocHook func(buckets int) bool

// New returns a table with at least nbuckets buckets (rounded up to a power
// of two). The table wants to grow once it holds more than maxAvgChain
// values per bucket on average.
//
// hash must be a pure function of the content compared by equal.
func New[T comparable](nbuckets, maxAvgChain int, hash func(T) uint32, equal func(a, b T) bool) *Table[T] {
	if nbuckets < 1 || nbuckets > MaxBuckets {
		panic(fmt.Sprintf("chainhash: invalid bucket count %d", nbuckets))
	}
	if maxAvgChain < 1 {
		panic(fmt.Sprintf("chainhash: invalid chain length %d", maxAvgChain))
	}
	n := roundPow2(nbuckets)
	return &Table[T]{
		hash:        hash,
		equal:       equal,
		maxAvgChain: maxAvgChain,
		buckets:     make([]ref, n),
		slots:       make([]slot[T], 0, arenaSize(n, maxAvgChain)),
	}
}

// arenaSize is the slot arena capacity for n buckets: one more value than
// the table holds before NeedsResize asks to grow it.
func arenaSize(n, maxAvgChain int) int { return n*maxAvgChain + 1 }

func roundPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Len returns the number of values in t.
func (t *Table[T]) Len() int { return t.count }

// Buckets returns the size of t's bucket array.
func (t *Table[T]) Buckets() int { return len(t.buckets) }

func (t *Table[T]) bucket(h uint32) int { return int(h) & (len(t.buckets) - 1) }

// Insert adds v at the head of its bucket chain.
//
// Insert does not check for an existing equal or identical value. The slot
// arena holds one value past the NeedsResize threshold, so Insert does not
// allocate while the owner keeps growing t when asked. If a grow failed and
// the arena is full, Insert appends to it, allocating under whatever lock
// the caller holds.
func (t *Table[T]) Insert(v T) {
	h := t.hash(v)
	r := t.takeSlot()
	b := t.bucket(h)
	t.slots[r-1] = slot[T]{val: v, hash: h, next: t.buckets[b]}
	t.buckets[b] = r
	t.count++
}

func (t *Table[T]) takeSlot() ref {
	if r := t.free; r != 0 {
		t.free = t.slots[r-1].next
		return r
	}
	t.slots = append(t.slots, slot[T]{})
	return ref(len(t.slots))
}

// Remove removes v, compared by identity, from t and reports whether it
// was present.
func (t *Table[T]) Remove(v T) (removed T, ok bool) {
	b := t.bucket(t.hash(v))
	prev := &t.buckets[b]
	for r := *prev; r != 0; r = *prev {
		s := &t.slots[r-1]
		if s.val == v {
			*prev = s.next
			removed = s.val
			*s = slot[T]{next: t.free}
			t.free = r
			t.count--
			return removed, true
		}
		prev = &s.next
	}
	return removed, false
}

// Contains reports whether v, compared by identity, is in t.
func (t *Table[T]) Contains(v T) bool {
	for r := t.buckets[t.bucket(t.hash(v))]; r != 0; r = t.slots[r-1].next {
		if t.slots[r-1].val == v {
			return true
		}
	}
	return false
}

// FindEquivalent returns the first value in t whose content equals tmpl's,
// according to the table's equality function.
func (t *Table[T]) FindEquivalent(tmpl T) (found T, ok bool) {
	h := t.hash(tmpl)
	for r := t.buckets[t.bucket(h)]; r != 0; {
		s := &t.slots[r-1]
		if s.hash == h && t.equal(s.val, tmpl) {
			return s.val, true
		}
		r = s.next
	}
	return found, false
}

// Lookup returns the first value in t with hash h for which match reports
// true. It lets callers search by a key that is not itself a T.
func (t *Table[T]) Lookup(h uint32, match func(T) bool) (found T, ok bool) {
	for r := t.buckets[t.bucket(h)]; r != 0; {
		s := &t.slots[r-1]
		if s.hash == h && match(s.val) {
			return s.val, true
		}
		r = s.next
	}
	return found, false
}

// ForEach calls fn for every value in t, stopping early if fn returns
// false. fn must not mutate t.
func (t *Table[T]) ForEach(fn func(T) bool) {
	for _, head := range t.buckets {
		for r := head; r != 0; r = t.slots[r-1].next {
			if !fn(t.slots[r-1].val) {
				return
			}
		}
	}
}

// NeedsResize reports whether t's average chain length exceeds its limit,
// and if so the bucket count t should grow to. t never shrinks.
func (t *Table[T]) NeedsResize() (newBuckets int, ok bool) {
	n := len(t.buckets)
	if n >= MaxBuckets || t.count <= n*t.maxAvgChain {
		return 0, false
	}
	return n * 2, true
}

// NewStorage allocates a zero-filled bucket array of nbuckets (rounded up
// to a power of two) and room for the slot arena to go with it. It does
// not touch t and may be called without holding t's lock.
func (t *Table[T]) NewStorage(nbuckets int) (*Storage[T], error) {
	if nbuckets < 1 || nbuckets > MaxBuckets {
		return nil, fmt.Errorf("%w: %d buckets", ErrNoMemory, nbuckets)
	}
	n := roundPow2(nbuckets)
	if allocHook != nil && !allocHook(n) {
		return nil, fmt.Errorf("%w: %d buckets", ErrNoMemory, n)
	}
	return &Storage[T]{
		buckets: make([]ref, n),
		slots:   make([]slot[T], 0, arenaSize(n, t.maxAvgChain)),
	}, nil
}

// Resize re-threads every value of t into st and makes st t's live
// storage. Values keep their slot positions; only chain links change.
//
// It returns the previous storage, or ErrStale if st is not larger than
// the live bucket array, in which case t is unchanged.
func (t *Table[T]) Resize(st *Storage[T]) (old *Storage[T], err error) {
	if len(st.buckets) <= len(t.buckets) {
		return nil, fmt.Errorf("%w: %d <= %d", ErrStale, len(st.buckets), len(t.buckets))
	}
	// Free slots keep their free-list links; live slots get new chain
	// links below.
	slots := append(st.slots[:0], t.slots...)
	mask := len(st.buckets) - 1
	for _, head := range t.buckets {
		for r := head; r != 0; r = t.slots[r-1].next {
			b := int(t.slots[r-1].hash) & mask
			slots[r-1].next = st.buckets[b]
			st.buckets[b] = r
		}
	}
	old = &Storage[T]{buckets: t.buckets, slots: t.slots}
	t.buckets, t.slots = st.buckets, slots
	st.slots = slots
	return old, nil
}

// Grow is NewStorage followed by Resize, for callers that hold t's lock
// across both.
func (t *Table[T]) Grow(nbuckets int) error {
	st, err := t.NewStorage(nbuckets)
	if err != nil {
		return err
	}
	_, err = t.Resize(st)
	return err
}
