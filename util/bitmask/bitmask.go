// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package bitmask implements a growable bitmap that hands out small dense
// integer indices.
//
// Index 0 is reserved to mean "no index" and is never handed out. A Bitmask
// of capacity N hands out indices in [1, N].
//
// A Bitmask is not safe for concurrent use; callers serialize access with
// their own lock. Growing is split in two steps so that the expensive part
// can happen outside that lock: NewStorage allocates, and CopyTo plus SwapIn
// (both allocation-free) install the new storage.
package bitmask

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxCapacity is the largest capacity a Bitmask can be grown to.
const MaxCapacity = 1 << 24

var (
	// ErrExhausted is returned by Alloc when every index is in use.
	ErrExhausted = errors.New("bitmask: no free index")
	// ErrDoubleFree is returned by Free when the index was not allocated.
	ErrDoubleFree = errors.New("bitmask: index already free")
	// ErrOutOfRange is returned by Free for index 0 or an index beyond the
	// current capacity.
	ErrOutOfRange = errors.New("bitmask: index out of range")
	// ErrNoMemory is returned when backing storage of the requested size
	// cannot be provided.
	ErrNoMemory = errors.New("bitmask: cannot allocate storage")
	// ErrTooSmall is returned by CopyTo and SwapIn when the destination
	// storage cannot hold every index of the live storage.
	ErrTooSmall = errors.New("bitmask: storage smaller than live bitmap")
)

// Storage is the backing array of a Bitmask.
//
// A Storage is filled by CopyTo and installed by SwapIn; it must not be
// shared between Bitmasks.
type Storage struct {
	words    []uint64
	capacity int
}

// Capacity returns the highest index s can track.
func (s *Storage) Capacity() int { return s.capacity }

func wordsFor(capacity int) int {
	// Bit 0 is reserved, so capacity N needs N+1 bits.
	return (capacity + 64) / 64
}

// allocHook, if non-nil, is consulted by NewStorage before allocating. If
// it returns false, NewStorage fails with ErrNoMemory. Tests use it to
// simulate allocation failure.
var allocHook func(capacity int) bool

// NewStorage returns zero-filled storage for capacity indices.
func NewStorage(capacity int) (*Storage, error) {
	if capacity < 1 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d", ErrNoMemory, capacity)
	}
	if allocHook != nil && !allocHook(capacity) {
		return nil, fmt.Errorf("%w: capacity %d", ErrNoMemory, capacity)
	}
	return &Storage{
		words:    make([]uint64, wordsFor(capacity)),
		capacity: capacity,
	}, nil
}

// Bitmask is a bitmap of allocated indices.
//
// The zero value is not usable; use New.
type Bitmask struct {
	st   *Storage
	used int // allocated indices, not counting the reserved index 0
	// hint is the lowest word that may contain a clear bit.
	hint int
}

// New returns a Bitmask that can hand out indices 1 through capacity.
//
// It panics if capacity is not in [1, MaxCapacity].
func New(capacity int) *Bitmask {
	st, err := NewStorage(capacity)
	if err != nil {
		panic(err)
	}
	st.words[0] = 1 // reserve index 0
	return &Bitmask{st: st}
}

// Capacity returns the highest index b can currently hand out.
func (b *Bitmask) Capacity() int { return b.st.capacity }

// Len returns the number of allocated indices.
func (b *Bitmask) Len() int { return b.used }

// Available returns the number of indices that Alloc can still hand out
// without growing.
func (b *Bitmask) Available() int { return b.st.capacity - b.used }

// IsSet reports whether idx is currently allocated.
func (b *Bitmask) IsSet(idx int) bool {
	if idx <= 0 || idx > b.st.capacity {
		return false
	}
	return b.st.words[idx/64]&(1<<(idx%64)) != 0
}

// Alloc allocates the lowest-numbered free index.
//
// It never grows b. When no index is free it returns ErrExhausted.
func (b *Bitmask) Alloc() (int, error) {
	words := b.st.words
	for w := b.hint; w < len(words); w++ {
		if words[w] == ^uint64(0) {
			continue
		}
		idx := w*64 + bits.TrailingZeros64(^words[w])
		if idx > b.st.capacity {
			// Only the unused tail of the last word is clear.
			b.hint = w
			return 0, ErrExhausted
		}
		words[w] |= 1 << (idx % 64)
		b.used++
		b.hint = w
		return idx, nil
	}
	b.hint = len(words)
	return 0, ErrExhausted
}

// Free releases idx so that it can be handed out again.
//
// Freeing an index that is not allocated returns ErrDoubleFree and leaves
// b unchanged; it indicates a bug in the caller.
func (b *Bitmask) Free(idx int) error {
	if idx <= 0 || idx > b.st.capacity {
		return fmt.Errorf("%w: %d (capacity %d)", ErrOutOfRange, idx, b.st.capacity)
	}
	w, mask := idx/64, uint64(1)<<(idx%64)
	if b.st.words[w]&mask == 0 {
		return fmt.Errorf("%w: %d", ErrDoubleFree, idx)
	}
	b.st.words[w] &^= mask
	b.used--
	if w < b.hint {
		b.hint = w
	}
	return nil
}

// NeedsResize reports whether b is running low on free indices, and if so
// the capacity it should be grown to. It does not modify b.
//
// b wants to grow once fewer than 1/16th of its indices are free.
func (b *Bitmask) NeedsResize() (newCapacity int, ok bool) {
	c := b.st.capacity
	if c >= MaxCapacity || b.Available()*16 >= c {
		return 0, false
	}
	return min(c*2, MaxCapacity), true
}

// CopyTo sets in dst every index that is allocated in b. It never clears a
// bit in dst and does not allocate.
func (b *Bitmask) CopyTo(dst *Storage) error {
	if dst.capacity < b.st.capacity {
		return fmt.Errorf("%w: %d < %d", ErrTooSmall, dst.capacity, b.st.capacity)
	}
	for i, w := range b.st.words {
		dst.words[i] |= w
	}
	return nil
}

// SwapIn makes st the live storage of b and returns the previous storage,
// which the caller may discard.
//
// st must have been filled with CopyTo after the last mutation of b.
func (b *Bitmask) SwapIn(st *Storage) (old *Storage, err error) {
	if st.capacity < b.st.capacity {
		return nil, fmt.Errorf("%w: %d < %d", ErrTooSmall, st.capacity, b.st.capacity)
	}
	old, b.st = b.st, st
	return old, nil
}

// ResizeCopy allocates storage for newCapacity indices and copies every
// allocated index of b into it. On failure b is left untouched.
//
// It is equivalent to NewStorage followed by CopyTo, for callers that do
// not need to split allocation from copying.
func (b *Bitmask) ResizeCopy(newCapacity int) (*Storage, error) {
	st, err := NewStorage(newCapacity)
	if err != nil {
		return nil, err
	}
	if err := b.CopyTo(st); err != nil {
		return nil, err
	}
	return st, nil
}
