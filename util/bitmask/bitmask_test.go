// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package bitmask

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestAllocLowestFirst(t *testing.T) {
	c := qt.New(t)
	b := New(128)
	for want := 1; want <= 128; want++ {
		got, err := b.Alloc()
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.Equals, want)
	}
	_, err := b.Alloc()
	c.Assert(errors.Is(err, ErrExhausted), qt.IsTrue)
	c.Check(b.Len(), qt.Equals, 128)
	c.Check(b.Available(), qt.Equals, 0)

	c.Assert(b.Free(70), qt.IsNil)
	c.Assert(b.Free(3), qt.IsNil)
	got, err := b.Alloc()
	c.Assert(err, qt.IsNil)
	c.Check(got, qt.Equals, 3)
	got, err = b.Alloc()
	c.Assert(err, qt.IsNil)
	c.Check(got, qt.Equals, 70)
}

func TestFreeErrors(t *testing.T) {
	c := qt.New(t)
	b := New(64)
	idx, err := b.Alloc()
	c.Assert(err, qt.IsNil)
	c.Assert(b.Free(idx), qt.IsNil)

	err = b.Free(idx)
	c.Check(errors.Is(err, ErrDoubleFree), qt.IsTrue)
	c.Check(b.Len(), qt.Equals, 0)

	c.Check(errors.Is(b.Free(0), ErrOutOfRange), qt.IsTrue)
	c.Check(errors.Is(b.Free(65), ErrOutOfRange), qt.IsTrue)
	c.Check(errors.Is(b.Free(-1), ErrOutOfRange), qt.IsTrue)
	c.Check(b.IsSet(0), qt.IsFalse)
}

func TestNeedsResize(t *testing.T) {
	c := qt.New(t)
	b := New(128)
	for range 120 {
		_, err := b.Alloc()
		c.Assert(err, qt.IsNil)
	}
	_, ok := b.NeedsResize()
	c.Check(ok, qt.IsFalse)

	_, err := b.Alloc()
	c.Assert(err, qt.IsNil)
	n, ok := b.NeedsResize()
	c.Assert(ok, qt.IsTrue)
	c.Check(n, qt.Equals, 256)
	// NeedsResize must not mutate.
	c.Check(b.Capacity(), qt.Equals, 128)
	c.Check(b.Len(), qt.Equals, 121)
}

func TestGrowKeepsIndices(t *testing.T) {
	c := qt.New(t)
	b := New(128)
	var held []int
	for range 121 {
		idx, err := b.Alloc()
		c.Assert(err, qt.IsNil)
		held = append(held, idx)
	}
	// Punch a few holes so the copy has to preserve a sparse pattern.
	for _, idx := range []int{5, 64, 65, 100} {
		c.Assert(b.Free(idx), qt.IsNil)
	}

	st, err := NewStorage(256)
	c.Assert(err, qt.IsNil)
	c.Assert(b.CopyTo(st), qt.IsNil)
	old, err := b.SwapIn(st)
	c.Assert(err, qt.IsNil)
	c.Check(old.Capacity(), qt.Equals, 128)
	c.Check(b.Capacity(), qt.Equals, 256)
	c.Check(b.Len(), qt.Equals, 117)

	for _, idx := range held {
		want := idx != 5 && idx != 64 && idx != 65 && idx != 100
		c.Check(b.IsSet(idx), qt.Equals, want, qt.Commentf("index %d", idx))
	}

	// Holes are reused first, lowest first, then fresh indices.
	var got []int
	for range 6 {
		idx, err := b.Alloc()
		c.Assert(err, qt.IsNil)
		got = append(got, idx)
	}
	c.Check(got, qt.DeepEquals, []int{5, 64, 65, 100, 122, 123})
}

func TestCopyToTooSmall(t *testing.T) {
	c := qt.New(t)
	b := New(256)
	st, err := NewStorage(128)
	c.Assert(err, qt.IsNil)
	c.Check(errors.Is(b.CopyTo(st), ErrTooSmall), qt.IsTrue)
	_, err = b.SwapIn(st)
	c.Check(errors.Is(err, ErrTooSmall), qt.IsTrue)
	c.Check(b.Capacity(), qt.Equals, 256)
}

func TestResizeCopyAllocFailure(t *testing.T) {
	c := qt.New(t)
	b := New(128)
	idx, err := b.Alloc()
	c.Assert(err, qt.IsNil)

	allocHook = func(int) bool { return false }
	defer func() { allocHook = nil }()

	_, err = b.ResizeCopy(256)
	c.Check(errors.Is(err, ErrNoMemory), qt.IsTrue)
	c.Check(b.Capacity(), qt.Equals, 128)
	c.Check(b.IsSet(idx), qt.IsTrue)

	allocHook = nil
	st, err := b.ResizeCopy(256)
	c.Assert(err, qt.IsNil)
	c.Check(st.Capacity(), qt.Equals, 256)
}

func TestMaxCapacity(t *testing.T) {
	c := qt.New(t)
	_, err := NewStorage(MaxCapacity + 1)
	c.Check(errors.Is(err, ErrNoMemory), qt.IsTrue)
	c.Check(func() { New(0) }, qt.PanicMatches, `bitmask: cannot allocate storage.*`)
}
