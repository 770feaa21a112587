// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package chainhash

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
)

type item struct {
	key  int
	name string
}

func newItemTable(nbuckets, maxAvgChain int) *Table[*item] {
	return New(nbuckets, maxAvgChain,
		func(it *item) uint32 { return uint32(it.key) },
		func(a, b *item) bool { return a.key == b.key })
}

func keys(t *Table[*item]) []int {
	var ks []int
	t.ForEach(func(it *item) bool {
		ks = append(ks, it.key)
		return true
	})
	slices.Sort(ks)
	return ks
}

func TestInsertFindRemove(t *testing.T) {
	c := qt.New(t)
	tbl := newItemTable(4, 2)
	c.Check(tbl.Buckets(), qt.Equals, 4)

	a := &item{key: 1, name: "a"}
	b := &item{key: 5, name: "b"} // same bucket as a
	tbl.Insert(a)
	tbl.Insert(b)
	c.Check(tbl.Len(), qt.Equals, 2)

	got, ok := tbl.FindEquivalent(&item{key: 1})
	c.Assert(ok, qt.IsTrue)
	c.Check(got, qt.Equals, a)

	_, ok = tbl.FindEquivalent(&item{key: 9})
	c.Check(ok, qt.IsFalse)

	// Remove is by identity: an equal but distinct value is not removed.
	_, ok = tbl.Remove(&item{key: 1})
	c.Check(ok, qt.IsFalse)
	c.Check(tbl.Len(), qt.Equals, 2)

	removed, ok := tbl.Remove(a)
	c.Assert(ok, qt.IsTrue)
	c.Check(removed, qt.Equals, a)
	c.Check(tbl.Contains(a), qt.IsFalse)
	c.Check(tbl.Contains(b), qt.IsTrue)
	_, ok = tbl.Remove(a)
	c.Check(ok, qt.IsFalse)
	c.Check(tbl.Len(), qt.Equals, 1)
}

func TestFindEquivalentNewestFirst(t *testing.T) {
	tbl := newItemTable(8, 2)
	first := &item{key: 3, name: "first"}
	tbl.Insert(first)
	second := &item{key: 3, name: "second"}
	tbl.Insert(second)
	// Insert links at the head, so the newest equal value is found first.
	got, ok := tbl.FindEquivalent(&item{key: 3})
	if !ok || got != second {
		t.Fatalf("FindEquivalent = %v, %v; want second", got, ok)
	}
	tbl.Remove(second)
	got, ok = tbl.FindEquivalent(&item{key: 3})
	if !ok || got != first {
		t.Fatalf("FindEquivalent = %v, %v; want first", got, ok)
	}
}

func TestLookup(t *testing.T) {
	c := qt.New(t)
	tbl := newItemTable(4, 2)
	a := &item{key: 2, name: "a"}
	b := &item{key: 6, name: "b"}
	tbl.Insert(a)
	tbl.Insert(b)

	got, ok := tbl.Lookup(2, func(it *item) bool { return it.name == "a" })
	c.Assert(ok, qt.IsTrue)
	c.Check(got, qt.Equals, a)

	// Same bucket, but the stored hash must match too.
	_, ok = tbl.Lookup(6, func(it *item) bool { return it.name == "a" })
	c.Check(ok, qt.IsFalse)
	got, ok = tbl.Lookup(6, func(*item) bool { return true })
	c.Assert(ok, qt.IsTrue)
	c.Check(got, qt.Equals, b)
}

func TestSlotReuse(t *testing.T) {
	c := qt.New(t)
	tbl := newItemTable(4, 2)
	items := make([]*item, 6)
	for i := range items {
		items[i] = &item{key: i}
		tbl.Insert(items[i])
	}
	arena := len(tbl.slots)
	for _, it := range items[:3] {
		_, ok := tbl.Remove(it)
		c.Assert(ok, qt.IsTrue)
	}
	for i := range 3 {
		tbl.Insert(&item{key: 100 + i})
	}
	c.Check(len(tbl.slots), qt.Equals, arena)
	c.Check(keys(tbl), qt.DeepEquals, []int{3, 4, 5, 100, 101, 102})
}

func TestNeedsResize(t *testing.T) {
	c := qt.New(t)
	tbl := newItemTable(4, 2)
	for i := range 8 {
		tbl.Insert(&item{key: i})
	}
	_, ok := tbl.NeedsResize()
	c.Check(ok, qt.IsFalse)

	tbl.Insert(&item{key: 8})
	n, ok := tbl.NeedsResize()
	c.Assert(ok, qt.IsTrue)
	c.Check(n, qt.Equals, 8)
	c.Check(tbl.Buckets(), qt.Equals, 4)
}

func TestResizePreservesContents(t *testing.T) {
	tbl := newItemTable(2, 2)
	rnd := rand.New(rand.NewSource(1))
	live := map[int]*item{}
	for i := range 500 {
		it := &item{key: rnd.Intn(1 << 20), name: "x"}
		tbl.Insert(it)
		live[i] = it
		if i%7 == 0 {
			victim := live[i/2]
			if victim != nil {
				if _, ok := tbl.Remove(victim); !ok {
					t.Fatalf("Remove(%v) = false", victim)
				}
				delete(live, i/2)
			}
		}
		if n, ok := tbl.NeedsResize(); ok {
			before := keys(tbl)
			st, err := tbl.NewStorage(n)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := tbl.Resize(st); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(before, keys(tbl)); diff != "" {
				t.Fatalf("contents changed by resize (-before +after):\n%s", diff)
			}
		}
	}
	if got, want := tbl.Len(), len(live); got != want {
		t.Errorf("Len = %d; want %d", got, want)
	}
	for _, it := range live {
		if !tbl.Contains(it) {
			t.Errorf("lost %v", it)
		}
	}
	if tbl.Buckets() < 128 {
		t.Errorf("Buckets = %d; want table to have grown", tbl.Buckets())
	}
}

func TestResizeStale(t *testing.T) {
	c := qt.New(t)
	tbl := newItemTable(8, 2)
	tbl.Insert(&item{key: 1})
	st, err := tbl.NewStorage(8)
	c.Assert(err, qt.IsNil)
	_, err = tbl.Resize(st)
	c.Check(errors.Is(err, ErrStale), qt.IsTrue)
	c.Check(tbl.Buckets(), qt.Equals, 8)

	small, err := tbl.NewStorage(16)
	c.Assert(err, qt.IsNil)
	c.Assert(tbl.Grow(32), qt.IsNil)
	_, err = tbl.Resize(small)
	c.Check(errors.Is(err, ErrStale), qt.IsTrue)
	c.Check(tbl.Buckets(), qt.Equals, 32)
	c.Check(keys(tbl), qt.DeepEquals, []int{1})
}

func TestNewStorageFailure(t *testing.T) {
	c := qt.New(t)
	tbl := newItemTable(4, 1)
	allocHook = func(int) bool { return false }
	defer func() { allocHook = nil }()
	_, err := tbl.NewStorage(8)
	c.Check(errors.Is(err, ErrNoMemory), qt.IsTrue)
	c.Check(tbl.Grow(8), qt.ErrorIs, ErrNoMemory)
	c.Check(tbl.Buckets(), qt.Equals, 4)
}

func TestInsertPastArenaAfterFailedGrow(t *testing.T) {
	c := qt.New(t)
	tbl := newItemTable(1, 1)
	allocHook = func(int) bool { return false }
	defer func() { allocHook = nil }()

	var want []int
	for i := range 10 {
		tbl.Insert(&item{key: i})
		want = append(want, i)
		if _, ok := tbl.NeedsResize(); ok {
			c.Assert(tbl.Grow(2*tbl.Buckets()), qt.ErrorIs, ErrNoMemory)
		}
	}
	c.Check(tbl.Buckets(), qt.Equals, 1)
	c.Check(tbl.Len(), qt.Equals, 10)
	c.Check(keys(tbl), qt.DeepEquals, want)

	allocHook = nil
	c.Assert(tbl.Grow(16), qt.IsNil)
	c.Check(keys(tbl), qt.DeepEquals, want)
	for i := range 10 {
		_, ok := tbl.FindEquivalent(&item{key: i})
		c.Check(ok, qt.IsTrue, qt.Commentf("key %d", i))
	}
}

func TestInsertDoesNotAllocateBelowThreshold(t *testing.T) {
	tbl := newItemTable(16, 2)
	items := make([]*item, 32)
	for i := range items {
		items[i] = &item{key: i}
	}
	allocs := testing.AllocsPerRun(100, func() {
		for _, it := range items {
			tbl.Insert(it)
		}
		for _, it := range items {
			tbl.Remove(it)
		}
	})
	if allocs != 0 {
		t.Errorf("allocs = %v; want 0", allocs)
	}
}

func TestForEachStops(t *testing.T) {
	tbl := newItemTable(4, 4)
	for i := range 10 {
		tbl.Insert(&item{key: i})
	}
	n := 0
	tbl.ForEach(func(*item) bool {
		n++
		return n < 3
	})
	if n != 3 {
		t.Errorf("visited %d; want 3", n)
	}
}

func TestRoundPow2(t *testing.T) {
	for _, tt := range []struct{ in, want int }{
		{1, 1}, {2, 2}, {3, 4}, {16, 16}, {17, 32},
	} {
		if got := roundPow2(tt.in); got != tt.want {
			t.Errorf("roundPow2(%d) = %d; want %d", tt.in, got, tt.want)
		}
	}
}
