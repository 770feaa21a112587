// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nexthop

import (
	"bufio"
	"fmt"
	"sync/atomic"

	"fibkit.io/types/logger"
)

// Record is a registry-resident nexthop: immutable content plus the
// linkage the registry maintains for it.
//
// A Record is created holding one reference, owned by its creator.
type Record struct {
	nh Nexthop

	owner  atomic.Pointer[Registry] // set once, by the first successful Link
	idx    atomic.Int32             // 0 when not linked; written under Registry.mu
	refs   atomic.Int32
	linked atomic.Int32 // 1 while reachable through the registry, then 0 forever
}

// NewRecord returns an unlinked record for nh holding one reference.
func NewRecord(nh Nexthop) *Record {
	r := &Record{nh: nh}
	r.refs.Store(1)
	return r
}

// Nexthop returns the content of r.
func (r *Record) Nexthop() Nexthop { return r.nh }

// Index returns the dense index of r, or 0 if r is not linked.
func (r *Record) Index() int { return int(r.idx.Load()) }

// Refs returns the current number of references to r.
func (r *Record) Refs() int { return int(r.refs.Load()) }

// Linked reports whether r is reachable through its registry.
func (r *Record) Linked() bool { return r.linked.Load() > 0 }

// Ref adds a reference to r. The caller must already hold one; to obtain
// a first reference to a shared record, use Registry.Find.
func (r *Record) Ref() { r.refs.Add(1) }

func (r *Record) hash() uint32 { return r.nh.Hash() }

func sameNexthop(a, b *Record) bool { return a.nh == b.nh }

// tryRef adds a reference unless the count already reached zero.
func (r *Record) tryRef() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// unrefIfShared drops a reference unless it is the last one, and reports
// whether it did.
func (r *Record) unrefIfShared() bool {
	for {
		n := r.refs.Load()
		if n <= 1 {
			return false
		}
		if r.refs.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// unref drops a reference and returns the remaining count.
func (r *Record) unref() int32 { return r.refs.Add(-1) }

// markUnlinked moves r to the unlinked state and reports whether this
// call made the transition. It succeeds at most once per record.
func (r *Record) markUnlinked() bool {
	for {
		n := r.linked.Load()
		if n <= 0 {
			return false
		}
		if r.linked.CompareAndSwap(n, n-1) {
			return n == 1
		}
	}
}

// Format implements fmt.Formatter.
func (r *Record) Format(f fmt.State, verb rune) {
	logger.ArgWriter(func(w *bufio.Writer) {
		fmt.Fprintf(w, "nh#%d%v refs=%d", r.Index(), r.nh, r.Refs())
		if !r.Linked() {
			w.WriteString(" unlinked")
		}
	}).Format(f, verb)
}
