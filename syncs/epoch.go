// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Epoch is a grace-period domain for deferred reclamation.
//
// Readers bracket their accesses to shared structures with Enter and
// EpochGuard.Exit. Writers that unpublish a structure call Synchronize to
// wait until every reader that might still see it has left, or Call to run
// a release function once that is true without waiting themselves.
//
// Readers never block and never take a lock. A reader section must not
// call Synchronize or Barrier on the same Epoch, since that would wait for
// itself.
//
// The zero value is not safe for use; use NewEpoch.
type Epoch struct {
	phase   atomic.Uint32
	readers [2]epochSlot

	gpMu    sync.Mutex // serializes grace periods
	waiting atomic.Bool
	wake    chan struct{} // buffered; poked when a waited-on slot drains

	cbMu      sync.Mutex
	cbs       []func()
	reclaimer bool // a goroutine is draining cbs
	npending  atomic.Int64
}

type epochSlot struct {
	n atomic.Int64
	_ cpu.CacheLinePad // readers of different phases don't share a line
}

// NewEpoch returns a new, idle Epoch.
func NewEpoch() *Epoch {
	return &Epoch{wake: make(chan struct{}, 1)}
}

// EpochGuard is a reader section returned by Epoch.Enter.
type EpochGuard struct {
	e     *Epoch
	phase uint32
}

// Enter starts a reader section. The caller must call Exit on the returned
// guard exactly once.
func (e *Epoch) Enter() EpochGuard {
	p := e.phase.Load()
	e.readers[p].n.Add(1)
	return EpochGuard{e: e, phase: p}
}

// Exit ends the reader section.
func (g EpochGuard) Exit() {
	if g.e.readers[g.phase].n.Add(-1) == 0 && g.e.waiting.Load() {
		select {
		case g.e.wake <- struct{}{}:
		default:
		}
	}
}

// Synchronize waits until every reader section that was entered before
// the call has exited. Sections entered afterwards are not waited for.
//
// It returns ctx.Err() if ctx is done first.
func (e *Epoch) Synchronize(ctx context.Context) error {
	e.gpMu.Lock()
	defer e.gpMu.Unlock()

	// Flip twice so that a reader which loaded the phase just before a
	// flip, but incremented its slot just after, is still waited for.
	for range 2 {
		old := e.phase.Load()
		e.phase.Store(old ^ 1)
		if err := e.drain(ctx, &e.readers[old]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Epoch) drain(ctx context.Context, s *epochSlot) error {
	if s.n.Load() == 0 {
		return nil
	}
	e.waiting.Store(true)
	defer e.waiting.Store(false)
	for s.n.Load() != 0 {
		select {
		case <-e.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Call arranges for fn to run, on a separate goroutine, after every reader
// section entered before Call has exited. Functions passed to Call run in
// order, one at a time.
func (e *Epoch) Call(fn func()) {
	e.npending.Add(1)
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.cbs = append(e.cbs, fn)
	if !e.reclaimer {
		e.reclaimer = true
		go e.reclaim()
	}
}

// reclaim runs queued callbacks in batches, one grace period per batch,
// and exits once the queue is empty.
func (e *Epoch) reclaim() {
	for {
		e.cbMu.Lock()
		batch := e.cbs
		e.cbs = nil
		if len(batch) == 0 {
			e.reclaimer = false
			e.cbMu.Unlock()
			return
		}
		e.cbMu.Unlock()

		// Readers never block, so this always finishes.
		e.Synchronize(context.Background())
		for _, fn := range batch {
			fn()
			e.npending.Add(-1)
		}
	}
}

// Pending returns the number of functions passed to Call that have not
// finished running.
func (e *Epoch) Pending() int { return int(e.npending.Load()) }

// Barrier waits until every function passed to Call before Barrier has
// run. It returns ctx.Err() if ctx is done first.
func (e *Epoch) Barrier(ctx context.Context) error {
	done := make(chan struct{})
	e.Call(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
