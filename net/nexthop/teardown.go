// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nexthop

import "context"

// Destroy tears r down. Every record still linked is marked unlinked, so
// no Find or Lookup returns it afterwards, and Link fails with ErrClosed.
//
// Destroy does not wait for concurrent readers. The hash table and index
// space are released from a grace-period callback once every Find or
// Lookup that started before Destroy has returned; Wait reports when that
// has happened. Records stay valid for holders of a reference.
//
// Destroy is idempotent.
func (r *Registry) Destroy() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.dead.Store(true)
	var n int
	r.table.ForEach(func(rec *Record) bool {
		if rec.markUnlinked() {
			n++
		}
		return true
	})
	r.mu.Unlock()

	metricLinked.Sub(float64(n))
	metricPendingReclaims.Inc()
	r.logf("destroyed with %d linked records", n)
	r.epoch.Call(r.release)
}

func (r *Registry) release() {
	r.mu.Lock()
	r.table, r.indices, r.byIndex = nil, nil, nil
	r.mu.Unlock()
	metricPendingReclaims.Dec()
	close(r.released)
}

// Wait blocks until the release scheduled by Destroy has run, or ctx is
// done.
func (r *Registry) Wait(ctx context.Context) error {
	select {
	case <-r.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
