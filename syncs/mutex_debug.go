// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build fibkit_mutex_debug

package syncs

import (
	"sync"
	"sync/atomic"
)

// RWMutex is a sync.RWMutex that remembers whether it is write-locked, so
// that AssertWLocked can check structural-lock discipline in debug builds.
type RWMutex struct {
	sync.RWMutex
	wlocked atomic.Bool
}

func (m *RWMutex) Lock() {
	m.RWMutex.Lock()
	m.wlocked.Store(true)
}

func (m *RWMutex) Unlock() {
	m.wlocked.Store(false)
	m.RWMutex.Unlock()
}

// AssertWLocked panics if mu is not held for writing.
func AssertWLocked(mu *RWMutex) {
	if !mu.wlocked.Load() {
		panic("syncs: RWMutex not write-locked")
	}
}
