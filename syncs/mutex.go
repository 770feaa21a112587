// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !fibkit_mutex_debug

package syncs

import "sync"

// RWMutex is an alias for sync.RWMutex.
//
// It's only not a sync.RWMutex when built with the fibkit_mutex_debug build
// tag.
type RWMutex = sync.RWMutex

// AssertWLocked is a no-op unless built with the fibkit_mutex_debug build
// tag, in which case it panics if mu is not held for writing.
func AssertWLocked(mu *RWMutex) {}
