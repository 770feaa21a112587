// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package syncs contains additional sync types: a lock alias that grows
// assertions in debug builds, and Epoch, a grace-period domain for
// reclaiming structures that lock-free readers may still be walking.
package syncs
