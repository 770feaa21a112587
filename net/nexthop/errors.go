// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nexthop

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record is absent, already unlinked,
	// or being torn down. It is an expected outcome.
	ErrNotFound = errors.New("nexthop: not found")

	// ErrResource is returned when a nexthop cannot be installed for lack
	// of resources. Callers should treat the candidate as uninstallable.
	ErrResource = errors.New("nexthop: resource exhausted")

	// ErrNoIndex is returned by Link when no index is free and the index
	// space could not grow.
	ErrNoIndex = fmt.Errorf("%w: no free index", ErrResource)

	// ErrClosed is returned by Link on a destroyed registry.
	ErrClosed = fmt.Errorf("%w: registry destroyed", ErrResource)

	// ErrInconsistent reports a bug in the caller, such as unlinking a
	// record the registry has no entry for.
	ErrInconsistent = errors.New("nexthop: inconsistent state")

	// ErrInvalid is returned for nexthops or records a registry cannot
	// hold.
	ErrInvalid = errors.New("nexthop: invalid")
)
