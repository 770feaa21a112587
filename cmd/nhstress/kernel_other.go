// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package main

import (
	"errors"

	"fibkit.io/net/nexthop"
)

func listKernelRoutes(nexthop.Family) ([]kernelRoute, error) {
	return nil, errors.New("reading kernel routes is only supported on Linux")
}
