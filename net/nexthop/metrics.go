// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nexthop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store labels for resize metrics.
const (
	storeBuckets = "buckets"
	storeIndices = "indices"
)

var (
	metricResizes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fibkit_nexthop_resize_total",
		Help: "Number of nexthop registry backing stores grown, by store.",
	}, []string{"store"})

	metricResizeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fibkit_nexthop_resize_failures_total",
		Help: "Number of deferred nexthop registry grows that failed to allocate, by store.",
	}, []string{"store"})

	metricDoubleFrees = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fibkit_nexthop_double_free_total",
		Help: "Number of nexthop indices freed while already free.",
	})

	metricInconsistentUnlinks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fibkit_nexthop_inconsistent_unlink_total",
		Help: "Number of unlinks of records missing from their registry's table.",
	})

	metricLinked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fibkit_nexthop_linked",
		Help: "Number of nexthop records linked across all registries.",
	})

	metricPendingReclaims = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fibkit_nexthop_pending_reclaims",
		Help: "Number of destroyed registries waiting for a grace period before release.",
	})
)
