// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstest contains code to help test fibkit packages.
package tstest

import (
	"fmt"
	"sync"
	"testing"
)

// LogRecorder is a Logf sink for tests. It forwards every line to the
// test log and keeps a copy so tests can assert on diagnostics.
type LogRecorder struct {
	tb testing.TB

	mu    sync.Mutex
	lines []string
}

// NewLogRecorder returns a LogRecorder that also logs to tb.
func NewLogRecorder(tb testing.TB) *LogRecorder {
	return &LogRecorder{tb: tb}
}

// Logf records and logs a line. It has the signature of logger.Logf.
func (r *LogRecorder) Logf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	r.mu.Lock()
	r.lines = append(r.lines, s)
	r.mu.Unlock()
	r.tb.Log(s)
}

// Lines returns a copy of the recorded lines.
func (r *LogRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
