// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var sink []byte

func TestMinAllocsPerRun(t *testing.T) {
	if err := MinAllocsPerRun(t, 0, func() {}); err != nil {
		t.Errorf("empty func: %v", err)
	}
	if err := MinAllocsPerRun(t, 0, func() { sink = make([]byte, 1<<10) }); err == nil {
		t.Error("allocating func passed a zero-alloc check")
	}
}

func TestLogRecorder(t *testing.T) {
	r := NewLogRecorder(t)
	r.Logf("index %d", 1)
	r.Logf("index %d", 2)
	if diff := cmp.Diff([]string{"index 1", "index 2"}, r.Lines()); diff != "" {
		t.Errorf("Lines mismatch (-want +got):\n%s", diff)
	}
}
