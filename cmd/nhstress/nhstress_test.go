// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"fibkit.io/net/nexthop"
	"fibkit.io/tstest"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/google/go-cmp/cmp"
)

func TestSyntheticNexthops(t *testing.T) {
	for _, fam := range []nexthop.Family{nexthop.FamilyIPv4, nexthop.FamilyIPv6} {
		seen := map[nexthop.Nexthop]int{}
		for i := range 2000 {
			nh := syntheticNexthop(fam, i)
			if err := nh.Validate(); err != nil {
				t.Fatalf("%v #%d: %v", fam, i, err)
			}
			if j, dup := seen[nh]; dup {
				t.Fatalf("%v: #%d and #%d are both %v", fam, j, i, nh)
			}
			seen[nh] = i
		}
	}
}

func TestFamilyFlag(t *testing.T) {
	var f familyFlag
	if err := f.Set("inet6"); err != nil || nexthop.Family(f) != nexthop.FamilyIPv6 {
		t.Errorf("Set(inet6) = %v, %v", f.String(), err)
	}
	if err := f.Set("v4"); err != nil || nexthop.Family(f) != nexthop.FamilyIPv4 {
		t.Errorf("Set(v4) = %v, %v", f.String(), err)
	}
	if err := f.Set("appletalk"); err == nil {
		t.Error("Set(appletalk) succeeded")
	}
}

func TestRunWorkload(t *testing.T) {
	tstest.ResourceCheck(t)
	reg, err := nexthop.New(nexthop.Config{Family: nexthop.FamilyIPv4, InitialIndices: 8, Logf: t.Logf})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res, err := runWorkload(ctx, reg, workload{
		workers:      4,
		nexthops:     256,
		hold:         16,
		destroyAfter: 250 * time.Millisecond,
	}, t.Logf)
	if err != nil {
		t.Fatal(err)
	}
	if res.gets.Load() == 0 || res.releases.Load() == 0 {
		t.Errorf("no work done: gets=%d releases=%d", res.gets.Load(), res.releases.Load())
	}
	st := reg.Stats()
	if !st.Destroyed || st.IndexGrows == 0 {
		t.Errorf("stats = %+v", st)
	}
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestWriteDump(t *testing.T) {
	reg, err := nexthop.New(nexthop.Config{Fib: 7, Family: nexthop.FamilyIPv4})
	if err != nil {
		t.Fatal(err)
	}
	if err := populate(reg, 10, 3); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := writeDump(&buf, reg); err != nil {
		t.Fatal(err)
	}

	var got struct {
		Fib    uint32 `json:"fib"`
		Family string `json:"family"`
		Stats  struct {
			Linked int `json:"linked"`
		} `json:"stats"`
		Entries []struct {
			Index int `json:"index"`
		} `json:"entries"`
	}
	if err := jsonv2.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("%v\n%s", err, buf.Bytes())
	}
	if got.Fib != 7 || got.Family != "inet" || got.Stats.Linked != 7 {
		t.Errorf("dump header = fib %d, family %q, linked %d", got.Fib, got.Family, got.Stats.Linked)
	}
	var idxs []int
	for _, e := range got.Entries {
		idxs = append(idxs, e.Index)
	}
	if diff := cmp.Diff([]int{1, 2, 4, 5, 7, 8, 10}, idxs); diff != "" {
		t.Errorf("dumped indices (-want +got):\n%s", diff)
	}
}
