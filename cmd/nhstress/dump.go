// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"fibkit.io/net/nexthop"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/peterbourgon/ff/v3/ffcli"
)

var dumpArgs struct {
	nexthops    int
	unlinkEvery int
	fib         uint
	family      familyFlag
}

func dumpCmd() *ffcli.Command {
	dumpArgs.family = familyFlag(nexthop.FamilyIPv4)
	fs := newFlagSet("dump")
	fs.IntVar(&dumpArgs.nexthops, "nexthops", 32, "number of nexthops to intern")
	fs.IntVar(&dumpArgs.unlinkEvery, "unlink-every", 0, "if nonzero, release every n'th nexthop again before dumping")
	fs.UintVar(&dumpArgs.fib, "fib", 0, "routing table number")
	fs.Var(&dumpArgs.family, "family", "address family: inet or inet6")
	return &ffcli.Command{
		Name:       "dump",
		ShortUsage: "nhstress dump [flags]",
		ShortHelp:  "Populate a registry with synthetic nexthops and print it as JSON",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %q", args)
			}
			reg, err := newRegistry(uint32(dumpArgs.fib), nexthop.Family(dumpArgs.family), log.Printf)
			if err != nil {
				return err
			}
			defer reg.Destroy()
			if err := populate(reg, dumpArgs.nexthops, dumpArgs.unlinkEvery); err != nil {
				return err
			}
			return writeDump(os.Stdout, reg)
		},
	}
}

// populate interns n synthetic nexthops into reg, then releases every
// unlinkEvery'th of them, which unlinks it.
func populate(reg *nexthop.Registry, n, unlinkEvery int) error {
	recs := make([]*nexthop.Record, 0, n)
	for i := range n {
		rec, err := reg.Get(syntheticNexthop(reg.Family(), i))
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	if unlinkEvery <= 0 {
		return nil
	}
	for i := unlinkEvery - 1; i < len(recs); i += unlinkEvery {
		if err := reg.Release(recs[i]); err != nil {
			return err
		}
	}
	return nil
}

type dump struct {
	Fib     uint32          `json:"fib"`
	Family  nexthop.Family  `json:"family"`
	Stats   nexthop.Stats   `json:"stats"`
	Entries []nexthop.Entry `json:"entries"`
}

func writeDump(w io.Writer, reg *nexthop.Registry) error {
	d := dump{
		Fib:     reg.Fib(),
		Family:  reg.Family(),
		Stats:   reg.Stats(),
		Entries: reg.Snapshot(),
	}
	if err := jsonv2.MarshalWrite(w, d, jsontext.WithIndent("\t")); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
