// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Command nhstress exercises a nexthop registry: it runs concurrent
// intern, lookup and release workloads against one, optionally tearing it
// down mid-run, and dumps registry contents as JSON.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"strings"

	"fibkit.io/envknob"
	"fibkit.io/net/nexthop"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	rootCmd := &ffcli.Command{
		Name:       "nhstress",
		ShortUsage: "nhstress <subcommand> [flags]",
		ShortHelp:  "Stress and inspect a nexthop registry.",
		Options:    []ff.Option{ff.WithEnvVarPrefix("NHSTRESS")},
		Subcommands: []*ffcli.Command{
			runCmd(),
			dumpCmd(),
			kernelCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := rootCmd.ParseAndRun(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// familyFlag is a flag.Value for an address family.
type familyFlag nexthop.Family

var _ flag.Value = (*familyFlag)(nil)

func (f *familyFlag) String() string { return nexthop.Family(*f).String() }

func (f *familyFlag) Set(s string) error {
	switch strings.ToLower(s) {
	case "4", "inet", "ipv4", "v4":
		*f = familyFlag(nexthop.FamilyIPv4)
	case "6", "inet6", "ipv6", "v6":
		*f = familyFlag(nexthop.FamilyIPv6)
	default:
		return fmt.Errorf("unknown address family %q", s)
	}
	return nil
}

func newRegistry(fib uint32, fam nexthop.Family, logf func(string, ...any)) (*nexthop.Registry, error) {
	envknob.LogCurrent(logf)
	return nexthop.New(nexthop.Config{
		Fib:    fib,
		Family: fam,
		Logf:   logf,
	})
}

// syntheticNexthop returns the n'th nexthop of a made-up routing table of
// family fam. Most are gateways spread over eight interfaces; every 16th
// is directly connected and every 64th a blackhole.
func syntheticNexthop(fam nexthop.Family, n int) nexthop.Nexthop {
	nh := nexthop.Nexthop{
		IfIndex: uint32(1 + n%8),
		Family:  fam,
		Kind:    nexthop.KindGateway,
	}
	switch {
	case n%64 == 63:
		return nexthop.Nexthop{Family: fam, Kind: nexthop.KindBlackhole, Flags: nexthop.FlagHost, MTU: uint32(n)}
	case n%16 == 15:
		nh.Kind = nexthop.KindDirect
		nh.MTU = uint32(1280 + n)
		return nh
	}
	if fam == nexthop.FamilyIPv6 {
		var a [16]byte
		copy(a[:], []byte{0x20, 0x01, 0x0d, 0xb8})
		a[12], a[13], a[14], a[15] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
		nh.Gateway = netip.AddrFrom16(a)
	} else {
		nh.Gateway = netip.AddrFrom4([4]byte{10, byte(n >> 16), byte(n >> 8), byte(n)})
	}
	return nh
}
