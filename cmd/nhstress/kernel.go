// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"os"

	"fibkit.io/net/nexthop"
	"github.com/peterbourgon/ff/v3/ffcli"
)

var kernelArgs struct {
	table  uint
	family familyFlag
}

func kernelCmd() *ffcli.Command {
	kernelArgs.family = familyFlag(nexthop.FamilyIPv4)
	fs := newFlagSet("kernel")
	fs.UintVar(&kernelArgs.table, "table", 254, "kernel routing table to read (254 is main)")
	fs.Var(&kernelArgs.family, "family", "address family: inet or inet6")
	return &ffcli.Command{
		Name:       "kernel",
		ShortUsage: "nhstress kernel [flags]",
		ShortHelp:  "Intern the nexthops of a kernel routing table and print them as JSON",
		FlagSet:    fs,
		Exec:       execKernel,
	}
}

func execKernel(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}
	fam := nexthop.Family(kernelArgs.family)
	routes, err := listKernelRoutes(fam)
	if err != nil {
		return fmt.Errorf("listing kernel routes: %w", err)
	}
	reg, err := newRegistry(uint32(kernelArgs.table), fam, log.Printf)
	if err != nil {
		return err
	}
	defer reg.Destroy()

	var nroutes int
	for _, rt := range routes {
		if rt.table != uint32(kernelArgs.table) {
			continue
		}
		nroutes++
		for _, nh := range nexthopsOf(rt) {
			// Each route holds a reference, as a routing table would.
			if _, err := reg.Get(nh); err != nil {
				return fmt.Errorf("route %v: %w", rt.dst, err)
			}
		}
	}
	log.Printf("%d routes in table %d share %d nexthops", nroutes, kernelArgs.table, reg.Stats().Linked)
	return writeDump(os.Stdout, reg)
}

type routeType uint8

const (
	routeUnicast routeType = iota
	routeBlackhole
	routeUnreachable
	routeProhibit
	routeOther // local, broadcast, multicast and the like
)

// kernelHop is one path of a multipath route.
type kernelHop struct {
	ifIndex uint32
	gateway netip.Addr
}

// kernelRoute is the part of a kernel route that determines its nexthops.
type kernelRoute struct {
	family  nexthop.Family
	typ     routeType
	table   uint32
	dst     netip.Prefix
	src     netip.Addr
	ifIndex uint32
	gateway netip.Addr
	mtu     uint32
	hops    []kernelHop
}

// nexthopsOf returns the nexthops rt forwards through: one per path, or
// none for routes that do not forward.
func nexthopsOf(rt kernelRoute) []nexthop.Nexthop {
	base := nexthop.Nexthop{
		IfAddr: rt.src,
		Family: rt.family,
		MTU:    rt.mtu,
	}
	switch {
	case rt.dst.Bits() == 0:
		base.Flags |= nexthop.FlagDefault
	case rt.dst.IsSingleIP():
		base.Flags |= nexthop.FlagHost
	}
	switch rt.typ {
	case routeBlackhole:
		base.Kind = nexthop.KindBlackhole
		return []nexthop.Nexthop{base}
	case routeUnreachable, routeProhibit:
		base.Kind = nexthop.KindReject
		return []nexthop.Nexthop{base}
	case routeUnicast:
	default:
		return nil
	}

	hops := rt.hops
	if len(hops) == 0 {
		hops = []kernelHop{{ifIndex: rt.ifIndex, gateway: rt.gateway}}
	}
	var nhs []nexthop.Nexthop
	for _, h := range hops {
		nh := base
		nh.IfIndex = h.ifIndex
		nh.Kind = nexthop.KindDirect
		if h.gateway.IsValid() {
			nh.Kind = nexthop.KindGateway
			nh.Gateway = h.gateway
		}
		if nh.Validate() == nil {
			nhs = append(nhs, nh)
		}
	}
	return nhs
}
