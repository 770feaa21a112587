// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"net"
	"net/netip"

	"fibkit.io/net/nexthop"
	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

func listKernelRoutes(fam nexthop.Family) ([]kernelRoute, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msgs, err := conn.Route.List()
	if err != nil {
		return nil, err
	}
	af := uint8(unix.AF_INET)
	if fam == nexthop.FamilyIPv6 {
		af = unix.AF_INET6
	}
	var routes []kernelRoute
	for _, m := range msgs {
		if m.Family != af {
			continue
		}
		routes = append(routes, kernelRouteOf(fam, m))
	}
	return routes, nil
}

func kernelRouteOf(fam nexthop.Family, m rtnetlink.RouteMessage) kernelRoute {
	a := m.Attributes
	rt := kernelRoute{
		family:  fam,
		typ:     routeTypeOf(m.Type),
		table:   uint32(m.Table),
		src:     addrOf(a.Src),
		ifIndex: a.OutIface,
		gateway: addrOf(a.Gateway),
	}
	if a.Table != 0 {
		rt.table = a.Table
	}
	if dst := addrOf(a.Dst); dst.IsValid() {
		rt.dst = netip.PrefixFrom(dst, int(m.DstLength))
	} else if fam == nexthop.FamilyIPv6 {
		rt.dst = netip.PrefixFrom(netip.IPv6Unspecified(), int(m.DstLength))
	} else {
		rt.dst = netip.PrefixFrom(netip.IPv4Unspecified(), int(m.DstLength))
	}
	if a.Metrics != nil {
		rt.mtu = a.Metrics.MTU
	}
	for _, h := range a.Multipath {
		rt.hops = append(rt.hops, kernelHop{ifIndex: h.Hop.IfIndex, gateway: addrOf(h.Gateway)})
	}
	return rt
}

func routeTypeOf(t uint8) routeType {
	switch t {
	case unix.RTN_UNICAST:
		return routeUnicast
	case unix.RTN_BLACKHOLE:
		return routeBlackhole
	case unix.RTN_UNREACHABLE:
		return routeUnreachable
	case unix.RTN_PROHIBIT:
		return routeProhibit
	}
	return routeOther
}

func addrOf(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return a.Unmap()
}
