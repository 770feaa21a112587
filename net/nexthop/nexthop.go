// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package nexthop

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"fibkit.io/types/logger"
	"github.com/cespare/xxhash/v2"
)

// Family is the address family of the routes that use a nexthop.
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "inet"
	case FamilyIPv6:
		return "inet6"
	case FamilyUnspec:
		return "unspec"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Kind is how a nexthop forwards packets.
type Kind uint8

const (
	// KindDirect sends packets out of the interface, resolving the
	// destination itself on the link.
	KindDirect Kind = iota
	// KindGateway sends packets to a gateway on the interface.
	KindGateway
	// KindBlackhole silently discards packets.
	KindBlackhole
	// KindReject discards packets and signals the sender.
	KindReject

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGateway:
		return "gateway"
	case KindBlackhole:
		return "blackhole"
	case KindReject:
		return "reject"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Flags are administrative nexthop flags that affect forwarding.
type Flags uint16

const (
	FlagHost      Flags = 1 << iota // nexthop of a host route
	FlagDefault                     // nexthop of a default route
	FlagBroadcast                   // destination is a broadcast address
	FlagRedirect                    // created by an ICMP redirect
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagHost, "host"},
	{FlagDefault, "default"},
	{FlagBroadcast, "broadcast"},
	{FlagRedirect, "redirect"},
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var sb strings.Builder
	for _, fn := range flagNames {
		if f&fn.f == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(fn.name)
		f &^= fn.f
	}
	if f != 0 {
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		fmt.Fprintf(&sb, "%#x", uint16(f))
	}
	return sb.String()
}

// Nexthop describes how to forward packets for a class of destinations,
// independent of which prefixes use it.
//
// Two Nexthops with equal fields forward identically, and a Registry
// interns them to a single Record. Nexthop is comparable with ==.
type Nexthop struct {
	// IfIndex identifies the outgoing interface.
	IfIndex uint32
	// IfAddr is the interface address used as the source, if any.
	IfAddr netip.Addr
	// Gateway is the next router, valid only for KindGateway. Its family
	// may differ from Family (e.g. IPv4 routes via an IPv6 gateway).
	Gateway netip.Addr
	// Family is the address family of the routes using this nexthop.
	Family Family
	Kind   Kind
	Flags  Flags
	// MTU is the path MTU, or 0 to use the interface MTU.
	MTU uint32
}

// Validate reports whether nh is a nexthop a Registry can hold.
func (nh Nexthop) Validate() error {
	switch {
	case nh.Family != FamilyIPv4 && nh.Family != FamilyIPv6:
		return fmt.Errorf("%w: family %v", ErrInvalid, nh.Family)
	case nh.Kind >= numKinds:
		return fmt.Errorf("%w: %v", ErrInvalid, nh.Kind)
	case nh.Kind == KindGateway && !nh.Gateway.IsValid():
		return fmt.Errorf("%w: gateway nexthop without gateway address", ErrInvalid)
	case nh.Kind != KindGateway && nh.Gateway.IsValid():
		return fmt.Errorf("%w: %v nexthop with gateway %v", ErrInvalid, nh.Kind, nh.Gateway)
	case nh.IfIndex == 0 && (nh.Kind == KindDirect || nh.Kind == KindGateway):
		return fmt.Errorf("%w: %v nexthop without interface", ErrInvalid, nh.Kind)
	}
	return nil
}

// Equal reports whether nh and o forward identically.
func (nh Nexthop) Equal(o Nexthop) bool { return nh == o }

// Hash returns the bucket hash of nh. It mixes, in order, the interface,
// the route family, the kind and the low 32 bits of the gateway address.
// Fields not mixed in only matter to Equal.
func (nh Nexthop) Hash() uint32 {
	var buf [10]byte
	binary.LittleEndian.PutUint32(buf[0:4], nh.IfIndex)
	buf[4] = byte(nh.Family)
	buf[5] = byte(nh.Kind)
	if nh.Gateway.IsValid() {
		a := nh.Gateway.As16()
		copy(buf[6:10], a[12:16])
	}
	sum := xxhash.Sum64(buf[:])
	return uint32(sum) ^ uint32(sum>>32)
}

// Format implements fmt.Formatter.
func (nh Nexthop) Format(f fmt.State, verb rune) {
	logger.ArgWriter(func(w *bufio.Writer) {
		fmt.Fprintf(w, "{%v %v if=%d", nh.Family, nh.Kind, nh.IfIndex)
		if nh.Gateway.IsValid() {
			fmt.Fprintf(w, " gw=%v", nh.Gateway)
		}
		if nh.IfAddr.IsValid() {
			fmt.Fprintf(w, " src=%v", nh.IfAddr)
		}
		if nh.Flags != 0 {
			fmt.Fprintf(w, " flags=%v", nh.Flags)
		}
		if nh.MTU != 0 {
			fmt.Fprintf(w, " mtu=%d", nh.MTU)
		}
		w.WriteString("}")
	}).Format(f, verb)
}
