package gvlink

import (
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// NICID is the NIC ID used by NewStack.
const NICID tcpip.NICID = 1

// NewStack creates a single-NIC gVisor stack with ARP, IPv4, IPv6, ICMP,
// TCP and UDP over ep, assigns addrs and installs default routes.
func NewStack(ep stack.LinkEndpoint, addrs ...netip.Prefix) (*stack.Stack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			arp.NewProtocol,
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
			icmp.NewProtocol6,
		},
	})
	if err := s.CreateNIC(NICID, ep); err != nil {
		s.Destroy()
		return nil, errors.New(err.String())
	}
	for _, p := range addrs {
		pa := tcpip.ProtocolAddress{
			Protocol: ProtocolNumber(p.Addr()),
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   tcpip.AddrFromSlice(p.Addr().AsSlice()),
				PrefixLen: p.Bits(),
			},
		}
		if err := s.AddProtocolAddress(NICID, pa, stack.AddressProperties{}); err != nil {
			s.Destroy()
			return nil, errors.New(err.String())
		}
	}
	s.AddRoute(tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: NICID})
	s.AddRoute(tcpip.Route{Destination: header.IPv6EmptySubnet, NIC: NICID})
	return s, nil
}

// FullAddress converts ap into a gVisor address bound to NICID.
func FullAddress(ap netip.AddrPort) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  NICID,
		Addr: tcpip.AddrFromSlice(ap.Addr().AsSlice()),
		Port: ap.Port(),
	}
}

// ProtocolNumber returns the network protocol of addr.
func ProtocolNumber(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}
