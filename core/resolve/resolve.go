//go:build linux

package resolve

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/netip"
	"slices"

	"github.com/touka-aoi/iris/core/socket"
	"golang.org/x/sys/unix"
)

var ErrNoCandidates = errors.New("no address candidates")

// Candidate is one concrete address a socket can be created for.
type Candidate struct {
	Family   int
	SockType int
	Protocol int
	Addr     unix.Sockaddr
	AddrPort netip.AddrPort
}

func (c Candidate) String() string {
	return c.AddrPort.String()
}

// Candidates is an ordered sequence of address candidates with a single owner.
type Candidates struct {
	list []Candidate
}

func (c *Candidates) Len() int {
	if c == nil {
		return 0
	}
	return len(c.list)
}

func (c *Candidates) At(i int) Candidate {
	return c.list[i]
}

// First returns the candidate currently in use.
func (c *Candidates) First() (Candidate, bool) {
	if c.Len() == 0 {
		return Candidate{}, false
	}
	return c.list[0], true
}

func (c *Candidates) All() iter.Seq2[int, Candidate] {
	return func(yield func(int, Candidate) bool) {
		if c == nil {
			return
		}
		for i, cand := range c.list {
			if !yield(i, cand) {
				return
			}
		}
	}
}

// Delete removes the candidate at index i. Out of range indexes are ignored.
func (c *Candidates) Delete(i int) {
	if c == nil || i < 0 || i >= len(c.list) {
		return
	}
	c.list = slices.Delete(c.list, i, i+1)
}

// Release drops every candidate.
func (c *Candidates) Release() {
	if c == nil {
		return
	}
	clear(c.list)
	c.list = nil
}

// FromSockaddr builds a one element sequence from a captured peer address.
func FromSockaddr(sa unix.Sockaddr, sockType, proto int) (*Candidates, error) {
	ap, err := socket.AddrPortFromSockaddr(sa)
	if err != nil {
		return nil, err
	}
	return &Candidates{list: []Candidate{{
		Family:   socket.Family(ap),
		SockType: sockType,
		Protocol: proto,
		Addr:     sa,
		AddrPort: ap,
	}}}, nil
}

// Lookup is the name resolution backend. It mirrors net.Resolver.LookupNetIP.
type Lookup func(ctx context.Context, network, host string) ([]netip.Addr, error)

// Resolver turns a host and a service into address candidates.
type Resolver struct {
	LookupNetIP Lookup
	LookupPort  func(ctx context.Context, network, service string) (int, error)
	// HasIPv6 reports whether IPv6 wildcard candidates should be offered.
	HasIPv6 func() bool
}

// Default resolves through the system resolver.
var Default = &Resolver{
	LookupNetIP: net.DefaultResolver.LookupNetIP,
	LookupPort:  net.DefaultResolver.LookupPort,
	HasIPv6:     hasIPv6,
}

// Resolve is Default.Resolve.
func Resolve(ctx context.Context, host, service string, sockType int, passive bool) (*Candidates, error) {
	return Default.Resolve(ctx, host, service, sockType, passive)
}

// Resolve returns the candidates for host and service. sockType selects
// SOCK_STREAM or SOCK_DGRAM. With passive set and an empty host the result
// holds the IPv4 and IPv6 wildcard addresses, for binding.
func (r *Resolver) Resolve(ctx context.Context, host, service string, sockType int, passive bool) (*Candidates, error) {
	network := "tcp"
	proto := unix.IPPROTO_TCP
	if sockType == unix.SOCK_DGRAM {
		network = "udp"
		proto = unix.IPPROTO_UDP
	}

	port, err := r.LookupPort(ctx, network, service)
	if err != nil {
		return nil, fmt.Errorf("lookup port %q: %w", service, err)
	}

	addrs, err := r.hostAddrs(ctx, host, passive)
	if err != nil {
		return nil, err
	}

	c := &Candidates{list: make([]Candidate, 0, len(addrs))}
	for _, ip := range addrs {
		ap := netip.AddrPortFrom(ip, uint16(port))
		c.list = append(c.list, Candidate{
			Family:   socket.Family(ap),
			SockType: sockType,
			Protocol: proto,
			Addr:     socket.SockaddrFromAddrPort(ap),
			AddrPort: ap,
		})
	}
	if len(c.list) == 0 {
		return nil, ErrNoCandidates
	}
	return c, nil
}

func (r *Resolver) hostAddrs(ctx context.Context, host string, passive bool) ([]netip.Addr, error) {
	if host == "" {
		if !passive {
			return []netip.Addr{netip.IPv6Loopback(), netip.AddrFrom4([4]byte{127, 0, 0, 1})}, nil
		}
		addrs := []netip.Addr{netip.IPv4Unspecified()}
		if r.HasIPv6 == nil || r.HasIPv6() {
			addrs = append(addrs, netip.IPv6Unspecified())
		}
		return addrs, nil
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}

	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("lookup host %q: %w", host, err)
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, ip := range addrs {
		// IPv4-mapped results bind and connect as plain IPv4
		out = append(out, ip.Unmap())
	}
	return slices.Compact(out), nil
}

func hasIPv6() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		if ip := prefix.Addr(); ip.Is6() && !ip.Is4In6() {
			return true
		}
	}
	return false
}
