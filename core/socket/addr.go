//go:build linux

package socket

import (
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// AddrPortFromSockaddr converts an IPv4 or IPv6 socket address.
func AddrPortFromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := netip.AddrFrom4(addr.Addr)
		return netip.AddrPortFrom(ip, uint16(addr.Port)), nil
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(addr.Addr)
		if addr.ZoneId != 0 {
			ip = ip.WithZone(zoneName(addr.ZoneId))
		}
		return netip.AddrPortFrom(ip, uint16(addr.Port)), nil
	default:
		return netip.AddrPort{}, unix.EAFNOSUPPORT
	}
}

// SockaddrFromAddrPort builds the socket address for ap in its own family.
func SockaddrFromAddrPort(ap netip.AddrPort) unix.Sockaddr {
	ip := ap.Addr()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ip.As4()}
	}
	return &unix.SockaddrInet6{
		Port:   int(ap.Port()),
		Addr:   ip.As16(),
		ZoneId: zoneIndex(ip.Zone()),
	}
}

// Family returns AF_INET or AF_INET6 for ap.
func Family(ap netip.AddrPort) int {
	if ap.Addr().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func zoneName(index uint32) string {
	if ifi, err := net.InterfaceByIndex(int(index)); err == nil {
		return ifi.Name
	}
	return strconv.FormatUint(uint64(index), 10)
}

func zoneIndex(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	n, err := strconv.ParseUint(zone, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
