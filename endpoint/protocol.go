//go:build linux

package endpoint

import (
	"fmt"
	"strings"

	"github.com/touka-aoi/iris/core/socket"
	"golang.org/x/sys/unix"
)

const (
	// UDPPacketSize is the largest datagram Send emits; bigger payloads are split.
	UDPPacketSize = 1400
	// EpollQueueLen is the size hint passed to epoll_create.
	EpollQueueLen = 1000
	// MaxEpollEventsPerRun bounds the events drained by one wait.
	MaxEpollEventsPerRun = 1000
	// EpollRunTimeout makes the readiness wait block until an event arrives.
	EpollRunTimeout = -1
	// DefaultReceiveTimeout makes a UDP Receive poll without blocking.
	DefaultReceiveTimeout = 0
	// Unused is returned by Client.Socket when no socket is open.
	Unused = socket.Unused
)

// Protocol selects the transport of an endpoint.
type Protocol int

const (
	TCP Protocol = iota
	UDP
)

var protocolName = map[Protocol]string{
	TCP: "tcp",
	UDP: "udp",
}

func (p Protocol) String() string {
	if name, ok := protocolName[p]; ok {
		return name
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

func (p Protocol) sockType() int {
	if p == UDP {
		return unix.SOCK_DGRAM
	}
	return unix.SOCK_STREAM
}

func (p Protocol) ipProto() int {
	if p == UDP {
		return unix.IPPROTO_UDP
	}
	return unix.IPPROTO_TCP
}

// ParseProtocol accepts "tcp" or "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	}
	return 0, fmt.Errorf("%w: unknown protocol %q", ErrInvalidArgument, s)
}

// Role tells which side of a connection an endpoint plays.
type Role int

const (
	RoleUnused Role = iota
	RoleClient
	RoleServer
)

var roleName = map[Role]string{
	RoleUnused: "unused",
	RoleClient: "client",
	RoleServer: "server",
}

func (r Role) String() string {
	return roleName[r]
}
