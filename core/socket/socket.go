//go:build linux

package socket

import (
	"log/slog"
	"math"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// Unused is the descriptor value of a socket that is not open.
const Unused = -999

// Socket is a raw, blocking socket descriptor.
//
// A borrowed socket is a view of a socket owned by someone else. It is open
// only while its owner is, and Close on it only drops the view.
type Socket struct {
	Fd        int
	LocalAddr netip.AddrPort
	owner     *Socket
}

// Create opens a new socket with close-on-exec set.
func Create(family, sockType, proto int) (*Socket, error) {
	// https://man7.org/linux/man-pages/man2/socket.2.html
	fd, err := unix.Socket(family, sockType|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, err
	}
	return &Socket{Fd: fd}, nil
}

// Adopt takes ownership of an already open descriptor.
func Adopt(fd int) *Socket {
	return &Socket{Fd: fd}
}

// Borrow returns a view of owner that does not own its descriptor.
func Borrow(owner *Socket) *Socket {
	for owner.owner != nil {
		owner = owner.owner
	}
	return &Socket{Fd: owner.Fd, LocalAddr: owner.LocalAddr, owner: owner}
}

func (s *Socket) Borrowed() bool {
	return s.owner != nil
}

// Open reports whether the descriptor can be used. A borrowed socket closes
// with its owner, so a reused descriptor number is never reached through it.
func (s *Socket) Open() bool {
	if s == nil || s.Fd < 0 {
		return false
	}
	return s.owner == nil || s.owner.Fd == s.Fd
}

func (s *Socket) SetReuseAddr() error {
	return unix.SetsockoptInt(s.Fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetV6Only keeps an IPv6 wildcard socket from also claiming the IPv4 port.
func (s *Socket) SetV6Only() error {
	return unix.SetsockoptInt(s.Fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
}

func (s *Socket) Bind(sa unix.Sockaddr) error {
	// https://man7.org/linux/man-pages/man2/bind.2.html
	if err := unix.Bind(s.Fd, sa); err != nil {
		return err
	}

	local, err := unix.Getsockname(s.Fd)
	if err != nil {
		return err
	}
	s.LocalAddr, err = AddrPortFromSockaddr(local)
	if err != nil {
		slog.Debug("Failed to read bound address", "fd", s.Fd, "error", err)
	}
	return nil
}

func (s *Socket) Listen(backlog int) error {
	return unix.Listen(s.Fd, backlog)
}

func (s *Socket) Connect(sa unix.Sockaddr) error {
	return unix.Connect(s.Fd, sa)
}

// Accept returns the accepted connection and the address of its peer.
func (s *Socket) Accept() (*Socket, unix.Sockaddr, error) {
	fd, sa, err := unix.Accept4(s.Fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, nil, err
	}
	return &Socket{Fd: fd}, sa, nil
}

func (s *Socket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.Fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *Socket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.Fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// SendTo sends one datagram to the given address.
func (s *Socket) SendTo(p []byte, to unix.Sockaddr) error {
	return unix.Sendto(s.Fd, p, 0, to)
}

// RecvFrom receives one datagram. With unix.MSG_PEEK the datagram stays queued.
func (s *Socket) RecvFrom(p []byte, flags int) (int, unix.Sockaddr, error) {
	n, from, err := unix.Recvfrom(s.Fd, p, flags)
	if n < 0 {
		n = 0
	}
	return n, from, err
}

// PollReadable reports whether the socket has data within timeout.
// A zero timeout checks without blocking, a negative one blocks.
func (s *Socket) PollReadable(timeout time.Duration) (bool, error) {
	ms := Milliseconds(timeout)
	fds := []unix.PollFd{{Fd: int32(s.Fd), Events: unix.POLLIN}}

	var n int
	err := IgnoringEINTR(func() error {
		var err error
		n, err = unix.Poll(fds, ms)
		return err
	})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return false, unix.EBADF
	}
	return true, nil
}

// Close closes an owned descriptor once. Later calls, and calls on borrowed
// sockets, do nothing.
func (s *Socket) Close() error {
	if !s.Open() {
		return nil
	}
	fd := s.Fd
	s.Fd = Unused
	if s.owner != nil {
		return nil
	}
	return unix.Close(fd)
}

// Milliseconds converts a timeout for poll and epoll_wait. Negative means
// block, and a positive duration below one millisecond still waits 1ms.
func Milliseconds(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// IgnoringEINTR retries fn while it fails with EINTR. poll and epoll_wait are
// never restarted by the kernel, and the Go runtime delivers its own signals.
func IgnoringEINTR(fn func() error) error {
	for {
		err := fn()
		if err != unix.EINTR {
			return err
		}
	}
}
