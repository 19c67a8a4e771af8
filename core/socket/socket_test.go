//go:build linux

package socket

import (
	"math"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestAddrPortRoundTrip(t *testing.T) {
	testcases := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:9999"),
		netip.MustParseAddrPort("0.0.0.0:0"),
		netip.MustParseAddrPort("[::1]:8080"),
		netip.MustParseAddrPort("[2001:db8::1]:53"),
	}

	for _, ap := range testcases {
		sa := SockaddrFromAddrPort(ap)
		got, err := AddrPortFromSockaddr(sa)
		assert.NilError(t, err)
		assert.Check(t, got == ap, "round trip of %s gave %s", ap, got)
	}
}

func TestFamily(t *testing.T) {
	assert.Check(t, is.Equal(Family(netip.MustParseAddrPort("10.0.0.1:1")), unix.AF_INET))
	assert.Check(t, is.Equal(Family(netip.MustParseAddrPort("[fe80::1]:1")), unix.AF_INET6))
}

func TestAddrPortFromUnsupportedSockaddr(t *testing.T) {
	_, err := AddrPortFromSockaddr(&unix.SockaddrUnix{Name: "/tmp/x"})
	assert.Check(t, is.ErrorIs(err, unix.EAFNOSUPPORT))
}

func TestBindRecordsLocalAddr(t *testing.T) {
	s, err := Create(unix.AF_INET, unix.SOCK_DGRAM, 0)
	assert.NilError(t, err)
	defer s.Close()

	err = s.Bind(SockaddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	assert.NilError(t, err)
	assert.Check(t, s.LocalAddr.Addr() == netip.MustParseAddr("127.0.0.1"))
	assert.Check(t, s.LocalAddr.Port() != 0)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Create(unix.AF_INET, unix.SOCK_STREAM, 0)
	assert.NilError(t, err)

	assert.NilError(t, s.Close())
	assert.Check(t, !s.Open())
	assert.NilError(t, s.Close())
}

func TestBorrowedCloseKeepsDescriptor(t *testing.T) {
	owner, err := Create(unix.AF_INET, unix.SOCK_DGRAM, 0)
	assert.NilError(t, err)
	defer owner.Close()

	b := Borrow(owner)
	assert.Check(t, b.Borrowed())
	assert.Check(t, b.Open())
	assert.Check(t, is.Equal(b.Fd, owner.Fd))
	assert.NilError(t, b.Close())

	// the owner's descriptor must still be valid
	_, err = unix.GetsockoptInt(owner.Fd, unix.SOL_SOCKET, unix.SO_TYPE)
	assert.NilError(t, err)
}

func TestBorrowedClosesWithOwner(t *testing.T) {
	owner, err := Create(unix.AF_INET, unix.SOCK_DGRAM, 0)
	assert.NilError(t, err)
	b := Borrow(Borrow(owner))
	fd := owner.Fd

	assert.NilError(t, owner.Close())
	assert.Check(t, !b.Open())

	// an unrelated socket taking the same number is not reachable through b
	other, err := Create(unix.AF_INET, unix.SOCK_DGRAM, 0)
	assert.NilError(t, err)
	defer other.Close()
	if other.Fd != fd {
		t.Logf("descriptor %d was not reused, got %d", fd, other.Fd)
	}
	assert.Check(t, !b.Open())
	assert.NilError(t, b.Close())
	assert.Check(t, other.Open())
}

func TestMilliseconds(t *testing.T) {
	testcases := []struct {
		in   time.Duration
		want int
	}{
		{in: -1, want: -1},
		{in: -time.Second, want: -1},
		{in: 0, want: 0},
		{in: time.Nanosecond, want: 1},
		{in: 999 * time.Microsecond, want: 1},
		{in: time.Millisecond, want: 1},
		{in: 1500 * time.Microsecond, want: 2},
		{in: time.Second, want: 1000},
		{in: 1 << 62, want: math.MaxInt32},
	}
	for _, tc := range testcases {
		assert.Check(t, is.Equal(Milliseconds(tc.in), tc.want), "Milliseconds(%s)", tc.in)
	}
}

func TestPollReadable(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	assert.NilError(t, err)
	a, b := Adopt(fds[0]), Adopt(fds[1])
	defer a.Close()
	defer b.Close()

	ready, err := b.PollReadable(0)
	assert.NilError(t, err)
	assert.Check(t, !ready)

	_, err = a.Write([]byte("ping"))
	assert.NilError(t, err)

	ready, err = b.PollReadable(time.Second)
	assert.NilError(t, err)
	assert.Check(t, ready)
}

func TestIgnoringEINTR(t *testing.T) {
	calls := 0
	err := IgnoringEINTR(func() error {
		calls++
		if calls < 3 {
			return unix.EINTR
		}
		return unix.EAGAIN
	})
	assert.Check(t, is.ErrorIs(err, unix.EAGAIN))
	assert.Check(t, is.Equal(calls, 3))
}
