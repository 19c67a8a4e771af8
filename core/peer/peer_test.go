//go:build linux

package peer

import (
	"net/netip"
	"testing"

	"github.com/touka-aoi/iris/core/socket"
	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestTableInsertGetRemove(t *testing.T) {
	tbl := NewTable(4)

	h1 := tbl.Insert(Record{Kind: KindListening, Socket: socket.Adopt(3)})
	h2 := tbl.Insert(Record{Kind: KindAccepted, Socket: socket.Adopt(4)})
	assert.Check(t, is.Equal(tbl.Len(), 2))

	r, ok := tbl.Get(h2)
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(r.Fd(), 4))
	assert.Check(t, is.Equal(r.Kind, KindAccepted))

	removed, ok := tbl.Remove(h2)
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(removed.Fd(), 4))
	assert.Check(t, is.Equal(tbl.Len(), 1))

	_, ok = tbl.Get(h2)
	assert.Check(t, !ok, "removed handle still resolves")
	_, ok = tbl.Remove(h2)
	assert.Check(t, !ok, "record removed twice")

	_, ok = tbl.Get(h1)
	assert.Check(t, ok)
}

func TestStaleHandleAfterSlotReuse(t *testing.T) {
	tbl := NewTable(1)

	old := tbl.Insert(Record{Kind: KindAccepted, Socket: socket.Adopt(10)})
	_, ok := tbl.Remove(old)
	assert.Assert(t, ok)

	fresh := tbl.Insert(Record{Kind: KindAccepted, Socket: socket.Adopt(11)})
	assert.Check(t, old != fresh)

	_, ok = tbl.Get(old)
	assert.Check(t, !ok, "stale handle resolved to a reused slot")

	r, ok := tbl.Get(fresh)
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(r.Fd(), 11))
}

func TestZeroHandleNeverResolves(t *testing.T) {
	tbl := NewTable(1)
	tbl.Insert(Record{Kind: KindListening, Socket: socket.Adopt(1)})

	_, ok := tbl.Get(Handle{})
	assert.Check(t, !ok)
}

func TestHandleUint64RoundTrip(t *testing.T) {
	tbl := NewTable(0)
	for i := 0; i < 3; i++ {
		tbl.Insert(Record{Kind: KindAccepted, Socket: socket.Adopt(i)})
	}
	h := tbl.Insert(Record{Kind: KindAccepted, Socket: socket.Adopt(99)})

	back := HandleFromUint64(h.Uint64())
	assert.Check(t, is.Equal(back, h))
	r, ok := tbl.Get(back)
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(r.Fd(), 99))
}

func TestEach(t *testing.T) {
	tbl := NewTable(4)
	a := tbl.Insert(Record{Kind: KindListening, Socket: socket.Adopt(1)})
	b := tbl.Insert(Record{Kind: KindAccepted, Socket: socket.Adopt(2)})
	tbl.Insert(Record{Kind: KindAccepted, Socket: socket.Adopt(3)})
	tbl.Remove(b)

	var fds []int
	tbl.Each(func(h Handle, r *Record) bool {
		fds = append(fds, r.Fd())
		return true
	})
	assert.Check(t, is.DeepEqual(fds, []int{1, 3}))

	var first []Handle
	tbl.Each(func(h Handle, r *Record) bool {
		first = append(first, h)
		return false
	})
	assert.Assert(t, is.Len(first, 1))
	assert.Check(t, is.Equal(first[0], a))
}

func TestRecordRemoteAddrPort(t *testing.T) {
	r := Record{Kind: KindListening}
	assert.Check(t, !r.RemoteAddrPort().IsValid())

	r.RemoteAddr = &unix.SockaddrInet4{Port: 5000, Addr: [4]byte{127, 0, 0, 1}}
	assert.Check(t, r.RemoteAddrPort() == netip.MustParseAddrPort("127.0.0.1:5000"))
}

func TestKindString(t *testing.T) {
	assert.Check(t, is.Equal(KindListening.String(), "listening"))
	assert.Check(t, is.Equal(KindAccepted.String(), "accepted"))
	assert.Check(t, is.Equal(KindFree.String(), "free"))
}
