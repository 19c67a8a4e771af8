//go:build linux

package peer

import (
	"fmt"
	"net/netip"

	"github.com/touka-aoi/iris/core/socket"
	"golang.org/x/sys/unix"
)

// Record pairs a descriptor registered for readiness with the address of the
// peer that produced it. Listening records carry no peer address.
type Record struct {
	Kind       Kind
	Socket     *socket.Socket
	RemoteAddr unix.Sockaddr
}

func (r *Record) Fd() int {
	return r.Socket.Fd
}

func (r *Record) RemoteAddrPort() netip.AddrPort {
	if r.RemoteAddr == nil {
		return netip.AddrPort{}
	}
	ap, _ := socket.AddrPortFromSockaddr(r.RemoteAddr)
	return ap
}

// Handle names a record in a Table. It stays invalid after the record is
// removed, even if the slot is reused.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) Uint64() uint64 {
	return uint64(h.gen)<<32 | uint64(h.index)
}

func HandleFromUint64(v uint64) Handle {
	return Handle{index: uint32(v), gen: uint32(v >> 32)}
}

func (h Handle) String() string {
	return fmt.Sprintf("%d/%d", h.index, h.gen)
}

type slot struct {
	gen    uint32
	record Record
}

// Table is an arena of records addressed by handles.
type Table struct {
	slots []slot
	free  []uint32
	live  int
}

func NewTable(capacity int) *Table {
	return &Table{slots: make([]slot, 0, capacity)}
}

func (t *Table) Len() int {
	return t.live
}

func (t *Table) Insert(r Record) Handle {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		// generation starts at 1 so the zero Handle never resolves
		t.slots = append(t.slots, slot{gen: 1})
	}
	s := &t.slots[idx]
	s.record = r
	t.live++
	return Handle{index: idx, gen: s.gen}
}

func (t *Table) Get(h Handle) (*Record, bool) {
	if int(h.index) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[h.index]
	if s.gen != h.gen || s.record.Kind == KindFree {
		return nil, false
	}
	return &s.record, true
}

// Remove frees the slot and returns the record it held.
func (t *Table) Remove(h Handle) (Record, bool) {
	r, ok := t.Get(h)
	if !ok {
		return Record{}, false
	}
	out := *r
	s := &t.slots[h.index]
	s.record = Record{}
	s.gen++
	t.free = append(t.free, h.index)
	t.live--
	return out, true
}

// Each calls fn for every live record until fn returns false.
func (t *Table) Each(fn func(Handle, *Record) bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.record.Kind == KindFree {
			continue
		}
		if !fn(Handle{index: uint32(i), gen: s.gen}, &s.record) {
			return
		}
	}
}
