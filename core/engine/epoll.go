//go:build linux

package engine

import (
	"errors"

	"github.com/touka-aoi/iris/core/socket"
	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("epoll instance is closed")

// Event is one readiness notification. Tag is the value given to Register.
type Event struct {
	Tag    uint64
	Events uint32
}

func (e Event) Readable() bool {
	return e.Events&unix.EPOLLIN != 0
}

func (e Event) Hangup() bool {
	return e.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0
}

// Epoll is the readiness facility. Registrations carry a 64 bit tag instead
// of a pointer so events can be mapped back through a handle table.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

// NewEpoll creates an epoll instance draining at most maxEvents per Wait.
// sizeHint is passed to epoll_create, which only requires it to be positive.
func NewEpoll(sizeHint, maxEvents int) (*Epoll, error) {
	fd, err := unix.EpollCreate(sizeHint)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (e *Epoll) Fd() int {
	return e.fd
}

// RegisterRead adds fd with readable interest.
func (e *Epoll) RegisterRead(fd int, tag uint64) error {
	if e.fd < 0 {
		return ErrClosed
	}
	ev := encodeTag(tag)
	ev.Events = unix.EPOLLIN
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (e *Epoll) Deregister(fd int) error {
	if e.fd < 0 {
		return ErrClosed
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

// Wait blocks for up to msec milliseconds, -1 meaning forever, and returns the
// ready events. The returned slice is reused by the next call.
func (e *Epoll) Wait(msec int, out []Event) ([]Event, error) {
	if e.fd < 0 {
		return nil, ErrClosed
	}

	var n int
	err := socket.IgnoringEINTR(func() error {
		var err error
		n, err = unix.EpollWait(e.fd, e.events, msec)
		return err
	})
	if err != nil {
		return nil, err
	}

	out = out[:0]
	for _, ev := range e.events[:n] {
		out = append(out, Event{Tag: decodeTag(ev), Events: ev.Events})
	}
	return out, nil
}

func (e *Epoll) Close() error {
	if e.fd < 0 {
		return nil
	}
	fd := e.fd
	e.fd = -1
	return unix.Close(fd)
}

// The 64 bit epoll_data union is exposed by x/sys as the Fd and Pad fields.
func encodeTag(tag uint64) unix.EpollEvent {
	return unix.EpollEvent{
		Fd:  int32(uint32(tag)),
		Pad: int32(uint32(tag >> 32)),
	}
}

func decodeTag(ev unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Pad))<<32 | uint64(uint32(ev.Fd))
}
