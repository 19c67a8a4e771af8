//go:build linux

package endpoint

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/touka-aoi/iris/core/metrics"
	"github.com/touka-aoi/iris/core/resolve"
	"github.com/touka-aoi/iris/core/socket"
)

// Endpoint holds what clients and servers share: the protocol, the sockets it
// owns and the resolved address candidates. It is not safe for concurrent use.
type Endpoint struct {
	protocol Protocol
	role     Role
	sockets  []*socket.Socket
	addrs    *resolve.Candidates

	recvTimeout time.Duration
	waitTimeout time.Duration
	metrics     *metrics.Metrics
	resolver    *resolve.Resolver
}

// Target is an endpoint whose socket Send and Receive can act on.
// *Endpoint, *Client and *Server all satisfy it.
type Target interface {
	endpoint() *Endpoint
}

func (e *Endpoint) endpoint() *Endpoint {
	return e
}

func (e *Endpoint) init(proto Protocol, role Role, opts []Option) {
	e.protocol = proto
	e.role = role
	e.recvTimeout = DefaultReceiveTimeout
	e.waitTimeout = EpollRunTimeout
	e.resolver = resolve.Default
	for _, opt := range opts {
		opt(e)
	}
}

func (e *Endpoint) Protocol() Protocol {
	return e.protocol
}

func (e *Endpoint) Role() Role {
	return e.role
}

// SetProtocol changes the protocol of an endpoint that has no socket yet.
func (e *Endpoint) SetProtocol(p Protocol) error {
	if len(e.sockets) > 0 {
		return opError("set protocol", ErrInvalidArgument, errors.New("endpoint already has sockets"))
	}
	if _, ok := protocolName[p]; !ok {
		return opError("set protocol", ErrInvalidArgument, fmt.Errorf("unknown protocol %d", int(p)))
	}
	e.protocol = p
	return nil
}

// Send writes data through the endpoint's own socket.
func (e *Endpoint) Send(data []byte) (int, error) {
	return e.SendTo(e, data)
}

// SendTo writes data through target's socket. A server uses it to answer a
// peer returned by GetClient.
//
// TCP writes until every byte is sent. UDP splits data into datagrams of at
// most UDPPacketSize bytes addressed to target's current address; nothing is
// retransmitted.
func (e *Endpoint) SendTo(target Target, data []byte) (int, error) {
	t := target.endpoint()

	var (
		n   int
		err error
	)
	switch t.protocol {
	case TCP:
		n, err = t.sendStream(data)
	case UDP:
		n, err = t.sendDatagrams(data)
	default:
		err = fmt.Errorf("unknown protocol %d", int(t.protocol))
	}
	t.metrics.Sent(t.protocol.String(), n)
	if err != nil {
		return n, opError("send", ErrSend, err)
	}
	return n, nil
}

func (e *Endpoint) sendStream(data []byte) (int, error) {
	sock, err := e.socket()
	if err != nil {
		return 0, err
	}

	total := 0
	for total < len(data) {
		n, err := sock.Write(data[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (e *Endpoint) sendDatagrams(data []byte) (int, error) {
	sock, err := e.socket()
	if err != nil {
		return 0, err
	}
	dst, ok := e.addrs.First()
	if !ok {
		return 0, errors.New("no destination address")
	}

	total := 0
	for _, size := range fragments(len(data)) {
		if err := sock.SendTo(data[total:total+size], dst.Addr); err != nil {
			slog.Debug("Failed to send datagram", "fd", sock.Fd, "to", dst.AddrPort, "sent", total, "error", err)
			return total, err
		}
		total += size
	}
	return total, nil
}

// fragments returns the datagram sizes used to send n bytes. An empty payload
// still produces one empty datagram.
func fragments(n int) []int {
	if n <= UDPPacketSize {
		return []int{n}
	}
	sizes := make([]int, 0, n/UDPPacketSize+1)
	for ; n > UDPPacketSize; n -= UDPPacketSize {
		sizes = append(sizes, UDPPacketSize)
	}
	return append(sizes, n)
}

// Receive reads into buf from the endpoint's own socket.
func (e *Endpoint) Receive(buf []byte) (int, error) {
	return e.ReceiveFrom(e, buf)
}

// ReceiveFrom reads into buf from source's socket.
//
// TCP reads until buf is full, the peer closes the connection, or a chunk
// containing a NUL byte arrives; callers exchanging text rely on the NUL as a
// terminator. UDP reads at most one datagram and returns 0 with a nil error
// when none arrives within the receive timeout.
func (e *Endpoint) ReceiveFrom(source Target, buf []byte) (int, error) {
	s := source.endpoint()

	var (
		n   int
		err error
	)
	switch s.protocol {
	case TCP:
		n, err = s.receiveStream(buf)
	case UDP:
		n, err = s.receiveDatagram(buf)
	default:
		err = fmt.Errorf("unknown protocol %d", int(s.protocol))
	}
	s.metrics.Received(s.protocol.String(), n)
	if err != nil {
		return n, opError("receive", ErrReceive, err)
	}
	return n, nil
}

func (e *Endpoint) receiveStream(buf []byte) (int, error) {
	sock, err := e.socket()
	if err != nil {
		return 0, err
	}

	total := 0
	for total < len(buf) {
		n, err := sock.Read(buf[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		chunk := buf[total : total+n]
		total += n
		if bytes.IndexByte(chunk, 0) >= 0 {
			break
		}
	}
	return total, nil
}

func (e *Endpoint) receiveDatagram(buf []byte) (int, error) {
	sock, err := e.socket()
	if err != nil {
		return 0, err
	}

	ready, err := sock.PollReadable(e.recvTimeout)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, nil
	}

	n, _, err := sock.RecvFrom(buf, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (e *Endpoint) socket() (*socket.Socket, error) {
	if len(e.sockets) == 0 || !e.sockets[0].Open() {
		return nil, ErrNotAttached
	}
	return e.sockets[0], nil
}

// cleanup closes every owned socket and drops the address candidates. Every
// socket gets a close attempt; all failures are returned joined.
func (e *Endpoint) cleanup() error {
	var errs []error
	for _, s := range e.sockets {
		fd := s.Fd
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
		}
	}
	clear(e.sockets)
	e.sockets = nil

	e.addrs.Release()
	e.addrs = nil

	return errors.Join(errs...)
}
