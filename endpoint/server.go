//go:build linux

package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"

	"github.com/touka-aoi/iris/core/engine"
	"github.com/touka-aoi/iris/core/event"
	"github.com/touka-aoi/iris/core/peer"
	"github.com/touka-aoi/iris/core/resolve"
	"github.com/touka-aoi/iris/core/socket"
	"golang.org/x/sys/unix"
)

// peekBufferSize is enough for MSG_PEEK to report the sender; the datagram
// itself stays queued.
const peekBufferSize = 200

var errNotStarted = errors.New("server is not started")

// Server listens on every local address a service resolves to and hands out
// peers as they become ready.
//
//	server := endpoint.NewServer(endpoint.TCP)
//	if err := server.Start(ctx, "", "8000", 10); err != nil {
//		return err
//	}
//	defer server.Stop()
//	for {
//		client, err := server.GetClient(ctx)
//		if err != nil {
//			return err
//		}
//		n, err := server.ReceiveFrom(client, buf)
//		...
//		client.Detach()
//	}
type Server struct {
	Endpoint
	backlog int
	epoll   *engine.Epoll
	peers   *peer.Table
	events  []engine.Event
}

func NewServer(proto Protocol, opts ...Option) *Server {
	s := &Server{}
	s.init(proto, RoleServer, opts)
	return s
}

// Start binds a socket on every address host and service resolve to, listens
// on it for TCP and registers it for readiness. An empty host binds the
// wildcard addresses. Start fails only when no address could be used.
func (s *Server) Start(ctx context.Context, host, service string, backlog int) error {
	if service == "" {
		return &OpError{Op: "start", Host: host, Service: service, Kind: ErrInvalidArgument, Err: errors.New("service must not be empty")}
	}
	if s.protocol == TCP && backlog <= 0 {
		return &OpError{Op: "start", Host: host, Service: service, Kind: ErrInvalidArgument, Err: errors.New("backlog must be positive for tcp")}
	}
	if s.epoll != nil {
		return &OpError{Op: "start", Host: host, Service: service, Kind: ErrInvalidArgument, Err: errors.New("server already started")}
	}
	s.backlog = backlog

	addrs, err := s.resolver.Resolve(ctx, host, service, s.protocol.sockType(), true)
	if err != nil {
		return &OpError{Op: "start", Host: host, Service: service, Kind: ErrResolutionFailed, Err: err}
	}

	var lastErr error
	for i := 0; i < addrs.Len(); {
		cand := addrs.At(i)
		sock, err := s.listen(cand)
		if err != nil {
			slog.DebugContext(ctx, "Skipping address", "addr", cand, "error", err)
			lastErr = err
			addrs.Delete(i)
			continue
		}
		s.sockets = append(s.sockets, sock)
		i++
	}
	s.addrs = addrs

	if len(s.sockets) == 0 {
		s.cleanup()
		return &OpError{Op: "start", Host: host, Service: service, Kind: ErrStartFailed, Err: lastErr}
	}

	if err := s.register(ctx); err != nil {
		s.cleanup()
		return &OpError{Op: "start", Host: host, Service: service, Kind: ErrStartFailed, Err: err}
	}

	for _, sock := range s.sockets {
		slog.InfoContext(ctx, "Listening on", "protocol", s.protocol, "address", sock.LocalAddr)
	}
	return nil
}

func (s *Server) listen(cand resolve.Candidate) (*socket.Socket, error) {
	sock, err := socket.Create(cand.Family, cand.SockType, cand.Protocol)
	if err != nil {
		return nil, opError("socket", ErrSocketCreateFailed, err)
	}

	fail := func(op string, err error) (*socket.Socket, error) {
		sock.Close()
		return nil, opError(op, ErrBindOrListenFailed, err)
	}

	if s.protocol == TCP {
		if err := sock.SetReuseAddr(); err != nil {
			return fail("setsockopt", err)
		}
	}
	if cand.Family == unix.AF_INET6 {
		if err := sock.SetV6Only(); err != nil {
			return fail("setsockopt", err)
		}
	}
	if err := sock.Bind(cand.Addr); err != nil {
		return fail("bind", err)
	}
	if s.protocol == TCP {
		if err := sock.Listen(s.backlog); err != nil {
			return fail("listen", err)
		}
	}
	return sock, nil
}

// register creates the epoll instance and adds every listening socket to it.
func (s *Server) register(ctx context.Context) error {
	ep, err := engine.NewEpoll(EpollQueueLen, MaxEpollEventsPerRun)
	if err != nil {
		return err
	}

	peers := peer.NewTable(len(s.sockets))
	var lastErr error
	for _, sock := range s.sockets {
		h := peers.Insert(peer.Record{Kind: peer.KindListening, Socket: sock})
		if err := ep.RegisterRead(sock.Fd, h.Uint64()); err != nil {
			slog.WarnContext(ctx, "Failed to register listening socket", "fd", sock.Fd, "error", err)
			peers.Remove(h)
			lastErr = err
		}
	}
	if peers.Len() == 0 {
		ep.Close()
		return lastErr
	}

	s.epoll = ep
	s.peers = peers
	s.events = make([]engine.Event, 0, MaxEpollEventsPerRun)
	s.metrics.Registered(s.protocol.String(), peers.Len())
	return nil
}

// Addrs returns the local addresses the server is bound to.
func (s *Server) Addrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(s.sockets))
	for _, sock := range s.sockets {
		out = append(out, sock.LocalAddr)
	}
	return out
}

// GetClient blocks until a peer has data and returns it.
//
// A TCP connection is accepted and watched first; it is returned once it
// becomes readable, and from then on the returned Client owns the socket. A
// UDP peer is returned as soon as a datagram arrives: the datagram is left
// queued for Receive, and the Client borrows the server's socket until Stop.
//
// GetClient only returns on a ready peer or a failed wait. Waits interrupted
// by a signal are restarted, since the Go runtime signals its own threads;
// use ctx with WithWaitTimeout to give up.
func (s *Server) GetClient(ctx context.Context) (*Client, error) {
	if s.epoll == nil {
		return nil, opError("get client", ErrWaitFailed, errNotStarted)
	}

	msec := socket.Milliseconds(s.waitTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, opError("get client", ErrWaitFailed, err)
		}

		events, err := s.epoll.Wait(msec, s.events)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to wait event", "error", err)
			return nil, opError("get client", ErrWaitFailed, err)
		}
		s.events = events

		for _, ev := range events {
			if client := s.dispatch(ctx, ev); client != nil {
				return client, nil
			}
		}
	}
}

// dispatch handles one readiness event and returns the peer it made ready,
// if any. Events for removed records are ignored.
func (s *Server) dispatch(ctx context.Context, ev engine.Event) *Client {
	h := peer.HandleFromUint64(ev.Tag)
	rec, ok := s.peers.Get(h)
	if !ok {
		slog.DebugContext(ctx, "Event for unknown peer", "handle", h)
		return nil
	}

	et := event.Classify(rec.Kind == peer.KindListening, s.protocol == UDP, ev.Readable())
	switch et {
	case event.EVENT_TYPE_ACCEPT:
		s.handleAccept(ctx, rec)
	case event.EVENT_TYPE_RECVMSG:
		client, err := s.handleRecvMsg(ctx, rec)
		if err != nil {
			slog.WarnContext(ctx, "Failed to peek datagram", "fd", rec.Fd(), "error", err)
			return nil
		}
		return client
	case event.EVENT_TYPE_READ:
		return s.handleRead(ctx, h)
	case event.EVENT_TYPE_HANGUP:
		s.handleHangup(ctx, h)
	default:
		slog.WarnContext(ctx, "Unexpected event", "type", et, "events", ev.Events)
	}
	return nil
}

func (s *Server) handleAccept(ctx context.Context, listener *peer.Record) {
	conn, sa, err := listener.Socket.Accept()
	if err != nil {
		slog.WarnContext(ctx, "Failed to accept", "fd", listener.Fd(), "error", err)
		return
	}

	h := s.peers.Insert(peer.Record{Kind: peer.KindAccepted, Socket: conn, RemoteAddr: sa})
	if err := s.epoll.RegisterRead(conn.Fd, h.Uint64()); err != nil {
		slog.ErrorContext(ctx, "Failed to register read operation", "fd", conn.Fd, "error", err)
		s.peers.Remove(h)
		conn.Close()
		s.metrics.Dropped(s.protocol.String())
		return
	}

	s.metrics.Accepted(s.protocol.String())
	s.metrics.Registered(s.protocol.String(), 1)
	remote, _ := socket.AddrPortFromSockaddr(sa)
	slog.DebugContext(ctx, "Accepted new connection", "fd", conn.Fd, "remoteAddr", remote)
}

func (s *Server) handleRecvMsg(ctx context.Context, listener *peer.Record) (*Client, error) {
	var scratch [peekBufferSize]byte
	_, from, err := listener.Socket.RecvFrom(scratch[:], unix.MSG_PEEK)
	if err != nil {
		return nil, err
	}
	if from == nil {
		return nil, unix.EAFNOSUPPORT
	}

	addrs, err := resolve.FromSockaddr(from, s.protocol.sockType(), s.protocol.ipProto())
	if err != nil {
		return nil, err
	}

	client := s.newPeer()
	client.setSocket(socket.Borrow(listener.Socket))
	client.SetAddressInfo(addrs)

	s.metrics.Handoff(s.protocol.String())
	slog.DebugContext(ctx, "Datagram ready", "fd", listener.Fd(), "sessionID", client.sessionID, "remoteAddr", client.RemoteAddr())
	return client, nil
}

// handleRead moves an accepted connection out of the server into a Client.
func (s *Server) handleRead(ctx context.Context, h peer.Handle) *Client {
	rec, _ := s.peers.Remove(h)
	if err := s.epoll.Deregister(rec.Fd()); err != nil {
		slog.WarnContext(ctx, "Failed to deregister peer", "fd", rec.Fd(), "error", err)
	}
	s.metrics.Registered(s.protocol.String(), -1)

	client := s.newPeer()
	client.setSocket(rec.Socket)
	if addrs, err := resolve.FromSockaddr(rec.RemoteAddr, s.protocol.sockType(), s.protocol.ipProto()); err == nil {
		client.SetAddressInfo(addrs)
	} else {
		slog.WarnContext(ctx, "Unusable peer address", "fd", rec.Fd(), "error", err)
	}

	s.metrics.Handoff(s.protocol.String())
	slog.DebugContext(ctx, "Peer ready", "fd", rec.Fd(), "sessionID", client.sessionID, "remoteAddr", client.RemoteAddr())
	return client
}

func (s *Server) handleHangup(ctx context.Context, h peer.Handle) {
	rec, _ := s.peers.Remove(h)
	fd := rec.Fd()
	if err := s.epoll.Deregister(fd); err != nil {
		slog.WarnContext(ctx, "Failed to deregister peer", "fd", fd, "error", err)
	}
	if err := rec.Socket.Close(); err != nil {
		slog.WarnContext(ctx, "Failed to close peer", "fd", fd, "error", err)
	}
	s.metrics.Registered(s.protocol.String(), -1)
	s.metrics.Dropped(s.protocol.String())
	slog.DebugContext(ctx, "Dropped peer without data", "fd", fd, "remoteAddr", rec.RemoteAddrPort())
}

func (s *Server) newPeer() *Client {
	c := NewClient(s.protocol,
		WithReceiveTimeout(s.recvTimeout),
		WithMetrics(s.metrics),
		WithResolver(s.resolver),
	)
	return c
}

// Stop closes the readiness facility, every connection still waiting for
// data, and the listening sockets. All of them get a close attempt.
func (s *Server) Stop() error {
	var errs []error

	if s.epoll != nil {
		if err := s.epoll.Close(); err != nil {
			errs = append(errs, err)
		}
		s.epoll = nil
	}

	if s.peers != nil {
		s.metrics.Registered(s.protocol.String(), -s.peers.Len())
		s.peers.Each(func(_ peer.Handle, r *peer.Record) bool {
			if r.Kind == peer.KindAccepted {
				if err := r.Socket.Close(); err != nil {
					errs = append(errs, err)
				}
			}
			return true
		})
		s.peers = nil
	}
	s.events = nil

	if err := s.cleanup(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return opError("stop", ErrCleanupFailed, err)
	}
	return nil
}
