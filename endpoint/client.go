//go:build linux

package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"

	"github.com/google/uuid"
	"github.com/touka-aoi/iris/core/resolve"
	"github.com/touka-aoi/iris/core/socket"
)

// Client is an outbound connection, or on the server side a peer returned by
// Server.GetClient. A client has at most one socket.
//
//	client := endpoint.NewClient(endpoint.TCP)
//	if err := client.Attach(ctx, "localhost", "9999"); err != nil {
//		return err
//	}
//	defer client.Detach()
//	_, err := client.Send([]byte("Hello World!"))
type Client struct {
	Endpoint
	sessionID string
}

func NewClient(proto Protocol, opts ...Option) *Client {
	c := &Client{sessionID: uuid.NewString()}
	c.init(proto, RoleClient, opts)
	return c
}

// SessionID identifies the client in log records.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Attach resolves host and service and connects to the first candidate that
// works. For UDP the first candidate a socket can be created for wins and
// becomes the destination of Send. Attaching again first releases whatever
// the previous Attach set up.
func (c *Client) Attach(ctx context.Context, host, service string) error {
	if host == "" {
		return &OpError{Op: "attach", Host: host, Service: service, Kind: ErrInvalidArgument, Err: errors.New("host must not be empty")}
	}
	if service == "" {
		return &OpError{Op: "attach", Host: host, Service: service, Kind: ErrInvalidArgument, Err: errors.New("service must not be empty")}
	}

	if err := c.cleanup(); err != nil {
		slog.WarnContext(ctx, "Failed to release previous connection", "sessionID", c.sessionID, "error", err)
	}

	addrs, err := c.resolver.Resolve(ctx, host, service, c.protocol.sockType(), false)
	if err != nil {
		return &OpError{Op: "attach", Host: host, Service: service, Kind: ErrResolutionFailed, Err: err}
	}

	var lastErr error
	for addrs.Len() > 0 {
		cand := addrs.At(0)
		sock, err := socket.Create(cand.Family, cand.SockType, cand.Protocol)
		if err != nil {
			slog.DebugContext(ctx, "Failed to create socket", "addr", cand, "error", err)
			lastErr = opError("socket", ErrSocketCreateFailed, err)
			addrs.Delete(0)
			continue
		}

		if c.protocol == TCP {
			if err := sock.Connect(cand.Addr); err != nil {
				slog.DebugContext(ctx, "Failed to connect", "addr", cand, "error", err)
				lastErr = err
				sock.Close()
				addrs.Delete(0)
				continue
			}
		}

		c.sockets = []*socket.Socket{sock}
		c.addrs = addrs
		slog.DebugContext(ctx, "Attached", "sessionID", c.sessionID, "protocol", c.protocol, "fd", sock.Fd, "remoteAddr", cand.AddrPort)
		return nil
	}

	addrs.Release()
	return &OpError{Op: "attach", Host: host, Service: service, Kind: ErrConnectFailed, Err: lastErr}
}

// Detach closes the client's socket and drops its addresses. Detaching a
// client that holds nothing succeeds.
func (c *Client) Detach() error {
	if err := c.cleanup(); err != nil {
		return opError("detach", ErrCleanupFailed, err)
	}
	return nil
}

// SetSocket makes the client own fd, closing a different socket it held.
func (c *Client) SetSocket(fd int) {
	c.setSocket(socket.Adopt(fd))
}

func (c *Client) setSocket(sock *socket.Socket) {
	for _, old := range c.sockets {
		if old.Fd != sock.Fd {
			if err := old.Close(); err != nil {
				slog.Warn("Failed to close replaced socket", "sessionID", c.sessionID, "fd", old.Fd, "error", err)
			}
		}
	}
	c.sockets = []*socket.Socket{sock}
}

// Socket returns the client's descriptor, or Unused when it has none.
func (c *Client) Socket() int {
	sock, err := c.socket()
	if err != nil {
		return Unused
	}
	return sock.Fd
}

// SetAddressInfo replaces the client's address candidates, releasing the old ones.
func (c *Client) SetAddressInfo(addrs *resolve.Candidates) {
	if c.addrs != addrs {
		c.addrs.Release()
	}
	c.addrs = addrs
}

// RemoteAddr is the address the client talks to.
func (c *Client) RemoteAddr() netip.AddrPort {
	cand, ok := c.addrs.First()
	if !ok {
		return netip.AddrPort{}
	}
	return cand.AddrPort
}
