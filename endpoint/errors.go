//go:build linux

package endpoint

import (
	"errors"
	"net"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrResolutionFailed   = errors.New("address resolution failed")
	ErrSocketCreateFailed = errors.New("socket creation failed")
	ErrConnectFailed      = errors.New("connect failed")
	ErrBindOrListenFailed = errors.New("bind or listen failed")
	ErrStartFailed        = errors.New("server start failed")
	ErrWaitFailed         = errors.New("readiness wait failed")
	ErrSend               = errors.New("send failed")
	ErrReceive            = errors.New("receive failed")
	ErrCleanupFailed      = errors.New("cleanup failed")
	ErrNotAttached        = errors.New("endpoint has no socket")
)

// OpError is returned by every endpoint operation. Kind is one of the
// sentinel errors above and Err, when set, is the underlying cause.
type OpError struct {
	Op      string
	Host    string
	Service string
	Kind    error
	Err     error
}

func (e *OpError) Error() string {
	s := e.Op
	if e.Host != "" || e.Service != "" {
		s += " " + net.JoinHostPort(e.Host, e.Service)
	}
	s += ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: err}
}
