//go:build linux

package endpoint

import (
	"time"

	"github.com/touka-aoi/iris/core/metrics"
	"github.com/touka-aoi/iris/core/resolve"
)

type Option func(*Endpoint)

// WithReceiveTimeout sets how long a UDP Receive waits for a datagram.
func WithReceiveTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		e.recvTimeout = d
	}
}

// WithWaitTimeout bounds each readiness wait of Server.GetClient. The loop
// checks its context between waits, so this is how a blocked server notices
// cancellation. Negative means wait forever; positive durations are
// rounded up to whole milliseconds.
func WithWaitTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		e.waitTimeout = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Endpoint) {
		e.metrics = m
	}
}

func WithResolver(r *resolve.Resolver) Option {
	return func(e *Endpoint) {
		e.resolver = r
	}
}
