package metrics

import (
	gometrics "github.com/docker/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts endpoint activity. A nil *Metrics records nothing.
type Metrics struct {
	ns *gometrics.Namespace

	accepted      gometrics.LabeledCounter
	handoffs      gometrics.LabeledCounter
	dropped       gometrics.LabeledCounter
	sentBytes     gometrics.LabeledCounter
	receivedBytes gometrics.LabeledCounter
	registered    gometrics.LabeledGauge
}

// New creates the iris metric set and registers it on reg when reg is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	ns := gometrics.NewNamespace("iris", "", nil)
	m := &Metrics{
		ns:            ns,
		accepted:      ns.NewLabeledCounter("accepted", "Connections accepted on listening sockets", "protocol"),
		handoffs:      ns.NewLabeledCounter("handoffs", "Ready peers handed to the caller", "protocol"),
		dropped:       ns.NewLabeledCounter("dropped", "Accepted connections dropped on error or hangup", "protocol"),
		sentBytes:     ns.NewLabeledCounter("sent_bytes", "Bytes sent", "protocol"),
		receivedBytes: ns.NewLabeledCounter("received_bytes", "Bytes received", "protocol"),
		registered:    ns.NewLabeledGauge("registered", "Descriptors registered for readiness", gometrics.Unit("descriptors"), "protocol"),
	}
	if reg != nil {
		if err := reg.Register(ns); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Collector exposes the whole set for registration elsewhere.
func (m *Metrics) Collector() prometheus.Collector {
	return m.ns
}

func (m *Metrics) Accepted(protocol string) {
	if m == nil {
		return
	}
	m.accepted.WithValues(protocol).Inc()
}

func (m *Metrics) Handoff(protocol string) {
	if m == nil {
		return
	}
	m.handoffs.WithValues(protocol).Inc()
}

func (m *Metrics) Dropped(protocol string) {
	if m == nil {
		return
	}
	m.dropped.WithValues(protocol).Inc()
}

func (m *Metrics) Sent(protocol string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sentBytes.WithValues(protocol).Inc(float64(n))
}

func (m *Metrics) Received(protocol string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.receivedBytes.WithValues(protocol).Inc(float64(n))
}

func (m *Metrics) Registered(protocol string, delta int) {
	if m == nil || delta == 0 {
		return
	}
	g := m.registered.WithValues(protocol)
	if delta > 0 {
		g.Inc(float64(delta))
		return
	}
	g.Dec(float64(-delta))
}
