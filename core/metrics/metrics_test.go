package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// value returns the sample of family name carrying label protocol=proto.
func value(t *testing.T, reg *prometheus.Registry, name, proto string) float64 {
	t.Helper()
	families, err := reg.Gather()
	assert.NilError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "protocol" && lp.GetValue() == proto {
					if c := m.GetCounter(); c != nil {
						return c.GetValue()
					}
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	assert.NilError(t, err)

	m.Accepted("tcp")
	m.Accepted("tcp")
	m.Handoff("udp")
	m.Dropped("tcp")
	m.Sent("tcp", 13)
	m.Sent("tcp", 0)
	m.Received("udp", 1400)
	m.Registered("tcp", 3)
	m.Registered("tcp", -1)

	assert.Check(t, is.Equal(value(t, reg, "iris_accepted_total", "tcp"), 2.0))
	assert.Check(t, is.Equal(value(t, reg, "iris_handoffs_total", "udp"), 1.0))
	assert.Check(t, is.Equal(value(t, reg, "iris_dropped_total", "tcp"), 1.0))
	assert.Check(t, is.Equal(value(t, reg, "iris_sent_bytes_total", "tcp"), 13.0))
	assert.Check(t, is.Equal(value(t, reg, "iris_received_bytes_total", "udp"), 1400.0))
	assert.Check(t, is.Equal(value(t, reg, "iris_registered_descriptors", "tcp"), 2.0))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Accepted("tcp")
	m.Handoff("tcp")
	m.Dropped("tcp")
	m.Sent("tcp", 1)
	m.Received("tcp", 1)
	m.Registered("tcp", 1)
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	assert.NilError(t, err)

	_, err = New(reg)
	assert.Check(t, err != nil)
}
