package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics - prometheus collectors shared by every Session of a process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesIn           prometheus.Counter
	FramesOut          prometheus.Counter
	BytesIn            prometheus.Counter
	BytesOut           prometheus.Counter
	ProtocolViolations prometheus.Counter
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	OpenConnections    prometheus.Gauge
}

// NewMetrics - create the collectors and register them to reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxtunnel", Name: "frames_received_total",
			Help: "Frames read from physical connections.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxtunnel", Name: "frames_sent_total",
			Help: "Frames written to physical connections.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxtunnel", Name: "body_bytes_received_total",
			Help: "Frame body bytes read from physical connections.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxtunnel", Name: "body_bytes_sent_total",
			Help: "Frame body bytes written to physical connections.",
		}),
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxtunnel", Name: "protocol_violations_total",
			Help: "Physical connections dropped because of a malformed frame.",
		}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxtunnel", Name: "virtual_connections_opened_total",
			Help: "Virtual connections registered.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muxtunnel", Name: "virtual_connections_closed_total",
			Help: "Virtual connections removed from their registry.",
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "muxtunnel", Name: "virtual_connections_open",
			Help: "Virtual connections currently registered.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesIn, m.FramesOut, m.BytesIn, m.BytesOut,
			m.ProtocolViolations, m.ConnectionsOpened, m.ConnectionsClosed,
			m.OpenConnections,
		)
	}
	return m
}

func (m *Metrics) frameIn(bodyLength int) {
	if m == nil {
		return
	}
	m.FramesIn.Inc()
	m.BytesIn.Add(float64(bodyLength))
}

func (m *Metrics) frameOut(bodyLength int) {
	if m == nil {
		return
	}
	m.FramesOut.Inc()
	m.BytesOut.Add(float64(bodyLength))
}

func (m *Metrics) protocolViolation() {
	if m == nil {
		return
	}
	m.ProtocolViolations.Inc()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
	m.OpenConnections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsClosed.Inc()
	m.OpenConnections.Dec()
}
