// Package metrics provides Prometheus metrics for qtun's server and client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qtun"

// Metrics contains all Prometheus metrics for one qtun process (server or
// client; not every field is populated by both).
type Metrics struct {
	// Connection metrics (C6/C7)
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      prometheus.Counter
	AuthLatency       prometheus.Histogram

	// TCP relay stream metrics
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsFailed     *prometheus.CounterVec
	StreamOpenLatency prometheus.Histogram
	BytesRelayed      *prometheus.CounterVec // label "direction": upstream|downstream

	// UDP relay metrics (C5)
	UDPSessionsActive       prometheus.Gauge
	UDPSessionsTotal        prometheus.Counter
	UDPSessionsEvicted      prometheus.Counter
	UDPFragmentsReassembled prometheus.Counter
	UDPReassemblyErrors     *prometheus.CounterVec // label "reason"
	UDPPacketsRelayed       *prometheus.CounterVec // label "mode": reliable|unreliable

	// Heartbeat metrics (C8)
	HeartbeatsSent   prometheus.Counter
	HeartbeatsFailed prometheus.Counter

	// SOCKS5 front-end metrics (client only)
	SOCKS5ConnectionsActive prometheus.Gauge
	SOCKS5ConnectionsTotal  prometheus.Counter
	SOCKS5AuthFailures      prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg,
// so tests can use a private registry instead of the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently authenticated QUIC connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total QUIC connections accepted",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures",
		}),
		AuthLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_latency_seconds",
			Help:      "Histogram of time from connection accept to successful authentication",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active TCP relay streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total TCP relay streams opened",
		}),
		StreamsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total TCP relay streams that failed to connect, by reason",
		}, []string{"reason"}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Histogram of time to dial the requested TCP address",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed over TCP streams, by direction",
		}, []string{"direction"}),

		UDPSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_sessions_active",
			Help:      "Number of currently open UDP associations",
		}),
		UDPSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_total",
			Help:      "Total UDP associations opened",
		}),
		UDPSessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_evicted_total",
			Help:      "Total UDP associations evicted for idling",
		}),
		UDPFragmentsReassembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_fragments_reassembled_total",
			Help:      "Total UDP packets completed via fragment reassembly",
		}),
		UDPReassemblyErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_reassembly_errors_total",
			Help:      "Total UDP reassembly errors, by reason",
		}, []string{"reason"}),
		UDPPacketsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_relayed_total",
			Help:      "Total UDP packets relayed, by transport mode",
		}, []string{"mode"}),

		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeat commands sent",
		}),
		HeartbeatsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_failed_total",
			Help:      "Total heartbeat commands that failed to send",
		}),

		SOCKS5ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "Number of active SOCKS5 front-end connections",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 front-end connections accepted",
		}),
		SOCKS5AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_auth_failures_total",
			Help:      "Total SOCKS5 front-end authentication failures",
		}),
	}
}

// RecordConnect records a newly authenticated connection.
func (m *Metrics) RecordConnect(authLatencySeconds float64) {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
	m.AuthLatency.Observe(authLatencySeconds)
}

// RecordDisconnect records a connection tearing down.
func (m *Metrics) RecordDisconnect() {
	m.ConnectionsActive.Dec()
}

// RecordAuthFailure records a failed authentication attempt.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordStreamOpen records a TCP relay stream successfully dialing its target.
func (m *Metrics) RecordStreamOpen(latencySeconds float64) {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
	m.StreamOpenLatency.Observe(latencySeconds)
}

// RecordStreamClose records a TCP relay stream closing.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
}

// RecordStreamFailure records a TCP relay stream that failed to connect.
func (m *Metrics) RecordStreamFailure(reason string) {
	m.StreamsFailed.WithLabelValues(reason).Inc()
}

// RecordBytesRelayed adds to the byte counter for direction ("upstream" or
// "downstream").
func (m *Metrics) RecordBytesRelayed(direction string, n int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// RecordUDPSessionOpen records a new UDP association.
func (m *Metrics) RecordUDPSessionOpen() {
	m.UDPSessionsActive.Inc()
	m.UDPSessionsTotal.Inc()
}

// RecordUDPSessionClose records a UDP association closing normally.
func (m *Metrics) RecordUDPSessionClose() {
	m.UDPSessionsActive.Dec()
}

// RecordUDPSessionEvicted records a UDP association closing due to idle timeout.
func (m *Metrics) RecordUDPSessionEvicted() {
	m.UDPSessionsActive.Dec()
	m.UDPSessionsEvicted.Inc()
}

// RecordUDPFragmentReassembled records a UDP packet completing reassembly.
func (m *Metrics) RecordUDPFragmentReassembled() {
	m.UDPFragmentsReassembled.Inc()
}

// RecordUDPReassemblyError records a UDP reassembly failure, by reason.
func (m *Metrics) RecordUDPReassemblyError(reason string) {
	m.UDPReassemblyErrors.WithLabelValues(reason).Inc()
}

// RecordUDPPacketRelayed records one UDP packet relayed over the given mode
// ("reliable" or "unreliable").
func (m *Metrics) RecordUDPPacketRelayed(mode string) {
	m.UDPPacketsRelayed.WithLabelValues(mode).Inc()
}

// RecordHeartbeatSent records a heartbeat command send attempt's outcome.
func (m *Metrics) RecordHeartbeatSent(err error) {
	if err != nil {
		m.HeartbeatsFailed.Inc()
		return
	}
	m.HeartbeatsSent.Inc()
}

// RecordSOCKS5Connect records a new SOCKS5 front-end connection.
func (m *Metrics) RecordSOCKS5Connect() {
	m.SOCKS5ConnectionsActive.Inc()
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordSOCKS5Disconnect records a SOCKS5 front-end connection closing.
func (m *Metrics) RecordSOCKS5Disconnect() {
	m.SOCKS5ConnectionsActive.Dec()
}

// RecordSOCKS5AuthFailure records a SOCKS5 front-end authentication failure.
func (m *Metrics) RecordSOCKS5AuthFailure() {
	m.SOCKS5AuthFailures.Inc()
}
