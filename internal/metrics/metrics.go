// Package metrics provides Prometheus metrics for ss-local.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ss_local"

// Metrics contains all Prometheus metrics exposed by the proxy.
type Metrics struct {
	// TCP relay
	TCPConnectionsActive prometheus.Gauge
	TCPConnectionsTotal  prometheus.Counter
	TCPHandshakeErrors   *prometheus.CounterVec
	TCPConnectLatency    prometheus.Histogram

	// UDP relay
	UDPPeersActive prometheus.Gauge
	UDPPeersTotal  prometheus.Counter
	UDPPacketsSent prometheus.Counter
	UDPPacketsRecv prometheus.Counter

	// Data transfer, labeled by direction (upstream/direct)
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec

	// Cipher/nonce-cache
	CipherErrors         *prometheus.CounterVec
	NonceReplaysRejected prometheus.Counter

	// ACL routing decisions
	BypassDecisions *prometheus.CounterVec

	// Goroutine panics recovered, by the name passed to recovery.RecoverWithLog/RecoverWithCallback
	PanicsRecovered *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, useful in tests to avoid double-registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TCPConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_connections_active",
			Help:      "Number of currently active TCP relay connections",
		}),
		TCPConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_connections_total",
			Help:      "Total number of TCP relay connections accepted",
		}),
		TCPHandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_handshake_errors_total",
			Help:      "Total SOCKS5 handshake/connect errors by kind",
		}, []string{"kind"}),
		TCPConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tcp_connect_latency_seconds",
			Help:      "Histogram of upstream dial latency in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		UDPPeersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_peers_active",
			Help:      "Number of currently tracked UDP NAT peer entries",
		}),
		UDPPeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_peers_total",
			Help:      "Total number of UDP peer entries created",
		}),
		UDPPacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_sent_total",
			Help:      "Total UDP datagrams sent upstream",
		}),
		UDPPacketsRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_received_total",
			Help:      "Total UDP datagrams received from upstream",
		}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent, labeled by direction",
		}, []string{"direction"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received, labeled by direction",
		}, []string{"direction"}),

		CipherErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cipher_errors_total",
			Help:      "Total AEAD open/seal failures by stage",
		}, []string{"stage"}),
		NonceReplaysRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_replays_rejected_total",
			Help:      "Total salts rejected by the nonce-replay cache",
		}),

		BypassDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bypass_decisions_total",
			Help:      "Total ACL routing decisions by outcome",
		}, []string{"outcome"}),

		PanicsRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Total goroutine panics recovered, by goroutine name",
		}, []string{"goroutine"}),
	}
}

// RecordTCPConnect records a new TCP relay connection being accepted.
func (m *Metrics) RecordTCPConnect() {
	m.TCPConnectionsActive.Inc()
	m.TCPConnectionsTotal.Inc()
}

// RecordTCPDisconnect records a TCP relay connection tearing down.
func (m *Metrics) RecordTCPDisconnect() {
	m.TCPConnectionsActive.Dec()
}

// RecordTCPHandshakeError records a handshake/connect-stage error.
func (m *Metrics) RecordTCPHandshakeError(kind string) {
	m.TCPHandshakeErrors.WithLabelValues(kind).Inc()
}

// RecordTCPConnectLatency records the upstream dial latency.
func (m *Metrics) RecordTCPConnectLatency(latencySeconds float64) {
	m.TCPConnectLatency.Observe(latencySeconds)
}

// RecordUDPPeerCreated records a new UDP NAT peer entry.
func (m *Metrics) RecordUDPPeerCreated() {
	m.UDPPeersActive.Inc()
	m.UDPPeersTotal.Inc()
}

// RecordUDPPeerEvicted records a UDP NAT peer entry being evicted.
func (m *Metrics) RecordUDPPeerEvicted() {
	m.UDPPeersActive.Dec()
}

// RecordUDPPacketSent records a datagram relayed upstream.
func (m *Metrics) RecordUDPPacketSent() {
	m.UDPPacketsSent.Inc()
}

// RecordUDPPacketReceived records a datagram relayed back to the client.
func (m *Metrics) RecordUDPPacketReceived() {
	m.UDPPacketsRecv.Inc()
}

// RecordBytesSent records bytes sent in the given direction
// ("upstream" or "direct").
func (m *Metrics) RecordBytesSent(direction string, n int) {
	m.BytesSent.WithLabelValues(direction).Add(float64(n))
}

// RecordBytesReceived records bytes received in the given direction.
func (m *Metrics) RecordBytesReceived(direction string, n int) {
	m.BytesReceived.WithLabelValues(direction).Add(float64(n))
}

// RecordCipherError records an AEAD failure at the given stage
// ("seal_udp", "open_tcp", "open_udp").
func (m *Metrics) RecordCipherError(stage string) {
	m.CipherErrors.WithLabelValues(stage).Inc()
}

// RecordNonceReplayRejected records a rejected replayed salt.
func (m *Metrics) RecordNonceReplayRejected() {
	m.NonceReplaysRejected.Inc()
}

// RecordBypassDecision records an ACL decision outcome
// ("direct" or "proxied").
func (m *Metrics) RecordBypassDecision(outcome string) {
	m.BypassDecisions.WithLabelValues(outcome).Inc()
}

// RecordPanicRecovered records a recovered goroutine panic by name.
func (m *Metrics) RecordPanicRecovered(goroutine string) {
	m.PanicsRecovered.WithLabelValues(goroutine).Inc()
}
