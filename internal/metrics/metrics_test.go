package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.TCPConnectionsActive == nil {
		t.Error("TCPConnectionsActive metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestRecordTCPConnectDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordTCPConnect()
	m.RecordTCPConnect()
	m.RecordTCPDisconnect()

	active := testutil.ToFloat64(m.TCPConnectionsActive)
	if active != 1 {
		t.Errorf("TCPConnectionsActive = %v, want 1", active)
	}
	total := testutil.ToFloat64(m.TCPConnectionsTotal)
	if total != 2 {
		t.Errorf("TCPConnectionsTotal = %v, want 2", total)
	}
}

func TestRecordTCPHandshakeError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordTCPHandshakeError("protocol_violation")
	m.RecordTCPHandshakeError("protocol_violation")
	m.RecordTCPHandshakeError("timeout")

	pv := testutil.ToFloat64(m.TCPHandshakeErrors.WithLabelValues("protocol_violation"))
	if pv != 2 {
		t.Errorf("TCPHandshakeErrors[protocol_violation] = %v, want 2", pv)
	}
	to := testutil.ToFloat64(m.TCPHandshakeErrors.WithLabelValues("timeout"))
	if to != 1 {
		t.Errorf("TCPHandshakeErrors[timeout] = %v, want 1", to)
	}
}

func TestRecordUDPPeerLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUDPPeerCreated()
	m.RecordUDPPeerCreated()
	m.RecordUDPPeerEvicted()

	active := testutil.ToFloat64(m.UDPPeersActive)
	if active != 1 {
		t.Errorf("UDPPeersActive = %v, want 1", active)
	}
	total := testutil.ToFloat64(m.UDPPeersTotal)
	if total != 2 {
		t.Errorf("UDPPeersTotal = %v, want 2", total)
	}
}

func TestRecordUDPPackets(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUDPPacketSent()
	m.RecordUDPPacketSent()
	m.RecordUDPPacketReceived()

	sent := testutil.ToFloat64(m.UDPPacketsSent)
	if sent != 2 {
		t.Errorf("UDPPacketsSent = %v, want 2", sent)
	}
	recv := testutil.ToFloat64(m.UDPPacketsRecv)
	if recv != 1 {
		t.Errorf("UDPPacketsRecv = %v, want 1", recv)
	}
}

func TestRecordBytesTransfer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesSent("upstream", 1000)
	m.RecordBytesSent("upstream", 500)
	m.RecordBytesSent("direct", 100)
	m.RecordBytesReceived("upstream", 2000)

	upstreamSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("upstream"))
	if upstreamSent != 1500 {
		t.Errorf("BytesSent[upstream] = %v, want 1500", upstreamSent)
	}
	directSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("direct"))
	if directSent != 100 {
		t.Errorf("BytesSent[direct] = %v, want 100", directSent)
	}
	upstreamRecv := testutil.ToFloat64(m.BytesReceived.WithLabelValues("upstream"))
	if upstreamRecv != 2000 {
		t.Errorf("BytesReceived[upstream] = %v, want 2000", upstreamRecv)
	}
}

func TestRecordCipherErrorsAndReplays(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCipherError("open_tcp")
	m.RecordCipherError("open_tcp")
	m.RecordCipherError("open_udp")
	m.RecordNonceReplayRejected()
	m.RecordNonceReplayRejected()

	openTCP := testutil.ToFloat64(m.CipherErrors.WithLabelValues("open_tcp"))
	if openTCP != 2 {
		t.Errorf("CipherErrors[open_tcp] = %v, want 2", openTCP)
	}
	replays := testutil.ToFloat64(m.NonceReplaysRejected)
	if replays != 2 {
		t.Errorf("NonceReplaysRejected = %v, want 2", replays)
	}
}

func TestRecordBypassDecisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBypassDecision("direct")
	m.RecordBypassDecision("direct")
	m.RecordBypassDecision("proxied")

	direct := testutil.ToFloat64(m.BypassDecisions.WithLabelValues("direct"))
	if direct != 2 {
		t.Errorf("BypassDecisions[direct] = %v, want 2", direct)
	}
	proxied := testutil.ToFloat64(m.BypassDecisions.WithLabelValues("proxied"))
	if proxied != 1 {
		t.Errorf("BypassDecisions[proxied] = %v, want 1", proxied)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
