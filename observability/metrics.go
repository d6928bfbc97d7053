package observability

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "fastp2p/p2p"

// P2PMetrics exposes overlay counters to Prometheus and mirrors the hot-path
// counters onto the global OpenTelemetry meter.
type P2PMetrics struct {
	peers        prometheus.Gauge
	dials        *prometheus.CounterVec
	closes       *prometheus.CounterVec
	messages     *prometheus.CounterVec
	frameErrors  prometheus.Counter
	rpcOutcomes  *prometheus.CounterVec
	rpcPending   prometheus.Gauge
	gossip       *prometheus.CounterVec
	bookKnown    prometheus.Gauge
	bookBanned   prometheus.Gauge
	storeErrors  *prometheus.CounterVec
	acceptDenied prometheus.Counter

	dialCounter    metric.Int64Counter
	messageCounter metric.Int64Counter
}

var (
	p2pMetricsOnce sync.Once
	p2pRegistry    *P2PMetrics
)

// P2P returns the lazily-initialised overlay metrics registry.
func P2P() *P2PMetrics {
	p2pMetricsOnce.Do(func() {
		m := &P2PMetrics{
			peers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fastp2p",
				Subsystem: "node",
				Name:      "connected_peers",
				Help:      "Number of identified peers in the connection registry.",
			}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fastp2p",
				Subsystem: "node",
				Name:      "dials_total",
				Help:      "Outbound dial attempts segmented by result.",
			}, []string{"result"}),
			closes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fastp2p",
				Subsystem: "node",
				Name:      "connections_closed_total",
				Help:      "Closed connections segmented by close reason.",
			}, []string{"reason"}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fastp2p",
				Subsystem: "node",
				Name:      "messages_total",
				Help:      "Envelopes moved over connections segmented by direction and protocol.",
			}, []string{"direction", "protocol"}),
			frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fastp2p",
				Subsystem: "node",
				Name:      "frame_errors_total",
				Help:      "Frames that could not be decoded.",
			}),
			rpcOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fastp2p",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "RPC requests segmented by side and outcome.",
			}, []string{"side", "outcome"}),
			rpcPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fastp2p",
				Subsystem: "rpc",
				Name:      "pending_requests",
				Help:      "Outstanding requests awaiting a response.",
			}),
			gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fastp2p",
				Subsystem: "gossip",
				Name:      "messages_total",
				Help:      "Gossip events segmented by kind.",
			}, []string{"kind"}),
			bookKnown: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fastp2p",
				Subsystem: "peerbook",
				Name:      "known_peers",
				Help:      "Entries held by the peer book.",
			}),
			bookBanned: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fastp2p",
				Subsystem: "peerbook",
				Name:      "banned_peers",
				Help:      "Entries currently serving a ban.",
			}),
			storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fastp2p",
				Subsystem: "peerbook",
				Name:      "store_errors_total",
				Help:      "Failed peer store writes segmented by operation.",
			}, []string{"op"}),
			acceptDenied: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fastp2p",
				Subsystem: "node",
				Name:      "accepts_denied_total",
				Help:      "Inbound sockets refused by admission control.",
			}),
		}
		prometheus.MustRegister(
			m.peers, m.dials, m.closes, m.messages, m.frameErrors,
			m.rpcOutcomes, m.rpcPending, m.gossip,
			m.bookKnown, m.bookBanned, m.storeErrors, m.acceptDenied,
		)
		m.initMeter()
		p2pRegistry = m
	})
	return p2pRegistry
}

func (m *P2PMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter(meterName)
	dials, err := meter.Int64Counter("fastp2p.node.dials")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(meterName)
		dials, _ = meter.Int64Counter("fastp2p.node.dials")
	}
	messages, err := meter.Int64Counter("fastp2p.node.messages")
	if err != nil {
		messages, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter("fastp2p.node.messages")
	}
	m.dialCounter = dials
	m.messageCounter = messages
}

// SetConnectedPeers records the registry size.
func (m *P2PMetrics) SetConnectedPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

// RecordDial counts a dial outcome such as "success", "failure" or "rejected".
func (m *P2PMetrics) RecordDial(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
	if m.dialCounter != nil {
		m.dialCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// RecordClose counts a connection close by reason.
func (m *P2PMetrics) RecordClose(reason string) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(reason).Inc()
}

// RecordMessage counts an envelope sent ("out") or received ("in").
func (m *P2PMetrics) RecordMessage(direction, protocol string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, protocol).Inc()
	if m.messageCounter != nil {
		m.messageCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("protocol", protocol),
		))
	}
}

// RecordFrameError counts a frame or envelope that failed to decode.
func (m *P2PMetrics) RecordFrameError() {
	if m == nil {
		return
	}
	m.frameErrors.Inc()
}

// RecordAcceptDenied counts an inbound socket refused before wrapping.
func (m *P2PMetrics) RecordAcceptDenied() {
	if m == nil {
		return
	}
	m.acceptDenied.Inc()
}

// RecordRPC counts a request outcome. Side is "client" or "server".
func (m *P2PMetrics) RecordRPC(side, outcome string) {
	if m == nil {
		return
	}
	m.rpcOutcomes.WithLabelValues(side, outcome).Inc()
}

// SetPendingRequests records the size of the pending request table.
func (m *P2PMetrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.rpcPending.Set(float64(n))
}

// RecordGossip counts a gossip event: published, forwarded, delivered or duplicate.
func (m *P2PMetrics) RecordGossip(kind string) {
	if m == nil {
		return
	}
	m.gossip.WithLabelValues(kind).Inc()
}

// SetPeerBook records peer book occupancy.
func (m *P2PMetrics) SetPeerBook(known, banned int) {
	if m == nil {
		return
	}
	m.bookKnown.Set(float64(known))
	m.bookBanned.Set(float64(banned))
}

// RecordStoreError counts a failed background store write.
func (m *P2PMetrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
