package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "swarmnode/p2p"

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	knownPeers   prometheus.Gauge
	livePeers    prometheus.Gauge
	orphans      prometheus.Gauge
	ringPeers    *prometheus.GaugeVec
	peerScore    *prometheus.GaugeVec
	peerLatency  *prometheus.GaugeVec
	syncWindow   *prometheus.GaugeVec
	dials        *prometheus.CounterVec
	reachChecks  *prometheus.CounterVec
	inventory    *prometheus.CounterVec
	messages     *prometheus.CounterVec
	bootstrapRun *prometheus.CounterVec

	meter            metric.Meter
	dialCounter      metric.Int64Counter
	inventoryCounter metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "swarm_p2p_known_peers",
				Help: "Peers held in the peer store.",
			}),
			livePeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "swarm_p2p_live_peers",
				Help: "Peers with an established connection.",
			}),
			orphans: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "swarm_p2p_orphan_blocks",
				Help: "Blocks buffered while waiting for their parent.",
			}),
			ringPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "swarm_p2p_ring_peers",
				Help: "Recently seen peers per routing ring.",
			}, []string{"ring"}),
			peerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "swarm_p2p_peer_score",
				Help: "Reputation score per peer.",
			}, []string{"peer"}),
			peerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "swarm_p2p_peer_latency_ms",
				Help: "Latency exponential moving average per peer.",
			}, []string{"peer"}),
			syncWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "swarm_p2p_sync_window",
				Help: "Block download window per syncing peer.",
			}, []string{"peer"}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swarm_p2p_dials_total",
				Help: "Outbound connection attempts by source and result.",
			}, []string{"source", "result"}),
			reachChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swarm_p2p_reachability_checks_total",
				Help: "Reachability check outcomes by NAT type.",
			}, []string{"nat"}),
			inventory: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swarm_p2p_inventory_items_total",
				Help: "Inventory items by direction and type.",
			}, []string{"direction", "type"}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swarm_p2p_messages_total",
				Help: "Messages by direction and type.",
			}, []string{"direction", "type"}),
			bootstrapRun: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swarm_p2p_bootstrap_outcomes_total",
				Help: "Bootstrap attempts by resulting state.",
			}, []string{"state"}),
		}
		prometheus.MustRegister(nm.knownPeers, nm.livePeers, nm.orphans, nm.ringPeers, nm.peerScore,
			nm.peerLatency, nm.syncWindow, nm.dials, nm.reachChecks, nm.inventory, nm.messages, nm.bootstrapRun)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter(meterName)
	dials, err := meter.Int64Counter("swarm.p2p.dials")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter(meterName)
		dials, _ = fallback.Int64Counter("swarm.p2p.dials")
		meter = fallback
	}
	inventory, err := meter.Int64Counter("swarm.p2p.inventory")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter(meterName)
		inventory, _ = fallback.Int64Counter("swarm.p2p.inventory")
		meter = fallback
	}
	latency, err := meter.Float64Histogram("swarm.p2p.latency_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter(meterName)
		latency, _ = fallback.Float64Histogram("swarm.p2p.latency_ms")
		meter = fallback
	}
	m.meter = meter
	m.dialCounter = dials
	m.inventoryCounter = inventory
	m.latencyHistogram = latency
}

func (m *networkMetrics) setKnownPeers(n int) {
	if m == nil {
		return
	}
	m.knownPeers.Set(float64(n))
}

func (m *networkMetrics) setLivePeers(n int) {
	if m == nil {
		return
	}
	m.livePeers.Set(float64(n))
}

func (m *networkMetrics) setOrphans(n int) {
	if m == nil {
		return
	}
	m.orphans.Set(float64(n))
}

func (m *networkMetrics) observeRings(report ClusterReport) {
	if m == nil {
		return
	}
	m.ringPeers.WithLabelValues(RingInner.String()).Set(float64(report.Inner))
	m.ringPeers.WithLabelValues(RingMiddle.String()).Set(float64(report.Middle))
	m.ringPeers.WithLabelValues(RingOuter.String()).Set(float64(report.Outer))
}

func (m *networkMetrics) observeReputation(peerID string, rec ReputationRecord) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.WithLabelValues(peerID).Set(float64(rec.Score))
	m.peerLatency.WithLabelValues(peerID).Set(float64(rec.AvgLatencyMs))
	if m.latencyHistogram != nil && rec.AvgLatencyMs > 0 {
		m.latencyHistogram.Record(
			context.Background(),
			float64(rec.AvgLatencyMs),
			metric.WithAttributes(attribute.String("tier", rec.Tier.String())),
		)
	}
}

func (m *networkMetrics) observeSyncWindow(peerID string, window int) {
	if m == nil || peerID == "" {
		return
	}
	m.syncWindow.WithLabelValues(peerID).Set(float64(window))
}

func (m *networkMetrics) recordDial(source, result string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.dials.WithLabelValues(source, result).Inc()
	if m.dialCounter != nil {
		m.dialCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(
				attribute.String("source", source),
				attribute.String("result", result),
			),
		)
	}
}

func (m *networkMetrics) recordReachability(nat NATType) {
	if m == nil {
		return
	}
	m.reachChecks.WithLabelValues(nat.String()).Inc()
}

func (m *networkMetrics) recordInventory(direction string, t InvType, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.inventory.WithLabelValues(direction, t.String()).Add(float64(n))
	if m.inventoryCounter != nil {
		m.inventoryCounter.Add(
			context.Background(),
			int64(n),
			metric.WithAttributes(
				attribute.String("direction", direction),
				attribute.String("type", t.String()),
			),
		)
	}
}

func (m *networkMetrics) recordMessage(direction string, msgType byte) {
	if m == nil {
		return
	}
	if direction == "" {
		direction = "unknown"
	}
	m.messages.WithLabelValues(direction, msgTypeLabel(msgType)).Inc()
}

func (m *networkMetrics) recordBootstrap(state string) {
	if m == nil {
		return
	}
	m.bootstrapRun.WithLabelValues(state).Inc()
}

func (m *networkMetrics) removePeer(peerID string) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.DeleteLabelValues(peerID)
	m.peerLatency.DeleteLabelValues(peerID)
	m.syncWindow.DeleteLabelValues(peerID)
}
