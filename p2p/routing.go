package p2p

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	defaultRTTMs      = 200
	innerRingMaxRTTMs = 100

	innerRingShare  = 60
	middleRingShare = 25
	outerRingShare  = 15

	defaultClusterBalanceInterval = 30 * time.Second
	clusterRecentWindow           = 24 * time.Hour
)

// PeerRing is a coarse locality class. It is a view recomputed on demand and
// never persisted.
type PeerRing uint8

const (
	RingInner PeerRing = iota
	RingMiddle
	RingOuter
)

func (r PeerRing) String() string {
	switch r {
	case RingInner:
		return "inner"
	case RingMiddle:
		return "middle"
	default:
		return "outer"
	}
}

func sameRegion(peerRegion, localRegion string) bool {
	if localRegion == "" || peerRegion == "" {
		return false
	}
	return strings.HasPrefix(peerRegion, localRegion)
}

// ClassifyPeer assigns a ring from region match and smoothed RTT. Unknown
// RTT counts as defaultRTTMs.
func ClassifyPeer(p Peer, localRegion string) PeerRing {
	if !sameRegion(p.Region, localRegion) {
		return RingOuter
	}
	if p.RTTOrDefault() <= innerRingMaxRTTMs {
		return RingInner
	}
	return RingMiddle
}

// RoutingScore orders peers for relay and backbone selection. Closer rings
// and lower latency always score higher; it is never persisted.
func RoutingScore(p Peer, localRegion string) float64 {
	var score float64
	switch ClassifyPeer(p, localRegion) {
	case RingInner:
		score = 300
	case RingMiddle:
		score = 200
	default:
		score = 100
	}
	latency := (300 - float64(p.RTTOrDefault())) / 10
	if latency > 0 {
		score += latency
	}
	switch p.Role {
	case RoleGuardian:
		score += 20
	case RoleAnchor:
		score += 10
		if p.ReachabilityTested {
			if p.PublicReachable {
				score += 5
			} else {
				score -= 15
			}
		}
	}
	return score
}

// WeightedRoutingScore adds the peer's reputation tier bonus to RoutingScore.
// The bonus is bounded so ring order is preserved.
func WeightedRoutingScore(p Peer, localRegion string, tier ReputationTier) float64 {
	return RoutingScore(p, localRegion) + tier.RoutingBonus()
}

// RingTargets is the desired number of connected peers per ring.
type RingTargets struct {
	Inner  int
	Middle int
	Outer  int
}

// DefaultRingTargets is the advisory ring occupancy goal.
var DefaultRingTargets = RingTargets{Inner: 8, Middle: 6, Outer: 4}

// ClusterReport is one cluster-balance observation.
type ClusterReport struct {
	Inner   int
	Middle  int
	Outer   int
	Targets RingTargets
}

// Deficits returns how many peers each ring is short of its target.
func (r ClusterReport) Deficits() RingTargets {
	deficit := func(have, want int) int {
		if have >= want {
			return 0
		}
		return want - have
	}
	return RingTargets{
		Inner:  deficit(r.Inner, r.Targets.Inner),
		Middle: deficit(r.Middle, r.Targets.Middle),
		Outer:  deficit(r.Outer, r.Targets.Outer),
	}
}

// ClassifierConfig tunes the routing classifier.
type ClassifierConfig struct {
	LocalRegion string
	Targets     RingTargets
	Interval    time.Duration
	// Filter narrows the candidate set, e.g. to peers with a live connection.
	Filter func(Peer) bool
	// Reputation biases ordering within a ring. Nil ranks every peer as Fair.
	Reputation *ReputationEngine
	Logger *slog.Logger
	Now    func() time.Time
}

// Classifier partitions the peer store into rings and picks fan-out targets.
type Classifier struct {
	store   *PeerStore
	cfg     ClassifierConfig
	logger  *slog.Logger
	metrics *networkMetrics
}

// NewClassifier returns a classifier reading from store.
func NewClassifier(store *PeerStore, cfg ClassifierConfig) *Classifier {
	if cfg.Targets == (RingTargets{}) {
		cfg.Targets = DefaultRingTargets
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultClusterBalanceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Classifier{
		store:   store,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "routing")),
		metrics: newNetworkMetrics(),
	}
}

// LocalRegion returns the configured local region tag.
func (c *Classifier) LocalRegion() string {
	return c.cfg.LocalRegion
}

func (c *Classifier) candidates() []Peer {
	peers := c.store.Candidates()
	if c.cfg.Filter == nil {
		return peers
	}
	out := peers[:0]
	for _, p := range peers {
		if c.cfg.Filter(p) {
			out = append(out, p)
		}
	}
	return out
}

func (c *Classifier) sortByRoutingScore(peers []Peer, localRegion string) {
	scores := make(map[string]float64, len(peers))
	for _, p := range peers {
		scores[p.NodeID] = WeightedRoutingScore(p, localRegion, c.cfg.Reputation.Tier(p.NodeID))
	}
	sort.SliceStable(peers, func(i, j int) bool {
		si, sj := scores[peers[i].NodeID], scores[peers[j].NodeID]
		if si != sj {
			return si > sj
		}
		return peers[i].NodeID < peers[j].NodeID
	})
}

func ringQuota(maxTotal, share int) int {
	quota := maxTotal * share / 100
	if quota < 1 {
		quota = 1
	}
	return quota
}

// SelectRelayTargets splits maxTotal across Inner/Middle/Outer by 60/25/15 so
// some fan-out is always reserved for distant peers. Each ring contributes at
// most what it holds.
func (c *Classifier) SelectRelayTargets(localRegion string, maxTotal int) []Peer {
	if maxTotal <= 0 {
		return nil
	}
	var inner, middle, outer []Peer
	for _, p := range c.candidates() {
		switch ClassifyPeer(p, localRegion) {
		case RingInner:
			inner = append(inner, p)
		case RingMiddle:
			middle = append(middle, p)
		default:
			outer = append(outer, p)
		}
	}

	take := func(ring []Peer, share int) []Peer {
		if len(ring) == 0 {
			return nil
		}
		c.sortByRoutingScore(ring, localRegion)
		quota := ringQuota(maxTotal, share)
		if quota > len(ring) {
			quota = len(ring)
		}
		return ring[:quota]
	}

	targets := make([]Peer, 0, maxTotal)
	targets = append(targets, take(inner, innerRingShare)...)
	targets = append(targets, take(middle, middleRingShare)...)
	targets = append(targets, take(outer, outerRingShare)...)
	if len(targets) > maxTotal {
		targets = targets[:maxTotal]
	}
	return targets
}

// SelectBackbonePeers returns the best guardian and anchor peers.
func (c *Classifier) SelectBackbonePeers(max int) []Peer {
	if max <= 0 {
		return nil
	}
	var backbone []Peer
	for _, p := range c.candidates() {
		if p.Role.IsBackbone() {
			backbone = append(backbone, p)
		}
	}
	c.sortByRoutingScore(backbone, c.cfg.LocalRegion)
	if len(backbone) > max {
		backbone = backbone[:max]
	}
	return backbone
}

// ClusterBalance counts recently seen peers per ring.
func (c *Classifier) ClusterBalance() ClusterReport {
	report := ClusterReport{Targets: c.cfg.Targets}
	since := c.cfg.Now().Add(-clusterRecentWindow)
	for _, p := range c.store.SeenSince(since) {
		if c.cfg.Filter != nil && !c.cfg.Filter(p) {
			continue
		}
		switch ClassifyPeer(p, c.cfg.LocalRegion) {
		case RingInner:
			report.Inner++
		case RingMiddle:
			report.Middle++
		default:
			report.Outer++
		}
	}
	return report
}

// RunClusterBalance reports ring occupancy on every interval until ctx ends.
// It is advisory: deficits are logged and exported, never acted on.
func (c *Classifier) RunClusterBalance(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.reportBalance()
		}
	}
}

func (c *Classifier) reportBalance() ClusterReport {
	report := c.ClusterBalance()
	c.metrics.observeRings(report)
	deficits := report.Deficits()
	if deficits == (RingTargets{}) {
		c.logger.Debug("ring occupancy on target",
			slog.Int("inner", report.Inner),
			slog.Int("middle", report.Middle),
			slog.Int("outer", report.Outer))
		return report
	}
	c.logger.Info("ring occupancy below target",
		slog.Int("inner", report.Inner),
		slog.Int("middle", report.Middle),
		slog.Int("outer", report.Outer),
		slog.Int("inner_deficit", deficits.Inner),
		slog.Int("middle_deficit", deficits.Middle),
		slog.Int("outer_deficit", deficits.Outer))
	return report
}
