package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"swarmnode/storage"
)

const (
	MinReputationScore     = -1000
	MaxReputationScore     = 1000
	DefaultReputationScore = 100
	AnchorMinScore         = 750

	anchorMaxLatencyMs  = 150
	defaultAvgLatencyMs = 150

	scoreHandshakeSuccess = 10
	scoreFastResponse     = 5
	scoreSyncedHeight     = 5
	scoreValidMessage     = 2
	scoreTimeout          = -15
	scoreInvalidMessage   = -10
	scoreStaleHeight      = -8
	scoreDisconnect       = -5

	fastResponseThreshold = 100 * time.Millisecond
	syncedHeightTolerance = 2
	staleHeightThreshold  = 10

	reputationKeyPrefix = "rep:"
)

// ReputationTier is derived from the score and never set directly.
type ReputationTier uint8

const (
	TierPoor ReputationTier = iota
	TierFair
	TierGood
	TierExcellent
	TierElite
)

func (t ReputationTier) String() string {
	switch t {
	case TierElite:
		return "elite"
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	default:
		return "poor"
	}
}

// TierForScore maps a score onto its tier.
func TierForScore(score int) ReputationTier {
	switch {
	case score >= 800:
		return TierElite
	case score >= 500:
		return TierExcellent
	case score >= 200:
		return TierGood
	case score >= 0:
		return TierFair
	default:
		return TierPoor
	}
}

// PriorityWeight maps the tier onto a relative dial priority.
func (t ReputationTier) PriorityWeight() int {
	switch t {
	case TierElite:
		return 1000
	case TierExcellent:
		return 500
	case TierGood:
		return 200
	case TierFair:
		return 50
	default:
		return 1
	}
}

// RoutingBonus is the tier's adjustment to a routing score. It stays inside
// [-25, +15] so a ring never overtakes the one closer to it.
func (t ReputationTier) RoutingBonus() float64 {
	switch t {
	case TierElite:
		return 15
	case TierExcellent:
		return 8
	case TierGood:
		return 3
	case TierFair:
		return 0
	default:
		return -25
	}
}

// ReputationRecord is the observed behaviour of one peer.
type ReputationRecord struct {
	NodeID               string         `json:"nodeId"`
	Score                int            `json:"score"`
	Tier                 ReputationTier `json:"tier"`
	AvgLatencyMs         uint32         `json:"avgLatencyMs"`
	LastHeight           uint64         `json:"lastHeight"`
	ValidMessages        uint64         `json:"validMessages"`
	InvalidMessages      uint64         `json:"invalidMessages"`
	SuccessfulHandshakes uint64         `json:"successfulHandshakes"`
	TimeoutCount         uint64         `json:"timeoutCount"`
	IsAnchorCandidate    bool           `json:"isAnchorCandidate"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

func newReputationRecord(id string, now time.Time) *ReputationRecord {
	rec := &ReputationRecord{
		NodeID:       id,
		Score:        DefaultReputationScore,
		AvgLatencyMs: defaultAvgLatencyMs,
		UpdatedAt:    now,
	}
	rec.recompute()
	return rec
}

// adjust applies delta, clamps the score and refreshes every derived field.
func (r *ReputationRecord) adjust(delta int) {
	score := r.Score + delta
	if score > MaxReputationScore {
		score = MaxReputationScore
	}
	if score < MinReputationScore {
		score = MinReputationScore
	}
	r.Score = score
	r.recompute()
}

func (r *ReputationRecord) recompute() {
	r.Tier = TierForScore(r.Score)
	r.IsAnchorCandidate = r.Score >= AnchorMinScore && r.AvgLatencyMs < anchorMaxLatencyMs
}

func (r *ReputationRecord) observeLatency(ms uint32) {
	r.AvgLatencyMs = uint32(float64(r.AvgLatencyMs)*(1-latencyAlpha) + float64(ms)*latencyAlpha)
	r.recompute()
}

// ReputationConfig wires the engine's collaborators.
type ReputationConfig struct {
	// Store persists snapshots across restarts when set.
	Store  storage.KV
	Logger *slog.Logger
	Now    func() time.Time
}

// ReputationEngine keeps per-peer scores. It only biases selection; it never
// rejects a peer at the connection layer.
type ReputationEngine struct {
	db      storage.KV
	logger  *slog.Logger
	now     func() time.Time
	metrics *networkMetrics

	mu      sync.Mutex
	records map[string]*ReputationRecord
}

// NewReputationEngine returns an empty engine.
func NewReputationEngine(cfg ReputationConfig) *ReputationEngine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ReputationEngine{
		db:      cfg.Store,
		logger:  cfg.Logger.With(slog.String("component", "reputation")),
		now:     cfg.Now,
		metrics: newNetworkMetrics(),
		records: make(map[string]*ReputationRecord),
	}
}

// RecordHandshakeSuccess rewards a completed handshake, with a bonus for fast responders.
func (e *ReputationEngine) RecordHandshakeSuccess(id string, latency time.Duration) ReputationRecord {
	return e.update(id, func(rec *ReputationRecord) {
		rec.SuccessfulHandshakes++
		rec.adjust(scoreHandshakeSuccess)
		if latency > 0 && latency < fastResponseThreshold {
			rec.adjust(scoreFastResponse)
		}
		if latency > 0 {
			rec.observeLatency(uint32(latency / time.Millisecond))
		}
	})
}

// RecordSyncedHeight compares a peer's advertised height with ours.
func (e *ReputationEngine) RecordSyncedHeight(id string, height, ourHeight uint64) ReputationRecord {
	return e.update(id, func(rec *ReputationRecord) {
		rec.LastHeight = height
		var diff uint64
		if height > ourHeight {
			diff = height - ourHeight
		} else {
			diff = ourHeight - height
		}
		switch {
		case diff <= syncedHeightTolerance:
			rec.adjust(scoreSyncedHeight)
		case diff > staleHeightThreshold:
			rec.adjust(scoreStaleHeight)
		}
	})
}

// RecordValidMessage rewards a well-formed useful message.
func (e *ReputationEngine) RecordValidMessage(id string) ReputationRecord {
	return e.update(id, func(rec *ReputationRecord) {
		rec.ValidMessages++
		rec.adjust(scoreValidMessage)
	})
}

// RecordInvalidMessage penalises a malformed or invalid message.
func (e *ReputationEngine) RecordInvalidMessage(id string) ReputationRecord {
	if e == nil {
		return ReputationRecord{}
	}
	rec := e.update(id, func(rec *ReputationRecord) {
		rec.InvalidMessages++
		rec.adjust(scoreInvalidMessage)
	})
	e.logger.Warn("peer sent invalid message",
		slog.String("node_id", id),
		slog.Int("score", rec.Score),
		slog.String("tier", rec.Tier.String()))
	return rec
}

// RecordTimeout penalises a request or dial that timed out.
func (e *ReputationEngine) RecordTimeout(id string) ReputationRecord {
	return e.update(id, func(rec *ReputationRecord) {
		rec.TimeoutCount++
		rec.adjust(scoreTimeout)
	})
}

// RecordDisconnect applies the disconnect penalty.
func (e *ReputationEngine) RecordDisconnect(id string) ReputationRecord {
	return e.update(id, func(rec *ReputationRecord) {
		rec.adjust(scoreDisconnect)
	})
}

// Get returns the record for id.
func (e *ReputationEngine) Get(id string) (ReputationRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.records[id]
	if rec == nil {
		return ReputationRecord{}, false
	}
	return *rec, true
}

// Weight returns the dial priority for id; unknown peers weigh as a fresh record.
func (e *ReputationEngine) Weight(id string) int {
	if e == nil {
		return TierForScore(DefaultReputationScore).PriorityWeight()
	}
	if rec, ok := e.Get(id); ok {
		return rec.Tier.PriorityWeight()
	}
	return TierForScore(DefaultReputationScore).PriorityWeight()
}

// Tier returns the current tier for id; unknown peers rank as a fresh record.
func (e *ReputationEngine) Tier(id string) ReputationTier {
	if e != nil {
		if rec, ok := e.Get(id); ok {
			return rec.Tier
		}
	}
	return TierForScore(DefaultReputationScore)
}

// Rank stably reorders peers by dial priority, highest first. Peers in the
// same tier keep their incoming order.
func (e *ReputationEngine) Rank(peers []Peer) {
	weights := make(map[string]int, len(peers))
	for _, p := range peers {
		weights[p.NodeID] = e.Weight(p.NodeID)
	}
	sort.SliceStable(peers, func(i, j int) bool {
		return weights[peers[i].NodeID] > weights[peers[j].NodeID]
	})
}

// AnchorCandidates returns the node IDs currently eligible for anchor duty.
func (e *ReputationEngine) AnchorCandidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0)
	for id, rec := range e.records {
		if rec.IsAnchorCandidate {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every record.
func (e *ReputationEngine) Snapshot() map[string]ReputationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ReputationRecord, len(e.records))
	for id, rec := range e.records {
		out[id] = *rec
	}
	return out
}

// Forget drops the record and its metric series.
func (e *ReputationEngine) Forget(id string) {
	e.mu.Lock()
	delete(e.records, id)
	e.mu.Unlock()
	e.metrics.removePeer(id)
}

// Save persists every record to the configured store.
func (e *ReputationEngine) Save() error {
	if e.db == nil {
		return nil
	}
	snapshot := e.Snapshot()
	var errs []error
	for id, rec := range snapshot {
		blob, err := json.Marshal(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode reputation %s: %w", id, err))
			continue
		}
		if err := e.db.Put([]byte(reputationKeyPrefix+id), blob); err != nil {
			errs = append(errs, fmt.Errorf("persist reputation %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Load restores records persisted by Save. Derived fields are recomputed from the score.
func (e *ReputationEngine) Load() error {
	if e.db == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var decodeErr error
	err := e.db.Iterate([]byte(reputationKeyPrefix), func(key, value []byte) bool {
		var rec ReputationRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			decodeErr = fmt.Errorf("decode reputation %s: %w", key, err)
			return false
		}
		rec.adjust(0)
		e.records[rec.NodeID] = &rec
		return true
	})
	if err != nil {
		return err
	}
	return decodeErr
}

func (e *ReputationEngine) update(id string, fn func(*ReputationRecord)) ReputationRecord {
	if e == nil || id == "" {
		return ReputationRecord{}
	}
	now := e.now()
	e.mu.Lock()
	rec := e.records[id]
	if rec == nil {
		rec = newReputationRecord(id, now)
		e.records[id] = rec
	}
	before := rec.Tier
	fn(rec)
	rec.UpdatedAt = now
	out := *rec
	e.mu.Unlock()

	if out.Tier != before {
		e.logger.Info("peer tier changed",
			slog.String("node_id", id),
			slog.String("from", before.String()),
			slog.String("to", out.Tier.String()))
	}
	e.metrics.observeReputation(id, out)
	return out
}
