package p2p

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRecoveryInterval = 30 * time.Second
	defaultMinTargetPeers   = 3
	defaultMaxTargetPeers   = 8
	defaultRecoveryPacing   = 200 * time.Millisecond
)

// PeerDialer opens and registers an outbound connection, returning what the
// remote advertised during the handshake.
type PeerDialer interface {
	DialPeer(ctx context.Context, addr string) (HandshakeInfo, error)
}

// RecoveryConfig tunes the recovery loop.
type RecoveryConfig struct {
	Interval       time.Duration
	MinTargetPeers int
	MaxTargetPeers int
	// Pacing spaces dial attempts; zero uses 200 ms and a negative value disables it.
	Pacing      time.Duration
	DialTimeout time.Duration
	MinHealth   int
	DialLog     *DialLog
	Logger      *slog.Logger
	Now         func() time.Time
}

// TickReport summarises one recovery pass.
type TickReport struct {
	Decayed   int
	Connected int
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	Isolated  bool
}

// RecoveryLoop keeps the node above its minimum peer count by redialling the
// best known peers. It runs until its context ends and never gives up.
type RecoveryLoop struct {
	store      *PeerStore
	conns      *ConnectionSet
	tracker    *FailureTracker
	reputation *ReputationEngine
	dialer     PeerDialer
	pacer      *rate.Limiter
	cfg        RecoveryConfig
	logger     *slog.Logger
	metrics    *networkMetrics
}

// NewRecoveryLoop wires the loop. tracker and reputation may be nil.
func NewRecoveryLoop(store *PeerStore, conns *ConnectionSet, tracker *FailureTracker, reputation *ReputationEngine, dialer PeerDialer, cfg RecoveryConfig) *RecoveryLoop {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRecoveryInterval
	}
	if cfg.MinTargetPeers <= 0 {
		cfg.MinTargetPeers = defaultMinTargetPeers
	}
	if cfg.MaxTargetPeers < cfg.MinTargetPeers {
		cfg.MaxTargetPeers = defaultMaxTargetPeers
		if cfg.MaxTargetPeers < cfg.MinTargetPeers {
			cfg.MaxTargetPeers = cfg.MinTargetPeers
		}
	}
	if cfg.Pacing == 0 {
		cfg.Pacing = defaultRecoveryPacing
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if tracker == nil {
		tracker = NewFailureTracker(0, 0)
	}
	return &RecoveryLoop{
		store:      store,
		conns:      conns,
		tracker:    tracker,
		reputation: reputation,
		dialer:     dialer,
		pacer:      newPacer(cfg.Pacing),
		cfg:        cfg,
		logger:     cfg.Logger.With(slog.String("component", "recovery")),
		metrics:    newNetworkMetrics(),
	}
}

// Tracker exposes the loop's failure tracker.
func (l *RecoveryLoop) Tracker() *FailureTracker {
	return l.tracker
}

// Run ticks on the configured interval until ctx ends.
func (l *RecoveryLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one recovery pass: decay fail counts, then dial the best
// candidates while below the minimum target, stopping at the maximum.
// Candidates are ranked by reputation tier, then health.
func (l *RecoveryLoop) Tick(ctx context.Context) TickReport {
	var report TickReport
	now := l.cfg.Now()

	decayed, err := l.store.DecayFailCounts()
	if err != nil {
		l.logger.Warn("decay fail counts", slog.Any("error", err))
	}
	report.Decayed = decayed
	l.tracker.Cleanup(now)

	report.Connected = l.conns.Count()
	if report.Connected >= l.cfg.MinTargetPeers {
		return report
	}

	candidates := l.store.BestPeers(-1, l.cfg.MinHealth)
	l.reputation.Rank(candidates)
	if limit := 2 * l.cfg.MaxTargetPeers; len(candidates) > limit {
		candidates = candidates[:limit]
	}
	if len(candidates) == 0 && report.Connected == 0 {
		report.Isolated = true
		l.logger.Warn("node isolated: no connections and no candidates")
		return report
	}

	for _, peer := range candidates {
		if ctx.Err() != nil || report.Connected >= l.cfg.MaxTargetPeers {
			break
		}
		if l.conns.Has(peer.NodeID) || l.tracker.ShouldSkip(peer.NodeID, l.cfg.Now()) || peer.IP == "" {
			report.Skipped++
			continue
		}
		if err := l.pacer.Wait(ctx); err != nil {
			break
		}
		report.Attempted++
		if l.dial(ctx, peer) {
			report.Succeeded++
			report.Connected = l.conns.Count()
		} else {
			report.Failed++
		}
	}

	if report.Connected == 0 {
		report.Isolated = true
		l.logger.Warn("node isolated after recovery pass",
			slog.Int("attempted", report.Attempted),
			slog.Int("failed", report.Failed))
	} else if report.Attempted > 0 {
		l.logger.Info("recovery pass complete",
			slog.Int("connected", report.Connected),
			slog.Int("attempted", report.Attempted),
			slog.Int("succeeded", report.Succeeded))
	}
	return report
}

func (l *RecoveryLoop) dial(ctx context.Context, peer Peer) bool {
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
	info, err := l.dialer.DialPeer(dialCtx, peer.Addr())
	cancel()
	now := l.cfg.Now()
	if err != nil {
		l.tracker.RecordFailure(peer.NodeID, now)
		if _, storeErr := l.store.MarkFailure(peer.NodeID, now); storeErr != nil && !errors.Is(storeErr, ErrPeerUnknown) {
			l.logger.Debug("record dial failure", slog.String("node_id", peer.NodeID), slog.Any("error", storeErr))
		}
		l.reputation.RecordTimeout(peer.NodeID)
		l.metrics.recordDial("recovery", "failure")
		l.cfg.DialLog.Record(peer.Addr(), "recovery", err, now)
		l.logger.Debug("recovery dial failed", slog.String("node_id", peer.NodeID), slog.Any("error", err))
		return false
	}
	if info.NodeID == "" {
		info.NodeID = peer.NodeID
	}
	if _, err := l.store.UpdateFromHandshake(info, now); err != nil {
		l.logger.Debug("record handshake", slog.String("node_id", info.NodeID), slog.Any("error", err))
	}
	l.tracker.Reset(peer.NodeID)
	l.reputation.RecordHandshakeSuccess(info.NodeID, info.RTT)
	l.metrics.recordDial("recovery", "success")
	return true
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
