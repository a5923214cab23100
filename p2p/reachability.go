package p2p

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultCheckAttempts       = 3
	defaultCheckAttemptTimeout = 5 * time.Second
	defaultCheckPacing         = 500 * time.Millisecond
	defaultReachabilityTTL     = time.Hour
	defaultCheckInterval       = 10 * time.Minute

	reachableSuccessThreshold = 2
)

// NATType is the inferred NAT behaviour of a checked peer.
type NATType uint8

const (
	NATUnknown NATType = iota
	NATOpen
	NATRestricted
	NATSymmetric
)

func (n NATType) String() string {
	switch n {
	case NATOpen:
		return "open"
	case NATRestricted:
		return "restricted"
	case NATSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// ReachabilityResult is the verdict of one reachability run.
type ReachabilityResult struct {
	PublicReachable bool      `json:"publicReachable"`
	NATType         NATType   `json:"natType"`
	TestedAt        time.Time `json:"testedAt"`
	Attempts        int       `json:"attempts"`
	SuccessCount    int       `json:"successCount"`
}

func verdict(attempts, successes int, now time.Time) ReachabilityResult {
	nat := NATSymmetric
	switch {
	case successes == 0:
		nat = NATRestricted
	case successes >= reachableSuccessThreshold:
		nat = NATOpen
	}
	return ReachabilityResult{
		PublicReachable: successes >= reachableSuccessThreshold,
		NATType:         nat,
		TestedAt:        now,
		Attempts:        attempts,
		SuccessCount:    successes,
	}
}

// ReachabilityHandshake is the token a checker sends so the target can tell
// its own reverse connection apart from unrelated traffic.
type ReachabilityHandshake struct {
	Token     string `json:"token"`
	IP        string `json:"ip"`
	Port      uint16 `json:"port"`
	Timestamp int64  `json:"timestamp"`
}

// NewReachabilityHandshake draws a fresh 16-byte random token.
func NewReachabilityHandshake(ip string, port uint16, now time.Time) (ReachabilityHandshake, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return ReachabilityHandshake{}, err
	}
	return ReachabilityHandshake{
		Token:     hex.EncodeToString(id[:]),
		IP:        ip,
		Port:      port,
		Timestamp: now.Unix(),
	}, nil
}

// IsLocalAddress reports whether ip is private, loopback, link-local,
// unspecified or unparseable. Such targets are never checked.
func IsLocalAddress(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	return parsed.IsPrivate() ||
		parsed.IsLoopback() ||
		parsed.IsLinkLocalUnicast() ||
		parsed.IsLinkLocalMulticast() ||
		parsed.IsUnspecified()
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ReachabilityConfig tunes the tester.
type ReachabilityConfig struct {
	Attempts       int
	AttemptTimeout time.Duration
	Pacing         time.Duration
	CacheTTL       time.Duration
	Interval       time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
	Sleep          func(ctx context.Context, d time.Duration) error
}

// ReachabilityTester checks anchors with reverse TCP connections. The verdict
// only informs routing; it never disconnects anyone.
type ReachabilityTester struct {
	store   *PeerStore
	dial    DialFunc
	cfg     ReachabilityConfig
	cache   *ttlcache.Cache[string, ReachabilityResult]
	logger  *slog.Logger
	metrics *networkMetrics
}

// NewReachabilityTester builds a tester. A nil dial uses net.Dialer.
func NewReachabilityTester(store *PeerStore, dial DialFunc, cfg ReachabilityConfig) *ReachabilityTester {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultCheckAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultCheckAttemptTimeout
	}
	if cfg.Pacing < 0 {
		cfg.Pacing = 0
	} else if cfg.Pacing == 0 {
		cfg.Pacing = defaultCheckPacing
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultReachabilityTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return &ReachabilityTester{
		store: store,
		dial:  dial,
		cfg:   cfg,
		cache: ttlcache.New[string, ReachabilityResult](
			ttlcache.WithTTL[string, ReachabilityResult](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, ReachabilityResult](),
		),
		logger:  cfg.Logger.With(slog.String("component", "reachability")),
		metrics: newNetworkMetrics(),
	}
}

// Check tests one anchor. It returns false without dialing for non-anchors.
// Local addresses yield a cached zero-attempt result and are never dialled.
func (t *ReachabilityTester) Check(ctx context.Context, peer Peer) (ReachabilityResult, bool) {
	if peer.Role != RoleAnchor {
		return ReachabilityResult{}, false
	}
	now := t.cfg.Now()
	if IsLocalAddress(peer.IP) {
		result := ReachabilityResult{NATType: NATUnknown, TestedAt: now}
		t.cache.Set(peer.NodeID, result, ttlcache.DefaultTTL)
		t.logger.Debug("skipping reachability check for local address", slog.String("node_id", peer.NodeID))
		return result, true
	}

	addr := net.JoinHostPort(peer.IP, strconv.Itoa(int(peer.P2PPort)))
	attempts, successes := 0, 0
	for i := 0; i < t.cfg.Attempts; i++ {
		if ctx.Err() != nil {
			break
		}
		attempts++
		if t.attempt(ctx, addr) {
			successes++
		}
		if i < t.cfg.Attempts-1 && t.cfg.Pacing > 0 {
			if err := t.cfg.Sleep(ctx, t.cfg.Pacing); err != nil {
				break
			}
		}
	}

	result := verdict(attempts, successes, t.cfg.Now())
	t.cache.Set(peer.NodeID, result, ttlcache.DefaultTTL)
	t.metrics.recordReachability(result.NATType)
	if t.store != nil {
		if _, err := t.store.SetReachability(peer.NodeID, result.PublicReachable); err != nil {
			t.logger.Debug("record reachability", slog.String("node_id", peer.NodeID), slog.Any("error", err))
		}
	}
	t.logger.Info("reachability check complete",
		slog.String("node_id", peer.NodeID),
		slog.Bool("reachable", result.PublicReachable),
		slog.String("nat", result.NATType.String()),
		slog.Int("successes", successes),
		slog.Int("attempts", attempts))
	return result, true
}

func (t *ReachabilityTester) attempt(ctx context.Context, addr string) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.AttemptTimeout)
	defer cancel()
	conn, err := t.dial(attemptCtx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Result returns the cached verdict for nodeID if it has not expired.
func (t *ReachabilityTester) Result(nodeID string) (ReachabilityResult, bool) {
	item := t.cache.Get(nodeID)
	if item == nil {
		return ReachabilityResult{}, false
	}
	return item.Value(), true
}

// CheckAnchors checks every known anchor that has no fresh cached verdict.
func (t *ReachabilityTester) CheckAnchors(ctx context.Context) int {
	if t.store == nil {
		return 0
	}
	checked := 0
	for _, anchor := range t.store.Anchors() {
		if ctx.Err() != nil {
			break
		}
		if _, cached := t.Result(anchor.NodeID); cached {
			continue
		}
		if _, ok := t.Check(ctx, anchor); ok {
			checked++
		}
	}
	return checked
}

// Run checks anchors on every interval and evicts stale verdicts until ctx ends.
func (t *ReachabilityTester) Run(ctx context.Context) error {
	go t.cache.Start()
	defer t.cache.Stop()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	t.CheckAnchors(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.CheckAnchors(ctx)
		}
	}
}
