package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/looplab/fsm"

	"swarmnode/observability/logging"
)

// DiscoveryMode selects where bootstrap finds its first peers.
type DiscoveryMode uint8

const (
	// DiscoveryStatic uses only configured seeds and the peer store and
	// retries forever.
	DiscoveryStatic DiscoveryMode = iota
	// DiscoveryDynamic resolves seeds from the seed registry, falling back to
	// configured seeds.
	DiscoveryDynamic
	// DiscoveryHybrid dials configured and registry seeds together.
	DiscoveryHybrid
)

func (m DiscoveryMode) String() string {
	switch m {
	case DiscoveryStatic:
		return "static"
	case DiscoveryDynamic:
		return "dynamic"
	case DiscoveryHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseDiscoveryMode accepts static, dynamic or hybrid; "swarm" is an alias
// of static.
func ParseDiscoveryMode(raw string) (DiscoveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "static", "swarm":
		return DiscoveryStatic, nil
	case "dynamic":
		return DiscoveryDynamic, nil
	case "hybrid":
		return DiscoveryHybrid, nil
	default:
		return DiscoveryStatic, fmt.Errorf("unknown discovery mode %q", raw)
	}
}

func (m DiscoveryMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *DiscoveryMode) UnmarshalText(text []byte) error {
	parsed, err := ParseDiscoveryMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// BootstrapState is the bootstrap machine's current state.
type BootstrapState string

const (
	StateBootstrapping BootstrapState = "bootstrapping"
	StateJoined        BootstrapState = "joined"
	StateIsolated      BootstrapState = "isolated"
)

const (
	eventJoin    = "join"
	eventIsolate = "isolate"
	eventRestart = "restart"

	defaultBackoffBase        = 5 * time.Second
	defaultPersistedDialLimit = 16
)

var backoffMultipliers = []time.Duration{1, 2, 6, 12, 24, 60}

// BackoffDelay returns the wait before retry number attempt (zero based):
// base×{1,2,6,12,24,60}, staying at the last entry once reached.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffMultipliers) {
		attempt = len(backoffMultipliers) - 1
	}
	return base * backoffMultipliers[attempt]
}

// SeedSourceFunc resolves additional seeds at bootstrap time.
type SeedSourceFunc func(ctx context.Context) ([]SeedEndpoint, error)

// BootstrapConfig tunes the bootstrapper.
type BootstrapConfig struct {
	Mode         DiscoveryMode
	Seeds        []SeedEndpoint
	SeedSource   SeedSourceFunc
	BackoffBase  time.Duration
	ProtectSeeds bool
	TargetPeers  int
	DialTimeout  time.Duration
	DialLog      *DialLog
	Logger       *slog.Logger
	Now          func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
}

// Bootstrapper joins the swarm from the peer store and seeds. In static mode
// it never gives up and never blacklists a configured seed.
type Bootstrapper struct {
	store      *PeerStore
	conns      *ConnectionSet
	reputation *ReputationEngine
	dialer     PeerDialer
	cfg        BootstrapConfig
	logger     *slog.Logger
	metrics    *networkMetrics

	mu      sync.Mutex
	machine *fsm.FSM
}

// NewBootstrapper wires a bootstrapper in the bootstrapping state.
func NewBootstrapper(store *PeerStore, conns *ConnectionSet, reputation *ReputationEngine, dialer PeerDialer, cfg BootstrapConfig) *Bootstrapper {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.TargetPeers <= 0 {
		cfg.TargetPeers = defaultMaxTargetPeers
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
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	b := &Bootstrapper{
		store:      store,
		conns:      conns,
		reputation: reputation,
		dialer:     dialer,
		cfg:        cfg,
		logger:     cfg.Logger.With(slog.String("component", "bootstrap")),
		metrics:    newNetworkMetrics(),
	}
	b.machine = fsm.NewFSM(
		string(StateBootstrapping),
		fsm.Events{
			{Name: eventJoin, Src: []string{string(StateBootstrapping), string(StateIsolated)}, Dst: string(StateJoined)},
			{Name: eventIsolate, Src: []string{string(StateBootstrapping)}, Dst: string(StateIsolated)},
			{Name: eventRestart, Src: []string{string(StateJoined), string(StateIsolated)}, Dst: string(StateBootstrapping)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				b.metrics.recordBootstrap(e.Dst)
				b.logger.Info("bootstrap state changed", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
	return b
}

// State returns the current state.
func (b *Bootstrapper) State() BootstrapState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BootstrapState(b.machine.Current())
}

func (b *Bootstrapper) transition(ctx context.Context, event string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.machine.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("bootstrap %s: %w", event, err)
	}
	return nil
}

// Bootstrap runs attempts until at least one peer is connected. Static mode
// sleeps through the backoff table and retries until ctx ends; the other
// modes give up after one attempt and report Isolated.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (BootstrapState, error) {
	if b.State() != StateBootstrapping {
		if err := b.transition(ctx, eventRestart); err != nil {
			return b.State(), err
		}
	}
	b.protectSeeds()

	for attempt := 0; ; attempt++ {
		connected := b.attempt(ctx)
		if connected > 0 {
			if err := b.transition(ctx, eventJoin); err != nil {
				return b.State(), err
			}
			b.logger.Info("joined swarm", slog.Int("peers", connected), slog.Int("attempts", attempt+1))
			return StateJoined, nil
		}
		if b.cfg.Mode != DiscoveryStatic {
			if err := b.transition(ctx, eventIsolate); err != nil {
				return b.State(), err
			}
			b.logger.Warn("bootstrap found no peers, continuing standalone", slog.String("mode", b.cfg.Mode.String()))
			return StateIsolated, nil
		}
		delay := BackoffDelay(b.cfg.BackoffBase, attempt)
		b.logger.Info("bootstrap attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay))
		if err := b.cfg.Sleep(ctx, delay); err != nil {
			return b.State(), err
		}
		if ctx.Err() != nil {
			return b.State(), ctx.Err()
		}
	}
}

// protectSeeds records configured seeds with known node IDs as protected
// peer store entries.
func (b *Bootstrapper) protectSeeds() {
	if !b.cfg.ProtectSeeds {
		return
	}
	for _, seed := range b.cfg.Seeds {
		if seed.NodeID == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(seed.Address)
		if err != nil {
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			continue
		}
		if err := b.store.Put(Peer{NodeID: seed.NodeID, IP: host, P2PPort: uint16(port), IsSeed: true, LastSeen: b.cfg.Now()}); err != nil {
			b.logger.Debug("persist seed", slog.String("node_id", seed.NodeID), slog.Any("error", err))
		}
	}
}

// attempt performs one bootstrap pass and returns the connected count.
func (b *Bootstrapper) attempt(ctx context.Context) int {
	persisted := b.store.BestPeers(-1, 0)
	b.reputation.Rank(persisted)
	if len(persisted) > defaultPersistedDialLimit {
		persisted = persisted[:defaultPersistedDialLimit]
	}
	for _, peer := range persisted {
		if ctx.Err() != nil || b.conns.Count() >= b.cfg.TargetPeers {
			break
		}
		if peer.IP == "" || b.conns.Has(peer.NodeID) {
			continue
		}
		b.dialPersisted(ctx, peer)
	}
	if n := b.conns.Count(); n > 0 {
		return n
	}

	for _, seed := range b.seeds(ctx) {
		if ctx.Err() != nil || b.conns.Count() >= b.cfg.TargetPeers {
			break
		}
		if b.conns.HasAddr(seed.Address) {
			continue
		}
		b.dialSeed(ctx, seed)
	}
	return b.conns.Count()
}

func (b *Bootstrapper) seeds(ctx context.Context) []SeedEndpoint {
	var resolved []SeedEndpoint
	if b.cfg.Mode != DiscoveryStatic && b.cfg.SeedSource != nil {
		var err error
		resolved, err = b.cfg.SeedSource(ctx)
		if err != nil {
			b.logger.Warn("resolve seeds", slog.Any("error", err))
		}
	}
	var merged []SeedEndpoint
	switch b.cfg.Mode {
	case DiscoveryDynamic:
		merged = resolved
		if len(merged) == 0 {
			merged = b.cfg.Seeds
		}
	case DiscoveryHybrid:
		merged = append(append(merged, b.cfg.Seeds...), resolved...)
	default:
		merged = b.cfg.Seeds
	}
	seen := make(map[string]struct{}, len(merged))
	out := make([]SeedEndpoint, 0, len(merged))
	for _, seed := range merged {
		if _, dup := seen[seed.Address]; dup {
			continue
		}
		seen[seed.Address] = struct{}{}
		out = append(out, seed)
	}
	return out
}

func (b *Bootstrapper) dialPersisted(ctx context.Context, peer Peer) {
	info, err := b.dial(ctx, peer.Addr())
	now := b.cfg.Now()
	if err != nil {
		b.metrics.recordDial("bootstrap", "failure")
		b.cfg.DialLog.Record(peer.Addr(), "bootstrap", err, now)
		if _, storeErr := b.store.MarkFailure(peer.NodeID, now); storeErr != nil {
			b.logger.Debug("record dial failure", slog.String("node_id", peer.NodeID), slog.Any("error", storeErr))
		}
		b.reputation.RecordTimeout(peer.NodeID)
		return
	}
	b.metrics.recordDial("bootstrap", "success")
	b.recordHandshake(info, now, false)
}

// dialSeed never records a failure against a seed.
func (b *Bootstrapper) dialSeed(ctx context.Context, seed SeedEndpoint) {
	info, err := b.dial(ctx, seed.Address)
	if err != nil {
		b.metrics.recordDial("seed", "failure")
		b.cfg.DialLog.Record(seed.Address, "seed", err, b.cfg.Now())
		b.logger.Info("seed dial failed",
			logging.MaskField("seed_id", seed.NodeID),
			logging.MaskField("seed_address", seed.Address),
			slog.String("reason", dialFailureReason(err)))
		return
	}
	b.metrics.recordDial("seed", "success")
	if info.NodeID == "" {
		info.NodeID = seed.NodeID
	}
	b.recordHandshake(info, b.cfg.Now(), b.cfg.ProtectSeeds)
}

// dialFailureReason classifies a dial error without echoing the address it
// carries.
func dialFailureReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused"
	case IsInvalidPayload(err):
		return "handshake_rejected"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "unreachable"
	}
}

func (b *Bootstrapper) dial(ctx context.Context, addr string) (HandshakeInfo, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()
	return b.dialer.DialPeer(dialCtx, addr)
}

func (b *Bootstrapper) recordHandshake(info HandshakeInfo, now time.Time, seed bool) {
	if info.NodeID == "" {
		return
	}
	if _, err := b.store.UpdateFromHandshake(info, now); err != nil {
		b.logger.Debug("record handshake", slog.String("node_id", info.NodeID), slog.Any("error", err))
		return
	}
	if seed {
		if _, err := b.store.MarkSeed(info.NodeID); err != nil {
			b.logger.Debug("mark seed", slog.String("node_id", info.NodeID), slog.Any("error", err))
		}
	}
	b.reputation.RecordHandshakeSuccess(info.NodeID, info.RTT)
}
