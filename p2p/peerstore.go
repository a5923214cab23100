package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"swarmnode/storage"
)

const (
	peerKeyPrefix   = "peer:"
	defaultMaxPeers = 4096
)

// PeerStoreConfig tunes the peer registry.
type PeerStoreConfig struct {
	// MaxPeers caps the registry; the least recently seen non-seed peer is
	// evicted when an insert would exceed it.
	MaxPeers int
	Logger   *slog.Logger
}

// PeerStore offers a concurrency-safe persistent registry of peer metadata.
// It is the single source of truth for peer facts; every mutation is
// last-writer-wins at the field level.
type PeerStore struct {
	mu sync.RWMutex

	db     storage.KV
	peers  map[string]*Peer
	byAddr map[string]string

	maxPeers int
	logger   *slog.Logger
	metrics  *networkMetrics
}

// NewPeerStore loads every persisted peer from db.
func NewPeerStore(db storage.KV, cfg PeerStoreConfig) (*PeerStore, error) {
	if db == nil {
		return nil, errors.New("peer store database required")
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	store := &PeerStore{
		db:       db,
		peers:    make(map[string]*Peer),
		byAddr:   make(map[string]string),
		maxPeers: cfg.MaxPeers,
		logger:   cfg.Logger.With(slog.String("component", "peerstore")),
		metrics:  newNetworkMetrics(),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Close flushes pending writes. The underlying database is owned by the caller.
func (ps *PeerStore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Flush()
	ps.db = nil
	return err
}

// Flush forces the durable store to sync.
func (ps *PeerStore) Flush() error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.db == nil {
		return ErrStoreClosed
	}
	return ps.db.Flush()
}

// Put inserts or merges a peer keyed by node ID.
func (ps *PeerStore) Put(peer Peer) error {
	if strings.TrimSpace(peer.NodeID) == "" {
		return errors.New("nodeID required")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.putLocked(peer)
}

// Get returns a copy of the peer.
func (ps *PeerStore) Get(nodeID string) (Peer, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.peers[nodeID]
	if rec == nil {
		return Peer{}, false
	}
	return rec.clone(), true
}

// ByAddr returns the peer last seen at host:port.
func (ps *PeerStore) ByAddr(addr string) (Peer, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	id, ok := ps.byAddr[addr]
	if !ok {
		return Peer{}, false
	}
	rec := ps.peers[id]
	if rec == nil {
		return Peer{}, false
	}
	return rec.clone(), true
}

// Len returns the number of known peers.
func (ps *PeerStore) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// All returns every known peer ordered by node ID.
func (ps *PeerStore) All() []Peer {
	return ps.filter(func(*Peer) bool { return true })
}

// Candidates returns peers whose fail count is within the selection ceiling.
func (ps *PeerStore) Candidates() []Peer {
	return ps.filter(func(p *Peer) bool { return p.Eligible() })
}

// Anchors returns every known anchor-role peer.
func (ps *PeerStore) Anchors() []Peer {
	return ps.filter(func(p *Peer) bool { return p.Role == RoleAnchor })
}

// SeenSince returns eligible peers observed at or after since.
func (ps *PeerStore) SeenSince(since time.Time) []Peer {
	return ps.filter(func(p *Peer) bool { return p.Eligible() && !p.LastSeen.Before(since) })
}

// BestPeers returns up to limit eligible peers with health at least minHealth,
// ordered by health then most recent success.
func (ps *PeerStore) BestPeers(limit int, minHealth int) []Peer {
	peers := ps.filter(func(p *Peer) bool {
		return p.Eligible() && p.HealthScore >= minHealth
	})
	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].HealthScore != peers[j].HealthScore {
			return peers[i].HealthScore > peers[j].HealthScore
		}
		return peers[i].LastSuccess.After(peers[j].LastSuccess)
	})
	if limit >= 0 && len(peers) > limit {
		peers = peers[:limit]
	}
	return peers
}

// MarkSuccess updates bookkeeping for a successful interaction.
func (ps *PeerStore) MarkSuccess(nodeID string, now time.Time) (Peer, error) {
	return ps.mutate("mark success", nodeID, func(p *Peer) { p.MarkSuccess(now) })
}

// MarkFailure records a failed interaction. Seeds keep a zero fail count.
func (ps *PeerStore) MarkFailure(nodeID string, now time.Time) (Peer, error) {
	return ps.mutate("mark failure", nodeID, func(p *Peer) { p.MarkFailure(now) })
}

// UpdateLatency folds an RTT sample into the peer's latency EMA.
func (ps *PeerStore) UpdateLatency(nodeID string, rtt time.Duration, now time.Time) (Peer, error) {
	ms := uint32(rtt / time.Millisecond)
	return ps.mutate("update latency", nodeID, func(p *Peer) {
		p.UpdateLatency(ms)
		p.LastSeen = now
	})
}

// SetReachability records the latest reachability verdict for a peer.
func (ps *PeerStore) SetReachability(nodeID string, reachable bool) (Peer, error) {
	return ps.mutate("set reachability", nodeID, func(p *Peer) {
		p.ReachabilityTested = true
		p.PublicReachable = reachable
	})
}

// MarkSeed flags a peer as a protected seed.
func (ps *PeerStore) MarkSeed(nodeID string) (Peer, error) {
	return ps.mutate("mark seed", nodeID, func(p *Peer) {
		p.IsSeed = true
		p.FailCount = 0
	})
}

// UpdateFromHandshake merges the facts a peer advertised during a handshake
// and marks the interaction successful.
func (ps *PeerStore) UpdateFromHandshake(info HandshakeInfo, now time.Time) (Peer, error) {
	if strings.TrimSpace(info.NodeID) == "" {
		return Peer{}, fmt.Errorf("update from handshake: %w", ErrInvalidPayload)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	incoming := Peer{
		NodeID:    info.NodeID,
		NodeTag:   info.NodeTag,
		PublicKey: info.PublicKey,
		IP:        info.IP,
		P2PPort:   info.P2PPort,
		HTTPPort:  info.HTTPPort,
		Region:    info.Region,
		Role:      info.Role,
		LastSeen:  now,
	}
	if err := ps.putLocked(incoming); err != nil {
		return Peer{}, err
	}
	rec := ps.peers[info.NodeID]
	rec.Role = info.Role
	rec.IsGuardianCandidate = info.Role == RoleGuardian
	if info.RTT > 0 {
		rec.UpdateLatency(uint32(info.RTT / time.Millisecond))
	}
	rec.MarkSuccess(now)
	if err := ps.persistLocked(rec); err != nil {
		return Peer{}, err
	}
	return rec.clone(), nil
}

// DecayFailCounts lowers every non-zero fail count by one so that isolated
// past failures heal over time. It returns the number of peers touched.
func (ps *PeerStore) DecayFailCounts() (int, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	touched := 0
	var errs []error
	for _, rec := range ps.peers {
		if rec.FailCount == 0 {
			continue
		}
		rec.FailCount--
		touched++
		if err := ps.persistLocked(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return touched, errors.Join(errs...)
}

func (ps *PeerStore) mutate(op, nodeID string, fn func(*Peer)) (Peer, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.peers[nodeID]
	if rec == nil {
		return Peer{}, fmt.Errorf("%s: %w", op, ErrPeerUnknown)
	}
	fn(rec)
	if err := ps.persistLocked(rec); err != nil {
		return Peer{}, err
	}
	return rec.clone(), nil
}

func (ps *PeerStore) filter(keep func(*Peer) bool) []Peer {
	ps.mu.RLock()
	out := make([]Peer, 0, len(ps.peers))
	for _, rec := range ps.peers {
		if keep(rec) {
			out = append(out, rec.clone())
		}
	}
	ps.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (ps *PeerStore) putLocked(peer Peer) error {
	existing := ps.peers[peer.NodeID]
	if existing != nil {
		peer.merge(*existing)
		if old := existing.Addr(); old != "" && old != peer.Addr() {
			delete(ps.byAddr, old)
		}
	} else {
		if peer.HealthScore == 0 {
			peer.HealthScore = defaultHealthScore
		}
		if peer.AvgRTTMs != nil {
			peer.LatencyBucket = BucketForRTT(*peer.AvgRTTMs)
		}
	}
	rec := peer.clone()
	ps.peers[rec.NodeID] = &rec
	if addr := rec.Addr(); addr != "" {
		ps.byAddr[addr] = rec.NodeID
	}
	if err := ps.persistLocked(&rec); err != nil {
		return err
	}
	if existing == nil {
		ps.evictLocked()
	}
	ps.metrics.setKnownPeers(len(ps.peers))
	return nil
}

// evictLocked drops least recently seen non-seed peers until the cap holds.
func (ps *PeerStore) evictLocked() {
	for len(ps.peers) > ps.maxPeers {
		var victim *Peer
		for _, rec := range ps.peers {
			if rec.IsSeed {
				continue
			}
			if victim == nil || rec.LastSeen.Before(victim.LastSeen) ||
				(rec.LastSeen.Equal(victim.LastSeen) && rec.NodeID < victim.NodeID) {
				victim = rec
			}
		}
		if victim == nil {
			return
		}
		delete(ps.peers, victim.NodeID)
		if addr := victim.Addr(); addr != "" && ps.byAddr[addr] == victim.NodeID {
			delete(ps.byAddr, addr)
		}
		if ps.db != nil {
			if err := ps.db.Delete([]byte(peerKeyPrefix + victim.NodeID)); err != nil {
				ps.logger.Warn("evict peer", slog.String("node_id", victim.NodeID), slog.Any("error", err))
			}
		}
		ps.logger.Debug("evicted peer under store cap", slog.String("node_id", victim.NodeID))
	}
}

func (ps *PeerStore) persistLocked(rec *Peer) error {
	if ps.db == nil {
		return ErrStoreClosed
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ps.db.Put([]byte(peerKeyPrefix+rec.NodeID), blob)
}

func (ps *PeerStore) load() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var decodeErr error
	err := ps.db.Iterate([]byte(peerKeyPrefix), func(key, value []byte) bool {
		var rec Peer
		if err := json.Unmarshal(value, &rec); err != nil {
			decodeErr = fmt.Errorf("decode peer %s: %w", key, err)
			return false
		}
		ps.peers[rec.NodeID] = &rec
		if addr := rec.Addr(); addr != "" {
			ps.byAddr[addr] = rec.NodeID
		}
		return true
	})
	if err != nil {
		return err
	}
	ps.metrics.setKnownPeers(len(ps.peers))
	return decodeErr
}
