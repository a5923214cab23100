package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const defaultGetBlocksLimit = 500

// NewGetBlocksMessage frames a locator request.
func NewGetBlocksMessage(locator []common.Hash, limit int) (Message, error) {
	return encodeMessage(MsgTypeGetBlocks, GetBlocksPayload{Locator: locator, Limit: limit})
}

// BlocksAfterLocator returns up to limit main-chain hashes following the
// first locator entry the chain knows. Unknown locators fall back to genesis.
func BlocksAfterLocator(chain Chain, locator []common.Hash, limit int) []common.Hash {
	if limit <= 0 || limit > defaultGetBlocksLimit {
		limit = defaultGetBlocksLimit
	}
	var start uint64
	for _, hash := range locator {
		block, ok := chain.GetBlock(hash)
		if !ok {
			continue
		}
		if mainHash, ok := chain.HashAtHeight(block.Height); ok && mainHash == hash {
			start = block.Height
			break
		}
	}
	tip, _ := chain.Tip()
	out := make([]common.Hash, 0, limit)
	for h := start + 1; h <= tip && len(out) < limit; h++ {
		hash, ok := chain.HashAtHeight(h)
		if !ok {
			break
		}
		out = append(out, hash)
	}
	return out
}

// ChainStatus is what a peer advertised about its chain.
type ChainStatus struct {
	NodeID    string
	Height    uint64
	TotalWork string
}

func parseWork(raw string) *uint256.Int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(uint256.Int)
	}
	work, err := uint256.FromDecimal(raw)
	if err != nil {
		return new(uint256.Int)
	}
	return work
}

// SelectSyncPeer picks the peer advertising the most cumulative work, then
// the greatest height. Ties go to the lowest node ID.
func SelectSyncPeer(statuses []ChainStatus) (ChainStatus, bool) {
	if len(statuses) == 0 {
		return ChainStatus{}, false
	}
	best := statuses[0]
	bestWork := parseWork(best.TotalWork)
	for _, st := range statuses[1:] {
		work := parseWork(st.TotalWork)
		switch cmp := work.Cmp(bestWork); {
		case cmp > 0:
		case cmp < 0:
			continue
		case st.Height > best.Height:
		case st.Height < best.Height:
			continue
		case st.NodeID >= best.NodeID:
			continue
		}
		best, bestWork = st, work
	}
	return best, true
}

type blockRequest struct {
	peerID string
	sentAt time.Time
}

// SyncSessionConfig wires a session.
type SyncSessionConfig struct {
	// QueueCapacity bounds blocks in flight across every peer. It defaults
	// to room for the default peer target at the largest window.
	QueueCapacity int
	// InitialWindow seeds each new peer's adaptive window.
	InitialWindow int
	Logger        *slog.Logger
	Now           func() time.Time
}

// SyncSession drives one DownloadQueue against several peers, each with its
// own adaptive window.
type SyncSession struct {
	transport  Transport
	conns      *ConnectionSet
	reputation *ReputationEngine
	queue      *DownloadQueue
	logger     *slog.Logger
	now        func() time.Time
	metrics    *networkMetrics
	window     int

	mu       sync.Mutex
	peers    map[string]*PeerSyncState
	requests map[common.Hash]blockRequest
}

// NewSyncSession returns a session with an empty queue.
func NewSyncSession(transport Transport, conns *ConnectionSet, reputation *ReputationEngine, cfg SyncSessionConfig) *SyncSession {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = maxSyncWindow * defaultMaxTargetPeers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SyncSession{
		transport:  transport,
		conns:      conns,
		reputation: reputation,
		queue:      NewDownloadQueue(cfg.QueueCapacity),
		window:     cfg.InitialWindow,
		logger:     cfg.Logger.With(slog.String("component", "sync")),
		now:        cfg.Now,
		metrics:    newNetworkMetrics(),
		peers:      make(map[string]*PeerSyncState),
		requests:   make(map[common.Hash]blockRequest),
	}
}

// Queue exposes the session's download queue.
func (s *SyncSession) Queue() *DownloadQueue {
	return s.queue
}

// AddPeer starts tracking peerID as a block source.
func (s *SyncSession) AddPeer(peerID string) *PeerSyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.peers[peerID]
	if !ok {
		state = NewPeerSyncState(s.window, s.now)
		s.peers[peerID] = state
	}
	return state
}

// Peer returns the sync state for peerID.
func (s *SyncSession) Peer(peerID string) (*PeerSyncState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.peers[peerID]
	return state, ok
}

// RemovePeer stops using peerID and requeues everything it still owed.
func (s *SyncSession) RemovePeer(peerID string) int {
	s.mu.Lock()
	delete(s.peers, peerID)
	var owed []common.Hash
	for hash, req := range s.requests {
		if req.peerID == peerID {
			owed = append(owed, hash)
			delete(s.requests, hash)
		}
	}
	s.mu.Unlock()
	return s.queue.Requeue(owed...)
}

// Schedule hands each non-paused peer a batch sized to its spare window and
// sends the GetData requests. A failed send requeues the batch and counts
// against the peer. It returns the number of hashes requested.
func (s *SyncSession) Schedule(ctx context.Context) (int, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	requested := 0
	var errs []error
	for _, id := range ids {
		state, ok := s.Peer(id)
		if !ok || state.IsPaused() {
			continue
		}
		conn, ok := s.conns.Get(id)
		if !ok {
			continue
		}
		batch := s.queue.NextBatchN(state.Capacity())
		if len(batch) == 0 {
			continue
		}
		req := GetData{Objects: make([]InventoryItem, 0, len(batch))}
		for _, h := range batch {
			req.Objects = append(req.Objects, InventoryItem{Type: InvBlock, Hash: h})
		}
		msg, err := NewGetDataMessage(req)
		if err == nil {
			sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
			err = s.transport.Send(sendCtx, conn, msg)
			cancel()
		}
		if err != nil {
			s.queue.Requeue(batch...)
			state.RecordFailure()
			s.metrics.observeSyncWindow(id, state.Window())
			errs = append(errs, fmt.Errorf("request blocks from %s: %w", id, err))
			continue
		}
		sentAt := s.now()
		s.mu.Lock()
		for _, h := range batch {
			s.requests[h] = blockRequest{peerID: id, sentAt: sentAt}
		}
		s.mu.Unlock()
		state.AddInflight(len(batch))
		requested += len(batch)
	}
	return requested, errors.Join(errs...)
}

// OnBlock records the arrival of a requested block. The round trip feeds the
// sending peer's RTT estimate and window. It reports whether the block was
// one this session asked for.
func (s *SyncSession) OnBlock(peerID string, hash common.Hash) bool {
	s.mu.Lock()
	req, ok := s.requests[hash]
	if ok {
		delete(s.requests, hash)
	}
	s.mu.Unlock()
	if !ok {
		s.queue.MarkReceived(hash)
		return false
	}
	s.queue.MarkReceived(hash)
	state, tracked := s.Peer(req.peerID)
	if !tracked {
		return true
	}
	state.DoneInflight(1)
	if req.peerID == peerID {
		state.UpdateRTT(s.now().Sub(req.sentAt))
		state.AdaptWindow()
		s.metrics.observeSyncWindow(peerID, state.Window())
	}
	return true
}

// CheckTimeouts requeues requests older than their peer's timeout and
// penalises the peer. It returns the requeued hashes.
func (s *SyncSession) CheckTimeouts() []common.Hash {
	now := s.now()
	s.mu.Lock()
	expired := make(map[string][]common.Hash)
	for hash, req := range s.requests {
		state, ok := s.peers[req.peerID]
		if ok && now.Sub(req.sentAt) <= state.Timeout() {
			continue
		}
		expired[req.peerID] = append(expired[req.peerID], hash)
		delete(s.requests, hash)
	}
	s.mu.Unlock()

	var requeued []common.Hash
	for peerID, hashes := range expired {
		s.queue.Requeue(hashes...)
		requeued = append(requeued, hashes...)
		state, ok := s.Peer(peerID)
		if !ok {
			continue
		}
		state.DoneInflight(len(hashes))
		state.RecordFailure()
		s.reputation.RecordTimeout(peerID)
		s.metrics.observeSyncWindow(peerID, state.Window())
		s.logger.Info("block requests timed out",
			slog.String("node_id", peerID),
			slog.Int("count", len(hashes)),
			slog.Int("window", state.Window()),
			slog.Bool("paused", state.IsPaused()))
	}
	return requeued
}

// RequestLocator asks peerID for the hashes following our best chain.
func (s *SyncSession) RequestLocator(ctx context.Context, chain Chain, peerID string) error {
	conn, ok := s.conns.Get(peerID)
	if !ok {
		return fmt.Errorf("request locator from %s: %w", peerID, ErrNotConnected)
	}
	msg, err := NewGetBlocksMessage(BuildBlockLocator(chain), defaultGetBlocksLimit)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()
	return s.transport.Send(sendCtx, conn, msg)
}
