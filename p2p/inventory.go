package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultInvRatePerSecond = 50
	defaultInvBurst         = 100
	defaultSendTimeout      = 5 * time.Second
)

// InventoryConfig tunes the relay.
type InventoryConfig struct {
	// InvRatePerSecond bounds inbound INV messages per peer; zero uses the
	// default and a negative value disables limiting.
	InvRatePerSecond float64
	InvBurst         int
	SendTimeout      time.Duration
	// Compact enables compact block relay: block requests are upgraded and
	// compact requests are answered in compact form. Nil keeps full blocks.
	Compact *CompactRelay
	Logger  *slog.Logger
	Now     func() time.Time
}

// InventoryRelay implements announce-then-fetch relay with a per-destination
// "already announced" set.
type InventoryRelay struct {
	transport  Transport
	conns      *ConnectionSet
	chain      Chain
	classifier *Classifier
	reputation *ReputationEngine
	limiter    *peerRateLimiter
	cfg        InventoryConfig
	logger     *slog.Logger
	metrics    *networkMetrics

	mu        sync.Mutex
	announced map[string]mapset.Set[common.Hash]
}

// NewInventoryRelay wires the relay to its collaborators. classifier and
// reputation may be nil.
func NewInventoryRelay(transport Transport, conns *ConnectionSet, chain Chain, classifier *Classifier, reputation *ReputationEngine, cfg InventoryConfig) *InventoryRelay {
	if cfg.InvRatePerSecond == 0 {
		cfg.InvRatePerSecond = defaultInvRatePerSecond
	}
	if cfg.InvBurst <= 0 {
		cfg.InvBurst = defaultInvBurst
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &InventoryRelay{
		transport:  transport,
		conns:      conns,
		chain:      chain,
		classifier: classifier,
		reputation: reputation,
		limiter:    newPeerRateLimiter(cfg.InvRatePerSecond, cfg.InvBurst),
		cfg:        cfg,
		logger:     cfg.Logger.With(slog.String("component", "inventory")),
		metrics:    newNetworkMetrics(),
		announced:  make(map[string]mapset.Set[common.Hash]),
	}
}

func (r *InventoryRelay) send(ctx context.Context, peerID string, msg Message) error {
	conn, ok := r.conns.Get(peerID)
	if !ok {
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	}
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	return r.transport.Send(sendCtx, conn, msg)
}

func (r *InventoryRelay) have(item InventoryItem) bool {
	switch item.Type {
	case InvTx:
		return r.chain.HaveTx(item.Hash)
	default:
		return r.chain.HaveBlock(item.Hash)
	}
}

// HandleInv requests every announced object the chain does not already have
// from the announcing peer. Malformed items are dropped with a reputation
// penalty; the connection is kept.
func (r *InventoryRelay) HandleInv(ctx context.Context, peerID string, inv Inv) (GetData, error) {
	if !r.limiter.allow(peerID, r.cfg.Now()) {
		r.logger.Debug("dropping rate limited inv", slog.String("node_id", peerID))
		r.reputation.RecordInvalidMessage(peerID)
		return GetData{}, ErrRateLimited
	}
	r.metrics.recordMessage("inbound", MsgTypeInv)

	seen := make(map[common.Hash]struct{}, len(inv.Objects))
	var req GetData
	malformed := 0
	for _, item := range inv.Objects {
		if !item.Type.valid() || item.Hash == (common.Hash{}) {
			malformed++
			continue
		}
		if _, dup := seen[item.Hash]; dup {
			continue
		}
		seen[item.Hash] = struct{}{}
		r.metrics.recordInventory("announced", item.Type, 1)
		if r.have(item) {
			continue
		}
		if item.Type == InvBlock && r.cfg.Compact != nil {
			item.Type = InvCompactBlock
		}
		req.Objects = append(req.Objects, item)
	}
	if malformed > 0 {
		r.reputation.RecordInvalidMessage(peerID)
		if malformed == len(inv.Objects) {
			return GetData{}, fmt.Errorf("inv from %s: %w", peerID, ErrInvalidPayload)
		}
	} else if len(inv.Objects) > 0 {
		r.reputation.RecordValidMessage(peerID)
	}
	if len(req.Objects) == 0 {
		return req, nil
	}

	msg, err := NewGetDataMessage(req)
	if err != nil {
		return GetData{}, err
	}
	if err := r.send(ctx, peerID, msg); err != nil {
		return GetData{}, err
	}
	for _, item := range req.Objects {
		r.metrics.recordInventory("requested", item.Type, 1)
	}
	return req, nil
}

// HandleGetData serves every requested object that is available locally.
// Missing objects are skipped silently. It returns how many objects were sent.
func (r *InventoryRelay) HandleGetData(ctx context.Context, peerID string, req GetData) (int, error) {
	r.metrics.recordMessage("inbound", MsgTypeGetData)
	sent := 0
	var errs []error
	for _, item := range req.Objects {
		var (
			msg Message
			err error
			ok  bool
		)
		switch item.Type {
		case InvBlock:
			var block *Block
			if block, ok = r.chain.GetBlock(item.Hash); ok {
				msg, err = NewBlockMessage(block)
			}
		case InvCompactBlock:
			var block *Block
			if block, ok = r.chain.GetBlock(item.Hash); ok {
				msg, err = r.blockMessage(block)
			}
		case InvTx:
			var tx *Tx
			if tx, ok = r.chain.GetTx(item.Hash); ok {
				msg, err = NewTxMessage(tx)
			}
		default:
			r.reputation.RecordInvalidMessage(peerID)
			continue
		}
		if !ok {
			r.logger.Debug("requested object not available",
				slog.String("node_id", peerID),
				slog.String("type", item.Type.String()),
				slog.String("hash", item.Hash.Hex()))
			continue
		}
		if err == nil {
			err = r.send(ctx, peerID, msg)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
		r.metrics.recordInventory("served", item.Type, 1)
	}
	return sent, errors.Join(errs...)
}

// blockMessage prefers the compact form and falls back to the full block
// when the chain cannot list the block's transactions.
func (r *InventoryRelay) blockMessage(block *Block) (Message, error) {
	if r.cfg.Compact == nil {
		return NewBlockMessage(block)
	}
	cb, err := r.cfg.Compact.Encode(block)
	if err != nil {
		r.logger.Debug("serving full block", slog.String("hash", block.Hash.Hex()), slog.Any("error", err))
		return NewBlockMessage(block)
	}
	return NewCompactBlockMessage(cb)
}

func (r *InventoryRelay) announcedFor(peerID string) mapset.Set[common.Hash] {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.announced[peerID]
	if set == nil {
		set = mapset.NewSet[common.Hash]()
		r.announced[peerID] = set
	}
	return set
}

// AnnounceToPeers sends each peer only the hashes it has not been told about
// yet. A failure to one peer does not stop the batch; errors are joined.
// It returns the number of peers that received an Inv.
func (r *InventoryRelay) AnnounceToPeers(ctx context.Context, peerIDs []string, inv Inv) (int, error) {
	delivered := 0
	var errs []error
	for _, peerID := range peerIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		set := r.announcedFor(peerID)
		fresh := make([]InventoryItem, 0, len(inv.Objects))
		for _, item := range inv.Objects {
			if set.Contains(item.Hash) {
				continue
			}
			fresh = append(fresh, item)
		}
		if len(fresh) == 0 {
			continue
		}
		msg, err := NewInvMessage(Inv{Objects: fresh})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.send(ctx, peerID, msg); err != nil {
			r.logger.Debug("announce failed", slog.String("node_id", peerID), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		for _, item := range fresh {
			set.Add(item.Hash)
			r.metrics.recordInventory("announced_out", item.Type, 1)
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// AnnounceWithRouting picks ring-balanced targets before announcing.
func (r *InventoryRelay) AnnounceWithRouting(ctx context.Context, localRegion string, maxTotal int, inv Inv) (int, error) {
	if r.classifier == nil {
		return r.AnnounceToPeers(ctx, r.conns.IDs(), inv)
	}
	targets := r.classifier.SelectRelayTargets(localRegion, maxTotal)
	ids := make([]string, 0, len(targets))
	for _, p := range targets {
		ids = append(ids, p.NodeID)
	}
	return r.AnnounceToPeers(ctx, ids, inv)
}

// MarkKnown records that peerID already has the given hashes, e.g. because it
// announced or sent them to us.
func (r *InventoryRelay) MarkKnown(peerID string, hashes ...common.Hash) {
	if len(hashes) == 0 {
		return
	}
	r.announcedFor(peerID).Append(hashes...)
}

// ForgetPeer drops per-peer relay state after a disconnect.
func (r *InventoryRelay) ForgetPeer(peerID string) {
	r.mu.Lock()
	delete(r.announced, peerID)
	r.mu.Unlock()
	r.limiter.forget(peerID)
}
