package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"swarmnode/observability/logging"
	"swarmnode/storage"
)

const (
	defaultRelayFanout          = 8
	defaultSyncInterval         = time.Second
	defaultPersistInterval      = time.Minute
	defaultOrphanPruneInterval  = time.Minute
	defaultLocatorRetryInterval = 10 * time.Second
	syncInvThreshold            = 16
)

// WorkReporter is implemented by chains that can report cumulative work.
type WorkReporter interface {
	TotalWork() string
}

// NodeConfig wires a Node.
type NodeConfig struct {
	Identity      *Identity
	ListenAddress string
	// AdvertiseIP is announced in handshakes; empty lets peers use the socket address.
	AdvertiseIP string
	HTTPPort    uint16
	Region      string
	Role        Role

	Discovery    DiscoveryMode
	Seeds        []SeedEndpoint
	SeedSource   SeedSourceFunc
	BackoffBase  time.Duration
	ProtectSeeds bool

	MaxPeers         int
	MinTargetPeers   int
	MaxTargetPeers   int
	RecoveryInterval time.Duration
	RelayFanout      int

	OrphanCapacity    int
	OrphanMaxAge      time.Duration
	SyncInitialWindow int
	SyncQueueCapacity int
	SyncInterval      time.Duration

	ReachabilityEnabled  bool
	ReachabilityInterval time.Duration

	PersistInterval time.Duration
	DialTimeout     time.Duration
	// ReadyPeers is the connection count Health requires before reporting
	// ready. Zero means one.
	ReadyPeers int

	Logger *slog.Logger
	Now    func() time.Time
}

// Node owns every networking component and runs them as one unit.
type Node struct {
	cfg    NodeConfig
	chain  Chain
	logger *slog.Logger
	now    func() time.Time

	store        *PeerStore
	reputation   *ReputationEngine
	classifier   *Classifier
	reachability *ReachabilityTester
	transport    *TCPTransport
	conns        *ConnectionSet
	inventory    *InventoryRelay
	compact      *CompactRelay
	dials        *DialLog
	orphans      *OrphanPool
	seen         *SeenFilter
	session      *SyncSession
	metrics      *networkMetrics
	pex          *PeerExchange
	recovery     *RecoveryLoop
	bootstrapper *Bootstrapper

	mu            sync.Mutex
	runCtx        context.Context
	listener      net.Listener
	statuses      map[string]ChainStatus
	lastLocatorAt time.Time
	readers       sync.WaitGroup
}

// NewNode builds the component graph on top of db. Reputation snapshots are
// restored from db before returning.
func NewNode(cfg NodeConfig, chain Chain, db storage.KV) (*Node, error) {
	if cfg.Identity == nil {
		return nil, errors.New("node identity required")
	}
	if chain == nil {
		return nil, errors.New("chain collaborator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RelayFanout <= 0 {
		cfg.RelayFanout = defaultRelayFanout
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = defaultPersistInterval
	}
	if cfg.ReadyPeers <= 0 {
		cfg.ReadyPeers = defaultReadyPeers
	}

	logger := cfg.Logger
	store, err := NewPeerStore(db, PeerStoreConfig{MaxPeers: cfg.MaxPeers, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open peer store: %w", err)
	}
	reputation := NewReputationEngine(ReputationConfig{Store: db, Logger: logger, Now: cfg.Now})
	if err := reputation.Load(); err != nil {
		return nil, fmt.Errorf("load reputation: %w", err)
	}

	n := &Node{
		cfg:        cfg,
		chain:      chain,
		logger:     logger.With(slog.String("component", "node")),
		now:        cfg.Now,
		store:      store,
		reputation: reputation,
		conns:      NewConnectionSet(),
		seen:       NewSeenFilter(0),
		dials:      NewDialLog(0),
		metrics:    newNetworkMetrics(),
		statuses:   make(map[string]ChainStatus),
		runCtx:     context.Background(),
	}

	_, port, _ := net.SplitHostPort(cfg.ListenAddress)
	p2pPort, _ := strconv.ParseUint(port, 10, 16)
	height, _ := chain.Tip()
	n.transport = NewTCPTransport(TCPTransportConfig{
		Local: HandshakeInfo{
			NodeID:    cfg.Identity.NodeID,
			NodeTag:   cfg.Identity.NodeTag,
			PublicKey: cfg.Identity.PublicKey,
			IP:        cfg.AdvertiseIP,
			P2PPort:   uint16(p2pPort),
			HTTPPort:  cfg.HTTPPort,
			Region:    cfg.Region,
			Role:      cfg.Role,
			Height:    height,
			TotalWork: n.totalWork(),
		},
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
		Now:         cfg.Now,
	})

	n.classifier = NewClassifier(store, ClassifierConfig{
		LocalRegion: cfg.Region,
		Filter:      func(p Peer) bool { return n.conns.Has(p.NodeID) },
		Reputation:  reputation,
		Logger:      logger,
		Now:         cfg.Now,
	})
	n.reachability = NewReachabilityTester(store, nil, ReachabilityConfig{
		Interval: cfg.ReachabilityInterval,
		Logger:   logger,
		Now:      cfg.Now,
	})
	n.compact, _ = NewCompactRelay(chain, logger)
	n.inventory = NewInventoryRelay(n.transport, n.conns, chain, n.classifier, reputation, InventoryConfig{Compact: n.compact, Logger: logger, Now: cfg.Now})
	n.orphans = NewOrphanPool(OrphanPoolConfig{Capacity: cfg.OrphanCapacity, Logger: logger, Now: cfg.Now})
	queueCapacity := cfg.SyncQueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = maxSyncWindow * cfg.MaxTargetPeers
	}
	n.session = NewSyncSession(n.transport, n.conns, reputation, SyncSessionConfig{
		QueueCapacity: queueCapacity,
		InitialWindow: cfg.SyncInitialWindow,
		Logger:        logger,
		Now:           cfg.Now,
	})
	n.pex = NewPeerExchange(store, cfg.Identity.NodeID, logger, cfg.Now)
	n.recovery = NewRecoveryLoop(store, n.conns, NewFailureTracker(0, 0), reputation, n, RecoveryConfig{
		Interval:       cfg.RecoveryInterval,
		MinTargetPeers: cfg.MinTargetPeers,
		MaxTargetPeers: cfg.MaxTargetPeers,
		DialTimeout:    cfg.DialTimeout,
		DialLog:        n.dials,
		Logger:         logger,
		Now:            cfg.Now,
	})
	n.bootstrapper = NewBootstrapper(store, n.conns, reputation, n, BootstrapConfig{
		Mode:         cfg.Discovery,
		Seeds:        cfg.Seeds,
		SeedSource:   cfg.SeedSource,
		BackoffBase:  cfg.BackoffBase,
		ProtectSeeds: cfg.ProtectSeeds,
		TargetPeers:  cfg.MaxTargetPeers,
		DialTimeout:  cfg.DialTimeout,
		DialLog:      n.dials,
		Logger:       logger,
		Now:          cfg.Now,
	})
	return n, nil
}

// Store exposes the peer store for diagnostics.
func (n *Node) Store() *PeerStore { return n.store }

// Reputation exposes the reputation engine.
func (n *Node) Reputation() *ReputationEngine { return n.reputation }

// Connections exposes the live connection set.
func (n *Node) Connections() *ConnectionSet { return n.conns }

// DialFailures returns recent outbound dial failures, newest first.
func (n *Node) DialFailures() []DialFailure { return n.dials.Recent() }

// Orphans exposes the orphan pool.
func (n *Node) Orphans() *OrphanPool { return n.orphans }

// Bootstrapper exposes the bootstrap state machine.
func (n *Node) Bootstrapper() *Bootstrapper { return n.bootstrapper }

// Listen binds the P2P listener. Run calls it when the caller has not.
func (n *Node) Listen() (net.Addr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener != nil {
		return n.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", n.cfg.ListenAddress, err)
	}
	n.listener = ln
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		n.transport.SetListenPort(uint16(tcp.Port))
	}
	n.logger.Info("p2p listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		slog.String("node_id", n.cfg.Identity.NodeID),
		slog.String("region", n.cfg.Region),
		slog.String("role", n.cfg.Role.String()))
	return ln.Addr(), nil
}

// Run starts every component and blocks until ctx ends or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	if _, err := n.Listen(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	n.mu.Lock()
	n.runCtx = ctx
	ln := n.listener
	n.mu.Unlock()

	g.Go(func() error {
		return n.transport.Serve(ctx, ln, n.handleInbound)
	})
	g.Go(func() error {
		state, err := n.bootstrapper.Bootstrap(ctx)
		if err != nil {
			return err
		}
		n.logger.Info("bootstrap finished", slog.String("state", string(state)))
		return n.recovery.Run(ctx)
	})
	g.Go(func() error { return n.classifier.RunClusterBalance(ctx) })
	if n.cfg.ReachabilityEnabled {
		g.Go(func() error { return n.reachability.Run(ctx) })
	}
	g.Go(func() error { return n.orphans.Run(ctx, defaultOrphanPruneInterval, n.cfg.OrphanMaxAge) })
	g.Go(func() error { return n.syncLoop(ctx) })
	g.Go(func() error { return n.persistLoop(ctx) })

	err := g.Wait()
	n.conns.CloseAll()
	n.readers.Wait()
	if perr := n.persist(); perr != nil {
		n.logger.Warn("persist on shutdown", slog.Any("error", perr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// DialPeer connects to addr and registers the connection.
func (n *Node) DialPeer(ctx context.Context, addr string) (HandshakeInfo, error) {
	conn, err := n.transport.Connect(ctx, addr)
	if err != nil {
		return HandshakeInfo{}, err
	}
	info := conn.Handshake()
	if info.NodeID == n.cfg.Identity.NodeID {
		_ = conn.Close()
		return HandshakeInfo{}, fmt.Errorf("dial %s: self connection", addr)
	}
	n.register(conn)
	n.logger.Info("outbound peer connected",
		slog.String("node_id", info.NodeID),
		logging.MaskField("peer_address", addr))
	return info, nil
}

func (n *Node) handleInbound(conn Connection) {
	info := conn.Handshake()
	if info.NodeID == n.cfg.Identity.NodeID {
		_ = conn.Close()
		return
	}
	if _, err := n.store.UpdateFromHandshake(info, n.now()); err != nil {
		n.logger.Debug("record inbound handshake", slog.String("node_id", info.NodeID), slog.Any("error", err))
	}
	n.reputation.RecordHandshakeSuccess(info.NodeID, info.RTT)
	n.register(conn)
	n.logger.Info("inbound peer connected",
		slog.String("node_id", info.NodeID),
		logging.MaskField("peer_address", conn.RemoteAddr()))
}

func (n *Node) register(conn Connection) {
	info := conn.Handshake()
	if prev, replaced := n.conns.Add(info.NodeID, conn); replaced && prev != conn {
		_ = prev.Close()
	}
	height, _ := n.chain.Tip()
	n.reputation.RecordSyncedHeight(info.NodeID, info.Height, height)
	n.session.AddPeer(info.NodeID)

	n.mu.Lock()
	n.statuses[info.NodeID] = ChainStatus{NodeID: info.NodeID, Height: info.Height, TotalWork: info.TotalWork}
	ctx := n.runCtx
	n.mu.Unlock()

	n.readers.Add(1)
	go func() {
		defer n.readers.Done()
		n.readLoop(ctx, conn)
	}()

	if msg, err := NewGetPeersMessage(defaultPexLimit); err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
		if err := n.transport.Send(sendCtx, conn, msg); err != nil {
			n.logger.Debug("request peers", slog.String("node_id", info.NodeID), slog.Any("error", err))
		}
		cancel()
	}
}

func (n *Node) readLoop(ctx context.Context, conn Connection) {
	id := conn.Handshake().NodeID
	var reason error
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if IsInvalidPayload(err) {
				n.reputation.RecordInvalidMessage(id)
				continue
			}
			reason = err
			break
		}
		n.dispatch(ctx, id, msg)
	}
	n.disconnect(id, conn, reason)
}

func (n *Node) disconnect(id string, conn Connection, reason error) {
	_ = conn.Close()
	if !n.conns.Remove(id, conn) {
		return
	}
	n.reputation.RecordDisconnect(id)
	n.inventory.ForgetPeer(id)
	n.session.RemovePeer(id)
	n.mu.Lock()
	delete(n.statuses, id)
	n.mu.Unlock()
	// The reputation record outlives the connection; its per-peer series do not.
	n.metrics.removePeer(id)
	if reason != nil && !errors.Is(reason, context.Canceled) {
		n.logger.Info("peer disconnected", slog.String("node_id", id), slog.Any("error", reason))
	}
}

func (n *Node) dispatch(ctx context.Context, id string, msg Message) {
	var err error
	switch msg.Type {
	case MsgTypeInv:
		err = n.onInv(ctx, id, msg)
	case MsgTypeGetData:
		var req GetData
		if err = decodePayload(msg, &req); err == nil {
			_, err = n.inventory.HandleGetData(ctx, id, req)
		}
	case MsgTypeBlock:
		err = n.onBlock(ctx, id, msg)
	case MsgTypeCompactBlock:
		err = n.onCompactBlock(ctx, id, msg)
	case MsgTypeGetBlockTxns:
		err = n.onGetBlockTxns(ctx, id, msg)
	case MsgTypeBlockTxns:
		err = n.onBlockTxns(ctx, id, msg)
	case MsgTypeTx:
		err = n.onTx(ctx, id, msg)
	case MsgTypeGetBlocks:
		err = n.onGetBlocks(ctx, id, msg)
	case MsgTypeGetPeers:
		var req GetPeersPayload
		if err = decodePayload(msg, &req); err == nil {
			err = n.sendTo(ctx, id, func() (Message, error) {
				return NewPeerListMessage(n.pex.Addresses(req.Limit, id))
			})
		}
	case MsgTypePeerList:
		var list PeerListPayload
		if err = decodePayload(msg, &list); err == nil {
			_, err = n.pex.Merge(id, list)
		}
	default:
		err = fmt.Errorf("unexpected %s message: %w", msgTypeLabel(msg.Type), ErrInvalidPayload)
	}
	switch {
	case err == nil:
	case IsInvalidPayload(err):
		n.reputation.RecordInvalidMessage(id)
	case errors.Is(err, ErrRateLimited):
	default:
		n.logger.Debug("message handling failed",
			slog.String("node_id", id),
			slog.String("type", msgTypeLabel(msg.Type)),
			slog.Any("error", err))
	}
}

// onInv sends large block inventories, which answer our locator requests,
// through the windowed download queue. Everything else takes the relay path.
func (n *Node) onInv(ctx context.Context, id string, msg Message) error {
	var inv Inv
	if err := decodePayload(msg, &inv); err != nil {
		return err
	}
	var blocks []common.Hash
	for _, item := range inv.Objects {
		if item.Type == InvBlock && item.Hash != (common.Hash{}) {
			blocks = append(blocks, item.Hash)
		}
	}
	n.inventory.MarkKnown(id, blocks...)
	if len(blocks) > syncInvThreshold {
		missing := blocks[:0]
		for _, h := range blocks {
			if !n.chain.HaveBlock(h) && !n.orphans.IsOrphan(h) {
				missing = append(missing, h)
			}
		}
		n.session.Queue().Enqueue(missing...)
		n.reputation.RecordValidMessage(id)
		_, err := n.session.Schedule(ctx)
		return err
	}
	_, err := n.inventory.HandleInv(ctx, id, inv)
	return err
}

func (n *Node) onBlock(ctx context.Context, id string, msg Message) error {
	var block Block
	if err := decodePayload(msg, &block); err != nil {
		return err
	}
	if block.Hash == (common.Hash{}) {
		return fmt.Errorf("block without hash: %w", ErrInvalidPayload)
	}
	return n.handleBlock(ctx, id, &block)
}

func (n *Node) handleBlock(ctx context.Context, id string, block *Block) error {
	n.session.OnBlock(id, block.Hash)
	n.inventory.MarkKnown(id, block.Hash)
	n.mu.Lock()
	if st, ok := n.statuses[id]; ok && block.Height > st.Height {
		st.Height = block.Height
		n.statuses[id] = st
	}
	n.mu.Unlock()
	// Only blocks still held somewhere are skipped. An orphan that expired or
	// a block whose accept failed has to be processable when it comes back.
	if n.chain.HaveBlock(block.Hash) || n.orphans.IsOrphan(block.Hash) {
		return nil
	}

	accepted, err := ProcessBlock(ctx, n.chain, n.orphans, block)
	if err != nil {
		n.reputation.RecordInvalidMessage(id)
		return err
	}
	n.reputation.RecordValidMessage(id)
	for _, b := range accepted {
		n.seen.Observe(b.Hash)
	}
	if len(accepted) == 0 {
		if n.orphans.IsOrphan(block.Hash) {
			n.session.Queue().Enqueue(n.orphans.MissingParents()...)
		}
		return nil
	}

	height, _ := n.chain.Tip()
	n.transport.SetLocalHeight(height, n.totalWork())
	items := make([]InventoryItem, 0, len(accepted))
	for _, b := range accepted {
		items = append(items, InventoryItem{Type: InvBlock, Hash: b.Hash})
	}
	_, err = n.inventory.AnnounceWithRouting(ctx, n.cfg.Region, n.cfg.RelayFanout, Inv{Objects: items})
	return err
}

var errCompactUnsupported = fmt.Errorf("compact relay not enabled: %w", ErrInvalidPayload)

// onCompactBlock rebuilds a block from the mempool, asking the sender for
// whatever the mempool lacks.
func (n *Node) onCompactBlock(ctx context.Context, id string, msg Message) error {
	if n.compact == nil {
		return errCompactUnsupported
	}
	var cb CompactBlock
	if err := decodePayload(msg, &cb); err != nil {
		return err
	}
	hash := cb.Header.Hash
	if hash == (common.Hash{}) {
		return fmt.Errorf("compact block without hash: %w", ErrInvalidPayload)
	}
	n.inventory.MarkKnown(id, hash)
	if n.chain.HaveBlock(hash) || n.orphans.IsOrphan(hash) {
		return nil
	}
	block, missing, err := n.compact.Receive(id, cb)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return n.sendTo(ctx, id, func() (Message, error) {
			return NewGetBlockTxnsMessage(GetBlockTxns{BlockHash: hash, Indexes: missing})
		})
	}
	return n.handleBlock(ctx, id, block)
}

func (n *Node) onGetBlockTxns(ctx context.Context, id string, msg Message) error {
	if n.compact == nil {
		return errCompactUnsupported
	}
	var req GetBlockTxns
	if err := decodePayload(msg, &req); err != nil {
		return err
	}
	block, ok := n.chain.GetBlock(req.BlockHash)
	if !ok {
		return nil
	}
	resp, err := n.compact.Select(block, req.Indexes)
	if err != nil {
		return err
	}
	return n.sendTo(ctx, id, func() (Message, error) { return NewBlockTxnsMessage(resp) })
}

func (n *Node) onBlockTxns(ctx context.Context, id string, msg Message) error {
	if n.compact == nil {
		return errCompactUnsupported
	}
	var resp BlockTxns
	if err := decodePayload(msg, &resp); err != nil {
		return err
	}
	block, err := n.compact.Fill(id, resp)
	if err != nil {
		return err
	}
	return n.handleBlock(ctx, id, block)
}

func (n *Node) onTx(ctx context.Context, id string, msg Message) error {
	var tx Tx
	if err := decodePayload(msg, &tx); err != nil {
		return err
	}
	if tx.Hash == (common.Hash{}) {
		return fmt.Errorf("tx without hash: %w", ErrInvalidPayload)
	}
	n.inventory.MarkKnown(id, tx.Hash)
	if n.seen.Seen(tx.Hash) || n.chain.HaveTx(tx.Hash) {
		return nil
	}
	if err := n.chain.AcceptTx(ctx, &tx); err != nil {
		n.reputation.RecordInvalidMessage(id)
		return fmt.Errorf("accept tx %s: %w", tx.Hash.Hex(), err)
	}
	n.seen.Observe(tx.Hash)
	n.reputation.RecordValidMessage(id)
	_, err := n.inventory.AnnounceWithRouting(ctx, n.cfg.Region, n.cfg.RelayFanout, Inv{Objects: []InventoryItem{{Type: InvTx, Hash: tx.Hash}}})
	return err
}

func (n *Node) onGetBlocks(ctx context.Context, id string, msg Message) error {
	var req GetBlocksPayload
	if err := decodePayload(msg, &req); err != nil {
		return err
	}
	hashes := BlocksAfterLocator(n.chain, req.Locator, req.Limit)
	if len(hashes) == 0 {
		return nil
	}
	items := make([]InventoryItem, 0, len(hashes))
	for _, h := range hashes {
		items = append(items, InventoryItem{Type: InvBlock, Hash: h})
	}
	return n.sendTo(ctx, id, func() (Message, error) { return NewInvMessage(Inv{Objects: items}) })
}

func (n *Node) sendTo(ctx context.Context, id string, build func() (Message, error)) error {
	conn, ok := n.conns.Get(id)
	if !ok {
		return fmt.Errorf("send to %s: %w", id, ErrNotConnected)
	}
	msg, err := build()
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()
	return n.transport.Send(sendCtx, conn, msg)
}

// AnnounceBlock relays a locally produced block to ring-balanced peers.
func (n *Node) AnnounceBlock(ctx context.Context, hash common.Hash) (int, error) {
	n.seen.Observe(hash)
	height, _ := n.chain.Tip()
	n.transport.SetLocalHeight(height, n.totalWork())
	return n.inventory.AnnounceWithRouting(ctx, n.cfg.Region, n.cfg.RelayFanout, Inv{Objects: []InventoryItem{{Type: InvBlock, Hash: hash}}})
}

// AnnounceTx relays a locally submitted transaction.
func (n *Node) AnnounceTx(ctx context.Context, hash common.Hash) (int, error) {
	n.seen.Observe(hash)
	return n.inventory.AnnounceWithRouting(ctx, n.cfg.Region, n.cfg.RelayFanout, Inv{Objects: []InventoryItem{{Type: InvTx, Hash: hash}}})
}

func (n *Node) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.syncTick(ctx)
		}
	}
}

func (n *Node) syncTick(ctx context.Context) {
	n.session.CheckTimeouts()
	if _, err := n.session.Schedule(ctx); err != nil {
		n.logger.Debug("schedule block requests", slog.Any("error", err))
	}
	if !n.session.Queue().IsComplete() {
		return
	}

	height, _ := n.chain.Tip()
	now := n.now()
	n.mu.Lock()
	if now.Sub(n.lastLocatorAt) < defaultLocatorRetryInterval {
		n.mu.Unlock()
		return
	}
	ahead := make([]ChainStatus, 0, len(n.statuses))
	for _, st := range n.statuses {
		if st.Height > height {
			ahead = append(ahead, st)
		}
	}
	n.mu.Unlock()

	target, ok := SelectSyncPeer(ahead)
	if !ok {
		return
	}
	if state, tracked := n.session.Peer(target.NodeID); tracked && state.IsPaused() {
		return
	}
	n.mu.Lock()
	n.lastLocatorAt = now
	n.mu.Unlock()
	if err := n.session.RequestLocator(ctx, n.chain, target.NodeID); err != nil {
		n.logger.Debug("request locator", slog.String("node_id", target.NodeID), slog.Any("error", err))
		return
	}
	n.logger.Info("syncing from peer",
		slog.String("node_id", target.NodeID),
		slog.Uint64("peer_height", target.Height),
		slog.Uint64("local_height", height))
}

func (n *Node) persistLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.persist(); err != nil {
				n.logger.Warn("persist peer state", slog.Any("error", err))
			}
		}
	}
}

func (n *Node) persist() error {
	return errors.Join(n.reputation.Save(), n.store.Flush())
}

func (n *Node) totalWork() string {
	if wr, ok := n.chain.(WorkReporter); ok {
		return wr.TotalWork()
	}
	return ""
}
