package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
)

const (
	defaultOrphanCapacity = 512
	defaultOrphanMaxAge   = 20 * time.Minute
)

type orphanEntry struct {
	block   *Block
	addedAt time.Time
}

// OrphanPoolConfig tunes the pool.
type OrphanPoolConfig struct {
	Capacity int
	Logger   *slog.Logger
	Now      func() time.Time
}

// OrphanPool buffers blocks whose parent is not yet known. Entries leave the
// pool by adoption, by FIFO eviction when full, or by age.
type OrphanPool struct {
	capacity int
	logger   *slog.Logger
	now      func() time.Time
	metrics  *networkMetrics

	mu sync.Mutex
	// order holds the orphans in insertion order. It is only ever read with
	// Peek so lookups never reorder it.
	order   lru.BasicLRU[common.Hash, orphanEntry]
	waiting map[common.Hash][]common.Hash
}

// NewOrphanPool returns an empty pool.
func NewOrphanPool(cfg OrphanPoolConfig) *OrphanPool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultOrphanCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OrphanPool{
		capacity: cfg.Capacity,
		logger:   cfg.Logger.With(slog.String("component", "orphans")),
		now:      cfg.Now,
		metrics:  newNetworkMetrics(),
		order:    lru.NewBasicLRU[common.Hash, orphanEntry](cfg.Capacity),
		waiting:  make(map[common.Hash][]common.Hash),
	}
}

// AddOrphan buffers block. It returns false if the hash is already held.
func (p *OrphanPool) AddOrphan(block *Block) bool {
	if block == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.order.Contains(block.Hash) {
		return false
	}
	if p.order.Len() >= p.capacity {
		if oldest, _, ok := p.order.GetOldest(); ok {
			removed := p.evictLocked(oldest)
			p.logger.Debug("orphan pool full, evicted oldest",
				slog.String("hash", oldest.Hex()),
				slog.Int("removed", removed))
		}
	}
	p.order.Add(block.Hash, orphanEntry{block: block, addedAt: p.now()})
	p.waiting[block.ParentHash] = append(p.waiting[block.ParentHash], block.Hash)
	p.metrics.setOrphans(p.order.Len())
	return true
}

// GetChildren pops every orphan buffered under parent.
func (p *OrphanPool) GetChildren(parent common.Hash) []*Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	children := p.waiting[parent]
	delete(p.waiting, parent)
	out := make([]*Block, 0, len(children))
	for _, hash := range children {
		entry, ok := p.order.Peek(hash)
		if !ok {
			continue
		}
		p.order.Remove(hash)
		out = append(out, entry.block)
	}
	p.metrics.setOrphans(p.order.Len())
	return out
}

// AdoptChildren releases the orphans of a block the chain just accepted.
// Callers must re-invoke it for each released block to adopt descendants.
func (p *OrphanPool) AdoptChildren(parent common.Hash) []*Block {
	return p.GetChildren(parent)
}

// IsOrphan reports whether hash is buffered.
func (p *OrphanPool) IsOrphan(hash common.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Contains(hash)
}

// GetOrphan returns the buffered block for hash.
func (p *OrphanPool) GetOrphan(hash common.Hash) (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.order.Peek(hash)
	if !ok {
		return nil, false
	}
	return entry.block, true
}

// Len returns the number of buffered orphans.
func (p *OrphanPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// MissingParents lists parent hashes that orphans are waiting on and that are
// not themselves buffered, i.e. the blocks worth requesting from peers.
func (p *OrphanPool) MissingParents() []common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]common.Hash, 0, len(p.waiting))
	for _, hash := range p.order.Keys() {
		entry, _ := p.order.Peek(hash)
		parent := entry.block.ParentHash
		if p.order.Contains(parent) || containsHash(out, parent) {
			continue
		}
		out = append(out, parent)
	}
	return out
}

// PruneOld drops orphans older than maxAge.
func (p *OrphanPool) PruneOld(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = defaultOrphanMaxAge
	}
	return p.ExpireOlderThan(p.now().Add(-maxAge))
}

// ExpireOlderThan drops orphans added before cutoff, together with any
// orphans that were waiting on them.
func (p *OrphanPool) ExpireOlderThan(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for {
		oldest, entry, ok := p.order.GetOldest()
		if !ok || !entry.addedAt.Before(cutoff) {
			break
		}
		removed += p.evictLocked(oldest)
	}
	p.metrics.setOrphans(p.order.Len())
	return removed
}

// Run prunes aged orphans every interval until ctx ends.
func (p *OrphanPool) Run(ctx context.Context, interval, maxAge time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("orphan prune interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := p.PruneOld(maxAge); n > 0 {
				p.logger.Info("pruned aged orphans", slog.Int("count", n))
			}
		}
	}
}

// evictLocked removes hash, unlinks it from its parent's waiting list and
// cascades to every orphan that was waiting on it. It returns how many
// orphans were removed.
func (p *OrphanPool) evictLocked(hash common.Hash) int {
	entry, ok := p.order.Peek(hash)
	if !ok {
		return 0
	}
	p.order.Remove(hash)
	removed := 1

	parent := entry.block.ParentHash
	siblings := p.waiting[parent]
	for i, h := range siblings {
		if h == hash {
			siblings = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(siblings) == 0 {
		delete(p.waiting, parent)
	} else {
		p.waiting[parent] = siblings
	}

	children := p.waiting[hash]
	delete(p.waiting, hash)
	for _, child := range children {
		removed += p.evictLocked(child)
	}
	return removed
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, v := range list {
		if v == h {
			return true
		}
	}
	return false
}

// ProcessBlock hands block to the chain, or buffers it when its parent is
// unknown. On acceptance every buffered descendant is adopted transitively.
// It returns the blocks accepted, in order.
func ProcessBlock(ctx context.Context, chain Chain, pool *OrphanPool, block *Block) ([]*Block, error) {
	if block == nil {
		return nil, fmt.Errorf("nil block: %w", ErrInvalidPayload)
	}
	if chain.HaveBlock(block.Hash) || pool.IsOrphan(block.Hash) {
		return nil, nil
	}
	if block.Height > 0 && !chain.HaveBlock(block.ParentHash) {
		pool.AddOrphan(block)
		return nil, nil
	}
	if err := chain.AcceptBlock(ctx, block); err != nil {
		return nil, fmt.Errorf("accept block %s: %w", block.Hash.Hex(), err)
	}
	accepted := []*Block{block}
	queue := []common.Hash{block.Hash}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range pool.AdoptChildren(parent) {
			if err := chain.AcceptBlock(ctx, child); err != nil {
				pool.logger.Warn("adopted orphan rejected",
					slog.String("hash", child.Hash.Hex()),
					slog.Any("error", err))
				continue
			}
			accepted = append(accepted, child)
			queue = append(queue, child.Hash)
		}
	}
	return accepted, nil
}
