package p2p

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
)

const defaultSeenCapacity = 8192

// SeenFilter remembers recently processed hashes so duplicates arriving from
// several peers are handled once.
type SeenFilter struct {
	cache *lru.Cache[common.Hash, struct{}]
}

// NewSeenFilter returns a filter holding up to capacity hashes.
func NewSeenFilter(capacity int) *SeenFilter {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &SeenFilter{cache: lru.NewCache[common.Hash, struct{}](capacity)}
}

// Observe marks hash as seen and reports whether it was new.
func (f *SeenFilter) Observe(hash common.Hash) bool {
	if f.cache.Contains(hash) {
		return false
	}
	f.cache.Add(hash, struct{}{})
	return true
}

// Seen reports whether hash was observed recently.
func (f *SeenFilter) Seen(hash common.Hash) bool {
	return f.cache.Contains(hash)
}

// Len returns the number of remembered hashes.
func (f *SeenFilter) Len() int {
	return f.cache.Len()
}
