package p2p

import (
	"container/list"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

const (
	defaultNonceWindow     = 10 * time.Minute
	defaultNonceMaxEntries = 64 * 1024
)

// nonceGuard rejects handshake nonces a node has already used within the
// window. Entries expire by age or, past maxEntries, oldest first.
type nonceGuard struct {
	window     time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceRecord struct {
	key  string
	seen time.Time
}

func newNonceGuard(window time.Duration) *nonceGuard {
	if window <= 0 {
		window = defaultNonceWindow
	}
	return &nonceGuard{
		window:     window,
		maxEntries: defaultNonceMaxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// canonicalizeNonce lowercases a hex or uuid nonce and strips an optional 0x
// prefix and dashes. It reports false for anything that is not hex.
func canonicalizeNonce(raw string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	trimmed = strings.TrimPrefix(trimmed, "0x")
	trimmed = strings.ReplaceAll(trimmed, "-", "")
	if trimmed == "" {
		return "", false
	}
	if len(trimmed)%2 == 1 {
		trimmed = "0" + trimmed
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", false
	}
	return trimmed, true
}

// Remember returns true the first time (nodeID, nonce) is seen in the window.
func (g *nonceGuard) Remember(nodeID, nonce string, observedAt time.Time) bool {
	canonical, ok := canonicalizeNonce(nonce)
	if !ok {
		return false
	}
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	digest := blake3.Sum256([]byte(strings.ToLower(strings.TrimSpace(nodeID)) + ":" + canonical))
	key := hex.EncodeToString(digest[:16])

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(observedAt)
	if elem, exists := g.entries[key]; exists {
		elem.Value.(*nonceRecord).seen = observedAt
		g.order.MoveToFront(elem)
		return false
	}
	g.entries[key] = g.order.PushFront(&nonceRecord{key: key, seen: observedAt})
	for g.order.Len() > g.maxEntries {
		g.removeLocked(g.order.Back())
	}
	return true
}

// Len returns the number of remembered nonces.
func (g *nonceGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len()
}

func (g *nonceGuard) pruneLocked(now time.Time) {
	threshold := now.Add(-g.window)
	for elem := g.order.Back(); elem != nil; elem = g.order.Back() {
		if !elem.Value.(*nonceRecord).seen.Before(threshold) {
			return
		}
		g.removeLocked(elem)
	}
}

func (g *nonceGuard) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	g.order.Remove(elem)
	delete(g.entries, elem.Value.(*nonceRecord).key)
}
