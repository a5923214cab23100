package p2p

import (
	"sync"
	"time"
)

const (
	defaultMaxFailures        = 5
	defaultFailureResetWindow = 600 * time.Second
)

type failureEntry struct {
	count       int
	lastAttempt time.Time
}

// FailureTracker is a sliding-window circuit breaker over dial attempts.
// Entries whose last failure falls outside the window are pruned, not decayed.
type FailureTracker struct {
	maxFailures int
	window      time.Duration

	mu      sync.Mutex
	entries map[string]failureEntry
}

// NewFailureTracker returns a tracker; non-positive arguments take the defaults (5, 600 s).
func NewFailureTracker(maxFailures int, window time.Duration) *FailureTracker {
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	if window <= 0 {
		window = defaultFailureResetWindow
	}
	return &FailureTracker{
		maxFailures: maxFailures,
		window:      window,
		entries:     make(map[string]failureEntry),
	}
}

// RecordFailure counts a failed attempt at now. A failure arriving after the
// window has lapsed starts a fresh count.
func (t *FailureTracker) RecordFailure(nodeID string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.entries[nodeID]
	if !entry.lastAttempt.IsZero() && now.Sub(entry.lastAttempt) > t.window {
		entry.count = 0
	}
	entry.count++
	entry.lastAttempt = now
	t.entries[nodeID] = entry
	return entry.count
}

// Reset forgets nodeID, typically after a successful connection.
func (t *FailureTracker) Reset(nodeID string) {
	t.mu.Lock()
	delete(t.entries, nodeID)
	t.mu.Unlock()
}

// ShouldSkip reports whether nodeID has failed too often within the window.
func (t *FailureTracker) ShouldSkip(nodeID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[nodeID]
	if !ok {
		return false
	}
	if now.Sub(entry.lastAttempt) > t.window {
		delete(t.entries, nodeID)
		return false
	}
	return entry.count >= t.maxFailures
}

// Cleanup prunes entries outside the window and returns how many were dropped.
func (t *FailureTracker) Cleanup(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, entry := range t.entries {
		if now.Sub(entry.lastAttempt) > t.window {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked peers.
func (t *FailureTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
