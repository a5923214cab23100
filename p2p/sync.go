package p2p

import (
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	initialSyncRTTMs     = 100.0
	syncRTTAlpha         = 0.2
	minSyncWindow        = 4
	maxSyncWindow        = 32
	initialSyncWindow    = 12
	syncWindowGrowStep   = 2
	syncWindowShrinkStep = 1
	syncTargetBudgetMs   = 2000.0
	syncPauseAfter       = 3
	syncPauseDuration    = 30 * time.Second
	minSyncTimeoutMs     = 3000
)

// MaxSyncWindow is the largest request window a single peer can reach.
const MaxSyncWindow = maxSyncWindow

// LocatorHeights returns tip, tip-1, tip-2, tip-4, ... ending at genesis.
func LocatorHeights(tip uint64) []uint64 {
	heights := make([]uint64, 0, 64)
	var offset uint64
	for offset <= tip {
		heights = append(heights, tip-offset)
		if offset == 0 {
			offset = 1
		} else {
			offset *= 2
		}
	}
	if heights[len(heights)-1] != 0 {
		heights = append(heights, 0)
	}
	return heights
}

// BuildBlockLocator returns the main-chain hashes at LocatorHeights of the
// current tip so a peer can find the fork point in O(log height) steps.
func BuildBlockLocator(chain Chain) []common.Hash {
	tip, tipHash := chain.Tip()
	heights := LocatorHeights(tip)
	locator := make([]common.Hash, 0, len(heights))
	for _, h := range heights {
		if h == tip {
			locator = append(locator, tipHash)
			continue
		}
		if hash, ok := chain.HashAtHeight(h); ok {
			locator = append(locator, hash)
		}
	}
	return locator
}

// DownloadQueue tracks wanted and in-flight block hashes for one sync session.
// A hash is in at most one of the two sets, and the in-flight count never
// exceeds the window.
type DownloadQueue struct {
	mu       sync.Mutex
	want     []common.Hash
	wantSet  map[common.Hash]struct{}
	inflight map[common.Hash]struct{}
	window   int
}

// NewDownloadQueue returns an empty queue with the given capacity.
func NewDownloadQueue(window int) *DownloadQueue {
	if window < 1 {
		window = initialSyncWindow
	}
	return &DownloadQueue{
		wantSet:  make(map[common.Hash]struct{}),
		inflight: make(map[common.Hash]struct{}),
		window:   window,
	}
}

// Enqueue appends hashes that are neither wanted nor in flight yet. It
// returns how many were added.
func (q *DownloadQueue) Enqueue(hashes ...common.Hash) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	added := 0
	for _, h := range hashes {
		if _, ok := q.inflight[h]; ok {
			continue
		}
		if _, ok := q.wantSet[h]; ok {
			continue
		}
		q.want = append(q.want, h)
		q.wantSet[h] = struct{}{}
		added++
	}
	return added
}

// NextBatch moves up to window minus in-flight hashes from the front of the
// wanted queue into flight.
func (q *DownloadQueue) NextBatch() []common.Hash {
	return q.NextBatchN(math.MaxInt)
}

// NextBatchN is NextBatch additionally capped at n, used to honour a single
// peer's own window.
func (q *DownloadQueue) NextBatchN(n int) []common.Hash {
	q.mu.Lock()
	defer q.mu.Unlock()
	room := q.window - len(q.inflight)
	if n < room {
		room = n
	}
	if room <= 0 || len(q.want) == 0 {
		return nil
	}
	if room > len(q.want) {
		room = len(q.want)
	}
	batch := make([]common.Hash, room)
	copy(batch, q.want[:room])
	q.want = q.want[room:]
	for _, h := range batch {
		delete(q.wantSet, h)
		q.inflight[h] = struct{}{}
	}
	return batch
}

// MarkReceived frees the in-flight slot held by hash. A hash that arrives
// while still queued is dropped from the queue.
func (q *DownloadQueue) MarkReceived(hash common.Hash) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[hash]; ok {
		delete(q.inflight, hash)
		return true
	}
	if _, ok := q.wantSet[hash]; ok {
		delete(q.wantSet, hash)
		for i, h := range q.want {
			if h == hash {
				q.want = append(q.want[:i], q.want[i+1:]...)
				break
			}
		}
		return true
	}
	return false
}

// Requeue returns in-flight hashes to the front of the queue, e.g. after a
// request timed out. Hashes not in flight are ignored.
func (q *DownloadQueue) Requeue(hashes ...common.Hash) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	back := make([]common.Hash, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := q.inflight[h]; !ok {
			continue
		}
		delete(q.inflight, h)
		q.wantSet[h] = struct{}{}
		back = append(back, h)
	}
	if len(back) > 0 {
		q.want = append(back, q.want...)
	}
	return len(back)
}

// IsComplete reports whether nothing is wanted or in flight.
func (q *DownloadQueue) IsComplete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.want) == 0 && len(q.inflight) == 0
}

// Inflight returns the number of requested but unreceived hashes.
func (q *DownloadQueue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Pending returns the number of hashes waiting to be requested.
func (q *DownloadQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.want)
}

// Window returns the queue capacity. It is fixed for the queue's lifetime.
func (q *DownloadQueue) Window() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.window
}

// PeerSyncState is the adaptive request window for one syncing peer.
type PeerSyncState struct {
	mu          sync.Mutex
	rttEWMA     float64
	inflight    int
	failures    int
	window      int
	pausedUntil time.Time
	now         func() time.Time
}

// NewPeerSyncState returns the initial state: 100 ms RTT and the given
// window, clamped to [4, 32]. A window of zero starts at 12.
func NewPeerSyncState(window int, now func() time.Time) *PeerSyncState {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = initialSyncWindow
	}
	return &PeerSyncState{
		rttEWMA: initialSyncRTTMs,
		window:  max(minSyncWindow, min(window, maxSyncWindow)),
		now:     now,
	}
}

// UpdateRTT folds a round-trip sample into the EWMA and clears the failure streak.
func (s *PeerSyncState) UpdateRTT(sample time.Duration) {
	ms := float64(sample) / float64(time.Millisecond)
	if ms < 0 {
		return
	}
	s.mu.Lock()
	s.rttEWMA = s.rttEWMA*(1-syncRTTAlpha) + ms*syncRTTAlpha
	s.failures = 0
	s.mu.Unlock()
}

// RecordFailure halves the window and, from the third consecutive failure,
// pauses the peer for 30 s.
func (s *PeerSyncState) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window /= 2
	if s.window < minSyncWindow {
		s.window = minSyncWindow
	}
	s.failures++
	if s.failures >= syncPauseAfter {
		s.pausedUntil = s.now().Add(syncPauseDuration)
	}
}

// IsPaused reports whether the peer is still serving a failure pause.
func (s *PeerSyncState) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pausedUntil.IsZero() && s.now().Before(s.pausedUntil)
}

// PausedUntil returns the end of the current pause, zero if never paused.
func (s *PeerSyncState) PausedUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pausedUntil
}

// TargetWindow is clamp(round(2000 / rtt), 4, 32).
func (s *PeerSyncState) TargetWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetLocked()
}

func (s *PeerSyncState) targetLocked() int {
	rtt := s.rttEWMA
	if rtt < 1 {
		rtt = 1
	}
	target := int(math.Round(syncTargetBudgetMs / rtt))
	if target < minSyncWindow {
		target = minSyncWindow
	}
	if target > maxSyncWindow {
		target = maxSyncWindow
	}
	return target
}

// AdaptWindow steps the window toward the target by at most +2 or -1.
func (s *PeerSyncState) AdaptWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.targetLocked()
	switch {
	case target > s.window:
		s.window += min(syncWindowGrowStep, target-s.window)
	case target < s.window:
		s.window -= syncWindowShrinkStep
	}
	return s.window
}

// TimeoutMs is max(3 × rtt, 3000).
func (s *PeerSyncState) TimeoutMs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	timeout := uint64(math.Ceil(3 * s.rttEWMA))
	if timeout < minSyncTimeoutMs {
		timeout = minSyncTimeoutMs
	}
	return timeout
}

// Timeout is TimeoutMs as a duration.
func (s *PeerSyncState) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs()) * time.Millisecond
}

// RTT returns the smoothed round-trip time in milliseconds.
func (s *PeerSyncState) RTT() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rttEWMA
}

// Window returns the current request window.
func (s *PeerSyncState) Window() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// Failures returns the consecutive failure count.
func (s *PeerSyncState) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// AddInflight accounts n new outstanding requests.
func (s *PeerSyncState) AddInflight(n int) {
	s.mu.Lock()
	s.inflight += n
	s.mu.Unlock()
}

// DoneInflight releases n outstanding requests.
func (s *PeerSyncState) DoneInflight(n int) {
	s.mu.Lock()
	s.inflight -= n
	if s.inflight < 0 {
		s.inflight = 0
	}
	s.mu.Unlock()
}

// Inflight returns the outstanding request count.
func (s *PeerSyncState) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Capacity returns how many more requests the peer may take now.
func (s *PeerSyncState) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.window - s.inflight; c > 0 {
		return c
	}
	return 0
}
