package p2p

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// peerRateLimiter hands out one token bucket per peer.
type peerRateLimiter struct {
	rate  rate.Limit
	burst int

	mu     sync.Mutex
	limits map[string]*rate.Limiter
}

func newPeerRateLimiter(perSecond float64, burst int) *peerRateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &peerRateLimiter{
		rate:   rate.Limit(perSecond),
		burst:  burst,
		limits: make(map[string]*rate.Limiter),
	}
}

func (l *peerRateLimiter) allow(peerID string, now time.Time) bool {
	if l == nil || peerID == "" {
		return true
	}
	l.mu.Lock()
	limiter := l.limits[peerID]
	if limiter == nil {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limits[peerID] = limiter
	}
	l.mu.Unlock()
	return limiter.AllowN(now, 1)
}

func (l *peerRateLimiter) forget(peerID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limits, peerID)
	l.mu.Unlock()
}

// newPacer returns a limiter that spaces consecutive operations by interval.
// A non-positive interval never blocks.
func newPacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
