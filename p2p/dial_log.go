package p2p

import (
	"sync"
	"time"
)

const defaultDialLogSize = 100

// DialFailure is one failed outbound attempt.
type DialFailure struct {
	Address string    `json:"address"`
	Reason  string    `json:"reason"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
}

// DialLog keeps the most recent dial failures for diagnostics. It is memory
// only and never feeds back into peer selection.
type DialLog struct {
	mu      sync.Mutex
	size    int
	entries []DialFailure
}

// NewDialLog returns a log holding at most size failures (default 100).
func NewDialLog(size int) *DialLog {
	if size <= 0 {
		size = defaultDialLogSize
	}
	return &DialLog{size: size, entries: make([]DialFailure, 0, size)}
}

// Record classifies err and appends the failure, dropping the oldest entry
// once the log is full. A nil log ignores the call.
func (l *DialLog) Record(addr, source string, err error, at time.Time) {
	if l == nil || err == nil {
		return
	}
	entry := DialFailure{Address: addr, Reason: dialFailureReason(err), Source: source, At: at}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == l.size {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.size-1]
	}
	l.entries = append(l.entries, entry)
}

// Recent returns every held failure, newest first.
func (l *DialLog) Recent() []DialFailure {
	return l.filter(func(DialFailure) bool { return true })
}

// ForAddress returns the held failures for addr, newest first.
func (l *DialLog) ForAddress(addr string) []DialFailure {
	return l.filter(func(f DialFailure) bool { return f.Address == addr })
}

// Since counts failures at or after t.
func (l *DialLog) Since(t time.Time) int {
	return len(l.filter(func(f DialFailure) bool { return !f.At.Before(t) }))
}

func (l *DialLog) filter(keep func(DialFailure) bool) []DialFailure {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DialFailure, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		if keep(l.entries[i]) {
			out = append(out, l.entries[i])
		}
	}
	return out
}
