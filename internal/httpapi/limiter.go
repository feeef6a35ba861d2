package httpapi

import (
	"sync"
	"time"
)

// rateLimiter is a sliding-window counter keyed by user id.
type rateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	entries map[string][]time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{max: max, window: window, now: time.Now, entries: make(map[string][]time.Time)}
}

func (l *rateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept

	if len(l.entries) > 1024 {
		l.pruneLocked(cutoff)
	}
	return true
}

func (l *rateLimiter) pruneLocked(cutoff time.Time) {
	for key, history := range l.entries {
		if len(history) == 0 || !history[len(history)-1].After(cutoff) {
			delete(l.entries, key)
		}
	}
}
