package engine

import (
	"sync"
	"time"
)

// rateLimiter is a sliding-window counter over the last minute. The window
// is gateway-global, not per-session.
type rateLimiter struct {
	mu         sync.Mutex
	max        int
	window     time.Duration
	timestamps []time.Time
	now        func() time.Time
}

func newRateLimiter(maxPerMinute int, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{max: maxPerMinute, window: time.Minute, now: now}
}

// Allow records one request if the window has room and reports whether it
// was admitted. A rejected request leaves the window untouched.
func (r *rateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	kept := r.timestamps[:0]
	for _, ts := range r.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.timestamps = kept

	if len(r.timestamps) >= r.max {
		return false
	}
	r.timestamps = append(r.timestamps, r.now())
	return true
}
