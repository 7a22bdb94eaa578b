package guard

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter enforces a sliding-window operations cap per
// (operation, key-prefix) pair. Stale timestamps are pruned on each check,
// which bounds memory without a separate reaper.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	windows map[string][]time.Time
}

func newRateLimiter(window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:  window,
		windows: make(map[string][]time.Time),
	}
}

// allow records one operation at now and reports whether the window still has
// room under max. Exactly max operations per window are permitted; the
// max+1th is denied.
func (r *rateLimiter) allow(key string, max int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	kept := r.windows[key][:0]
	for _, ts := range r.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= max {
		r.windows[key] = kept
		return false
	}

	r.windows[key] = append(kept, now)
	return true
}

// keyPrefix extracts the keyspace portion of a key for rate-limit grouping.
// Keys follow the "keyspace:rest" convention; keys without a separator group
// as themselves.
func keyPrefix(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
