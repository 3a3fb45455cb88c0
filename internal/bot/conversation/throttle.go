package conversation

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the maximum number of prompts accepted per user
	// per minute when no explicit limit is configured.
	DefaultRateLimit = 10

	// defaultRateLimitWindow is the sliding window duration.
	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-user sliding-window limit on inbound prompts,
// in front of (and independent of) the per-conversation cooldown.
//
// It holds the prompt timestamps for each user within the current window
// and prunes stale entries on every Allow call, keeping memory bounded to
// O(limit) entries per active user.
//
// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string][]time.Time
}

// NewRateLimiter returns a RateLimiter allowing at most limit prompts per
// user within window. Non-positive arguments fall back to the defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string][]time.Time),
	}
}

// Allow reports whether the user may submit another prompt and records the
// current timestamp when they may. Returns false once the user has
// exhausted their quota for the current window.
func (r *RateLimiter) Allow(user string) bool {
	return r.allowAt(user, time.Now())
}

// allowAt is the time-injectable core of Allow (for testing).
func (r *RateLimiter) allowAt(user string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)

	existing := r.counters[user]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= r.limit {
		r.counters[user] = valid
		return false
	}

	r.counters[user] = append(valid, now)
	return true
}

// Remaining returns how many prompts the user can still submit within the
// current window.
func (r *RateLimiter) Remaining(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.window)
	count := 0
	for _, t := range r.counters[user] {
		if t.After(cutoff) {
			count++
		}
	}
	if rem := r.limit - count; rem > 0 {
		return rem
	}
	return 0
}
