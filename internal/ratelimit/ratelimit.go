// Package ratelimit provides a fixed-window in-memory request limiter.
//
// State is single-process and lost on restart. That is an explicit
// boundary of this design: it is only suitable for single-instance
// deployments.
package ratelimit

import (
	"math/rand"
	"sync"
	"time"
)

// Result reports the outcome of a limit check. ResetTime is epoch
// milliseconds and should be surfaced to denied callers as a retry-after
// hint.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime int64
}

type entry struct {
	count   int
	resetAt int64
}

// Limiter counts requests per key in fixed windows. Expired entries are
// treated as absent even before physical cleanup; a small random
// fraction of calls sweeps them out to bound memory growth.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	now func() time.Time
}

// New creates a Limiter.
func New() *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Check records a request for key and reports whether it is allowed
// under maxRequests per window.
func (l *Limiter) Check(key string, maxRequests int, window time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UnixMilli()

	// Amortized cleanup on ~1% of calls. Correctness never depends on it.
	if rand.Float64() < 0.01 {
		l.sweepLocked(now)
	}

	e, ok := l.entries[key]
	if !ok || now >= e.resetAt {
		resetAt := now + window.Milliseconds()
		l.entries[key] = &entry{count: 1, resetAt: resetAt}
		return Result{Allowed: true, Remaining: maxRequests - 1, ResetTime: resetAt}
	}

	if e.count < maxRequests {
		e.count++
		return Result{Allowed: true, Remaining: maxRequests - e.count, ResetTime: e.resetAt}
	}

	return Result{Allowed: false, Remaining: 0, ResetTime: e.resetAt}
}

// Reset clears the window for a single key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Clear drops all rate limit state.
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry)
}

func (l *Limiter) sweepLocked(now int64) {
	for key, e := range l.entries {
		if now >= e.resetAt {
			delete(l.entries, key)
		}
	}
}
