// Package ratelimit bounds how many requests a principal may issue per
// window. Decision endpoints are cheap but fan out to the constraint
// store, so the limit protects the store rather than the HTTP layer.
package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// sweepInterval is how many Allow calls pass between full expiry sweeps.
const sweepInterval = 1024

type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]bucket
	calls   int
}

type bucket struct {
	hits    int
	expires time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: make(map[string]bucket),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls%sweepInterval == 0 {
		l.sweep(now)
	}
	b, ok := l.buckets[key]
	if !ok || now.After(b.expires) {
		b = bucket{expires: now.Add(l.window)}
	}
	b.hits++
	l.buckets[key] = b
	return tally(b.hits, limit, b.expires)
}

func (l *InMemoryLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.After(b.expires) {
			delete(l.buckets, k)
		}
	}
}

func tally(hits, limit int, resetAt time.Time) Decision {
	remaining := limit - hits
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   hits <= limit,
		Count:     hits,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
