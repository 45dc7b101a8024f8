package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter provides simple in-memory rate limiting keyed by client.
// Suitable only for single-instance deployments; behind a load balancer,
// use RedisLimiter so all instances share one counter store.
type MemoryLimiter struct {
	mu            sync.Mutex
	requests      map[string]*bucket
	limit         int           // max requests per window
	window        time.Duration // time window
	requestCount  int           // counter for deterministic cleanup
	cleanupEvery  int           // cleanup every N requests
	cleanupAtSize int           // cleanup when map size exceeds this
	now           func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter creates a limiter with the specified limit and window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		requests:      make(map[string]*bucket),
		limit:         limit,
		window:        window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Deterministic cleanup: run every N requests or when the map grows,
	// instead of leaking an unstoppable background goroutine.
	l.requestCount++
	if l.requestCount%l.cleanupEvery == 0 || len(l.requests) > l.cleanupAtSize {
		l.cleanupExpired(now)
		if l.requestCount >= l.cleanupEvery*10 {
			l.requestCount = 0
		}
	}

	b, exists := l.requests[key]
	if !exists || now.After(b.resetAt) {
		l.requests[key] = &bucket{count: 1, resetAt: now.Add(l.window)}
		return true, nil
	}

	if b.count >= l.limit {
		return false, nil
	}

	b.count++
	return true, nil
}

// cleanupExpired removes expired entries to prevent unbounded growth.
func (l *MemoryLimiter) cleanupExpired(now time.Time) {
	for key, b := range l.requests {
		if now.After(b.resetAt) {
			delete(l.requests, key)
		}
	}
}

// Cleanup removes all expired entries. Can be called periodically for
// proactive cleanup.
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupExpired(l.now())
}
