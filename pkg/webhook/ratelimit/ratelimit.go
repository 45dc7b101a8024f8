// Package ratelimit provides per-client rate limiting for webhook
// endpoints. The in-memory limiter suits a single instance; the Redis
// limiter shares a TTL-bearing counter across instances so correctness
// does not depend on any one process's memory.
package ratelimit

import (
	"context"
	"net/http"

	"github.com/merchmail/gobilling/pkg/webhook/internal"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	// Allow reports whether the request identified by key is within limits.
	Allow(ctx context.Context, key string) (bool, error)
}

// Middleware wraps an HTTP handler with per-client-IP rate limiting.
// A limiter error fails open: webhook delivery matters more than limiting,
// and the gateway retries on 429 anyway.
func Middleware(limiter Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := limiter.Allow(r.Context(), internal.GetClientIP(r))
		if err == nil && !allowed {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
