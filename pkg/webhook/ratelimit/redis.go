package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares a fixed-window counter with TTL across process
// instances. The INCR and the expiry are set atomically via a Lua script so
// a crash between them cannot strand a counter without a TTL.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	script *redis.Script
}

// NewRedisLimiter creates a limiter backed by the given Redis client.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration, keyPrefix string) (*RedisLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "gobilling:ratelimit:"
	}

	script := redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return count
	`)

	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: keyPrefix,
		script: script,
	}, nil
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.script.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return count <= l.limit, nil
}
