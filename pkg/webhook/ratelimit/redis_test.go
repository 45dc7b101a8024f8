package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func TestRedisLimiter_RequiresClient(t *testing.T) {
	_, err := NewRedisLimiter(nil, 10, time.Minute, "")
	require.Error(t, err)
}

func TestRedisLimiter_AllowsWithinLimit(t *testing.T) {
	client := newTestRedisClient(t)
	key := fmt.Sprintf("client-%d", time.Now().UnixNano())

	limiter, err := NewRedisLimiter(client, 5, time.Minute, "gobilling_test:ratelimit:")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i)
	}

	allowed, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, allowed, "request over the limit should be denied")
}

func TestRedisLimiter_KeysAreIndependent(t *testing.T) {
	client := newTestRedisClient(t)
	now := time.Now().UnixNano()

	limiter, err := NewRedisLimiter(client, 1, time.Minute, "gobilling_test:ratelimit:")
	require.NoError(t, err)

	ctx := context.Background()
	allowed, err := limiter.Allow(ctx, fmt.Sprintf("a-%d", now))
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, fmt.Sprintf("a-%d", now))
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = limiter.Allow(ctx, fmt.Sprintf("b-%d", now))
	require.NoError(t, err)
	assert.True(t, allowed, "a different client should have its own counter")
}

func TestRedisLimiter_CounterCarriesTTL(t *testing.T) {
	client := newTestRedisClient(t)
	key := fmt.Sprintf("ttl-%d", time.Now().UnixNano())

	limiter, err := NewRedisLimiter(client, 10, time.Minute, "gobilling_test:ratelimit:")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = limiter.Allow(ctx, key)
	require.NoError(t, err)

	ttl, err := client.TTL(ctx, "gobilling_test:ratelimit:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "counter must expire with the window")
}
