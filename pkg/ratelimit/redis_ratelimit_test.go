package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisRateLimiter 인메모리 Redis와 고정 시계를 쓰는 Rate Limiter
func setupRedisRateLimiter(t *testing.T) (*RedisRateLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	now := time.Unix(1_700_000_000, 0)
	limiter := NewRedisRateLimiter(client, "test:ratelimit:")
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestRedisRateLimiter_TokenBucket(t *testing.T) {
	limiter, _ := setupRedisRateLimiter(t)
	ctx := context.Background()
	limit := 3

	t.Run("제한 내 요청은 모두 허용", func(t *testing.T) {
		for i := 0; i < limit; i++ {
			allowed, err := limiter.Allow(ctx, "user:456", limit, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed, "Request %d should be allowed", i+1)
		}
	})

	t.Run("제한 초과 요청은 거부", func(t *testing.T) {
		allowed, err := limiter.Allow(ctx, "user:456", limit, time.Minute)
		require.NoError(t, err)
		assert.False(t, allowed)
	})
}

func TestRedisRateLimiter_AllowWithInfo(t *testing.T) {
	limiter, now := setupRedisRateLimiter(t)
	ctx := context.Background()

	allowed, info, err := limiter.AllowWithInfo(ctx, "user:789", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 5, info.Limit)
	assert.Equal(t, 4, info.Remaining)
	assert.Equal(t, now.Add(time.Minute).Unix(), info.ResetTime.Unix())

	limiter.Allow(ctx, "user:789", 5, time.Minute)
	limiter.Allow(ctx, "user:789", 5, time.Minute)

	_, info, err = limiter.AllowWithInfo(ctx, "user:789", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Remaining)

	_, _, err = limiter.AllowWithInfo(ctx, "user:789", 0, time.Minute)
	assert.Error(t, err)
}

func TestRedisRateLimiter_TokenRefill(t *testing.T) {
	limiter, now := setupRedisRateLimiter(t)
	ctx := context.Background()
	window := 2 * time.Second

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "user:refill", 2, window)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, _ := limiter.Allow(ctx, "user:refill", 2, window)
	assert.False(t, allowed, "tokens exhausted")

	// 1초 경과 -> 토큰 1개 리필
	*now = now.Add(time.Second)
	allowed, _ = limiter.Allow(ctx, "user:refill", 2, window)
	assert.True(t, allowed)
	allowed, _ = limiter.Allow(ctx, "user:refill", 2, window)
	assert.False(t, allowed)
}

func TestRedisRateLimiter_ResetAndKeys(t *testing.T) {
	limiter, _ := setupRedisRateLimiter(t)
	ctx := context.Background()

	limiter.Allow(ctx, "user:a", 1, time.Minute)
	allowed, _ := limiter.Allow(ctx, "user:a", 1, time.Minute)
	assert.False(t, allowed)

	allowed, _ = limiter.Allow(ctx, "user:b", 1, time.Minute)
	assert.True(t, allowed, "keys are independent")

	require.NoError(t, limiter.Reset(ctx, "user:a"))
	allowed, _ = limiter.Allow(ctx, "user:a", 1, time.Minute)
	assert.True(t, allowed)
}

func TestRedisRateLimiter_ConcurrentRequests(t *testing.T) {
	limiter, _ := setupRedisRateLimiter(t)
	ctx := context.Background()
	limit := 10

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := limiter.Allow(ctx, "user:concurrent", limit, time.Minute)
			if err == nil && ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed)
}
