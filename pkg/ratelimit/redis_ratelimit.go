package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript 토큰 리필과 소비를 원자적으로 처리
// KEYS[1] = bucket key, ARGV = limit, window(sec), now(sec)
// 반환: {allowed, remaining, resetAt}
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens_key = key .. ":tokens"
local timestamp_key = key .. ":timestamp"

local tokens = tonumber(redis.call('GET', tokens_key))
local last_update = tonumber(redis.call('GET', timestamp_key))

if tokens == nil or last_update == nil then
	tokens = limit
	last_update = now
end

local elapsed = math.max(0, now - last_update)
local new_tokens = math.min(limit, tokens + (elapsed * limit / window))

local allowed = 0
if new_tokens >= 1 then
	new_tokens = new_tokens - 1
	allowed = 1
end

redis.call('SET', tokens_key, tostring(new_tokens), 'EX', window * 2)
redis.call('SET', timestamp_key, tostring(now), 'EX', window * 2)

return {allowed, math.floor(new_tokens), now + window}
`)

// RedisRateLimiter Redis 기반 분산 Rate Limiter (Token Bucket 알고리즘).
// 모든 API 인스턴스가 같은 버킷을 공유한다
type RedisRateLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisRateLimiter 공유 Redis 클라이언트로 Rate Limiter 생성
func NewRedisRateLimiter(client redis.UniversalClient, keyPrefix string) *RedisRateLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &RedisRateLimiter{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

// RateLimitInfo Rate Limit 상세 정보
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Allow 요청 허용 여부 확인
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	allowed, _, err := r.AllowWithInfo(ctx, key, limit, window)
	return allowed, err
}

// AllowWithInfo 요청 허용 여부와 헤더용 상세 정보 반환
func (r *RedisRateLimiter) AllowWithInfo(ctx context.Context, key string, limit int, window time.Duration) (bool, *RateLimitInfo, error) {
	if limit <= 0 {
		return false, nil, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	result, err := tokenBucketScript.Run(ctx, r.client, []string{r.keyPrefix + key}, limit, seconds, r.now().Unix()).Slice()
	if err != nil {
		return false, nil, fmt.Errorf("redis script execution failed: %w", err)
	}
	if len(result) < 3 {
		return false, nil, fmt.Errorf("invalid script result")
	}

	allowed, _ := result[0].(int64)
	remaining, _ := result[1].(int64)
	resetAt, _ := result[2].(int64)

	return allowed == 1, &RateLimitInfo{
		Limit:     limit,
		Remaining: int(remaining),
		ResetTime: time.Unix(resetAt, 0),
	}, nil
}

// Reset 특정 키의 Rate Limit 초기화
func (r *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	redisKey := r.keyPrefix + key
	if err := r.client.Del(ctx, redisKey+":tokens", redisKey+":timestamp").Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
