package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/pkg/ratelimit"
)

// RedisRateLimitConfig Redis 기반 Rate Limit 설정
type RedisRateLimitConfig struct {
	Limiter *ratelimit.RedisRateLimiter
	Limit   int           // 윈도우 내 최대 요청 수
	Window  time.Duration // 윈도우 크기
	KeyFunc func(*gin.Context) string
	Logger  *zap.Logger
}

// DefaultKeyFunc 인증된 플레이어면 플레이어 ID, 아니면 IP
func DefaultKeyFunc(c *gin.Context) string {
	if userID := c.GetString(ContextUserID); userID != "" {
		return "user:" + userID
	}
	return "ip:" + c.ClientIP()
}

// IPKeyFunc IP 기반 키 (인증 전 엔드포인트)
func IPKeyFunc(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// RedisRateLimitMiddleware Redis 기반 분산 Rate Limiting 미들웨어.
// Redis 오류 시 요청을 통과시킨다 (fail-open)
func RedisRateLimitMiddleware(config RedisRateLimitConfig) gin.HandlerFunc {
	if config.KeyFunc == nil {
		config.KeyFunc = DefaultKeyFunc
	}
	if config.Limit <= 0 {
		config.Limit = 60
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		key := c.FullPath() + ":" + config.KeyFunc(c)

		allowed, info, err := config.Limiter.AllowWithInfo(c.Request.Context(), key, config.Limit, config.Window)
		if err != nil {
			config.Logger.Warn("Redis rate limit error", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(info.ResetTime).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))

			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"message":     fmt.Sprintf("Too many requests. Limit: %d per %v", config.Limit, config.Window),
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// FindRateLimit 매칭 요청 Rate Limit (플레이어별 분당 perMinute회)
func FindRateLimit(limiter *ratelimit.RedisRateLimiter, perMinute int, logger *zap.Logger) gin.HandlerFunc {
	return RedisRateLimitMiddleware(RedisRateLimitConfig{
		Limiter: limiter,
		Limit:   perMinute,
		Window:  time.Minute,
		KeyFunc: DefaultKeyFunc,
		Logger:  logger,
	})
}

// LocalRateLimit 인스턴스 로컬 Rate Limit (WebSocket 업그레이드처럼 연결 단위로 묶인 요청용)
func LocalRateLimit(limiter *ratelimit.RateLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc
	}
	return func(c *gin.Context) {
		if !limiter.Allow(keyFunc(c)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
