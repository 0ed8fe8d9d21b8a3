package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket 단일 키의 토큰 버킷. Redis 없이 인스턴스 로컬로 제한할 때 사용
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // 초당 리필 토큰 수
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket 가득 찬 버킷 생성
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow 토큰 1개 소비
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN 토큰 n개가 있으면 소비하고 true
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// full 리필 후 가득 찼으면 true (한동안 쓰이지 않은 버킷)
func (tb *TokenBucket) full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens >= tb.capacity
}

// RateLimiter 키(플레이어, IP)별 토큰 버킷 모음
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter 생성 후 백그라운드 정리 루프 시작. 다 쓰면 Stop 호출
func NewRateLimiter(capacity, refillRate int64) *RateLimiter {
	rl := &RateLimiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop(10 * time.Minute)
	return rl
}

// Allow 키의 요청 허용 여부
func (rl *RateLimiter) Allow(key string) bool {
	return rl.bucket(key).Allow()
}

func (rl *RateLimiter) bucket(key string) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = newTokenBucket(rl.capacity, rl.refillRate, rl.now)
		rl.buckets[key] = b
	}
	return b
}

// Reset 키의 버킷 제거
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// Len 활성 버킷 수
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop 정리 루프 종료
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup 가득 찬(최근에 쓰이지 않은) 버킷 제거
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, b := range rl.buckets {
		if b.full() {
			delete(rl.buckets, key)
		}
	}
}
