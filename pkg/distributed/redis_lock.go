package distributed

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockNotHeld     = errors.New("lock not held")
)

// 자신이 획득한 락만 해제
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// 자신이 획득한 락만 TTL 연장
var extendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// RedisLock SET NX 기반 분산 락 (소유자 값으로 보호)
type RedisLock struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

// RedisLockManager 분산 락 관리자
type RedisLockManager struct {
	client redis.UniversalClient
}

// NewRedisLockManager Redis Lock Manager 생성
func NewRedisLockManager(client redis.UniversalClient) *RedisLockManager {
	return &RedisLockManager{client: client}
}

// AcquireLock 락 획득 시도 (대기 없음)
func (m *RedisLockManager) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (*RedisLock, error) {
	ok, err := m.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	return &RedisLock{client: m.client, key: key, owner: owner, ttl: ttl}, nil
}

// WithLock 락을 획득한 경우에만 fn 실행. 다른 인스턴스가 보유 중이면 (false, nil)
func (m *RedisLockManager) WithLock(ctx context.Context, key, owner string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	lock, err := m.AcquireLock(ctx, key, owner, ttl)
	if errors.Is(err, ErrLockNotAcquired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	defer func() {
		// TTL이 먼저 만료된 경우 ErrLockNotHeld는 무시
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	lockCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	return true, fn(lockCtx)
}

// Release 락 해제
func (l *RedisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend 락 TTL 연장
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}

	l.ttl = ttl
	return nil
}

// IsHeld 락이 아직 자신의 것인지 확인
func (l *RedisLock) IsHeld(ctx context.Context) (bool, error) {
	value, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == l.owner, nil
}
