package distributed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence 플레이어가 어느 게이트웨이 인스턴스에 접속해 있는지 기록.
// 플레이어별 ZSET (member = 인스턴스 ID, score = 만료 시각 ms). 갱신이 끊긴 인스턴스는 TTL 후 사라진다
type Presence struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewPresence 접속 위치 저장소 생성
func NewPresence(client redis.UniversalClient, prefix string, ttl time.Duration) *Presence {
	if prefix == "" {
		prefix = "mm:presence:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Presence{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

// TTL 갱신 없이 접속 기록이 유지되는 시간
func (p *Presence) TTL() time.Duration {
	return p.ttl
}

// Join 인스턴스에 플레이어 접속 기록 (이미 있으면 만료 시각 갱신)
func (p *Presence) Join(ctx context.Context, instanceID string, playerIDs ...string) error {
	if len(playerIDs) == 0 {
		return nil
	}
	expiresAt := p.now().Add(p.ttl).UnixMilli()

	pipe := p.client.Pipeline()
	for _, playerID := range playerIDs {
		key := p.prefix + playerID
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt), Member: instanceID})
		pipe.PExpire(ctx, key, p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record presence: %w", err)
	}
	return nil
}

// Leave 인스턴스에서 플레이어 접속 기록 제거
func (p *Presence) Leave(ctx context.Context, instanceID, playerID string) error {
	if err := p.client.ZRem(ctx, p.prefix+playerID, instanceID).Err(); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}

// Instances 플레이어가 현재 접속해 있는 인스턴스 목록
func (p *Presence) Instances(ctx context.Context, playerID string) ([]string, error) {
	min := strconv.FormatInt(p.now().UnixMilli(), 10)
	ids, err := p.client.ZRangeByScore(ctx, p.prefix+playerID, &redis.ZRangeBy{Min: "(" + min, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	return ids, nil
}
