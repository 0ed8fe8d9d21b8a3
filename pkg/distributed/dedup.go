package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator 제한된 시간 창 안에서 처리 완료된 키를 기억 (SET NX EX)
type Deduplicator struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

// NewDeduplicator window 동안 키를 유지하는 중복 제거기 생성
func NewDeduplicator(client redis.UniversalClient, prefix string, window time.Duration) *Deduplicator {
	if prefix == "" {
		prefix = "mm:delivered:"
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Deduplicator{client: client, prefix: prefix, window: window}
}

// Seen 이미 처리된 키인지 확인
func (d *Deduplicator) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return n > 0, nil
}

// Mark 처리 완료 기록. 처음 기록한 경우 true
func (d *Deduplicator) Mark(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().UnixMilli(), d.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark dedup key: %w", err)
	}
	return ok, nil
}

// Forget 기록 삭제. 후속 처리가 실패해 다시 시도해야 할 때 사용
func (d *Deduplicator) Forget(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to forget dedup key: %w", err)
	}
	return nil
}
