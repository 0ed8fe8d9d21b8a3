package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 목록 조회와 삭제를 원자적으로 수행
var drainScript = redis.NewScript(`
	local items = redis.call('LRANGE', KEYS[1], 0, -1)
	redis.call('DEL', KEYS[1])
	return items
`)

// Mailbox 연결되어 있지 않은 플레이어를 위한 영속 메시지함 (재접속 시 드레인)
type Mailbox struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	maxSize int64
}

// NewMailbox 메시지함 생성
func NewMailbox(client redis.UniversalClient, prefix string, ttl time.Duration, maxSize int64) *Mailbox {
	if prefix == "" {
		prefix = "mm:mailbox:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 50
	}
	return &Mailbox{client: client, prefix: prefix, ttl: ttl, maxSize: maxSize}
}

// Put 메시지 보관. 가장 오래된 메시지부터 maxSize를 넘는 만큼 버린다
func (m *Mailbox) Put(ctx context.Context, playerID string, data []byte) error {
	key := m.prefix + playerID

	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -m.maxSize, -1)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store mailbox message: %w", err)
	}
	return nil
}

// Drain 보관된 메시지를 모두 꺼냄 (오래된 순)
func (m *Mailbox) Drain(ctx context.Context, playerID string) ([][]byte, error) {
	items, err := drainScript.Run(ctx, m.client, []string{m.prefix + playerID}).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to drain mailbox: %w", err)
	}

	out := make([][]byte, 0, len(items))
	for _, item := range items {
		out = append(out, []byte(item))
	}
	return out, nil
}

// Size 보관 중인 메시지 수
func (m *Mailbox) Size(ctx context.Context, playerID string) (int64, error) {
	return m.client.LLen(ctx, m.prefix+playerID).Result()
}
