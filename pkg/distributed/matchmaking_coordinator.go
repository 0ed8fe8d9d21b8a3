package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultTriggerChannel = "matchmaking:triggers"

// MatchmakingTrigger 매칭 패스 트리거 (push 기반, 유실 가능)
type MatchmakingTrigger struct {
	GameMode   string    `json:"gameMode"`
	PlayerID   string    `json:"playerId,omitempty"`
	InstanceID string    `json:"instanceId"`
	Timestamp  time.Time `json:"timestamp"`
}

// MatchmakingCoordinator Redis Pub/Sub으로 enqueue 이벤트를 모든 워커 인스턴스에 전파.
// Pub/Sub은 at-most-once이므로 워커의 주기적 스윕과 함께 사용해야 한다.
type MatchmakingCoordinator struct {
	client     redis.UniversalClient
	logger     *zap.Logger
	instanceID string
	channel    string
}

// NewMatchmakingCoordinator 코디네이터 생성
func NewMatchmakingCoordinator(client redis.UniversalClient, instanceID string, logger *zap.Logger) *MatchmakingCoordinator {
	return &MatchmakingCoordinator{
		client:     client,
		logger:     logger,
		instanceID: instanceID,
		channel:    defaultTriggerChannel,
	}
}

// NotifyEnqueued 플레이어 enqueue 알림
func (c *MatchmakingCoordinator) NotifyEnqueued(ctx context.Context, gameMode, playerID string) error {
	data, err := json.Marshal(MatchmakingTrigger{
		GameMode:   gameMode,
		PlayerID:   playerID,
		InstanceID: c.instanceID,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	if err := c.client.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish trigger: %w", err)
	}
	return nil
}

// Subscribe 트리거 수신. 반환된 채널은 ctx 종료 시 닫힌다.
// 구독 확인 후 반환하므로 이후 발행된 트리거는 놓치지 않는다.
func (c *MatchmakingCoordinator) Subscribe(ctx context.Context) (<-chan string, error) {
	pubsub := c.client.Subscribe(ctx, c.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var trigger MatchmakingTrigger
				if err := json.Unmarshal([]byte(msg.Payload), &trigger); err != nil {
					c.logger.Warn("Dropping malformed trigger", zap.Error(err))
					continue
				}

				select {
				case out <- trigger.GameMode:
				default:
					// 이미 대기 중인 트리거가 많으면 다음 스윕에 맡긴다
				}
			}
		}
	}()

	c.logger.Info("Matchmaking coordinator subscribed",
		zap.String("instanceId", c.instanceID),
		zap.String("channel", c.channel))

	return out, nil
}
