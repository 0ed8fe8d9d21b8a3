package service

import (
	"context"
	"time"

	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/pkg/distributed"
)

// SessionStore 세션 저장소 (repository.SessionRepository)
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) (*models.Session, error)
	FindByID(ctx context.Context, id string) (*models.Session, error)
	FindActiveByPlayer(ctx context.Context, playerID string) (*models.Session, error)
}

// EventPublisher 내구성 있는 메시지 버스 (distributed.StreamBus)
type EventPublisher interface {
	Publish(ctx context.Context, topic string, msg distributed.Message) (string, error)
}

// ConnectionRegistry 이 게이트웨이의 플레이어별 라이브 연결 (websocket.Hub). SendToPlayer는 전달된 연결 수를 반환
type ConnectionRegistry interface {
	SendToPlayer(playerID, messageType string, payload interface{}) int
	ConnectionCount(playerID string) int
	Players() []string
}

// PresenceStore 플레이어가 접속한 게이트웨이 인스턴스 (distributed.Presence)
type PresenceStore interface {
	Join(ctx context.Context, instanceID string, playerIDs ...string) error
	Leave(ctx context.Context, instanceID, playerID string) error
	Instances(ctx context.Context, playerID string) ([]string, error)
	TTL() time.Duration
}

// MatchTrigger 큐 등록 시 워커를 깨운다 (distributed.MatchmakingCoordinator)
type MatchTrigger interface {
	NotifyEnqueued(ctx context.Context, gameMode, playerID string) error
}

// Locker 인스턴스 간 단일 실행 (distributed.RedisLockManager)
type Locker interface {
	WithLock(ctx context.Context, key, owner string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// DeliveryLog 전달 완료 기록 (distributed.Deduplicator)
type DeliveryLog interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Mailbox 오프라인 플레이어용 보관함 (distributed.Mailbox)
type Mailbox interface {
	Put(ctx context.Context, playerID string, data []byte) error
	Drain(ctx context.Context, playerID string) ([][]byte, error)
}
