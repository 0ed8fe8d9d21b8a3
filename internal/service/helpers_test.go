package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/config"
	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/internal/repository"
	"github.com/ecocards/matchmaking-backend/pkg/distributed"
)

// fakeSessionStore 메모리 세션 저장소. failCreates만큼 Create 실패
type fakeSessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*models.Session
	creates     int
	failCreates int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*models.Session)}
}

func (f *fakeSessionStore) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates++
	if f.failCreates > 0 {
		f.failCreates--
		return nil, errors.New("database unavailable")
	}
	if existing, ok := f.sessions[session.ID]; ok {
		return existing, nil
	}
	copied := *session
	f.sessions[session.ID] = &copied
	return &copied, nil
}

func (f *fakeSessionStore) FindByID(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id], nil
}

func (f *fakeSessionStore) FindActiveByPlayer(ctx context.Context, playerID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.Status == models.SessionStatusFinished {
			continue
		}
		if _, ok := s.Player(playerID); ok {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionStore) all() []*models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

type sentMessage struct {
	PlayerID string
	Type     string
	Payload  []byte
}

// fakeRegistry online 플레이어에게만 전달
type fakeRegistry struct {
	mu     sync.Mutex
	online map[string]bool
	sent   []sentMessage
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{online: make(map[string]bool)}
}

func (f *fakeRegistry) SendToPlayer(playerID, messageType string, payload interface{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[playerID] {
		return 0
	}
	data, _ := json.Marshal(payload)
	f.sent = append(f.sent, sentMessage{PlayerID: playerID, Type: messageType, Payload: data})
	return 1
}

func (f *fakeRegistry) ConnectionCount(playerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.online[playerID] {
		return 1
	}
	return 0
}

func (f *fakeRegistry) Players() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.online))
	for id, ok := range f.online {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeRegistry) disconnect(playerIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range playerIDs {
		delete(f.online, id)
	}
}

func (f *fakeRegistry) connect(playerIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range playerIDs {
		f.online[id] = true
	}
}

func (f *fakeRegistry) messages(playerID, messageType string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.PlayerID == playerID && m.Type == messageType {
			out = append(out, m)
		}
	}
	return out
}

// failingPublisher 항상 실패하는 버스
type failingPublisher struct {
	attempts int
}

func (f *failingPublisher) Publish(ctx context.Context, topic string, msg distributed.Message) (string, error) {
	f.attempts++
	return "", errors.New("bus unavailable")
}

type testEnv struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	cfg      *config.Config
	queue    *repository.RedisQueueRepository
	sessions *fakeSessionStore
	bus      *distributed.StreamBus
	registry *fakeRegistry
	mailbox  *distributed.Mailbox
	presence *distributed.Presence
	dedup    *distributed.Deduplicator

	notifier    *NotificationService
	sessionSvc  *SessionService
	worker      *FormationWorker
	matchmaking *MatchmakingService
}

func testConfig() *config.Config {
	return &config.Config{
		InstanceID:          "test-instance",
		GameModes:           config.DefaultGameModes(),
		MatchmakingInterval: 50 * time.Millisecond,
		QueueMaxWait:        5 * time.Minute,
		DefaultRating:       1200,
	}
}

var testRetry = RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zap.NewNop()
	env := &testEnv{
		mr:       mr,
		client:   client,
		cfg:      testConfig(),
		queue:    repository.NewRedisQueueRepository(client),
		sessions: newFakeSessionStore(),
		bus: distributed.NewStreamBus(client, distributed.StreamBusConfig{
			Group:    ConsumerGroup("test-instance"),
			Consumer: "test-instance",
		}, logger),
		registry: newFakeRegistry(),
		mailbox:  distributed.NewMailbox(client, "mm:mailbox:", time.Minute, 50),
		presence: distributed.NewPresence(client, "mm:presence:", time.Minute),
		dedup:    distributed.NewDeduplicator(client, "mm:delivered:", time.Minute),
	}
	require.NoError(t, env.bus.EnsureGroups(context.Background(), Topics...))

	env.notifier = NewNotificationService(env.bus, env.registry, env.presence, env.dedup, env.mailbox, env.sessions, env.cfg.InstanceID, testRetry, logger)
	env.sessionSvc = NewSessionService(env.sessions, env.queue, env.notifier, testRetry, logger)
	env.worker = env.newWorker()
	env.matchmaking = NewMatchmakingService(env.cfg, env.queue, env.sessions, nil, env.notifier, testRetry, logger)
	return env
}

func (e *testEnv) newWorker() *FormationWorker {
	return NewFormationWorker(e.cfg, e.queue, e.sessionSvc, e.notifier, distributed.NewRedisLockManager(e.client), zap.NewNop())
}

// deliver 버스에 쌓인 메시지를 알림 서비스로 한 번 처리하고 처리한 메시지 반환
func (e *testEnv) deliver(t *testing.T) []distributed.Message {
	t.Helper()
	var handled []distributed.Message
	_, err := e.bus.ProcessPending(context.Background(), Topics, func(ctx context.Context, msg distributed.Message) error {
		handled = append(handled, msg)
		return e.notifier.HandleMessage(ctx, msg)
	})
	require.NoError(t, err)
	return handled
}

func (e *testEnv) find(t *testing.T, player, mode string, rating int) *FindResult {
	t.Helper()
	result, err := e.matchmaking.Find(context.Background(), FindRequest{PlayerID: player, GameMode: mode, Rating: &rating})
	require.NoError(t, err)
	return result
}

func decodeMatchFound(t *testing.T, m sentMessage) models.MatchFoundPayload {
	t.Helper()
	var p models.MatchFoundPayload
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	return p
}
