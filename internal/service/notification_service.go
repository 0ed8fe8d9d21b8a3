package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/metrics"
	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/pkg/distributed"
)

// Topics 알림 컨슈머가 구독하는 토픽
var Topics = []string{models.TopicMatchFound, models.TopicMatchCancelled, models.TopicMatchTimeout}

// mailboxItem 오프라인 보관 형식. 재접속 시 그대로 클라이언트에 전달
type mailboxItem struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Key      string          `json:"key"`
	StoredAt time.Time       `json:"storedAt"`
}

// NotificationService 매칭 이벤트 발행과 소비.
// 발행은 버스에, 전달은 연결 레지스트리에 맡기고, 어느 게이트웨이에도 접속하지 않은 플레이어는 보관함에 남긴다.
// 게이트웨이마다 자신의 컨슈머 그룹으로 모든 메시지를 받아 자기 연결에만 전달한다
type NotificationService struct {
	bus        EventPublisher
	registry   ConnectionRegistry
	presence   PresenceStore
	delivered  DeliveryLog
	mailbox    Mailbox
	sessions   SessionStore
	instanceID string
	retry      RetryPolicy
	logger     *zap.Logger
	now        func() time.Time
}

// NewNotificationService presence가 nil이면 게이트웨이가 하나인 것으로 보고 다른 인스턴스를 확인하지 않는다
func NewNotificationService(
	bus EventPublisher,
	registry ConnectionRegistry,
	presence PresenceStore,
	delivered DeliveryLog,
	mailbox Mailbox,
	sessions SessionStore,
	instanceID string,
	retry RetryPolicy,
	logger *zap.Logger,
) *NotificationService {
	return &NotificationService{
		bus:        bus,
		registry:   registry,
		presence:   presence,
		delivered:  delivered,
		mailbox:    mailbox,
		sessions:   sessions,
		instanceID: instanceID,
		retry:      retry,
		logger:     logger,
		now:        time.Now,
	}
}

// ConsumerGroup 게이트웨이 인스턴스의 컨슈머 그룹 이름
func ConsumerGroup(instanceID string) string {
	return "notifier:" + instanceID
}

// MatchFoundKey (sessionId, playerId) 중복 제거 키
func MatchFoundKey(sessionID, playerID string) string {
	return fmt.Sprintf("%s:%s:%s", models.TopicMatchFound, sessionID, playerID)
}

// BuildMatchFoundEvents 세션 참가자별 개인화 이벤트 생성.
// 공개 정보(ID, 이름, 레이팅, 좌석, 팀)만 포함한다
func BuildMatchFoundEvents(session *models.Session, now time.Time) []models.MatchFoundEvent {
	public := make([]models.PublicPlayer, len(session.Players))
	for i, p := range session.Players {
		public[i] = models.PublicPlayer{
			ID:          p.PlayerID,
			DisplayName: p.DisplayName,
			Rating:      p.Rating,
			Seat:        p.Seat,
			Team:        p.Team,
		}
	}

	events := make([]models.MatchFoundEvent, 0, len(session.Players))
	for i, p := range session.Players {
		event := models.MatchFoundEvent{
			EventID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte(MatchFoundKey(session.ID, p.PlayerID))).String(),
			SessionID:         session.ID,
			GameMode:          session.GameMode,
			RecipientPlayerID: p.PlayerID,
			Seat:              p.Seat,
			Team:              p.Team,
			Players:           public,
			EstimatedWaitTime: p.WaitedMs / 1000,
			PublishedAt:       now,
		}
		// 1:1 모드에서만 단일 상대가 존재
		if len(session.Players) == 2 {
			opponent := public[1-i]
			event.Opponent = &opponent
		}
		events = append(events, event)
	}
	return events
}

// PublishMatchFound 한 플레이어에게 match_found 발행. 메시지 ID 반환
func (s *NotificationService) PublishMatchFound(ctx context.Context, session *models.Session, playerID string) (string, error) {
	for _, event := range BuildMatchFoundEvents(session, s.now()) {
		if event.RecipientPlayerID != playerID {
			continue
		}
		return s.publish(ctx, models.TopicMatchFound, MatchFoundKey(session.ID, playerID), playerID, event)
	}
	return "", fmt.Errorf("player %s is not in session %s: %w", playerID, session.ID, ErrInvalidInput)
}

// PublishSession 세션의 모든 참가자에게 match_found 발행.
// 일부 실패해도 나머지는 계속 발행하며, 세션은 이미 저장되었으므로 상태 조회로 복구 가능하다
func (s *NotificationService) PublishSession(ctx context.Context, session *models.Session) error {
	var failed []string
	for _, event := range BuildMatchFoundEvents(session, s.now()) {
		key := MatchFoundKey(session.ID, event.RecipientPlayerID)
		if _, err := s.publish(ctx, models.TopicMatchFound, key, event.RecipientPlayerID, event); err != nil {
			failed = append(failed, event.RecipientPlayerID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: session %s players %v", ErrPublishFailed, session.ID, failed)
	}
	return nil
}

// PublishCancelled 큐에서 제외되었음을 알림
func (s *NotificationService) PublishCancelled(ctx context.Context, entry models.QueueEntry, reason string, requeued bool) error {
	event := models.MatchCancelledEvent{
		EventID:           uuid.NewString(),
		RecipientPlayerID: entry.PlayerID,
		GameMode:          entry.GameMode,
		RequestID:         entry.RequestID,
		Reason:            reason,
		Requeued:          requeued,
		PublishedAt:       s.now(),
	}
	key := fmt.Sprintf("%s:%s", models.TopicMatchCancelled, event.EventID)
	_, err := s.publish(ctx, models.TopicMatchCancelled, key, entry.PlayerID, event)
	return err
}

// PublishTimeout 대기 시간 초과 알림
func (s *NotificationService) PublishTimeout(ctx context.Context, entry models.QueueEntry) error {
	now := s.now()
	event := models.MatchTimeoutEvent{
		EventID:           uuid.NewString(),
		RecipientPlayerID: entry.PlayerID,
		GameMode:          entry.GameMode,
		RequestID:         entry.RequestID,
		WaitedSeconds:     int64(entry.WaitTime(now).Seconds()),
		PublishedAt:       now,
	}
	key := fmt.Sprintf("%s:%s", models.TopicMatchTimeout, event.EventID)
	_, err := s.publish(ctx, models.TopicMatchTimeout, key, entry.PlayerID, event)
	return err
}

// publish 지수 백오프로 재시도하며 발행
func (s *NotificationService) publish(ctx context.Context, topic, key, playerID string, event interface{}) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s event: %w", topic, err)
	}

	msg := distributed.Message{
		Key:         key,
		PlayerID:    playerID,
		Payload:     payload,
		PublishedAt: s.now(),
	}

	var id string
	err = s.retry.Do(ctx, func() error {
		var perr error
		id, perr = s.bus.Publish(ctx, topic, msg)
		if perr != nil {
			s.logger.Warn("Publish attempt failed",
				zap.String("topic", topic),
				zap.String("playerId", playerID),
				zap.Error(perr))
		}
		return perr
	})
	if err != nil {
		metrics.PublishFailures.WithLabelValues(topic).Inc()
		s.logger.Error("Failed to publish event",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.String("playerId", playerID),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	metrics.EventsPublished.WithLabelValues(topic).Inc()
	return id, nil
}

// HandleMessage 버스 메시지 처리. nil이면 ack, 에러면 재전달 대상으로 남는다.
// 자기 연결이 있으면 전달, 다른 게이트웨이에 연결이 있으면 그쪽에 맡기고, 아무 데도 없으면 보관함에 한 번만 넣는다
func (s *NotificationService) HandleMessage(ctx context.Context, msg distributed.Message) error {
	key := msg.Key
	if key == "" {
		key = msg.Topic + ":" + msg.ID
	}
	localKey := key + "@" + s.instanceID

	seen, err := s.delivered.Seen(ctx, localKey)
	if err != nil {
		return fmt.Errorf("failed to check delivery log: %w", err)
	}
	if seen {
		metrics.Deliveries.WithLabelValues(msg.Topic, "duplicate").Inc()
		s.logger.Debug("Duplicate delivery skipped", zap.String("key", key))
		return nil
	}

	payload, err := clientPayload(msg)
	if err != nil {
		// 해석할 수 없는 메시지는 재전달해도 같으므로 ack
		s.logger.Error("Dropping malformed event",
			zap.String("topic", msg.Topic),
			zap.String("id", msg.ID),
			zap.Error(err))
		return nil
	}

	outcome := "live"
	if n := s.registry.SendToPlayer(msg.PlayerID, msg.Topic, payload); n == 0 {
		elsewhere, err := s.connectedElsewhere(ctx, msg.PlayerID)
		if err != nil {
			return err
		}
		if elsewhere {
			// 연결을 가진 게이트웨이가 자기 그룹으로 같은 메시지를 받는다
			outcome = "remote"
		} else {
			stored, err := s.storeOnce(ctx, key, msg, payload)
			if err != nil {
				return err
			}
			outcome = "mailbox"
			if !stored {
				outcome = "duplicate"
			}
		}
	}
	metrics.Deliveries.WithLabelValues(msg.Topic, outcome).Inc()

	if _, err := s.delivered.Mark(ctx, localKey); err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}

	s.logger.Debug("Event handled",
		zap.String("topic", msg.Topic),
		zap.String("playerId", msg.PlayerID),
		zap.String("key", key),
		zap.String("outcome", outcome))
	return nil
}

// connectedElsewhere 다른 게이트웨이 인스턴스에 플레이어 연결이 있는지
func (s *NotificationService) connectedElsewhere(ctx context.Context, playerID string) (bool, error) {
	if s.presence == nil {
		return false, nil
	}
	instances, err := s.presence.Instances(ctx, playerID)
	if err != nil {
		return false, fmt.Errorf("failed to look up presence: %w", err)
	}
	for _, id := range instances {
		if id != s.instanceID {
			return true, nil
		}
	}
	return false, nil
}

// storeOnce 게이트웨이 전체에서 한 번만 보관함에 넣는다. 이미 다른 인스턴스가 넣었으면 false
func (s *NotificationService) storeOnce(ctx context.Context, key string, msg distributed.Message, payload json.RawMessage) (bool, error) {
	mailboxKey := key + "@mailbox"
	first, err := s.delivered.Mark(ctx, mailboxKey)
	if err != nil {
		return false, fmt.Errorf("failed to mark mailbox delivery: %w", err)
	}
	if !first {
		return false, nil
	}

	item, err := json.Marshal(mailboxItem{Type: msg.Topic, Payload: payload, Key: key, StoredAt: s.now()})
	if err == nil {
		err = s.mailbox.Put(ctx, msg.PlayerID, item)
	}
	if err != nil {
		if ferr := s.delivered.Forget(ctx, mailboxKey); ferr != nil {
			s.logger.Warn("Failed to reset mailbox marker", zap.String("key", key), zap.Error(ferr))
		}
		return false, fmt.Errorf("failed to store in mailbox: %w", err)
	}
	return true, nil
}

// clientPayload 클라이언트로 보낼 본문. match_found는 수신자 ID 등을 뺀 형태로 변환
func clientPayload(msg distributed.Message) (json.RawMessage, error) {
	switch msg.Topic {
	case models.TopicMatchFound:
		var event models.MatchFoundEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return nil, err
		}
		return json.Marshal(event.Payload())
	default:
		if !json.Valid(msg.Payload) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(msg.Payload), nil
	}
}

// HandleConnection 연결 이벤트 처리. 접속 위치를 기록하고, 접속 시 보관함을 비우고 진행 중인 세션을 다시 알린다
func (s *NotificationService) HandleConnection(ctx context.Context, event models.ConnectionEvent) error {
	switch event.Type {
	case models.ConnectionOpened:
		if s.presence != nil {
			if err := s.presence.Join(ctx, s.instanceID, event.PlayerID); err != nil {
				// 기록이 없으면 다른 게이트웨이가 보관함에 넣고, 재접속 시 받는다
				s.logger.Warn("Failed to record presence", zap.String("playerId", event.PlayerID), zap.Error(err))
			}
		}
	case models.ConnectionClosed:
		if s.presence != nil && s.registry.ConnectionCount(event.PlayerID) == 0 {
			return s.presence.Leave(ctx, s.instanceID, event.PlayerID)
		}
		return nil
	default:
		return nil
	}

	items, err := s.mailbox.Drain(ctx, event.PlayerID)
	if err != nil {
		return fmt.Errorf("failed to drain mailbox: %w", err)
	}

	sent := make(map[string]bool)
	for i, raw := range items {
		var item mailboxItem
		if err := json.Unmarshal(raw, &item); err != nil {
			s.logger.Warn("Skipping malformed mailbox item", zap.String("playerId", event.PlayerID), zap.Error(err))
			continue
		}
		if s.registry.SendToPlayer(event.PlayerID, item.Type, item.Payload) == 0 {
			// 그새 연결이 끊기면 남은 항목을 돌려놓는다
			for _, rest := range items[i:] {
				if err := s.mailbox.Put(ctx, event.PlayerID, rest); err != nil {
					return fmt.Errorf("failed to return mailbox item: %w", err)
				}
			}
			return nil
		}
		sent[item.Key] = true
	}

	session, err := s.sessions.FindActiveByPlayer(ctx, event.PlayerID)
	if err != nil {
		return fmt.Errorf("failed to find active session: %w", err)
	}
	if session == nil || sent[MatchFoundKey(session.ID, event.PlayerID)] {
		return nil
	}

	for _, e := range BuildMatchFoundEvents(session, s.now()) {
		if e.RecipientPlayerID == event.PlayerID {
			s.registry.SendToPlayer(event.PlayerID, models.TopicMatchFound, e.Payload())
			s.logger.Info("Re-sent pending match on reconnect",
				zap.String("playerId", event.PlayerID),
				zap.String("sessionId", session.ID))
		}
	}
	return nil
}

// RefreshPresence 이 게이트웨이에 연결된 모든 플레이어의 접속 기록 갱신
func (s *NotificationService) RefreshPresence(ctx context.Context) error {
	if s.presence == nil {
		return nil
	}
	return s.presence.Join(ctx, s.instanceID, s.registry.Players()...)
}

// RunConnectionEvents 전송 계층의 연결 이벤트를 소비하고 접속 기록을 주기적으로 갱신 (채널이 닫히거나 ctx 종료 시 반환)
func (s *NotificationService) RunConnectionEvents(ctx context.Context, events <-chan models.ConnectionEvent) {
	var refresh <-chan time.Time
	if s.presence != nil {
		ticker := time.NewTicker(s.presence.TTL() / 3)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh:
			if err := s.RefreshPresence(ctx); err != nil {
				s.logger.Warn("Failed to refresh presence", zap.Error(err))
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := s.HandleConnection(ctx, event); err != nil {
				s.logger.Error("Failed to handle connection event",
					zap.String("playerId", event.PlayerID),
					zap.String("type", event.Type),
					zap.Error(err))
			}
		}
	}
}
