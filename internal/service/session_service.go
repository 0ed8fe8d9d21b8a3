package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/config"
	"github.com/ecocards/matchmaking-backend/internal/metrics"
	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/internal/repository"
)

// sessionNamespace 세션 ID 파생용 네임스페이스
var sessionNamespace = uuid.MustParse("6f1c2a8e-3f0b-4d7e-9a55-2b7c1e9d4f10")

// SessionService 확정된 후보 집합으로 게임 세션을 만든다
type SessionService struct {
	sessions SessionStore
	queue    repository.QueueRepository
	notifier *NotificationService
	retry    RetryPolicy
	logger   *zap.Logger
	now      func() time.Time
}

func NewSessionService(
	sessions SessionStore,
	queue repository.QueueRepository,
	notifier *NotificationService,
	retry RetryPolicy,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		sessions: sessions,
		queue:    queue,
		notifier: notifier,
		retry:    retry,
		logger:   logger,
		now:      time.Now,
	}
}

// SessionID 후보 집합의 requestId로부터 결정적으로 파생. 같은 후보의 재시도는 같은 ID를 얻는다
func SessionID(gameMode string, candidate []models.QueueEntry) string {
	ids := make([]string, len(candidate))
	for i, e := range candidate {
		ids[i] = e.RequestID
	}
	sort.Strings(ids)
	return uuid.NewSHA1(sessionNamespace, []byte(gameMode+"|"+strings.Join(ids, ","))).String()
}

// BuildSession 좌석은 대기 순서, 팀은 레이팅 내림차순 스네이크 드래프트로 배정
func BuildSession(mode config.GameModeConfig, candidate []models.QueueEntry, now time.Time) *models.Session {
	players := make([]models.SessionPlayer, len(candidate))
	for i, e := range candidate {
		players[i] = models.SessionPlayer{
			PlayerID:    e.PlayerID,
			DisplayName: e.DisplayName,
			Rating:      e.Rating,
			Seat:        i,
			RequestID:   e.RequestID,
			WaitedMs:    e.WaitTime(now).Milliseconds(),
		}
	}

	if mode.TeamSize > 0 {
		assignTeams(players, len(players)/mode.TeamSize)
	}

	return &models.Session{
		ID:         SessionID(mode.Name, candidate),
		GameMode:   mode.Name,
		Status:     models.SessionStatusWaiting,
		MaxPlayers: mode.PlayerCount,
		Players:    players,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// assignTeams 0,1,..,n-1,n-1,..,0 순서로 배정
func assignTeams(players []models.SessionPlayer, teams int) {
	if teams < 2 {
		return
	}

	order := make([]int, len(players))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return players[order[a]].Rating > players[order[b]].Rating
	})

	for pick, idx := range order {
		round, pos := pick/teams, pick%teams
		team := pos
		if round%2 == 1 {
			team = teams - 1 - pos
		}
		t := team
		players[idx].Team = &t
	}
}

// Materialize 세션 저장 (백오프 재시도). 재시도가 소진되면 플레이어를 원래 순서로
// 큐에 복구하고 match_cancelled를 보낸 뒤 ErrSessionCreationFailed를 반환한다
func (s *SessionService) Materialize(ctx context.Context, mode config.GameModeConfig, candidate []models.QueueEntry) (*models.Session, error) {
	session := BuildSession(mode, candidate, s.now())

	var created *models.Session
	err := s.retry.Do(ctx, func() error {
		var cerr error
		created, cerr = s.sessions.Create(ctx, session)
		if cerr != nil {
			s.logger.Warn("Session write failed, retrying",
				zap.String("sessionId", session.ID),
				zap.Error(cerr))
		}
		return cerr
	})
	if err == nil {
		s.logger.Info("Session created",
			zap.String("sessionId", created.ID),
			zap.String("gameMode", created.GameMode),
			zap.Int("players", len(created.Players)))
		return created, nil
	}

	metrics.SessionFailures.WithLabelValues(mode.Name).Inc()
	s.logger.Error("Session creation failed, restoring players",
		zap.String("sessionId", session.ID),
		zap.String("gameMode", mode.Name),
		zap.Error(err))

	s.compensate(context.WithoutCancel(ctx), candidate)
	return nil, fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
}

// compensate 후보를 큐에 되돌리고 각 플레이어에게 알림
func (s *SessionService) compensate(ctx context.Context, candidate []models.QueueEntry) {
	for _, e := range candidate {
		var restored int
		err := s.retry.Do(ctx, func() error {
			var rerr error
			restored, rerr = s.queue.Restore(ctx, []models.QueueEntry{e})
			return rerr
		})
		if err != nil {
			s.logger.Error("Failed to restore queue entry",
				zap.String("playerId", e.PlayerID),
				zap.String("gameMode", e.GameMode),
				zap.Error(err))
		}

		if s.notifier == nil {
			continue
		}
		if err := s.notifier.PublishCancelled(ctx, e, models.CancelReasonSessionFailed, restored == 1); err != nil {
			s.logger.Error("Failed to notify session failure",
				zap.String("playerId", e.PlayerID),
				zap.Error(err))
		}
	}
}

// GetByID 세션 조회
func (s *SessionService) GetByID(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}
