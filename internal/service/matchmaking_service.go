package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/config"
	"github.com/ecocards/matchmaking-backend/internal/metrics"
	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/internal/repository"
)

// FindRequest 매칭 요청
type FindRequest struct {
	PlayerID    string
	DisplayName string
	GameMode    string
	// Rating nil이면 기본 레이팅
	Rating *int
	// MaxWaitTime 클라이언트 희망 최대 대기 (0이면 서버 상한)
	MaxWaitTime time.Duration
	Region      string
}

// FindResult 매칭 요청 결과. Matched면 이미 진행 중인 세션이 있어 큐에 넣지 않은 경우
type FindResult struct {
	InQueue       bool       `json:"inQueue"`
	GameMode      string     `json:"gameMode"`
	RequestID     string     `json:"requestId,omitempty"`
	QueuePosition int        `json:"queuePosition,omitempty"`
	EnqueuedAt    *time.Time `json:"enqueuedAt,omitempty"`
	Matched       bool       `json:"matched"`
	SessionID     string     `json:"sessionId,omitempty"`
}

// MatchmakingService 요청 API 경계 (find / status / cancel / stats)
type MatchmakingService struct {
	cfg      *config.Config
	queue    repository.QueueRepository
	sessions SessionStore
	trigger  MatchTrigger
	notifier *NotificationService
	retry    RetryPolicy
	logger   *zap.Logger
	now      func() time.Time
}

func NewMatchmakingService(
	cfg *config.Config,
	queue repository.QueueRepository,
	sessions SessionStore,
	trigger MatchTrigger,
	notifier *NotificationService,
	retry RetryPolicy,
	logger *zap.Logger,
) *MatchmakingService {
	return &MatchmakingService{
		cfg:      cfg,
		queue:    queue,
		sessions: sessions,
		trigger:  trigger,
		notifier: notifier,
		retry:    retry,
		logger:   logger,
		now:      time.Now,
	}
}

// Find 큐 등록. 진행 중인 세션이 있으면 그 세션을 바로 반환한다.
// 이미 대기 중이면 기존 항목 정보와 함께 ErrAlreadyQueued / ErrQueuedElsewhere
func (s *MatchmakingService) Find(ctx context.Context, req FindRequest) (*FindResult, error) {
	mode, ok := s.cfg.GameMode(req.GameMode)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGameMode, req.GameMode)
	}
	if req.PlayerID == "" {
		return nil, fmt.Errorf("%w: player id is required", ErrInvalidInput)
	}
	if req.MaxWaitTime < 0 {
		return nil, fmt.Errorf("%w: maxWaitTime must not be negative", ErrInvalidInput)
	}

	rating := s.cfg.DefaultRating
	if req.Rating != nil {
		if *req.Rating < 0 {
			return nil, fmt.Errorf("%w: rating must not be negative", ErrInvalidInput)
		}
		rating = *req.Rating
	}

	if session, err := s.activeSession(ctx, req.PlayerID); err != nil {
		return nil, err
	} else if session != nil {
		return &FindResult{GameMode: session.GameMode, Matched: true, SessionID: session.ID}, nil
	}

	now := s.now()
	maxWait := s.cfg.QueueMaxWait
	if req.MaxWaitTime > 0 && (maxWait <= 0 || req.MaxWaitTime < maxWait) {
		maxWait = req.MaxWaitTime
	}

	entry := models.QueueEntry{
		RequestID:   uuid.NewString(),
		PlayerID:    req.PlayerID,
		DisplayName: req.DisplayName,
		GameMode:    mode.Name,
		Rating:      rating,
		Region:      req.Region,
		EnqueuedAt:  now,
	}
	if maxWait > 0 {
		entry.ExpiresAt = now.Add(maxWait)
	}

	var (
		result   repository.EnqueueResult
		existing *models.QueueEntry
	)
	err := s.retry.Do(ctx, func() error {
		var eerr error
		result, existing, eerr = s.queue.Enqueue(ctx, entry)
		return eerr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}

	// 이전 시도가 응답 전에 성공한 경우
	if result == repository.EnqueueAlreadyQueued && existing != nil && existing.RequestID == entry.RequestID {
		result = repository.EnqueueAccepted
	}
	metrics.QueueRequests.WithLabelValues(mode.Name, result.String()).Inc()

	switch result {
	case repository.EnqueueAlreadyQueued:
		return s.queuedResult(ctx, existing), ErrAlreadyQueued
	case repository.EnqueueQueuedElsewhere:
		return s.queuedResult(ctx, existing), ErrQueuedElsewhere
	}

	s.logger.Info("Player enqueued",
		zap.String("playerId", entry.PlayerID),
		zap.String("gameMode", entry.GameMode),
		zap.String("requestId", entry.RequestID),
		zap.Int("rating", entry.Rating))

	if s.trigger != nil {
		if err := s.trigger.NotifyEnqueued(ctx, entry.GameMode, entry.PlayerID); err != nil {
			// 주기 스캔이 대신 처리
			s.logger.Warn("Failed to trigger matchmaking", zap.String("gameMode", entry.GameMode), zap.Error(err))
		}
	}

	return s.queuedResult(ctx, &entry), nil
}

func (s *MatchmakingService) queuedResult(ctx context.Context, entry *models.QueueEntry) *FindResult {
	if entry == nil {
		return nil
	}
	enqueuedAt := entry.EnqueuedAt
	result := &FindResult{
		InQueue:    true,
		GameMode:   entry.GameMode,
		RequestID:  entry.RequestID,
		EnqueuedAt: &enqueuedAt,
	}
	position, err := s.queue.Position(ctx, *entry)
	if err != nil {
		s.logger.Warn("Failed to get queue position", zap.String("playerId", entry.PlayerID), zap.Error(err))
	}
	result.QueuePosition = position
	return result
}

// Status 현재 상태. 진행 중인 세션이 있으면 matched로 보고한다 (알림 유실 시 복구 경로)
func (s *MatchmakingService) Status(ctx context.Context, playerID string) (*models.QueueStatus, error) {
	if playerID == "" {
		return nil, fmt.Errorf("%w: player id is required", ErrInvalidInput)
	}

	session, err := s.activeSession(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return &models.QueueStatus{GameMode: session.GameMode, Matched: true, SessionID: session.ID}, nil
	}

	var entry *models.QueueEntry
	err = s.retry.Do(ctx, func() error {
		var ferr error
		entry, ferr = s.queue.Find(ctx, playerID)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get queue status: %w", err)
	}
	if entry == nil {
		return &models.QueueStatus{InQueue: false}, nil
	}

	position, err := s.queue.Position(ctx, *entry)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue position: %w", err)
	}
	enqueuedAt := entry.EnqueuedAt
	return &models.QueueStatus{
		InQueue:       position > 0,
		GameMode:      entry.GameMode,
		RequestID:     entry.RequestID,
		QueuePosition: position,
		EnqueuedAt:    &enqueuedAt,
	}, nil
}

// Cancel 큐에서 제거. 이미 없으면 ErrNotQueued
func (s *MatchmakingService) Cancel(ctx context.Context, playerID, gameMode string) error {
	if _, ok := s.cfg.GameMode(gameMode); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidGameMode, gameMode)
	}
	if playerID == "" {
		return fmt.Errorf("%w: player id is required", ErrInvalidInput)
	}

	entry, err := s.queue.Find(ctx, playerID)
	if err != nil {
		return fmt.Errorf("failed to find queue entry: %w", err)
	}

	var removed bool
	err = s.retry.Do(ctx, func() error {
		var cerr error
		removed, cerr = s.queue.Cancel(ctx, playerID, gameMode)
		return cerr
	})
	if err != nil {
		return fmt.Errorf("failed to cancel: %w", err)
	}
	if !removed {
		return ErrNotQueued
	}

	s.logger.Info("Player cancelled matchmaking",
		zap.String("playerId", playerID),
		zap.String("gameMode", gameMode))

	// 같은 플레이어의 다른 기기에 알림
	if s.notifier != nil && entry != nil && entry.GameMode == gameMode {
		if err := s.notifier.PublishCancelled(ctx, *entry, models.CancelReasonPlayer, false); err != nil {
			s.logger.Warn("Failed to publish cancellation", zap.String("playerId", playerID), zap.Error(err))
		}
	}
	return nil
}

// Stats 모드별 대기 인원
func (s *MatchmakingService) Stats(ctx context.Context) ([]models.ModeStats, error) {
	stats := make([]models.ModeStats, 0, len(s.cfg.GameModes))
	for _, mode := range s.cfg.GameModes {
		n, err := s.queue.Count(ctx, mode.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s queue: %w", mode.Name, err)
		}
		stats = append(stats, models.ModeStats{GameMode: mode.Name, PlayersInQueue: n})
	}
	return stats, nil
}

func (s *MatchmakingService) activeSession(ctx context.Context, playerID string) (*models.Session, error) {
	if s.sessions == nil {
		return nil, nil
	}
	var session *models.Session
	err := s.retry.Do(ctx, func() error {
		var serr error
		session, serr = s.sessions.FindActiveByPlayer(ctx, playerID)
		return serr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return session, nil
}
