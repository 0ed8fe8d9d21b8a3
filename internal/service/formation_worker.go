package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/config"
	"github.com/ecocards/matchmaking-backend/internal/metrics"
	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/internal/repository"
)

const (
	// ExpiryLockKey 만료 정리는 한 인스턴스만 수행
	ExpiryLockKey = "matchmaking:lock:expiry"

	// maxRescansPerPass 한 패스에서 경합 패배 후 다시 스캔하는 최대 횟수
	maxRescansPerPass = 5
)

// FormationWorker 게임 모드별 큐를 스캔해 매치를 구성한다.
// 여러 인스턴스가 동시에 실행될 수 있으며, 정합성은 RemoveAll의 원자성에만 의존한다
type FormationWorker struct {
	cfg      *config.Config
	queue    repository.QueueRepository
	sessions *SessionService
	notifier *NotificationService
	locker   Locker
	logger   *zap.Logger
	now      func() time.Time

	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewFormationWorker(
	cfg *config.Config,
	queue repository.QueueRepository,
	sessions *SessionService,
	notifier *NotificationService,
	locker Locker,
	logger *zap.Logger,
) *FormationWorker {
	return &FormationWorker{
		cfg:      cfg,
		queue:    queue,
		sessions: sessions,
		notifier: notifier,
		locker:   locker,
		logger:   logger,
		now:      time.Now,
	}
}

// Start 주기 스캔 시작. triggers가 있으면 등록 이벤트마다 해당 모드를 즉시 스캔한다
func (w *FormationWorker) Start(triggers <-chan string) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	stop := make(chan struct{})
	w.stopChan = stop
	w.mu.Unlock()

	w.logger.Info("Starting FormationWorker",
		zap.Duration("interval", w.cfg.MatchmakingInterval),
		zap.Strings("gameModes", w.cfg.GameModeNames()))

	w.wg.Add(1)
	go w.loop(ctx, triggers, stop)
}

// Stop 진행 중인 패스가 끝날 때까지 기다린 뒤 반환
func (w *FormationWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	close(w.stopChan)
	w.mu.Unlock()

	w.logger.Info("Stopping FormationWorker")
	w.wg.Wait()
	w.logger.Info("FormationWorker stopped")
}

func (w *FormationWorker) loop(ctx context.Context, triggers <-chan string, stop <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.MatchmakingInterval)
	defer ticker.Stop()

	// 시작 시 한번 실행
	w.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case mode, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			if _, err := w.MatchMode(ctx, mode); err != nil {
				w.logger.Error("Triggered pass failed", zap.String("gameMode", mode), zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// RunOnce 만료 정리 후 모든 모드를 한 번 스캔
func (w *FormationWorker) RunOnce(ctx context.Context) {
	if _, err := w.SweepExpired(ctx); err != nil {
		w.logger.Error("Failed to sweep expired entries", zap.Error(err))
	}

	for _, mode := range w.cfg.GameModes {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.MatchMode(ctx, mode.Name); err != nil {
			w.logger.Error("Matchmaking pass failed", zap.String("gameMode", mode.Name), zap.Error(err))
		}
	}
}

// MatchMode 후보가 없을 때까지 매치 구성. 만든 세션 수 반환
func (w *FormationWorker) MatchMode(ctx context.Context, gameMode string) (int, error) {
	mode, ok := w.cfg.GameMode(gameMode)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrInvalidGameMode, gameMode)
	}

	formed, rescans := 0, 0
	for ctx.Err() == nil {
		entries, err := w.queue.Snapshot(ctx, mode.Name)
		if err != nil {
			return formed, err
		}
		metrics.QueueDepth.WithLabelValues(mode.Name).Set(float64(len(entries)))

		candidate := FindCandidate(entries, mode, w.now())
		if candidate == nil {
			break
		}

		_, err = w.formMatch(ctx, mode, candidate)
		switch {
		case errors.Is(err, ErrRaceLost):
			metrics.RaceLost.WithLabelValues(mode.Name).Inc()
			w.logger.Debug("Lost race for candidate, rescanning", zap.String("gameMode", mode.Name))
			rescans++
			if rescans >= maxRescansPerPass {
				return formed, nil
			}
			continue
		case err != nil:
			// 복구된 플레이어를 같은 패스에서 다시 잡지 않도록 중단
			return formed, err
		}
		formed++
	}

	if formed > 0 {
		w.logger.Info("Matchmaking completed",
			zap.String("gameMode", mode.Name),
			zap.Int("matches_created", formed))
	}
	return formed, nil
}

// formMatch 예약(RemoveAll) 후 세션 생성 및 알림 발행
func (w *FormationWorker) formMatch(ctx context.Context, mode config.GameModeConfig, candidate []models.QueueEntry) (*models.Session, error) {
	removed, err := w.queue.RemoveAll(ctx, mode.Name, candidate)
	if err != nil {
		return nil, err
	}
	if removed != len(candidate) {
		return nil, ErrRaceLost
	}

	session, err := w.sessions.Materialize(ctx, mode, candidate)
	if err != nil {
		return nil, err
	}

	metrics.MatchesFormed.WithLabelValues(mode.Name).Inc()
	now := w.now()
	for _, e := range candidate {
		metrics.WaitTime.WithLabelValues(mode.Name).Observe(e.WaitTime(now).Seconds())
	}

	// 세션은 이미 확정. 발행 실패는 상태 조회와 재접속 경로로 복구된다
	if err := w.notifier.PublishSession(ctx, session); err != nil {
		w.logger.Error("Match found but notification failed",
			zap.String("sessionId", session.ID),
			zap.Error(err))
	}
	return session, nil
}

// SweepExpired 최대 대기 시간을 넘긴 항목을 제거하고 match_timeout 발행.
// 잠금을 가진 인스턴스만 수행하며, 제거된 항목 수를 반환한다
func (w *FormationWorker) SweepExpired(ctx context.Context) (int, error) {
	swept := 0
	sweep := func(ctx context.Context) error {
		now := w.now()
		for _, mode := range w.cfg.GameModes {
			entries, err := w.queue.Snapshot(ctx, mode.Name)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if !w.expired(e, now) {
					continue
				}
				removed, err := w.queue.RemoveAll(ctx, mode.Name, []models.QueueEntry{e})
				if err != nil {
					return err
				}
				if removed == 0 {
					continue
				}
				swept++
				metrics.QueueTimeouts.WithLabelValues(mode.Name).Inc()
				w.logger.Info("Queue entry expired",
					zap.String("playerId", e.PlayerID),
					zap.String("gameMode", mode.Name),
					zap.Duration("waited", e.WaitTime(now)))

				if err := w.notifier.PublishTimeout(ctx, e); err != nil {
					w.logger.Error("Failed to publish timeout", zap.String("playerId", e.PlayerID), zap.Error(err))
				}
			}
		}
		return nil
	}

	if w.locker == nil {
		return swept, sweep(ctx)
	}

	ttl := 5 * w.cfg.MatchmakingInterval
	if ttl < 10*time.Second {
		ttl = 10 * time.Second
	}
	_, err := w.locker.WithLock(ctx, ExpiryLockKey, w.cfg.InstanceID, ttl, sweep)
	return swept, err
}

func (w *FormationWorker) expired(e models.QueueEntry, now time.Time) bool {
	if e.Expired(now) {
		return true
	}
	return w.cfg.QueueMaxWait > 0 && e.WaitTime(now) >= w.cfg.QueueMaxWait
}
