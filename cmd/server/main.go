package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/api"
	"github.com/ecocards/matchmaking-backend/internal/api/handlers"
	"github.com/ecocards/matchmaking-backend/internal/config"
	"github.com/ecocards/matchmaking-backend/internal/repository"
	"github.com/ecocards/matchmaking-backend/internal/service"
	"github.com/ecocards/matchmaking-backend/internal/websocket"
	"github.com/ecocards/matchmaking-backend/pkg/database"
	"github.com/ecocards/matchmaking-backend/pkg/distributed"
	jwtutil "github.com/ecocards/matchmaking-backend/pkg/jwt"
	"github.com/ecocards/matchmaking-backend/pkg/logger"
	"github.com/ecocards/matchmaking-backend/pkg/ratelimit"
)

func main() {
	// 설정 로드
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 로거 초기화
	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()
	zl := logger.L().With(zap.String("instance", cfg.InstanceID))

	logger.Info("Starting matchmaking backend",
		"port", cfg.Port,
		"env", cfg.Env,
		"queueBackend", cfg.QueueBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 데이터베이스 연결
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to run migrations", "error", err)
	}

	// Redis 연결
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Invalid REDIS_URL", "error", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Fatal("Failed to connect to redis", "error", err)
	}
	logger.Info("Redis connection established")

	retry := service.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}

	// Repository 초기화
	var queue repository.QueueRepository
	switch cfg.QueueBackend {
	case config.QueueBackendPostgres:
		queue = repository.NewPostgresQueueRepository(db)
	default:
		queue = repository.NewRedisQueueRepository(rdb)
	}
	sessionRepo := repository.NewSessionRepository(db)

	// 분산 컴포넌트
	// 게이트웨이마다 자기 그룹으로 모든 이벤트를 받는다 (기동 이후 메시지부터)
	bus := distributed.NewStreamBus(rdb, distributed.StreamBusConfig{
		Group:              service.ConsumerGroup(cfg.InstanceID),
		Consumer:           cfg.InstanceID,
		StartID:            "$",
		Block:              2 * time.Second,
		RedeliveryDeadline: cfg.RedeliveryDeadline,
	}, zl)
	if err := bus.EnsureGroups(ctx, service.Topics...); err != nil {
		logger.Fatal("Failed to create consumer groups", "error", err)
	}
	coordinator := distributed.NewMatchmakingCoordinator(rdb, cfg.InstanceID, zl)
	locker := distributed.NewRedisLockManager(rdb)
	delivered := distributed.NewDeduplicator(rdb, "", cfg.DedupWindow)
	mailbox := distributed.NewMailbox(rdb, "", cfg.MailboxTTL, 100)
	presence := distributed.NewPresence(rdb, "", cfg.PresenceTTL)

	// WebSocket Hub (이 게이트웨이의 연결 레지스트리)
	hub := websocket.NewHub(zl)

	// Service 초기화
	notifier := service.NewNotificationService(bus, hub, presence, delivered, mailbox, sessionRepo, cfg.InstanceID, retry, zl)
	sessionService := service.NewSessionService(sessionRepo, queue, notifier, retry, zl)
	matchmakingService := service.NewMatchmakingService(cfg, queue, sessionRepo, coordinator, notifier, retry, zl)
	worker := service.NewFormationWorker(cfg, queue, sessionService, notifier, locker, zl)

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			zl.Info("Background task stopped", zap.String("task", name))
		}()
	}

	run("hub", func() { hub.Run(ctx) })
	run("connection-events", func() { notifier.RunConnectionEvents(ctx, hub.Events()) })
	run("notification-consumer", func() {
		if err := bus.Consume(ctx, service.Topics, notifier.HandleMessage); err != nil {
			zl.Error("Notification consumer failed", zap.Error(err))
		}
	})

	triggers, err := coordinator.Subscribe(ctx)
	if err != nil {
		// 주기 스캔만으로 동작
		zl.Warn("Failed to subscribe to matchmaking triggers", zap.Error(err))
	}
	worker.Start(triggers)
	logger.Info("Formation worker started", "interval", cfg.MatchmakingInterval.String())

	wsLimiter := ratelimit.NewRateLimiter(10, 1)
	defer wsLimiter.Stop()

	// 라우터 설정
	router := api.SetupRouter(api.Dependencies{
		Config:      cfg,
		Logger:      zl,
		Matchmaking: matchmakingService,
		Sessions:    sessionService,
		Hub:         hub,
		JWT:         jwtutil.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration),
		FindLimiter: ratelimit.NewRedisRateLimiter(rdb, "ratelimit:"),
		WSLimiter:   wsLimiter,
		Readiness: map[string]handlers.Pinger{
			"postgres": db.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	// 서버 설정
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 서버 시작 (고루틴)
	go func() {
		logger.Info("Server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Graceful shutdown 대기
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	worker.Stop()
	wg.Wait()

	logger.Info("Server exited")
}
