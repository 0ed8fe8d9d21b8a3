package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/api/handlers"
	"github.com/ecocards/matchmaking-backend/internal/api/middleware"
	"github.com/ecocards/matchmaking-backend/internal/config"
	"github.com/ecocards/matchmaking-backend/internal/service"
	"github.com/ecocards/matchmaking-backend/internal/websocket"
	jwtutil "github.com/ecocards/matchmaking-backend/pkg/jwt"
	"github.com/ecocards/matchmaking-backend/pkg/ratelimit"
)

// Dependencies 라우터가 사용하는 컴포넌트. cmd/server에서 조립한다
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Matchmaking *service.MatchmakingService
	Sessions    *service.SessionService
	Hub         *websocket.Hub
	JWT         *jwtutil.JWTManager

	// FindLimiter nil이면 find에 Rate Limit을 걸지 않는다
	FindLimiter *ratelimit.RedisRateLimiter
	// WSLimiter nil이면 WebSocket 업그레이드에 Rate Limit을 걸지 않는다
	WSLimiter *ratelimit.RateLimiter

	Readiness map[string]handlers.Pinger
}

// SetupRouter API 라우터 설정
func SetupRouter(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// 전역 미들웨어
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(deps.Logger))
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	matchmakingHandler := handlers.NewMatchmakingHandler(deps.Matchmaking, deps.Logger)
	sessionHandler := handlers.NewSessionHandler(deps.Sessions)
	wsHandler := handlers.NewWebSocketHandler(deps.Hub, cfg.CORSAllowedOrigins)
	auth := middleware.Auth(deps.JWT)

	// Health / metrics
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadinessCheck(deps.Readiness))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// WebSocket endpoint
		ws := []gin.HandlerFunc{}
		if deps.WSLimiter != nil {
			ws = append(ws, middleware.LocalRateLimit(deps.WSLimiter, middleware.IPKeyFunc))
		}
		ws = append(ws, auth, wsHandler.HandleWebSocket)
		v1.GET("/ws", ws...)

		// Matchmaking routes
		matchmaking := v1.Group("/matchmaking")
		matchmaking.Use(auth)
		{
			find := []gin.HandlerFunc{}
			if deps.FindLimiter != nil {
				find = append(find, middleware.FindRateLimit(deps.FindLimiter, cfg.FindRateLimit, deps.Logger))
			}
			find = append(find, matchmakingHandler.FindMatch)

			matchmaking.POST("/find", find...)
			matchmaking.GET("/status", matchmakingHandler.GetStatus)
			matchmaking.DELETE("/cancel", matchmakingHandler.CancelMatch)
			matchmaking.GET("/stats", matchmakingHandler.GetStats)
		}

		// Session routes
		v1.GET("/sessions/:id", auth, sessionHandler.GetSession)
	}

	return router
}
