package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger 의존성 연결 확인 (*sql.DB, redis.UniversalClient 어댑터)
type Pinger func(ctx context.Context) error

// HealthCheck godoc
// @Summary Health check
// @Description Check if the API server is running
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string "Server is healthy"
// @Router /health [get]
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "matchmaking-backend",
	})
}

// ReadinessCheck 의존성(Postgres, Redis)이 모두 응답하면 200, 아니면 503
func ReadinessCheck(deps map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for name, ping := range deps {
			if err := ping(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		c.JSON(status, gin.H{
			"status": http.StatusText(status),
			"checks": checks,
		})
	}
}
