package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwtutil "github.com/ecocards/matchmaking-backend/pkg/jwt"
	"github.com/ecocards/matchmaking-backend/pkg/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func whoami(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"userID": c.GetString(ContextUserID)})
}

func TestAuth(t *testing.T) {
	jwtManager := jwtutil.NewJWTManager("secret", time.Hour)
	token, err := jwtManager.Generate("player-1", "Fern")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/me", Auth(jwtManager), whoami)

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{name: "bearer header", header: "Bearer " + token, status: http.StatusOK},
		{name: "query token", query: "?token=" + token, status: http.StatusOK},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + token, status: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), "player-1")
			}
		})
	}
}

func TestRedisRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(ContextUserID, c.GetHeader("X-Player"))
		c.Next()
	})
	router.POST("/find", FindRateLimit(ratelimit.NewRedisRateLimiter(client, "test:"), 2, nil), whoami)

	do := func(player string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/find", nil)
		req.Header.Set("X-Player", player)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("a").Code)
	w := do("a")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = do("a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do("b").Code, "limits are per player")

	// Redis 장애 시 통과
	mr.Close()
	assert.Equal(t, http.StatusOK, do("a").Code)
}

func TestLocalRateLimit(t *testing.T) {
	limiter := ratelimit.NewRateLimiter(1, 0)
	defer limiter.Stop()

	router := gin.New()
	router.GET("/ws", LocalRateLimit(limiter, IPKeyFunc), whoami)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"https://app.example.com"}))
	router.GET("/health", whoami)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
