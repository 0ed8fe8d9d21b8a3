package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/api/handlers"
	"github.com/ecocards/matchmaking-backend/internal/config"
	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/internal/repository"
	"github.com/ecocards/matchmaking-backend/internal/service"
	"github.com/ecocards/matchmaking-backend/internal/websocket"
	jwtutil "github.com/ecocards/matchmaking-backend/pkg/jwt"
	"github.com/ecocards/matchmaking-backend/pkg/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func (m *memorySessions) Create(ctx context.Context, s *models.Session) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.ID]; ok {
		return existing, nil
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *memorySessions) FindByID(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id], nil
}

func (m *memorySessions) FindActiveByPlayer(ctx context.Context, playerID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if _, ok := s.Player(playerID); ok && s.Status != models.SessionStatusFinished {
			return s, nil
		}
	}
	return nil, nil
}

type testServer struct {
	router   *gin.Engine
	jwt      *jwtutil.JWTManager
	sessions *memorySessions
	redis    *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{
		Env:           "test",
		GameModes:     config.DefaultGameModes(),
		DefaultRating: 1200,
		QueueMaxWait:  5 * time.Minute,
		FindRateLimit: 5,
	}
	retry := service.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	logger := zap.NewNop()

	queue := repository.NewRedisQueueRepository(client)
	sessions := &memorySessions{sessions: make(map[string]*models.Session)}
	jwtManager := jwtutil.NewJWTManager("secret", time.Hour)

	router := SetupRouter(Dependencies{
		Config:      cfg,
		Logger:      logger,
		Matchmaking: service.NewMatchmakingService(cfg, queue, sessions, nil, nil, retry, logger),
		Sessions:    service.NewSessionService(sessions, queue, nil, retry, logger),
		Hub:         websocket.NewHub(logger),
		JWT:         jwtManager,
		FindLimiter: ratelimit.NewRedisRateLimiter(client, "test:rl:"),
		Readiness: map[string]handlers.Pinger{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		},
	})

	return &testServer{router: router, jwt: jwtManager, sessions: sessions, redis: mr}
}

func (s *testServer) do(t *testing.T, method, path, player string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if player != "" {
		token, err := s.jwt.Generate(player, "name-"+player)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func TestRouter_FindStatusCancel(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodPost, "/api/v1/matchmaking/find", "p1", gin.H{
		"gameMode":    "ranked_1v1",
		"rating":      1350,
		"preferences": gin.H{"maxWaitTime": 60, "regionPreference": "eu"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, resp["inQueue"])
	assert.Equal(t, float64(1), resp["queuePosition"])
	requestID := resp["requestId"]
	assert.NotEmpty(t, requestID)

	w, resp = s.do(t, http.MethodPost, "/api/v1/matchmaking/find", "p1", gin.H{"gameMode": "ranked_1v1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_queued", resp["error"])
	status := resp["status"].(map[string]interface{})
	assert.Equal(t, requestID, status["requestId"], "existing entry is kept")

	w, resp = s.do(t, http.MethodPost, "/api/v1/matchmaking/find", "p1", gin.H{"gameMode": "ffa_4p"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "queued_elsewhere", resp["error"])

	w, resp = s.do(t, http.MethodGet, "/api/v1/matchmaking/status", "p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["inQueue"])
	assert.Equal(t, "ranked_1v1", resp["gameMode"])

	w, resp = s.do(t, http.MethodGet, "/api/v1/matchmaking/stats", "p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["modes"], len(config.DefaultGameModes()))

	w, resp = s.do(t, http.MethodDelete, "/api/v1/matchmaking/cancel", "p1", gin.H{"gameMode": "ranked_1v1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, resp["cancelled"])

	// 본문 없는 클라이언트는 쿼리로도 보낼 수 있다
	w, resp = s.do(t, http.MethodDelete, "/api/v1/matchmaking/cancel?gameMode=ranked_1v1", "p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["cancelled"])

	w, resp = s.do(t, http.MethodGet, "/api/v1/matchmaking/status", "p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["inQueue"])
}

func TestRouter_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		player string
		body   interface{}
		status int
	}{
		{"no token", http.MethodPost, "/api/v1/matchmaking/find", "", gin.H{"gameMode": "ranked_1v1"}, http.StatusUnauthorized},
		{"missing mode", http.MethodPost, "/api/v1/matchmaking/find", "p1", gin.H{}, http.StatusBadRequest},
		{"unknown mode", http.MethodPost, "/api/v1/matchmaking/find", "p1", gin.H{"gameMode": "chess"}, http.StatusBadRequest},
		{"negative rating", http.MethodPost, "/api/v1/matchmaking/find", "p1", gin.H{"gameMode": "ranked_1v1", "rating": -5}, http.StatusBadRequest},
		{"cancel without mode", http.MethodDelete, "/api/v1/matchmaking/cancel", "p1", nil, http.StatusBadRequest},
		{"cancel body without mode", http.MethodDelete, "/api/v1/matchmaking/cancel", "p1", gin.H{}, http.StatusBadRequest},
		{"cancel unknown mode", http.MethodDelete, "/api/v1/matchmaking/cancel", "p1", gin.H{"gameMode": "chess"}, http.StatusBadRequest},
		{"cancel unknown mode in query", http.MethodDelete, "/api/v1/matchmaking/cancel?gameMode=chess", "p1", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := s.do(t, tt.method, tt.path, tt.player, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestRouter_ActiveSessionIsReturned(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	session := &models.Session{
		ID:         "sess-1",
		GameMode:   "ranked_1v1",
		Status:     models.SessionStatusWaiting,
		MaxPlayers: 2,
		Players: []models.SessionPlayer{
			{PlayerID: "p1", Rating: 1200, Seat: 0},
			{PlayerID: "p2", Rating: 1210, Seat: 1},
		},
	}
	_, err := s.sessions.Create(ctx, session)
	require.NoError(t, err)

	w, resp := s.do(t, http.MethodPost, "/api/v1/matchmaking/find", "p1", gin.H{"gameMode": "ranked_1v1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["matched"])
	assert.Equal(t, "sess-1", resp["sessionId"])

	w, resp = s.do(t, http.MethodGet, "/api/v1/matchmaking/status", "p2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["matched"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/sessions/sess-1", "p2", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/sessions/sess-1", "stranger", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "only participants can read a session")

	w, _ = s.do(t, http.MethodGet, "/api/v1/sessions/missing", "p1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_FindRateLimit(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 5; i++ {
		w, _ := s.do(t, http.MethodGet, "/api/v1/matchmaking/status", "p1", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	codes := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		w, _ := s.do(t, http.MethodPost, "/api/v1/matchmaking/find", "p1", gin.H{"gameMode": "casual_1v1"})
		codes = append(codes, w.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusConflict, codes[4])
	assert.Equal(t, http.StatusTooManyRequests, codes[5])
}

func TestRouter_RedisOutageIsServiceUnavailable(t *testing.T) {
	s := newTestServer(t)
	s.redis.Close()

	w, resp := s.do(t, http.MethodGet, "/api/v1/matchmaking/status", "p1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, resp["error"], "try again")

	w, _ = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])

	w, _ = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
