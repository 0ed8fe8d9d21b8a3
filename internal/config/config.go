package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	QueueBackendRedis    = "redis"
	QueueBackendPostgres = "postgres"
)

// GameModeConfig 게임 모드별 매칭 규칙
type GameModeConfig struct {
	Name        string `json:"name"`
	PlayerCount int    `json:"playerCount"`
	// TeamSize 0이면 팀 없음 (FFA, 1v1)
	TeamSize int `json:"teamSize"`
	// MaxRatingSpread 매치 내 임의의 두 플레이어 간 허용 레이팅 차이
	MaxRatingSpread int `json:"maxRatingSpread"`
	// SpreadGrowthPerSecond 대기 1초당 허용 범위 증가량 (0이면 고정)
	SpreadGrowthPerSecond float64 `json:"spreadGrowthPerSecond"`
	MaxRatingSpreadCap    int     `json:"maxRatingSpreadCap"`
	RegionAffinity        bool    `json:"regionAffinity"`
}

type Config struct {
	// Server
	Port       string
	Env        string
	LogLevel   string
	InstanceID string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret     string
	JWTExpiration time.Duration

	// CORS
	CORSAllowedOrigins []string

	// Matchmaking
	QueueBackend        string
	MatchmakingInterval time.Duration
	QueueMaxWait        time.Duration
	DefaultRating       int
	GameModes           []GameModeConfig
	FindRateLimit       int

	// Retry (세션 생성, 이벤트 발행)
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Notification
	RedeliveryDeadline time.Duration
	DedupWindow        time.Duration
	MailboxTTL         time.Duration

	// PresenceTTL 게이트웨이 접속 기록 유지 시간 (TTL/3마다 갱신)
	PresenceTTL time.Duration
}

func Load() (*Config, error) {
	// .env 파일 로드 (있는 경우)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		InstanceID:          getEnv("INSTANCE_ID", uuid.New().String()),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:           getEnv("JWT_SECRET", "your-secret-key"),
		JWTExpiration:       parseDuration(getEnv("JWT_EXPIRATION", "24h"), 24*time.Hour),
		QueueBackend:        getEnv("QUEUE_BACKEND", QueueBackendRedis),
		MatchmakingInterval: parseDuration(getEnv("MATCHMAKING_INTERVAL", "2s"), 2*time.Second),
		QueueMaxWait:        parseDuration(getEnv("QUEUE_MAX_WAIT", "5m"), 5*time.Minute),
		DefaultRating:       parseInt(getEnv("DEFAULT_RATING", "1200"), 1200),
		FindRateLimit:       parseInt(getEnv("FIND_RATE_LIMIT", "20"), 20),
		MaxRetries:          parseInt(getEnv("MAX_RETRIES", "5"), 5),
		RetryBaseDelay:      parseDuration(getEnv("RETRY_BASE_DELAY", "100ms"), 100*time.Millisecond),
		RetryMaxDelay:       parseDuration(getEnv("RETRY_MAX_DELAY", "5s"), 5*time.Second),
		RedeliveryDeadline:  parseDuration(getEnv("REDELIVERY_DEADLINE", "30s"), 30*time.Second),
		DedupWindow:         parseDuration(getEnv("DEDUP_WINDOW", "10m"), 10*time.Minute),
		MailboxTTL:          parseDuration(getEnv("MAILBOX_TTL", "10m"), 10*time.Minute),
		PresenceTTL:         parseDuration(getEnv("PRESENCE_TTL", "30s"), 30*time.Second),
		CORSAllowedOrigins:  parseList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:8100")),
		GameModes:           DefaultGameModes(),
	}

	if raw := os.Getenv("MATCHMAKING_MODES"); raw != "" {
		var modes []GameModeConfig
		if err := json.Unmarshal([]byte(raw), &modes); err != nil {
			return nil, fmt.Errorf("invalid MATCHMAKING_MODES: %w", err)
		}
		cfg.GameModes = modes
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultGameModes 기본 게임 모드 목록
func DefaultGameModes() []GameModeConfig {
	return []GameModeConfig{
		{Name: "ranked_1v1", PlayerCount: 2, MaxRatingSpread: 200, SpreadGrowthPerSecond: 2, MaxRatingSpreadCap: 400, RegionAffinity: true},
		{Name: "casual_1v1", PlayerCount: 2, MaxRatingSpread: 400, SpreadGrowthPerSecond: 5, MaxRatingSpreadCap: 1000},
		{Name: "ffa_4p", PlayerCount: 4, MaxRatingSpread: 150, SpreadGrowthPerSecond: 1, MaxRatingSpreadCap: 300},
		{Name: "duo_2v2", PlayerCount: 4, TeamSize: 2, MaxRatingSpread: 250, SpreadGrowthPerSecond: 2, MaxRatingSpreadCap: 500},
	}
}

// Validate 설정 검증
func (c *Config) Validate() error {
	if c.QueueBackend != QueueBackendRedis && c.QueueBackend != QueueBackendPostgres {
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}
	if len(c.GameModes) == 0 {
		return fmt.Errorf("at least one game mode is required")
	}

	seen := make(map[string]bool, len(c.GameModes))
	for _, m := range c.GameModes {
		if m.Name == "" {
			return fmt.Errorf("game mode name is empty")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate game mode %q", m.Name)
		}
		seen[m.Name] = true

		if m.PlayerCount < 2 {
			return fmt.Errorf("game mode %q: player count must be at least 2", m.Name)
		}
		if m.TeamSize < 0 || (m.TeamSize > 0 && m.PlayerCount%m.TeamSize != 0) {
			return fmt.Errorf("game mode %q: team size %d does not divide player count %d", m.Name, m.TeamSize, m.PlayerCount)
		}
		if m.MaxRatingSpread < 0 || m.SpreadGrowthPerSecond < 0 {
			return fmt.Errorf("game mode %q: rating spread must not be negative", m.Name)
		}
	}
	return nil
}

// GameMode 이름으로 게임 모드 조회
func (c *Config) GameMode(name string) (GameModeConfig, bool) {
	for _, m := range c.GameModes {
		if m.Name == name {
			return m, true
		}
	}
	return GameModeConfig{}, false
}

// GameModeNames 설정된 게임 모드 이름 목록
func (c *Config) GameModeNames() []string {
	names := make([]string, 0, len(c.GameModes))
	for _, m := range c.GameModes {
		names = append(names, m.Name)
	}
	return names
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
