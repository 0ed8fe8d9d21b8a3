package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ecocards/matchmaking-backend/pkg/logger"
)

type DB struct {
	*sql.DB
}

// Connect 데이터베이스 연결
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is empty")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 연결 풀 설정
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connected successfully")

	return &DB{db}, nil
}

// Migrate 매칭/세션 테이블 생성 (이미 있으면 무시)
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close 데이터베이스 연결 종료
func (db *DB) Close() error {
	return db.DB.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS matchmaking_queue (
		user_id      TEXT        NOT NULL,
		game_mode    TEXT        NOT NULL,
		request_id   TEXT        NOT NULL,
		display_name TEXT        NOT NULL DEFAULT '',
		rating       INTEGER     NOT NULL,
		region       TEXT        NOT NULL DEFAULT '',
		enqueued_at  TIMESTAMPTZ NOT NULL,
		expires_at   TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, game_mode)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_matchmaking_queue_mode_time
		ON matchmaking_queue (game_mode, enqueued_at, user_id)`,
	`CREATE TABLE IF NOT EXISTS game_sessions (
		id          UUID        PRIMARY KEY,
		game_mode   TEXT        NOT NULL,
		status      TEXT        NOT NULL,
		max_players INTEGER     NOT NULL,
		players     JSONB       NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_game_sessions_players
		ON game_sessions USING GIN (players jsonb_path_ops)`,
}
