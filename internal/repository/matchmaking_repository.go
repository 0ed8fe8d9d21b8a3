package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/pkg/database"
)

const queueColumns = `request_id, user_id, display_name, game_mode, rating, region, enqueued_at, expires_at`

// PostgresQueueRepository matchmaking_queue 테이블 기반 매칭 큐.
// 한 플레이어의 등록은 트랜잭션 범위 advisory lock으로 직렬화한다
type PostgresQueueRepository struct {
	db *database.DB
}

func NewPostgresQueueRepository(db *database.DB) *PostgresQueueRepository {
	return &PostgresQueueRepository{db: db}
}

// Enqueue 매칭 큐에 플레이어 추가
func (r *PostgresQueueRepository) Enqueue(ctx context.Context, entry models.QueueEntry) (EnqueueResult, *models.QueueEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.PlayerID); err != nil {
		return 0, nil, fmt.Errorf("failed to lock player: %w", err)
	}

	existing, err := scanEntry(tx.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM matchmaking_queue WHERE user_id = $1 LIMIT 1`, entry.PlayerID))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to check queue: %w", err)
	}
	if existing != nil {
		if existing.GameMode == entry.GameMode {
			return EnqueueAlreadyQueued, existing, nil
		}
		return EnqueueQueuedElsewhere, existing, nil
	}

	query := `
		INSERT INTO matchmaking_queue (` + queueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, query,
		entry.RequestID,
		entry.PlayerID,
		entry.DisplayName,
		entry.GameMode,
		entry.Rating,
		entry.Region,
		entry.EnqueuedAt,
		entry.ExpiresAt,
	); err != nil {
		return 0, nil, fmt.Errorf("failed to enqueue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return EnqueueAccepted, nil, nil
}

// Cancel 큐에서 제거
func (r *PostgresQueueRepository) Cancel(ctx context.Context, playerID, gameMode string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM matchmaking_queue WHERE user_id = $1 AND game_mode = $2`, playerID, gameMode)
	if err != nil {
		return false, fmt.Errorf("failed to cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Snapshot 대기 순서대로 정렬된 큐
func (r *PostgresQueueRepository) Snapshot(ctx context.Context, gameMode string) ([]models.QueueEntry, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM matchmaking_queue
		WHERE game_mode = $1
		ORDER BY enqueued_at ASC, user_id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, gameMode)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot queue: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		if err := rows.Scan(
			&e.RequestID,
			&e.PlayerID,
			&e.DisplayName,
			&e.GameMode,
			&e.Rating,
			&e.Region,
			&e.EnqueuedAt,
			&e.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RemoveAll 한 트랜잭션에서 삭제하고, 전부 지워지지 않았으면 롤백
func (r *PostgresQueueRepository) RemoveAll(ctx context.Context, gameMode string, entries []models.QueueEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	players := make([]string, len(entries))
	requests := make([]string, len(entries))
	for i, e := range entries {
		players[i] = e.PlayerID
		requests[i] = e.RequestID
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		DELETE FROM matchmaking_queue
		WHERE game_mode = $1
		  AND (user_id, request_id) IN (SELECT * FROM unnest($2::text[], $3::text[]))
	`
	res, err := tx.ExecContext(ctx, query, gameMode, pq.Array(players), pq.Array(requests))
	if err != nil {
		return 0, fmt.Errorf("failed to remove entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if int(n) != len(entries) {
		return 0, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit removal: %w", err)
	}
	return len(entries), nil
}

// Restore 보상 재등록
func (r *PostgresQueueRepository) Restore(ctx context.Context, entries []models.QueueEntry) (int, error) {
	restored := 0
	for _, e := range entries {
		result, _, err := r.Enqueue(ctx, e)
		if err != nil {
			return restored, err
		}
		if result == EnqueueAccepted {
			restored++
		}
	}
	return restored, nil
}

// Find 플레이어의 대기 항목
func (r *PostgresQueueRepository) Find(ctx context.Context, playerID string) (*models.QueueEntry, error) {
	entry, err := scanEntry(r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM matchmaking_queue WHERE user_id = $1 LIMIT 1`, playerID))
	if err != nil {
		return nil, fmt.Errorf("failed to find queue entry: %w", err)
	}
	return entry, nil
}

// Position 대기 순번 (1부터)
func (r *PostgresQueueRepository) Position(ctx context.Context, entry models.QueueEntry) (int, error) {
	query := `
		SELECT COUNT(*) FROM matchmaking_queue
		WHERE game_mode = $1 AND (enqueued_at, user_id) <= ($2, $3)
		  AND EXISTS (SELECT 1 FROM matchmaking_queue WHERE user_id = $3 AND game_mode = $1)
	`
	var position int
	if err := r.db.QueryRowContext(ctx, query, entry.GameMode, entry.EnqueuedAt, entry.PlayerID).Scan(&position); err != nil {
		return 0, fmt.Errorf("failed to get queue position: %w", err)
	}
	return position, nil
}

func (r *PostgresQueueRepository) Count(ctx context.Context, gameMode string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM matchmaking_queue WHERE game_mode = $1`, gameMode).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

func scanEntry(row *sql.Row) (*models.QueueEntry, error) {
	e := &models.QueueEntry{}
	err := row.Scan(
		&e.RequestID,
		&e.PlayerID,
		&e.DisplayName,
		&e.GameMode,
		&e.Rating,
		&e.Region,
		&e.EnqueuedAt,
		&e.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
