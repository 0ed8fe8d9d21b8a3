package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/pkg/database"
)

const sessionColumns = `id, game_mode, status, max_players, players, created_at, updated_at`

type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create 세션 생성. 같은 ID가 이미 있으면 기존 세션을 그대로 반환한다
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	players, err := json.Marshal(session.Players)
	if err != nil {
		return nil, fmt.Errorf("failed to encode players: %w", err)
	}

	query := `
		INSERT INTO game_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.GameMode,
		session.Status,
		session.MaxPlayers,
		players,
		session.CreatedAt,
		session.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	created, err := r.FindByID(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("session %s not found after insert", session.ID)
	}
	return created, nil
}

// FindByID ID로 세션 조회. 없으면 nil
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// FindActiveByPlayer 플레이어가 참여 중인 최신 활성 세션 (waiting/playing)
func (r *SessionRepository) FindActiveByPlayer(ctx context.Context, playerID string) (*models.Session, error) {
	member, err := json.Marshal([]map[string]string{{"playerId": playerID}})
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM game_sessions
		WHERE players @> $1::jsonb
		  AND status IN ('waiting', 'playing')
		ORDER BY created_at DESC
		LIMIT 1
	`
	session, err := scanSession(r.db.QueryRowContext(ctx, query, string(member)))
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return session, nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	s := &models.Session{}
	var players []byte
	err := row.Scan(
		&s.ID,
		&s.GameMode,
		&s.Status,
		&s.MaxPlayers,
		&players,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(players, &s.Players); err != nil {
		return nil, fmt.Errorf("failed to decode players: %w", err)
	}
	return s, nil
}
