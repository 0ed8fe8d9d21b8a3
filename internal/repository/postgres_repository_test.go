package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/pkg/database"
)

func setupDatabase(t *testing.T) *database.DB {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres test")
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))

	_, err = db.ExecContext(ctx, `TRUNCATE matchmaking_queue, game_sessions`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresQueue_EnqueueAndRemoveAll(t *testing.T) {
	repo := NewPostgresQueueRepository(setupDatabase(t))
	ctx := context.Background()

	a := newEntry("a", "ranked_1v1", 1200, 0)
	b := newEntry("b", "ranked_1v1", 1180, time.Second)

	result, _, err := repo.Enqueue(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, EnqueueAccepted, result)

	result, existing, err := repo.Enqueue(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, EnqueueAlreadyQueued, result)
	assert.Equal(t, a.RequestID, existing.RequestID)

	result, _, err = repo.Enqueue(ctx, newEntry("a", "ffa_4p", 1200, 0))
	require.NoError(t, err)
	assert.Equal(t, EnqueueQueuedElsewhere, result)

	_, _, err = repo.Enqueue(ctx, b)
	require.NoError(t, err)

	pos, err := repo.Position(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	missing := newEntry("ghost", "ranked_1v1", 1200, 0)
	removed, err := repo.RemoveAll(ctx, "ranked_1v1", []models.QueueEntry{a, missing})
	require.NoError(t, err)
	assert.Zero(t, removed)

	count, err := repo.Count(ctx, "ranked_1v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "failed removal rolls back")

	removed, err = repo.RemoveAll(ctx, "ranked_1v1", []models.QueueEntry{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	restored, err := repo.Restore(ctx, []models.QueueEntry{a})
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	cancelled, err := repo.Cancel(ctx, "a", "ranked_1v1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestSessionRepository_CreateIsIdempotent(t *testing.T) {
	repo := NewSessionRepository(setupDatabase(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	session := &models.Session{
		ID:         uuid.NewString(),
		GameMode:   "ranked_1v1",
		Status:     models.SessionStatusWaiting,
		MaxPlayers: 2,
		Players: []models.SessionPlayer{
			{PlayerID: "a", Rating: 1200, Seat: 0},
			{PlayerID: "b", Rating: 1180, Seat: 1},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	first, err := repo.Create(ctx, session)
	require.NoError(t, err)

	retry := *session
	retry.CreatedAt = now.Add(time.Minute)
	second, err := repo.Create(ctx, &retry)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt), "retry returns the original row")

	active, err := repo.FindActiveByPlayer(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, session.ID, active.ID)
	assert.Len(t, active.Players, 2)

	none, err := repo.FindActiveByPlayer(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, none)
}
