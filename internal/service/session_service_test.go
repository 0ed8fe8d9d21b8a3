package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecocards/matchmaking-backend/internal/models"
)

func TestSessionID_Deterministic(t *testing.T) {
	a, b := queued("a", 1200, 2, ""), queued("b", 1180, 1, "")

	first := SessionID("ranked_1v1", []models.QueueEntry{a, b})
	assert.Equal(t, first, SessionID("ranked_1v1", []models.QueueEntry{b, a}))
	assert.NotEqual(t, first, SessionID("casual_1v1", []models.QueueEntry{a, b}))

	b.RequestID = "req-b-2"
	assert.NotEqual(t, first, SessionID("ranked_1v1", []models.QueueEntry{a, b}), "a new request gets a new session")
}

func TestBuildSession_SnakeDraftTeams(t *testing.T) {
	mode := gameMode(t, "duo_2v2")
	candidate := []models.QueueEntry{
		queued("p1", 1300, 4, ""),
		queued("p2", 1200, 3, ""),
		queued("p3", 1500, 2, ""),
		queued("p4", 1400, 1, ""),
	}

	session := BuildSession(mode, candidate, t0)
	require.Len(t, session.Players, 4)
	assert.Equal(t, 4, session.MaxPlayers)

	teams := make(map[string]int)
	sums := make(map[int]int)
	for i, p := range session.Players {
		assert.Equal(t, i, p.Seat, "seat follows wait order")
		require.NotNil(t, p.Team)
		teams[p.PlayerID] = *p.Team
		sums[*p.Team] += p.Rating
	}

	// 1500 -> 0, 1400 -> 1, 1300 -> 1, 1200 -> 0
	assert.Equal(t, map[string]int{"p3": 0, "p4": 1, "p1": 1, "p2": 0}, teams)
	assert.Equal(t, sums[0], sums[1])
}

func TestBuildSession_OneVsOneHasNoTeams(t *testing.T) {
	session := BuildSession(gameMode(t, "ranked_1v1"), []models.QueueEntry{
		queued("a", 1200, 30, ""),
		queued("b", 1180, 1, ""),
	}, t0)

	for _, p := range session.Players {
		assert.Nil(t, p.Team)
		assert.False(t, p.Ready)
	}
	assert.Equal(t, int64(30000), session.Players[0].WaitedMs)
	assert.Equal(t, "req-a", session.Players[0].RequestID)
}

func TestSessionService_MaterializeRetriesTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.sessions.failCreates = 1

	candidate := []models.QueueEntry{queued("a", 1200, 2, ""), queued("b", 1180, 1, "")}
	session, err := env.sessionSvc.Materialize(ctx, gameMode(t, "ranked_1v1"), candidate)
	require.NoError(t, err)
	assert.Equal(t, 2, env.sessions.creates)

	// 같은 후보 재시도는 같은 세션
	again, err := env.sessionSvc.Materialize(ctx, gameMode(t, "ranked_1v1"), candidate)
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID)
	assert.Len(t, env.sessions.all(), 1)

	found, err := env.sessionSvc.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, found.ID)

	_, err = env.sessionSvc.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRetryPolicy_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryPolicy{MaxRetries: 10}.Do(ctx, func() error {
		calls++
		return assert.AnError
	})
	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
