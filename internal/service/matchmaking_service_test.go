package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchmakingService_FindValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	negative := -5

	tests := []struct {
		name string
		req  FindRequest
		want error
	}{
		{"unknown mode", FindRequest{PlayerID: "a", GameMode: "chess"}, ErrInvalidGameMode},
		{"missing player", FindRequest{GameMode: "ranked_1v1"}, ErrInvalidInput},
		{"negative rating", FindRequest{PlayerID: "a", GameMode: "ranked_1v1", Rating: &negative}, ErrInvalidInput},
		{"negative wait", FindRequest{PlayerID: "a", GameMode: "ranked_1v1", MaxWaitTime: -time.Second}, ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.matchmaking.Find(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMatchmakingService_FindUsesDefaultRatingAndPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.matchmaking.Find(ctx, FindRequest{PlayerID: "a", GameMode: "casual_1v1"})
	require.NoError(t, err)
	assert.True(t, first.InQueue)
	assert.Equal(t, 1, first.QueuePosition)
	assert.NotEmpty(t, first.RequestID)

	second := env.find(t, "b", "ffa_4p", 1200)
	assert.Equal(t, 1, second.QueuePosition, "positions are per game mode")

	entry, err := env.queue.Find(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1200, entry.Rating)
	assert.False(t, entry.ExpiresAt.IsZero())
}

// 같은 모드 중복 요청은 거절되고 큐에는 항목 하나만 남는다
func TestMatchmakingService_DuplicateFind(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.find(t, "a", "ranked_1v1", 1200)

	again, err := env.matchmaking.Find(ctx, FindRequest{PlayerID: "a", GameMode: "ranked_1v1"})
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	require.NotNil(t, again)
	assert.Equal(t, first.RequestID, again.RequestID)

	other, err := env.matchmaking.Find(ctx, FindRequest{PlayerID: "a", GameMode: "ffa_4p"})
	assert.ErrorIs(t, err, ErrQueuedElsewhere)
	require.NotNil(t, other)
	assert.Equal(t, "ranked_1v1", other.GameMode)

	count, err := env.queue.Count(ctx, "ranked_1v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = env.queue.Count(ctx, "ffa_4p")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMatchmakingService_CancelThenStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.find(t, "a", "casual_1v1", 1200)
	env.find(t, "b", "casual_1v1", 3000)
	env.find(t, "c", "casual_1v1", 100)

	require.NoError(t, env.matchmaking.Cancel(ctx, "a", "casual_1v1"))

	status, err := env.matchmaking.Status(ctx, "a")
	require.NoError(t, err)
	assert.False(t, status.InQueue)
	assert.False(t, status.Matched)

	// 다른 플레이어의 순서는 유지
	status, err = env.matchmaking.Status(ctx, "b")
	require.NoError(t, err)
	assert.True(t, status.InQueue)
	assert.Equal(t, 1, status.QueuePosition)

	status, err = env.matchmaking.Status(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, status.QueuePosition)

	assert.ErrorIs(t, env.matchmaking.Cancel(ctx, "a", "casual_1v1"), ErrNotQueued)
	assert.ErrorIs(t, env.matchmaking.Cancel(ctx, "a", "chess"), ErrInvalidGameMode)

	// 다른 기기로 취소 알림
	env.registry.connect("a")
	env.deliver(t)
	assert.Len(t, env.registry.messages("a", "match_cancelled"), 1)
}

func TestMatchmakingService_Stats(t *testing.T) {
	env := newTestEnv(t)

	env.find(t, "a", "ffa_4p", 1200)
	env.find(t, "b", "ffa_4p", 1210)
	env.find(t, "c", "ranked_1v1", 1200)

	stats, err := env.matchmaking.Stats(context.Background())
	require.NoError(t, err)

	byMode := make(map[string]int64)
	for _, s := range stats {
		byMode[s.GameMode] = s.PlayersInQueue
	}
	assert.Equal(t, int64(2), byMode["ffa_4p"])
	assert.Equal(t, int64(1), byMode["ranked_1v1"])
	assert.Equal(t, int64(0), byMode["casual_1v1"])
	assert.Len(t, stats, len(env.cfg.GameModes))
}

func TestMatchmakingService_MatchedPlayerIsNotRequeued(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.find(t, "a", "ranked_1v1", 1200)
	env.find(t, "b", "ranked_1v1", 1180)
	formed, err := env.worker.MatchMode(ctx, "ranked_1v1")
	require.NoError(t, err)
	require.Equal(t, 1, formed)

	status, err := env.matchmaking.Status(ctx, "a")
	require.NoError(t, err)
	assert.True(t, status.Matched)
	assert.NotEmpty(t, status.SessionID)

	result, err := env.matchmaking.Find(ctx, FindRequest{PlayerID: "a", GameMode: "ranked_1v1"})
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.False(t, result.InQueue)
	assert.Equal(t, status.SessionID, result.SessionID)

	count, err := env.queue.Count(ctx, "ranked_1v1")
	require.NoError(t, err)
	assert.Zero(t, count)
}
