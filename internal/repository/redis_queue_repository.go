package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/ecocards/matchmaking-backend/internal/models"
)

const queueKeyPrefix = "mm"

// enqueueScript KEYS: queue zset, entries hash, player key / ARGV: player, score, entry json, mode
// 반환: {0} 등록, {1, 기존 json} 같은 모드, {2, 기존 모드} 다른 모드
var enqueueScript = redis.NewScript(`
local current = redis.call('GET', KEYS[3])
if current then
	if current ~= ARGV[4] then
		return {2, current}
	end
	local existing = redis.call('HGET', KEYS[2], ARGV[1])
	if existing then
		return {1, existing}
	end
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('SET', KEYS[3], ARGV[4])
return {0}
`)

// cancelScript KEYS: queue zset, entries hash, player key / ARGV: player, mode
var cancelScript = redis.NewScript(`
local removed = redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('GET', KEYS[3]) == ARGV[2] then
	redis.call('DEL', KEYS[3])
end
return removed
`)

// snapshotScript KEYS: queue zset, entries hash
var snapshotScript = redis.NewScript(`
local players = redis.call('ZRANGE', KEYS[1], 0, -1)
local out = {}
for _, player in ipairs(players) do
	local raw = redis.call('HGET', KEYS[2], player)
	if raw then
		out[#out + 1] = raw
	end
end
return out
`)

// removeAllScript KEYS: queue zset, entries hash, player keys... / ARGV: mode, (player, requestId)...
// 모든 항목이 같은 requestId로 남아 있을 때만 제거한다
var removeAllScript = redis.NewScript(`
local n = #KEYS - 2
for i = 1, n do
	local raw = redis.call('HGET', KEYS[2], ARGV[i * 2])
	if not raw then
		return 0
	end
	local entry = cjson.decode(raw)
	if entry['requestId'] ~= ARGV[i * 2 + 1] then
		return 0
	end
end
for i = 1, n do
	local player = ARGV[i * 2]
	redis.call('HDEL', KEYS[2], player)
	redis.call('ZREM', KEYS[1], player)
	if redis.call('GET', KEYS[i + 2]) == ARGV[1] then
		redis.call('DEL', KEYS[i + 2])
	end
end
return n
`)

// RedisQueueRepository Redis 기반 매칭 큐.
// mm:queue:{mode} (ZSET, score=enqueuedAt ms), mm:entries:{mode} (HASH), mm:player:{player} (모드)
type RedisQueueRepository struct {
	client redis.UniversalClient
}

func NewRedisQueueRepository(client redis.UniversalClient) *RedisQueueRepository {
	return &RedisQueueRepository{client: client}
}

func queueKey(gameMode string) string {
	return fmt.Sprintf("%s:queue:%s", queueKeyPrefix, gameMode)
}

func entriesKey(gameMode string) string {
	return fmt.Sprintf("%s:entries:%s", queueKeyPrefix, gameMode)
}

func playerKey(playerID string) string {
	return fmt.Sprintf("%s:player:%s", queueKeyPrefix, playerID)
}

// Enqueue 큐 등록
func (r *RedisQueueRepository) Enqueue(ctx context.Context, entry models.QueueEntry) (EnqueueResult, *models.QueueEntry, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode queue entry: %w", err)
	}

	keys := []string{queueKey(entry.GameMode), entriesKey(entry.GameMode), playerKey(entry.PlayerID)}
	res, err := enqueueScript.Run(ctx, r.client, keys,
		entry.PlayerID, entry.EnqueuedAt.UnixMilli(), string(raw), entry.GameMode,
	).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to enqueue: %w", err)
	}

	code, _ := res[0].(int64)
	switch code {
	case 0:
		return EnqueueAccepted, nil, nil
	case 1:
		existing, err := decodeEntry(res[1])
		if err != nil {
			return 0, nil, err
		}
		return EnqueueAlreadyQueued, existing, nil
	default:
		existing, err := r.Find(ctx, entry.PlayerID)
		if err != nil {
			return 0, nil, err
		}
		return EnqueueQueuedElsewhere, existing, nil
	}
}

// Cancel 큐에서 제거
func (r *RedisQueueRepository) Cancel(ctx context.Context, playerID, gameMode string) (bool, error) {
	keys := []string{queueKey(gameMode), entriesKey(gameMode), playerKey(playerID)}
	removed, err := cancelScript.Run(ctx, r.client, keys, playerID, gameMode).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to cancel: %w", err)
	}
	return removed > 0, nil
}

// Snapshot 대기 순서대로 정렬된 큐
func (r *RedisQueueRepository) Snapshot(ctx context.Context, gameMode string) ([]models.QueueEntry, error) {
	raws, err := snapshotScript.Run(ctx, r.client, []string{queueKey(gameMode), entriesKey(gameMode)}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot queue: %w", err)
	}

	entries := make([]models.QueueEntry, 0, len(raws))
	for _, raw := range raws {
		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode queue entry: %w", err)
		}
		entries = append(entries, entry)
	}

	sortByWait(entries)
	return entries, nil
}

// RemoveAll 매칭된 항목 일괄 제거 (전부 또는 전무)
func (r *RedisQueueRepository) RemoveAll(ctx context.Context, gameMode string, entries []models.QueueEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(entries)+2)
	keys = append(keys, queueKey(gameMode), entriesKey(gameMode))
	args := make([]interface{}, 0, len(entries)*2+1)
	args = append(args, gameMode)
	for _, e := range entries {
		keys = append(keys, playerKey(e.PlayerID))
		args = append(args, e.PlayerID, e.RequestID)
	}

	removed, err := removeAllScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to remove entries: %w", err)
	}
	return removed, nil
}

// Restore 보상 재등록
func (r *RedisQueueRepository) Restore(ctx context.Context, entries []models.QueueEntry) (int, error) {
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
func (r *RedisQueueRepository) Find(ctx context.Context, playerID string) (*models.QueueEntry, error) {
	gameMode, err := r.client.Get(ctx, playerKey(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find queue entry: %w", err)
	}

	raw, err := r.client.HGet(ctx, entriesKey(gameMode), playerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find queue entry: %w", err)
	}
	return decodeEntry(raw)
}

// Position 대기 순번 (1부터)
func (r *RedisQueueRepository) Position(ctx context.Context, entry models.QueueEntry) (int, error) {
	rank, err := r.client.ZRank(ctx, queueKey(entry.GameMode), entry.PlayerID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get queue position: %w", err)
	}
	return int(rank) + 1, nil
}

func (r *RedisQueueRepository) Count(ctx context.Context, gameMode string) (int64, error) {
	n, err := r.client.ZCard(ctx, queueKey(gameMode)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

func decodeEntry(v interface{}) (*models.QueueEntry, error) {
	raw, ok := v.(string)
	if !ok {
		return nil, nil
	}
	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode queue entry: %w", err)
	}
	return &entry, nil
}

// sortByWait enqueuedAt 오름차순, 동시 등록은 playerId 순
func sortByWait(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})
}
