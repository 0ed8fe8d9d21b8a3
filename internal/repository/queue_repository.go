package repository

import (
	"context"

	"github.com/ecocards/matchmaking-backend/internal/models"
)

// EnqueueResult 큐 등록 결과
type EnqueueResult int

const (
	EnqueueAccepted EnqueueResult = iota
	// EnqueueAlreadyQueued 같은 모드에 이미 대기 중 (기존 항목 유지)
	EnqueueAlreadyQueued
	// EnqueueQueuedElsewhere 다른 모드에 대기 중
	EnqueueQueuedElsewhere
)

func (r EnqueueResult) String() string {
	switch r {
	case EnqueueAccepted:
		return "accepted"
	case EnqueueAlreadyQueued:
		return "already_queued"
	case EnqueueQueuedElsewhere:
		return "queued_elsewhere"
	default:
		return "unknown"
	}
}

// QueueRepository 게임 모드별 매칭 대기열.
// 모든 변경은 저장소 측에서 원자적으로 수행되며, 여러 워커 인스턴스가 동시에 호출해도 안전하다.
type QueueRepository interface {
	// Enqueue 플레이어를 큐에 추가. Accepted가 아니면 기존 항목을 함께 반환
	Enqueue(ctx context.Context, entry models.QueueEntry) (EnqueueResult, *models.QueueEntry, error)
	// Cancel 항목 제거. 없으면 false
	Cancel(ctx context.Context, playerID, gameMode string) (bool, error)
	// Snapshot 대기 순서(enqueuedAt 오름차순)로 정렬된 현재 큐
	Snapshot(ctx context.Context, gameMode string) ([]models.QueueEntry, error)
	// RemoveAll 전부 제거하거나 아무것도 제거하지 않는다. 하나라도 없거나
	// requestId가 바뀌었으면 0을 반환
	RemoveAll(ctx context.Context, gameMode string, entries []models.QueueEntry) (int, error)
	// Restore 원래 enqueuedAt을 유지한 채 재등록. 그 사이 다시 대기열에 들어온 플레이어는 건너뛴다
	Restore(ctx context.Context, entries []models.QueueEntry) (int, error)
	// Find 플레이어의 현재 대기 항목. 없으면 nil
	Find(ctx context.Context, playerID string) (*models.QueueEntry, error)
	// Position 1부터 시작하는 대기 순번. 큐에 없으면 0
	Position(ctx context.Context, entry models.QueueEntry) (int, error)
	Count(ctx context.Context, gameMode string) (int64, error)
}
