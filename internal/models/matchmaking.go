package models

import "time"

// RegionAny 지역 선호가 없는 요청 (모든 지역과 호환)
const RegionAny = "any"

// QueueEntry 매칭 큐 대기 항목. (PlayerID, GameMode) 당 최대 1개
type QueueEntry struct {
	RequestID   string    `json:"requestId" db:"request_id"`
	PlayerID    string    `json:"playerId" db:"user_id"`
	DisplayName string    `json:"displayName,omitempty" db:"display_name"`
	GameMode    string    `json:"gameMode" db:"game_mode"`
	Rating      int       `json:"rating" db:"rating"`
	Region      string    `json:"region,omitempty" db:"region"`
	EnqueuedAt  time.Time `json:"enqueuedAt" db:"enqueued_at"`
	ExpiresAt   time.Time `json:"expiresAt" db:"expires_at"`
}

// WaitTime now 기준 대기 시간
func (e QueueEntry) WaitTime(now time.Time) time.Duration {
	d := now.Sub(e.EnqueuedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Expired 대기 만료 여부
func (e QueueEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// HasRegionPreference 특정 지역을 요구하는지 여부
func (e QueueEntry) HasRegionPreference() bool {
	return e.Region != "" && e.Region != RegionAny
}

// QueueStatus 플레이어의 현재 매칭 상태 (GET status 응답)
type QueueStatus struct {
	InQueue       bool       `json:"inQueue"`
	GameMode      string     `json:"gameMode,omitempty"`
	RequestID     string     `json:"requestId,omitempty"`
	QueuePosition int        `json:"queuePosition,omitempty"`
	EnqueuedAt    *time.Time `json:"enqueuedAt,omitempty"`
	Matched       bool       `json:"matched"`
	SessionID     string     `json:"sessionId,omitempty"`
}

// ModeStats 게임 모드별 대기 통계
type ModeStats struct {
	GameMode       string `json:"gameMode"`
	PlayersInQueue int64  `json:"playersInQueue"`
}
