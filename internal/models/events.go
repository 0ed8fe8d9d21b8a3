package models

import "time"

// 메시지 버스 토픽
const (
	TopicMatchFound     = "match_found"
	TopicMatchCancelled = "match_cancelled"
	TopicMatchTimeout   = "match_timeout"
)

// 큐 제외 사유
const (
	CancelReasonPlayer        = "player_cancelled"
	CancelReasonSessionFailed = "session_creation_failed"
)

// PublicPlayer 다른 플레이어에게 공개되는 정보 (덱/핸드 등 비공개 데이터 제외)
type PublicPlayer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Rating      int    `json:"rating"`
	Seat        int    `json:"seat"`
	Team        *int   `json:"team,omitempty"`
}

// MatchFoundEvent 플레이어별로 개인화된 매칭 완료 이벤트
type MatchFoundEvent struct {
	EventID           string         `json:"eventId"`
	SessionID         string         `json:"sessionId"`
	GameMode          string         `json:"gameMode"`
	RecipientPlayerID string         `json:"recipientPlayerId"`
	Seat              int            `json:"seat"`
	Team              *int           `json:"team,omitempty"`
	Opponent          *PublicPlayer  `json:"opponent,omitempty"`
	Players           []PublicPlayer `json:"players"`
	EstimatedWaitTime int64          `json:"estimatedWaitTime"`
	PublishedAt       time.Time      `json:"publishedAt"`
}

// MatchCancelledEvent 큐에서 제외되었음을 알리는 이벤트
type MatchCancelledEvent struct {
	EventID           string    `json:"eventId"`
	RecipientPlayerID string    `json:"recipientPlayerId"`
	GameMode          string    `json:"gameMode"`
	RequestID         string    `json:"requestId"`
	Reason            string    `json:"reason"`
	// Requeued true면 원래 대기 순서로 큐에 복구됨
	Requeued          bool      `json:"requeued"`
	PublishedAt       time.Time `json:"publishedAt"`
}

// MatchTimeoutEvent 대기 시간 초과 이벤트
type MatchTimeoutEvent struct {
	EventID           string    `json:"eventId"`
	RecipientPlayerID string    `json:"recipientPlayerId"`
	GameMode          string    `json:"gameMode"`
	RequestID         string    `json:"requestId"`
	WaitedSeconds     int64     `json:"waitedSeconds"`
	PublishedAt       time.Time `json:"publishedAt"`
}

// MatchFoundPayload 클라이언트로 전달되는 "match_found" 메시지 본문
type MatchFoundPayload struct {
	SessionID         string         `json:"sessionId"`
	GameMode          string         `json:"gameMode"`
	Opponent          *PublicPlayer  `json:"opponent,omitempty"`
	Players           []PublicPlayer `json:"players"`
	Seat              int            `json:"seat"`
	Team              *int           `json:"team,omitempty"`
	EstimatedWaitTime int64          `json:"estimatedWaitTime"`
}

// Payload 클라이언트 전달용 본문으로 변환
func (e MatchFoundEvent) Payload() MatchFoundPayload {
	return MatchFoundPayload{
		SessionID:         e.SessionID,
		GameMode:          e.GameMode,
		Opponent:          e.Opponent,
		Players:           e.Players,
		Seat:              e.Seat,
		Team:              e.Team,
		EstimatedWaitTime: e.EstimatedWaitTime,
	}
}

// 연결 이벤트 종류
const (
	ConnectionOpened = "connected"
	ConnectionClosed = "disconnected"
)

// ConnectionEvent 전송 계층이 알리는 연결 변화. 비즈니스 로직은 소켓 대신 이 이벤트만 본다
type ConnectionEvent struct {
	Type         string    `json:"type"`
	PlayerID     string    `json:"playerId"`
	ConnectionID string    `json:"connectionId"`
	At           time.Time `json:"at"`
}
