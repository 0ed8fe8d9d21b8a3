package models

import "time"

type SessionStatus string

const (
	SessionStatusWaiting  SessionStatus = "waiting"
	SessionStatusPlaying  SessionStatus = "playing"
	SessionStatusFinished SessionStatus = "finished"
)

// SessionPlayer 세션 좌석 정보. Team은 팀 모드에서만 설정
type SessionPlayer struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName,omitempty"`
	Rating      int    `json:"rating"`
	Ready       bool   `json:"ready"`
	Seat        int    `json:"seat"`
	Team        *int   `json:"team,omitempty"`
	RequestID   string `json:"requestId"`
	WaitedMs    int64  `json:"waitedMs"`
}

type Session struct {
	ID         string          `json:"id" db:"id"`
	GameMode   string          `json:"gameMode" db:"game_mode"`
	Status     SessionStatus   `json:"status" db:"status"`
	MaxPlayers int             `json:"maxPlayers" db:"max_players"`
	Players    []SessionPlayer `json:"players" db:"players"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time       `json:"updatedAt" db:"updated_at"`
}

// Player 세션 내 특정 플레이어 조회
func (s *Session) Player(playerID string) (SessionPlayer, bool) {
	for _, p := range s.Players {
		if p.PlayerID == playerID {
			return p, true
		}
	}
	return SessionPlayer{}, false
}
