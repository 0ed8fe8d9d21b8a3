package handlers

import (
	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"

	"github.com/ecocards/matchmaking-backend/internal/websocket"
)

// WebSocketHandler WebSocket 연결 처리
type WebSocketHandler struct {
	hub      *websocket.Hub
	upgrader gorillaws.Upgrader
}

// NewWebSocketHandler WebSocketHandler 생성
func NewWebSocketHandler(hub *websocket.Hub, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		upgrader: websocket.Upgrader(allowedOrigins),
	}
}

// HandleWebSocket WebSocket 연결 엔드포인트
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	websocket.ServeWs(h.hub, &h.upgrader, c.Writer, c.Request, userID)
}
