package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/metrics"
	"github.com/ecocards/matchmaking-backend/internal/models"
)

// Hub WebSocket 연결 레지스트리. 한 플레이어가 여러 기기로 동시에 접속할 수 있다
type Hub struct {
	// 플레이어별 연결 (playerID -> connectionID -> *Client)
	clients map[string]map[string]*Client
	mu      sync.RWMutex

	// 등록/해제 채널
	register   chan *Client
	unregister chan *Client

	// 연결 변화 알림 (비즈니스 로직은 소켓 대신 이것만 본다)
	events chan models.ConnectionEvent

	// Run 종료 시 닫힘
	done chan struct{}

	logger *zap.Logger
}

// Message WebSocket 메시지
type Message struct {
	Type    string      `json:"type"`    // 메시지 타입
	Payload interface{} `json:"payload"` // 메시지 내용
}

// NewHub Hub 생성
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan models.ConnectionEvent, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run Hub 실행. ctx가 끝나면 모든 연결을 닫고 반환
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.registerClient(ctx, client)

		case client := <-h.unregister:
			h.unregisterClient(ctx, client)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Register 연결 등록. Hub가 종료되었으면 false
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister 연결 해제
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Events 연결/해제 이벤트 채널. 소비하지 않으면 버퍼가 찬 뒤 등록/해제가 멈춘다
func (h *Hub) Events() <-chan models.ConnectionEvent {
	return h.events
}

// registerClient 클라이언트 등록
func (h *Hub) registerClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	conns, ok := h.clients[client.playerID]
	if !ok {
		conns = make(map[string]*Client)
		h.clients[client.playerID] = conns
	}
	conns[client.connID] = client
	count := len(conns)
	h.mu.Unlock()

	metrics.ActiveConnections.Inc()
	h.logger.Info("WebSocket client registered",
		zap.String("playerId", client.playerID),
		zap.String("connectionId", client.connID),
		zap.Int("playerConnections", count))

	h.emit(ctx, models.ConnectionOpened, client)
}

// unregisterClient 클라이언트 해제
func (h *Hub) unregisterClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	conns, ok := h.clients[client.playerID]
	if !ok || conns[client.connID] != client {
		h.mu.Unlock()
		return
	}
	delete(conns, client.connID)
	if len(conns) == 0 {
		delete(h.clients, client.playerID)
	}
	close(client.send)
	h.mu.Unlock()

	metrics.ActiveConnections.Dec()
	h.logger.Info("WebSocket client unregistered",
		zap.String("playerId", client.playerID),
		zap.String("connectionId", client.connID))

	h.emit(ctx, models.ConnectionClosed, client)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for playerID, conns := range h.clients {
		for _, client := range conns {
			close(client.send)
			metrics.ActiveConnections.Dec()
		}
		delete(h.clients, playerID)
	}
}

// emit 연결 이벤트 전달. 접속 이벤트가 빠지면 보관함 전달이 누락되므로 버리지 않고 기다린다
func (h *Hub) emit(ctx context.Context, eventType string, client *Client) {
	event := models.ConnectionEvent{
		Type:         eventType,
		PlayerID:     client.playerID,
		ConnectionID: client.connID,
		At:           time.Now(),
	}
	select {
	case h.events <- event:
		return
	default:
	}

	h.logger.Warn("Connection event channel full, waiting for consumer",
		zap.String("playerId", client.playerID),
		zap.String("type", eventType))
	select {
	case h.events <- event:
	case <-ctx.Done():
		metrics.ConnectionEventsDropped.WithLabelValues(eventType).Inc()
	}
}

// SendToPlayer 플레이어의 모든 연결에 메시지 전송. 전달된 연결 수 반환 (0이면 미접속)
func (h *Hub) SendToPlayer(playerID, msgType string, payload interface{}) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	message := &Message{Type: msgType, Payload: payload}
	sent := 0
	for _, client := range h.clients[playerID] {
		select {
		case client.send <- message:
			sent++
		default:
			h.logger.Warn("Client send channel full",
				zap.String("playerId", playerID),
				zap.String("connectionId", client.connID))
		}
	}
	return sent
}

// ConnectionCount 플레이어의 현재 연결 수
func (h *Hub) ConnectionCount(playerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[playerID])
}

// Players 이 게이트웨이에 연결된 플레이어 목록
func (h *Hub) Players() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for playerID := range h.clients {
		out = append(out, playerID)
	}
	return out
}
