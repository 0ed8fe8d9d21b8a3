package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/api/middleware"
	"github.com/ecocards/matchmaking-backend/internal/service"
)

// FindMatchRequest POST /matchmaking/find 요청 본문
type FindMatchRequest struct {
	GameMode    string           `json:"gameMode" binding:"required"`
	Rating      *int             `json:"rating"`
	Preferences MatchPreferences `json:"preferences"`
}

// CancelMatchRequest DELETE /matchmaking/cancel 요청 본문
type CancelMatchRequest struct {
	GameMode string `json:"gameMode" binding:"required"`
}

// MatchPreferences 클라이언트 힌트
type MatchPreferences struct {
	// MaxWaitTime 초 단위. 서버 상한보다 길면 상한 적용
	MaxWaitTime      int    `json:"maxWaitTime"`
	RegionPreference string `json:"regionPreference"`
}

type MatchmakingHandler struct {
	matchmakingService *service.MatchmakingService
	logger             *zap.Logger
}

func NewMatchmakingHandler(matchmakingService *service.MatchmakingService, logger *zap.Logger) *MatchmakingHandler {
	return &MatchmakingHandler{
		matchmakingService: matchmakingService,
		logger:             logger,
	}
}

// FindMatch 매칭 큐 등록
func (h *MatchmakingHandler) FindMatch(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req FindMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	result, err := h.matchmakingService.Find(c.Request.Context(), service.FindRequest{
		PlayerID:    userID,
		DisplayName: c.GetString(middleware.ContextUsername),
		GameMode:    req.GameMode,
		Rating:      req.Rating,
		MaxWaitTime: time.Duration(req.Preferences.MaxWaitTime) * time.Second,
		Region:      req.Preferences.RegionPreference,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAlreadyQueued):
			c.JSON(http.StatusConflict, gin.H{
				"error":  "already_queued",
				"status": result,
			})
		case errors.Is(err, service.ErrQueuedElsewhere):
			c.JSON(http.StatusConflict, gin.H{
				"error":  "queued_elsewhere",
				"status": result,
			})
		default:
			h.respondError(c, "find", err)
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetStatus 현재 매칭 상태
func (h *MatchmakingHandler) GetStatus(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	status, err := h.matchmakingService.Status(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "status", err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// CancelMatch 큐에서 제거. 이미 없으면 200 {cancelled:false}
func (h *MatchmakingHandler) CancelMatch(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	// 본문이 없으면 ?gameMode= 도 받는다
	var req CancelMatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
	} else {
		req.GameMode = c.Query("gameMode")
	}
	if req.GameMode == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "gameMode required",
		})
		return
	}

	err := h.matchmakingService.Cancel(c.Request.Context(), userID, req.GameMode)
	if errors.Is(err, service.ErrNotQueued) {
		c.JSON(http.StatusOK, gin.H{"cancelled": false})
		return
	}
	if err != nil {
		h.respondError(c, "cancel", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// GetStats 모드별 대기 인원
func (h *MatchmakingHandler) GetStats(c *gin.Context) {
	stats, err := h.matchmakingService.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, "stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"modes": stats,
	})
}

func (h *MatchmakingHandler) respondError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidGameMode):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid game mode",
		})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
	default:
		h.logger.Error("Matchmaking request failed",
			zap.String("op", op),
			zap.String("playerId", c.GetString(middleware.ContextUserID)),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Matchmaking temporarily unavailable, try again",
		})
	}
}

// currentUser 인증 미들웨어가 설정한 플레이어 ID. 없으면 401 응답 후 false
func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "User not authenticated",
		})
		return "", false
	}
	return userID, true
}
