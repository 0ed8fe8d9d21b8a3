package service

import "errors"

// Common service errors
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidGameMode = errors.New("invalid game mode")
)

// Queue errors
var (
	ErrAlreadyQueued   = errors.New("already queued for this game mode")
	ErrQueuedElsewhere = errors.New("already queued for another game mode")
	ErrNotQueued       = errors.New("not queued")
	// ErrRaceLost 다른 워커나 취소가 먼저 항목을 가져감. 사용자에게 노출하지 않는다
	ErrRaceLost = errors.New("candidate entries already taken")
)

// Session / notification errors
var (
	ErrSessionCreationFailed = errors.New("session creation failed")
	ErrPublishFailed         = errors.New("event publish failed")
	ErrSessionNotFound       = errors.New("session not found")
)
