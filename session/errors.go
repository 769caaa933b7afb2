package session

import "errors"

// Sentinel errors for store operations.
var (
	ErrUnknownProcess     = errors.New("unknown process")
	ErrAlreadyResolved    = errors.New("session already resolved")
	ErrSessionRunning     = errors.New("session is running")
	ErrSessionNotFound    = errors.New("session not found")
	ErrEmptySessionID     = errors.New("session id is empty")
	ErrSubscriptionClosed = errors.New("subscription closed")
)
