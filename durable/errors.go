package durable

import "errors"

// Sentinel errors for durable store operations.
var (
	ErrIterationNotFound = errors.New("iteration not found")
	ErrInvalidIteration  = errors.New("invalid iteration")
	ErrInvalidSequence   = errors.New("sequence numbers start at 1")
	ErrUnknownDriver     = errors.New("unknown store driver")
	ErrPathRequired      = errors.New("store path is required")
	ErrLoadFailed        = errors.New("load failed")
	ErrSaveFailed        = errors.New("save failed")
	ErrClosed            = errors.New("store closed")
	ErrLinkNotFound      = errors.New("session link not found")
	ErrInvalidLink       = errors.New("invalid session link")
)
