package registry

import "errors"

// Sentinel errors for registry operations.
var (
	ErrUnknownProcess = errors.New("unknown process")
	ErrEmptyPrompt    = errors.New("prompt is empty")
)
