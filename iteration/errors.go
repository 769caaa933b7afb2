package iteration

import "errors"

var (
	ErrNotRunning = errors.New("no iteration is running")
	ErrNoSession  = errors.New("iteration has no session")
	ErrNotFound   = errors.New("iteration not found")
)
