package kernel

import "errors"

var (
	// ErrUnsupportedConfig is returned by LoadConfig for unknown file
	// extensions.
	ErrUnsupportedConfig = errors.New("unsupported config format")

	// ErrClosed is returned by operations on a closed kernel.
	ErrClosed = errors.New("kernel closed")
)
