// Package launcher starts external agent processes and reports their output
// as a single fanned-in event stream.
//
// Every launched process produces zero or more EventOutput events followed by
// exactly one EventExit or EventError. Events for one process arrive in order;
// events for different processes may interleave.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for launcher operations.
var (
	ErrUnknownProcess = errors.New("unknown process")
	ErrSpawnFailed    = errors.New("spawn failed")
	ErrClosed         = errors.New("launcher closed")
)

// EventKind distinguishes launcher events.
type EventKind int

const (
	EventOutput EventKind = iota
	EventExit
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOutput:
		return "output"
	case EventExit:
		return "exit"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one asynchronous notification about a launched process.
type Event struct {
	ProcessID string
	Kind      EventKind
	Data      []byte // output chunk (EventOutput)
	Code      int    // exit status (EventExit); -1 when terminated by signal
	Stderr    []byte // tail of standard error (EventExit, EventError)
	Err       error  // failure (EventError)
}

// Spec describes a process to start.
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// Launcher starts and stops external processes.
type Launcher interface {
	// Launch starts a process and returns its identifier. Failures to spawn
	// are returned directly; no events are emitted for such a process.
	Launch(ctx context.Context, spec Spec) (string, error)
	// Stop requests termination. The terminal event is still delivered.
	Stop(ctx context.Context, processID string) error
	// Events returns the fanned-in event stream for all processes.
	Events() <-chan Event
}

const (
	defaultEventBuffer = 256
	defaultStopGrace   = 5 * time.Second
	defaultStderrTail  = 8 << 10
	defaultReadSize    = 32 << 10
)

// Config holds launcher settings.
type Config struct {
	EventBuffer int           `json:"event_buffer,omitempty" yaml:"event_buffer,omitempty" toml:"event_buffer,omitempty"`
	StopGrace   time.Duration `json:"stop_grace,omitempty" yaml:"stop_grace,omitempty" toml:"stop_grace,omitempty"`
	StderrTail  int           `json:"stderr_tail,omitempty" yaml:"stderr_tail,omitempty" toml:"stderr_tail,omitempty"`
	Env         []string      `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
}

// DefaultConfig returns the default launcher configuration.
func DefaultConfig() Config {
	return Config{
		EventBuffer: defaultEventBuffer,
		StopGrace:   defaultStopGrace,
		StderrTail:  defaultStderrTail,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.EventBuffer > 0 {
		c.EventBuffer = source.EventBuffer
	}
	if source.StopGrace > 0 {
		c.StopGrace = source.StopGrace
	}
	if source.StderrTail > 0 {
		c.StderrTail = source.StderrTail
	}
	if len(source.Env) > 0 {
		c.Env = source.Env
	}
}
