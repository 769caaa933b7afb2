// Package durable persists sessions, their messages, and iteration records
// so that history survives restarts.
//
// Sessions can also be linked to the plan or task file they produced.
//
// Three backends are provided: "sqlite" (the default for real use), "file"
// (one JSON document per workspace, guarded by a cross-process file lock),
// and "memory" (tests and ephemeral runs). All keys are stable strings and
// message sequence numbers are assigned by the caller, starting at 1.
package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

// Status is the lifecycle state of an iteration.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusStopped:
		return true
	default:
		return false
	}
}

// Session is the persisted record of an agent session.
type Session struct {
	ID          string    `json:"id"`
	WorkDir     string    `json:"work_dir"`
	Provider    string    `json:"provider"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskKey identifies a long-running task within a workspace.
type TaskKey struct {
	WorkDir string `json:"work_dir"`
	Task    string `json:"task"`
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s#%s", k.WorkDir, k.Task)
}

// Iteration is one attempt of the iteration loop against a task.
type Iteration struct {
	WorkDir   string    `json:"work_dir"`
	Task      string    `json:"task"`
	Number    int       `json:"number"`
	SessionID string    `json:"session_id,omitempty"`
	Status    Status    `json:"status"`
	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the task the iteration belongs to.
func (it Iteration) Key() TaskKey {
	return TaskKey{WorkDir: it.WorkDir, Task: it.Task}
}

// Store is the durable persistence boundary.
type Store interface {
	// CreateSession inserts the session or refreshes its UpdatedAt.
	CreateSession(ctx context.Context, s Session) error
	// SaveMessage stores msg at seq, replacing any message already there.
	SaveMessage(ctx context.Context, sessionID string, seq int, msg protocol.Message) error
	// SessionMessages returns messages ordered by sequence number.
	SessionMessages(ctx context.Context, sessionID string) ([]protocol.Message, error)
	// NextSequence returns one past the highest stored sequence, or 1.
	NextSequence(ctx context.Context, sessionID string) (int, error)
	// FolderSessions lists sessions for a workspace, most recently updated first.
	FolderSessions(ctx context.Context, workDir string) ([]Session, error)

	// SaveIteration inserts an iteration; an existing record with the same
	// key and number has its status overwritten.
	SaveIteration(ctx context.Context, it Iteration) error
	UpdateIterationStatus(ctx context.Context, key TaskKey, number int, status Status) error
	UpdateIterationSessionID(ctx context.Context, key TaskKey, number int, sessionID string) error
	// Iterations returns the task's iterations ordered by number.
	Iterations(ctx context.Context, key TaskKey) ([]Iteration, error)
	// MarkRunningStopped flips every running iteration to stopped and returns
	// how many changed. It is run at startup to recover from crashes.
	MarkRunningStopped(ctx context.Context) (int, error)
	// DeleteTaskIterations removes all iterations of a task.
	DeleteTaskIterations(ctx context.Context, key TaskKey) error

	// SaveLink stores l, replacing the session of an existing link with the
	// same work dir, file name, and type.
	SaveLink(ctx context.Context, l SessionLink) error
	// LinkByFile returns the link for a file or ErrLinkNotFound.
	LinkByFile(ctx context.Context, workDir, fileName string, typ LinkType) (SessionLink, error)
	// RenameLink moves a link to a new file name, replacing any link already
	// there. Renaming a file without a link does nothing.
	RenameLink(ctx context.Context, workDir string, typ LinkType, oldName, newName string) error

	Close() error
}

func validateIteration(it Iteration) error {
	if it.Task == "" {
		return fmt.Errorf("%w: empty task", ErrInvalidIteration)
	}
	if it.Number < 1 {
		return fmt.Errorf("%w: number %d", ErrInvalidIteration, it.Number)
	}
	if !it.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidIteration, it.Status)
	}
	return nil
}
