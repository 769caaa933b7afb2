package durable

import (
	"fmt"
	"time"
)

// LinkType tells which kind of file a session link points at.
type LinkType string

const (
	// LinkPlan links a plan document to the session that wrote it.
	LinkPlan LinkType = "plan"
	// LinkTask links a task artifact to the session of its latest iteration.
	LinkTask LinkType = "ralph_prd"
)

// Valid reports whether t is a known link type.
func (t LinkType) Valid() bool {
	return t == LinkPlan || t == LinkTask
}

// SessionLink records which session produced or last worked on a file. A
// workspace holds at most one link per file name and type.
type SessionLink struct {
	WorkDir   string   `json:"work_dir"`
	FileName  string   `json:"file_name"`
	Type      LinkType `json:"link_type"`
	SessionID string   `json:"session_id"`
	// Provider is filled from the linked session when it is stored.
	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func validateLink(l SessionLink) error {
	switch {
	case l.FileName == "":
		return fmt.Errorf("%w: empty file name", ErrInvalidLink)
	case l.SessionID == "":
		return fmt.Errorf("%w: empty session id", ErrInvalidLink)
	case !l.Type.Valid():
		return fmt.Errorf("%w: type %q", ErrInvalidLink, l.Type)
	}
	return nil
}
