// Package session is the authoritative in-memory state of agent sessions:
// which sessions are live, the ordered messages of each, and which session
// is currently viewed.
//
// All mutations go through a single lock and advance a version counter.
// Every mutation produces one Change for subscribers; subscribers re-read
// state through Snapshot or View rather than caching it.
package session

import (
	"strings"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

const provisionalPrefix = "pending-"

// ProvisionalKey returns the placeholder session key for a process whose
// agent has not yet reported its session id.
func ProvisionalKey(processID string) string {
	return provisionalPrefix + processID
}

// IsProvisional reports whether sessionID is a placeholder key.
func IsProvisional(sessionID string) bool {
	return strings.HasPrefix(sessionID, provisionalPrefix)
}

// ChangeKind identifies the mutation that produced a Change.
type ChangeKind string

const (
	ChangeProcessStarted  ChangeKind = "process_started"
	ChangeMessageAppended ChangeKind = "message_appended"
	ChangeProcessEnded    ChangeKind = "process_ended"
	ChangeViewSwitched    ChangeKind = "view_switched"
	ChangeReconciled      ChangeKind = "reconciled"
	ChangeDiscarded       ChangeKind = "discarded"
)

// Change notifies subscribers of one mutation.
type Change struct {
	Version   uint64     `json:"version"`
	Kind      ChangeKind `json:"kind"`
	SessionID string     `json:"session_id,omitempty"`
	ProcessID string     `json:"process_id,omitempty"`
	// PreviousID is the provisional key replaced by a reconciliation.
	PreviousID string `json:"previous_id,omitempty"`
}

// View is the currently displayed session and its messages. SessionID and
// Messages always come from the same version.
type View struct {
	SessionID string             `json:"session_id"`
	Live      bool               `json:"live"`
	Messages  []protocol.Message `json:"messages"`
	Version   uint64             `json:"version"`
}

// Info summarizes one session held by the store.
type Info struct {
	ID           string   `json:"id"`
	Live         bool     `json:"live"`
	Provisional  bool     `json:"provisional"`
	MessageCount int      `json:"message_count"`
	Processes    []string `json:"processes,omitempty"`
}

// Snapshot is a consistent copy of the store at one version.
type Snapshot struct {
	Version  uint64            `json:"version"`
	View     View              `json:"view"`
	Sessions []Info            `json:"sessions"`
	Running  map[string]string `json:"running"`
}

// Reconciliation describes a provisional-to-real migration.
type Reconciliation struct {
	ProcessID string
	From      string
	To        string
	// Migrated is the number of messages moved from the provisional key.
	Migrated int
	// Messages is the full message list under the real key after the merge.
	Messages []protocol.Message
}
