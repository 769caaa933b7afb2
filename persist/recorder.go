// Package persist writes live session output to a durable store.
//
// A Recorder is a registry hook. Messages of provisional sessions stay in
// memory until the session resolves; from then on every appended message is
// saved with the next per-session sequence number. Storage failures are
// logged and never interrupt the live session.
package persist

import (
	"context"
	"sync"

	"github.com/tailored-agentic-units/trellico/core/protocol"
	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/registry"
)

// Recorder event types.
const (
	EventSessionCreated observability.EventType = "persist.session.create"
	EventMessageSaved   observability.EventType = "persist.message.save"
	EventError          observability.EventType = "persist.error"
)

// Option configures a Recorder.
type Option func(*Recorder)

// WithObserver overrides the default no-op observer.
func WithObserver(o observability.Observer) Option {
	return func(r *Recorder) { r.observer = o }
}

// Recorder implements registry.Hook.
type Recorder struct {
	registry.NopHook

	store    durable.Store
	observer observability.Observer

	mu   sync.Mutex
	next map[string]int
}

// New creates a Recorder that saves into store.
func New(store durable.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:    store,
		observer: observability.NoOpObserver{},
		next:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionResolved creates the session row and saves the messages that were
// collected under the provisional key.
func (r *Recorder) SessionResolved(ctx context.Context, res registry.Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := res.Handle
	if !r.ensure(ctx, h) {
		return
	}
	for _, msg := range res.Migrated {
		r.save(ctx, h.SessionID, msg)
	}
}

// MessageAppended saves msg when its session has a real id.
func (r *Recorder) MessageAppended(ctx context.Context, h registry.Handle, msg protocol.Message) {
	if h.Provisional {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ensure(ctx, h) {
		return
	}
	r.save(ctx, h.SessionID, msg)
}

// ProcessExited forgets the session's counter; a resumed run reloads it.
func (r *Recorder) ProcessExited(_ context.Context, e registry.Exit) {
	r.forget(e.Handle.SessionID)
}

// ProcessFailed forgets the session's counter.
func (r *Recorder) ProcessFailed(_ context.Context, h registry.Handle, _ error) {
	r.forget(h.SessionID)
}

func (r *Recorder) forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.next, sessionID)
}

// ensure creates the session row and loads its sequence counter the first
// time a session is seen. Must be called with mu held.
func (r *Recorder) ensure(ctx context.Context, h registry.Handle) bool {
	if _, ok := r.next[h.SessionID]; ok {
		return true
	}

	err := r.store.CreateSession(ctx, durable.Session{
		ID:       h.SessionID,
		WorkDir:  h.WorkDir,
		Provider: string(h.Provider),
	})
	if err != nil {
		r.fail(ctx, "create_session", h.SessionID, err)
		return false
	}

	seq, err := r.store.NextSequence(ctx, h.SessionID)
	if err != nil {
		r.fail(ctx, "next_sequence", h.SessionID, err)
		return false
	}
	r.next[h.SessionID] = seq

	observability.Emit(ctx, r.observer, EventSessionCreated, observability.LevelVerbose, "persist.Recorder", map[string]any{
		"session_id": h.SessionID,
		"work_dir":   h.WorkDir,
		"provider":   string(h.Provider),
		"next_seq":   seq,
	})
	return true
}

// save writes msg at the session's next sequence. The counter advances only
// on success. Must be called with mu held.
func (r *Recorder) save(ctx context.Context, sessionID string, msg protocol.Message) {
	seq := r.next[sessionID]
	if err := r.store.SaveMessage(ctx, sessionID, seq, msg); err != nil {
		r.fail(ctx, "save_message", sessionID, err)
		return
	}
	r.next[sessionID] = seq + 1

	observability.Emit(ctx, r.observer, EventMessageSaved, observability.LevelVerbose, "persist.Recorder", map[string]any{
		"session_id": sessionID,
		"seq":        seq,
		"type":       string(msg.Type),
	})
}

func (r *Recorder) fail(ctx context.Context, op, sessionID string, err error) {
	observability.Emit(ctx, r.observer, EventError, observability.LevelError, "persist.Recorder", map[string]any{
		"op":         op,
		"session_id": sessionID,
		"error":      err.Error(),
	})
}
