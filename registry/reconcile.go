package registry

import (
	"context"
	"errors"

	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/session"
)

// reconcile resolves the provisional session of processID to realID. The
// store migrates messages, the handle and view are repointed, and hooks
// learn the real id before any further message is appended. An init for a
// handle that is already resolved is ignored; the first id wins.
func (r *Registry) reconcile(ctx context.Context, processID, realID string) {
	r.mu.RLock()
	h, ok := r.handles[processID]
	var current string
	var provisional bool
	if ok {
		current, provisional = h.SessionID, h.Provisional
	}
	r.mu.RUnlock()
	if !ok {
		return
	}

	if !provisional {
		if current != realID {
			observability.Emit(ctx, r.observer, EventInitIgnored, observability.LevelWarning, "registry.reconcile", map[string]any{
				"process_id": processID,
				"session_id": current,
				"reported":   realID,
			})
		}
		return
	}

	rec, err := r.store.Reconcile(processID, realID)
	if err != nil {
		level := observability.LevelError
		if errors.Is(err, session.ErrAlreadyResolved) {
			level = observability.LevelWarning
		}
		observability.Emit(ctx, r.observer, EventInitIgnored, level, "registry.reconcile", map[string]any{
			"process_id": processID,
			"reported":   realID,
			"error":      err.Error(),
		})
		return
	}

	r.mu.Lock()
	h, ok = r.handles[processID]
	if ok {
		h.SessionID = realID
		h.Provisional = false
	}
	var resolved Handle
	if ok {
		resolved = *h
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	migrated := rec.Messages
	if n := len(migrated) - rec.Migrated; n > 0 {
		migrated = migrated[n:]
	}

	observability.Emit(ctx, r.observer, EventResolved, observability.LevelInfo, "registry.reconcile", map[string]any{
		"process_id": processID,
		"from":       rec.From,
		"session_id": realID,
		"migrated":   rec.Migrated,
	})

	r.hook().SessionResolved(ctx, Resolution{
		Handle:     resolved,
		PreviousID: rec.From,
		Migrated:   migrated,
	})
}
