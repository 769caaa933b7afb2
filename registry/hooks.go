package registry

import (
	"context"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

// Resolution describes a provisional session that acquired its real id.
type Resolution struct {
	Handle     Handle
	PreviousID string
	// Migrated holds the messages moved off the provisional key, in order.
	Migrated []protocol.Message
}

// Exit describes a process that ended on its own.
type Exit struct {
	Handle Handle
	Code   int
	Stderr string
}

// Hook receives registry notifications. Methods run synchronously on the
// dispatch goroutine; they may call back into the registry.
type Hook interface {
	// SessionResolved runs before the init message or any later message of
	// the process is appended.
	SessionResolved(ctx context.Context, r Resolution)
	MessageAppended(ctx context.Context, h Handle, msg protocol.Message)
	ProcessExited(ctx context.Context, e Exit)
	// ProcessFailed reports a process torn down because of a launch or
	// provider failure. err is usually a *provider.Error.
	ProcessFailed(ctx context.Context, h Handle, err error)
}

// NopHook implements Hook with no-ops. Embed it to handle a subset.
type NopHook struct{}

func (NopHook) SessionResolved(context.Context, Resolution)               {}
func (NopHook) MessageAppended(context.Context, Handle, protocol.Message) {}
func (NopHook) ProcessExited(context.Context, Exit)                       {}
func (NopHook) ProcessFailed(context.Context, Handle, error)              {}

// MultiHook fans notifications out to several hooks in order.
type MultiHook struct {
	hooks []Hook
}

// NewMultiHook creates a MultiHook over the non-nil hooks.
func NewMultiHook(hooks ...Hook) *MultiHook {
	filtered := make([]Hook, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			filtered = append(filtered, h)
		}
	}
	return &MultiHook{hooks: filtered}
}

func (m *MultiHook) SessionResolved(ctx context.Context, r Resolution) {
	for _, h := range m.hooks {
		h.SessionResolved(ctx, r)
	}
}

func (m *MultiHook) MessageAppended(ctx context.Context, handle Handle, msg protocol.Message) {
	for _, h := range m.hooks {
		h.MessageAppended(ctx, handle, msg)
	}
}

func (m *MultiHook) ProcessExited(ctx context.Context, e Exit) {
	for _, h := range m.hooks {
		h.ProcessExited(ctx, e)
	}
}

func (m *MultiHook) ProcessFailed(ctx context.Context, handle Handle, err error) {
	for _, h := range m.hooks {
		h.ProcessFailed(ctx, handle, err)
	}
}
