package plans

import (
	"context"
	"sync"

	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/fswatch"
	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/registry"
)

// Linker event types.
const (
	EventLinked  observability.EventType = "plans.link.save"
	EventRenamed observability.EventType = "plans.link.rename"
	EventError   observability.EventType = "plans.link.error"
)

// LinkerOption configures a Linker.
type LinkerOption func(*Linker)

// WithObserver overrides the default no-op observer.
func WithObserver(o observability.Observer) LinkerOption {
	return func(l *Linker) { l.observer = o }
}

// Linker links new plan files to the plan session that wrote them and keeps
// links in step with renames. It is a registry hook: a plan that appears
// while its session is still provisional is linked once the session
// resolves.
type Linker struct {
	registry.NopHook

	reg      *registry.Registry
	store    durable.Store
	workDir  string
	observer observability.Observer

	mu      sync.Mutex
	pending map[string]string
}

// NewLinker creates a Linker for plans in workDir.
func NewLinker(reg *registry.Registry, store durable.Store, workDir string, opts ...LinkerOption) *Linker {
	l := &Linker{
		reg:      reg,
		store:    store,
		workDir:  workDir,
		observer: observability.NoOpObserver{},
		pending:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run applies changes until the channel closes or ctx ends.
func (l *Linker) Run(ctx context.Context, changes <-chan fswatch.Change) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			l.Apply(ctx, c)
		}
	}
}

// Apply links added plans to the newest running plan session in the
// working directory and moves the links of renamed plans.
func (l *Linker) Apply(ctx context.Context, c fswatch.Change) {
	for _, name := range c.Added {
		l.link(ctx, FileName(name))
	}
	for _, r := range c.Renamed {
		from, to := FileName(r.From), FileName(r.To)
		if err := l.store.RenameLink(ctx, l.workDir, durable.LinkPlan, from, to); err != nil {
			l.fail(ctx, "rename", from, err)
			continue
		}
		observability.Emit(ctx, l.observer, EventRenamed, observability.LevelVerbose, "plans.Linker", map[string]any{
			"work_dir": l.workDir,
			"from":     from,
			"to":       to,
		})
	}
}

// SessionResolved saves a link that waited for the session's real id.
func (l *Linker) SessionResolved(ctx context.Context, res registry.Resolution) {
	l.mu.Lock()
	file, ok := l.pending[res.Handle.ProcessID]
	delete(l.pending, res.Handle.ProcessID)
	l.mu.Unlock()

	if ok {
		l.save(ctx, res.Handle.SessionID, file)
	}
}

// ProcessExited drops a link that never resolved.
func (l *Linker) ProcessExited(_ context.Context, e registry.Exit) {
	l.forget(e.Handle.ProcessID)
}

// ProcessFailed drops a link that never resolved.
func (l *Linker) ProcessFailed(_ context.Context, h registry.Handle, _ error) {
	l.forget(h.ProcessID)
}

func (l *Linker) forget(processID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, processID)
}

// link reads the author under mu so a resolution racing with it either is
// already visible on the handle or finds the pending entry.
func (l *Linker) link(ctx context.Context, file string) {
	l.mu.Lock()
	h, ok := l.author()
	if ok && h.Provisional {
		l.pending[h.ProcessID] = file
	}
	l.mu.Unlock()

	if ok && !h.Provisional {
		l.save(ctx, h.SessionID, file)
	}
}

func (l *Linker) author() (registry.Handle, bool) {
	running := l.reg.Running()
	for i := len(running) - 1; i >= 0; i-- {
		h := running[i]
		if h.Kind == registry.KindPlan && h.WorkDir == l.workDir {
			return h, true
		}
	}
	return registry.Handle{}, false
}

func (l *Linker) save(ctx context.Context, sessionID, file string) {
	err := l.store.SaveLink(ctx, durable.SessionLink{
		WorkDir:   l.workDir,
		FileName:  file,
		Type:      durable.LinkPlan,
		SessionID: sessionID,
	})
	if err != nil {
		l.fail(ctx, "save", file, err)
		return
	}
	observability.Emit(ctx, l.observer, EventLinked, observability.LevelInfo, "plans.Linker", map[string]any{
		"work_dir":   l.workDir,
		"file_name":  file,
		"session_id": sessionID,
	})
}

func (l *Linker) fail(ctx context.Context, op, file string, err error) {
	observability.Emit(ctx, l.observer, EventError, observability.LevelWarning, "plans.Linker", map[string]any{
		"work_dir":  l.workDir,
		"op":        op,
		"file_name": file,
		"error":     err.Error(),
	})
}
