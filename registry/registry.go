// Package registry tracks running agent processes, turns their raw output
// into session messages, and resolves each process's provisional session to
// the id the agent reports.
//
// Launch and Stop may be called from any goroutine. Launcher events are
// handled by Run (or Dispatch) on a single goroutine, which keeps every
// process's messages in arrival order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/tailored-agentic-units/trellico/core/protocol"
	"github.com/tailored-agentic-units/trellico/launcher"
	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/provider"
	"github.com/tailored-agentic-units/trellico/session"
	"github.com/tailored-agentic-units/trellico/stream"
)

// Registry event types.
const (
	EventLaunch          observability.EventType = "registry.process.launch"
	EventUnavailable     observability.EventType = "registry.process.unavailable"
	EventExit            observability.EventType = "registry.process.exit"
	EventFailed          observability.EventType = "registry.process.fail"
	EventStop            observability.EventType = "registry.process.stop"
	EventResolved        observability.EventType = "registry.session.resolved"
	EventInitIgnored     observability.EventType = "registry.session.init_ignored"
	EventResultError     observability.EventType = "registry.result.error"
	EventStreamDiscarded observability.EventType = "registry.stream.discarded"
)

// Kind tells plan sessions apart from iteration-loop sessions.
type Kind string

const (
	KindPlan      Kind = "plan"
	KindIteration Kind = "iteration"
)

// Handle is the registry's record of one running process.
type Handle struct {
	ProcessID   string        `json:"process_id"`
	SessionID   string        `json:"session_id"`
	Provisional bool          `json:"provisional"`
	Kind        Kind          `json:"kind"`
	Provider    provider.Kind `json:"provider"`
	WorkDir     string        `json:"work_dir"`
	StartedAt   time.Time     `json:"started_at"`
}

// Request describes a launch.
type Request struct {
	Prompt          string
	WorkDir         string
	ResumeSessionID string
	Kind            Kind
	Provider        provider.Kind
	// Status is an availability result obtained from CheckAvailable. When it
	// is set for the requested provider, Launch does not check again.
	Status *provider.Status
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver overrides the default no-op observer.
func WithObserver(o observability.Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithHook adds a notification hook.
func WithHook(h Hook) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, h) }
}

// WithChecker overrides the availability check consulted before launches.
func WithChecker(c provider.Checker) Option {
	return func(r *Registry) { r.checker = c }
}

// WithProviders overrides the provider definitions.
func WithProviders(p *provider.Registry) Option {
	return func(r *Registry) { r.providers = p }
}

// Registry owns process handles and their parse buffers.
type Registry struct {
	launcher  launcher.Launcher
	store     *session.Store
	demux     *stream.Demux
	providers *provider.Registry
	checker   provider.Checker
	observer  observability.Observer
	defKind   provider.Kind
	echo      bool

	// spawnMu is held across a launch and its registration so the
	// dispatcher never sees events for a process it does not know yet.
	spawnMu sync.Mutex

	mu      sync.RWMutex
	handles map[string]*Handle
	hooks   []Hook
}

// New creates a Registry that launches through l and records sessions in
// store. Without WithChecker every provider is treated as available.
func New(cfg *Config, l launcher.Launcher, store *session.Store, opts ...Option) *Registry {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	r := &Registry{
		launcher:  l,
		store:     store,
		demux:     stream.New(&c.Stream),
		providers: provider.NewRegistry(),
		checker:   provider.AlwaysAvailable,
		observer:  observability.NoOpObserver{},
		defKind:   c.DefaultProvider,
		echo:      c.EchoPrompt != nil && *c.EchoPrompt,
		handles:   make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddHook registers h after construction.
func (r *Registry) AddHook(h Hook) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Store returns the session store the registry writes to.
func (r *Registry) Store() *session.Store {
	return r.store
}

// Providers returns the provider definitions used for launches.
func (r *Registry) Providers() *provider.Registry {
	return r.providers
}

// Launch checks the provider, starts the agent, and registers the process.
// The new session becomes the active view and its first message is the
// prompt. Provider problems are returned as *provider.Error before anything
// is registered.
func (r *Registry) Launch(ctx context.Context, req Request) (string, error) {
	if req.Prompt == "" {
		return "", ErrEmptyPrompt
	}
	if req.Kind == "" {
		req.Kind = KindPlan
	}
	if req.Provider == "" {
		req.Provider = r.defKind
	}

	def, err := r.providers.Get(req.Provider)
	if err != nil {
		return "", err
	}

	var status provider.Status
	if req.Status != nil && req.Status.Provider == def.Kind {
		status = *req.Status
	} else {
		status = r.checker.CheckAvailable(ctx, def.Kind)
	}
	if err := status.Err(); err != nil {
		observability.Emit(ctx, r.observer, EventUnavailable, observability.LevelWarning, "registry.Launch", map[string]any{
			"provider":   string(def.Kind),
			"error_kind": string(status.ErrorKind),
			"error":      status.Error,
		})
		return "", err
	}

	binary := status.Binary
	if binary == "" {
		binary = def.Binary
	}
	spec := launcher.Spec{
		Binary: binary,
		Args:   def.BuildArgs(req.Prompt, req.ResumeSessionID),
		Dir:    req.WorkDir,
	}

	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()

	processID, err := r.launcher.Launch(ctx, spec)
	if err != nil {
		perr := classifyLaunchError(def, err)
		observability.Emit(ctx, r.observer, EventFailed, observability.LevelError, "registry.Launch", map[string]any{
			"provider":   string(def.Kind),
			"error_kind": string(perr.Kind),
			"error":      err.Error(),
		})
		return "", perr
	}

	sessionID := r.store.StartProcess(processID, req.ResumeSessionID)
	h := &Handle{
		ProcessID:   processID,
		SessionID:   sessionID,
		Provisional: req.ResumeSessionID == "",
		Kind:        req.Kind,
		Provider:    def.Kind,
		WorkDir:     req.WorkDir,
		StartedAt:   time.Now(),
	}

	r.mu.Lock()
	r.handles[processID] = h
	r.mu.Unlock()
	r.demux.Register(processID)

	observability.Emit(ctx, r.observer, EventLaunch, observability.LevelInfo, "registry.Launch", map[string]any{
		"process_id": processID,
		"session_id": sessionID,
		"kind":       string(req.Kind),
		"provider":   string(def.Kind),
		"work_dir":   req.WorkDir,
		"resumed":    req.ResumeSessionID != "",
	})

	if r.echo {
		r.appendMessage(ctx, processID, protocol.NewUserMessage(req.Prompt))
	}
	return processID, nil
}

// CheckAvailable runs the availability check for kind, or for the default
// provider when kind is empty. The result can be passed to Launch in
// Request.Status.
func (r *Registry) CheckAvailable(ctx context.Context, kind provider.Kind) provider.Status {
	if kind == "" {
		kind = r.defKind
	}
	return r.checker.CheckAvailable(ctx, kind)
}

// Stop asks the launcher to terminate processID and removes its bookkeeping
// whether or not that request succeeds. The returned error reflects only
// the launcher call.
func (r *Registry) Stop(ctx context.Context, processID string) error {
	h, ok := r.release(processID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, processID)
	}

	err := r.launcher.Stop(ctx, processID)

	data := map[string]any{
		"process_id": processID,
		"session_id": h.SessionID,
	}
	level := observability.LevelInfo
	if err != nil {
		data["error"] = err.Error()
		level = observability.LevelWarning
	}
	observability.Emit(ctx, r.observer, EventStop, level, "registry.Stop", data)

	if err != nil {
		return fmt.Errorf("stop %s: %w", processID, err)
	}
	return nil
}

// StopAll stops every registered process and joins the launcher errors.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for _, h := range r.Running() {
		if err := r.Stop(ctx, h.ProcessID); err != nil && !errors.Is(err, ErrUnknownProcess) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handle returns a copy of the handle for processID.
func (r *Registry) Handle(processID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[processID]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// IsRunning reports whether processID is registered.
func (r *Registry) IsRunning(processID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[processID]
	return ok
}

// Running returns all registered handles, oldest first.
func (r *Registry) Running() []Handle {
	r.mu.RLock()
	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, *h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ProcessID < out[j].ProcessID
	})
	return out
}

// Stats returns the stream counters for a registered process.
func (r *Registry) Stats(processID string) (stream.Stats, bool) {
	return r.demux.Stats(processID)
}

// release removes every trace of processID from the registry, the demuxer,
// and the session store.
func (r *Registry) release(processID string) (Handle, bool) {
	r.mu.Lock()
	h, ok := r.handles[processID]
	if ok {
		delete(r.handles, processID)
	}
	r.mu.Unlock()
	if !ok {
		return Handle{}, false
	}

	stats := r.demux.Remove(processID)
	r.store.EndProcess(processID)

	if stats.Malformed > 0 || stats.Overflows > 0 {
		observability.Emit(context.Background(), r.observer, EventStreamDiscarded, observability.LevelVerbose, "registry.release", map[string]any{
			"process_id": processID,
			"malformed":  stats.Malformed,
			"overflows":  stats.Overflows,
			"messages":   stats.Messages,
		})
	}
	return *h, true
}

func (r *Registry) hook() Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return NewMultiHook(r.hooks...)
}

func (r *Registry) definition(kind provider.Kind) provider.Definition {
	def, err := r.providers.Get(kind)
	if err != nil {
		return provider.Definition{Kind: kind, DisplayName: string(kind)}
	}
	return def
}

func classifyLaunchError(def provider.Definition, err error) *provider.Error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return def.NewError(provider.NotInstalled, "", err)
	default:
		return def.NewError(def.Classify(err.Error()), err.Error(), err)
	}
}
