// Package iteration runs the iteration loop: an agent is launched against a
// task again and again, each time in a fresh session, until it reports the
// task complete.
//
// The Controller is a two-state machine (Idle, Running) driven by explicit
// calls and by registry notifications. It is registered as a registry.Hook
// so that exits and session ids are observed on the dispatch goroutine,
// reading the session store directly rather than a cached copy.
package iteration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tailored-agentic-units/trellico/core/protocol"
	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/provider"
	"github.com/tailored-agentic-units/trellico/registry"
	"github.com/tailored-agentic-units/trellico/session"
	"github.com/tailored-agentic-units/trellico/tasks"
)

// Controller event types.
const (
	EventStart    observability.EventType = "iteration.start"
	EventContinue observability.EventType = "iteration.continue"
	EventComplete observability.EventType = "iteration.complete"
	EventStop     observability.EventType = "iteration.stop"
	EventSession  observability.EventType = "iteration.session"
	EventEnd      observability.EventType = "iteration.end"
	EventError    observability.EventType = "iteration.error"
)

// Transcripts loads a session's messages from somewhere other than the
// durable store.
type Transcripts interface {
	Load(ctx context.Context, workDir, sessionID string) ([]protocol.Message, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver overrides the default no-op observer.
func WithObserver(o observability.Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithTranscripts sets the fallback used by SelectIteration when the
// durable store holds no messages for a session.
func WithTranscripts(t Transcripts) Option {
	return func(c *Controller) { c.transcripts = t }
}

// Controller drives the iteration loop for one working directory. It
// implements registry.Hook.
type Controller struct {
	registry.NopHook

	reg         *registry.Registry
	store       durable.Store
	transcripts Transcripts
	observer    observability.Observer
	cfg         Config

	mu       sync.Mutex
	state    State
	launched int

	outcomes chan Outcome
}

// New creates a Controller and registers it as a hook on reg.
func New(cfg *Config, reg *registry.Registry, store durable.Store, opts ...Option) *Controller {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	ctrl := &Controller{
		reg:      reg,
		store:    store,
		observer: observability.NoOpObserver{},
		cfg:      c,
		state:    Idle{},
		outcomes: make(chan Outcome, c.OutcomeBuffer),
	}
	for _, opt := range opts {
		opt(ctrl)
	}
	reg.AddHook(ctrl)
	return ctrl
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Outcomes delivers one Outcome each time a loop ends. Outcomes are dropped
// when nobody keeps up with the channel.
func (c *Controller) Outcomes() <-chan Outcome {
	return c.outcomes
}

// WorkDir returns the project the controller runs tasks in.
func (c *Controller) WorkDir() string {
	return c.cfg.WorkDir
}

func (c *Controller) key(taskID string) durable.TaskKey {
	return durable.TaskKey{WorkDir: c.cfg.WorkDir, Task: taskID}
}

// StartIteration starts the loop for taskID. Starting the task that is
// already running does nothing. Starting a different task stops the current
// one first.
func (c *Controller) StartIteration(ctx context.Context, taskID string) error {
	if err := tasks.ValidateName(taskID); err != nil {
		return err
	}

	// The check may run the agent binary; hooks must not wait on it.
	status := c.reg.CheckAvailable(ctx, c.cfg.Provider)

	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.state.(Running); ok {
		if r.TaskID == taskID {
			return nil
		}
		if err := c.stopLocked(ctx, r); err != nil {
			c.emitError(ctx, "stop_previous", r.TaskID, err)
		}
	}

	key := c.key(taskID)
	prior, err := c.store.Iterations(ctx, key)
	if err != nil {
		return c.abortStart(ctx, taskID, 0, fmt.Errorf("load iterations: %w", err))
	}
	if n := len(prior); n > 0 && prior[n-1].Status == durable.StatusStopped {
		if err := c.store.UpdateIterationStatus(ctx, key, prior[n-1].Number, durable.StatusCompleted); err != nil {
			return c.abortStart(ctx, taskID, 0, fmt.Errorf("complete stopped iteration: %w", err))
		}
	}

	next := len(prior) + 1
	c.launched = 0
	processID, err := c.launchLocked(ctx, taskID, next, &status)
	if err != nil {
		return err
	}

	c.state = Running{TaskID: taskID, Iteration: next, ProcessID: processID}
	observability.Emit(ctx, c.observer, EventStart, observability.LevelInfo, "iteration.StartIteration", map[string]any{
		"task":       taskID,
		"iteration":  next,
		"process_id": processID,
	})
	return nil
}

// StopIteration marks the running iteration stopped, asks the agent to
// terminate, and returns to Idle. The state is Idle afterwards even when an
// error is returned.
func (c *Controller) StopIteration(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.state.(Running)
	if !ok {
		return ErrNotRunning
	}
	return c.stopLocked(ctx, r)
}

// SelectIteration makes the session of one iteration the active view and
// returns it. A live session is shown from the session store; otherwise its
// messages are loaded from the durable store, falling back to transcripts.
func (c *Controller) SelectIteration(ctx context.Context, taskID string, number int) (session.View, error) {
	its, err := c.store.Iterations(ctx, c.key(taskID))
	if err != nil {
		return session.View{}, fmt.Errorf("load iterations: %w", err)
	}

	var it *durable.Iteration
	for i := range its {
		if its[i].Number == number {
			it = &its[i]
			break
		}
	}
	if it == nil {
		return session.View{}, fmt.Errorf("%w: %s #%d", ErrNotFound, taskID, number)
	}

	sessionID := it.SessionID
	if sessionID == "" {
		c.mu.Lock()
		r, running := c.state.(Running)
		c.mu.Unlock()
		if running && r.TaskID == taskID && r.Iteration == number {
			sessionID, _ = c.reg.Store().ProcessSessionID(r.ProcessID)
		}
	}
	if sessionID == "" {
		return session.View{}, fmt.Errorf("%w: %s #%d", ErrNoSession, taskID, number)
	}

	store := c.reg.Store()
	if store.IsSessionRunning(sessionID) {
		store.ViewSession(sessionID, nil)
		return store.View(), nil
	}

	msgs, err := c.store.SessionMessages(ctx, sessionID)
	if err != nil {
		return session.View{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(msgs) == 0 && c.transcripts != nil {
		msgs, err = c.transcripts.Load(ctx, c.cfg.WorkDir, sessionID)
		if err != nil {
			return session.View{}, fmt.Errorf("load transcript %s: %w", sessionID, err)
		}
	}
	if len(msgs) == 0 {
		// Fall back to whatever the session store still retains.
		msgs = nil
	}
	store.ViewSession(sessionID, msgs)
	return store.View(), nil
}

// SessionResolved records the real session id against the running
// iteration as soon as the agent reports it, and links the task artifact to
// that session.
func (c *Controller) SessionResolved(ctx context.Context, res registry.Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.current(res.Handle.ProcessID)
	if !ok {
		return
	}
	if err := c.store.UpdateIterationSessionID(ctx, c.key(r.TaskID), r.Iteration, res.Handle.SessionID); err != nil {
		c.reset(ctx, r, ReasonStoreError, fmt.Errorf("record session id: %w", err))
		return
	}
	link := durable.SessionLink{
		WorkDir:   c.cfg.WorkDir,
		FileName:  r.TaskID,
		Type:      durable.LinkTask,
		SessionID: res.Handle.SessionID,
	}
	if err := c.store.SaveLink(ctx, link); err != nil {
		c.emitError(ctx, "link_task", r.TaskID, err)
	}
	observability.Emit(ctx, c.observer, EventSession, observability.LevelVerbose, "iteration.SessionResolved", map[string]any{
		"task":       r.TaskID,
		"iteration":  r.Iteration,
		"session_id": res.Handle.SessionID,
	})
}

// ProcessExited completes the running iteration and either ends the loop,
// when the agent printed the sentinel, or starts the next iteration.
func (c *Controller) ProcessExited(ctx context.Context, e registry.Exit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.current(e.Handle.ProcessID)
	if !ok {
		return
	}
	key := c.key(r.TaskID)

	done := Detect(c.reg.Store().Messages(e.Handle.SessionID))
	if err := c.store.UpdateIterationStatus(ctx, key, r.Iteration, durable.StatusCompleted); err != nil {
		c.reset(ctx, r, ReasonStoreError, fmt.Errorf("complete iteration: %w", err))
		return
	}

	if done {
		c.finish(ctx, r, ReasonCompleted, nil)
		return
	}
	if c.cfg.MaxIterations > 0 && c.launched >= c.cfg.MaxIterations {
		c.finish(ctx, r, ReasonMaxIterations, nil)
		return
	}

	next := r.Iteration + 1
	processID, err := c.launchLocked(ctx, r.TaskID, next, nil)
	if err != nil {
		return
	}
	c.state = Running{TaskID: r.TaskID, Iteration: next, ProcessID: processID}

	observability.Emit(ctx, c.observer, EventContinue, observability.LevelInfo, "iteration.ProcessExited", map[string]any{
		"task":       r.TaskID,
		"iteration":  next,
		"process_id": processID,
		"exit_code":  e.Code,
	})
}

// ProcessFailed marks the running iteration stopped and ends the loop.
func (c *Controller) ProcessFailed(ctx context.Context, h registry.Handle, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.current(h.ProcessID)
	if !ok {
		return
	}
	if err := c.store.UpdateIterationStatus(ctx, c.key(r.TaskID), r.Iteration, durable.StatusStopped); err != nil {
		c.emitError(ctx, "stop_failed_iteration", r.TaskID, err)
	}
	c.finish(ctx, r, ReasonFailed, cause)
}

// current returns the Running state if it belongs to processID. Must be
// called with mu held.
func (c *Controller) current(processID string) (Running, bool) {
	r, ok := c.state.(Running)
	if !ok || r.ProcessID != processID {
		return Running{}, false
	}
	return r, true
}

// launchLocked persists a running record for number and launches its
// agent. A nil status makes the registry check availability itself. On
// failure the controller is Idle and an Outcome is sent. Must be called
// with mu held.
func (c *Controller) launchLocked(ctx context.Context, taskID string, number int, status *provider.Status) (string, error) {
	key := c.key(taskID)
	err := c.store.SaveIteration(ctx, durable.Iteration{
		WorkDir:   key.WorkDir,
		Task:      taskID,
		Number:    number,
		Status:    durable.StatusRunning,
		Provider:  string(c.cfg.Provider),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return "", c.abortStart(ctx, taskID, number, fmt.Errorf("save iteration: %w", err))
	}

	processID, err := c.reg.Launch(ctx, registry.Request{
		Prompt:   Prompt(tasks.ArtifactPath(taskID)),
		WorkDir:  c.cfg.WorkDir,
		Kind:     registry.KindIteration,
		Provider: c.cfg.Provider,
		Status:   status,
	})
	if err != nil {
		if serr := c.store.UpdateIterationStatus(ctx, key, number, durable.StatusStopped); serr != nil {
			c.emitError(ctx, "stop_unlaunched_iteration", taskID, serr)
		}
		c.state = Idle{}
		c.notify(ctx, Outcome{TaskID: taskID, Iteration: number, Reason: ReasonLaunchError, Err: err})
		return "", err
	}
	c.launched++
	return processID, nil
}

// abortStart returns the controller to Idle after a store failure that
// happened before any process was launched. Must be called with mu held.
func (c *Controller) abortStart(ctx context.Context, taskID string, number int, err error) error {
	c.state = Idle{}
	c.notify(ctx, Outcome{TaskID: taskID, Iteration: number, Reason: ReasonStoreError, Err: err})
	return err
}

// stopLocked persists the stop, terminates the agent, and goes Idle. Must
// be called with mu held.
func (c *Controller) stopLocked(ctx context.Context, r Running) error {
	var errs []error
	if err := c.store.UpdateIterationStatus(ctx, c.key(r.TaskID), r.Iteration, durable.StatusStopped); err != nil {
		errs = append(errs, fmt.Errorf("persist stop: %w", err))
	}
	if err := c.reg.Stop(ctx, r.ProcessID); err != nil && !errors.Is(err, registry.ErrUnknownProcess) {
		errs = append(errs, err)
	}

	observability.Emit(ctx, c.observer, EventStop, observability.LevelInfo, "iteration.StopIteration", map[string]any{
		"task":       r.TaskID,
		"iteration":  r.Iteration,
		"process_id": r.ProcessID,
	})
	err := errors.Join(errs...)
	c.finish(ctx, r, ReasonStopped, err)
	return err
}

// reset abandons a Running state after a store failure, stopping the live
// process if there is one. Must be called with mu held.
func (c *Controller) reset(ctx context.Context, r Running, reason Reason, err error) {
	if c.reg.IsRunning(r.ProcessID) {
		if serr := c.reg.Stop(ctx, r.ProcessID); serr != nil {
			c.emitError(ctx, "stop_process", r.TaskID, serr)
		}
	}
	c.finish(ctx, r, reason, err)
}

func (c *Controller) finish(ctx context.Context, r Running, reason Reason, err error) {
	c.state = Idle{}
	if reason == ReasonCompleted {
		observability.Emit(ctx, c.observer, EventComplete, observability.LevelInfo, "iteration.Controller", map[string]any{
			"task":      r.TaskID,
			"iteration": r.Iteration,
		})
	}
	c.notify(ctx, Outcome{TaskID: r.TaskID, Iteration: r.Iteration, Reason: reason, Err: err})
}

func (c *Controller) notify(ctx context.Context, o Outcome) {
	data := map[string]any{
		"task":      o.TaskID,
		"iteration": o.Iteration,
		"reason":    o.Reason.String(),
	}
	level := observability.LevelInfo
	if o.Err != nil {
		data["error"] = o.Err.Error()
		level = observability.LevelWarning
	}
	observability.Emit(ctx, c.observer, EventEnd, level, "iteration.Controller", data)

	select {
	case c.outcomes <- o:
	default:
	}
}

func (c *Controller) emitError(ctx context.Context, op, taskID string, err error) {
	observability.Emit(ctx, c.observer, EventError, observability.LevelError, "iteration.Controller", map[string]any{
		"op":    op,
		"task":  taskID,
		"error": err.Error(),
	})
}
