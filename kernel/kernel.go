// Package kernel composes the orchestration subsystems into one runtime:
// launcher, live session store, process registry, durable store, iteration
// controller, and the RPC surface.
//
// The kernel initializes from configuration via New, creating all subsystems
// internally. Functional options replace individual subsystems for tests.
//
//	k, err := kernel.New(&cfg)
//	go k.Run(ctx)
//	result, err := k.Execute(ctx, "Draft a plan for the importer")
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/trellico/core/protocol"
	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/fswatch"
	"github.com/tailored-agentic-units/trellico/history"
	"github.com/tailored-agentic-units/trellico/iteration"
	"github.com/tailored-agentic-units/trellico/launcher"
	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/persist"
	"github.com/tailored-agentic-units/trellico/plans"
	"github.com/tailored-agentic-units/trellico/provider"
	"github.com/tailored-agentic-units/trellico/registry"
	"github.com/tailored-agentic-units/trellico/rpcserver"
	"github.com/tailored-agentic-units/trellico/session"
)

// Result holds the outcome of an Execute invocation.
type Result struct {
	ProcessID string
	SessionID string
	ExitCode  int
	// Err is set when the process failed instead of exiting.
	Err      error
	Messages []protocol.Message
	Duration time.Duration
}

// Option configures a Kernel. Options are applied by New before wiring;
// subsystems left unset are created from config.
type Option func(*Kernel)

// WithLauncher overrides the config-created exec launcher.
func WithLauncher(l launcher.Launcher) Option {
	return func(k *Kernel) { k.launcher = l }
}

// WithDurableStore overrides the config-opened durable store.
func WithDurableStore(s durable.Store) Option {
	return func(k *Kernel) { k.durable = s }
}

// WithChecker overrides the system availability checker.
func WithChecker(c provider.Checker) Option {
	return func(k *Kernel) { k.checker = c }
}

// WithTranscripts overrides the transcript loader used for past iterations.
func WithTranscripts(t iteration.Transcripts) Option {
	return func(k *Kernel) { k.transcripts = t }
}

// WithObserver overrides the observers named in config.
func WithObserver(o observability.Observer) Option {
	return func(k *Kernel) { k.observer = o }
}

// Kernel owns every subsystem and their lifetimes.
type Kernel struct {
	cfg Config

	launcher    launcher.Launcher
	store       *session.Store
	providers   *provider.Registry
	checker     provider.Checker
	durable     durable.Store
	registry    *registry.Registry
	controller  *iteration.Controller
	linker      *plans.Linker
	transcripts iteration.Transcripts
	observer    observability.Observer
	events      *observability.Recorder
	waits       *waiter

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Kernel from configuration. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Kernel, error) {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}
	if c.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve work dir: %w", err)
		}
		c.WorkDir = wd
	}
	if c.Iteration.WorkDir == "" {
		c.Iteration.WorkDir = c.WorkDir
	}

	k := &Kernel{
		cfg:       c,
		providers: provider.NewRegistry(),
		events:    observability.NewRecorder(c.EventLimit),
		waits:     newWaiter(),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}

	if k.observer == nil {
		base, err := observability.Resolve(c.Observers...)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve observers: %w", err)
		}
		k.observer = base
	}
	k.observer = observability.NewMultiObserver(k.observer, k.events)

	if k.checker == nil {
		k.checker = provider.NewSystemChecker(k.providers)
	}
	if k.launcher == nil {
		k.launcher = launcher.NewExec(&c.Launcher, launcher.WithObserver(k.observer))
	}
	if k.transcripts == nil {
		loader, err := history.NewLoader(c.HistoryHome)
		if err != nil {
			return nil, fmt.Errorf("failed to create transcript loader: %w", err)
		}
		k.transcripts = loader
	}
	if k.durable == nil {
		db, err := durable.Open(&c.Durable)
		if err != nil {
			return nil, fmt.Errorf("failed to open durable store: %w", err)
		}
		k.durable = db
	}

	ctx := context.Background()
	if c.Durable.RecoverOnStart != nil && *c.Durable.RecoverOnStart {
		n, err := k.durable.MarkRunningStopped(ctx)
		if err != nil {
			k.durable.Close()
			return nil, fmt.Errorf("failed to recover iterations: %w", err)
		}
		if n > 0 {
			observability.Emit(ctx, k.observer, EventRecover, observability.LevelWarning, "kernel.New", map[string]any{
				"stopped": n,
			})
		}
	}

	k.store = session.New(&c.Session, session.WithObserver(k.observer))
	k.waits.store = k.store
	k.registry = registry.New(&c.Registry, k.launcher, k.store,
		registry.WithObserver(k.observer),
		registry.WithChecker(k.checker),
		registry.WithProviders(k.providers),
		registry.WithHook(k.waits),
	)
	if c.Persist != nil && *c.Persist {
		k.registry.AddHook(persist.New(k.durable, persist.WithObserver(k.observer)))
	}
	if c.LinkPlans != nil && *c.LinkPlans {
		k.linker = plans.NewLinker(k.registry, k.durable, c.WorkDir, plans.WithObserver(k.observer))
		k.registry.AddHook(k.linker)
	}
	k.controller = iteration.New(&c.Iteration, k.registry, k.durable,
		iteration.WithObserver(k.observer),
		iteration.WithTranscripts(k.transcripts),
	)

	observability.Emit(ctx, k.observer, EventOpen, observability.LevelInfo, "kernel.New", map[string]any{
		"work_dir":       c.WorkDir,
		"durable_driver": c.Durable.Driver,
		"persist":        c.Persist != nil && *c.Persist,
		"link_plans":     k.linker != nil,
	})

	return k, nil
}

// Config returns the merged configuration the kernel was built from.
func (k *Kernel) Config() Config { return k.cfg }

// Registry returns the process registry.
func (k *Kernel) Registry() *registry.Registry { return k.registry }

// Store returns the live session store.
func (k *Kernel) Store() *session.Store { return k.store }

// Durable returns the durable store.
func (k *Kernel) Durable() durable.Store { return k.durable }

// Controller returns the iteration controller.
func (k *Kernel) Controller() *iteration.Controller { return k.controller }

// Checker returns the provider availability checker.
func (k *Kernel) Checker() provider.Checker { return k.checker }

// Providers returns the provider definitions.
func (k *Kernel) Providers() *provider.Registry { return k.providers }

// Events returns the in-memory diagnostic event log.
func (k *Kernel) Events() *observability.Recorder { return k.events }

// Run dispatches launcher events until ctx ends or the kernel closes.
// Cancellation is not reported as an error.
func (k *Kernel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-k.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := k.registry.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// WatchPlans watches the project's plan directory and links new plans to
// the plan session that wrote them until ctx ends or the kernel closes. It
// returns at once when plan linking is disabled.
func (k *Kernel) WatchPlans(ctx context.Context) error {
	if k.linker == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-k.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	w, err := plans.NewWatcher(k.cfg.WorkDir, fswatch.WithObserver(k.observer))
	if err != nil {
		return err
	}
	defer w.Close()
	observability.Emit(ctx, k.observer, EventWatchPlans, observability.LevelVerbose, "kernel.WatchPlans", map[string]any{
		"dir":   plans.Dir(k.cfg.WorkDir),
		"plans": len(w.Names()),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return k.linker.Run(ctx, w.Changes()) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Serve runs the dispatch loop, the plan watcher, and the RPC server together until ctx ends
// or either fails.
func (k *Kernel) Serve(ctx context.Context) error {
	srv := rpcserver.New(&k.cfg.Server, k.registry, k.controller, k.durable,
		rpcserver.WithObserver(k.observer),
		rpcserver.WithChecker(k.checker),
		rpcserver.WithEvents(k.events),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Run(ctx) })
	g.Go(func() error { return k.WatchPlans(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	return g.Wait()
}

// Execute launches a plan session for prompt and waits for its process to
// end. Run must be active for the process to make progress. Canceling ctx
// stops the process.
func (k *Kernel) Execute(ctx context.Context, prompt string) (*Result, error) {
	select {
	case <-k.closed:
		return nil, ErrClosed
	default:
	}

	start := time.Now()
	processID, done, err := k.waits.launch(func() (string, error) {
		return k.registry.Launch(ctx, registry.Request{
			Prompt:  prompt,
			WorkDir: k.cfg.WorkDir,
			Kind:    registry.KindPlan,
		})
	})
	if err != nil {
		return nil, err
	}

	observability.Emit(ctx, k.observer, EventRunStart, observability.LevelInfo, "kernel.Execute", map[string]any{
		"process_id": processID,
	})

	select {
	case res := <-done:
		res.Duration = time.Since(start)
		observability.Emit(ctx, k.observer, EventRunComplete, observability.LevelInfo, "kernel.Execute", map[string]any{
			"process_id": res.ProcessID,
			"session_id": res.SessionID,
			"exit_code":  res.ExitCode,
			"messages":   len(res.Messages),
			"duration":   res.Duration.String(),
		})
		return res, res.Err
	case <-ctx.Done():
		k.waits.cancel(processID)
		stopErr := k.registry.Stop(context.WithoutCancel(ctx), processID)
		if stopErr != nil && !errors.Is(stopErr, registry.ErrUnknownProcess) {
			return nil, errors.Join(ctx.Err(), stopErr)
		}
		return nil, ctx.Err()
	case <-k.closed:
		k.waits.cancel(processID)
		return nil, ErrClosed
	}
}

// Close stops the iteration loop and every process, then releases the
// launcher and durable store. Close is safe to call more than once.
func (k *Kernel) Close(ctx context.Context) error {
	var errs []error
	k.closeOnce.Do(func() {
		close(k.closed)

		if err := k.controller.StopIteration(ctx); err != nil && !errors.Is(err, iteration.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stop iteration: %w", err))
		}
		if err := k.registry.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop processes: %w", err))
		}
		if c, ok := k.launcher.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close launcher: %w", err))
			}
		}
		if err := k.durable.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close durable store: %w", err))
		}

		data := map[string]any{}
		if len(errs) > 0 {
			data["error"] = errors.Join(errs...).Error()
		}
		observability.Emit(ctx, k.observer, EventClose, observability.LevelInfo, "kernel.Close", data)
	})
	return errors.Join(errs...)
}

// waiter is a registry hook that hands the end of a process to the Execute
// call that launched it.
type waiter struct {
	registry.NopHook

	store *session.Store

	mu      sync.Mutex
	waiting map[string]chan *Result
}

func newWaiter() *waiter {
	return &waiter{waiting: make(map[string]chan *Result)}
}

// launch runs fn with the lock held so the exit of the new process cannot
// be dispatched before its waiter is registered.
func (w *waiter) launch(fn func() (string, error)) (string, <-chan *Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	processID, err := fn()
	if err != nil {
		return "", nil, err
	}
	ch := make(chan *Result, 1)
	w.waiting[processID] = ch
	return processID, ch, nil
}

func (w *waiter) cancel(processID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.waiting, processID)
}

func (w *waiter) finish(h registry.Handle, res *Result) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch, ok := w.waiting[h.ProcessID]
	if !ok {
		return
	}
	delete(w.waiting, h.ProcessID)
	res.ProcessID = h.ProcessID
	res.SessionID = h.SessionID
	res.Messages = w.store.Messages(h.SessionID)
	ch <- res
}

func (w *waiter) ProcessExited(_ context.Context, e registry.Exit) {
	w.finish(e.Handle, &Result{ExitCode: e.Code})
}

func (w *waiter) ProcessFailed(_ context.Context, h registry.Handle, err error) {
	w.finish(h, &Result{ExitCode: -1, Err: err})
}
