package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/trellico/observability"
)

// Launcher event types.
const (
	EventProcessStart  observability.EventType = "launcher.process.start"
	EventProcessExit   observability.EventType = "launcher.process.exit"
	EventProcessError  observability.EventType = "launcher.process.error"
	EventProcessSignal observability.EventType = "launcher.process.signal"
)

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// ExecLauncher runs agents as child processes in their own process group
// so that stopping an agent also stops the tools it spawned.
type ExecLauncher struct {
	cfg      Config
	observer observability.Observer

	mu     sync.Mutex
	procs  map[string]*process
	closed bool

	events chan Event
	quit   chan struct{}
	wg     sync.WaitGroup
}

// Option configures an ExecLauncher.
type Option func(*ExecLauncher)

// WithObserver overrides the default no-op observer.
func WithObserver(o observability.Observer) Option {
	return func(l *ExecLauncher) { l.observer = o }
}

// NewExec creates an ExecLauncher. A nil config uses DefaultConfig.
func NewExec(cfg *Config, opts ...Option) *ExecLauncher {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	l := &ExecLauncher{
		cfg:      c,
		observer: observability.NoOpObserver{},
		procs:    make(map[string]*process),
		events:   make(chan Event, c.EventBuffer),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *ExecLauncher) Events() <-chan Event {
	return l.events
}

// Launch starts spec.Binary with spec.Args in spec.Dir.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrClosed
	}

	id := uuid.Must(uuid.NewV7()).String()

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append(os.Environ(), l.cfg.Env...), spec.Env...)
	cmd.Stdin = nil
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrSpawnFailed, spec.Binary, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	l.procs[id] = p

	observability.Emit(ctx, l.observer, EventProcessStart, observability.LevelInfo, "launcher.Launch", map[string]any{
		"process_id": id,
		"pid":        cmd.Process.Pid,
		"binary":     spec.Binary,
		"dir":        spec.Dir,
	})

	l.wg.Add(1)
	go l.supervise(id, p, stdout, stderr)

	return id, nil
}

func (l *ExecLauncher) supervise(id string, p *process, stdout, stderr io.Reader) {
	defer l.wg.Done()
	defer close(p.done)

	tail := newTailBuffer(l.cfg.StderrTail)

	var g errgroup.Group
	g.Go(func() error {
		buf := make([]byte, defaultReadSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				l.emit(Event{ProcessID: id, Kind: EventOutput, Data: chunk})
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
					return nil
				}
				return fmt.Errorf("read stdout: %w", err)
			}
		}
	})
	g.Go(func() error {
		_, err := io.Copy(tail, stderr)
		if err != nil && !errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("read stderr: %w", err)
		}
		return nil
	})

	readErr := g.Wait()
	waitErr := p.cmd.Wait()

	l.mu.Lock()
	delete(l.procs, id)
	l.mu.Unlock()

	ctx := context.Background()

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil || errors.As(waitErr, &exitErr):
		code := p.cmd.ProcessState.ExitCode()
		observability.Emit(ctx, l.observer, EventProcessExit, observability.LevelInfo, "launcher.supervise", map[string]any{
			"process_id": id,
			"code":       code,
		})
		if readErr != nil {
			observability.Emit(ctx, l.observer, EventProcessError, observability.LevelWarning, "launcher.supervise", map[string]any{
				"process_id": id,
				"error":      readErr.Error(),
			})
		}
		l.emit(Event{ProcessID: id, Kind: EventExit, Code: code, Stderr: tail.Bytes()})
	default:
		observability.Emit(ctx, l.observer, EventProcessError, observability.LevelError, "launcher.supervise", map[string]any{
			"process_id": id,
			"error":      waitErr.Error(),
		})
		l.emit(Event{ProcessID: id, Kind: EventError, Err: waitErr, Stderr: tail.Bytes()})
	}
}

func (l *ExecLauncher) emit(e Event) {
	select {
	case l.events <- e:
	case <-l.quit:
	}
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL if the
// process has not exited after the configured grace period. It does not
// wait for the process to exit.
func (l *ExecLauncher) Stop(ctx context.Context, processID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	p, ok := l.procs[processID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, processID)
	}

	observability.Emit(ctx, l.observer, EventProcessSignal, observability.LevelVerbose, "launcher.Stop", map[string]any{
		"process_id": processID,
		"signal":     "terminate",
	})

	if err := terminate(p.cmd); err != nil {
		return fmt.Errorf("terminate %s: %w", processID, err)
	}

	grace := l.cfg.StopGrace
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-p.done:
		case <-timer.C:
			_ = kill(p.cmd)
		case <-l.quit:
			_ = kill(p.cmd)
		}
	}()

	return nil
}

// Running returns the number of live child processes.
func (l *ExecLauncher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Close kills every live process, waits for the supervisors to finish, and
// closes the event channel. Events not yet consumed are dropped.
func (l *ExecLauncher) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	procs := make([]*process, 0, len(l.procs))
	for _, p := range l.procs {
		procs = append(procs, p)
	}
	l.mu.Unlock()

	close(l.quit)
	for _, p := range procs {
		_ = kill(p.cmd)
	}

	l.wg.Wait()
	close(l.events)
	return nil
}

type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data = append(t.data, p...)
	if over := len(t.data) - t.limit; t.limit > 0 && over > 0 {
		t.data = append(t.data[:0:0], t.data[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.data) == 0 {
		return nil
	}
	out := make([]byte, len(t.data))
	copy(out, t.data)
	return out
}
