package registry

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/tailored-agentic-units/trellico/core/protocol"
	"github.com/tailored-agentic-units/trellico/core/response"
	"github.com/tailored-agentic-units/trellico/launcher"
	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/provider"
)

// Run dispatches launcher events until ctx ends or the event channel closes.
func (r *Registry) Run(ctx context.Context) error {
	events := r.launcher.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.Dispatch(ctx, e)
		}
	}
}

// Dispatch handles one launcher event. Events for unknown or already ended
// processes are ignored.
func (r *Registry) Dispatch(ctx context.Context, e launcher.Event) {
	r.settle()

	switch e.Kind {
	case launcher.EventOutput:
		r.OnOutput(ctx, e.ProcessID, e.Data)
	case launcher.EventExit:
		r.OnExit(ctx, e.ProcessID, e.Code, e.Stderr)
	case launcher.EventError:
		r.OnError(ctx, e.ProcessID, e.Err, e.Stderr)
	}
}

// settle waits for an in-flight Launch to finish registering its process.
func (r *Registry) settle() {
	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()
}

// OnOutput feeds a raw chunk and handles every record it completes.
func (r *Registry) OnOutput(ctx context.Context, processID string, chunk []byte) {
	if !r.IsRunning(processID) {
		return
	}
	for _, msg := range r.demux.Feed(processID, chunk) {
		if !r.handleMessage(ctx, processID, msg) {
			return
		}
	}
}

// OnExit handles the end of a process. Output still buffered without a
// trailing newline is delivered first. A non-zero exit whose stderr names an
// authentication or billing problem is reported as a failure.
func (r *Registry) OnExit(ctx context.Context, processID string, code int, stderr []byte) {
	if !r.IsRunning(processID) {
		return
	}
	for _, msg := range r.demux.Flush(processID) {
		if !r.handleMessage(ctx, processID, msg) {
			return
		}
	}

	h, ok := r.release(processID)
	if !ok {
		return
	}
	tail := strings.TrimSpace(string(stderr))

	if code != 0 && tail != "" {
		def := r.definition(h.Provider)
		switch kind := def.Classify(tail); kind {
		case provider.NotLoggedIn, provider.PaymentRequired:
			r.failed(ctx, h, def.NewError(kind, tail, nil))
			return
		}
	}

	data := map[string]any{
		"process_id": processID,
		"session_id": h.SessionID,
		"code":       code,
	}
	if tail != "" {
		data["stderr"] = tail
	}
	observability.Emit(ctx, r.observer, EventExit, observability.LevelInfo, "registry.OnExit", data)

	r.hook().ProcessExited(ctx, Exit{Handle: h, Code: code, Stderr: tail})
}

// OnError handles a process the launcher could not run or wait for.
func (r *Registry) OnError(ctx context.Context, processID string, cause error, stderr []byte) {
	if !r.IsRunning(processID) {
		return
	}
	for _, msg := range r.demux.Flush(processID) {
		if !r.handleMessage(ctx, processID, msg) {
			return
		}
	}

	h, ok := r.release(processID)
	if !ok {
		return
	}
	if cause == nil {
		cause = errors.New("process failed")
	}

	def := r.definition(h.Provider)
	var perr *provider.Error
	switch {
	case errors.As(cause, &perr):
	case errors.Is(cause, exec.ErrNotFound), errors.Is(cause, fs.ErrNotExist):
		perr = def.NewError(provider.NotInstalled, "", cause)
	default:
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = cause.Error()
		}
		perr = def.NewError(def.Classify(detail), detail, cause)
	}
	r.failed(ctx, h, perr)
}

// handleMessage reconciles, appends, and inspects one parsed record. It
// reports false once the process is no longer registered.
func (r *Registry) handleMessage(ctx context.Context, processID string, msg protocol.Message) bool {
	if msg.IsInit() {
		r.reconcile(ctx, processID, msg.SessionID)
	}

	if !r.appendMessage(ctx, processID, msg) {
		return false
	}

	if msg.Type == protocol.TypeResult {
		return r.inspectResult(ctx, processID, msg)
	}
	return true
}

func (r *Registry) appendMessage(ctx context.Context, processID string, msg protocol.Message) bool {
	if !r.store.AddMessage(msg, processID) {
		return false
	}
	h, ok := r.Handle(processID)
	if !ok {
		return false
	}
	r.hook().MessageAppended(ctx, h, msg)
	return true
}

// inspectResult tears the process down when its result event reports an
// authentication or billing failure. Other errors are left to the exit.
func (r *Registry) inspectResult(ctx context.Context, processID string, msg protocol.Message) bool {
	result, err := response.ParseResult(msg)
	if err != nil || !result.Failed() {
		return true
	}

	h, ok := r.Handle(processID)
	if !ok {
		return false
	}
	def := r.definition(h.Provider)
	content := result.Content()
	kind := def.Classify(content)

	observability.Emit(ctx, r.observer, EventResultError, observability.LevelWarning, "registry.inspectResult", map[string]any{
		"process_id": processID,
		"session_id": h.SessionID,
		"subtype":    result.Subtype,
		"error_kind": string(kind),
	})

	if kind != provider.NotLoggedIn && kind != provider.PaymentRequired {
		return true
	}

	h, ok = r.release(processID)
	if !ok {
		return false
	}
	if err := r.launcher.Stop(ctx, processID); err != nil && !errors.Is(err, launcher.ErrUnknownProcess) {
		observability.Emit(ctx, r.observer, EventStop, observability.LevelWarning, "registry.inspectResult", map[string]any{
			"process_id": processID,
			"error":      err.Error(),
		})
	}
	r.failed(ctx, h, def.NewError(kind, content, nil))
	return false
}

func (r *Registry) failed(ctx context.Context, h Handle, err error) {
	observability.Emit(ctx, r.observer, EventFailed, observability.LevelError, "registry.failed", map[string]any{
		"process_id": h.ProcessID,
		"session_id": h.SessionID,
		"error_kind": string(provider.KindOf(err)),
		"error":      err.Error(),
	})
	r.hook().ProcessFailed(ctx, h, err)
}
