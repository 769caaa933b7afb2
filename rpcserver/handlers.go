package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/iteration"
	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/plans"
	"github.com/tailored-agentic-units/trellico/provider"
	"github.com/tailored-agentic-units/trellico/registry"
	"github.com/tailored-agentic-units/trellico/session"
	"github.com/tailored-agentic-units/trellico/tasks"
)

type (
	request  = connect.Request[structpb.Struct]
	response = connect.Response[structpb.Struct]
)

func reply(operation string, v any) (*response, error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, classifyErr(operation, err)
	}
	return connect.NewResponse(s), nil
}

// Snapshot returns the whole session store plus the running handles.
func (s *Server) Snapshot(_ context.Context, _ *request) (*response, error) {
	return reply("snapshot", map[string]any{
		"store":   s.reg.Store().Snapshot(),
		"handles": s.reg.Running(),
	})
}

// View switches the active view to session_id, loading stored messages for
// sessions that are not live. An empty session_id detaches the view.
func (s *Server) View(ctx context.Context, req *request) (*response, error) {
	id := stringField(req.Msg, "session_id")
	store := s.reg.Store()

	if id == "" || store.IsSessionRunning(id) {
		store.ViewSession(id, nil)
		return reply("view", store.View())
	}

	msgs, err := s.store.SessionMessages(ctx, id)
	if err != nil {
		return nil, classifyErr("view", err)
	}
	if len(msgs) == 0 {
		msgs = nil
	}
	store.ViewSession(id, msgs)
	return reply("view", store.View())
}

// Sessions lists stored sessions of a working directory, newest first.
func (s *Server) Sessions(ctx context.Context, req *request) (*response, error) {
	workDir := stringField(req.Msg, "work_dir")
	if workDir == "" {
		workDir = s.ctrl.WorkDir()
	}
	sessions, err := s.store.FolderSessions(ctx, workDir)
	if err != nil {
		return nil, classifyErr("sessions", err)
	}
	if sessions == nil {
		sessions = []durable.Session{}
	}
	return reply("sessions", map[string]any{"sessions": sessions})
}

type launchRequest struct {
	Prompt          string `json:"prompt"`
	WorkDir         string `json:"work_dir"`
	ResumeSessionID string `json:"resume_session_id"`
	Provider        string `json:"provider"`
}

// Launch starts a plan session.
func (s *Server) Launch(ctx context.Context, req *request) (*response, error) {
	var in launchRequest
	if err := fromStruct(req.Msg, &in); err != nil {
		return nil, invalidArg("body", err.Error())
	}
	if in.Prompt == "" {
		return nil, invalidArg("prompt", "required")
	}
	kind, err := provider.ParseKind(in.Provider)
	if err != nil {
		return nil, invalidArg("provider", err.Error())
	}
	if in.WorkDir == "" {
		in.WorkDir = s.ctrl.WorkDir()
	}

	processID, err := s.reg.Launch(ctx, registry.Request{
		Prompt:          in.Prompt,
		WorkDir:         in.WorkDir,
		ResumeSessionID: in.ResumeSessionID,
		Kind:            registry.KindPlan,
		Provider:        kind,
	})
	if err != nil {
		return nil, classifyErr("launch", err)
	}
	h, _ := s.reg.Handle(processID)
	return reply("launch", h)
}

// Stop stops one process, or every process when "all" is true. Bookkeeping
// is released even when the launcher fails; the error is still reported.
func (s *Server) Stop(ctx context.Context, req *request) (*response, error) {
	if boolField(req.Msg, "all") {
		if err := s.reg.StopAll(ctx); err != nil {
			return nil, connect.NewError(connect.CodeUnavailable, err)
		}
		return reply("stop", map[string]any{"running": s.reg.Store().HasAnyRunning()})
	}

	processID := stringField(req.Msg, "process_id")
	if processID == "" {
		return nil, invalidArg("process_id", "required")
	}
	if err := s.reg.Stop(ctx, processID); err != nil {
		if errors.Is(err, registry.ErrUnknownProcess) {
			return nil, classifyErr("stop", err)
		}
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return reply("stop", map[string]any{"running": s.reg.Store().HasAnyRunning()})
}

// StartIteration starts or continues the iteration loop for a task.
func (s *Server) StartIteration(ctx context.Context, req *request) (*response, error) {
	task := stringField(req.Msg, "task")
	if task == "" {
		return nil, invalidArg("task", "required")
	}
	if err := s.ctrl.StartIteration(ctx, task); err != nil {
		return nil, classifyErr("start iteration", err)
	}
	return reply("start iteration", stateBody(s.ctrl.State()))
}

// StopIteration stops the running loop.
func (s *Server) StopIteration(ctx context.Context, _ *request) (*response, error) {
	if err := s.ctrl.StopIteration(ctx); err != nil {
		return nil, classifyErr("stop iteration", err)
	}
	return reply("stop iteration", stateBody(s.ctrl.State()))
}

// SelectIteration views the session of one iteration.
func (s *Server) SelectIteration(ctx context.Context, req *request) (*response, error) {
	task := stringField(req.Msg, "task")
	if task == "" {
		return nil, invalidArg("task", "required")
	}
	number, ok := intField(req.Msg, "number")
	if !ok || number < 1 {
		return nil, invalidArg("number", "must be a positive integer")
	}
	view, err := s.ctrl.SelectIteration(ctx, task, number)
	if err != nil {
		return nil, classifyErr("select iteration", err)
	}
	return reply("select iteration", view)
}

// Iterations lists a task's iteration records.
func (s *Server) Iterations(ctx context.Context, req *request) (*response, error) {
	task := stringField(req.Msg, "task")
	if task == "" {
		return nil, invalidArg("task", "required")
	}
	its, err := s.store.Iterations(ctx, durable.TaskKey{WorkDir: s.ctrl.WorkDir(), Task: task})
	if err != nil {
		return nil, classifyErr("iterations", err)
	}
	if its == nil {
		its = []durable.Iteration{}
	}
	return reply("iterations", map[string]any{"iterations": its})
}

// State returns the iteration controller's state.
func (s *Server) State(_ context.Context, _ *request) (*response, error) {
	return reply("state", stateBody(s.ctrl.State()))
}

// Tasks lists the tasks of the controller's working directory.
func (s *Server) Tasks(_ context.Context, _ *request) (*response, error) {
	names, err := tasks.List(s.ctrl.WorkDir())
	if err != nil {
		return nil, classifyErr("tasks", err)
	}
	return reply("tasks", map[string]any{"tasks": names})
}

// SetupFolder creates the project state directory.
func (s *Server) SetupFolder(_ context.Context, _ *request) (*response, error) {
	if err := plans.Setup(s.ctrl.WorkDir()); err != nil {
		return nil, classifyErr("setup folder", err)
	}
	return reply("setup folder", map[string]any{"work_dir": s.ctrl.WorkDir()})
}

// Plans lists the plans of the controller's working directory.
func (s *Server) Plans(_ context.Context, _ *request) (*response, error) {
	names, err := plans.List(s.ctrl.WorkDir())
	if err != nil {
		return nil, classifyErr("plans", err)
	}
	return reply("plans", map[string]any{"plans": names})
}

// ReadPlan returns the content of one plan.
func (s *Server) ReadPlan(_ context.Context, req *request) (*response, error) {
	name := stringField(req.Msg, "name")
	if name == "" {
		return nil, invalidArg("name", "required")
	}
	data, err := plans.Read(s.ctrl.WorkDir(), name)
	if err != nil {
		return nil, classifyErr("read plan", err)
	}
	return reply("read plan", map[string]any{
		"name":    name,
		"path":    plans.ArtifactPath(name),
		"content": string(data),
	})
}

func linkArgs(req *request) (string, durable.LinkType, *connect.Error) {
	file := stringField(req.Msg, "file_name")
	if file == "" {
		return "", "", invalidArg("file_name", "required")
	}
	typ := durable.LinkType(stringField(req.Msg, "type"))
	if !typ.Valid() {
		return "", "", invalidArg("type", fmt.Sprintf("must be %q or %q", durable.LinkPlan, durable.LinkTask))
	}
	return file, typ, nil
}

// Link returns the session linked to a plan or task file.
func (s *Server) Link(ctx context.Context, req *request) (*response, error) {
	file, typ, cerr := linkArgs(req)
	if cerr != nil {
		return nil, cerr
	}
	link, err := s.store.LinkByFile(ctx, s.ctrl.WorkDir(), file, typ)
	if err != nil {
		return nil, classifyErr("link", err)
	}
	return reply("link", link)
}

// SaveLink links a plan or task file to a session.
func (s *Server) SaveLink(ctx context.Context, req *request) (*response, error) {
	file, typ, cerr := linkArgs(req)
	if cerr != nil {
		return nil, cerr
	}
	sessionID := stringField(req.Msg, "session_id")
	if sessionID == "" {
		return nil, invalidArg("session_id", "required")
	}
	link := durable.SessionLink{WorkDir: s.ctrl.WorkDir(), FileName: file, Type: typ, SessionID: sessionID}
	if err := s.store.SaveLink(ctx, link); err != nil {
		return nil, classifyErr("save link", err)
	}
	saved, err := s.store.LinkByFile(ctx, link.WorkDir, file, typ)
	if err != nil {
		return nil, classifyErr("save link", err)
	}
	return reply("save link", saved)
}

// Check runs the availability check for a provider.
func (s *Server) Check(ctx context.Context, req *request) (*response, error) {
	kind, err := provider.ParseKind(stringField(req.Msg, "provider"))
	if err != nil {
		return nil, invalidArg("provider", err.Error())
	}
	return reply("check", s.checker.CheckAvailable(ctx, kind))
}

type eventBody struct {
	Type      observability.EventType `json:"type"`
	Level     string                  `json:"level"`
	Timestamp time.Time               `json:"timestamp"`
	Source    string                  `json:"source"`
	Data      map[string]any          `json:"data,omitempty"`
}

// Events returns recorded diagnostic events, optionally filtered by "type"
// and limited to the newest "limit".
func (s *Server) Events(_ context.Context, req *request) (*response, error) {
	if s.events == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("event recording is disabled"))
	}

	var events []observability.Event
	if typ := stringField(req.Msg, "type"); typ != "" {
		events = s.events.OfType(observability.EventType(typ))
	} else {
		events = s.events.Events()
	}
	if limit, ok := intField(req.Msg, "limit"); ok && limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}

	out := make([]eventBody, len(events))
	for i, e := range events {
		out[i] = eventBody{
			Type:      e.Type,
			Level:     e.Level.String(),
			Timestamp: e.Timestamp,
			Source:    e.Source,
			Data:      e.Data,
		}
	}
	return reply("events", map[string]any{"events": out})
}

// Watch streams session store changes until the client goes away. The
// first message carries the current version so clients can tell whether
// they missed anything before subscribing.
func (s *Server) Watch(ctx context.Context, _ *request, stream *connect.ServerStream[structpb.Struct]) error {
	store := s.reg.Store()
	sub := store.Subscribe(0)
	defer sub.Close()

	first, err := toStruct(session.Change{Version: store.Version()})
	if err != nil {
		return classifyErr("watch", err)
	}
	if err := stream.Send(first); err != nil {
		return err
	}

	for {
		change, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return classifyErr("watch", err)
		}
		msg, err := toStruct(change)
		if err != nil {
			return classifyErr("watch", err)
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
}

func stateBody(st iteration.State) map[string]any {
	switch st := st.(type) {
	case iteration.Running:
		return map[string]any{"state": "running", "running": st}
	default:
		return map[string]any{"state": "idle"}
	}
}
