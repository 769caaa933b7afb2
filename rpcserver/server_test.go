package rpcserver_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/iteration"
	"github.com/tailored-agentic-units/trellico/launcher/launchertest"
	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/plans"
	"github.com/tailored-agentic-units/trellico/provider"
	"github.com/tailored-agentic-units/trellico/registry"
	"github.com/tailored-agentic-units/trellico/rpcserver"
	"github.com/tailored-agentic-units/trellico/session"
	"github.com/tailored-agentic-units/trellico/tasks"
)

type fixture struct {
	fake    *launchertest.Fake
	reg     *registry.Registry
	ctrl    *iteration.Controller
	events  *observability.Recorder
	workDir string
	server  *httptest.Server
}

type setup struct {
	cfg     rpcserver.Config
	checker provider.Checker
}

func newFixture(t *testing.T, s setup) *fixture {
	t.Helper()

	f := &fixture{
		fake:    launchertest.New(0),
		events:  observability.NewRecorder(0),
		workDir: t.TempDir(),
	}
	var ropts []registry.Option
	if s.checker != nil {
		ropts = append(ropts, registry.WithChecker(s.checker))
	}
	ropts = append(ropts, registry.WithObserver(f.events))

	db := durable.NewMemoryStore()
	t.Cleanup(func() { db.Close() })

	f.reg = registry.New(nil, f.fake, session.New(nil), ropts...)
	f.ctrl = iteration.New(&iteration.Config{WorkDir: f.workDir}, f.reg, db)

	opts := []rpcserver.Option{rpcserver.WithEvents(f.events), rpcserver.WithObserver(f.events)}
	if s.checker != nil {
		opts = append(opts, rpcserver.WithChecker(s.checker))
	}
	srv := rpcserver.New(&s.cfg, f.reg, f.ctrl, db, opts...)
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) call(t *testing.T, procedure string, body map[string]any, header ...string) (*structpb.Struct, error) {
	t.Helper()
	msg, err := structpb.NewStruct(body)
	require.NoError(t, err)

	client := connect.NewClient[structpb.Struct, structpb.Struct](f.server.Client(), f.server.URL+procedure)
	req := connect.NewRequest(msg)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header().Set(header[i], header[i+1])
	}
	resp, err := client.CallUnary(context.Background(), req)
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func field(s *structpb.Struct, path ...string) *structpb.Value {
	v := structpb.NewStructValue(s)
	for _, key := range path {
		v = v.GetStructValue().GetFields()[key]
	}
	return v
}

func TestLaunchAndSnapshot(t *testing.T) {
	f := newFixture(t, setup{})

	resp, err := f.call(t, rpcserver.LaunchProcedure, map[string]any{"prompt": "plan it"})
	require.NoError(t, err)
	processID := field(resp, "process_id").GetStringValue()
	assert.Equal(t, f.fake.Last(), processID)
	assert.True(t, field(resp, "provisional").GetBoolValue())
	assert.Equal(t, f.workDir, field(resp, "work_dir").GetStringValue())

	snap, err := f.call(t, rpcserver.SnapshotProcedure, nil)
	require.NoError(t, err)
	handles := field(snap, "handles").GetListValue().GetValues()
	require.Len(t, handles, 1)
	view := field(snap, "store", "view")
	assert.True(t, view.GetStructValue().GetFields()["live"].GetBoolValue())
}

func TestLaunch_Errors(t *testing.T) {
	t.Run("missing prompt", func(t *testing.T) {
		f := newFixture(t, setup{})
		_, err := f.call(t, rpcserver.LaunchProcedure, map[string]any{})
		assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newFixture(t, setup{})
		_, err := f.call(t, rpcserver.LaunchProcedure, map[string]any{"prompt": "x", "provider": "nope"})
		assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
	})

	t.Run("not logged in", func(t *testing.T) {
		checker := provider.CheckerFunc(func(_ context.Context, kind provider.Kind) provider.Status {
			return provider.Status{Provider: kind, ErrorKind: provider.NotLoggedIn, Error: "log in", AuthInstructions: "run claude login"}
		})
		f := newFixture(t, setup{checker: checker})

		_, err := f.call(t, rpcserver.LaunchProcedure, map[string]any{"prompt": "x"})
		require.Error(t, err)
		assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

		var cerr *connect.Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "not_logged_in", cerr.Meta().Get("X-Trellico-Error-Kind"))
		assert.Empty(t, f.fake.Launched())
	})
}

func TestStop(t *testing.T) {
	f := newFixture(t, setup{})

	_, err := f.call(t, rpcserver.StopProcedure, map[string]any{"process_id": "missing"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	_, err = f.call(t, rpcserver.StopProcedure, map[string]any{})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = f.call(t, rpcserver.LaunchProcedure, map[string]any{"prompt": "x"})
	require.NoError(t, err)
	resp, err := f.call(t, rpcserver.StopProcedure, map[string]any{"all": true})
	require.NoError(t, err)
	assert.False(t, field(resp, "running").GetBoolValue())
	assert.Empty(t, f.reg.Running())
}

func TestIterationProcedures(t *testing.T) {
	f := newFixture(t, setup{})

	resp, err := f.call(t, rpcserver.StartIterationProcedure, map[string]any{"task": "T"})
	require.NoError(t, err)
	assert.Equal(t, "running", field(resp, "state").GetStringValue())
	assert.Equal(t, float64(1), field(resp, "running", "iteration").GetNumberValue())

	resp, err = f.call(t, rpcserver.IterationsProcedure, map[string]any{"task": "T"})
	require.NoError(t, err)
	its := field(resp, "iterations").GetListValue().GetValues()
	require.Len(t, its, 1)
	assert.Equal(t, "running", its[0].GetStructValue().GetFields()["status"].GetStringValue())

	// The live session is shown under its provisional key until the agent reports its id.
	resp, err = f.call(t, rpcserver.SelectIterationProcedure, map[string]any{"task": "T", "number": 1})
	require.NoError(t, err)
	assert.True(t, field(resp, "live").GetBoolValue())
	assert.Equal(t, session.ProvisionalKey(f.fake.Last()), field(resp, "session_id").GetStringValue())

	_, err = f.call(t, rpcserver.SelectIterationProcedure, map[string]any{"task": "T", "number": 1.5})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = f.call(t, rpcserver.SelectIterationProcedure, map[string]any{"task": "T", "number": 7})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	resp, err = f.call(t, rpcserver.StopIterationProcedure, nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", field(resp, "state").GetStringValue())

	_, err = f.call(t, rpcserver.StopIterationProcedure, nil)
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	_, err = f.call(t, rpcserver.StartIterationProcedure, map[string]any{"task": "../x"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestTasks(t *testing.T) {
	f := newFixture(t, setup{})
	dir := filepath.Join(tasks.Dir(f.workDir), "auth")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tasks.ArtifactName), []byte("{}"), 0o644))

	resp, err := f.call(t, rpcserver.TasksProcedure, nil)
	require.NoError(t, err)
	names := field(resp, "tasks").GetListValue().GetValues()
	require.Len(t, names, 1)
	assert.Equal(t, "auth", names[0].GetStringValue())
}

func TestPlans(t *testing.T) {
	f := newFixture(t, setup{})

	_, err := f.call(t, rpcserver.SetupFolderProcedure, nil)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.workDir, tasks.StateDir))
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(plans.Dir(f.workDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plans.Dir(f.workDir), "auth.md"), []byte("# Auth\n"), 0o644))

	resp, err := f.call(t, rpcserver.PlansProcedure, nil)
	require.NoError(t, err)
	names := field(resp, "plans").GetListValue().GetValues()
	require.Len(t, names, 1)
	assert.Equal(t, "auth", names[0].GetStringValue())

	resp, err = f.call(t, rpcserver.ReadPlanProcedure, map[string]any{"name": "auth"})
	require.NoError(t, err)
	assert.Equal(t, "# Auth\n", field(resp, "content").GetStringValue())
	assert.Equal(t, ".trellico/plans/auth.md", field(resp, "path").GetStringValue())

	_, err = f.call(t, rpcserver.ReadPlanProcedure, map[string]any{"name": "missing"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
	_, err = f.call(t, rpcserver.ReadPlanProcedure, map[string]any{"name": "../auth"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestLinks(t *testing.T) {
	f := newFixture(t, setup{})

	_, err := f.call(t, rpcserver.LinkProcedure, map[string]any{"file_name": "auth.md", "type": "plan"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	resp, err := f.call(t, rpcserver.SaveLinkProcedure, map[string]any{"file_name": "auth.md", "type": "plan", "session_id": "S1"})
	require.NoError(t, err)
	assert.Equal(t, "S1", field(resp, "session_id").GetStringValue())
	assert.Equal(t, f.workDir, field(resp, "work_dir").GetStringValue())

	resp, err = f.call(t, rpcserver.LinkProcedure, map[string]any{"file_name": "auth.md", "type": "plan"})
	require.NoError(t, err)
	assert.Equal(t, "S1", field(resp, "session_id").GetStringValue())
	assert.Equal(t, "plan", field(resp, "link_type").GetStringValue())

	for _, body := range []map[string]any{
		{"type": "plan"},
		{"file_name": "auth.md", "type": "doc"},
	} {
		_, err := f.call(t, rpcserver.LinkProcedure, body)
		assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err), "body %v", body)
	}
	_, err = f.call(t, rpcserver.SaveLinkProcedure, map[string]any{"file_name": "auth.md", "type": "plan"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestCheck(t *testing.T) {
	checker := provider.CheckerFunc(func(_ context.Context, kind provider.Kind) provider.Status {
		return provider.Status{Provider: kind, ErrorKind: provider.NotInstalled, Error: "missing"}
	})
	f := newFixture(t, setup{checker: checker})

	resp, err := f.call(t, rpcserver.CheckProcedure, map[string]any{"provider": "amp"})
	require.NoError(t, err)
	assert.Equal(t, "amp", field(resp, "provider").GetStringValue())
	assert.False(t, field(resp, "available").GetBoolValue())
	assert.Equal(t, "not_installed", field(resp, "error_kind").GetStringValue())
}

func TestAPIKey(t *testing.T) {
	f := newFixture(t, setup{cfg: rpcserver.Config{APIKey: "secret"}})

	_, err := f.call(t, rpcserver.StateProcedure, nil)
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	resp, err := f.call(t, rpcserver.StateProcedure, nil, rpcserver.APIKeyHeader, "secret")
	require.NoError(t, err)
	assert.Equal(t, "idle", field(resp, "state").GetStringValue())
}

func TestEvents(t *testing.T) {
	f := newFixture(t, setup{})

	_, err := f.call(t, rpcserver.LaunchProcedure, map[string]any{"prompt": "x"})
	require.NoError(t, err)

	resp, err := f.call(t, rpcserver.EventsProcedure, map[string]any{"type": string(registry.EventLaunch)})
	require.NoError(t, err)
	events := field(resp, "events").GetListValue().GetValues()
	require.Len(t, events, 1)
	assert.Equal(t, "INFO", events[0].GetStructValue().GetFields()["level"].GetStringValue())
}

func TestWatch(t *testing.T) {
	f := newFixture(t, setup{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := connect.NewClient[structpb.Struct, structpb.Struct](f.server.Client(), f.server.URL+rpcserver.WatchProcedure)
	stream, err := client.CallServerStream(ctx, connect.NewRequest(&structpb.Struct{}))
	require.NoError(t, err)
	defer stream.Close()

	require.True(t, stream.Receive(), "first message: %v", stream.Err())

	_, err = f.call(t, rpcserver.LaunchProcedure, map[string]any{"prompt": "x"})
	require.NoError(t, err)

	require.True(t, stream.Receive(), "change: %v", stream.Err())
	assert.Equal(t, string(session.ChangeProcessStarted), field(stream.Msg(), "kind").GetStringValue())
	assert.Equal(t, f.fake.Last(), field(stream.Msg(), "process_id").GetStringValue())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, setup{})

	resp, err := f.server.Client().Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
