package plans_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/fswatch"
	"github.com/tailored-agentic-units/trellico/launcher/launchertest"
	"github.com/tailored-agentic-units/trellico/plans"
	"github.com/tailored-agentic-units/trellico/registry"
	"github.com/tailored-agentic-units/trellico/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writePlan(t *testing.T, workDir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(plans.Dir(workDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plans.Dir(workDir), plans.FileName(name)), []byte(body), 0o644))
}

func TestArtifactPath(t *testing.T) {
	assert.Equal(t, ".trellico/plans/auth-flow.md", plans.ArtifactPath("auth-flow"))
}

func TestSetup(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, plans.Setup(work))

	info, err := os.Stat(filepath.Join(work, ".trellico"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Idempotent.
	require.NoError(t, plans.Setup(work))
}

func TestList(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		got, err := plans.List(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("sorted and filtered", func(t *testing.T) {
		work := t.TempDir()
		writePlan(t, work, "zeta", "# z")
		writePlan(t, work, "alpha", "# a")
		require.NoError(t, os.WriteFile(filepath.Join(plans.Dir(work), "notes.txt"), nil, 0o644))
		require.NoError(t, os.MkdirAll(filepath.Join(plans.Dir(work), "dir.md"), 0o755))

		got, err := plans.List(work)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "zeta"}, got)
	})
}

func TestRead(t *testing.T) {
	work := t.TempDir()
	writePlan(t, work, "alpha", "# Alpha\n")

	data, err := plans.Read(work, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "# Alpha\n", string(data))

	_, err = plans.Read(work, "missing")
	assert.True(t, errors.Is(err, plans.ErrNotFound), "got %v", err)

	for _, name := range []string{"", ".", "..", "../alpha", `a\b`} {
		_, err := plans.Read(work, name)
		assert.ErrorIs(t, err, plans.ErrInvalidName, "name %q", name)
	}
}

func nextChange(t *testing.T, w *fswatch.Watcher) fswatch.Change {
	t.Helper()
	select {
	case c, ok := <-w.Changes():
		require.True(t, ok, "changes closed")
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
		return fswatch.Change{}
	}
}

func TestWatcher(t *testing.T) {
	work := t.TempDir()
	writePlan(t, work, "alpha", "# a")

	w, err := plans.NewWatcher(work, fswatch.WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, w.Names())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writePlan(t, work, "beta", "# b")
	c := nextChange(t, w)
	assert.Equal(t, []string{"beta"}, c.Added)

	writePlan(t, work, "alpha", "# a, revised")
	c = nextChange(t, w)
	assert.Equal(t, []string{"alpha"}, c.Modified)

	require.NoError(t, os.Rename(filepath.Join(plans.Dir(work), "beta.md"), filepath.Join(plans.Dir(work), "gamma.md")))
	c = nextChange(t, w)
	assert.Equal(t, []fswatch.Rename{{From: "beta", To: "gamma"}}, c.Renamed)
	assert.Empty(t, c.Added)
	assert.Empty(t, c.Removed)
	assert.Equal(t, []string{"alpha", "gamma"}, c.Names)

	require.NoError(t, os.Remove(filepath.Join(plans.Dir(work), "alpha.md")))
	c = nextChange(t, w)
	assert.Equal(t, []string{"alpha"}, c.Removed)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type linkHarness struct {
	fake   *launchertest.Fake
	reg    *registry.Registry
	db     durable.Store
	linker *plans.Linker
}

func newLinkHarness(t *testing.T) *linkHarness {
	t.Helper()
	h := &linkHarness{
		fake: launchertest.New(0),
		db:   durable.NewMemoryStore(),
	}
	h.reg = registry.New(nil, h.fake, session.New(nil))
	h.linker = plans.NewLinker(h.reg, h.db, "/w")
	h.reg.AddHook(h.linker)
	t.Cleanup(func() { h.db.Close() })
	return h
}

func (h *linkHarness) pump(ctx context.Context) {
	for {
		events := h.fake.Drain()
		if len(events) == 0 {
			return
		}
		for _, e := range events {
			h.reg.Dispatch(ctx, e)
		}
	}
}

func (h *linkHarness) launch(t *testing.T, kind registry.Kind, workDir string) string {
	t.Helper()
	id, err := h.reg.Launch(context.Background(), registry.Request{Prompt: "plan it", WorkDir: workDir, Kind: kind})
	require.NoError(t, err)
	return id
}

func TestLinker_ResolvedSession(t *testing.T) {
	ctx := context.Background()
	h := newLinkHarness(t)

	id := h.launch(t, registry.KindPlan, "/w")
	h.fake.Output(id, `{"type":"system","subtype":"init","session_id":"S1"}`+"\n")
	h.pump(ctx)

	h.linker.Apply(ctx, fswatch.Change{Added: []string{"auth"}})

	link, err := h.db.LinkByFile(ctx, "/w", "auth.md", durable.LinkPlan)
	require.NoError(t, err)
	assert.Equal(t, "S1", link.SessionID)
}

func TestLinker_WaitsForResolution(t *testing.T) {
	ctx := context.Background()
	h := newLinkHarness(t)

	id := h.launch(t, registry.KindPlan, "/w")
	h.linker.Apply(ctx, fswatch.Change{Added: []string{"auth"}})

	_, err := h.db.LinkByFile(ctx, "/w", "auth.md", durable.LinkPlan)
	assert.ErrorIs(t, err, durable.ErrLinkNotFound)

	h.fake.Output(id, `{"type":"system","subtype":"init","session_id":"S1"}`+"\n")
	h.pump(ctx)

	link, err := h.db.LinkByFile(ctx, "/w", "auth.md", durable.LinkPlan)
	require.NoError(t, err)
	assert.Equal(t, "S1", link.SessionID)
}

func TestLinker_DropsUnresolvedOnExit(t *testing.T) {
	ctx := context.Background()
	h := newLinkHarness(t)

	id := h.launch(t, registry.KindPlan, "/w")
	h.linker.Apply(ctx, fswatch.Change{Added: []string{"auth"}})
	h.fake.Exit(id, 1)
	h.pump(ctx)

	// A later plan session does not inherit the dropped link.
	id = h.launch(t, registry.KindPlan, "/w")
	h.fake.Output(id, `{"type":"system","subtype":"init","session_id":"S2"}`+"\n")
	h.pump(ctx)

	_, err := h.db.LinkByFile(ctx, "/w", "auth.md", durable.LinkPlan)
	assert.ErrorIs(t, err, durable.ErrLinkNotFound)
}

func TestLinker_IgnoresOtherSessions(t *testing.T) {
	ctx := context.Background()
	h := newLinkHarness(t)

	a := h.launch(t, registry.KindIteration, "/w")
	b := h.launch(t, registry.KindPlan, "/elsewhere")
	h.fake.Output(a, `{"type":"system","subtype":"init","session_id":"S1"}`+"\n")
	h.fake.Output(b, `{"type":"system","subtype":"init","session_id":"S2"}`+"\n")
	h.pump(ctx)

	h.linker.Apply(ctx, fswatch.Change{Added: []string{"auth"}})

	_, err := h.db.LinkByFile(ctx, "/w", "auth.md", durable.LinkPlan)
	assert.ErrorIs(t, err, durable.ErrLinkNotFound)
}

func TestLinker_Rename(t *testing.T) {
	ctx := context.Background()
	h := newLinkHarness(t)
	require.NoError(t, h.db.SaveLink(ctx, durable.SessionLink{WorkDir: "/w", FileName: "draft.md", Type: durable.LinkPlan, SessionID: "S1"}))

	h.linker.Apply(ctx, fswatch.Change{Renamed: []fswatch.Rename{{From: "draft", To: "final"}}})

	link, err := h.db.LinkByFile(ctx, "/w", "final.md", durable.LinkPlan)
	require.NoError(t, err)
	assert.Equal(t, "S1", link.SessionID)
}

func TestLinker_Run(t *testing.T) {
	ctx := context.Background()
	h := newLinkHarness(t)
	require.NoError(t, h.db.SaveLink(ctx, durable.SessionLink{WorkDir: "/w", FileName: "a.md", Type: durable.LinkPlan, SessionID: "S1"}))

	changes := make(chan fswatch.Change, 1)
	changes <- fswatch.Change{Renamed: []fswatch.Rename{{From: "a", To: "b"}}}
	close(changes)

	require.NoError(t, h.linker.Run(ctx, changes))
	_, err := h.db.LinkByFile(ctx, "/w", "b.md", durable.LinkPlan)
	assert.NoError(t, err)
}
