package tasks_test

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

	"github.com/tailored-agentic-units/trellico/fswatch"
	"github.com/tailored-agentic-units/trellico/tasks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeTask(t *testing.T, workDir, name, body string) {
	t.Helper()
	dir := filepath.Join(tasks.Dir(workDir), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tasks.ArtifactName), []byte(body), 0o644))
}

func TestArtifactPath(t *testing.T) {
	assert.Equal(t, ".trellico/ralph/auth-flow/prd.json", tasks.ArtifactPath("auth-flow"))
}

func TestList(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		got, err := tasks.List(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("sorted and filtered", func(t *testing.T) {
		work := t.TempDir()
		writeTask(t, work, "zeta", "{}")
		writeTask(t, work, "alpha", "{}")
		require.NoError(t, os.MkdirAll(filepath.Join(tasks.Dir(work), "empty"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(tasks.Dir(work), "stray.json"), nil, 0o644))

		got, err := tasks.List(work)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "zeta"}, got)
	})
}

func TestRead(t *testing.T) {
	work := t.TempDir()
	writeTask(t, work, "alpha", `{"stories":[]}`)

	data, err := tasks.Read(work, "alpha")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stories":[]}`, string(data))

	_, err = tasks.Read(work, "missing")
	assert.True(t, errors.Is(err, tasks.ErrNotFound), "got %v", err)

	for _, name := range []string{"", ".", "..", "../alpha", `a\b`} {
		_, err := tasks.Read(work, name)
		assert.ErrorIs(t, err, tasks.ErrInvalidName, "name %q", name)
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
	writeTask(t, work, "alpha", "{}")

	w, err := tasks.NewWatcher(work, fswatch.WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, w.Names())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeTask(t, work, "beta", "{}")
	c := nextChange(t, w)
	assert.Equal(t, []string{"beta"}, c.Added)
	assert.Equal(t, []string{"alpha", "beta"}, c.Names)

	require.NoError(t, os.WriteFile(filepath.Join(tasks.Dir(work), "alpha", tasks.ArtifactName), []byte(`{"x":1}`), 0o644))
	c = nextChange(t, w)
	assert.Equal(t, []string{"alpha"}, c.Modified)
	assert.Empty(t, c.Added)

	require.NoError(t, os.RemoveAll(filepath.Join(tasks.Dir(work), "beta")))
	c = nextChange(t, w)
	assert.Equal(t, []string{"beta"}, c.Removed)
	assert.Equal(t, []string{"alpha"}, c.Names)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	_, ok := <-w.Changes()
	assert.False(t, ok)
}

func TestWatcher_CreatesDirectory(t *testing.T) {
	work := t.TempDir()

	w, err := tasks.NewWatcher(work)
	require.NoError(t, err)
	defer w.Close()

	info, err := os.Stat(tasks.Dir(work))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Empty(t, w.Names())
}

func TestWatcher_CloseEndsRun(t *testing.T) {
	w, err := tasks.NewWatcher(t.TempDir())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.NoError(t, w.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
