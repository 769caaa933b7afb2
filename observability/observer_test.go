package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/trellico/observability"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		name  string
		level observability.Level
		want  string
	}{
		{name: "trace range", level: 1, want: "TRACE"},
		{name: "verbose maps to DEBUG", level: observability.LevelVerbose, want: "DEBUG"},
		{name: "info maps to INFO", level: observability.LevelInfo, want: "INFO"},
		{name: "warning maps to WARN", level: observability.LevelWarning, want: "WARN"},
		{name: "error maps to ERROR", level: observability.LevelError, want: "ERROR"},
		{name: "fatal range", level: 21, want: "FATAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    observability.Level
		wantErr bool
	}{
		{in: "debug", want: observability.LevelVerbose},
		{in: "INFO", want: observability.LevelInfo},
		{in: "", want: observability.LevelInfo},
		{in: "warning", want: observability.LevelWarning},
		{in: " error ", want: observability.LevelError},
		{in: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := observability.ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEmit(t *testing.T) {
	rec := observability.NewRecorder(0)

	observability.Emit(context.Background(), rec, "registry.process.launch", observability.LevelInfo, "registry.Launch",
		map[string]any{"process_id": "p1"})
	observability.Emit(context.Background(), nil, "ignored", observability.LevelInfo, "x", nil)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, observability.EventType("registry.process.launch"), events[0].Type)
	assert.Equal(t, "registry.Launch", events[0].Source)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, "p1", events[0].Data["process_id"])
}

func TestRecorder_Limit(t *testing.T) {
	rec := observability.NewRecorder(2)
	for _, typ := range []observability.EventType{"a", "b", "c"} {
		rec.OnEvent(context.Background(), observability.Event{Type: typ})
	}

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, observability.EventType("b"), events[0].Type)
	assert.Equal(t, observability.EventType("c"), events[1].Type)
	assert.Len(t, rec.OfType("c"), 1)

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestMultiObserver(t *testing.T) {
	r1 := observability.NewRecorder(0)
	r2 := observability.NewRecorder(0)

	multi := observability.NewMultiObserver(nil, r1, r2, nil)
	multi.OnEvent(context.Background(), observability.Event{Type: "test.event", Level: observability.LevelInfo})

	assert.Len(t, r1.Events(), 1)
	assert.Len(t, r2.Events(), 1)
}

func TestMultiObserver_FlattensNested(t *testing.T) {
	var seen []observability.EventType
	fn := observability.ObserverFunc(func(_ context.Context, e observability.Event) {
		seen = append(seen, e.Type)
	})

	inner := observability.NewMultiObserver(fn, observability.NoOpObserver{})
	outer := observability.NewMultiObserver(inner, fn)
	assert.Equal(t, 3, outer.Len())

	outer.OnEvent(context.Background(), observability.Event{Type: "x"})
	assert.Equal(t, []observability.EventType{"x", "x"}, seen)
}

func TestSlogObserver_LevelMapping(t *testing.T) {
	tests := []struct {
		name      string
		level     observability.Level
		minLevel  slog.Level
		expectLog bool
	}{
		{name: "verbose at debug handler", level: observability.LevelVerbose, minLevel: slog.LevelDebug, expectLog: true},
		{name: "verbose at info handler", level: observability.LevelVerbose, minLevel: slog.LevelInfo, expectLog: false},
		{name: "info at warn handler", level: observability.LevelInfo, minLevel: slog.LevelWarn, expectLog: false},
		{name: "error at error handler", level: observability.LevelError, minLevel: slog.LevelError, expectLog: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.minLevel}))

			observability.NewSlogObserver(logger).OnEvent(context.Background(), observability.Event{
				Type:   "test.event",
				Level:  tt.level,
				Source: "test",
			})

			if got := buf.Len() > 0; got != tt.expectLog {
				t.Errorf("log output = %v, want %v (buf: %q)", got, tt.expectLog, buf.String())
			}
		})
	}
}

func TestSlogObserver_MinLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	obs := observability.NewSlogObserver(logger).WithMinLevel(observability.LevelWarning)
	obs.OnEvent(context.Background(), observability.Event{Type: "quiet", Level: observability.LevelInfo})
	obs.OnEvent(context.Background(), observability.Event{Type: "loud", Level: observability.LevelError})

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
}

func TestSlogObserver_Attributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	observability.NewSlogObserver(logger).OnEvent(context.Background(), observability.Event{
		Type:   "session.reconciled",
		Level:  observability.LevelInfo,
		Source: "session.Reconcile",
		Data:   map[string]any{"session_id": "S1", "migrated": 3},
	})

	out := buf.String()
	assert.Contains(t, out, "session.reconciled")
	assert.Contains(t, out, "source=session.Reconcile")
	assert.Contains(t, out, "migrated=3")
	assert.Less(t, strings.Index(out, "migrated="), strings.Index(out, "session_id="))
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(&buf, "json", observability.LevelInfo)
	logger.Info("hello", "k", "v")

	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestRegistry(t *testing.T) {
	_, err := observability.GetObserver("noop")
	require.NoError(t, err)

	_, err = observability.GetObserver("nonexistent")
	assert.Error(t, err)

	rec := observability.NewRecorder(0)
	observability.RegisterObserver("test-recorder", rec)
	assert.Contains(t, observability.Names(), "test-recorder")

	obs, err := observability.Resolve("test-recorder", "noop")
	require.NoError(t, err)
	obs.OnEvent(context.Background(), observability.Event{Type: "x"})
	assert.Len(t, rec.Events(), 1)

	_, err = observability.Resolve("test-recorder", "missing")
	assert.Error(t, err)
}
