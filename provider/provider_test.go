package provider_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/trellico/provider"
)

func builtin(t *testing.T, kind provider.Kind) provider.Definition {
	t.Helper()
	def, ok := provider.Builtin(kind)
	require.True(t, ok, "missing builtin %s", kind)
	return def
}

func TestParseKind(t *testing.T) {
	kind, err := provider.ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, provider.ClaudeCode, kind)

	kind, err = provider.ParseKind("amp")
	require.NoError(t, err)
	assert.Equal(t, provider.Amp, kind)

	_, err = provider.ParseKind("cursor")
	assert.ErrorIs(t, err, provider.ErrProviderNotFound)
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		kind     provider.Kind
		resume   string
		want     []string
		excluded []string
	}{
		{
			name:     "claude new session",
			kind:     provider.ClaudeCode,
			want:     []string{"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions", "do it"},
			excluded: []string{"--resume"},
		},
		{
			name:   "claude resume",
			kind:   provider.ClaudeCode,
			resume: "session-123",
			want:   []string{"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions", "--resume", "session-123", "do it"},
		},
		{
			name:     "amp new thread",
			kind:     provider.Amp,
			want:     []string{"-x", "do it", "--stream-json", "--dangerously-allow-all"},
			excluded: []string{"threads"},
		},
		{
			name:   "amp continue",
			kind:   provider.Amp,
			resume: "thread-123",
			want:   []string{"threads", "continue", "thread-123", "-x", "do it", "--stream-json", "--dangerously-allow-all"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := builtin(t, tt.kind).BuildArgs("do it", tt.resume)
			assert.Equal(t, tt.want, args)
			for _, ex := range tt.excluded {
				assert.False(t, slices.Contains(args, ex), "unexpected arg %q", ex)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	claude := builtin(t, provider.ClaudeCode)
	amp := builtin(t, provider.Amp)

	tests := []struct {
		name   string
		def    provider.Definition
		output string
		want   provider.ErrorKind
	}{
		{"invalid key", claude, "Invalid API key · Please run /login", provider.NotLoggedIn},
		{"unauthorized", claude, "HTTP 401 Unauthorized", provider.NotLoggedIn},
		{"credit balance", claude, "Credit balance is too low", provider.PaymentRequired},
		{"amp login", amp, "run `amp login` first", provider.NotLoggedIn},
		{"amp quota", amp, "Quota exceeded for this workspace", provider.PaymentRequired},
		{"other", claude, "tool execution failed", provider.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.def.Classify(tt.output))
		})
	}
}

func TestError(t *testing.T) {
	def := builtin(t, provider.ClaudeCode)
	cause := errors.New("exec failed")

	err := def.NewError(provider.NotLoggedIn, "", cause)
	assert.Equal(t, provider.NotLoggedIn, provider.KindOf(err))
	assert.Equal(t, def.AuthInstructions, err.AuthInstructions)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "not logged in")

	wrapped := errors.Join(errors.New("launch"), def.NewError(provider.PaymentRequired, "Credit balance is too low", nil))
	assert.Equal(t, provider.PaymentRequired, provider.KindOf(wrapped))
	assert.Equal(t, provider.Unknown, provider.KindOf(errors.New("plain")))
}

func TestStatus_Err(t *testing.T) {
	assert.NoError(t, provider.Status{Available: true}.Err())

	err := provider.Status{Provider: provider.Amp, ErrorKind: provider.NotInstalled, Error: "Amp is not installed"}.Err()
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.NotInstalled, pe.Kind)
	assert.Equal(t, provider.Amp, pe.Provider)

	assert.Equal(t, provider.Unknown, provider.KindOf(provider.Status{}.Err()))
}

func TestRegistry(t *testing.T) {
	r := provider.NewRegistry()

	defs := r.List()
	require.Len(t, defs, 2)
	assert.Equal(t, provider.Amp, defs[0].Kind)
	assert.Equal(t, provider.ClaudeCode, defs[1].Kind)

	def, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, provider.ClaudeCode, def.Kind)

	assert.ErrorIs(t, r.Register(provider.Definition{}), provider.ErrEmptyProviderName)
	assert.ErrorIs(t, r.Register(def), provider.ErrProviderExists)

	custom := provider.Definition{Kind: "local", DisplayName: "Local", Binary: "local-agent"}
	require.NoError(t, r.Register(custom))

	custom.DisplayName = "Local Agent"
	require.NoError(t, r.Replace(custom))
	got, err := r.Get("local")
	require.NoError(t, err)
	assert.Equal(t, "Local Agent", got.DisplayName)

	require.NoError(t, r.Unregister("local"))
	_, err = r.Get("local")
	assert.ErrorIs(t, err, provider.ErrProviderNotFound)
	assert.ErrorIs(t, r.Replace(custom), provider.ErrProviderNotFound)
}

func TestRegistry_DefensiveCopy(t *testing.T) {
	r := provider.NewRegistry()

	def, err := r.Get(provider.ClaudeCode)
	require.NoError(t, err)
	def.Candidates[0] = "/tampered"

	again, err := r.Get(provider.ClaudeCode)
	require.NoError(t, err)
	assert.NotEqual(t, "/tampered", again.Candidates[0])
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
}

func noLookPath(string) (string, error) {
	return "", errors.New("not found")
}

func TestSystemChecker(t *testing.T) {
	okRunner := func(context.Context, string, ...string) ([]byte, []byte, error) {
		return []byte("2.0.1 (Claude Code)\n"), nil, nil
	}

	tests := []struct {
		name          string
		setup         func(t *testing.T, home string)
		runner        provider.CommandRunner
		wantAvailable bool
		wantKind      provider.ErrorKind
	}{
		{
			name:     "binary missing",
			setup:    func(*testing.T, string) {},
			runner:   okRunner,
			wantKind: provider.NotInstalled,
		},
		{
			name: "no credentials",
			setup: func(t *testing.T, home string) {
				writeFile(t, filepath.Join(home, ".local/bin/claude"))
			},
			runner:   okRunner,
			wantKind: provider.NotLoggedIn,
		},
		{
			name: "available",
			setup: func(t *testing.T, home string) {
				writeFile(t, filepath.Join(home, ".local/bin/claude"))
				writeFile(t, filepath.Join(home, ".claude.json"))
			},
			runner:        okRunner,
			wantAvailable: true,
		},
		{
			name: "version check reports auth failure",
			setup: func(t *testing.T, home string) {
				writeFile(t, filepath.Join(home, ".local/bin/claude"))
			},
			runner: func(context.Context, string, ...string) ([]byte, []byte, error) {
				return nil, []byte("Error: not logged in"), errors.New("exit status 1")
			},
			wantKind: provider.NotLoggedIn,
		},
		{
			name: "version check cannot start",
			setup: func(t *testing.T, home string) {
				writeFile(t, filepath.Join(home, ".local/bin/claude"))
			},
			runner: func(context.Context, string, ...string) ([]byte, []byte, error) {
				return nil, nil, &fs.PathError{Op: "fork/exec", Path: "claude", Err: fs.ErrPermission}
			},
			wantKind: provider.NotInstalled,
		},
		{
			name: "version check fails otherwise",
			setup: func(t *testing.T, home string) {
				writeFile(t, filepath.Join(home, ".local/bin/claude"))
			},
			runner: func(context.Context, string, ...string) ([]byte, []byte, error) {
				return nil, []byte("segfault"), errors.New("exit status 139")
			},
			wantKind: provider.Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			tt.setup(t, home)

			checker := provider.NewSystemChecker(provider.NewRegistry(),
				provider.WithHome(home),
				provider.WithRunner(tt.runner),
				provider.WithLookPath(noLookPath),
			)

			status := checker.CheckAvailable(context.Background(), provider.ClaudeCode)
			assert.Equal(t, tt.wantAvailable, status.Available)
			assert.Equal(t, tt.wantKind, status.ErrorKind)
			if tt.wantKind == provider.NotLoggedIn {
				assert.NotEmpty(t, status.AuthInstructions)
			}
			if tt.wantAvailable {
				assert.Equal(t, "2.0.1 (Claude Code)", status.Version)
				assert.NoError(t, status.Err())
			} else {
				assert.Equal(t, tt.wantKind, provider.KindOf(status.Err()))
			}
		})
	}
}

func TestSystemChecker_LookPathFallback(t *testing.T) {
	checker := provider.NewSystemChecker(provider.NewRegistry(),
		provider.WithHome(t.TempDir()),
		provider.WithLookPath(func(name string) (string, error) {
			return "/somewhere/" + name, nil
		}),
	)

	def := builtin(t, provider.Amp)
	def.Candidates = nil
	path, ok := checker.FindBinary(def)
	assert.True(t, ok)
	assert.Equal(t, "/somewhere/amp", path)
}

func TestSystemChecker_UnknownProvider(t *testing.T) {
	checker := provider.NewSystemChecker(provider.NewRegistry(), provider.WithLookPath(noLookPath))
	status := checker.CheckAvailable(context.Background(), "cursor")
	assert.False(t, status.Available)
	assert.Equal(t, provider.Unknown, status.ErrorKind)
}
