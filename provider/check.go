package provider

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"
)

const defaultCheckTimeout = 10 * time.Second

// Status is the result of an availability check.
type Status struct {
	Provider         Kind      `json:"provider"`
	Available        bool      `json:"available"`
	ErrorKind        ErrorKind `json:"error_kind,omitempty"`
	Error            string    `json:"error,omitempty"`
	AuthInstructions string    `json:"auth_instructions,omitempty"`
	Binary           string    `json:"binary,omitempty"`
	Version          string    `json:"version,omitempty"`
}

// Err converts an unavailable status into a typed *Error. It returns nil
// when the provider is available.
func (s Status) Err() error {
	if s.Available {
		return nil
	}
	kind := s.ErrorKind
	if kind == "" {
		kind = Unknown
	}
	return &Error{
		Kind:             kind,
		Provider:         s.Provider,
		Message:          s.Error,
		AuthInstructions: s.AuthInstructions,
	}
}

// Checker answers whether a provider can be launched right now.
type Checker interface {
	CheckAvailable(ctx context.Context, kind Kind) Status
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, kind Kind) Status

func (f CheckerFunc) CheckAvailable(ctx context.Context, kind Kind) Status {
	return f(ctx, kind)
}

// AlwaysAvailable is a Checker that approves every provider.
var AlwaysAvailable = CheckerFunc(func(_ context.Context, kind Kind) Status {
	return Status{Provider: kind, Available: true}
})

// CommandRunner executes a short-lived command and returns its output.
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// SystemChecker inspects the local machine: binary locations, the output of
// --version, and credential files.
type SystemChecker struct {
	registry *Registry
	home     string
	timeout  time.Duration
	run      CommandRunner
	lookPath func(string) (string, error)
}

// CheckerOption configures a SystemChecker.
type CheckerOption func(*SystemChecker)

// WithHome overrides the home directory used to resolve "~/" paths.
func WithHome(home string) CheckerOption {
	return func(c *SystemChecker) { c.home = home }
}

// WithRunner overrides how the version check is executed.
func WithRunner(run CommandRunner) CheckerOption {
	return func(c *SystemChecker) { c.run = run }
}

// WithLookPath overrides the PATH fallback used when no candidate exists.
func WithLookPath(lookPath func(string) (string, error)) CheckerOption {
	return func(c *SystemChecker) { c.lookPath = lookPath }
}

// WithTimeout bounds the version check.
func WithTimeout(d time.Duration) CheckerOption {
	return func(c *SystemChecker) { c.timeout = d }
}

// NewSystemChecker creates a SystemChecker over the definitions in reg.
func NewSystemChecker(reg *Registry, opts ...CheckerOption) *SystemChecker {
	home, _ := os.UserHomeDir()
	c := &SystemChecker{
		registry: reg,
		home:     home,
		timeout:  defaultCheckTimeout,
		run:      runCommand,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindBinary resolves the provider's executable. Desktop launches often run
// without the user's shell PATH, so well-known install locations are tried
// before falling back to PATH lookup.
func (c *SystemChecker) FindBinary(def Definition) (string, bool) {
	for _, candidate := range def.Candidates {
		path := expandHome(candidate, c.home)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}

	if c.lookPath != nil && def.Binary != "" {
		if path, err := c.lookPath(def.Binary); err == nil && path != "" {
			return path, true
		}
	}
	return "", false
}

// CheckAvailable reports whether kind is installed and logged in.
func (c *SystemChecker) CheckAvailable(ctx context.Context, kind Kind) Status {
	def, err := c.registry.Get(kind)
	if err != nil {
		return Status{Provider: kind, ErrorKind: Unknown, Error: err.Error()}
	}

	status := Status{Provider: def.Kind}

	bin, ok := c.FindBinary(def)
	if !ok {
		status.ErrorKind = NotInstalled
		status.Error = def.NotInstalledMessage()
		return status
	}
	status.Binary = bin

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stdout, stderr, err := c.run(checkCtx, bin, "--version")
	if err != nil {
		output := strings.TrimSpace(string(stderr) + "\n" + string(stdout))
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
			status.ErrorKind = NotInstalled
			status.Error = def.NotInstalledMessage()
		case def.IsAuthError(output):
			status.ErrorKind = NotLoggedIn
			status.Error = def.NotLoggedInMessage()
			status.AuthInstructions = def.AuthInstructions
		default:
			status.ErrorKind = Unknown
			status.Error = def.DisplayName + " error: " + firstNonEmpty(output, err.Error())
		}
		return status
	}

	if !c.hasCredentials(def) {
		status.ErrorKind = NotLoggedIn
		status.Error = def.NotLoggedInMessage()
		status.AuthInstructions = def.AuthInstructions
		return status
	}

	status.Available = true
	status.Version = strings.TrimSpace(string(stdout))
	return status
}

func (c *SystemChecker) hasCredentials(def Definition) bool {
	if len(def.CredentialFiles) == 0 {
		return true
	}
	for _, file := range def.CredentialFiles {
		if _, err := os.Stat(expandHome(file, c.home)); err == nil {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
