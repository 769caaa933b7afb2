// Package plans discovers plan documents in a working directory.
//
// A plan is a markdown file under <workdir>/.trellico/plans; its name is the
// file name without the extension. Plans are written by agent sessions and
// read back when an iteration task is derived from them.
package plans

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailored-agentic-units/trellico/fswatch"
	"github.com/tailored-agentic-units/trellico/tasks"
)

const (
	// PlansDir is the directory under tasks.StateDir that holds plans.
	PlansDir = "plans"
	// Ext is the extension every plan file carries.
	Ext = ".md"
)

var (
	ErrInvalidName = errors.New("invalid plan name")
	ErrNotFound    = errors.New("plan not found")
)

// Dir returns the absolute plan directory for workDir.
func Dir(workDir string) string {
	return filepath.Join(workDir, tasks.StateDir, PlansDir)
}

// ArtifactPath returns the path of a plan relative to the working directory,
// as the agent sees it.
func ArtifactPath(name string) string {
	return filepath.ToSlash(filepath.Join(tasks.StateDir, PlansDir, FileName(name)))
}

// FileName returns the file name of a plan.
func FileName(name string) string {
	return name + Ext
}

// ValidateName rejects names that are empty or would escape the plan
// directory.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Setup creates the project state directory.
func Setup(workDir string) error {
	if err := os.MkdirAll(filepath.Join(workDir, tasks.StateDir), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}

// List returns the names of all plans in workDir, sorted. A missing plan
// directory yields an empty list.
func List(workDir string) ([]string, error) {
	set, err := scan(Dir(workDir))
	if err != nil {
		return nil, err
	}
	return fswatch.SortedKeys(set), nil
}

// Read returns the content of a plan.
func Read(workDir, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(Dir(workDir), FileName(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", name, err)
	}
	return data, nil
}

func scan(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}

	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), Ext); ok && name != "" {
			set[name] = struct{}{}
		}
	}
	return set, nil
}

// NewWatcher watches workDir's plan directory, creating it if missing. A
// plan renamed on its own is reported as a rename.
func NewWatcher(workDir string, opts ...fswatch.Option) (*fswatch.Watcher, error) {
	return fswatch.New(fswatch.Source{
		Name:    "plans",
		Dir:     Dir(workDir),
		Scan:    scan,
		Owner:   planOf,
		Renames: true,
	}, opts...)
}

func planOf(dir, path string) string {
	if filepath.Dir(path) != filepath.Clean(dir) {
		return ""
	}
	name, ok := strings.CutSuffix(filepath.Base(path), Ext)
	if !ok {
		return ""
	}
	return name
}
