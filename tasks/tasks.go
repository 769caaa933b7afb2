// Package tasks discovers iteration task artifacts in a working directory.
//
// A task is a directory under <workdir>/.trellico/ralph whose name is the
// task id and which contains a prd.json artifact. The agent reads and
// updates the artifact itself; this package only locates it.
package tasks

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailored-agentic-units/trellico/fswatch"
)

const (
	// StateDir is the per-project directory owned by trellico.
	StateDir = ".trellico"
	// TasksDir is the directory under StateDir that holds one directory per task.
	TasksDir = "ralph"
	// ArtifactName is the file every task directory must contain.
	ArtifactName = "prd.json"
)

var (
	ErrInvalidName = errors.New("invalid task name")
	ErrNotFound    = errors.New("task not found")
)

// Dir returns the absolute task directory for workDir.
func Dir(workDir string) string {
	return filepath.Join(workDir, StateDir, TasksDir)
}

// ArtifactPath returns the artifact path of a task relative to the working
// directory, as the agent sees it.
func ArtifactPath(name string) string {
	return filepath.ToSlash(filepath.Join(StateDir, TasksDir, name, ArtifactName))
}

// ValidateName rejects names that are empty or would escape the task
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

// List returns the names of all tasks in workDir, sorted. A missing task
// directory yields an empty list.
func List(workDir string) ([]string, error) {
	set, err := scan(Dir(workDir))
	if err != nil {
		return nil, err
	}
	return fswatch.SortedKeys(set), nil
}

// Read returns the raw artifact of a task.
func Read(workDir, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(Dir(workDir), name, ArtifactName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", name, err)
	}
	return data, nil
}

func scan(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, e.Name(), ArtifactName))
		if err != nil || info.IsDir() {
			continue
		}
		set[e.Name()] = struct{}{}
	}
	return set, nil
}
