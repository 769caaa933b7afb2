package tasks

import (
	"path/filepath"
	"strings"

	"github.com/tailored-agentic-units/trellico/fswatch"
)

// NewWatcher watches workDir's task directory, creating it if missing. A
// write to a task's artifact reports that task as modified.
func NewWatcher(workDir string, opts ...fswatch.Option) (*fswatch.Watcher, error) {
	return fswatch.New(fswatch.Source{
		Name:  "tasks",
		Dir:   Dir(workDir),
		Scan:  scan,
		Owner: taskOf,
	}, opts...)
}

// taskOf maps a write inside the task directory to its task name.
func taskOf(dir, path string) string {
	if filepath.Base(path) != ArtifactName {
		return ""
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return ""
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	if first == ".." || first == ArtifactName {
		return ""
	}
	return first
}
