// Package fswatch reports debounced changes to the entries of a directory.
//
// A Source decides what counts as an entry: the watcher rescans the
// directory after filesystem activity settles and diffs the result against
// the previous scan. fsnotify is not recursive, so every directory below the
// root is watched as it appears.
package fswatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tailored-agentic-units/trellico/observability"
)

// Watcher event types.
const (
	EventChange observability.EventType = "watch.change"
	EventError  observability.EventType = "watch.error"
)

// DefaultDebounce is how long the watcher waits for filesystem activity to
// settle before rescanning.
const DefaultDebounce = 100 * time.Millisecond

// Source describes a watched directory.
type Source struct {
	// Name labels events, e.g. "tasks".
	Name string
	// Dir is created if missing.
	Dir string
	// Scan returns the current entries of dir.
	Scan func(dir string) (map[string]struct{}, error)
	// Owner maps a written path to the entry it modifies, or "".
	Owner func(dir, path string) string
	// Renames reports a lone add paired with a lone removal as a rename.
	Renames bool
}

// Rename is an entry that changed name between two scans.
type Rename struct {
	From string
	To   string
}

// Change reports the entries after a burst of filesystem activity.
type Change struct {
	Names    []string
	Added    []string
	Removed  []string
	Modified []string
	Renamed  []Rename
}

func (c Change) empty() bool {
	return len(c.Added)+len(c.Removed)+len(c.Modified)+len(c.Renamed) == 0
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the settle interval. Non-positive values keep the default.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithObserver overrides the default no-op observer.
func WithObserver(o observability.Observer) Option {
	return func(w *Watcher) { w.observer = o }
}

// Watcher watches one Source and reports changes on a channel.
type Watcher struct {
	src      Source
	fs       *fsnotify.Watcher
	debounce time.Duration
	observer observability.Observer
	changes  chan Change

	mu       sync.Mutex
	known    map[string]struct{}
	modified map[string]struct{}

	closeOnce sync.Once
}

// New starts watching src. Call Run to begin delivering changes and Close
// to release the watch.
func New(src Source, opts ...Option) (*Watcher, error) {
	if err := os.MkdirAll(src.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s dir: %w", src.Name, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		src:      src,
		fs:       fw,
		debounce: DefaultDebounce,
		observer: observability.NoOpObserver{},
		changes:  make(chan Change, 8),
		modified: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addTree(src.Dir); err != nil {
		fw.Close()
		return nil, err
	}
	known, err := src.Scan(src.Dir)
	if err != nil {
		fw.Close()
		return nil, err
	}
	w.known = known
	return w, nil
}

// Changes returns the channel changes are delivered on. It is closed when
// Run returns.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Names returns the entries as of the last rescan.
func (w *Watcher) Names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return SortedKeys(w.known)
}

// Run processes filesystem events until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.changes)
	defer w.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.handle(ctx, ev) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.fail(ctx, "watch", err)

		case <-timer.C:
			change, ok := w.rescan(ctx)
			if !ok {
				continue
			}
			select {
			case w.changes <- change:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close stops the underlying watch. Run returns shortly after.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fs.Close() })
	return err
}

// handle records an event and reports whether it should trigger a rescan.
func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.fail(ctx, "add_watch", err)
			}
		}
	}

	if ev.Has(fsnotify.Write) && w.src.Owner != nil {
		if name := w.src.Owner(w.src.Dir, ev.Name); name != "" {
			w.mu.Lock()
			w.modified[name] = struct{}{}
			w.mu.Unlock()
		}
	}
	return true
}

// rescan diffs the directory against the last known entries.
func (w *Watcher) rescan(ctx context.Context) (Change, bool) {
	current, err := w.src.Scan(w.src.Dir)
	if err != nil {
		w.fail(ctx, "scan", err)
		return Change{}, false
	}

	w.mu.Lock()
	var change Change
	for name := range current {
		if _, ok := w.known[name]; !ok {
			change.Added = append(change.Added, name)
		} else if _, ok := w.modified[name]; ok {
			change.Modified = append(change.Modified, name)
		}
	}
	for name := range w.known {
		if _, ok := current[name]; !ok {
			change.Removed = append(change.Removed, name)
		}
	}
	w.known = current
	w.modified = make(map[string]struct{})
	change.Names = SortedKeys(current)
	w.mu.Unlock()

	if change.empty() {
		return Change{}, false
	}
	if w.src.Renames && len(change.Added) == 1 && len(change.Removed) == 1 {
		change.Renamed = []Rename{{From: change.Removed[0], To: change.Added[0]}}
		change.Added, change.Removed = nil, nil
	}
	sort.Strings(change.Added)
	sort.Strings(change.Removed)
	sort.Strings(change.Modified)

	observability.Emit(ctx, w.observer, EventChange, observability.LevelVerbose, "fswatch.Watcher", map[string]any{
		"source":   w.src.Name,
		"dir":      w.src.Dir,
		"added":    change.Added,
		"removed":  change.Removed,
		"modified": change.Modified,
		"renamed":  len(change.Renamed),
	})
	return change, true
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) fail(ctx context.Context, op string, err error) {
	observability.Emit(ctx, w.observer, EventError, observability.LevelWarning, "fswatch.Watcher", map[string]any{
		"source": w.src.Name,
		"dir":    w.src.Dir,
		"op":     op,
		"error":  err.Error(),
	})
}

// SortedKeys returns the members of set in order.
func SortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
