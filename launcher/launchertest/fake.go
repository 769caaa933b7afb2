// Package launchertest provides an in-memory launcher.Launcher for tests.
package launchertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tailored-agentic-units/trellico/launcher"
)

// Fake records launches and lets tests inject process events.
type Fake struct {
	mu        sync.Mutex
	next      int
	specs     map[string]launcher.Spec
	order     []string
	stopped   []string
	ended     map[string]bool
	events    chan launcher.Event
	launchErr error
	stopErr   error

	// ExitOnStop makes Stop emit an exit event with code -1, as a real
	// process killed by a signal would.
	ExitOnStop bool
}

// New creates a Fake whose event channel holds up to buffer events.
func New(buffer int) *Fake {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Fake{
		specs:  make(map[string]launcher.Spec),
		ended:  make(map[string]bool),
		events: make(chan launcher.Event, buffer),
	}
}

// FailLaunch makes subsequent Launch calls return err. Pass nil to reset.
func (f *Fake) FailLaunch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchErr = err
}

// FailStop makes subsequent Stop calls return err. Pass nil to reset.
func (f *Fake) FailStop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopErr = err
}

func (f *Fake) Launch(ctx context.Context, spec launcher.Spec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.launchErr != nil {
		return "", f.launchErr
	}

	f.next++
	id := fmt.Sprintf("proc-%d", f.next)
	f.specs[id] = spec
	f.order = append(f.order, id)
	return id, nil
}

func (f *Fake) Stop(_ context.Context, processID string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, processID)
	err := f.stopErr
	_, known := f.specs[processID]
	exit := f.ExitOnStop && known && !f.ended[processID]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: %s", launcher.ErrUnknownProcess, processID)
	}
	if exit {
		f.Exit(processID, -1)
	}
	return nil
}

func (f *Fake) Events() <-chan launcher.Event {
	return f.events
}

// Output queues an output chunk for processID.
func (f *Fake) Output(processID, chunk string) {
	f.events <- launcher.Event{ProcessID: processID, Kind: launcher.EventOutput, Data: []byte(chunk)}
}

// Exit queues the terminal exit event for processID. Later calls for the
// same process are ignored.
func (f *Fake) Exit(processID string, code int) {
	if !f.end(processID) {
		return
	}
	f.events <- launcher.Event{ProcessID: processID, Kind: launcher.EventExit, Code: code}
}

// Fail queues the terminal error event for processID.
func (f *Fake) Fail(processID string, err error) {
	if !f.end(processID) {
		return
	}
	f.events <- launcher.Event{ProcessID: processID, Kind: launcher.EventError, Err: err}
}

func (f *Fake) end(processID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended[processID] {
		return false
	}
	f.ended[processID] = true
	return true
}

// Spec returns the spec a process was launched with.
func (f *Fake) Spec(processID string) (launcher.Spec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[processID]
	return spec, ok
}

// Launched returns process ids in launch order.
func (f *Fake) Launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// Last returns the most recently launched process id.
func (f *Fake) Last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return ""
	}
	return f.order[len(f.order)-1]
}

// Stopped returns the process ids passed to Stop, in call order.
func (f *Fake) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// Drain removes and returns every queued event.
func (f *Fake) Drain() []launcher.Event {
	var out []launcher.Event
	for {
		select {
		case e := <-f.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
