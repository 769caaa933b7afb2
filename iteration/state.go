package iteration

import "fmt"

// State is the controller's state: either Idle or Running.
type State interface {
	isState()
	String() string
}

// Idle means no iteration loop is active.
type Idle struct{}

// Running means an agent process is working on an iteration of TaskID.
type Running struct {
	TaskID    string `json:"task_id"`
	Iteration int    `json:"iteration"`
	ProcessID string `json:"process_id"`
}

func (Idle) isState()    {}
func (Running) isState() {}

func (Idle) String() string { return "idle" }

func (r Running) String() string {
	return fmt.Sprintf("running(%s #%d %s)", r.TaskID, r.Iteration, r.ProcessID)
}

// Reason tells why an iteration loop ended.
type Reason int

const (
	// ReasonCompleted means the agent printed the completion sentinel.
	ReasonCompleted Reason = iota
	// ReasonStopped means StopIteration was called or another task started.
	ReasonStopped
	// ReasonMaxIterations means the configured iteration cap was reached.
	ReasonMaxIterations
	// ReasonFailed means the agent process failed for a provider reason.
	ReasonFailed
	// ReasonStoreError means a durable-store write inside a transition failed.
	ReasonStoreError
	// ReasonLaunchError means the next iteration could not be launched.
	ReasonLaunchError
)

func (r Reason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonStopped:
		return "stopped"
	case ReasonMaxIterations:
		return "max-iterations"
	case ReasonFailed:
		return "failed"
	case ReasonStoreError:
		return "store-error"
	case ReasonLaunchError:
		return "launch-error"
	default:
		return "unknown"
	}
}

// Outcome reports the end of an iteration loop.
type Outcome struct {
	TaskID    string
	Iteration int
	Reason    Reason
	Err       error
}
