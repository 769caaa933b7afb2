package kernel

import "github.com/tailored-agentic-units/trellico/observability"

// Kernel event types.
const (
	EventOpen        observability.EventType = "kernel.open"
	EventRecover     observability.EventType = "kernel.recover"
	EventRunStart    observability.EventType = "kernel.run.start"
	EventRunComplete observability.EventType = "kernel.run.complete"
	EventExecute     observability.EventType = "kernel.execute"
	EventWatchPlans  observability.EventType = "kernel.plans.watch"
	EventClose       observability.EventType = "kernel.close"
	EventError       observability.EventType = "kernel.error"
)
