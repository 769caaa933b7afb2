package observability

import "context"

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) OnEvent(context.Context, Event) {}

// MultiObserver forwards each event to several observers in order.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver drops nil observers. With nothing left it still returns a
// usable MultiObserver that discards events.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, obs := range observers {
		m.Add(obs)
	}
	return m
}

// Add appends obs unless it is nil. Add is not safe to call while events are
// being delivered.
func (m *MultiObserver) Add(obs Observer) {
	if obs == nil {
		return
	}
	if nested, ok := obs.(*MultiObserver); ok {
		m.observers = append(m.observers, nested.observers...)
		return
	}
	m.observers = append(m.observers, obs)
}

// Len reports the number of observers events are forwarded to.
func (m *MultiObserver) Len() int { return len(m.observers) }

func (m *MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, obs := range m.observers {
		obs.OnEvent(ctx, event)
	}
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) OnEvent(ctx context.Context, event Event) { f(ctx, event) }
