package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// changeChannel is a bounded notification queue. Sends never block: when the
// queue is full the change is dropped and counted, since subscribers always
// re-read the latest snapshot.
type changeChannel struct {
	channel chan Change
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

func newChangeChannel(bufferSize int) *changeChannel {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &changeChannel{channel: make(chan Change, bufferSize)}
}

func (c *changeChannel) trySend(change Change) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.channel <- change:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *changeChannel) receive(ctx context.Context) (Change, error) {
	select {
	case change, ok := <-c.channel:
		if !ok {
			return Change{}, ErrSubscriptionClosed
		}
		return change, nil
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
}

func (c *changeChannel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.channel)
	}
}

// Subscription delivers store changes in version order.
type Subscription struct {
	id    uint64
	ch    *changeChannel
	store *Store
}

// C returns the change channel. It is closed by Close.
func (s *Subscription) C() <-chan Change {
	return s.ch.channel
}

// Next blocks until the next change, the context ends, or the subscription
// is closed.
func (s *Subscription) Next(ctx context.Context) (Change, error) {
	return s.ch.receive(ctx)
}

// Dropped reports how many changes were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.ch.dropped.Load()
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.store.unsubscribe(s.id)
	s.ch.close()
}
