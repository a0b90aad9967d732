package mq

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Publisher+Consumer used by tests that exercise
// the dispatch consumer without a real broker. Delayed publishes are
// realized with a goroutine timer rather than a broker feature, so a task
// becomes deliverable no earlier than now+delay, as with the real adapter.
// Unlike the real adapter, a task leaves the queue as soon as it is received:
// Ack and Nack are no-ops and nothing is ever redelivered.
type Memory struct {
	mu      sync.Mutex
	pending chan Delivery
	closed  bool
}

// NewMemory returns a ready-to-use in-memory adapter with the given
// delivery channel buffer size.
func NewMemory(buffer int) *Memory {
	return &Memory{pending: make(chan Delivery, buffer)}
}

func (m *Memory) enqueue(task SentMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending <- Delivery{
		Task: task,
		Ack:  func() error { return nil },
		Nack: func(requeue bool) error { return nil },
	}
}

// Publish enqueues task immediately.
func (m *Memory) Publish(ctx context.Context, task SentMessage) error {
	m.enqueue(task)
	return nil
}

// PublishDelayed enqueues task after delay on its own goroutine timer.
func (m *Memory) PublishDelayed(ctx context.Context, task SentMessage, delay time.Duration) error {
	if delay <= 0 {
		m.enqueue(task)
		return nil
	}
	time.AfterFunc(delay, func() { m.enqueue(task) })
	return nil
}

// Consume returns the adapter's delivery channel. ctx cancellation does not
// close the channel; call Close to do that deterministically in tests.
func (m *Memory) Consume(ctx context.Context) (<-chan Delivery, error) {
	return m.pending, nil
}

// Ping always succeeds; the in-memory adapter has no connection to lose.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close stops accepting new deliveries and closes the channel.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.pending)
}
