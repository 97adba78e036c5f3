// Package bus carries events from the background loops to the coordinator.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"outreach/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// Bus is a buffered channel with a single consumer.
type Bus struct {
	events  chan domain.Event
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Bus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		events:  make(chan domain.Event, bufferSize),
		timeout: defaultPublishTimeout,
		logger:  logger,
	}
}

// Publish queues ev. When the buffer is full it waits up to the publish
// timeout and then drops the event. It reports whether ev was queued.
func (b *Bus) Publish(ev domain.Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "event", ev.Type)
		return false
	}

	select {
	case b.events <- ev:
		return true
	default:
	}

	b.logger.Warn("event bus full, waiting", "event", ev.Type)
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.events <- ev:
		return true
	case <-timer.C:
		b.logger.Error("event dropped: bus full", "event", ev.Type, "waited", b.timeout)
		return false
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan domain.Event {
	return b.events
}

// Len returns the number of buffered events.
func (b *Bus) Len() int {
	return len(b.events)
}

// Close stops accepting events and closes the channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
}
