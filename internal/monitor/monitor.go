// Package monitor polls transport reachability and reports edges.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"outreach/internal/bus"
	"outreach/internal/domain"
)

// Config configures a Monitor.
type Config struct {
	Transport domain.Transport
	// ProbeTimeout bounds a single reachability check. Defaults to 10s.
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Monitor tracks whether the transport is reachable. Callbacks registered
// with OnChange run only when the state flips.
type Monitor struct {
	transport domain.Transport
	timeout   time.Duration
	logger    *slog.Logger
	listeners *bus.Listeners[bool]

	mu        sync.RWMutex
	connected bool
	checked   bool
	lastCheck time.Time

	// probeMu serializes CheckOnce so edges are computed against the
	// previous probe in order.
	probeMu sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor. The initial state is disconnected.
func New(cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	return &Monitor{
		transport: cfg.Transport,
		timeout:   cfg.ProbeTimeout,
		logger:    cfg.Logger,
		listeners: bus.NewListeners[bool]("connection", cfg.Logger),
	}
}

// OnChange registers fn to receive the new state on every edge.
func (m *Monitor) OnChange(fn func(connected bool)) string {
	return m.listeners.Add(fn)
}

// RemoveListener unregisters a callback added with OnChange.
func (m *Monitor) RemoveListener(id string) {
	m.listeners.Remove(id)
}

// Connected returns the result of the last probe.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// LastCheck returns when the last probe finished.
func (m *Monitor) LastCheck() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

// CheckOnce probes the transport once. A probe error counts as disconnected.
// The first probe sets the baseline; later probes notify listeners when the
// result differs from the previous one.
func (m *Monitor) CheckOnce(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	ok, err := m.transport.CheckConnection(probeCtx)
	cancel()
	if err != nil {
		m.logger.Debug("connection probe failed", "transport", m.transport.Name(), "err", err)
		ok = false
	}

	m.mu.Lock()
	prev, first := m.connected, !m.checked
	m.connected = ok
	m.checked = true
	m.lastCheck = time.Now()
	m.mu.Unlock()

	if first {
		m.logger.Info("transport state", "transport", m.transport.Name(), "connected", ok)
		return ok
	}
	if ok != prev {
		if ok {
			m.logger.Info("transport connected", "transport", m.transport.Name())
		} else {
			m.logger.Warn("transport disconnected", "transport", m.transport.Name())
		}
		m.listeners.Notify(ok)
	}
	return ok
}

// Start runs CheckOnce every interval until Stop is called or ctx ends.
// Calling Start while running is a no-op.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx, interval, m.done)
}

func (m *Monitor) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	m.logger.Info("connection monitor started", "interval", interval)

	m.CheckOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connection monitor stopped")
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// Stop ends the loop and waits for it to exit. It is safe to call when the
// monitor was never started and to call more than once.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
