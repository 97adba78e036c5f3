// Package tracker follows sent messages through delivered, read and replied
// by polling the transport.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"outreach/internal/bus"
	"outreach/internal/domain"
)

const (
	DefaultMaxAge      = 48 * time.Hour
	DefaultMaxAttempts = 100
)

// Config configures a Tracker.
type Config struct {
	Transport domain.Transport
	// MaxAge evicts entries sent longer ago than this. Defaults to 48h.
	MaxAge time.Duration
	// MaxAttempts evicts entries checked more often than this. Defaults to 100.
	MaxAttempts int
	// CheckTimeout bounds a single status poll. Defaults to 10s.
	CheckTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Tracker owns the active DeliveryConfirmation records.
type Tracker struct {
	transport   domain.Transport
	maxAge      time.Duration
	maxAttempts int
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
	listeners   *bus.Listeners[domain.StatusChange]

	mu      sync.Mutex
	entries map[string]*domain.DeliveryConfirmation

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		transport:   cfg.Transport,
		maxAge:      cfg.MaxAge,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.CheckTimeout,
		logger:      cfg.Logger,
		now:         cfg.Now,
		listeners:   bus.NewListeners[domain.StatusChange]("delivery", cfg.Logger),
		entries:     make(map[string]*domain.DeliveryConfirmation),
	}
}

// OnChange registers fn for every forward status transition.
func (t *Tracker) OnChange(fn func(domain.StatusChange)) string {
	return t.listeners.Add(fn)
}

// RemoveListener unregisters a callback added with OnChange.
func (t *Tracker) RemoveListener(id string) {
	t.listeners.Remove(id)
}

// Track starts following messageID with status sent.
func (t *Tracker) Track(messageID, leadID string) domain.DeliveryConfirmation {
	now := t.now()
	dc := &domain.DeliveryConfirmation{
		MessageID: messageID,
		LeadID:    leadID,
		SentAt:    now,
		Status:    domain.StatusSent,
		LastCheck: now,
	}
	t.mu.Lock()
	if existing, ok := t.entries[messageID]; ok {
		out := *existing
		t.mu.Unlock()
		return out
	}
	t.entries[messageID] = dc
	t.mu.Unlock()

	t.logger.Debug("tracking message", "message_id", messageID, "lead", leadID)
	return *dc
}

// Get returns a copy of the tracked record.
func (t *Tracker) Get(messageID string) (domain.DeliveryConfirmation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dc, ok := t.entries[messageID]
	if !ok {
		return domain.DeliveryConfirmation{}, false
	}
	return *dc, true
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CheckStatus polls the transport for messageID and folds the report into
// the record. A poll error leaves the receipt state untouched. It returns
// false when the message is not tracked.
func (t *Tracker) CheckStatus(ctx context.Context, messageID string) (*domain.DeliveryConfirmation, bool) {
	t.mu.Lock()
	_, ok := t.entries[messageID]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}

	pollCtx, cancel := context.WithTimeout(ctx, t.timeout)
	report := t.transport.GetStatus(pollCtx, messageID)
	cancel()

	now := t.now()
	t.mu.Lock()
	dc, ok := t.entries[messageID]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	dc.Attempts++
	dc.LastCheck = now
	if report.Err != nil {
		out := *dc
		t.mu.Unlock()
		t.logger.Debug("status poll failed", "message_id", messageID, "err", report.Err)
		return &out, true
	}

	prev := dc.Status
	if report.Delivered && dc.DeliveredAt == nil {
		dc.DeliveredAt = &now
		dc.Status = advance(dc.Status, domain.StatusDelivered)
	}
	if report.Read && dc.ReadAt == nil {
		dc.ReadAt = &now
		dc.Status = advance(dc.Status, domain.StatusRead)
	}
	if report.Replied && dc.RepliedAt == nil {
		dc.RepliedAt = &now
		dc.Status = advance(dc.Status, domain.StatusReplied)
	}
	out := *dc
	t.mu.Unlock()

	if out.Status != prev {
		t.logger.Info("delivery status changed",
			"message_id", messageID,
			"lead", out.LeadID,
			"from", prev,
			"to", out.Status,
		)
		t.listeners.Notify(domain.StatusChange{Confirmation: out, Previous: prev})
	}
	return &out, true
}

func advance(cur, next domain.OutreachStatus) domain.OutreachStatus {
	if next.Rank() > cur.Rank() {
		return next
	}
	return cur
}

// Sweep checks every tracked message once and evicts the ones that replied,
// aged out or ran out of attempts. It returns the evicted records.
func (t *Tracker) Sweep(ctx context.Context) []domain.DeliveryConfirmation {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return nil
		}
		t.CheckStatus(ctx, id)
	}

	now := t.now()
	var evicted []domain.DeliveryConfirmation
	t.mu.Lock()
	for id, dc := range t.entries {
		reason := t.evictReason(dc, now)
		if reason == "" {
			continue
		}
		delete(t.entries, id)
		evicted = append(evicted, *dc)
		t.logger.Debug("tracking ended", "message_id", id, "reason", reason, "status", dc.Status)
	}
	t.mu.Unlock()
	return evicted
}

func (t *Tracker) evictReason(dc *domain.DeliveryConfirmation, now time.Time) string {
	switch {
	case dc.Status == domain.StatusReplied:
		return "replied"
	case now.Sub(dc.SentAt) > t.maxAge:
		return "max age"
	case dc.Attempts > t.maxAttempts:
		return "max attempts"
	}
	return ""
}

// Start runs Sweep every interval until Stop is called or ctx ends.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if t.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(loopCtx, interval, t.done)
}

func (t *Tracker) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	t.logger.Info("delivery tracker started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("delivery tracker stopped")
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Stop ends the loop and waits for it. Safe to call repeatedly or without
// Start.
func (t *Tracker) Stop() {
	t.loopMu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
