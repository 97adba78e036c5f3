// Package outreach drives a request through send, failure recovery and
// delivery tracking.
package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"outreach/internal/bus"
	"outreach/internal/domain"
	"outreach/internal/history"
	"outreach/internal/metrics"
	"outreach/internal/monitor"
	"outreach/internal/queue"
	"outreach/internal/recovery"
	"outreach/internal/tracker"
)

const (
	defaultDrainBatchSize = 10
	defaultDrainWorkers   = 1
	defaultSendTimeout    = 30 * time.Second
	defaultSinkTimeout    = 10 * time.Second
	defaultRecordLimit    = 1000
	sentContentLimit      = 200
)

// Deps are the collaborators a Coordinator is built from. Transport and
// Queue are required.
type Deps struct {
	Transport domain.Transport
	Queue     *queue.Queue
	History   history.Store
	Tracker   *tracker.Tracker
	Monitor   *monitor.Monitor
	Sink      domain.StatusSink
	Bus       *bus.Bus
	Policy    *recovery.Policy
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Config tunes the coordinator.
type Config struct {
	// DrainBatchSize caps the entries retried per drain cycle.
	DrainBatchSize int
	// DrainWorkers is the number of concurrent sends during a drain.
	DrainWorkers int
	// DrainInterval retries entries whose backoff has elapsed. Zero disables
	// the periodic drain; reconnect drains still run.
	DrainInterval time.Duration
	// SendInterval is the minimum gap between consecutive sends of a batch
	// or a drain. Zero means no pacing.
	SendInterval time.Duration
	SendTimeout  time.Duration
	SinkTimeout  time.Duration
	// RecordLimit bounds the error records and results kept for Stats.
	RecordLimit int
}

// Coordinator owns the lifecycle of error records and queue entries.
type Coordinator struct {
	transport domain.Transport
	queue     *queue.Queue
	history   history.Store
	tracker   *tracker.Tracker
	monitor   *monitor.Monitor
	sink      domain.StatusSink
	bus       *bus.Bus
	policy    *recovery.Policy
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	cfg       Config
	limiter   *rate.Limiter

	mu      sync.Mutex
	errs    *recent[domain.ErrorRecord]
	results *recent[domain.OutreachResult]
	counts  map[domain.OutreachStatus]int
	crmOK   int
	crmFail int

	draining atomic.Bool
	drainWG  sync.WaitGroup

	activity    *bus.Listeners[domain.InteractionRecord]
	listenerIDs []func()
}

// New wires a Coordinator and registers it as a listener on the monitor
// and tracker.
func New(d Deps, cfg Config) (*Coordinator, error) {
	if d.Transport == nil {
		return nil, errors.New("outreach: transport is required")
	}
	if d.Queue == nil {
		return nil, errors.New("outreach: queue is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Policy == nil {
		d.Policy = recovery.DefaultPolicy()
	}
	if d.Bus == nil {
		d.Bus = bus.New(100, d.Logger)
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = defaultDrainBatchSize
	}
	if cfg.DrainWorkers <= 0 {
		cfg.DrainWorkers = defaultDrainWorkers
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.RecordLimit <= 0 {
		cfg.RecordLimit = defaultRecordLimit
	}

	limit := rate.Inf
	if cfg.SendInterval > 0 {
		limit = rate.Every(cfg.SendInterval)
	}

	c := &Coordinator{
		transport: d.Transport,
		queue:     d.Queue,
		history:   d.History,
		tracker:   d.Tracker,
		monitor:   d.Monitor,
		sink:      d.Sink,
		bus:       d.Bus,
		policy:    d.Policy,
		metrics:   d.Metrics,
		logger:    d.Logger,
		now:       d.Now,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		errs:      newRecent[domain.ErrorRecord](cfg.RecordLimit),
		results:   newRecent[domain.OutreachResult](cfg.RecordLimit),
		counts:    make(map[domain.OutreachStatus]int),
		activity:  bus.NewListeners[domain.InteractionRecord]("activity", d.Logger),
	}

	if d.Monitor != nil {
		id := d.Monitor.OnChange(func(connected bool) {
			c.bus.Publish(domain.Event{Type: domain.EventConnectionChanged, Connected: connected})
		})
		c.listenerIDs = append(c.listenerIDs, func() { d.Monitor.RemoveListener(id) })
	}
	if d.Tracker != nil {
		id := d.Tracker.OnChange(func(change domain.StatusChange) {
			c.bus.Publish(domain.Event{Type: domain.EventStatusChanged, Change: &change})
		})
		c.listenerIDs = append(c.listenerIDs, func() { d.Tracker.RemoveListener(id) })
	}
	return c, nil
}

// Close unregisters the coordinator's listeners.
func (c *Coordinator) Close() {
	for _, remove := range c.listenerIDs {
		remove()
	}
	c.listenerIDs = nil
}

// Execute runs one request through the send path. It never returns an
// error: every failure is reported in the result.
func (c *Coordinator) Execute(ctx context.Context, req domain.OutreachRequest) domain.OutreachResult {
	valid, err := domain.NewOutreachRequest(req)
	if err != nil {
		return c.rejected(ctx, req, err)
	}
	req = valid

	c.logger.Info("outreach accepted", "request", req.ID, "lead", req.LeadID, "type", req.Type)
	c.setResult(domain.OutreachResult{RequestID: req.ID, LeadID: req.LeadID, Status: domain.StatusQueued})
	return c.attempt(ctx, req, nil)
}

// rejected resolves a request that failed validation. Nothing is sent and
// the CRM is left alone.
func (c *Coordinator) rejected(ctx context.Context, req domain.OutreachRequest, err error) domain.OutreachResult {
	if req.ID == "" {
		req.ID = "outreach_" + uuid.NewString()
	}
	kind := domain.ErrorInvalidRequest
	c.metrics.Error(kind)
	now := c.now()
	rec := domain.ErrorRecord{
		ID:         uuid.NewString(),
		Kind:       kind,
		Message:    err.Error(),
		Timestamp:  now,
		RequestID:  req.ID,
		LeadID:     req.LeadID,
		Resolved:   true,
		Resolution: "rejected",
	}
	c.storeError(rec)
	c.appendHistory(ctx, domain.InteractionRecord{
		LeadID:   req.LeadID,
		LeadName: req.LeadName,
		Company:  req.Company,
		Type:     domain.InteractionError,
		Details: map[string]any{
			"request_id": req.ID,
			"error_id":   rec.ID,
			"kind":       string(kind),
			"error":      err.Error(),
			"resolution": rec.Resolution,
		},
		StatusAfter: domain.StatusFailed,
	})
	c.logger.Warn("rejected outreach request", "request", req.ID, "lead", req.LeadID, "err", err)

	result := domain.OutreachResult{
		RequestID:    req.ID,
		LeadID:       req.LeadID,
		Status:       domain.StatusFailed,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
		ErrorID:      rec.ID,
		CompletedAt:  now,
	}
	c.setResult(result)
	return result
}

// ExecuteBatch executes reqs one after another, paced by SendInterval.
// Requests not started before ctx is cancelled are omitted from the result.
func (c *Coordinator) ExecuteBatch(ctx context.Context, reqs []domain.OutreachRequest) []domain.OutreachResult {
	out := make([]domain.OutreachResult, 0, len(reqs))
	for i, req := range reqs {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Warn("batch interrupted", "done", i, "total", len(reqs), "err", err)
			break
		}
		out = append(out, c.Execute(ctx, req))
	}
	return out
}

// attempt sends req once. entry is the queue entry being retried, or nil
// for a first attempt.
func (c *Coordinator) attempt(ctx context.Context, req domain.OutreachRequest, entry *domain.QueuedMessage) domain.OutreachResult {
	c.setResult(domain.OutreachResult{RequestID: req.ID, LeadID: req.LeadID, Status: domain.StatusSending})

	// A send, once issued, runs to completion.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SendTimeout)
	start := c.now()
	res := c.send(sendCtx, domain.OutboundMessage{
		Destination: req.Destination,
		Type:        req.Type,
		Content:     req.Content,
		Media:       req.Media,
	})
	cancel()
	took := c.now().Sub(start)

	var result domain.OutreachResult
	switch {
	case res.Blocked:
		result = c.blocked(ctx, req, entry)
	case res.Err == nil && res.MessageID != "":
		result = c.sent(ctx, req, entry, res.MessageID)
	default:
		err := res.Err
		if err == nil {
			err = errors.New("transport returned no message id")
		}
		result = c.failed(ctx, req, entry, err)
	}
	c.metrics.Send(c.transport.Name(), result.Status, took)
	result.CompletedAt = c.now()
	c.setResult(result)
	return result
}

func (c *Coordinator) send(ctx context.Context, msg domain.OutboundMessage) (res domain.SendResult) {
	defer func() {
		if r := recover(); r != nil {
			res = domain.SendResult{Err: fmt.Errorf("transport panic: %v", r)}
		}
	}()
	return c.transport.Send(ctx, msg)
}

func (c *Coordinator) sent(ctx context.Context, req domain.OutreachRequest, entry *domain.QueuedMessage, messageID string) domain.OutreachResult {
	if c.tracker != nil {
		c.tracker.Track(messageID, req.LeadID)
	}
	details := map[string]any{
		"request_id": req.ID,
		"type":       string(req.Type),
		"content":    truncate(req.Content, sentContentLimit),
		"transport":  c.transport.Name(),
	}
	if entry != nil {
		details["retry"] = entry.RetryCount + 1
		c.resolve(entry.Error.ID, "delivered on retry")
	}
	c.appendHistory(ctx, domain.InteractionRecord{
		LeadID:       req.LeadID,
		LeadName:     req.LeadName,
		Company:      req.Company,
		Type:         domain.InteractionSent,
		Details:      details,
		MessageID:    messageID,
		StatusBefore: domain.StatusQueued,
		StatusAfter:  domain.StatusSent,
	})
	c.logger.Info("outreach sent", "request", req.ID, "lead", req.LeadID, "message_id", messageID)

	crm := c.updateSink(ctx, req.LeadID, domain.StatusSent, "Outreach sent via "+c.transport.Name())
	return domain.OutreachResult{
		RequestID:  req.ID,
		LeadID:     req.LeadID,
		Status:     domain.StatusSent,
		MessageID:  messageID,
		CRMUpdated: crm,
	}
}

func (c *Coordinator) blocked(ctx context.Context, req domain.OutreachRequest, entry *domain.QueuedMessage) domain.OutreachResult {
	if entry != nil {
		c.resolve(entry.Error.ID, "recipient blocked")
	}
	c.appendHistory(ctx, domain.InteractionRecord{
		LeadID:       req.LeadID,
		LeadName:     req.LeadName,
		Company:      req.Company,
		Type:         domain.InteractionStatusUpdate,
		Details:      map[string]any{"request_id": req.ID, "reason": "recipient blocked"},
		StatusBefore: domain.StatusSending,
		StatusAfter:  domain.StatusBlocked,
	})
	c.logger.Warn("recipient blocked", "request", req.ID, "lead", req.LeadID)

	crm := c.updateSink(ctx, req.LeadID, domain.StatusBlocked, "Recipient blocked outreach")
	return domain.OutreachResult{
		RequestID:  req.ID,
		LeadID:     req.LeadID,
		Status:     domain.StatusBlocked,
		CRMUpdated: crm,
	}
}

// failed classifies err and either queues the request for another attempt
// or resolves it as a terminal failure.
func (c *Coordinator) failed(ctx context.Context, req domain.OutreachRequest, entry *domain.QueuedMessage, err error) domain.OutreachResult {
	kind := recovery.Classify(err)
	c.metrics.Error(kind)

	retries := 0
	if entry != nil {
		retries = entry.RetryCount + 1
	}
	now := c.now()
	rec := domain.ErrorRecord{
		ID:         uuid.NewString(),
		Kind:       kind,
		Message:    err.Error(),
		Timestamp:  now,
		RequestID:  req.ID,
		LeadID:     req.LeadID,
		RetryCount: retries,
		MaxRetries: c.policy.MaxRetries(kind),
	}
	if entry != nil {
		c.resolve(entry.Error.ID, "retry failed: "+string(kind))
	}

	result := domain.OutreachResult{
		RequestID:    req.ID,
		LeadID:       req.LeadID,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
		ErrorID:      rec.ID,
	}

	if c.policy.ShouldRetry(kind, retries) {
		delay := c.policy.NextDelay(kind, retries)
		next := now.Add(delay)
		rec.NextRetryAt = &next
		c.storeError(rec)

		qctx := context.WithoutCancel(ctx)
		if entry == nil {
			c.queue.Enqueue(qctx, req, rec, priorityFor(kind))
		} else {
			msg := *entry
			msg.Error = rec
			msg.RetryCount = retries
			msg.MaxRetries = rec.MaxRetries
			c.queue.Requeue(qctx, msg)
		}
		c.metrics.RetryScheduled(kind, delay)
		c.appendHistory(ctx, domain.InteractionRecord{
			LeadID:   req.LeadID,
			LeadName: req.LeadName,
			Company:  req.Company,
			Type:     domain.InteractionError,
			Details: map[string]any{
				"request_id":  req.ID,
				"error_id":    rec.ID,
				"kind":        string(kind),
				"error":       err.Error(),
				"retry_count": retries,
				"next_retry":  next.Format(time.RFC3339),
			},
			StatusBefore: domain.StatusSending,
			StatusAfter:  domain.StatusQueued,
		})
		c.logger.Warn("send failed, queued for retry",
			"request", req.ID,
			"lead", req.LeadID,
			"kind", kind,
			"retries", retries,
			"delay", delay,
			"err", err,
		)
		if entry == nil {
			result.CRMUpdated = c.updateSink(ctx, req.LeadID, domain.StatusQueued, "Send failed, retry scheduled: "+string(kind))
		}
		result.Status = domain.StatusQueued
		return result
	}

	rec.Resolved = true
	rec.Resolution = "not retryable"
	if retries > 0 {
		rec.Resolution = "max retries exceeded"
	}
	c.storeError(rec)
	c.appendHistory(ctx, domain.InteractionRecord{
		LeadID:   req.LeadID,
		LeadName: req.LeadName,
		Company:  req.Company,
		Type:     domain.InteractionError,
		Details: map[string]any{
			"request_id": req.ID,
			"error_id":   rec.ID,
			"kind":       string(kind),
			"error":      err.Error(),
			"resolution": rec.Resolution,
		},
		StatusBefore: domain.StatusSending,
		StatusAfter:  domain.StatusFailed,
	})
	c.logger.Error("outreach failed",
		"request", req.ID,
		"lead", req.LeadID,
		"kind", kind,
		"resolution", rec.Resolution,
		"err", err,
	)
	result.Status = domain.StatusFailed
	result.CRMUpdated = c.updateSink(ctx, req.LeadID, domain.StatusFailed, "Outreach failed: "+err.Error())
	return result
}

// priorityFor puts lost-connection failures ahead of other retries.
func priorityFor(kind domain.ErrorKind) int {
	if kind == domain.ErrorDisconnected {
		return 1
	}
	return 2
}

// onStatusChange records a tracker transition and mirrors it to the CRM.
func (c *Coordinator) onStatusChange(ctx context.Context, change domain.StatusChange) {
	dc := change.Confirmation
	c.metrics.Transition(change)

	base := domain.InteractionRecord{
		LeadID:       dc.LeadID,
		MessageID:    dc.MessageID,
		StatusBefore: change.Previous,
		StatusAfter:  dc.Status,
		Details: map[string]any{
			"attempts": dc.Attempts,
			"sent_at":  dc.SentAt.Format(time.RFC3339),
		},
	}
	update := base
	update.Type = domain.InteractionStatusUpdate
	c.appendHistory(ctx, update)

	var specific domain.InteractionType
	switch dc.Status {
	case domain.StatusDelivered:
		specific = domain.InteractionDelivered
	case domain.StatusRead:
		specific = domain.InteractionRead
	case domain.StatusReplied:
		specific = domain.InteractionReplied
	}
	if specific != "" {
		rec := base
		rec.Type = specific
		c.appendHistory(ctx, rec)
	}

	c.mu.Lock()
	c.counts[dc.Status]++
	c.mu.Unlock()

	c.updateSink(ctx, dc.LeadID, dc.Status, fmt.Sprintf("Message %s %s", dc.MessageID, dc.Status))
}

// OnInteraction registers fn for every interaction the coordinator records.
// fn runs on the recording goroutine and must not block.
func (c *Coordinator) OnInteraction(fn func(domain.InteractionRecord)) string {
	return c.activity.Add(fn)
}

func (c *Coordinator) RemoveInteractionListener(id string) {
	c.activity.Remove(id)
}

func (c *Coordinator) appendHistory(ctx context.Context, rec domain.InteractionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now()
	}
	if c.history != nil {
		stored, err := c.history.Append(context.WithoutCancel(ctx), rec)
		if err != nil {
			c.logger.Warn("failed to record interaction", "lead", rec.LeadID, "type", rec.Type, "err", err)
		} else {
			rec = stored
		}
	}
	c.activity.Notify(rec)
}

// updateSink forwards status to the CRM. Failures are logged only.
func (c *Coordinator) updateSink(ctx context.Context, leadID string, status domain.OutreachStatus, note string) bool {
	if c.sink == nil {
		return false
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SinkTimeout)
	defer cancel()

	err := c.sink.UpdateStatus(sinkCtx, leadID, status, note)
	c.metrics.CRMUpdate(err)
	c.mu.Lock()
	if err != nil {
		c.crmFail++
	} else {
		c.crmOK++
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("crm update failed", "lead", leadID, "status", status, "err", err)
		return false
	}
	return true
}

func (c *Coordinator) storeError(rec domain.ErrorRecord) {
	c.mu.Lock()
	c.errs.put(rec.ID, rec)
	c.mu.Unlock()
}

func (c *Coordinator) resolve(errorID, resolution string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.errs.get(errorID)
	if !ok || rec.Resolved {
		return
	}
	rec.Resolved = true
	rec.Resolution = resolution
	c.errs.put(errorID, rec)
}

func (c *Coordinator) setResult(r domain.OutreachResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.results.get(r.RequestID); ok && r.LeadID == "" {
		r.LeadID = prev.LeadID
	}
	c.results.put(r.RequestID, r)
	switch r.Status {
	case domain.StatusSent, domain.StatusFailed, domain.StatusBlocked:
		c.counts[r.Status]++
	}
}

// Result returns the last known result of a request.
func (c *Coordinator) Result(requestID string) (domain.OutreachResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results.get(requestID)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
