package outreach

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"outreach/internal/domain"
)

// Run is the single consumer of the event bus. It returns when ctx is
// cancelled or the bus is closed, after any running drain has finished.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("coordinator started",
		"drain_batch", c.cfg.DrainBatchSize,
		"drain_workers", c.cfg.DrainWorkers,
		"drain_interval", c.cfg.DrainInterval,
	)
	defer c.drainWG.Wait()

	var tick <-chan time.Time
	if c.cfg.DrainInterval > 0 {
		ticker := time.NewTicker(c.cfg.DrainInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	events := c.bus.Events()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping")
			return
		case ev, ok := <-events:
			if !ok {
				c.logger.Info("event bus closed, coordinator stopping")
				return
			}
			c.handle(ctx, ev)
		case <-tick:
			if c.monitor == nil || c.monitor.Connected() {
				c.startDrain(ctx, true)
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventConnectionChanged:
		c.metrics.Connected(ev.Connected)
		if !ev.Connected {
			c.logger.Warn("transport disconnected", "queued", c.queue.Size())
			return
		}
		c.logger.Info("transport reconnected", "queued", c.queue.Size())
		c.startDrain(ctx, false)
	case domain.EventStatusChanged:
		if ev.Change != nil {
			c.onStatusChange(ctx, *ev.Change)
		}
	case domain.EventDrainRequested:
		c.startDrain(ctx, false)
	default:
		c.logger.Debug("ignoring event", "type", ev.Type)
	}
}

// RequestDrain asks the Run loop to drain the queue.
func (c *Coordinator) RequestDrain() bool {
	return c.bus.Publish(domain.Event{Type: domain.EventDrainRequested})
}

// startDrain runs a drain in the background unless one is in progress.
func (c *Coordinator) startDrain(ctx context.Context, dueOnly bool) {
	if c.queue.Size() == 0 {
		return
	}
	if !c.draining.CompareAndSwap(false, true) {
		c.logger.Debug("drain already running")
		return
	}
	c.drainWG.Add(1)
	go func() {
		defer c.drainWG.Done()
		defer c.draining.Store(false)
		c.drain(ctx, dueOnly)
	}()
}

// Drain retries up to DrainBatchSize queued entries regardless of their
// backoff and returns how many were attempted.
func (c *Coordinator) Drain(ctx context.Context) int {
	return c.drain(ctx, false)
}

// DrainDue is Drain restricted to entries whose retry time has passed.
func (c *Coordinator) DrainDue(ctx context.Context) int {
	return c.drain(ctx, true)
}

func (c *Coordinator) drain(ctx context.Context, dueOnly bool) int {
	c.metrics.Drain()

	var (
		lost      atomic.Bool
		attempted atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.DrainWorkers)

	// Entries requeued by a failed retry are left for the next cycle.
	seen := make(map[string]bool)
	for taken := 0; taken < c.cfg.DrainBatchSize && !lost.Load(); taken++ {
		var (
			msg *domain.QueuedMessage
			ok  bool
		)
		if dueOnly {
			msg, ok = c.queue.DequeueDue(gctx, c.now())
		} else {
			msg, ok = c.queue.Dequeue(gctx)
		}
		if !ok {
			break
		}
		if seen[msg.ID] {
			c.queue.Restore(context.WithoutCancel(ctx), *msg)
			break
		}
		seen[msg.ID] = true
		if err := c.limiter.Wait(gctx); err != nil {
			c.queue.Restore(context.WithoutCancel(ctx), *msg)
			break
		}

		entry := *msg
		g.Go(func() error {
			// The transport dropped while this entry waited for a worker.
			if lost.Load() {
				c.queue.Restore(context.WithoutCancel(ctx), entry)
				return nil
			}
			attempted.Add(1)
			res := c.attempt(gctx, entry.Request, &entry)
			if res.ErrorKind == domain.ErrorDisconnected {
				lost.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(attempted.Load())
	if n > 0 {
		c.logger.Info("queue drained",
			"attempted", n,
			"remaining", c.queue.Size(),
			"due_only", dueOnly,
			"stopped_on_disconnect", lost.Load(),
		)
	}
	return n
}
