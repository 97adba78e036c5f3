// Package queue holds outreach requests awaiting redelivery. Entries are
// kept in a priority heap and mirrored to durable storage so they survive a
// restart.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"outreach/internal/domain"
)

// Store is the durable copy of the queue.
type Store interface {
	Insert(ctx context.Context, msg domain.QueuedMessage) error
	Delete(ctx context.Context, id string) error
	// List returns every persisted entry ordered by priority, then enqueue time.
	List(ctx context.Context) ([]domain.QueuedMessage, error)
	Clear(ctx context.Context) error
}

// Config configures a Queue.
type Config struct {
	Store  Store
	Logger *slog.Logger
	// Now is the clock used for enqueue timestamps. Defaults to time.Now.
	Now func() time.Time
	// OnDepthChange is called with the new size after every mutation.
	OnDepthChange func(int)
}

// Queue is a concurrency-safe priority queue with best-effort persistence.
type Queue struct {
	mu     sync.Mutex
	items  entryHeap
	seq    uint64
	store  Store
	logger *slog.Logger
	now    func() time.Time
	depth  func(int)
}

// New builds a queue and restores its contents from the store.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	q := &Queue{
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    cfg.Now,
		depth:  cfg.OnDepthChange,
	}
	if err := q.Load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Load replaces the in-memory contents with the persisted entries.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	msgs, err := q.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	q.mu.Lock()
	q.items = q.items[:0]
	q.seq = 0
	for _, m := range msgs {
		q.seq++
		m.Seq = q.seq
		q.items = append(q.items, &entry{msg: m})
	}
	heap.Init(&q.items)
	n := len(q.items)
	q.mu.Unlock()

	q.logger.Info("queue restored", "entries", n)
	q.notify(n)
	return nil
}

// Enqueue adds req with the error that caused it to be deferred. The entry
// stays queued even when persisting it fails; that failure is only logged.
func (q *Queue) Enqueue(ctx context.Context, req domain.OutreachRequest, rec domain.ErrorRecord, priority int) bool {
	msg := domain.QueuedMessage{
		ID:         uuid.NewString(),
		Request:    req,
		Error:      rec,
		Priority:   priority,
		RetryCount: rec.RetryCount,
		MaxRetries: rec.MaxRetries,
	}
	q.push(ctx, msg, true)
	return true
}

// Requeue puts back an entry after a failed retry. The id and priority are
// kept; the retry count must not be lower than before. The entry is
// restamped and goes behind others of its priority.
func (q *Queue) Requeue(ctx context.Context, msg domain.QueuedMessage) bool {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	q.push(ctx, msg, true)
	return true
}

// Restore puts back a dequeued entry that was never attempted. It keeps
// its enqueue time and insertion order, so it is dequeued again exactly
// where it was taken from.
func (q *Queue) Restore(ctx context.Context, msg domain.QueuedMessage) bool {
	if msg.ID == "" || msg.EnqueuedAt.IsZero() || msg.Seq == 0 {
		return q.Requeue(ctx, msg)
	}
	q.push(ctx, msg, false)
	return true
}

func (q *Queue) push(ctx context.Context, msg domain.QueuedMessage, stamp bool) {
	q.mu.Lock()
	if stamp {
		msg.EnqueuedAt = q.now()
		q.seq++
		msg.Seq = q.seq
	}
	heap.Push(&q.items, &entry{msg: msg})
	n := len(q.items)
	// Persist under the lock so a concurrent Dequeue cannot delete the row
	// before it is written.
	var err error
	if q.store != nil {
		err = q.store.Insert(ctx, msg)
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("queue persistence failed, entry kept in memory only",
			"id", msg.ID,
			"lead", msg.Request.LeadID,
			"err", err,
		)
	}
	q.logger.Debug("message queued", "id", msg.ID, "lead", msg.Request.LeadID, "priority", msg.Priority)
	q.notify(n)
}

// Dequeue removes and returns the highest-priority, oldest entry.
func (q *Queue) Dequeue(ctx context.Context) (*domain.QueuedMessage, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	e := heap.Pop(&q.items).(*entry)
	n := len(q.items)
	q.deleteLocked(ctx, e.msg.ID)
	q.mu.Unlock()

	q.notify(n)
	msg := e.msg
	return &msg, true
}

// DequeueDue is Dequeue restricted to entries whose retry time has passed.
// Entries that are not yet due keep their place.
func (q *Queue) DequeueDue(ctx context.Context, now time.Time) (*domain.QueuedMessage, bool) {
	q.mu.Lock()
	var skipped []*entry
	var found *entry
	for len(q.items) > 0 {
		e := heap.Pop(&q.items).(*entry)
		if e.msg.Due(now) {
			found = e
			break
		}
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		heap.Push(&q.items, e)
	}
	if found != nil {
		q.deleteLocked(ctx, found.msg.ID)
	}
	n := len(q.items)
	q.mu.Unlock()

	if found == nil {
		return nil, false
	}
	q.notify(n)
	msg := found.msg
	return &msg, true
}

func (q *Queue) deleteLocked(ctx context.Context, id string) {
	if q.store == nil {
		return
	}
	if err := q.store.Delete(ctx, id); err != nil {
		q.logger.Warn("queue delete failed, entry may be restored on restart", "id", id, "err", err)
	}
}

// Size returns the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the entries in dequeue order.
func (q *Queue) Snapshot() []domain.QueuedMessage {
	q.mu.Lock()
	sorted := make(entryHeap, len(q.items))
	copy(sorted, q.items)
	q.mu.Unlock()

	out := make([]domain.QueuedMessage, 0, len(sorted))
	for len(sorted) > 0 {
		out = append(out, heap.Pop(&sorted).(*entry).msg)
	}
	return out
}

// Clear drops every entry from memory and storage.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.items = q.items[:0]
	var err error
	if q.store != nil {
		err = q.store.Clear(ctx)
	}
	q.mu.Unlock()

	q.notify(0)
	if err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	q.logger.Info("queue cleared")
	return nil
}

func (q *Queue) notify(n int) {
	if q.depth != nil {
		q.depth(n)
	}
}

type entry struct {
	msg domain.QueuedMessage
}

// entryHeap orders by priority, enqueue time, then insertion order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority < b.msg.Priority
	}
	if !a.msg.EnqueuedAt.Equal(b.msg.EnqueuedAt) {
		return a.msg.EnqueuedAt.Before(b.msg.EnqueuedAt)
	}
	return a.msg.Seq < b.msg.Seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
