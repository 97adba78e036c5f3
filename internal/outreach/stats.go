package outreach

import (
	"time"

	"outreach/internal/domain"
)

// Stats is a point-in-time summary of the coordinator.
type Stats struct {
	TotalErrors    int                      `json:"total_errors"`
	ResolvedErrors int                      `json:"resolved_errors"`
	PendingErrors  int                      `json:"pending_errors"`
	ErrorsByKind   map[domain.ErrorKind]int `json:"errors_by_kind"`
	QueueSize      int                      `json:"queue_size"`
	Tracked        int                      `json:"tracked"`
	Connected      bool                     `json:"connected"`
	LastCheck      time.Time                `json:"last_check"`

	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Replied   int `json:"replied"`

	CRMUpdates  int `json:"crm_updates"`
	CRMFailures int `json:"crm_failures"`
}

// Stats summarises the retained error records and delivery counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		ErrorsByKind: make(map[domain.ErrorKind]int),
		Sent:         c.counts[domain.StatusSent],
		Failed:       c.counts[domain.StatusFailed],
		Blocked:      c.counts[domain.StatusBlocked],
		Delivered:    c.counts[domain.StatusDelivered],
		Read:         c.counts[domain.StatusRead],
		Replied:      c.counts[domain.StatusReplied],
		CRMUpdates:   c.crmOK,
		CRMFailures:  c.crmFail,
	}
	c.errs.each(func(rec domain.ErrorRecord) {
		s.TotalErrors++
		s.ErrorsByKind[rec.Kind]++
		if rec.Resolved {
			s.ResolvedErrors++
		} else {
			s.PendingErrors++
		}
	})
	c.mu.Unlock()

	s.QueueSize = c.queue.Size()
	if c.tracker != nil {
		s.Tracked = c.tracker.Len()
	}
	if c.monitor != nil {
		s.Connected = c.monitor.Connected()
		s.LastCheck = c.monitor.LastCheck()
	}
	return s
}

// Errors returns the retained error records, oldest first.
func (c *Coordinator) Errors() []domain.ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ErrorRecord, 0, c.errs.len())
	c.errs.each(func(rec domain.ErrorRecord) { out = append(out, rec) })
	return out
}

// recent is an insertion-ordered map that forgets its oldest keys past limit.
// It is not safe for concurrent use.
type recent[V any] struct {
	limit int
	order []string
	items map[string]V
}

func newRecent[V any](limit int) *recent[V] {
	return &recent[V]{limit: limit, items: make(map[string]V)}
}

func (r *recent[V]) put(key string, v V) {
	if _, ok := r.items[key]; !ok {
		r.order = append(r.order, key)
	}
	r.items[key] = v
	for len(r.order) > r.limit {
		delete(r.items, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *recent[V]) get(key string) (V, bool) {
	v, ok := r.items[key]
	return v, ok
}

func (r *recent[V]) len() int { return len(r.order) }

func (r *recent[V]) each(fn func(V)) {
	for _, k := range r.order {
		fn(r.items[k])
	}
}
