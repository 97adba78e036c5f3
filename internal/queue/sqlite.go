package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"outreach/internal/domain"
)

// SQLiteStore persists queue entries in the outreach_queue table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database opened by storage.Open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Insert(ctx context.Context, msg domain.QueuedMessage) error {
	req, err := json.Marshal(msg.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	rec, err := json.Marshal(msg.Error)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO outreach_queue
			(id, lead_id, priority, enqueued_at, retry_count, max_retries, request, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Request.LeadID, msg.Priority, msg.EnqueuedAt.UnixNano(),
		msg.RetryCount, msg.MaxRetries, string(req), string(rec),
	)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM outreach_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]domain.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, priority, enqueued_at, retry_count, max_retries, request, error
		 FROM outreach_queue ORDER BY priority ASC, enqueued_at ASC, seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var out []domain.QueuedMessage
	for rows.Next() {
		var (
			m        domain.QueuedMessage
			enqueued int64
			req, rec string
		)
		if err := rows.Scan(&m.ID, &m.Priority, &enqueued, &m.RetryCount, &m.MaxRetries, &req, &rec); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		if err := json.Unmarshal([]byte(req), &m.Request); err != nil {
			return nil, fmt.Errorf("decode request for %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(rec), &m.Error); err != nil {
			return nil, fmt.Errorf("decode error record for %s: %w", m.ID, err)
		}
		m.EnqueuedAt = time.Unix(0, enqueued)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM outreach_queue"); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}
