// Package history is the append-only ledger of every outreach interaction.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outreach/internal/domain"
)

// DefaultLeadLimit is the number of records ByLead returns when limit <= 0.
const DefaultLeadLimit = 50

// Store is the append-only interaction ledger.
type Store interface {
	Append(ctx context.Context, rec domain.InteractionRecord) (domain.InteractionRecord, error)
	ByLead(ctx context.Context, leadID string, limit int) ([]domain.InteractionRecord, error)
	Since(ctx context.Context, since time.Time) ([]domain.InteractionRecord, error)
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore stores interaction records in the interactions table.
// It exposes no update or delete operations.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps a database opened by storage.Open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Append writes rec, assigning an id and timestamp when they are empty.
func (s *SQLiteStore) Append(ctx context.Context, rec domain.InteractionRecord) (domain.InteractionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	details := ""
	if len(rec.Details) > 0 {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return rec, fmt.Errorf("marshal details: %w", err)
		}
		details = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions
			(id, lead_id, lead_name, company, type, ts, details, message_id, crm_item_id, status_before, status_after)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LeadID, rec.LeadName, rec.Company, string(rec.Type), rec.Timestamp.UnixNano(),
		details, rec.MessageID, rec.CRMItemID, string(rec.StatusBefore), string(rec.StatusAfter),
	)
	if err != nil {
		return rec, fmt.Errorf("append interaction: %w", err)
	}
	return rec, nil
}

// ByLead returns a lead's timeline, newest first.
func (s *SQLiteStore) ByLead(ctx context.Context, leadID string, limit int) ([]domain.InteractionRecord, error) {
	if limit <= 0 {
		limit = DefaultLeadLimit
	}
	return s.query(ctx,
		`SELECT id, lead_id, lead_name, company, type, ts, details, message_id, crm_item_id, status_before, status_after
		 FROM interactions WHERE lead_id = ? ORDER BY ts DESC, seq DESC LIMIT ?`,
		leadID, limit,
	)
}

// Since returns every record at or after since, newest first.
func (s *SQLiteStore) Since(ctx context.Context, since time.Time) ([]domain.InteractionRecord, error) {
	return s.query(ctx,
		`SELECT id, lead_id, lead_name, company, type, ts, details, message_id, crm_item_id, status_before, status_after
		 FROM interactions WHERE ts >= ? ORDER BY ts DESC, seq DESC`,
		since.UnixNano(),
	)
}

// Recent returns the records of the last window.
func (s *SQLiteStore) Recent(ctx context.Context, window time.Duration) ([]domain.InteractionRecord, error) {
	return s.Since(ctx, s.now().Add(-window))
}

// CountByType returns how many records of each type exist.
func (s *SQLiteStore) CountByType(ctx context.Context) (map[domain.InteractionType]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM interactions GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("count interactions: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.InteractionType]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan interaction count: %w", err)
		}
		out[domain.InteractionType(typ)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]domain.InteractionRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []domain.InteractionRecord
	for rows.Next() {
		var (
			rec                       domain.InteractionRecord
			typ, details, before, aft string
			ts                        int64
		)
		if err := rows.Scan(&rec.ID, &rec.LeadID, &rec.LeadName, &rec.Company, &typ, &ts,
			&details, &rec.MessageID, &rec.CRMItemID, &before, &aft); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		rec.Type = domain.InteractionType(typ)
		rec.Timestamp = time.Unix(0, ts)
		rec.StatusBefore = domain.OutreachStatus(before)
		rec.StatusAfter = domain.OutreachStatus(aft)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
				return nil, fmt.Errorf("decode details for %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
