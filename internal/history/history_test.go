package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"outreach/internal/domain"
	"outreach/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "history.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func TestAppend_AssignsIDAndTimestamp(t *testing.T) {
	s := testStore(t)
	rec, err := s.Append(context.Background(), domain.InteractionRecord{
		LeadID: "lead-1",
		Type:   domain.InteractionSent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.Timestamp.IsZero() {
		t.Errorf("expected id and timestamp, got %+v", rec)
	}
}

func TestByLead_NewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, domain.InteractionRecord{
			LeadID:    "lead-1",
			Type:      domain.InteractionStatusUpdate,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Details:   map[string]any{"step": i},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	s.Append(ctx, domain.InteractionRecord{LeadID: "lead-2", Type: domain.InteractionSent, Timestamp: base})

	recs, err := s.ByLead(ctx, "lead-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Timestamp.After(recs[i-1].Timestamp) {
			t.Errorf("records not newest first: %v after %v", recs[i].Timestamp, recs[i-1].Timestamp)
		}
	}
	if step, _ := recs[0].Details["step"].(float64); step != 4 {
		t.Errorf("expected newest record first, got details %v", recs[0].Details)
	}
}

func TestByLead_DefaultLimit(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	for i := 0; i < DefaultLeadLimit+5; i++ {
		s.Append(ctx, domain.InteractionRecord{LeadID: "lead-1", Type: domain.InteractionStatusUpdate})
	}
	recs, err := s.ByLead(ctx, "lead-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != DefaultLeadLimit {
		t.Errorf("expected %d records, got %d", DefaultLeadLimit, len(recs))
	}
}

func TestSince_TimeRange(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	now := time.Now()
	s.Append(ctx, domain.InteractionRecord{LeadID: "old", Type: domain.InteractionSent, Timestamp: now.Add(-48 * time.Hour)})
	s.Append(ctx, domain.InteractionRecord{LeadID: "new", Type: domain.InteractionSent, Timestamp: now.Add(-time.Hour)})

	recs, err := s.Recent(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].LeadID != "new" {
		t.Fatalf("expected only the recent record, got %+v", recs)
	}
}

func TestAppend_PreservesFields(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	in := domain.InteractionRecord{
		LeadID:       "lead-9",
		LeadName:     "Ada",
		Company:      "Analytical",
		Type:         domain.InteractionSent,
		MessageID:    "wamid-1",
		CRMItemID:    "item-7",
		StatusBefore: domain.StatusQueued,
		StatusAfter:  domain.StatusSent,
		Details:      map[string]any{"content": "hi"},
	}
	if _, err := s.Append(ctx, in); err != nil {
		t.Fatal(err)
	}
	recs, _ := s.ByLead(ctx, "lead-9", 1)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	got := recs[0]
	if got.LeadName != "Ada" || got.Company != "Analytical" || got.MessageID != "wamid-1" ||
		got.CRMItemID != "item-7" || got.StatusBefore != domain.StatusQueued || got.StatusAfter != domain.StatusSent {
		t.Errorf("fields not preserved: %+v", got)
	}
	if got.Details["content"] != "hi" {
		t.Errorf("details not preserved: %v", got.Details)
	}
}

func TestAppend_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Append(ctx, domain.InteractionRecord{
				LeadID: fmt.Sprintf("lead-%d", i%5),
				Type:   domain.InteractionStatusUpdate,
			}); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	counts, err := s.CountByType(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.InteractionStatusUpdate] != 50 {
		t.Errorf("expected 50 records, got %d", counts[domain.InteractionStatusUpdate])
	}
}
