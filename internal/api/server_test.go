package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"outreach/internal/domain"
	"outreach/internal/history"
	"outreach/internal/metrics"
	"outreach/internal/outreach"
	"outreach/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type stubCoordinator struct {
	executed []domain.OutreachRequest
	status   domain.OutreachStatus
	results  map[string]domain.OutreachResult
	drains   int
	full     bool
}

func (s *stubCoordinator) Execute(ctx context.Context, req domain.OutreachRequest) domain.OutreachResult {
	s.executed = append(s.executed, req)
	return domain.OutreachResult{RequestID: req.ID, LeadID: req.LeadID, Status: s.status}
}

func (s *stubCoordinator) Result(id string) (domain.OutreachResult, bool) {
	r, ok := s.results[id]
	return r, ok
}

func (s *stubCoordinator) Stats() outreach.Stats {
	return outreach.Stats{QueueSize: 2, Sent: 7, Connected: true}
}

func (s *stubCoordinator) RequestDrain() bool {
	if s.full {
		return false
	}
	s.drains++
	return true
}

type stubQueue struct{ entries []domain.QueuedMessage }

func (q *stubQueue) Snapshot() []domain.QueuedMessage { return q.entries }
func (q *stubQueue) Size() int                        { return len(q.entries) }
func (q *stubQueue) Clear(context.Context) error {
	q.entries = nil
	return nil
}

type stubConn struct {
	up   bool
	last time.Time
}

func (c stubConn) Connected() bool      { return c.up }
func (c stubConn) LastCheck() time.Time { return c.last }

func newTestServer(t *testing.T, coord *stubCoordinator, conn ConnectionView) (*Server, *history.SQLiteStore) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "api.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	hist := history.NewSQLiteStore(db)

	next := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := &stubQueue{entries: []domain.QueuedMessage{{
		ID:       "q1",
		Priority: 1,
		Request: domain.OutreachRequest{
			ID:     "r1",
			LeadID: "lead-1",
			Type:   domain.MessageVoice,
			Media:  &domain.Media{Data: []byte("secret audio")},
		},
		Error: domain.ErrorRecord{Kind: domain.ErrorDisconnected, Message: "offline", NextRetryAt: &next},
	}}}

	return New(Config{
		Coordinator: coord,
		Queue:       q,
		History:     hist,
		Connection:  conn,
		Metrics:     metrics.New(),
		Version:     "test",
		Logger:      testLogger(),
	}), hist
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- Health ---

func TestHealth_Connected(t *testing.T) {
	s, _ := newTestServer(t, &stubCoordinator{}, stubConn{up: true, last: time.Now()})
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" || body["connected"] != true || body["version"] != "test" {
		t.Errorf("unexpected body: %v", body)
	}
	if body["queued"] != float64(1) {
		t.Errorf("expected queued=1, got %v", body["queued"])
	}
}

func TestHealth_DisconnectedIsDegraded(t *testing.T) {
	s, _ := newTestServer(t, &stubCoordinator{}, stubConn{up: false})
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("expected degraded status, got %s", rec.Body.String())
	}
}

// --- Stats / Metrics ---

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, &stubCoordinator{}, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st outreach.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Sent != 7 || st.QueueSize != 2 || !st.Connected {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &stubCoordinator{}, nil)
	s.cfg.Metrics.Error(domain.ErrorTimeout)
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `outreach_errors_total{kind="transport_timeout"} 1`) {
		t.Error("expected error counter in exposition")
	}
}

// --- Queue ---

func TestQueue_OmitsMedia(t *testing.T) {
	s, _ := newTestServer(t, &stubCoordinator{}, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"error_kind":"transport_disconnected"`) {
		t.Errorf("expected error kind, got %s", body)
	}
	if strings.Contains(body, "c2VjcmV0") {
		t.Error("media payload should not be listed")
	}
}

func TestQueueDrain(t *testing.T) {
	coord := &stubCoordinator{}
	s, _ := newTestServer(t, coord, nil)
	if rec := do(t, s.Handler(), http.MethodPost, "/queue/drain", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if coord.drains != 1 {
		t.Errorf("expected one drain request, got %d", coord.drains)
	}

	coord.full = true
	if rec := do(t, s.Handler(), http.MethodPost, "/queue/drain", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the request is dropped, got %d", rec.Code)
	}
}

func TestQueueClear(t *testing.T) {
	s, _ := newTestServer(t, &stubCoordinator{}, nil)
	rec := do(t, s.Handler(), http.MethodDelete, "/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"removed":1`) {
		t.Errorf("expected removed=1, got %s", rec.Body.String())
	}
	if n := s.cfg.Queue.Size(); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

// --- Outreach ---

func TestExecute_Sent(t *testing.T) {
	coord := &stubCoordinator{status: domain.StatusSent}
	s, _ := newTestServer(t, coord, nil)
	rec := do(t, s.Handler(), http.MethodPost, "/outreach",
		`{"lead_id":"lead-1","destination":"5551234567","content":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(coord.executed) != 1 {
		t.Fatalf("expected one execution, got %d", len(coord.executed))
	}
	req := coord.executed[0]
	if req.ID == "" || req.Type != domain.MessageText {
		t.Errorf("expected defaults to be filled, got %+v", req)
	}
}

func TestExecute_QueuedIsAccepted(t *testing.T) {
	s, _ := newTestServer(t, &stubCoordinator{status: domain.StatusQueued}, nil)
	rec := do(t, s.Handler(), http.MethodPost, "/outreach",
		`{"lead_id":"lead-1","destination":"5551234567","content":"hi"}`)
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
}

func TestExecute_Rejected(t *testing.T) {
	coord := &stubCoordinator{}
	s, _ := newTestServer(t, coord, nil)

	if rec := do(t, s.Handler(), http.MethodPost, "/outreach", `{bad`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", rec.Code)
	}
	rec := do(t, s.Handler(), http.MethodPost, "/outreach", `{"lead_id":"lead-1","content":"hi"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for missing destination, got %d", rec.Code)
	}
	if len(coord.executed) != 0 {
		t.Error("invalid requests should not reach the coordinator")
	}
}

func TestResult(t *testing.T) {
	coord := &stubCoordinator{results: map[string]domain.OutreachResult{
		"r1": {RequestID: "r1", Status: domain.StatusSent, MessageID: "m1"},
	}}
	s, _ := newTestServer(t, coord, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/outreach/r1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"message_id":"m1"`) {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, s.Handler(), http.MethodGet, "/outreach/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// --- History ---

func TestHistory(t *testing.T) {
	s, hist := newTestServer(t, &stubCoordinator{}, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		hist.Append(ctx, domain.InteractionRecord{LeadID: "lead-1", Type: domain.InteractionStatusUpdate})
	}
	hist.Append(ctx, domain.InteractionRecord{LeadID: "lead-2", Type: domain.InteractionSent})

	rec := do(t, s.Handler(), http.MethodGet, "/history/lead-1?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var recs []domain.InteractionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("expected 2 records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.LeadID != "lead-1" {
			t.Errorf("unexpected lead %q", r.LeadID)
		}
	}

	if rec := do(t, s.Handler(), http.MethodGet, "/history/lead-1?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

// --- Lifecycle ---

func TestStart_StopsOnCancel(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Coordinator: &stubCoordinator{}, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

// --- Activity feed ---

type stubActivity struct {
	mu  sync.Mutex
	fns map[string]func(domain.InteractionRecord)
}

func (a *stubActivity) OnInteraction(fn func(domain.InteractionRecord)) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fns == nil {
		a.fns = make(map[string]func(domain.InteractionRecord))
	}
	id := "l" + strconv.Itoa(len(a.fns))
	a.fns[id] = fn
	return id
}

func (a *stubActivity) RemoveInteractionListener(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.fns, id)
}

func (a *stubActivity) emit(rec domain.InteractionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, fn := range a.fns {
		fn(rec)
	}
}

func dialFeed(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var hello FeedMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		t.Fatalf("expected hello frame, got %+v %v", hello, err)
	}
	return conn
}

func TestFeed_StreamsInteractionsForLead(t *testing.T) {
	act := &stubActivity{}
	s := New(Config{Coordinator: &stubCoordinator{}, Activity: act, Logger: testLogger()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	conn := dialFeed(t, srv, "?lead=lead-1")
	deadline := time.Now().Add(2 * time.Second)
	for s.feed.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	act.emit(domain.InteractionRecord{LeadID: "lead-2", Type: domain.InteractionSent})
	act.emit(domain.InteractionRecord{LeadID: "lead-1", Type: domain.InteractionDelivered})

	var msg FeedMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "interaction" || msg.Interaction == nil {
		t.Fatalf("unexpected frame %+v", msg)
	}
	if msg.Interaction.LeadID != "lead-1" || msg.Interaction.Type != domain.InteractionDelivered {
		t.Errorf("expected only lead-1's record, got %+v", msg.Interaction)
	}
}

func TestFeed_CloseDisconnectsClients(t *testing.T) {
	act := &stubActivity{}
	s := New(Config{Coordinator: &stubCoordinator{}, Activity: act, Logger: testLogger()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialFeed(t, srv, "")
	s.Close()

	if len(act.fns) != 0 {
		t.Error("listener should be removed on close")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
}
