package outreach

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"outreach/internal/bus"
	"outreach/internal/domain"
	"outreach/internal/history"
	"outreach/internal/monitor"
	"outreach/internal/queue"
	"outreach/internal/recovery"
	"outreach/internal/storage"
	"outreach/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeTransport fails Send with the scripted errors in order and succeeds
// afterwards.
type fakeTransport struct {
	mu     sync.Mutex
	errs   []error
	always error
	block  bool
	panics bool
	online bool
	report domain.StatusReport
	sends  []domain.OutboundMessage
	nextID int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) CheckConnection(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online, nil
}

func (f *fakeTransport) Send(_ context.Context, msg domain.OutboundMessage) domain.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, msg)
	if f.panics {
		panic("boom")
	}
	if f.block {
		return domain.SendResult{Blocked: true}
	}
	if f.always != nil {
		return domain.SendResult{Err: f.always}
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return domain.SendResult{Err: err}
	}
	f.nextID++
	return domain.SendResult{MessageID: "msg-" + strconv.Itoa(f.nextID)}
}

func (f *fakeTransport) GetStatus(context.Context, string) domain.StatusReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTransport) SendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type sinkCall struct {
	lead   string
	status domain.OutreachStatus
}

type recordingSink struct {
	mu    sync.Mutex
	err   error
	calls []sinkCall
}

func (s *recordingSink) UpdateStatus(_ context.Context, leadID string, status domain.OutreachStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{leadID, status})
	return s.err
}

func (s *recordingSink) Statuses() []domain.OutreachStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutreachStatus
	for _, c := range s.calls {
		out = append(out, c.status)
	}
	return out
}

type harness struct {
	c       *Coordinator
	tr      *fakeTransport
	queue   *queue.Queue
	history *history.SQLiteStore
	tracker *tracker.Tracker
	monitor *monitor.Monitor
	sink    *recordingSink
}

func newHarness(t *testing.T, tr *fakeTransport, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	db, err := storage.Open(filepath.Join(t.TempDir(), "outreach.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := queue.New(ctx, queue.Config{Store: queue.NewSQLiteStore(db), Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		tr:      tr,
		queue:   q,
		history: history.NewSQLiteStore(db),
		tracker: tracker.New(tracker.Config{Transport: tr, Logger: logger}),
		monitor: monitor.New(monitor.Config{Transport: tr, Logger: logger}),
		sink:    &recordingSink{},
	}
	h.c, err = New(Deps{
		Transport: tr,
		Queue:     q,
		History:   h.history,
		Tracker:   h.tracker,
		Monitor:   h.monitor,
		Sink:      h.sink,
		Bus:       bus.New(16, logger),
		Policy:    &recovery.Policy{Rules: recovery.DefaultRules(), Rand: func() float64 { return 0.5 }},
		Logger:    logger,
	}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.c.Close)
	return h
}

// run starts the event loop and returns a func that stops it and waits.
func (h *harness) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.c.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (h *harness) timeline(t *testing.T, lead string) map[domain.InteractionType]int {
	t.Helper()
	recs, err := h.history.ByLead(context.Background(), lead, 100)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[domain.InteractionType]int)
	for _, r := range recs {
		out[r.Type]++
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func request(lead string) domain.OutreachRequest {
	return domain.OutreachRequest{
		LeadID:      lead,
		LeadName:    "Jane Roe",
		Company:     "Acme",
		Destination: "5551234567",
		Content:     "Hi Jane, quick question about Acme's hiring plans.",
	}
}

// --- Execute ---

func TestExecute_Sent(t *testing.T) {
	h := newHarness(t, &fakeTransport{online: true}, Config{})
	req := request("lead-1")
	req.Content = strings.Repeat("x", 300)

	res := h.c.Execute(context.Background(), req)
	if res.Status != domain.StatusSent {
		t.Fatalf("expected sent, got %s (%s)", res.Status, res.ErrorMessage)
	}
	if res.MessageID == "" || res.RequestID == "" {
		t.Fatalf("expected message and request ids, got %+v", res)
	}
	if !res.CRMUpdated {
		t.Error("expected CRM update")
	}
	if _, ok := h.tracker.Get(res.MessageID); !ok {
		t.Error("expected message to be tracked")
	}

	recs, err := h.history.ByLead(context.Background(), "lead-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Type != domain.InteractionSent {
		t.Fatalf("expected one sent record, got %+v", recs)
	}
	rec := recs[0]
	if rec.StatusBefore != domain.StatusQueued || rec.StatusAfter != domain.StatusSent {
		t.Errorf("unexpected transition %s -> %s", rec.StatusBefore, rec.StatusAfter)
	}
	if got := rec.Details["content"].(string); len(got) != 200 {
		t.Errorf("expected content truncated to 200, got %d", len(got))
	}
	if rec.LeadName != "Jane Roe" || rec.MessageID != res.MessageID {
		t.Errorf("unexpected record %+v", rec)
	}

	stored, ok := h.c.Result(res.RequestID)
	if !ok || stored.Status != domain.StatusSent {
		t.Errorf("expected stored result sent, got %+v", stored)
	}
}

func TestExecute_InvalidRequest(t *testing.T) {
	tr := &fakeTransport{online: true}
	h := newHarness(t, tr, Config{})
	req := request("lead-1")
	req.Destination = ""

	res := h.c.Execute(context.Background(), req)
	if res.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if !strings.Contains(res.ErrorMessage, "destination") {
		t.Errorf("expected destination in error, got %q", res.ErrorMessage)
	}
	if tr.SendCount() != 0 {
		t.Error("invalid request must not reach the transport")
	}
	if res.ErrorKind != domain.ErrorInvalidRequest || res.ErrorID == "" {
		t.Errorf("expected invalid_request with an error id, got %s %q", res.ErrorKind, res.ErrorID)
	}
	if h.queue.Size() != 0 {
		t.Error("rejected request must not be queued")
	}

	errs := h.c.Errors()
	if len(errs) != 1 || errs[0].ID != res.ErrorID || !errs[0].Resolved {
		t.Fatalf("expected one resolved error record, got %+v", errs)
	}
	if got := h.timeline(t, "lead-1")[domain.InteractionError]; got != 1 {
		t.Errorf("expected one error interaction, got %d", got)
	}
	if len(h.sink.Statuses()) != 0 {
		t.Error("rejected request must not touch the CRM")
	}
	if stored, ok := h.c.Result(res.RequestID); !ok || stored.Status != domain.StatusFailed {
		t.Errorf("expected stored failed result, got %+v", stored)
	}
}

func TestExecute_InvalidRequestKindIsFixed(t *testing.T) {
	h := newHarness(t, &fakeTransport{online: true}, Config{})
	req := request(strings.Repeat("x", 300))

	res := h.c.Execute(context.Background(), req)
	if res.ErrorKind != domain.ErrorInvalidRequest {
		t.Errorf("expected %s for an over-long lead id, got %s", domain.ErrorInvalidRequest, res.ErrorKind)
	}
	if recovery.DefaultPolicy().ShouldRetry(res.ErrorKind, 0) {
		t.Error("invalid requests must not be retryable")
	}
}

func TestExecute_ConnectionRefusedDrainsOnReconnect(t *testing.T) {
	tr := &fakeTransport{errs: []error{errors.New("dial tcp 127.0.0.1:3000: connection refused")}}
	h := newHarness(t, tr, Config{})
	stop := h.run(t)
	defer stop()

	before := time.Now()
	res := h.c.Execute(context.Background(), request("lead-e2e"))
	if res.Status != domain.StatusQueued {
		t.Fatalf("expected queued, got %s", res.Status)
	}
	if res.ErrorKind != domain.ErrorDisconnected {
		t.Fatalf("expected %s, got %s", domain.ErrorDisconnected, res.ErrorKind)
	}

	snap := h.queue.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 queued entry, got %d", len(snap))
	}
	if snap[0].Priority != 1 {
		t.Errorf("expected priority 1, got %d", snap[0].Priority)
	}
	if snap[0].Error.NextRetryAt == nil || !snap[0].Error.NextRetryAt.After(before) {
		t.Errorf("expected a future retry time, got %v", snap[0].Error.NextRetryAt)
	}

	// Baseline offline, then the bridge comes back.
	h.monitor.CheckOnce(context.Background())
	tr.set(func(f *fakeTransport) { f.online = true })
	h.monitor.CheckOnce(context.Background())

	waitFor(t, "retried send", func() bool {
		r, ok := h.c.Result(res.RequestID)
		return ok && r.Status == domain.StatusSent
	})
	if n := h.queue.Size(); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}

	got := h.timeline(t, "lead-e2e")
	if got[domain.InteractionSent] != 1 || got[domain.InteractionError] != 1 {
		t.Errorf("expected one sent and one error record, got %v", got)
	}

	stats := h.c.Stats()
	if stats.TotalErrors != 1 || stats.ResolvedErrors != 1 || stats.PendingErrors != 0 {
		t.Errorf("unexpected error stats %+v", stats)
	}
	if stats.Sent != 1 {
		t.Errorf("expected 1 sent, got %d", stats.Sent)
	}
}

func TestExecute_InvalidPhoneNotRetried(t *testing.T) {
	tr := &fakeTransport{online: true, errs: []error{errors.New("invalid phone number: 12")}}
	h := newHarness(t, tr, Config{})

	res := h.c.Execute(context.Background(), request("lead-bad"))
	if res.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.ErrorKind != domain.ErrorInvalidAddress {
		t.Errorf("expected %s, got %s", domain.ErrorInvalidAddress, res.ErrorKind)
	}
	if res.ErrorMessage == "" || res.ErrorID == "" {
		t.Errorf("expected error details, got %+v", res)
	}
	if n := h.queue.Size(); n != 0 {
		t.Fatalf("expected no queue entries, got %d", n)
	}

	errs := h.c.Errors()
	if len(errs) != 1 || !errs[0].Resolved || errs[0].Resolution != "not retryable" {
		t.Errorf("expected resolved record, got %+v", errs)
	}
	if got := h.sink.Statuses(); len(got) != 1 || got[0] != domain.StatusFailed {
		t.Errorf("expected CRM failed update, got %v", got)
	}
}

func TestExecute_BlockedIsTerminal(t *testing.T) {
	tr := &fakeTransport{online: true, block: true}
	h := newHarness(t, tr, Config{})

	res := h.c.Execute(context.Background(), request("lead-2"))
	if res.Status != domain.StatusBlocked {
		t.Fatalf("expected blocked, got %s", res.Status)
	}
	if h.queue.Size() != 0 {
		t.Error("blocked request must not be queued")
	}
	got := h.timeline(t, "lead-2")
	if got[domain.InteractionStatusUpdate] != 1 {
		t.Errorf("expected one status update, got %v", got)
	}
	if s := h.sink.Statuses(); len(s) != 1 || s[0] != domain.StatusBlocked {
		t.Errorf("expected CRM blocked update, got %v", s)
	}
}

func TestOnInteraction_ReceivesStoredRecords(t *testing.T) {
	h := newHarness(t, &fakeTransport{online: true}, Config{})
	var got []domain.InteractionRecord
	id := h.c.OnInteraction(func(rec domain.InteractionRecord) { got = append(got, rec) })

	h.c.Execute(context.Background(), request("lead-9"))
	if len(got) != 1 || got[0].Type != domain.InteractionSent {
		t.Fatalf("expected one sent interaction, got %+v", got)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("expected stored id and timestamp, got %+v", got[0])
	}

	h.c.RemoveInteractionListener(id)
	h.c.Execute(context.Background(), request("lead-9"))
	if len(got) != 1 {
		t.Errorf("removed listener still called, %d records", len(got))
	}
}

func TestExecute_RateLimitedQueuedAtPriorityTwo(t *testing.T) {
	tr := &fakeTransport{errs: []error{errors.New("429 Too Many Requests")}}
	h := newHarness(t, tr, Config{})

	res := h.c.Execute(context.Background(), request("lead-3"))
	if res.Status != domain.StatusQueued || res.ErrorKind != domain.ErrorRateLimited {
		t.Fatalf("expected queued rate_limited, got %s %s", res.Status, res.ErrorKind)
	}
	snap := h.queue.Snapshot()
	if len(snap) != 1 || snap[0].Priority != 2 {
		t.Fatalf("expected one entry at priority 2, got %+v", snap)
	}
}

func TestExecute_TransportPanicIsContained(t *testing.T) {
	tr := &fakeTransport{online: true, panics: true}
	h := newHarness(t, tr, Config{})

	res := h.c.Execute(context.Background(), request("lead-4"))
	if res.Status != domain.StatusQueued {
		t.Fatalf("expected queued, got %s", res.Status)
	}
	if res.ErrorKind != domain.ErrorUnknown {
		t.Errorf("expected unknown kind, got %s", res.ErrorKind)
	}
	if !strings.Contains(res.ErrorMessage, "boom") {
		t.Errorf("expected panic value in message, got %q", res.ErrorMessage)
	}
}

func TestExecute_SinkFailureIgnored(t *testing.T) {
	h := newHarness(t, &fakeTransport{online: true}, Config{})
	h.sink.err = errors.New("monday api 500")

	res := h.c.Execute(context.Background(), request("lead-5"))
	if res.Status != domain.StatusSent {
		t.Fatalf("expected sent, got %s", res.Status)
	}
	if res.CRMUpdated {
		t.Error("expected CRMUpdated=false")
	}
	if s := h.c.Stats(); s.CRMFailures != 1 || s.CRMUpdates != 0 {
		t.Errorf("unexpected CRM counters %+v", s)
	}
}

func TestExecuteBatch_Paced(t *testing.T) {
	tr := &fakeTransport{online: true}
	h := newHarness(t, tr, Config{SendInterval: 20 * time.Millisecond})

	start := time.Now()
	results := h.c.ExecuteBatch(context.Background(), []domain.OutreachRequest{
		request("a"), request("b"), request("c"),
	})
	elapsed := time.Since(start)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != domain.StatusSent {
			t.Errorf("expected sent, got %s", r.Status)
		}
	}
	if elapsed < 35*time.Millisecond {
		t.Errorf("expected pacing between sends, took %v", elapsed)
	}
}

func TestExecuteBatch_CancelledStops(t *testing.T) {
	h := newHarness(t, &fakeTransport{online: true}, Config{SendInterval: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results := h.c.ExecuteBatch(ctx, []domain.OutreachRequest{request("a"), request("b")})
	if len(results) != 1 {
		t.Fatalf("expected only the first request to run, got %d", len(results))
	}
}

// --- Drain ---

func TestDrain_RetriesUntilExhausted(t *testing.T) {
	tr := &fakeTransport{always: errors.New("request timed out")}
	h := newHarness(t, tr, Config{})
	ctx := context.Background()

	res := h.c.Execute(ctx, request("lead-6"))
	if res.Status != domain.StatusQueued {
		t.Fatalf("expected queued, got %s", res.Status)
	}

	max := recovery.DefaultRules()[domain.ErrorTimeout].MaxRetries
	for i := 1; i <= max; i++ {
		if n := h.c.Drain(ctx); n != 1 {
			t.Fatalf("drain %d: expected 1 attempt, got %d", i, n)
		}
		if i < max {
			snap := h.queue.Snapshot()
			if len(snap) != 1 || snap[0].RetryCount != i {
				t.Fatalf("drain %d: expected retry count %d, got %+v", i, i, snap)
			}
			if snap[0].Priority != 2 {
				t.Errorf("priority changed to %d", snap[0].Priority)
			}
		}
	}

	if n := h.queue.Size(); n != 0 {
		t.Fatalf("expected queue empty after exhausting retries, got %d", n)
	}
	final, _ := h.c.Result(res.RequestID)
	if final.Status != domain.StatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if tr.SendCount() != max+1 {
		t.Errorf("expected %d sends, got %d", max+1, tr.SendCount())
	}

	errs := h.c.Errors()
	last := errs[len(errs)-1]
	if last.Resolution != "max retries exceeded" {
		t.Errorf("expected max retries resolution, got %q", last.Resolution)
	}
	if s := h.c.Stats(); s.PendingErrors != 0 {
		t.Errorf("expected no pending errors, got %d", s.PendingErrors)
	}
}

func TestDrain_BatchLimit(t *testing.T) {
	tr := &fakeTransport{always: errors.New("connection lost")}
	h := newHarness(t, tr, Config{DrainBatchSize: 10})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		h.c.Execute(ctx, request("lead-batch"))
	}
	if h.queue.Size() != 15 {
		t.Fatalf("expected 15 queued, got %d", h.queue.Size())
	}

	tr.set(func(f *fakeTransport) { f.always = nil })
	if n := h.c.Drain(ctx); n != 10 {
		t.Fatalf("expected 10 attempts, got %d", n)
	}
	if n := h.queue.Size(); n != 5 {
		t.Errorf("expected 5 left, got %d", n)
	}
}

func TestDrain_StopsWhenConnectionLost(t *testing.T) {
	tr := &fakeTransport{always: errors.New("not connected")}
	h := newHarness(t, tr, Config{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.c.Execute(ctx, request("lead-lost")).RequestID)
	}
	if n := h.c.Drain(ctx); n != 1 {
		t.Fatalf("expected drain to stop after 1 attempt, got %d", n)
	}
	if n := tr.SendCount(); n != 4 {
		t.Errorf("expected 4 sends, got %d", n)
	}

	// The attempted entry moves to the back; the untouched ones keep their
	// relative age order.
	var order []string
	for _, m := range h.queue.Snapshot() {
		order = append(order, m.Request.ID)
	}
	want := []string{ids[1], ids[2], ids[0]}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("expected order %v, got %v", want, order)
	}
}

func TestDrainDue_SkipsBackedOffEntries(t *testing.T) {
	tr := &fakeTransport{errs: []error{errors.New("connection refused")}}
	h := newHarness(t, tr, Config{})
	ctx := context.Background()

	h.c.Execute(ctx, request("lead-7"))
	if n := h.c.DrainDue(ctx); n != 0 {
		t.Fatalf("expected nothing due yet, got %d", n)
	}
	if h.queue.Size() != 1 {
		t.Errorf("expected entry to stay queued")
	}
}

func TestDrain_ConcurrentWorkers(t *testing.T) {
	tr := &fakeTransport{always: errors.New("rate limit exceeded")}
	h := newHarness(t, tr, Config{DrainWorkers: 4, DrainBatchSize: 20})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		h.c.Execute(ctx, request("lead-par"))
	}
	tr.set(func(f *fakeTransport) { f.always = nil })

	if n := h.c.Drain(ctx); n != 12 {
		t.Fatalf("expected 12 attempts, got %d", n)
	}
	if h.queue.Size() != 0 {
		t.Errorf("expected empty queue, got %d", h.queue.Size())
	}
	if got := h.timeline(t, "lead-par")[domain.InteractionSent]; got != 12 {
		t.Errorf("expected 12 sent records, got %d", got)
	}
}

// --- Run ---

func TestRun_StatusChangeRecordedAndForwarded(t *testing.T) {
	tr := &fakeTransport{online: true}
	h := newHarness(t, tr, Config{})
	stop := h.run(t)
	defer stop()

	res := h.c.Execute(context.Background(), request("lead-8"))
	if res.Status != domain.StatusSent {
		t.Fatalf("expected sent, got %s", res.Status)
	}

	tr.set(func(f *fakeTransport) { f.report = domain.StatusReport{Delivered: true, Read: true} })
	if _, ok := h.tracker.CheckStatus(context.Background(), res.MessageID); !ok {
		t.Fatal("expected tracked message")
	}

	waitFor(t, "read record", func() bool {
		return h.timeline(t, "lead-8")[domain.InteractionRead] == 1
	})
	got := h.timeline(t, "lead-8")
	if got[domain.InteractionStatusUpdate] != 1 {
		t.Errorf("expected one status update, got %v", got)
	}
	waitFor(t, "CRM read update", func() bool {
		s := h.sink.Statuses()
		return len(s) == 2 && s[1] == domain.StatusRead
	})
	if s := h.c.Stats(); s.Read != 1 {
		t.Errorf("expected read counter 1, got %d", s.Read)
	}
}

func TestRun_DrainRequested(t *testing.T) {
	tr := &fakeTransport{errs: []error{errors.New("connection reset")}}
	h := newHarness(t, tr, Config{})
	stop := h.run(t)
	defer stop()

	res := h.c.Execute(context.Background(), request("lead-9"))
	if res.Status != domain.StatusQueued {
		t.Fatalf("expected queued, got %s", res.Status)
	}
	if !h.c.RequestDrain() {
		t.Fatal("drain request dropped")
	}
	waitFor(t, "drained", func() bool { return h.queue.Size() == 0 })
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreAnyFunction("database/sql.(*DB).connectionOpener"))

	h := newHarness(t, &fakeTransport{online: true}, Config{DrainInterval: 10 * time.Millisecond})
	stop := h.run(t)
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_RequiresTransportAndQueue(t *testing.T) {
	if _, err := New(Deps{}, Config{}); err == nil {
		t.Error("expected error without transport")
	}
	if _, err := New(Deps{Transport: &fakeTransport{}}, Config{}); err == nil {
		t.Error("expected error without queue")
	}
}
