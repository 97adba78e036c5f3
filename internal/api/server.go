// Package api serves the operations endpoints of the outreach daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"outreach/internal/domain"
	"outreach/internal/history"
	"outreach/internal/metrics"
	"outreach/internal/outreach"
)

const (
	maxBodySize     = 20 << 20 // media is sent inline as base64
	shutdownTimeout = 5 * time.Second
)

// Coordinator is the part of outreach.Coordinator the API drives.
type Coordinator interface {
	Execute(ctx context.Context, req domain.OutreachRequest) domain.OutreachResult
	Result(requestID string) (domain.OutreachResult, bool)
	Stats() outreach.Stats
	RequestDrain() bool
}

// QueueView lists and clears queued entries.
type QueueView interface {
	Snapshot() []domain.QueuedMessage
	Size() int
	Clear(ctx context.Context) error
}

// ConnectionView reports the transport connection state.
type ConnectionView interface {
	Connected() bool
	LastCheck() time.Time
}

type Config struct {
	Addr        string
	Coordinator Coordinator
	Queue       QueueView
	History     history.Store
	Connection  ConnectionView
	Activity    ActivitySource
	Metrics     *metrics.Metrics
	Version     string
	Logger      *slog.Logger
}

// Server is the ops HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
	feed   *feed

	closeOnce  sync.Once
	listenerID string
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, feed: newFeed(cfg.Logger)}
	if cfg.Activity != nil {
		s.listenerID = cfg.Activity.OnInteraction(s.feed.publish)
	}
	s.router = s.routes()
	return s
}

// Close detaches the activity feed and disconnects its clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.cfg.Activity != nil {
			s.cfg.Activity.RemoveInteractionListener(s.listenerID)
		}
		s.feed.close()
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	r.Get("/stats", s.handleStats)
	r.Get("/queue", s.handleQueue)
	r.Delete("/queue", s.handleClear)
	r.Post("/queue/drain", s.handleDrain)
	r.Post("/outreach", s.handleExecute)
	r.Get("/outreach/{id}", s.handleResult)
	r.Get("/history/{lead}", s.handleHistory)
	r.Get("/ws", s.feed.handle)
	return r
}

// Start serves on cfg.Addr until ctx is cancelled, then closes the server.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("ops api started", "addr", s.cfg.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"time":    time.Now().Format(time.RFC3339),
	}
	code := http.StatusOK
	if c := s.cfg.Connection; c != nil {
		body["connected"] = c.Connected()
		if last := c.LastCheck(); !last.IsZero() {
			body["last_check"] = last.Format(time.RFC3339)
		}
		if !c.Connected() {
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.cfg.Queue != nil {
		body["queued"] = s.cfg.Queue.Size()
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Coordinator.Stats())
}

// queueEntry is a queued message without the media payload.
type queueEntry struct {
	ID          string             `json:"id"`
	RequestID   string             `json:"request_id"`
	LeadID      string             `json:"lead_id"`
	Type        domain.MessageType `json:"type"`
	Priority    int                `json:"priority"`
	RetryCount  int                `json:"retry_count"`
	MaxRetries  int                `json:"max_retries"`
	ErrorKind   domain.ErrorKind   `json:"error_kind"`
	Error       string             `json:"error"`
	EnqueuedAt  time.Time          `json:"enqueued_at"`
	NextRetryAt *time.Time         `json:"next_retry_at,omitempty"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Queue.Snapshot()
	out := make([]queueEntry, 0, len(snap))
	for _, m := range snap {
		out = append(out, queueEntry{
			ID:          m.ID,
			RequestID:   m.Request.ID,
			LeadID:      m.Request.LeadID,
			Type:        m.Request.Type,
			Priority:    m.Priority,
			RetryCount:  m.RetryCount,
			MaxRetries:  m.MaxRetries,
			ErrorKind:   m.Error.Kind,
			Error:       m.Error.Message,
			EnqueuedAt:  m.EnqueuedAt,
			NextRetryAt: m.Error.NextRetryAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"size": len(out), "entries": out})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n := s.cfg.Queue.Size()
	if err := s.cfg.Queue.Clear(r.Context()); err != nil {
		s.logger.Error("queue clear failed", "err", err)
		writeError(w, http.StatusInternalServerError, "queue clear failed")
		return
	}
	s.logger.Info("queue cleared over ops api", "removed", n)
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Coordinator.RequestDrain() {
		writeError(w, http.StatusServiceUnavailable, "drain request dropped")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "drain requested"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req domain.OutreachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	valid, err := domain.NewOutreachRequest(req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	res := s.cfg.Coordinator.Execute(r.Context(), valid)
	code := http.StatusOK
	if res.Status == domain.StatusQueued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, ok := s.cfg.Coordinator.Result(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown request")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := s.cfg.History.ByLead(r.Context(), chi.URLParam(r, "lead"), limit)
	if err != nil {
		s.logger.Error("history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
