// Package api serves the dashboard backend: ticket REST routes, the
// realtime WebSocket and webhook triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/babysitter/internal/logbuf"
	"github.com/h1v3-io/babysitter/internal/marker"
	"github.com/h1v3-io/babysitter/internal/poller"
	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/internal/source"
	"github.com/h1v3-io/babysitter/internal/store"
	"github.com/h1v3-io/babysitter/internal/ticket"
	"github.com/h1v3-io/babysitter/internal/worker"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// Poller runs one resume pass on demand.
type Poller interface {
	Pass(ctx context.Context) (*poller.Report, error)
}

// Jobs queues agent runs and reports their progress.
type Jobs interface {
	Trigger(reason string) (worker.Job, error)
	Job(id string) (worker.Job, bool)
}

// Sources fetches linked pages for new ticket descriptions.
type Sources interface {
	Fetch(ctx context.Context, rawURL string) (*source.Document, error)
}

// Deps are the components the routes operate on. Tickets and Markers are
// required; the rest may be nil, which disables the routes that need them.
type Deps struct {
	Tickets *ticket.Repository
	Markers *marker.Dir
	Deliver realtime.DeliverFunc
	Poller  Poller
	Jobs    Jobs
	Bus     realtime.Broadcaster
	Hub     http.Handler
	Webhook http.Handler
	Logs    LogQuerier
	Sources Sources
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the babysitter REST API server.
type Server struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	srv    *http.Server

	// base outlives individual requests; passes started over HTTP run on it
	// so a dropped client cannot interrupt an agent mid-run.
	base context.Context
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = realtime.Nop{}
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		base:   context.Background(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("POST /api/tickets", s.requireAuth(s.handleCreateTicket))
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("GET /api/tickets/{id}/conversation", s.requireAuth(s.handleGetConversation))
	mux.HandleFunc("POST /api/tickets/{id}/status", s.requireAuth(s.handleSetStatus))
	mux.HandleFunc("POST /api/tickets/{id}/answer", s.requireAuth(s.handleAnswer))
	mux.HandleFunc("POST /api/poll", s.requireAuth(s.handlePoll))
	mux.HandleFunc("GET /api/jobs/{id}", s.requireAuth(s.handleGetJob))
	mux.HandleFunc("GET /api/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	mux.HandleFunc("POST "+realtime.EventsPath, s.requireAuth(s.handlePostEvent))
	if deps.Hub != nil {
		mux.Handle("GET /ws", deps.Hub)
	}
	if deps.Webhook != nil {
		mux.Handle("POST /webhook/{name}", deps.Webhook)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	status := protocol.TicketStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	tickets, err := s.deps.Tickets.List(r.Context(), status)
	if err != nil {
		s.storeError(w, err)
		return
	}
	for i := range tickets {
		_, tickets[i].Active = s.deps.Markers.FindByPage(tickets[i].PageID)
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n < len(tickets) {
			tickets = tickets[:n]
		}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) ticketContext(w http.ResponseWriter, r *http.Request) (*protocol.TicketContext, bool) {
	tc, err := s.deps.Tickets.Context(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return nil, false
	}
	if tc == nil {
		writeError(w, http.StatusNotFound, "ticket not found")
		return nil, false
	}
	_, tc.Active = s.deps.Markers.FindByPage(tc.PageID)
	if tc.Conversation == nil {
		tc.Conversation = []protocol.Message{}
	}
	return tc, true
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	if tc, ok := s.ticketContext(w, r); ok {
		writeJSON(w, http.StatusOK, tc)
	}
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if tc, ok := s.ticketContext(w, r); ok {
		writeJSON(w, http.StatusOK, tc.Conversation)
	}
}

type createTicketRequest struct {
	Name        string `json:"ticket_name"`
	Description string `json:"description,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
}

type createTicketResponse struct {
	Ticket *protocol.Ticket `json:"ticket"`
	JobID  string           `json:"job_id,omitempty"`
	Status string           `json:"status"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.SourceURL != "" {
		if s.deps.Sources == nil {
			writeError(w, http.StatusBadRequest, "source_url is not supported")
			return
		}
		doc, err := s.deps.Sources.Fetch(r.Context(), req.SourceURL)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if req.Name == "" {
			req.Name = doc.Title
		}
		req.Description = strings.TrimSpace(req.Description + "\n\n" + doc.Description())
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "ticket_name is required")
		return
	}

	t, err := s.deps.Tickets.Create(r.Context(), ticket.NewTicket{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.deps.Bus.Broadcast(protocol.Event{
		Type:       protocol.EventTicketCreated,
		TicketID:   t.ID,
		PageID:     t.PageID,
		TicketName: t.Name,
		Status:     t.Status,
		Timestamp:  time.Now().UTC(),
	})

	resp := createTicketResponse{Ticket: t, Status: "created"}
	if s.deps.Jobs != nil {
		job, err := s.deps.Jobs.Trigger("api: ticket " + t.PageID)
		if err != nil {
			s.logger.Warn("ticket created but run not queued", "page", t.PageID, "error", err)
		} else {
			resp.JobID, resp.Status = job.ID, string(job.State)
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

type setStatusRequest struct {
	Status protocol.TicketStatus `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	pageID := r.PathValue("id")
	ok, err := s.deps.Tickets.UpdateStatus(r.Context(), pageID, req.Status)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("status %q rejected by the ticket database", req.Status))
		return
	}
	s.deps.Bus.Broadcast(protocol.Event{
		Type:      protocol.EventStatusChange,
		PageID:    pageID,
		Status:    req.Status,
		Timestamp: time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deliver == nil {
		writeError(w, http.StatusNotImplemented, "answers are not enabled")
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Answer) == "" {
		writeError(w, http.StatusBadRequest, "answer is required")
		return
	}

	t, err := s.deps.Tickets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if t.SessionID == "" {
		writeError(w, http.StatusConflict, "ticket has no agent session")
		return
	}
	if err := s.deps.Deliver(r.Context(), t.SessionID, req.Answer); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received", "session_id": t.SessionID})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Poller == nil {
		writeError(w, http.StatusNotImplemented, "poller is not enabled")
		return
	}
	report, err := s.deps.Poller.Pass(s.base)
	if errors.Is(err, poller.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, ok := s.deps.Jobs.Job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type statsResponse struct {
	Total    int                           `json:"total"`
	Active   int                           `json:"active"`
	ByStatus map[protocol.TicketStatus]int `json:"by_status"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.deps.Tickets.List(r.Context(), "")
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := statsResponse{Total: len(tickets), ByStatus: make(map[protocol.TicketStatus]int)}
	for _, st := range protocol.Statuses {
		resp.ByStatus[st] = 0
	}
	for _, t := range tickets {
		resp.ByStatus[t.Status]++
	}
	active, err := s.deps.Markers.Active()
	if err != nil {
		s.logger.Warn("stats: list markers", "error", err)
	}
	resp.Active = len(active)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{Limit: 200, MinLevel: slog.LevelDebug, Ticket: q.Get("ticket")}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.deps.Logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var ev protocol.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.deps.Bus.Broadcast(ev)
	w.WriteHeader(http.StatusAccepted)
}

// --- Helpers ---

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "ticket not found")
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("ticket store error", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
