// Package server exposes the autopilot over HTTP: start and resume runs,
// pause or stop campaigns, and read status and run history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/deangilmoreremix/contactsfeature-sub000/orchestrator"
	"github.com/deangilmoreremix/contactsfeature-sub000/runtime/queue"
	"github.com/deangilmoreremix/contactsfeature-sub000/state"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

const maxBodyBytes = 1 << 20

// Autopilot is the orchestrator surface the handlers need.
type Autopilot interface {
	Start(ctx context.Context, leadID, goal string) types.Outcome
	Resume(ctx context.Context, leadID, inboundText string) types.Outcome
	SetStatus(ctx context.Context, leadID string, status state.AutopilotStatus) error
	Status(ctx context.Context, leadID string) (orchestrator.Status, error)
	Runs(ctx context.Context, leadID string, limit int) ([]state.RunRecord, error)
}

type Config struct {
	Addr      string
	Autopilot Autopilot
	// Queue, when set, lets resume (and start with "async") return 202 and
	// leave the run to a worker.
	Queue       queue.Queue
	MaxAttempts int
	Tools       []types.ToolDefinition
	Logger      *slog.Logger
}

type Server struct {
	cfg    Config
	mux    *http.ServeMux
	http   *http.Server
	logger *slog.Logger
	once   sync.Once
}

func New(cfg Config) (*Server, error) {
	if cfg.Autopilot == nil {
		return nil, fmt.Errorf("autopilot is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux(), logger: logger}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/tools", s.handleTools)
	s.mux.HandleFunc("POST /v1/autopilot/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/autopilot/resume", s.handleResume)
	s.mux.HandleFunc("POST /v1/autopilot/{lead}/pause", s.handleSetStatus(state.AutopilotPaused))
	s.mux.HandleFunc("POST /v1/autopilot/{lead}/stop", s.handleSetStatus(state.AutopilotStopped))
	s.mux.HandleFunc("POST /v1/autopilot/{lead}/activate", s.handleSetStatus(state.AutopilotActive))
	s.mux.HandleFunc("GET /v1/autopilot/{lead}", s.handleStatus)
	s.mux.HandleFunc("GET /v1/autopilot/{lead}/runs", s.handleRuns)
	s.mux.HandleFunc("GET /v1/queue/stats", s.handleQueueStats)
}

// Handler returns the routes wrapped in OpenTelemetry server instrumentation.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return otelhttp.NewHandler(s.mux, "autopilot",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.Pattern
		}))
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.logger.Info("autopilot http server listening", slog.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, stopping http server")
		if err := s.Close(); err != nil {
			s.logger.Warn("http shutdown error", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
	})
	return outErr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	tools := s.cfg.Tools
	if tools == nil {
		tools = []types.ToolDefinition{}
	}
	writeJSON(w, http.StatusOK, tools)
}

type startRequest struct {
	LeadID string `json:"leadId"`
	Goal   string `json:"goal"`
	Async  bool   `json:"async,omitempty"`
}

type resumeRequest struct {
	LeadID string `json:"leadId"`
	Text   string `json:"text"`
	// Sync forces an inline run even when a queue is configured.
	Sync bool `json:"sync,omitempty"`
}

type queuedResponse struct {
	Queued    bool   `json:"queued"`
	JobID     string `json:"jobId"`
	MessageID string `json:"messageId"`
	LeadID    string `json:"leadId"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Async && s.cfg.Queue != nil {
		s.enqueue(w, r, queue.Job{Kind: queue.JobStart, LeadID: req.LeadID, Text: req.Goal})
		return
	}
	out := s.cfg.Autopilot.Start(r.Context(), req.LeadID, req.Goal)
	writeJSON(w, outcomeStatus(out), out)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.cfg.Queue != nil && !req.Sync {
		s.enqueue(w, r, queue.Job{
			Kind:     queue.JobResume,
			LeadID:   req.LeadID,
			Text:     req.Text,
			Metadata: map[string]string{"trigger": "inbound_reply"},
		})
		return
	}
	out := s.cfg.Autopilot.Resume(r.Context(), req.LeadID, req.Text)
	writeJSON(w, outcomeStatus(out), out)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, job queue.Job) {
	job.LeadID = strings.TrimSpace(job.LeadID)
	job.Text = strings.TrimSpace(job.Text)
	job.MaxAttempts = s.cfg.MaxAttempts
	job = queue.Normalize(job, time.Now())
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.cfg.Queue.Enqueue(r.Context(), job)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "enqueue failed", slog.String("lead_id", job.LeadID), slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{Queued: true, JobID: job.ID, MessageID: id, LeadID: job.LeadID})
}

func (s *Server) handleSetStatus(status state.AutopilotStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leadID := r.PathValue("lead")
		if err := s.cfg.Autopilot.SetStatus(r.Context(), leadID, status); err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"leadId": leadID, "status": status})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Autopilot.Status(r.Context(), r.PathValue("lead"))
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	if st.Campaign == nil && st.SessionID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("no autopilot state for lead %q", st.LeadID))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.cfg.Autopilot.Runs(r.Context(), r.PathValue("lead"), parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	if runs == nil {
		runs = []state.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no job queue configured"))
		return
	}
	stats, err := s.cfg.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// outcomeStatus maps an outcome kind onto the response code.
func outcomeStatus(out types.Outcome) int {
	switch out.Kind {
	case types.OutcomeCompleted:
		return http.StatusOK
	case types.OutcomeValidation:
		return http.StatusBadRequest
	case types.OutcomeBlocked, types.OutcomeBusy:
		return http.StatusConflict
	case types.OutcomeTimeout:
		return http.StatusGatewayTimeout
	case types.OutcomeTerminal, types.OutcomeProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, state.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
