// Package server exposes the audit engine over HTTP with lifecycle
// management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/raphaelgruber/kpiledger/internal/db"
	"github.com/raphaelgruber/kpiledger/internal/metrics"
	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/raphaelgruber/kpiledger/internal/service"
)

// Server wraps the HTTP server with dependencies and lifecycle management.
type Server struct {
	http    *http.Server
	logger  *slog.Logger
	metrics *metrics.Collector

	ingest   *service.IngestTracker
	quality  *service.QualityAuditor
	engine   *service.SnapshotEngine
	recorder *service.AgentRecorder
	tracer   *service.TraceService
}

// New creates an HTTP server serving the audit API on addr.
func New(addr string, logger *slog.Logger, collector *metrics.Collector,
	ingest *service.IngestTracker, quality *service.QualityAuditor,
	engine *service.SnapshotEngine, recorder *service.AgentRecorder,
	tracer *service.TraceService) *Server {

	s := &Server{
		logger:   logger,
		metrics:  collector,
		ingest:   ingest,
		quality:  quality,
		engine:   engine,
		recorder: recorder,
		tracer:   tracer,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           LoggingMiddleware(logger)(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run starts the server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler returns the full route handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/runs", s.handleStartRun)
	mux.HandleFunc("GET /ingest/runs", s.handleListRuns)
	mux.HandleFunc("GET /ingest/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /ingest/runs/{id}/complete", s.handleCompleteRun)
	mux.HandleFunc("DELETE /ingest/runs/{id}", s.handlePurgeRun)
	mux.HandleFunc("POST /ingest/runs/{id}/issues", s.handleRecordIssue)
	mux.HandleFunc("GET /ingest/runs/{id}/issues", s.handleListIssues)
	mux.HandleFunc("POST /issues/{id}/resolve", s.handleResolveIssue)
	mux.HandleFunc("POST /compute", s.handleCompute)
	mux.HandleFunc("POST /agent-runs", s.handleRecordAgentRun)
	mux.HandleFunc("GET /trace", s.handleTrace)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps domain errors to HTTP statuses. Typed unavailability is a
// 422 carrying its machine-readable reason, never a masked 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if u, ok := service.AsUnavailable(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:  "data_unavailable",
			Reason: u.Reason,
			Detail: u.Detail,
		})
		return
	}

	var cerr *service.CitationError
	if errors.As(err, &cerr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:  "invalid_citation",
			Reason: cerr.Reason,
			Detail: cerr.KpiID,
		})
		return
	}

	switch {
	case errors.Is(err, db.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Detail: err.Error()})
	case errors.Is(err, db.ErrDoubleCompletion):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_completed", Detail: err.Error()})
	case errors.Is(err, db.ErrRunReferenced):
		writeJSON(w, http.StatusConflict, errorBody{Error: "run_referenced", Detail: err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Detail: err.Error()})
	}
}

func decode[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("invalid request body: %w", err)
	}
	return v, nil
}

// --- ingest ---

type startRunRequest struct {
	SourceSystem string `json:"source_system"`
	InputHash    string `json:"input_hash"`
}

type startRunResponse struct {
	Run     runView `json:"run"`
	Deduped bool    `json:"deduped"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	req, err := decode[startRunRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}

	run, deduped, err := s.ingest.Start(r.Context(), req.SourceSystem, req.InputHash)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, startRunResponse{Run: viewRun(run), Deduped: deduped})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.ingest.List(r.Context(), 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRuns(runs))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ingest.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run))
}

type completeRunRequest struct {
	Status        string `json:"status"`
	RecordsLoaded int64  `json:"records_loaded"`
	Details       string `json:"details,omitempty"`
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	req, err := decode[completeRunRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}

	err = s.ingest.Complete(r.Context(), r.PathValue("id"), models.RunStatus(req.Status), req.RecordsLoaded, req.Details)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurgeRun(w http.ResponseWriter, r *http.Request) {
	if err := s.ingest.Purge(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- quality ---

type recordIssueRequest struct {
	Severity  string         `json:"severity"`
	IssueType string         `json:"issue_type"`
	KpiID     string         `json:"kpi_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleRecordIssue(w http.ResponseWriter, r *http.Request) {
	req, err := decode[recordIssueRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}

	issue, err := s.quality.RecordIssue(r.Context(), r.PathValue("id"),
		models.Severity(req.Severity), req.IssueType, req.Payload, req.KpiID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewIssue(issue))
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.quality.ListIssues(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewIssues(issues))
}

func (s *Server) handleResolveIssue(w http.ResponseWriter, r *http.Request) {
	if err := s.quality.ResolveIssue(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- snapshots ---

type computeRequest struct {
	KpiID   string `json:"kpi_id"`
	Version string `json:"calculation_version"`
	RunID   string `json:"ingest_run_id"`
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	req, err := decode[computeRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}

	snap, err := s.engine.Compute(r.Context(), req.KpiID, req.Version, req.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSnapshot(snap))
}

// --- agent runs ---

type agentRunRequest struct {
	Narrative     string            `json:"narrative"`
	Citations     []models.Citation `json:"citations"`
	PromptVersion string            `json:"prompt_version,omitempty"`
	ModelUsed     string            `json:"model_used,omitempty"`
	InputDataHash string            `json:"input_data_hash,omitempty"`
	AccuracyScore *float64          `json:"accuracy_score,omitempty"`
	Supersedes    string            `json:"supersedes,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

func (s *Server) handleRecordAgentRun(w http.ResponseWriter, r *http.Request) {
	req, err := decode[agentRunRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}

	run, err := s.recorder.Record(r.Context(), service.RecordRunInput{
		Narrative:     req.Narrative,
		Citations:     req.Citations,
		PromptVersion: req.PromptVersion,
		ModelUsed:     req.ModelUsed,
		InputDataHash: req.InputDataHash,
		AccuracyScore: req.AccuracyScore,
		Supersedes:    req.Supersedes,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewAgentRun(run))
}

// --- trace ---

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	kpiID := r.URL.Query().Get("kpi_id")
	if kpiID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "kpi_id is required"})
		return
	}

	var asOf time.Time
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "as_of must be RFC3339"})
			return
		}
		asOf = t
	}

	res, err := s.tracer.Trace(r.Context(), kpiID, asOf)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- diagnostics ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
