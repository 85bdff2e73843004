// Package server exposes the orchestrator over HTTP: a streaming execution
// endpoint plus read APIs for results, logs, and traces, and a live trace
// feed over SSE and WebSocket.
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

	"github.com/questforge/orchestrator/checkpoint"
	"github.com/questforge/orchestrator/orchestrator"
	"github.com/questforge/orchestrator/store"
	"github.com/questforge/orchestrator/stream"
)

type Config struct {
	Addr         string
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Feed         *Feed
	Log          *slog.Logger
}

type Server struct {
	cfg  Config
	mux  *http.ServeMux
	http *http.Server
	log  *slog.Logger
	once sync.Once
}

func New(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8970"
	}
	if cfg.Feed == nil {
		cfg.Feed = NewFeed()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
		log: cfg.Log,
	}
	s.registerRoutes()
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.mux}
	return s
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/v1/executions", s.handleExecutions)
	s.mux.HandleFunc("/api/v1/executions/", s.handleExecutionSubresources)
	s.mux.HandleFunc("/api/v1/agents/", s.handleAgentExecutions)
	s.mux.HandleFunc("/api/v1/stream/events", s.handleSSEFeed)
	s.mux.HandleFunc("/api/v1/stream/ws", s.handleWSFeed)
	s.mux.HandleFunc("/api/v1/healthz", s.handleHealthz)
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

	select {
	case <-ctx.Done():
		s.log.Info("shutdown signal received, stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown error", "error", err)
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

// executionRequest is the POST /api/v1/executions body. recursionLimit is
// the wire name for the step budget.
type executionRequest struct {
	AgentID                string         `json:"agentId"`
	Task                   string         `json:"task"`
	CheckpointID           string         `json:"checkpointId"`
	QuestID                string         `json:"questId"`
	ThreadID               string         `json:"threadId"`
	Resume                 bool           `json:"resume"`
	AdditionalInstructions string         `json:"additionalInstructions"`
	RecursionLimit         int            `json:"recursionLimit"`
	EstimatedTokens        int            `json:"estimatedTokens"`
	Metadata               map[string]any `json:"metadata"`
}

// handleExecutions starts (or resumes) a run and streams its progress as
// SSE. Validation and checkpoint resolution happen before the first streamed
// byte so failures are still plain JSON errors.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.cfg.Orchestrator == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("orchestrator not configured"))
		return
	}

	var req executionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	metadata := req.Metadata
	if req.EstimatedTokens > 0 {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["estimatedTokens"] = req.EstimatedTokens
	}

	exec, err := s.cfg.Orchestrator.Prepare(r.Context(), orchestrator.Options{
		AgentID:                req.AgentID,
		Task:                   req.Task,
		CheckpointID:           req.CheckpointID,
		QuestID:                req.QuestID,
		ThreadID:               req.ThreadID,
		Resume:                 req.Resume,
		AdditionalInstructions: req.AdditionalInstructions,
		StepBudget:             req.RecursionLimit,
		Metadata:               metadata,
	})
	if err != nil {
		writeError(w, prepareStatus(err), err)
		return
	}

	emitter, err := stream.NewSSEEmitter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	outcome, err := s.cfg.Orchestrator.Run(r.Context(), exec, emitter)
	if err != nil {
		// Already streamed and persisted; nothing more to write.
		s.log.Warn("execution failed",
			"resultId", outcome.ResultID,
			"errorType", string(outcome.ErrorKind),
			"error", err)
		return
	}
	s.log.Info("execution completed", "resultId", outcome.ResultID, "steps", outcome.Steps)
}

func prepareStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkpoint.ErrOwnershipMismatch):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleExecutionSubresources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/v1/executions/"))
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("execution id is required"))
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		result, err := s.cfg.Store.GetResult(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	query := parseListQuery(r)
	switch parts[1] {
	case "logs":
		logs, err := s.cfg.Store.ListExecutionLogs(r.Context(), s.executionIDFor(r.Context(), id), query)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	case "traces":
		traces, err := s.cfg.Store.ListExecutionTraces(r.Context(), s.executionIDFor(r.Context(), id), query)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, traces)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported execution endpoint"))
	}
}

// executionIDFor resolves a result id to the execution id its logs and
// traces are keyed by. Callers may also pass the execution id directly.
func (s *Server) executionIDFor(ctx context.Context, id string) string {
	result, err := s.cfg.Store.GetResult(ctx, id)
	if err != nil {
		return id
	}
	if executionID, ok := result.Metadata["executionId"].(string); ok && executionID != "" {
		return executionID
	}
	return id
}

func (s *Server) handleAgentExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/v1/agents/"))
	if len(parts) != 2 || parts[1] != "executions" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported agent endpoint"))
		return
	}
	results, err := s.cfg.Store.ListAgentResults(r.Context(), parts[0], parseListQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleSSEFeed streams the live trace feed, optionally filtered by agent or
// execution. With an execution filter, persisted backlog is replayed first.
func (s *Server) handleSSEFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := s.cfg.Feed.subscribe(128)
	defer s.cfg.Feed.unsubscribe(id)

	agentFilter := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	executionFilter := strings.TrimSpace(r.URL.Query().Get("execution_id"))
	typeFilter := strings.TrimSpace(r.URL.Query().Get("type"))

	if s.cfg.Store != nil && executionFilter != "" {
		backlog, err := s.cfg.Store.ListExecutionTraces(r.Context(), executionFilter, store.ListQuery{Limit: 50})
		if err == nil {
			for _, event := range backlog {
				if !traceMatches(event, agentFilter, executionFilter, typeFilter) {
					continue
				}
				writeSSEData(w, event)
			}
			flusher.Flush()
		}
	}

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return // client disconnected
			}
			flusher.Flush()
		case event := <-ch:
			if !traceMatches(event, agentFilter, executionFilter, typeFilter) {
				continue
			}
			if !writeSSEData(w, event) {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeSSEData(w http.ResponseWriter, event store.TraceEvent) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	return true
}

func traceMatches(event store.TraceEvent, agentID, executionID, traceType string) bool {
	if agentID != "" && event.AgentID != agentID {
		return false
	}
	if executionID != "" && event.ExecutionID != executionID {
		return false
	}
	if traceType != "" && string(event.Type) != traceType {
		return false
	}
	return true
}

func parseListQuery(r *http.Request) store.ListQuery {
	return store.ListQuery{
		Limit:  parseInt(r.URL.Query().Get("limit"), 50),
		Offset: parseInt(r.URL.Query().Get("offset"), 0),
	}
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
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
