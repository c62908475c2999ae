// Package api exposes the engine over HTTP: the prompt endpoint for
// clients, the poll/report protocol for executors, and inspection routes
// for sessions and server status.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
	"github.com/Skithrills/gemini-mcp-server/internal/orchestrator"
	"github.com/Skithrills/gemini-mcp-server/internal/queue"
	"github.com/Skithrills/gemini-mcp-server/internal/session"
	"github.com/Skithrills/gemini-mcp-server/internal/stats"
)

// Server provides the REST API handlers.
type Server struct {
	engine  *orchestrator.Engine
	version string
}

// NewServer creates a new API server around the engine.
func NewServer(engine *orchestrator.Engine, version string) *Server {
	return &Server{engine: engine, version: version}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/prompt", s.submitPrompt)

	mux.HandleFunc("POST /api/v1/poll", s.pollTask)
	mux.HandleFunc("POST /api/v1/report", s.reportResult)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.closeSession)

	mux.HandleFunc("GET /api/v1/status", s.statusOverview)
	mux.HandleFunc("GET /api/v1/health", s.health)

	return corsMiddleware(logRequests(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests logs at debug level; the executor polls continuously and
// would flood anything louder.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Prompt ---

// PromptRequest is the JSON body for POST /api/v1/prompt. An empty
// session_id starts a new session.
type PromptRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Prompt    string `json:"prompt"`
}

// PromptResponse acknowledges an accepted prompt. The plan lands
// asynchronously; callers watch the session for the outcome.
type PromptResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (s *Server) submitPrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id, err := s.engine.Submit(req.SessionID, req.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrEmptyPrompt):
			writeError(w, http.StatusBadRequest, "prompt is required")
		case errors.Is(err, session.ErrBusy):
			writeError(w, http.StatusConflict, "session is busy executing a plan")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, PromptResponse{SessionID: id, Status: "accepted"})
}

// --- Executor protocol ---

// PollRequest is the JSON body for POST /api/v1/poll.
type PollRequest struct {
	HolderID string `json:"holder_id"`
}

// TaskGrant is the JSON body of a successful poll. A 204 means nothing is
// deliverable right now; the executor polls again later.
type TaskGrant struct {
	TaskID         string `json:"task_id"`
	SessionID      string `json:"session_id"`
	PlanID         string `json:"plan_id"`
	Kind           string `json:"kind"`
	Payload        string `json:"payload"`
	Seq            int    `json:"seq"`
	Attempts       int    `json:"attempts"`
	Renewed        bool   `json:"renewed,omitempty"`
	LeaseExpiresAt string `json:"lease_expires_at"`
}

func (s *Server) pollTask(w http.ResponseWriter, r *http.Request) {
	var req PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.HolderID == "" {
		writeError(w, http.StatusBadRequest, "holder_id is required")
		return
	}

	grant, err := s.engine.Poll(req.HolderID)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TaskGrant{
		TaskID:         grant.Task.ID,
		SessionID:      grant.Task.SessionID,
		PlanID:         grant.Task.PlanID,
		Kind:           string(grant.Task.Kind),
		Payload:        grant.Task.Payload,
		Seq:            grant.Task.Seq,
		Attempts:       grant.Task.Attempts,
		Renewed:        grant.Renewed,
		LeaseExpiresAt: grant.Lease.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// ReportRequest is the JSON body for POST /api/v1/report.
type ReportRequest struct {
	HolderID string `json:"holder_id"`
	TaskID   string `json:"task_id"`
	OK       bool   `json:"ok"`
	Output   string `json:"output,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ReportResponse is returned when a result is accepted. A rejected report
// gets a 409 with the error envelope instead, and the result is discarded.
type ReportResponse struct {
	Status string `json:"status"`
}

func (s *Server) reportResult(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if req.HolderID == "" {
		writeError(w, http.StatusBadRequest, "holder_id is required")
		return
	}

	err := s.engine.Report(req.TaskID, req.HolderID, models.Result{
		OK:     req.OK,
		Output: req.Output,
		Reason: req.Reason,
	})
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, queue.ErrLeaseExpired),
			errors.Is(err, queue.ErrLeaseMismatch),
			errors.Is(err, queue.ErrConflict):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{Status: "ack"})
}

// --- Sessions ---

// SessionSummary is one row of GET /api/v1/sessions.
type SessionSummary struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Turns          int       `json:"turns"`
	Plans          int       `json:"plans"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// TurnView is one transcript entry in a session detail response. OK is
// only present on execution results.
type TurnView struct {
	Kind           string    `json:"kind"`
	Text           string    `json:"text,omitempty"`
	PlanID         string    `json:"plan_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	TaskKind       string    `json:"task_kind,omitempty"`
	OK             *bool     `json:"ok,omitempty"`
	AbortedTaskIDs []string  `json:"aborted_task_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TaskView is a task's observable state in a session detail response.
type TaskView struct {
	ID       string `json:"id"`
	PlanID   string `json:"plan_id"`
	Seq      int    `json:"seq"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Output   string `json:"output,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SessionDetail is the full transcript plus task states.
type SessionDetail struct {
	SessionSummary
	ActivePlanID string     `json:"active_plan_id,omitempty"`
	Transcript   []TurnView `json:"transcript"`
	Tasks        []TaskView `json:"tasks"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	live := s.engine.ListSessions()
	result := make([]SessionSummary, 0, len(live))
	for _, sess := range live {
		result = append(result, summarize(sess))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, tasks, err := s.engine.SessionView(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	detail := SessionDetail{
		SessionSummary: summarize(sess),
		ActivePlanID:   sess.ActivePlanID,
		Transcript:     make([]TurnView, 0, len(sess.Turns)),
		Tasks:          make([]TaskView, 0, len(tasks)),
	}
	for _, turn := range sess.Turns {
		detail.Transcript = append(detail.Transcript, turnView(turn))
	}
	for _, task := range tasks {
		detail.Tasks = append(detail.Tasks, taskView(task))
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.CloseSession(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func summarize(s *models.Session) SessionSummary {
	return SessionSummary{
		ID:             s.ID,
		Status:         string(s.Status),
		Turns:          len(s.Turns),
		Plans:          s.PlanCount,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

func turnView(t models.ConversationTurn) TurnView {
	v := TurnView{
		Kind:           string(t.Kind),
		Text:           t.Text,
		PlanID:         t.PlanID,
		TaskID:         t.TaskID,
		TaskKind:       string(t.TaskKind),
		AbortedTaskIDs: t.AbortedTaskIDs,
		CreatedAt:      t.CreatedAt,
	}
	if t.Kind == models.TurnExecutionResult {
		ok := t.OK
		v.OK = &ok
	}
	return v
}

func taskView(t *models.Task) TaskView {
	v := TaskView{
		ID:       t.ID,
		PlanID:   t.PlanID,
		Seq:      t.Seq,
		Kind:     string(t.Kind),
		Status:   string(t.Status),
		Attempts: t.Attempts,
	}
	if t.Result != nil {
		v.Output = t.Result.Output
		v.Reason = t.Result.Reason
	}
	return v
}

// --- Status ---

// StatusResponse is the engine census for GET /api/v1/status.
type StatusResponse struct {
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Sessions      int            `json:"sessions"`
	Queue         queue.Stats    `json:"queue"`
	Counters      stats.Counters `json:"counters"`
}

func (s *Server) statusOverview(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:       s.version,
		UptimeSeconds: int64(st.Uptime.Seconds()),
		Sessions:      st.Sessions,
		Queue:         st.Queue,
		Counters:      st.Counters,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}
