// internal/server/server.go

// Package server exposes the pipeline over HTTP: one endpoint to ask a
// question, one to answer the clarification question a suspended run asked.
// Suspended runs are held in memory with a TTL; this process is the unit of
// conversation state.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"clinquery/internal/clarify"
	"clinquery/internal/common/logger"
	"clinquery/internal/pipeline"
)

// pendingTTL bounds how long a clarification question stays answerable.
const pendingTTL = 5 * time.Minute

type pendingRun struct {
	outcome *pipeline.Outcome
	expires time.Time
}

// Server handles the query API. Safe for concurrent use.
type Server struct {
	pipe    *pipeline.Pipeline
	pending sync.Map
	now     func() time.Time
	logger  logger.Logger
}

func New(pipe *pipeline.Pipeline, log logger.Logger) *Server {
	return &Server{
		pipe:   pipe,
		now:    time.Now,
		logger: log.WithFields(map[string]interface{}{"component": "server"}),
	}
}

// Routes registers the API on the given mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/answer", s.handleAnswer)
}

type queryRequest struct {
	Question     string `json:"question"`
	ForceProceed bool   `json:"force_proceed"`
}

type answerRequest struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

type queryResponse struct {
	RequestID  string            `json:"request_id"`
	Status     string            `json:"status"`
	Confidence float64           `json:"confidence"`
	Question   *clarify.Question `json:"question,omitempty"`
	Result     interface{}       `json:"result,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	out := s.pipe.Run(r.Context(), req.Question, pipeline.Options{ForceProceed: req.ForceProceed})
	if out.State == pipeline.StateClarifying {
		s.pending.Store(out.RequestID, pendingRun{outcome: out, expires: s.now().Add(pendingTTL)})
	}
	s.respond(w, out)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entry, ok := s.take(req.RequestID)
	if !ok {
		http.Error(w, "no pending clarification for this request", http.StatusNotFound)
		return
	}

	out := s.pipe.Resume(r.Context(), entry.outcome, req.Answer)
	s.respond(w, out)
}

// take removes and returns a pending run, treating expired entries as absent.
func (s *Server) take(requestID string) (pendingRun, bool) {
	v, ok := s.pending.LoadAndDelete(requestID)
	if !ok {
		return pendingRun{}, false
	}
	entry := v.(pendingRun)
	if s.now().After(entry.expires) {
		return pendingRun{}, false
	}
	return entry, true
}

func (s *Server) respond(w http.ResponseWriter, out *pipeline.Outcome) {
	// The generated source ships with every outcome so callers can display
	// what ran (or would have run), not just on failures.
	resp := queryResponse{
		RequestID:  out.RequestID,
		Status:     strings.ToLower(string(out.State)),
		Confidence: out.Confidence,
		Question:   out.Question,
		Result:     out.Result,
		Code:       out.Code,
		Message:    out.Message,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Error("response encoding failed", map[string]interface{}{
			"requestId": out.RequestID,
		})
	}
}
