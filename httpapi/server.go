// Package httpapi exposes the orchestrator over HTTP: a buffered run
// endpoint and a server-sent-events stream.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	uniagent "github.com/toryoto/uniagent-go"
	"github.com/toryoto/uniagent-go/eventlog"
	"github.com/toryoto/uniagent-go/logger"
	"github.com/toryoto/uniagent-go/orchestrator"
)

// TaskRunner is the orchestrator surface the API serves.
type TaskRunner interface {
	Run(ctx context.Context, req orchestrator.TaskRequest) (*orchestrator.RunResult, error)
	Stream(ctx context.Context, req orchestrator.TaskRequest) (<-chan orchestrator.Event, error)
}

// Server routes task requests to a runner.
type Server struct {
	runner TaskRunner
	log    logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates an API server over the given runner.
func NewServer(runner TaskRunner, opts ...Option) *Server {
	s := &Server{runner: runner}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNoop(s.log)
	return s
}

// Router builds the chi router serving the API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/api/run", s.handleRun)
	r.Post("/api/run/stream", s.handleStream)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	result, err := s.runner.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, err, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, err := s.runner.Stream(r.Context(), req)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		if err := eventlog.WriteSSE(w, string(event.Type), event); err != nil {
			s.log.Warn("stream write failed", map[string]any{"error": err.Error()})
			return
		}
		flusher.Flush()
	}
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (orchestrator.TaskRequest, bool) {
	var req orchestrator.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, uniagent.NewAgentError(uniagent.CodeValidation,
			"request body is not valid JSON", err), nil)
		return req, false
	}
	return req, true
}

// errorResponse is the JSON error envelope. A failed run still carries its
// partial result so clients see the log and realized cost.
type errorResponse struct {
	Error  errorBody              `json:"error"`
	Result *orchestrator.RunResult `json:"result,omitempty"`
}

type errorBody struct {
	Code        uniagent.ErrorCode `json:"code"`
	Message     string             `json:"message"`
	Remediation string             `json:"remediation,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error, result *orchestrator.RunResult) {
	agentErr := uniagent.AsAgentError(err)
	s.log.Warn("request failed", map[string]any{
		"code": agentErr.Code, "error": agentErr.Message,
	})
	writeJSON(w, statusForCode(agentErr.Code), errorResponse{
		Error: errorBody{
			Code:        agentErr.Code,
			Message:     agentErr.Message,
			Remediation: agentErr.Remediation,
		},
		Result: result,
	})
}

func statusForCode(code uniagent.ErrorCode) int {
	switch code {
	case uniagent.CodeValidation:
		return http.StatusBadRequest
	case uniagent.CodeBudgetExceeded, uniagent.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case uniagent.CodeDiscovery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
