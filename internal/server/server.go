// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/threadline/internal/observability"
	"github.com/harun/threadline/internal/tracing"
	"github.com/harun/threadline/pkg/orchestrator"
	"github.com/harun/threadline/pkg/turnerr"
)

const maxBodyBytes = 1 << 20

// Submitter is the part of the orchestrator the server needs.
type Submitter interface {
	SubmitRequest(ctx context.Context, req orchestrator.Request) (orchestrator.Reply, error)
	Agent(name string) (orchestrator.Agent, bool)
	Agents() []string
}

// Options configures the HTTP server
type Options struct {
	Host   string
	Port   int
	Logger zerolog.Logger
}

// Server serves turn submissions, health and metrics.
type Server struct {
	options   Options
	submitter Submitter
	logger    zerolog.Logger
	startTime time.Time

	mu     sync.Mutex
	server *http.Server
}

// TurnRequest is the body of POST /v1/turns.
type TurnRequest struct {
	Agent string `json:"agent"`
	Input string `json:"input"`
	// Persistent overrides the agent default when set.
	Persistent *bool          `json:"persistent,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// TurnResponse is the body of a successful turn.
type TurnResponse struct {
	Agent      string `json:"agent"`
	SessionID  string `json:"session_id"`
	RunID      string `json:"run_id,omitempty"`
	Result     []any  `json:"result"`
	Fallback   bool   `json:"fallback"`
	DurationMs int64  `json:"duration_ms"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// New creates a server
func New(options Options, submitter Submitter) *Server {
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if options.Port == 0 {
		options.Port = 8080
	}
	return &Server{
		options:   options,
		submitter: submitter,
		logger:    options.Logger.With().Str("component", "server").Logger(),
		startTime: time.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/agents", s.handleAgents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	return mux
}

// Start listens until Stop is called.
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting HTTP server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.NewRequestContext(r.Context())
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = tracing.NewTraceID()
	}
	ctx = tracing.WithRequestID(ctx, requestID)
	w.Header().Set("X-Request-ID", requestID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	var body TurnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", RequestID: requestID})
		return
	}
	if body.Agent == "" || body.Input == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "agent and input are required", RequestID: requestID})
		return
	}

	agent, ok := s.submitter.Agent(body.Agent)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown agent", RequestID: requestID})
		return
	}
	persistent := agent.Persistent
	if body.Persistent != nil {
		persistent = *body.Persistent
	}

	reply, err := s.submitter.SubmitRequest(ctx, orchestrator.Request{
		Agent:      body.Agent,
		Persistent: persistent,
		Input:      body.Input,
		Context:    body.Context,
	})
	if err != nil {
		logger.Error().
			Err(err).
			Str("agent", body.Agent).
			Str("kind", string(turnerr.KindOf(err))).
			Msg("Turn failed")
		writeJSON(w, statusFor(err), errorResponse{Error: "processing error", RequestID: requestID})
		return
	}

	result := []any(reply.Result)
	if result == nil {
		result = []any{}
	}
	writeJSON(w, http.StatusOK, TurnResponse{
		Agent:      reply.Agent,
		SessionID:  reply.SessionID,
		RunID:      reply.RunID,
		Result:     result,
		Fallback:   reply.Fallback,
		DurationMs: reply.Duration.Milliseconds(),
	})
}

// statusFor keeps the body generic; only the status code hints at the kind.
func statusFor(err error) int {
	switch {
	case errors.Is(err, turnerr.ErrRequestTimeout), errors.Is(err, turnerr.ErrPollTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, turnerr.ErrRetryExhausted), errors.Is(err, turnerr.ErrTransientConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrUnknownAgent):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	type agentInfo struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Persistent  bool   `json:"persistent"`
		Backend     string `json:"backend"`
	}

	agents := []agentInfo{}
	for _, name := range s.submitter.Agents() {
		a, ok := s.submitter.Agent(name)
		if !ok {
			continue
		}
		info := agentInfo{Name: a.Name, DisplayName: a.DisplayName, Persistent: a.Persistent}
		if a.Client != nil {
			info.Backend = a.Client.Family()
		}
		agents = append(agents, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"agents":    len(s.submitter.Agents()),
		"timestamp": time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
