// Package sandboxservice implements the Sandbox Service: the HTTP
// façade that exposes the Executor and Tool Registry to the
// gateway and admin surface.
//
// The service authenticates every mutating call with a shared service
// token and refuses /execute for any tool not currently registered.
package sandboxservice

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/egress"
	"github.com/mcpbox/mcpbox/internal/executor"
	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/modulepolicy"
	"github.com/mcpbox/mcpbox/internal/ratelimit"
	"github.com/mcpbox/mcpbox/internal/registry"
	"github.com/mcpbox/mcpbox/internal/telemetry"
)

// SecretResolver returns the read-only secret view for one server.
type SecretResolver func(serverID string) executor.SecretView

// AllowlistResolver returns the host allowlist predicate for one server.
type AllowlistResolver func(serverID string) egress.HostAllower

// ExecutionLogger persists one execution log row per native invocation.
// The sandbox service is the component that actually holds the secret
// view for a call, so it is the one that redacts and persists the log
// rather than leaving that to callers downstream.
type ExecutionLogger interface {
	CreateExecutionLog(ctx context.Context, l *models.ExecutionLog) error
}

// Service holds the dependencies the HTTP handlers need.
type Service struct {
	Registry     *registry.Registry
	Policy       *modulepolicy.Manager
	Secrets      SecretResolver
	Allowlist    AllowlistResolver
	Logs         ExecutionLogger
	ServiceToken string
	Logger       zerolog.Logger

	// Caps carries the configured resource limits
	// (sandbox_memory_mb / cpu_s / fd_cap); zero fields fall back to
	// executor.DefaultCaps. The per-invocation deadline is always
	// derived from the tool's own timeout_ms.
	Caps executor.Caps

	// InvokeLimiter throttles /execute per server id (60 rpm);
	// TokenFailLimiter throttles failed service-token attempts per IP
	// (10 rpm). Either may be nil to disable.
	InvokeLimiter    *ratelimit.Limiter
	TokenFailLimiter *ratelimit.Limiter
}

// NewRouter builds the chi router for the sandbox service.
func (s *Service) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/servers/{id}", func(r chi.Router) {
		r.Use(s.requireServiceToken)
		r.Post("/register", s.handleRegister)
		r.Post("/unregister", s.handleUnregister)
	})

	r.With(s.requireServiceToken).Post("/execute", s.handleExecute)

	return r
}

// requireServiceToken enforces X-Service-Token under constant-time
// comparison.
func (s *Service) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Service-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.ServiceToken)) != 1 {
			// Only failures consume from the limiter, so a well-behaved
			// caller is never throttled by this bucket.
			if s.TokenFailLimiter != nil && !s.TokenFailLimiter.Allow("tokenfail:"+ratelimit.RemoteAddrKey(r)) {
				writeError(w, domainerr.New(domainerr.KindRateLimited, "too many failed authentication attempts"))
				return
			}
			writeError(w, domainerr.New(domainerr.KindAuthZ, "invalid or missing service token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Tools []registry.Artifact `json:"tools"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "id")
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domainerr.New(domainerr.KindValidation, "invalid request body: %v", err))
		return
	}
	s.Registry.Register(serverID, req.Tools)
	writeJSON(w, http.StatusOK, map[string]int{"registered": len(req.Tools)})
}

func (s *Service) handleUnregister(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "id")
	s.Registry.Unregister(serverID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

type executeRequest struct {
	ServerID string         `json:"server_id"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	Actor    string         `json:"actor"`
}

type executeResponse struct {
	Result     any    `json:"result,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Message    string `json:"message,omitempty"`
}

// handleExecute dispatches one invocation. The tool must already be
// registered: no implicit registration happens here.
func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domainerr.New(domainerr.KindValidation, "invalid request body: %v", err))
		return
	}

	if s.InvokeLimiter != nil && !s.InvokeLimiter.Allow("invoke:"+req.ServerID) {
		writeError(w, domainerr.New(domainerr.KindRateLimited, "tool invocation rate limit exceeded for server %q", req.ServerID))
		return
	}

	artifact, err := s.Registry.Lookup(req.ServerID, req.ToolName)
	if err != nil {
		writeError(w, err)
		return
	}

	var secrets executor.SecretView
	if s.Secrets != nil {
		secrets = s.Secrets(req.ServerID)
	}
	var allower egress.HostAllower
	if s.Allowlist != nil {
		allower = s.Allowlist(req.ServerID)
	}

	deadline := time.Duration(artifact.TimeoutMs) * time.Millisecond
	if deadline <= 0 || deadline > 300*time.Second {
		deadline = executor.DefaultCaps.Deadline
	}

	ctx, span := telemetry.Tracer("sandboxservice").Start(r.Context(), "tool.execute")
	span.SetAttributes(attribute.String("server_id", req.ServerID), attribute.String("tool", req.ToolName))
	defer span.End()

	result := executor.Run(ctx, executor.Invocation{
		ServerID: req.ServerID,
		ToolName: req.ToolName,
		Source:   artifact.Source,
		Args:     req.Args,
		Secrets:  secrets,
		Policy:   s.Policy,
		Egress:   egress.New(allower, nil),
		Caps: executor.Caps{
			MemoryBytes: s.Caps.MemoryBytes,
			CPUTime:     s.Caps.CPUTime,
			MaxFDs:      s.Caps.MaxFDs,
			Deadline:    deadline,
		},
	})

	span.SetAttributes(attribute.Bool("success", result.ErrorKind == ""))
	s.logExecution(ctx, req, secrets, result)

	writeJSON(w, http.StatusOK, executeResponse{
		Result:     result.Value,
		Stdout:     result.Stdout,
		Truncated:  result.Truncated,
		DurationMs: result.DurationMs,
		ErrorKind:  string(result.ErrorKind),
		Message:    result.Detail.Message,
	})
}

// logExecution persists the Execution Log row for one native invocation,
// with args redacted against the server's own secrets and result/stdout
// truncated a second time before it reaches the store.
func (s *Service) logExecution(ctx context.Context, req executeRequest, secrets executor.SecretView, result executor.Result) {
	if s.Logs == nil {
		return
	}

	entry := &models.ExecutionLog{
		ID:         uuid.NewString(),
		ServerID:   req.ServerID,
		ToolName:   req.ToolName,
		Args:       executor.RedactArgs(secrets, req.Args),
		Result:     executor.Truncate(fmt.Sprintf("%v", result.Value)),
		Stdout:     executor.Truncate(result.Stdout),
		DurationMs: result.DurationMs,
		Success:    result.ErrorKind == "",
		Actor:      req.Actor,
		CreatedAt:  time.Now(),
	}
	if result.ErrorKind != "" {
		entry.Stderr = executor.Truncate(result.Detail.Message)
	}

	if err := s.Logs.CreateExecutionLog(ctx, entry); err != nil {
		s.Logger.Warn().Err(err).Str("server_id", req.ServerID).Str("tool", req.ToolName).Msg("persist execution log")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if derr, ok := domainerr.As(err); ok {
		writeJSON(w, derr.Kind.HTTPStatus(), map[string]string{"error": derr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
