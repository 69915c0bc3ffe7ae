// Package adminapi implements the Admin HTTP API: the authenticated
// surface an operator (or the cmd/admin CLI, or a separate browser UI
// outside this repo's scope) uses to manage servers, tools, secrets,
// approvals, external sources, and settings.
package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"

	"github.com/mcpbox/mcpbox/internal/externalmcp"
	"github.com/mcpbox/mcpbox/internal/gateway"
	"github.com/mcpbox/mcpbox/internal/modulepolicy"
	"github.com/mcpbox/mcpbox/internal/ratelimit"
	"github.com/mcpbox/mcpbox/internal/registry"
	"github.com/mcpbox/mcpbox/internal/sandboxclient"
	"github.com/mcpbox/mcpbox/internal/secretstore"
	"github.com/mcpbox/mcpbox/internal/store"
)

// API bundles every dependency the Admin HTTP API's handlers need. It
// holds no state of its own beyond these references.
type API struct {
	Store        store.Store
	Secrets      *secretstore.Store
	Modules      *modulepolicy.Manager
	Temporal     client.Client
	Gateway      *gateway.Gateway
	ExternalPool *externalmcp.Pool
	Resolver     *externalmcp.DefaultResolver

	// Registry is the in-process mirror cmd/gateway's Gateway reads from
	// to build MCP tool descriptors; it is populated here (not only at
	// server recovery) so a freshly started server is visible immediately.
	Registry *registry.Registry
	// SandboxClient pushes the same compiled artifacts to the sandbox
	// service so /execute can actually resolve them.
	SandboxClient *sandboxclient.Client

	JWTSigningKey []byte
	JWTExpiry     time.Duration
	RateLimiter   *ratelimit.Limiter
	// LoginLimiter throttles login attempts separately (5 rpm per IP)
	// from general API traffic.
	LoginLimiter *ratelimit.Limiter
	CORSOrigins  []string
	Logger       zerolog.Logger

	// TemporalTaskQueue names the queue ApprovalWorkflow instances are
	// started on; must match the worker registered in cmd/worker.
	TemporalTaskQueue string
}

// NewRouter builds the full chi router for the Admin HTTP API.
func (a *API) NewRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(a.requestLogger)
	if a.RateLimiter != nil {
		r.Use(a.RateLimiter.Middleware(ratelimit.RemoteAddrKey))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if a.LoginLimiter != nil {
		r.With(a.LoginLimiter.Middleware(ratelimit.RemoteAddrKey)).Post("/api/auth/login", a.handleLogin)
	} else {
		r.Post("/api/auth/login", a.handleLogin)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(a.requireAdmin)

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", a.listServers)
			r.Post("/", a.createServer)
			r.Post("/import", a.importServer)
			r.Route("/{serverID}", func(r chi.Router) {
				r.Get("/", a.getServer)
				r.Patch("/", a.updateServer)
				r.Delete("/", a.deleteServer)

				r.Get("/export", a.exportServer)
				r.Post("/start", a.startServer)
				r.Post("/stop", a.stopServer)

				r.Post("/allowed-hosts", a.addAllowedHost)
				r.Delete("/allowed-hosts", a.removeAllowedHost)

				r.Get("/tools", a.listServerTools)
				r.Get("/logs", a.listExecutionLogs)

				r.Route("/secrets/{key}", func(r chi.Router) {
					r.Put("/", a.putSecret)
					r.Delete("/", a.deleteSecret)
				})
				r.Get("/secrets", a.listSecretKeys)

				r.Route("/external-sources", func(r chi.Router) {
					r.Get("/", a.listExternalSources)
					r.Post("/", a.createExternalSource)
				})
			})
		})

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", a.listTools)
			r.Post("/", a.createTool)
			r.Post("/validate-code", a.validateCode)
			r.Route("/{toolID}", func(r chi.Router) {
				r.Get("/", a.getTool)
				r.Patch("/", a.updateTool)
				r.Delete("/", a.deleteTool)
				r.Post("/test-code", a.testCode)
				r.Post("/publish", a.publishTool)
				r.Route("/versions", func(r chi.Router) {
					r.Get("/", a.listVersions)
					r.Route("/{version}/rollback", func(r chi.Router) {
						r.Post("/", a.rollbackVersion)
					})
				})
			})
		})

		r.Route("/approvals/{kind}", func(r chi.Router) {
			r.Get("/", a.listApprovals)
			r.Post("/", a.submitApproval)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getApproval)
				r.Post("/action", a.decideApproval)
				r.Post("/revoke", a.revokeApproval)
			})
		})

		r.Route("/external-sources", func(r chi.Router) {
			r.Route("/{sourceID}", func(r chi.Router) {
				r.Get("/", a.getExternalSource)
				r.Patch("/", a.updateExternalSource)
				r.Delete("/", a.deleteExternalSource)
				r.Post("/discover", a.discoverExternalSource)
				r.Post("/import", a.importExternalTool)
				r.Post("/oauth/authorize", a.beginOAuth)
				r.Post("/oauth/callback", a.completeOAuth)
			})
		})

		r.Get("/sessions", a.listSessions)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/security-policy", a.getSecurityPolicy)
			r.Put("/security-policy", a.putSecurityPolicy)
			r.Get("/modules", a.listModules)
			r.Post("/modules", a.addModule)
			r.Delete("/modules/{name}", a.removeModule)
		})
	})

	return r
}

func (a *API) corsOrigins() []string {
	if len(a.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return a.CORSOrigins
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("admin api request")
	})
}
