// Command gateway runs the MCP Streamable-HTTP gateway and the Admin
// HTTP API in one process, sharing a single Postgres store and a single
// sandbox client between them.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron"
	"go.temporal.io/sdk/client"

	"github.com/mcpbox/mcpbox/internal/adminapi"
	"github.com/mcpbox/mcpbox/internal/config"
	"github.com/mcpbox/mcpbox/internal/externalmcp"
	"github.com/mcpbox/mcpbox/internal/gateway"
	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/modulepolicy"
	"github.com/mcpbox/mcpbox/internal/ratelimit"
	"github.com/mcpbox/mcpbox/internal/registry"
	"github.com/mcpbox/mcpbox/internal/sandboxclient"
	"github.com/mcpbox/mcpbox/internal/secretstore"
	"github.com/mcpbox/mcpbox/internal/store"
	"github.com/mcpbox/mcpbox/internal/telemetry"
	"github.com/mcpbox/mcpbox/internal/temporalclient"
)

// storeStatusLookup adapts the durable store to gateway.ServerStatusLookup.
type storeStatusLookup struct {
	store store.Store
}

func (l storeStatusLookup) IsRunning(serverID string) bool {
	srv, err := l.store.GetServer(context.Background(), serverID)
	if err != nil {
		return false
	}
	return srv.Status == models.ServerRunning
}

func (l storeStatusLookup) AccessPolicy(serverID string) gateway.AccessPolicy {
	srv, err := l.store.GetServer(context.Background(), serverID)
	if err != nil {
		return gateway.AccessPolicy{}
	}
	emails := make(map[string]bool, len(srv.AccessAllowedEmails))
	for _, e := range srv.AccessAllowedEmails {
		emails[e] = true
	}
	return gateway.AccessPolicy{
		Everyone:      srv.AccessEveryone,
		AllowedEmails: emails,
		DomainSuffix:  srv.AccessDomainSuffix,
	}
}

func main() {
	logger := telemetry.NewLogger("gateway")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DBURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBConnMaxLifetime)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to store")
	}
	defer st.Close()

	secrets, err := secretstore.New(cfg.EncryptionMasterKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("init secret store")
	}

	var temporalClient client.Client
	if opts, err := temporalclient.Options(cfg.TemporalHostPort); err == nil {
		temporalClient, err = client.Dial(opts)
		if err != nil {
			logger.Warn().Err(err).Msg("temporal client unavailable; approvals API will refuse decisions")
		}
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, "mcpbox-gateway", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	seed, err := modulepolicy.LoadSeed(cfg.ModuleSeedFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load module seed")
	}

	reg := registry.New(nil)
	sandboxClient := sandboxclient.New("http://"+trimScheme(cfg.SandboxAddr), cfg.ServiceToken, 5*time.Minute)
	modules := modulepolicy.NewManager(seed)

	resolver := externalmcp.NewDefaultResolver(st, secrets)
	pool := externalmcp.New(cfg.McpExternalPoolSize, 10*time.Minute, resolver, logger)
	defer pool.CloseAll()

	status := storeStatusLookup{store: st}
	gw := gateway.New(reg, sandboxClient, pool, st, st, status, namingMode(), cfg.RemoteAccessMode, 30*time.Minute, logger)

	api := &adminapi.API{
		Store:             st,
		Secrets:           secrets,
		Modules:           modules,
		Temporal:          temporalClient,
		Gateway:           gw,
		ExternalPool:      pool,
		Resolver:          resolver,
		Registry:          reg,
		SandboxClient:     sandboxClient,
		JWTSigningKey:     cfg.JWTSigningKey,
		JWTExpiry:         cfg.JWTAccessExpiry,
		RateLimiter:       ratelimit.New(cfg.RateLimitRPM),
		LoginLimiter:      ratelimit.New(5),
		Logger:            logger,
		TemporalTaskQueue: cfg.TemporalTaskQueue,
	}

	mcpLimiter := ratelimit.New(cfg.RateLimitRPM)
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpLimiter.Middleware(ratelimit.RemoteAddrKey)(gw.Handler()))
	mux.Handle("/", api.NewRouter())

	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	janitor := cron.New()
	_ = janitor.AddFunc("@every 1m", func() {
		for _, sess := range gw.IdleSessions(time.Now()) {
			gw.EvictSession(sess)
		}
	})
	_ = janitor.AddFunc("@daily", func() {
		cutoff := time.Now().AddDate(0, 0, -cfg.LogRetentionDays)
		n, err := st.DeleteExecutionLogsBefore(ctx, cutoff)
		if err != nil {
			logger.Warn().Err(err).Msg("execution log retention gc")
			return
		}
		logger.Info().Int64("deleted", n).Msg("execution log retention gc")
	})
	janitor.Start()
	defer janitor.Stop()

	go func() {
		logger.Info().Str("addr", cfg.GatewayAddr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("gateway exited")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("gateway shutdown")
	}
}

func namingMode() gateway.NamingMode {
	if os.Getenv("MCPBOX_TOOL_NAMING") == "qualified" {
		return gateway.NamingQualified
	}
	return gateway.NamingLocal
}

// trimScheme turns a listen addr like ":8081" into a dialable host:port
// for the sandbox client's base URL.
func trimScheme(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
