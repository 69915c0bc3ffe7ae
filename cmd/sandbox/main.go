// Command sandbox runs the Sandbox Service: the HTTP façade that
// exposes the Executor and Tool Registry to the gateway and admin
// processes.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpbox/mcpbox/internal/config"
	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/egress"
	"github.com/mcpbox/mcpbox/internal/executor"
	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/modulepolicy"
	"github.com/mcpbox/mcpbox/internal/ratelimit"
	"github.com/mcpbox/mcpbox/internal/registry"
	"github.com/mcpbox/mcpbox/internal/sandboxservice"
	"github.com/mcpbox/mcpbox/internal/secretstore"
	"github.com/mcpbox/mcpbox/internal/store"
	"github.com/mcpbox/mcpbox/internal/telemetry"
)

func main() {
	logger := telemetry.NewLogger("sandbox")

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

	shutdownTracing, err := telemetry.InitTracing(ctx, "mcpbox-sandbox", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	seed, err := modulepolicy.LoadSeed(cfg.ModuleSeedFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load module seed")
	}
	policy := modulepolicy.NewManager(seed)
	reg := registry.New(nil) // the sandbox service is not the authority that fans out tools/list_changed; the gateway owns that.

	svc := &sandboxservice.Service{
		Registry:     reg,
		Policy:       policy,
		Logs:         st,
		ServiceToken: cfg.ServiceToken,
		Logger:       logger,
		Caps: executor.Caps{
			MemoryBytes: int64(cfg.SandboxMemoryMB) << 20,
			CPUTime:     time.Duration(cfg.SandboxCPUSec) * time.Second,
			MaxFDs:      cfg.SandboxFDCap,
		},

		InvokeLimiter:    ratelimit.New(60),
		TokenFailLimiter: ratelimit.New(10),
		Secrets: func(serverID string) executor.SecretView {
			view, err := buildSecretView(ctx, st, secrets, serverID)
			if err != nil {
				logger.Warn().Err(err).Str("server_id", serverID).Msg("decrypt secrets for invocation")
				return nil
			}
			return view
		},
		Allowlist: func(serverID string) egress.HostAllower {
			srv, err := st.GetServer(ctx, serverID)
			if err != nil {
				return func(string) bool { return false }
			}
			return srv.AllowsHost
		},
	}

	srv := &http.Server{
		Addr:              cfg.SandboxAddr,
		Handler:           svc.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.SandboxAddr).Msg("sandbox service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("sandbox service exited")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("sandbox service shutdown")
	}
}

func buildSecretView(ctx context.Context, st store.Store, secrets *secretstore.Store, serverID string) (executor.SecretView, error) {
	rows, err := st.ListSecretCiphertexts(ctx, serverID)
	if err != nil {
		return nil, err
	}
	view := make(executor.SecretView, len(rows))
	for _, s := range rows {
		plaintext, err := secrets.Open(s.Ciphertext, s.IV, models.SecretAAD(s.ServerID, s.KeyName))
		if err != nil {
			return nil, domainerr.Wrap(domainerr.KindSecurityViolation, err, "decrypt secret %q", s.KeyName)
		}
		view[s.KeyName] = string(plaintext)
	}
	return view, nil
}
