// Command worker runs the Temporal worker hosting the approval and
// server-recovery workflows.
package main

import (
	"context"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/mcpbox/mcpbox/internal/approval"
	"github.com/mcpbox/mcpbox/internal/config"
	"github.com/mcpbox/mcpbox/internal/recovery"
	"github.com/mcpbox/mcpbox/internal/sandboxclient"
	"github.com/mcpbox/mcpbox/internal/store"
	"github.com/mcpbox/mcpbox/internal/telemetry"
	"github.com/mcpbox/mcpbox/internal/temporalclient"
)

func main() {
	logger := telemetry.NewLogger("worker")

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

	opts, err := temporalclient.Options(cfg.TemporalHostPort)
	if err != nil {
		logger.Fatal().Err(err).Msg("load temporal client options")
	}
	c, err := client.Dial(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial temporal")
	}
	defer c.Close()

	sandboxClient := sandboxclient.New("http://"+trimScheme(cfg.SandboxAddr), cfg.ServiceToken, 2*time.Minute)

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})

	w.RegisterWorkflowWithOptions(approval.Workflow, workflow.RegisterOptions{Name: approval.WorkflowName})
	w.RegisterWorkflowWithOptions(recovery.Workflow, workflow.RegisterOptions{Name: recovery.WorkflowName})

	recoveryActivities := recovery.NewActivities(st, sandboxClient)
	w.RegisterActivity(recoveryActivities.ListRunningServers)
	w.RegisterActivity(recoveryActivities.RecoverServer)
	w.RegisterActivity(recoveryActivities.DemoteServer)

	// Kick off one recovery pass every time this worker process starts:
	// the sandbox service's in-memory registry does not survive a
	// restart, so every server still marked running must be re-registered.
	if _, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "recovery-boot-" + time.Now().UTC().Format(time.RFC3339Nano),
		TaskQueue: cfg.TemporalTaskQueue,
	}, recovery.WorkflowName, recovery.Input{Deadline: 2 * time.Minute}); err != nil {
		logger.Warn().Err(err).Msg("start boot-time recovery workflow")
	}

	logger.Info().Str("task_queue", cfg.TemporalTaskQueue).Msg("worker starting")
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Fatal().Err(err).Msg("worker exited")
	}
}

// trimScheme turns a listen addr like ":8081" into a dialable host:port
// for the sandbox client's base URL.
func trimScheme(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
