package recovery

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// WorkflowName is registered with the Temporal worker.
const WorkflowName = "ServerRecoveryWorkflow"

// Input starts one recovery pass. Deadline bounds how long a single
// server's re-registration may be retried before it is demoted.
type Input struct {
	Deadline time.Duration
}

var activities *Activities // typed nil: method values only, never dereferenced locally

// Workflow loads every running server and re-registers its tools at the sandbox service in
// parallel, demoting any server whose registration never succeeds within
// Deadline.
func Workflow(ctx workflow.Context, in Input) error {
	listCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
	})

	var servers []serverRef
	if err := workflow.ExecuteActivity(listCtx, activities.ListRunningServers).Get(ctx, &servers); err != nil {
		return err
	}

	registerCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout:    30 * time.Second,
		ScheduleToCloseTimeout: in.Deadline,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
		},
	})

	futures := make([]workflow.Future, len(servers))
	for i, srv := range servers {
		futures[i] = workflow.ExecuteActivity(registerCtx, activities.RecoverServer, srv.ID)
	}

	demoteCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
	})
	for i, f := range futures {
		if err := f.Get(ctx, nil); err != nil {
			_ = workflow.ExecuteActivity(demoteCtx, activities.DemoteServer, servers[i].ID, err.Error()).Get(ctx, nil)
		}
	}
	return nil
}
