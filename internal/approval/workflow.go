// Package approval implements the Approval Engine: a Temporal
// workflow-per-request state machine for tool_publish / module / network
// approval requests, with revocation and the TOCTOU reset invariant.
//
// One ApprovalRequest has exactly one outstanding decision at a time, so
// the workflow waits on a single decision slot between transitions.
package approval

import (
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/mcpbox/mcpbox/internal/models"
)

// DecisionSignal is delivered by the admin_decide signal handler.
type DecisionSignal struct {
	Approve    bool
	ReviewedBy string
}

// MutatedSignal is delivered whenever the subject tool's source changes,
// implementing the TOCTOU reset.
type MutatedSignal struct{}

// RevokeSignal transitions an approved request back to pending without
// deleting history.
type RevokeSignal struct{}

// Input starts one approval workflow.
type Input struct {
	Request      models.ApprovalRequest
	RequestedBy  string // the requester's identity, for the no-self-approval check
}

// State is the queryable snapshot of one in-flight approval workflow.
type State struct {
	Status     models.ApprovalState
	ReviewedBy string
	ReviewedAt time.Time
}

// WorkflowName is registered with the Temporal worker.
const WorkflowName = "ApprovalWorkflow"

const (
	signalDecide  = "admin_decide"
	signalMutated = "tool_mutated"
	signalRevoke  = "revoke"
	queryState    = "state"
)

// Workflow drives one ApprovalRequest from pending through to a terminal
// or reset state. It never returns while the request can still be acted
// upon: decisions, mutation resets, and revocations are signals, not
// workflow inputs, so the workflow must run for the request's entire
// lifetime. There is no terminal edge out of the pending state.
func Workflow(ctx workflow.Context, in Input) error {
	state := State{Status: models.ApprovalStatePending}

	if err := workflow.SetQueryHandler(ctx, queryState, func() (State, error) {
		return state, nil
	}); err != nil {
		return err
	}

	decisionCh := workflow.GetSignalChannel(ctx, signalDecide)
	mutatedCh := workflow.GetSignalChannel(ctx, signalMutated)
	revokeCh := workflow.GetSignalChannel(ctx, signalRevoke)

	for {
		var decision DecisionSignal
		var gotDecision, gotMutated, gotRevoke bool

		selector := workflow.NewSelector(ctx)
		selector.AddReceive(decisionCh, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, &decision)
			gotDecision = true
		})
		selector.AddReceive(mutatedCh, func(c workflow.ReceiveChannel, more bool) {
			var sig MutatedSignal
			c.Receive(ctx, &sig)
			gotMutated = true
		})
		selector.AddReceive(revokeCh, func(c workflow.ReceiveChannel, more bool) {
			var sig RevokeSignal
			c.Receive(ctx, &sig)
			gotRevoke = true
		})
		selector.Select(ctx)

		switch {
		case gotMutated:
			// Any mutation of the tool's source resets approval back to
			// pending_review, defeating approve-then-swap TOCTOU.
			state = State{Status: models.ApprovalStatePending}

		case gotRevoke:
			if state.Status == models.ApprovalStateApproved {
				state = State{Status: models.ApprovalStatePending}
			}

		case gotDecision:
			if decision.ReviewedBy == in.RequestedBy {
				// No-self-approval: silently ignored rather than erroring,
				// so a misbehaving caller cannot force a workflow failure.
				continue
			}
			if decision.Approve {
				state = State{Status: models.ApprovalStateApproved, ReviewedBy: decision.ReviewedBy, ReviewedAt: workflow.Now(ctx)}
			} else {
				state = State{Status: models.ApprovalStateRejected, ReviewedBy: decision.ReviewedBy, ReviewedAt: workflow.Now(ctx)}
			}
		}
	}
}
