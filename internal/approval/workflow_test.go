package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"

	"github.com/mcpbox/mcpbox/internal/models"
)

type ApprovalWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func TestApprovalWorkflowSuite(t *testing.T) {
	suite.Run(t, new(ApprovalWorkflowTestSuite))
}

func (s *ApprovalWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
}

func testInput() Input {
	return Input{
		Request: models.ApprovalRequest{
			ID:      "req-1",
			Kind:    models.ApprovalKindToolPublish,
			Subject: "tool-1",
			Status:  models.ApprovalStatePending,
		},
		RequestedBy: "agent-llm",
	}
}

func (s *ApprovalWorkflowTestSuite) queryState() State {
	val, err := s.env.QueryWorkflow(queryState)
	require.NoError(s.T(), err)
	var st State
	require.NoError(s.T(), val.Get(&st))
	return st
}

// TestAdminApprove_Succeeds verifies a distinct reviewer can approve.
func (s *ApprovalWorkflowTestSuite) TestAdminApprove_Succeeds() {
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(signalDecide, DecisionSignal{Approve: true, ReviewedBy: "admin@example.com"})
	}, time.Second)

	s.env.RegisterDelayedCallback(func() {
		st := s.queryState()
		assert.Equal(s.T(), models.ApprovalStateApproved, st.Status)
		assert.Equal(s.T(), "admin@example.com", st.ReviewedBy)
	}, time.Second*2)

	s.env.ExecuteWorkflow(Workflow, testInput())
	// The workflow never returns on its own; the test env ends it with a
	// timeout error once no more signals are scheduled.
	assert.True(s.T(), s.env.IsWorkflowCompleted())
	assert.Error(s.T(), s.env.GetWorkflowError(), "the approval workflow never returns while a request can still be acted on")
}

// TestSelfApproval_IsIgnored verifies the no-self-approval invariant:
// the requester's own identity as reviewer leaves the request pending.
func (s *ApprovalWorkflowTestSuite) TestSelfApproval_IsIgnored() {
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(signalDecide, DecisionSignal{Approve: true, ReviewedBy: "agent-llm"})
	}, time.Second)

	s.env.RegisterDelayedCallback(func() {
		st := s.queryState()
		assert.Equal(s.T(), models.ApprovalStatePending, st.Status)
	}, time.Second*2)

	s.env.ExecuteWorkflow(Workflow, testInput())
}

// TestApprove_ThenMutation_ResetsToPending covers the TOCTOU reset: an
// approved-or-rejected request snaps back to pending on any source mutation.
func (s *ApprovalWorkflowTestSuite) TestApprove_ThenMutation_ResetsToPending() {
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(signalDecide, DecisionSignal{Approve: true, ReviewedBy: "admin@example.com"})
	}, time.Second)

	s.env.RegisterDelayedCallback(func() {
		assert.Equal(s.T(), models.ApprovalStateApproved, s.queryState().Status)
		s.env.SignalWorkflow(signalMutated, MutatedSignal{})
	}, time.Second*2)

	s.env.RegisterDelayedCallback(func() {
		assert.Equal(s.T(), models.ApprovalStatePending, s.queryState().Status)
	}, time.Second*3)

	s.env.ExecuteWorkflow(Workflow, testInput())
}

// TestRevoke_ApprovedToPending covers explicit revocation without deleting
// history.
func (s *ApprovalWorkflowTestSuite) TestRevoke_ApprovedToPending() {
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(signalDecide, DecisionSignal{Approve: true, ReviewedBy: "admin@example.com"})
	}, time.Second)

	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(signalRevoke, RevokeSignal{})
	}, time.Second*2)

	s.env.RegisterDelayedCallback(func() {
		assert.Equal(s.T(), models.ApprovalStatePending, s.queryState().Status)
	}, time.Second*3)

	s.env.ExecuteWorkflow(Workflow, testInput())
}

// TestRevoke_NonApproved_IsNoop: revoking a request that is not currently
// approved must not disturb its state.
func (s *ApprovalWorkflowTestSuite) TestRevoke_NonApproved_IsNoop() {
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(signalRevoke, RevokeSignal{})
	}, time.Second)

	s.env.RegisterDelayedCallback(func() {
		assert.Equal(s.T(), models.ApprovalStatePending, s.queryState().Status)
	}, time.Second*2)

	s.env.ExecuteWorkflow(Workflow, testInput())
}

// TestReject_ThenApprove covers rejection followed by a later approval by a
// different reviewer.
func (s *ApprovalWorkflowTestSuite) TestReject_ThenApprove() {
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(signalDecide, DecisionSignal{Approve: false, ReviewedBy: "admin@example.com"})
	}, time.Second)

	s.env.RegisterDelayedCallback(func() {
		assert.Equal(s.T(), models.ApprovalStateRejected, s.queryState().Status)
		s.env.SignalWorkflow(signalDecide, DecisionSignal{Approve: true, ReviewedBy: "admin2@example.com"})
	}, time.Second*2)

	s.env.RegisterDelayedCallback(func() {
		st := s.queryState()
		assert.Equal(s.T(), models.ApprovalStateApproved, st.Status)
		assert.Equal(s.T(), "admin2@example.com", st.ReviewedBy)
	}, time.Second*3)

	s.env.ExecuteWorkflow(Workflow, testInput())
}
