package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"
)

// stubActivities exposes the same method set as *Activities so the test
// environment can register them under the names ExecuteActivity in
// workflow.go dispatches by (method-value reflection yields the bare method
// name, e.g. "ListRunningServers"), without needing a real Store/Client.
type stubActivities struct{}

func (stubActivities) ListRunningServers(_ context.Context) ([]serverRef, error) {
	panic("stub: should be mocked")
}
func (stubActivities) RecoverServer(_ context.Context, _ string) error {
	panic("stub: should be mocked")
}
func (stubActivities) DemoteServer(_ context.Context, _, _ string) error {
	panic("stub: should be mocked")
}

type RecoveryWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func TestRecoveryWorkflowSuite(t *testing.T) {
	suite.Run(t, new(RecoveryWorkflowTestSuite))
}

func (s *RecoveryWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	var stub stubActivities
	s.env.RegisterActivity(stub.ListRunningServers)
	s.env.RegisterActivity(stub.RecoverServer)
	s.env.RegisterActivity(stub.DemoteServer)
}

func (s *RecoveryWorkflowTestSuite) TestWorkflow_RecoversRunningServers() {
	s.env.OnActivity("ListRunningServers", mock.Anything).
		Return([]serverRef{{ID: "srv-1"}, {ID: "srv-2"}}, nil).Once()
	s.env.OnActivity("RecoverServer", mock.Anything, "srv-1").Return(nil).Once()
	s.env.OnActivity("RecoverServer", mock.Anything, "srv-2").Return(nil).Once()

	s.env.ExecuteWorkflow(Workflow, Input{Deadline: 10 * time.Second})

	require.True(s.T(), s.env.IsWorkflowCompleted())
	require.NoError(s.T(), s.env.GetWorkflowError())
	s.env.AssertExpectations(s.T())
}

func (s *RecoveryWorkflowTestSuite) TestWorkflow_DemotesServerOnRegistrationFailure() {
	s.env.OnActivity("ListRunningServers", mock.Anything).
		Return([]serverRef{{ID: "srv-1"}}, nil).Once()
	// No .Once(): the workflow's retry policy re-attempts RecoverServer
	// until ScheduleToCloseTimeout elapses, so the mock must tolerate
	// repeated calls before the activity is finally abandoned.
	s.env.OnActivity("RecoverServer", mock.Anything, "srv-1").
		Return(errors.New("sandbox unreachable"))
	s.env.OnActivity("DemoteServer", mock.Anything, "srv-1", mock.AnythingOfType("string")).
		Return(nil).Once()

	s.env.ExecuteWorkflow(Workflow, Input{Deadline: 10 * time.Second})

	require.True(s.T(), s.env.IsWorkflowCompleted())
	require.NoError(s.T(), s.env.GetWorkflowError())
	s.env.AssertExpectations(s.T())
}
