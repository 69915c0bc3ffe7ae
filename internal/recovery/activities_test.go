package recovery

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/modulepolicy"
	"github.com/mcpbox/mcpbox/internal/registry"
	"github.com/mcpbox/mcpbox/internal/sandboxclient"
	"github.com/mcpbox/mcpbox/internal/sandboxservice"
	"github.com/mcpbox/mcpbox/internal/store"
)

func testSandbox(t *testing.T) (*sandboxclient.Client, *registry.Registry, func()) {
	t.Helper()
	reg := registry.New(nil)
	svc := &sandboxservice.Service{
		Registry:     reg,
		Policy:       modulepolicy.NewManager(nil),
		ServiceToken: "s3cr3t",
	}
	srv := httptest.NewServer(svc.NewRouter())
	client := sandboxclient.New(srv.URL, "s3cr3t", 5*time.Second)
	return client, reg, srv.Close
}

func TestListRunningServers_OnlyIncludesRunning(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	running := &models.Server{ID: "srv-running", Name: "running", Status: models.ServerRunning}
	stopped := &models.Server{ID: "srv-stopped", Name: "stopped", Status: models.ServerStopped}
	require.NoError(t, s.CreateServer(ctx, running))
	require.NoError(t, s.CreateServer(ctx, stopped))

	client, _, closeSrv := testSandbox(t)
	defer closeSrv()

	a := NewActivities(s, client)
	refs, err := a.ListRunningServers(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "srv-running", refs[0].ID)
}

func TestRecoverServer_RegistersApprovedEnabledTools(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	srv := &models.Server{ID: "srv-1", Name: "weather", Status: models.ServerRunning}
	require.NoError(t, s.CreateServer(ctx, srv))

	enabled := &models.Tool{ID: "t1", ServerID: "srv-1", Name: "forecast", Enabled: true, ApprovalStatus: models.ApprovalApproved, Source: "def main(): pass"}
	draft := &models.Tool{ID: "t2", ServerID: "srv-1", Name: "draftonly", Enabled: false, ApprovalStatus: models.ApprovalDraft, Source: "def main(): pass"}
	require.NoError(t, s.CreateTool(ctx, enabled))
	require.NoError(t, s.CreateTool(ctx, draft))

	client, reg, closeSrv := testSandbox(t)
	defer closeSrv()

	a := NewActivities(s, client)
	require.NoError(t, a.RecoverServer(ctx, "srv-1"))

	_, err := reg.Lookup("srv-1", "forecast")
	require.NoError(t, err)
	_, err = reg.Lookup("srv-1", "draftonly")
	assert.Error(t, err, "draft tools must not be re-registered on recovery")
}

func TestDemoteServer_SetsErrorStatusAndMessage(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	srv := &models.Server{ID: "srv-1", Name: "weather", Status: models.ServerRunning}
	require.NoError(t, s.CreateServer(ctx, srv))

	client, _, closeSrv := testSandbox(t)
	defer closeSrv()

	a := NewActivities(s, client)
	require.NoError(t, a.DemoteServer(ctx, "srv-1", "sandbox unreachable after recovery deadline"))

	got, err := s.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, models.ServerError, got.Status)
	assert.Equal(t, "sandbox unreachable after recovery deadline", got.ErrorMessage)
}
