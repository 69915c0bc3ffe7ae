package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

func TestRegister_ThenLookup(t *testing.T) {
	r := New(nil)
	r.Register("srv-1", []Artifact{
		{ServerID: "srv-1", ToolName: "forecast", Source: "def main(): pass"},
	})

	a, err := r.Lookup("srv-1", "forecast")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", a.ServerID)
	assert.Equal(t, "forecast", a.ToolName)
}

func TestLookup_UnregisteredTool_NotFound(t *testing.T) {
	r := New(nil)
	r.Register("srv-1", []Artifact{{ServerID: "srv-1", ToolName: "forecast"}})

	_, err := r.Lookup("srv-1", "missing")
	require.Error(t, err)
	de, ok := domainerr.As(err)
	require.True(t, ok)
	assert.Equal(t, domainerr.KindNotFound, de.Kind)
}

func TestLookup_UnregisteredServer_NotFound(t *testing.T) {
	r := New(nil)
	_, err := r.Lookup("nope", "forecast")
	require.Error(t, err)
	de, ok := domainerr.As(err)
	require.True(t, ok)
	assert.Equal(t, domainerr.KindNotFound, de.Kind)
}

// /execute never implicitly registers: unregistering a server removes its
// tools even if Register is never called again.
func TestUnregister_RemovesAllToolsForServer(t *testing.T) {
	r := New(nil)
	r.Register("srv-1", []Artifact{{ServerID: "srv-1", ToolName: "forecast"}})
	r.Unregister("srv-1")

	_, err := r.Lookup("srv-1", "forecast")
	require.Error(t, err)
}

func TestRegister_ReplacesFullToolSet(t *testing.T) {
	r := New(nil)
	r.Register("srv-1", []Artifact{
		{ServerID: "srv-1", ToolName: "a"},
		{ServerID: "srv-1", ToolName: "b"},
	})
	r.Register("srv-1", []Artifact{{ServerID: "srv-1", ToolName: "a"}})

	_, err := r.Lookup("srv-1", "b")
	require.Error(t, err, "b should have been dropped by the replacing Register call")
	_, err = r.Lookup("srv-1", "a")
	require.NoError(t, err)
}

func TestRegister_FiresNotification(t *testing.T) {
	var got string
	r := New(func(serverID string) { got = serverID })
	r.Register("srv-1", nil)
	assert.Equal(t, "srv-1", got)

	r.Unregister("srv-1")
	assert.Equal(t, "srv-1", got)
}

func TestListByServer_GroupsAcrossServers(t *testing.T) {
	r := New(nil)
	r.Register("srv-1", []Artifact{{ServerID: "srv-1", ToolName: "a"}})
	r.Register("srv-2", []Artifact{{ServerID: "srv-2", ToolName: "b"}})

	byServer := r.ListByServer()
	assert.Len(t, byServer, 2)
	assert.Len(t, byServer["srv-1"], 1)
	assert.Len(t, byServer["srv-2"], 1)
}

// Once a mutation commits, every subsequent Lookup/ListByServer observes it.
func TestConcurrentReadsDuringWrite_AreConsistent(t *testing.T) {
	r := New(nil)
	r.Register("srv-1", []Artifact{{ServerID: "srv-1", ToolName: "a"}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.ListByServer()
		}()
	}
	r.Register("srv-1", []Artifact{{ServerID: "srv-1", ToolName: "a"}, {ServerID: "srv-1", ToolName: "b"}})
	wg.Wait()

	byServer := r.ListByServer()
	assert.Len(t, byServer["srv-1"], 2)
}

func TestCompileApproved_SkipsDisabledAndUnapproved(t *testing.T) {
	tools := []models.Tool{
		{Name: "a", Enabled: true, ApprovalStatus: models.ApprovalApproved},
		{Name: "b", Enabled: false, ApprovalStatus: models.ApprovalApproved},
		{Name: "c", Enabled: true, ApprovalStatus: models.ApprovalDraft},
	}
	artifacts := CompileApproved("srv-1", tools)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "a", artifacts[0].ToolName)
}

func TestCompileApproved_CarriesPassthroughTarget(t *testing.T) {
	tools := []models.Tool{
		{
			Name:           "search",
			Enabled:        true,
			ApprovalStatus: models.ApprovalApproved,
			Passthrough:    &models.PassthroughSource{ExternalSourceID: "ext-1", ExternalToolName: "web_search"},
		},
	}
	artifacts := CompileApproved("srv-1", tools)
	require.Len(t, artifacts, 1)
	require.NotNil(t, artifacts[0].Passthrough)
	assert.Equal(t, "ext-1", artifacts[0].Passthrough.ExternalSourceID)
	assert.Equal(t, "web_search", artifacts[0].Passthrough.ExternalToolName)
}
