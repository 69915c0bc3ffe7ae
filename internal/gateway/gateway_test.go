package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/mcpbox/mcpbox/internal/registry"
)

func TestAccessPolicy_Allows(t *testing.T) {
	everyone := AccessPolicy{Everyone: true}
	assert.True(t, everyone.Allows("anyone@example.com"))

	enumerated := AccessPolicy{AllowedEmails: map[string]bool{"a@example.com": true}}
	assert.True(t, enumerated.Allows("a@example.com"))
	assert.False(t, enumerated.Allows("b@example.com"))

	domain := AccessPolicy{DomainSuffix: "@acme.com"}
	assert.True(t, domain.Allows("bob@acme.com"))
	assert.False(t, domain.Allows("bob@other.com"))

	empty := AccessPolicy{}
	assert.False(t, empty.Allows("anyone@example.com"))
}

func TestGateway_ToolName(t *testing.T) {
	g := &Gateway{naming: NamingLocal}
	a := registry.Artifact{ServerID: "srv1", ToolName: "fetch"}
	assert.Equal(t, "fetch", g.toolName(a))

	g.naming = NamingQualified
	assert.Equal(t, "mcpbox_srv1_fetch", g.toolName(a))
}

type fakeStatus struct {
	running map[string]bool
}

func (f fakeStatus) IsRunning(serverID string) bool { return f.running[serverID] }
func (f fakeStatus) AccessPolicy(serverID string) AccessPolicy {
	return AccessPolicy{Everyone: true}
}

func TestGateway_ReloadExposesOnlyRunningServers(t *testing.T) {
	reg := registry.New(nil)
	reg.Register("srv1", []registry.Artifact{{ServerID: "srv1", ToolName: "fetch", Description: "fetch a url"}})
	reg.Register("srv2", []registry.Artifact{{ServerID: "srv2", ToolName: "scan", Description: "scan a repo"}})

	g := New(reg, nil, nil, nil, nil, fakeStatus{running: map[string]bool{"srv1": true}}, NamingQualified, false, time.Hour, zerolog.Nop())
	g.Reload(func(serverID, toolName string) bool { return true })

	_, srv1Exposed := g.lookupExposed("mcpbox_srv1_fetch")
	_, srv2Exposed := g.lookupExposed("mcpbox_srv2_scan")
	assert.True(t, srv1Exposed)
	assert.False(t, srv2Exposed)
}

func TestGateway_ReloadRespectsApprovalFilter(t *testing.T) {
	reg := registry.New(nil)
	reg.Register("srv1", []registry.Artifact{{ServerID: "srv1", ToolName: "fetch"}})

	g := New(reg, nil, nil, nil, nil, fakeStatus{running: map[string]bool{"srv1": true}}, NamingLocal, false, time.Hour, zerolog.Nop())
	g.Reload(func(serverID, toolName string) bool { return false })

	_, exposed := g.lookupExposed("fetch")
	assert.False(t, exposed)
}
