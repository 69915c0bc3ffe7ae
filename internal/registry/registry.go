// Package registry implements the Tool Registry: an in-memory mapping
// of (server, tool name) to a compiled-and-ready artifact, rebuilt from the
// durable store on process start or recovery.
//
// A single RWMutex guards the two-level server→tool map: lookups and
// listings take the read lock, register/unregister take the write lock,
// so a committed mutation is observed by every subsequent list.
package registry

import (
	"sync"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

// Artifact is one compiled, ready-to-invoke tool: its validated source (or
// passthrough target) plus the metadata the gateway needs to build an MCP
// tool descriptor.
type Artifact struct {
	ServerID     string
	ToolName     string
	Description  string
	TimeoutMs    int
	Source       string
	InputSchema  map[string]any
	Passthrough  *PassthroughTarget
}

// PassthroughTarget identifies the external source and remote tool name a
// mcp_passthrough tool forwards to.
type PassthroughTarget struct {
	ExternalSourceID string
	ExternalToolName string
}

// Notifier is invoked after every mutation so the change notifier can fan a
// tools/list_changed notification out to live gateway sessions.
type Notifier func(serverID string)

// Registry is the live, process-wide tool map.
type Registry struct {
	mu       sync.RWMutex
	servers  map[string]map[string]Artifact // server_id -> tool_name -> artifact
	notify   Notifier
}

// New creates an empty Registry. notify may be nil in tests.
func New(notify Notifier) *Registry {
	return &Registry{
		servers: make(map[string]map[string]Artifact),
		notify:  notify,
	}
}

// Register replaces the full tool set for one server.
func (r *Registry) Register(serverID string, tools []Artifact) {
	r.mu.Lock()
	byName := make(map[string]Artifact, len(tools))
	for _, t := range tools {
		byName[t.ToolName] = t
	}
	r.servers[serverID] = byName
	r.mu.Unlock()

	r.fire(serverID)
}

// Unregister drops every tool belonging to serverID.
func (r *Registry) Unregister(serverID string) {
	r.mu.Lock()
	delete(r.servers, serverID)
	r.mu.Unlock()

	r.fire(serverID)
}

// Lookup resolves one tool. Returns a NotFound domainerr.Error if the
// tool is not currently registered: /execute never implicitly registers.
func (r *Registry) Lookup(serverID, toolName string) (Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools, ok := r.servers[serverID]
	if !ok {
		return Artifact{}, domainerr.New(domainerr.KindNotFound, "server %q has no registered tools", serverID)
	}
	artifact, ok := tools[toolName]
	if !ok {
		return Artifact{}, domainerr.New(domainerr.KindNotFound, "tool %q not registered for server %q", toolName, serverID)
	}
	return artifact, nil
}

// ListByServer returns every registered artifact, grouped by server id.
func (r *Registry) ListByServer() map[string][]Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]Artifact, len(r.servers))
	for serverID, tools := range r.servers {
		list := make([]Artifact, 0, len(tools))
		for _, t := range tools {
			list = append(list, t)
		}
		out[serverID] = list
	}
	return out
}

// CompileApproved builds registration artifacts for every approved,
// enabled tool in tools — the "recompile its approved-enabled tools" step
// shared by starting a server from the admin API and server recovery.
func CompileApproved(serverID string, tools []models.Tool) []Artifact {
	out := make([]Artifact, 0, len(tools))
	for _, t := range tools {
		if !t.Enabled || t.ApprovalStatus != models.ApprovalApproved {
			continue
		}
		artifact := Artifact{
			ServerID:    serverID,
			ToolName:    t.Name,
			Description: t.Description,
			TimeoutMs:   t.TimeoutMs,
			Source:      t.Source,
			InputSchema: t.InputSchema,
		}
		if t.Passthrough != nil {
			artifact.Passthrough = &PassthroughTarget{
				ExternalSourceID: t.Passthrough.ExternalSourceID,
				ExternalToolName: t.Passthrough.ExternalToolName,
			}
		}
		out = append(out, artifact)
	}
	return out
}

func (r *Registry) fire(serverID string) {
	if r.notify != nil {
		r.notify(serverID)
	}
}
