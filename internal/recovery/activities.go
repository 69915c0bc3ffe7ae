// Package recovery re-registers running servers after a restart: at
// worker start, every Server with
// status=running has its approved-enabled tools recompiled and
// re-registered at the sandbox service, retried with exponential backoff
// until registration succeeds or a global deadline elapses, demoting the
// server to error on timeout.
//
// Activities are non-deterministic by nature (store reads, HTTP calls to
// the sandbox service) and so live outside the workflow definition.
package recovery

import (
	"context"
	"encoding/json"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/registry"
	"github.com/mcpbox/mcpbox/internal/sandboxclient"
	"github.com/mcpbox/mcpbox/internal/store"
)

// Activities bundles the recovery workflow's non-deterministic
// dependencies: the durable store and the sandbox client used to
// re-register tools.
type Activities struct {
	Store  store.Store
	Client *sandboxclient.Client
}

// NewActivities constructs an Activities.
func NewActivities(s store.Store, c *sandboxclient.Client) *Activities {
	return &Activities{Store: s, Client: c}
}

// serverRef is the minimal shape the recovery workflow carries in its
// history: just enough to drive RecoverServer/DemoteServer without
// serializing fields the workflow never reads.
type serverRef struct {
	ID string
}

// ListRunningServers returns the id of every Server currently marked
// running, the set one recovery pass re-registers.
func (a *Activities) ListRunningServers(ctx context.Context) ([]serverRef, error) {
	const pageSize = 200
	var out []serverRef
	for page := 1; ; page++ {
		result, err := a.Store.ListServers(ctx, store.Page{Page: page, PageSize: pageSize})
		if err != nil {
			return nil, err
		}
		for _, s := range result.Items {
			if s.Status == models.ServerRunning {
				out = append(out, serverRef{ID: s.ID})
			}
		}
		if page >= result.Pages || result.Pages == 0 {
			break
		}
	}
	return out, nil
}

// RecoverServer recompiles a server's approved-enabled tools and
// re-registers them at the sandbox service. The sandbox client's own
// circuit breaker and backoff govern the per-call retry; the workflow
// layer bounds the overall attempt window via its activity RetryPolicy.
func (a *Activities) RecoverServer(ctx context.Context, serverID string) error {
	tools, err := a.Store.ListToolsByServer(ctx, serverID)
	if err != nil {
		return err
	}

	artifacts := registry.CompileApproved(serverID, tools)
	compiled := make([]json.RawMessage, 0, len(artifacts))
	for _, artifact := range artifacts {
		raw, err := json.Marshal(artifact)
		if err != nil {
			return domainerr.Wrap(domainerr.KindInternal, err, "marshal tool %q for registration", artifact.ToolName)
		}
		compiled = append(compiled, raw)
	}

	return a.Client.Register(ctx, serverID, compiled)
}

// DemoteServer marks a server as errored after its recovery deadline
// elapses without a successful registration.
func (a *Activities) DemoteServer(ctx context.Context, serverID, message string) error {
	srv, err := a.Store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	srv.Status = models.ServerError
	srv.ErrorMessage = message
	return a.Store.UpdateServer(ctx, srv)
}
