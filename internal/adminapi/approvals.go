package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/mcpbox/mcpbox/internal/approval"
	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/modulepolicy"
	"github.com/mcpbox/mcpbox/internal/registry"
)

// startApprovalRequest persists a new ApprovalRequest and starts its
// backing ApprovalWorkflow, enforcing the one-pending-per-subject
// invariant the store's partial unique index/manual scan already holds.
func (a *API) startApprovalRequest(ctx context.Context, kind models.ApprovalKind, subject, requestedBy, justification string) (*models.ApprovalRequest, error) {
	id := uuid.NewString()
	req := &models.ApprovalRequest{
		ID:            id,
		Kind:          kind,
		Subject:       subject,
		RequestedBy:   requestedBy,
		Justification: justification,
		Status:        models.ApprovalStatePending,
		CreatedAt:     time.Now(),
		WorkflowID:    "approval-" + string(kind) + "-" + id,
	}

	if err := a.Store.CreateApprovalRequest(ctx, req); err != nil {
		return nil, err
	}

	if a.Temporal != nil {
		_, err := a.Temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:                    req.WorkflowID,
			TaskQueue:             a.TemporalTaskQueue,
			WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		}, approval.WorkflowName, approval.Input{Request: *req, RequestedBy: requestedBy})
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return nil, domainerr.New(domainerr.KindConflict, "approval request already in flight")
		}
		if err != nil {
			return nil, domainerr.Wrap(domainerr.KindInternal, err, "start approval workflow")
		}
	}
	return req, nil
}

type submitApprovalRequest struct {
	Subject       string `json:"subject,omitempty"`
	ServerID      string `json:"server_id,omitempty"`
	Host          string `json:"host,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// submitApproval opens a module or network approval request. Tool-publish
// requests are opened through POST /api/tools/{id}/publish instead, which
// also moves the tool to pending_review; this handler covers the two
// kinds whose subject is not a tool.
func (a *API) submitApproval(w http.ResponseWriter, r *http.Request) {
	kind, err := approvalKindFromPath(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body submitApprovalRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	subject := body.Subject
	if kind == models.ApprovalKindNetwork && subject == "" {
		if body.ServerID == "" || body.Host == "" {
			writeError(w, domainerr.New(domainerr.KindValidation, "network requests need server_id and host"))
			return
		}
		subject = body.ServerID + "|" + body.Host
	}
	if subject == "" {
		writeError(w, domainerr.New(domainerr.KindValidation, "subject is required"))
		return
	}

	// A permanently forbidden module can never be approved, so refuse the
	// request at submission rather than leaving it to rot in pending.
	if kind == models.ApprovalKindModule && a.Modules != nil &&
		a.Modules.Check(subject) == modulepolicy.DecisionForbiddenPermanent {
		writeError(w, domainerr.New(domainerr.KindPrecondition, "module %q is permanently forbidden and cannot be requested", subject))
		return
	}

	req, err := a.startApprovalRequest(r.Context(), kind, subject, actorFromContext(r.Context()), body.Justification)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) listApprovals(w http.ResponseWriter, r *http.Request) {
	kind, err := approvalKindFromPath(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	var status models.ApprovalState
	if v := r.URL.Query().Get("status"); v != "" {
		status = models.ApprovalState(v)
	}
	res, err := a.Store.ListApprovalRequests(r.Context(), kind, status, pageFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	pagedResponse(w, res)
}

func (a *API) getApproval(w http.ResponseWriter, r *http.Request) {
	req, err := a.Store.GetApprovalRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type approvalActionRequest struct {
	Approve bool `json:"approve"`
}

// decideApproval signals the backing workflow with the admin's decision,
// queries the resulting state, and — for an approved tool_publish request
// — flips the subject tool's approval_status so the gateway's next Reload
// exposes it.
func (a *API) decideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := a.Store.GetApprovalRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	reviewer := actorFromContext(r.Context())
	if !req.CanBeApprovedBy(reviewer) {
		writeError(w, domainerr.New(domainerr.KindAuthZ, "requester cannot approve their own request"))
		return
	}

	var body approvalActionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	state, err := a.signalAndQuery(r.Context(), req.WorkflowID, "admin_decide", approval.DecisionSignal{
		Approve:    body.Approve,
		ReviewedBy: reviewer,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	req.Status = state.Status
	req.ReviewedBy = state.ReviewedBy
	if !state.ReviewedAt.IsZero() {
		t := state.ReviewedAt
		req.ReviewedAt = &t
	}
	if err := a.Store.UpdateApprovalRequest(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}

	if err := a.applyApprovalOutcome(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (a *API) revokeApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := a.Store.GetApprovalRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	state, err := a.signalAndQuery(r.Context(), req.WorkflowID, "revoke", approval.RevokeSignal{})
	if err != nil {
		writeError(w, err)
		return
	}
	req.Status = state.Status
	if err := a.Store.UpdateApprovalRequest(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.applyApprovalOutcome(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// applyApprovalOutcome bridges the approval engine's decision back onto the entity the
// request governs: a tool's approval_status, a module whitelist entry, or
// a server's host allowlist.
func (a *API) applyApprovalOutcome(ctx context.Context, req *models.ApprovalRequest) error {
	switch req.Kind {
	case models.ApprovalKindToolPublish:
		tool, err := a.Store.GetTool(ctx, req.Subject)
		if err != nil {
			return err
		}
		switch req.Status {
		case models.ApprovalStateApproved:
			tool.ApprovalStatus = models.ApprovalApproved
		case models.ApprovalStateRejected:
			tool.ApprovalStatus = models.ApprovalRejected
			tool.Enabled = false
		default: // pending after a revoke or TOCTOU reset
			tool.ApprovalStatus = models.ApprovalPendingReview
			tool.Enabled = false
		}
		if err := a.Store.UpdateTool(ctx, tool); err != nil {
			return err
		}
		a.syncServerRegistration(ctx, tool.ServerID)

	case models.ApprovalKindModule:
		if req.Status == models.ApprovalStateApproved && a.Modules != nil {
			return a.Modules.Add(req.Subject, req.ReviewedBy)
		}
		if req.Status != models.ApprovalStateApproved && a.Modules != nil {
			a.Modules.Remove(req.Subject)
		}

	case models.ApprovalKindNetwork:
		serverID, host, ok := splitNetworkSubject(req.Subject)
		if !ok {
			return domainerr.New(domainerr.KindValidation, "malformed network approval subject %q", req.Subject)
		}
		if req.Status == models.ApprovalStateApproved {
			return a.Store.AddAllowedHost(ctx, serverID, host)
		}
		return a.Store.RemoveAllowedHost(ctx, serverID, host)
	}
	return nil
}

// splitNetworkSubject parses the "{serverID}|{host}" convention network
// approval subjects use. '|' cannot appear in either half.
func splitNetworkSubject(subject string) (serverID, host string, ok bool) {
	for i := 0; i < len(subject); i++ {
		if subject[i] == '|' {
			return subject[:i], subject[i+1:], true
		}
	}
	return "", "", false
}

func (a *API) reloadGateway(ctx context.Context) {
	if a.Gateway == nil {
		return
	}
	a.Gateway.Reload(func(serverID, toolName string) bool {
		tool, err := a.Store.GetToolByName(ctx, serverID, toolName)
		if err != nil {
			return false
		}
		return tool.Enabled && tool.ApprovalStatus == models.ApprovalApproved
	})
}

// syncServerRegistration recompiles and re-registers serverID's tools at
// the sandbox service and in the local mirror when the server is currently running, then
// fires tools/list_changed via reloadGateway. A mutation against a server that is not
// running has nothing to re-register; tools become visible only when the
// server is (re)started.
func (a *API) syncServerRegistration(ctx context.Context, serverID string) {
	srv, err := a.Store.GetServer(ctx, serverID)
	if err != nil || srv.Status != models.ServerRunning {
		return
	}
	tools, err := a.Store.ListToolsByServer(ctx, serverID)
	if err != nil {
		return
	}
	artifacts := registry.CompileApproved(serverID, tools)

	if a.SandboxClient != nil {
		compiled := make([]json.RawMessage, 0, len(artifacts))
		for _, artifact := range artifacts {
			raw, err := json.Marshal(artifact)
			if err != nil {
				continue
			}
			compiled = append(compiled, raw)
		}
		_ = a.SandboxClient.Register(ctx, serverID, compiled)
	}
	if a.Registry != nil {
		a.Registry.Register(serverID, artifacts)
	}
	a.reloadGateway(ctx)
}

func (a *API) signalAndQuery(ctx context.Context, workflowID, signalName string, signalArg any) (approval.State, error) {
	if a.Temporal == nil {
		return approval.State{}, domainerr.New(domainerr.KindInternal, "no temporal client configured")
	}
	if err := a.Temporal.SignalWorkflow(ctx, workflowID, "", signalName, signalArg); err != nil {
		return approval.State{}, domainerr.Wrap(domainerr.KindInternal, err, "signal approval workflow")
	}
	val, err := a.Temporal.QueryWorkflow(ctx, workflowID, "", "state")
	if err != nil {
		return approval.State{}, domainerr.Wrap(domainerr.KindInternal, err, "query approval workflow")
	}
	var state approval.State
	if err := val.Get(&state); err != nil {
		return approval.State{}, domainerr.Wrap(domainerr.KindInternal, err, "decode approval workflow state")
	}
	return state, nil
}

func approvalKindFromPath(raw string) (models.ApprovalKind, error) {
	switch raw {
	case "tools":
		return models.ApprovalKindToolPublish, nil
	case "modules":
		return models.ApprovalKindModule, nil
	case "network":
		return models.ApprovalKindNetwork, nil
	default:
		return "", domainerr.New(domainerr.KindValidation, "unknown approval kind %q", raw)
	}
}
