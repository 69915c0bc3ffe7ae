package adminapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/egress"
	"github.com/mcpbox/mcpbox/internal/executor"
	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/validator"
)

type toolRequest struct {
	ServerID    string `json:"server_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"`
	TimeoutMs   int    `json:"timeout_ms"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Passthrough *struct {
		ExternalSourceID string `json:"external_source_id"`
		ExternalToolName string `json:"external_tool_name"`
	} `json:"passthrough,omitempty"`
}

func (a *API) listTools(w http.ResponseWriter, r *http.Request) {
	res, err := a.Store.ListTools(r.Context(), pageFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	pagedResponse(w, res)
}

// createTool runs the validator on Source (unless this is a passthrough tool, which
// carries no Starlark source) and stores the tool in draft state: it is
// not exposed until publishTool requests approval and an admin grants it.
func (a *API) createTool(w http.ResponseWriter, r *http.Request) {
	var req toolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !models.ToolNamePattern.MatchString(req.Name) {
		writeError(w, domainerr.New(domainerr.KindValidation, "tool name %q does not match %s", req.Name, models.ToolNamePattern.String()))
		return
	}

	toolType := models.ToolTypePythonCode
	var schema map[string]any
	var passthrough *models.PassthroughSource
	if req.Passthrough != nil {
		toolType = models.ToolTypeMcpPassthrough
		passthrough = &models.PassthroughSource{
			ExternalSourceID: req.Passthrough.ExternalSourceID,
			ExternalToolName: req.Passthrough.ExternalToolName,
		}
	} else {
		result := validator.Validate(req.Source)
		if !result.Valid {
			writeError(w, domainerr.New(domainerr.KindValidation, "%s: %s", result.Failure, result.Message))
			return
		}
		schema = result.InputSchema
	}

	timeout := req.TimeoutMs
	if timeout <= 0 {
		timeout = 30_000
	}

	now := time.Now()
	tool := &models.Tool{
		ID:             uuid.NewString(),
		ServerID:       req.ServerID,
		Name:           req.Name,
		Description:    req.Description,
		Enabled:        false,
		TimeoutMs:      timeout,
		ToolType:       toolType,
		Source:         req.Source,
		Passthrough:    passthrough,
		InputSchema:    schema,
		ApprovalStatus: models.ApprovalDraft,
		CurrentVersion: 0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.Store.CreateTool(r.Context(), tool); err != nil {
		writeError(w, err)
		return
	}
	if tool.Source != "" {
		if _, err := a.Store.CreateVersion(r.Context(), tool.ID, tool.Source, "initial version"); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, tool)
}

func (a *API) getTool(w http.ResponseWriter, r *http.Request) {
	tool, err := a.Store.GetTool(r.Context(), chi.URLParam(r, "toolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

// updateTool applies the TOCTOU reset: any change to
// Source resets approval_status to draft and disables the tool, then
// signals any open
// tool_publish workflow so it resets to pending too.
func (a *API) updateTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "toolID")
	tool, err := a.Store.GetTool(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req toolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sourceChanged := req.Source != "" && req.Source != tool.Source
	if req.Description != "" {
		tool.Description = req.Description
	}
	if req.TimeoutMs > 0 {
		tool.TimeoutMs = req.TimeoutMs
	}

	if sourceChanged {
		result := validator.Validate(req.Source)
		if !result.Valid {
			writeError(w, domainerr.New(domainerr.KindValidation, "%s: %s", result.Failure, result.Message))
			return
		}
		tool.Source = req.Source
		tool.InputSchema = result.InputSchema
		tool.Enabled = false
		tool.ApprovalStatus = models.ApprovalDraft

		if _, err := a.Store.CreateVersion(r.Context(), tool.ID, tool.Source, "updated source"); err != nil {
			writeError(w, err)
			return
		}
		a.resetOpenApprovals(r.Context(), tool.ID)
	}

	// enabled implies approval_status = approved; toggling enabled alone
	// still fires tools/list_changed, since the gateway's exposed set
	// changes even though approval status does not.
	if req.Enabled != nil && *req.Enabled != tool.Enabled {
		if *req.Enabled && !tool.CanEnable() {
			writeError(w, domainerr.New(domainerr.KindPrecondition, "tool %q cannot be enabled: approval_status is %q, not approved", tool.Name, tool.ApprovalStatus))
			return
		}
		tool.Enabled = *req.Enabled
	}

	if err := a.Store.UpdateTool(r.Context(), tool); err != nil {
		writeError(w, err)
		return
	}
	a.syncServerRegistration(r.Context(), tool.ServerID)
	writeJSON(w, http.StatusOK, tool)
}

// resetOpenApprovals sends the TOCTOU tool_mutated signal to every pending
// tool_publish request for this subject.
func (a *API) resetOpenApprovals(ctx context.Context, toolID string) {
	if a.Temporal == nil {
		return
	}
	pending, err := a.Store.ListPendingForSubject(ctx, toolID)
	if err != nil {
		return
	}
	for _, req := range pending {
		_ = a.Temporal.SignalWorkflow(ctx, req.WorkflowID, "", "tool_mutated", nil)
	}
}

func (a *API) deleteTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "toolID")
	tool, err := a.Store.GetTool(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.Store.DeleteTool(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	a.syncServerRegistration(r.Context(), tool.ServerID)
	w.WriteHeader(http.StatusNoContent)
}

type publishRequest struct {
	Justification string `json:"justification"`
}

// publishTool opens a tool_publish ApprovalRequest, moving the tool to
// pending_review.
func (a *API) publishTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "toolID")
	tool, err := a.Store.GetTool(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body publishRequest
	_ = decodeJSON(r, &body)

	actor := actorFromContext(r.Context())
	req, err := a.startApprovalRequest(r.Context(), models.ApprovalKindToolPublish, tool.ID, actor, body.Justification)
	if err != nil {
		writeError(w, err)
		return
	}

	tool.ApprovalStatus = models.ApprovalPendingReview
	if err := a.Store.UpdateTool(r.Context(), tool); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.Store.ListVersions(r.Context(), chi.URLParam(r, "toolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": versions, "total": len(versions)})
}

// rollbackVersion restores a prior version's source byte-for-byte as a
// new version: current_version advances, source
// matches the target version exactly, and approval resets to
// pending_review since the executable artifact changed.
func (a *API) rollbackVersion(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	versionNum, err := parseVersionParam(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, err)
		return
	}

	tool, err := a.Store.GetTool(r.Context(), toolID)
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := a.Store.GetVersion(r.Context(), toolID, versionNum)
	if err != nil {
		writeError(w, err)
		return
	}

	result := validator.Validate(target.Source)
	newSchema := result.InputSchema
	drifted := !schemaEqual(newSchema, tool.InputSchema)

	newVersion, err := a.Store.CreateVersion(r.Context(), toolID, target.Source, "rollback to v"+strconv.Itoa(versionNum))
	if err != nil {
		writeError(w, err)
		return
	}
	if drifted {
		newVersion.SchemaDrifted = true
		if err := a.Store.MarkVersionSchemaDrifted(r.Context(), toolID, newVersion.VersionNumber); err != nil {
			writeError(w, err)
			return
		}
	}

	tool.Source = target.Source
	tool.InputSchema = newSchema
	tool.Enabled = false
	tool.ApprovalStatus = models.ApprovalPendingReview
	if err := a.Store.UpdateTool(r.Context(), tool); err != nil {
		writeError(w, err)
		return
	}
	a.resetOpenApprovals(r.Context(), toolID)
	a.syncServerRegistration(r.Context(), tool.ServerID)

	writeJSON(w, http.StatusOK, map[string]any{
		"tool":           tool,
		"version":        newVersion,
		"schema_drifted": drifted,
	})
}

func schemaEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || !deepEqualJSON(v, bv) {
			return false
		}
	}
	return true
}

// deepEqualJSON compares two decoded-JSON-shaped values, sufficient for
// the schema shapes inferSchema produces. Slices are normalized first:
// a freshly computed schema carries []string where one loaded from the
// store carries []any, and the two must still compare equal.
func deepEqualJSON(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok != bok {
		return false
	}
	if aok {
		return schemaEqual(am, bm)
	}
	aa, aok := asAnySlice(a)
	bb, bok := asAnySlice(b)
	if aok != bok {
		return false
	}
	if aok {
		if len(aa) != len(bb) {
			return false
		}
		for i := range aa {
			if !deepEqualJSON(aa[i], bb[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

func asAnySlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func parseVersionParam(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, domainerr.New(domainerr.KindValidation, "version %q is not a positive integer", s)
	}
	return n, nil
}

// validateCode exposes the validator for admin-surface dry runs against
// free-form submitted source.
func (a *API) validateCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validator.Validate(req.Source))
}

// testCode exposes the executor for admin-surface dry runs, but only against the
// tool's already-saved source: test-code never accepts a free-form
// string, to prevent injection through repr interpolation.
func (a *API) testCode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "toolID")
	tool, err := a.Store.GetTool(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	srv, err := a.Store.GetServer(r.Context(), tool.ServerID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Args map[string]any `json:"args"`
	}
	_ = decodeJSON(r, &req)

	secrets, err := a.buildSecretView(r.Context(), tool.ServerID)
	if err != nil {
		writeError(w, err)
		return
	}

	deadline := time.Duration(tool.TimeoutMs) * time.Millisecond
	if deadline <= 0 || deadline > 300*time.Second {
		deadline = executor.DefaultCaps.Deadline
	}

	result := executor.Run(r.Context(), executor.Invocation{
		ServerID: tool.ServerID,
		ToolName: tool.Name,
		Source:   tool.Source,
		Args:     req.Args,
		Secrets:  secrets,
		Policy:   a.Modules,
		Egress:   egress.New(srv.AllowsHost, nil),
		Caps:     executor.Caps{Deadline: deadline},
	})
	writeJSON(w, http.StatusOK, result)
}

// buildSecretView decrypts every stored secret for a server into the
// read-only view the executor hands to guest code.
func (a *API) buildSecretView(ctx context.Context, serverID string) (executor.SecretView, error) {
	secrets, err := a.Store.ListSecretCiphertexts(ctx, serverID)
	if err != nil {
		return nil, err
	}
	view := make(executor.SecretView, len(secrets))
	for _, s := range secrets {
		plaintext, err := a.Secrets.Open(s.Ciphertext, s.IV, models.SecretAAD(s.ServerID, s.KeyName))
		if err != nil {
			return nil, domainerr.Wrap(domainerr.KindSecurityViolation, err, "decrypt secret %q", s.KeyName)
		}
		view[s.KeyName] = string(plaintext)
	}
	return view, nil
}
