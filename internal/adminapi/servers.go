package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/registry"
)

type serverRequest struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	NetworkMode      string   `json:"network_mode"`
	DefaultTimeoutMs int      `json:"default_timeout_ms"`
	AccessEveryone   *bool    `json:"access_everyone,omitempty"`
	AccessEmails     []string `json:"access_allowed_emails,omitempty"`
	AccessDomain     *string  `json:"access_domain_suffix,omitempty"`
}

func (a *API) listServers(w http.ResponseWriter, r *http.Request) {
	res, err := a.Store.ListServers(r.Context(), pageFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	pagedResponse(w, res)
}

func (a *API) createServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, domainerr.New(domainerr.KindValidation, "name is required"))
		return
	}
	mode := models.NetworkIsolated
	if req.NetworkMode == string(models.NetworkAllowlist) {
		mode = models.NetworkAllowlist
	}
	timeout := req.DefaultTimeoutMs
	if timeout <= 0 {
		timeout = 30_000
	}

	now := time.Now()
	srv := &models.Server{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Description:      req.Description,
		Status:           models.ServerImported,
		NetworkMode:      mode,
		DefaultTimeoutMs: timeout,
		AccessEveryone:   true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	applyAccessPolicy(srv, req)

	if err := a.Store.CreateServer(r.Context(), srv); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func applyAccessPolicy(srv *models.Server, req serverRequest) {
	if req.AccessEveryone != nil {
		srv.AccessEveryone = *req.AccessEveryone
	}
	if req.AccessEmails != nil {
		srv.AccessAllowedEmails = req.AccessEmails
	}
	if req.AccessDomain != nil {
		srv.AccessDomainSuffix = *req.AccessDomain
	}
}

func (a *API) getServer(w http.ResponseWriter, r *http.Request) {
	srv, err := a.Store.GetServer(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (a *API) updateServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	srv, err := a.Store.GetServer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req serverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name != "" {
		srv.Name = req.Name
	}
	if req.Description != "" {
		srv.Description = req.Description
	}
	if req.NetworkMode != "" {
		srv.NetworkMode = models.NetworkMode(req.NetworkMode)
	}
	if req.DefaultTimeoutMs > 0 {
		srv.DefaultTimeoutMs = req.DefaultTimeoutMs
	}
	applyAccessPolicy(srv, req)

	if err := a.Store.UpdateServer(r.Context(), srv); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// deleteServer refuses to delete a server while it is running.
func (a *API) deleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	srv, err := a.Store.GetServer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if srv.Status == models.ServerRunning {
		writeError(w, domainerr.New(domainerr.KindPrecondition, "cannot delete server %q while running", id))
		return
	}
	if err := a.Store.DeleteServer(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startServer compiles the server's approved-enabled tools, registers them
// at the sandbox service and in the gateway's local mirror, then marks the
// server running. A server with zero registrable tools is refused.
func (a *API) startServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	srv, err := a.Store.GetServer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	tools, err := a.Store.ListToolsByServer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	artifacts := registry.CompileApproved(id, tools)
	if len(artifacts) == 0 {
		writeError(w, domainerr.New(domainerr.KindPrecondition, "server %q has no approved, enabled tools to run", id))
		return
	}

	if a.SandboxClient != nil {
		compiled := make([]json.RawMessage, 0, len(artifacts))
		for _, artifact := range artifacts {
			raw, err := json.Marshal(artifact)
			if err != nil {
				writeError(w, domainerr.Wrap(domainerr.KindInternal, err, "marshal tool %q", artifact.ToolName))
				return
			}
			compiled = append(compiled, raw)
		}
		if err := a.SandboxClient.Register(r.Context(), id, compiled); err != nil {
			writeError(w, err)
			return
		}
	}
	if a.Registry != nil {
		a.Registry.Register(id, artifacts)
	}

	srv.Status = models.ServerRunning
	srv.ErrorMessage = ""
	if err := a.Store.UpdateServer(r.Context(), srv); err != nil {
		writeError(w, err)
		return
	}
	a.reloadGateway(r.Context())
	writeJSON(w, http.StatusOK, srv)
}

// stopServer unregisters the server's tools at the sandbox service and
// the local mirror, then marks the server stopped.
func (a *API) stopServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	srv, err := a.Store.GetServer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if a.SandboxClient != nil {
		if err := a.SandboxClient.Unregister(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	if a.Registry != nil {
		a.Registry.Unregister(id)
	}

	srv.Status = models.ServerStopped
	if err := a.Store.UpdateServer(r.Context(), srv); err != nil {
		writeError(w, err)
		return
	}
	a.reloadGateway(r.Context())
	writeJSON(w, http.StatusOK, srv)
}

type hostRequest struct {
	Host string `json:"host"`
}

func (a *API) addAllowedHost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	var req hostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Host == "" {
		writeError(w, domainerr.New(domainerr.KindValidation, "host is required"))
		return
	}
	if err := a.Store.AddAllowedHost(r.Context(), id, req.Host); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (a *API) removeAllowedHost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	var req hostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Store.RemoveAllowedHost(r.Context(), id, req.Host); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (a *API) listServerTools(w http.ResponseWriter, r *http.Request) {
	tools, err := a.Store.ListToolsByServer(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tools, "total": len(tools)})
}

// listExecutionLogs returns the most recent execution log rows for one
// server, newest first. Rows are already redacted and truncated at write
// time, so they are safe to hand to an authenticated admin as-is.
func (a *API) listExecutionLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := a.Store.ListExecutionLogs(r.Context(), chi.URLParam(r, "serverID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs, "total": len(logs)})
}

// listSessions snapshots the gateway's live MCP sessions. Sessions are
// in-memory only, so this is empty when the gateway is not wired (e.g. a
// standalone admin process).
func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	if a.Gateway == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}, "total": 0})
		return
	}
	sessions := a.Gateway.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{"items": sessions, "total": len(sessions)})
}
