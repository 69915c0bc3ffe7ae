package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/externalmcp"
	"github.com/mcpbox/mcpbox/internal/models"
)

type externalSourceRequest struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	Transport      string `json:"transport"`
	Auth           string `json:"auth"`
	AuthSecretName string `json:"auth_secret_name,omitempty"`
	AuthHeaderName string `json:"auth_header_name,omitempty"`
	OAuthIssuer    string `json:"oauth_issuer,omitempty"`
	OAuthClientID  string `json:"oauth_client_id,omitempty"`
}

// createExternalSource registers a remote MCP endpoint a server can pull
// passthrough tools from. Discovery and import happen as separate steps.
func (a *API) createExternalSource(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	var req externalSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, domainerr.New(domainerr.KindValidation, "name and url are required"))
		return
	}

	src := &models.ExternalSource{
		ID:             uuid.NewString(),
		ServerID:       serverID,
		Name:           req.Name,
		URL:            req.URL,
		Transport:      models.Transport(req.Transport),
		Auth:           models.AuthMode(req.Auth),
		AuthSecretName: req.AuthSecretName,
		AuthHeaderName: req.AuthHeaderName,
		Status:         "unverified",
	}
	if src.Transport == "" {
		src.Transport = models.TransportStreamableHTTP
	}
	if src.Auth == models.AuthOAuth {
		src.OAuth = &models.OAuthState{Issuer: req.OAuthIssuer, ClientID: req.OAuthClientID}
	}

	if err := a.Store.CreateExternalSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (a *API) listExternalSources(w http.ResponseWriter, r *http.Request) {
	sources, err := a.Store.ListExternalSourcesByServer(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sources, "total": len(sources)})
}

func (a *API) getExternalSource(w http.ResponseWriter, r *http.Request) {
	src, err := a.Store.GetExternalSource(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (a *API) updateExternalSource(w http.ResponseWriter, r *http.Request) {
	src, err := a.Store.GetExternalSource(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req externalSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name != "" {
		src.Name = req.Name
	}
	if req.URL != "" {
		src.URL = req.URL
	}
	if req.AuthSecretName != "" {
		src.AuthSecretName = req.AuthSecretName
	}
	if req.AuthHeaderName != "" {
		src.AuthHeaderName = req.AuthHeaderName
	}
	if err := a.Store.UpdateExternalSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}
	// The pooled session, if any, was authenticated against the old
	// config; force reconnection on next use.
	if a.ExternalPool != nil {
		a.ExternalPool.Invalidate(src.ID)
	}
	writeJSON(w, http.StatusOK, src)
}

func (a *API) deleteExternalSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sourceID")
	if err := a.Store.DeleteExternalSource(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if a.ExternalPool != nil {
		a.ExternalPool.Invalidate(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// discoverExternalSource calls tools/list on the external server and
// records the tool count and discovery timestamp, without importing
// anything locally yet.
func (a *API) discoverExternalSource(w http.ResponseWriter, r *http.Request) {
	src, err := a.Store.GetExternalSource(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if a.ExternalPool == nil {
		writeError(w, domainerr.New(domainerr.KindInternal, "external source pool not configured"))
		return
	}

	tools, err := a.ExternalPool.ListTools(r.Context(), src)
	if err != nil {
		src.Status = "unreachable"
		_ = a.Store.UpdateExternalSource(r.Context(), src)
		writeError(w, err)
		return
	}

	now := time.Now()
	src.LastDiscoveredAt = &now
	src.ToolCount = len(tools)
	src.Status = "reachable"
	if err := a.Store.UpdateExternalSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}

	discovered := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		discovered = append(discovered, map[string]any{
			"name":        t.Name,
			"description": t.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": discovered})
}

type importExternalToolRequest struct {
	ExternalToolName string `json:"external_tool_name"`
	LocalName        string `json:"local_name"`
	Description      string `json:"description"`
	TimeoutMs        int    `json:"timeout_ms"`
}

// importExternalTool creates a local mcp_passthrough Tool forwarding to
// one tool on an External Source, in draft state like any other tool.
func (a *API) importExternalTool(w http.ResponseWriter, r *http.Request) {
	src, err := a.Store.GetExternalSource(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req importExternalToolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !models.ToolNamePattern.MatchString(req.LocalName) {
		writeError(w, domainerr.New(domainerr.KindValidation, "tool name %q does not match %s", req.LocalName, models.ToolNamePattern.String()))
		return
	}

	timeout := req.TimeoutMs
	if timeout <= 0 {
		timeout = 30_000
	}

	now := time.Now()
	tool := &models.Tool{
		ID:          uuid.NewString(),
		ServerID:    src.ServerID,
		Name:        req.LocalName,
		Description: req.Description,
		Enabled:     false,
		TimeoutMs:   timeout,
		ToolType:    models.ToolTypeMcpPassthrough,
		Passthrough: &models.PassthroughSource{
			ExternalSourceID: src.ID,
			ExternalToolName: req.ExternalToolName,
		},
		ApprovalStatus: models.ApprovalDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.Store.CreateTool(r.Context(), tool); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tool)
}

type beginOAuthRequest struct {
	RedirectURL string `json:"redirect_url"`
}

// beginOAuth starts the OAuth flow: discover the protected-resource
// and authorization-server metadata, then start the PKCE flow and return
// the URL an admin's browser should be redirected to.
func (a *API) beginOAuth(w http.ResponseWriter, r *http.Request) {
	src, err := a.Store.GetExternalSource(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if src.Auth != models.AuthOAuth || src.OAuth == nil {
		writeError(w, domainerr.New(domainerr.KindPrecondition, "external source %q is not configured for OAuth", src.Name))
		return
	}
	var req beginOAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	issuer := src.OAuth.Issuer
	if issuer == "" {
		issuer, err = externalmcp.DiscoverProtectedResource(r.Context(), src.URL)
		if err != nil {
			writeError(w, err)
			return
		}
		src.OAuth.Issuer = issuer
	}
	endpoint, err := externalmcp.DiscoverAuthorizationServer(r.Context(), issuer)
	if err != nil {
		writeError(w, err)
		return
	}

	flow := externalmcp.NewOAuthFlow(a.Secrets)
	authURL, err := flow.BeginAuthorization(r.Context(), src, endpoint, req.RedirectURL)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.Store.UpdateExternalSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
}

type completeOAuthRequest struct {
	RedirectURL string `json:"redirect_url"`
	Code        string `json:"code"`
}

// completeOAuth finishes the flow: exchange the authorization code
// for an access/refresh token pair, persisting the encrypted refresh token.
func (a *API) completeOAuth(w http.ResponseWriter, r *http.Request) {
	src, err := a.Store.GetExternalSource(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req completeOAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if src.Auth != models.AuthOAuth || src.OAuth == nil {
		writeError(w, domainerr.New(domainerr.KindPrecondition, "external source %q is not configured for OAuth", src.Name))
		return
	}

	endpoint, err := externalmcp.DiscoverAuthorizationServer(r.Context(), src.OAuth.Issuer)
	if err != nil {
		writeError(w, err)
		return
	}

	flow := externalmcp.NewOAuthFlow(a.Secrets)
	if _, err := flow.ExchangeCode(r.Context(), src, endpoint, req.RedirectURL, req.Code); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Store.UpdateExternalSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authenticated"})
}
