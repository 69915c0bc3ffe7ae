package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpbox/mcpbox/internal/domainerr"
)

const securityPolicySettingKey = "security_policy"

// getSecurityPolicy returns the stored security-policy settings blob
// verbatim, or {} if nothing has been set.
func (a *API) getSecurityPolicy(w http.ResponseWriter, r *http.Request) {
	raw, err := a.Store.GetSetting(r.Context(), securityPolicySettingKey)
	if err != nil {
		if derr, ok := domainerr.As(err); !ok || derr.Kind != domainerr.KindNotFound {
			writeError(w, err)
			return
		}
		raw = nil
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// putSecurityPolicy stores an arbitrary JSON settings blob verbatim. The
// blob is not interpreted here or anywhere else; only getSecurityPolicy
// reads it back.
func (a *API) putSecurityPolicy(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Store.PutSetting(r.Context(), securityPolicySettingKey, body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// listModules reports the module whitelist's current state, including
// the permanently forbidden set.
func (a *API) listModules(w http.ResponseWriter, r *http.Request) {
	if a.Modules == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.Modules.ListWithStatus()})
}

type addModuleRequest struct {
	Name string `json:"name"`
}

// addModule whitelists a module directly; the admin-approval path
// (ApprovalKindModule) reaches the same Manager.Add via applyApprovalOutcome.
func (a *API) addModule(w http.ResponseWriter, r *http.Request) {
	var req addModuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, domainerr.New(domainerr.KindValidation, "name is required"))
		return
	}
	if a.Modules == nil {
		writeError(w, domainerr.New(domainerr.KindInternal, "module policy manager not configured"))
		return
	}
	if err := a.Modules.Add(req.Name, actorFromContext(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (a *API) removeModule(w http.ResponseWriter, r *http.Request) {
	if a.Modules == nil {
		writeError(w, domainerr.New(domainerr.KindInternal, "module policy manager not configured"))
		return
	}
	a.Modules.Remove(chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}
