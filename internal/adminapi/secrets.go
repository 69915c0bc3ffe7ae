package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

type secretRequest struct {
	Value string `json:"value"`
}

// putSecret encrypts value under the Secret Store's master key, bound to
// this (server, key) slot via SecretAAD, and upserts it. The ciphertext is
// never returned; PutSecret's stored row only ever carries bytes.
func (a *API) putSecret(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	key := chi.URLParam(r, "key")
	if !models.SecretKeyPattern.MatchString(key) {
		writeError(w, domainerr.New(domainerr.KindValidation, "secret key %q does not match %s", key, models.SecretKeyPattern.String()))
		return
	}

	var req secretRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ciphertext, iv, err := a.Secrets.Seal([]byte(req.Value), models.SecretAAD(serverID, key))
	if err != nil {
		writeError(w, domainerr.Wrap(domainerr.KindInternal, err, "encrypt secret %q", key))
		return
	}

	if err := a.Store.PutSecret(r.Context(), &models.ServerSecret{
		ServerID:   serverID,
		KeyName:    key,
		Ciphertext: ciphertext,
		IV:         iv,
		HasValue:   true,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (a *API) deleteSecret(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	key := chi.URLParam(r, "key")
	if err := a.Store.DeleteSecret(r.Context(), serverID, key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listSecretKeys reports which keys have a value set, never their
// plaintext or ciphertext.
func (a *API) listSecretKeys(w http.ResponseWriter, r *http.Request) {
	rows, err := a.Store.ListSecretKeys(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	keys := make([]string, 0, len(rows))
	for _, s := range rows {
		keys = append(keys, s.KeyName)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}
