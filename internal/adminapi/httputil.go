package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a domainerr.Error using its declared HTTP status, or
// 500 for anything else. Conflict errors additionally surface the
// existing_resources detail block.
func writeError(w http.ResponseWriter, err error) {
	derr, ok := domainerr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	body := map[string]any{"error": derr.Message, "kind": derr.Kind.String()}
	if len(derr.ExistingResources) > 0 {
		body["existing_resources"] = derr.ExistingResources
	}
	if derr.Detail != nil {
		body["detail"] = derr.Detail
	}
	writeJSON(w, derr.Kind.HTTPStatus(), body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domainerr.New(domainerr.KindValidation, "invalid request body: %v", err)
	}
	return nil
}

// pageFromQuery parses ?page=&page_size= into a store.Page, defaulting to
// page 1 / size 20.
func pageFromQuery(r *http.Request) store.Page {
	p := store.Page{Page: 1, PageSize: 20}
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Page = n
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.PageSize = n
		}
	}
	return p
}

// pagedResponse renders a store.PagedResult as the {items, total, page,
// page_size, pages} envelope every list endpoint returns.
func pagedResponse[T any](w http.ResponseWriter, res store.PagedResult[T]) {
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     res.Items,
		"total":     res.Total,
		"page":      res.Page,
		"page_size": res.PageSize,
		"pages":     res.Pages,
	})
}
