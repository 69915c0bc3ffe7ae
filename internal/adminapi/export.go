package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/validator"
)

// serverExport is the YAML document exportServer produces and
// importServer consumes. Ids and timestamps are deliberately absent:
// importing mints fresh ones, so export∘import reproduces an equal
// server + tools rather than a byte-identical database row.
type serverExport struct {
	Name             string       `yaml:"name"`
	Description      string       `yaml:"description,omitempty"`
	NetworkMode      string       `yaml:"network_mode"`
	DefaultTimeoutMs int          `yaml:"default_timeout_ms"`
	AllowedHosts     []string     `yaml:"allowed_hosts,omitempty"`
	Tools            []toolExport `yaml:"tools,omitempty"`
}

type toolExport struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	TimeoutMs   int    `yaml:"timeout_ms"`
	ToolType    string `yaml:"tool_type"`
	Source      string `yaml:"source,omitempty"`

	ExternalSourceID string `yaml:"external_source_id,omitempty"`
	ExternalToolName string `yaml:"external_tool_name,omitempty"`
}

// exportServer renders one server and its tools as a YAML document.
// Secrets are never exported: ciphertexts are bound to this instance's
// master key and (server, key) AAD, so they could not be imported
// anywhere else anyway.
func (a *API) exportServer(w http.ResponseWriter, r *http.Request) {
	srv, err := a.Store.GetServer(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	tools, err := a.Store.ListToolsByServer(r.Context(), srv.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	doc := serverExport{
		Name:             srv.Name,
		Description:      srv.Description,
		NetworkMode:      string(srv.NetworkMode),
		DefaultTimeoutMs: srv.DefaultTimeoutMs,
		AllowedHosts:     srv.AllowedHosts,
	}
	for _, t := range tools {
		te := toolExport{
			Name:        t.Name,
			Description: t.Description,
			TimeoutMs:   t.TimeoutMs,
			ToolType:    string(t.ToolType),
			Source:      t.Source,
		}
		if t.Passthrough != nil {
			te.ExternalSourceID = t.Passthrough.ExternalSourceID
			te.ExternalToolName = t.Passthrough.ExternalToolName
		}
		doc.Tools = append(doc.Tools, te)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		writeError(w, domainerr.Wrap(domainerr.KindInternal, err, "marshal server export"))
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// importServer recreates an exported server and its tools with fresh
// ids. Every imported tool lands in draft: approval never survives an
// export/import hop, for the same reason it does not survive a source
// mutation.
func (a *API) importServer(w http.ResponseWriter, r *http.Request) {
	var doc serverExport
	if err := yaml.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, domainerr.New(domainerr.KindValidation, "invalid import document: %v", err))
		return
	}
	if doc.Name == "" {
		writeError(w, domainerr.New(domainerr.KindValidation, "import document has no server name"))
		return
	}

	mode := models.NetworkIsolated
	if doc.NetworkMode == string(models.NetworkAllowlist) {
		mode = models.NetworkAllowlist
	}
	timeout := doc.DefaultTimeoutMs
	if timeout <= 0 {
		timeout = 30_000
	}

	now := time.Now()
	srv := &models.Server{
		ID:               uuid.NewString(),
		Name:             doc.Name,
		Description:      doc.Description,
		Status:           models.ServerImported,
		NetworkMode:      mode,
		DefaultTimeoutMs: timeout,
		AllowedHosts:     doc.AllowedHosts,
		AccessEveryone:   true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.Store.CreateServer(r.Context(), srv); err != nil {
		writeError(w, err)
		return
	}

	for _, te := range doc.Tools {
		if !models.ToolNamePattern.MatchString(te.Name) {
			writeError(w, domainerr.New(domainerr.KindValidation, "imported tool name %q does not match %s", te.Name, models.ToolNamePattern.String()))
			return
		}
		tool := &models.Tool{
			ID:             uuid.NewString(),
			ServerID:       srv.ID,
			Name:           te.Name,
			Description:    te.Description,
			TimeoutMs:      te.TimeoutMs,
			ToolType:       models.ToolType(te.ToolType),
			Source:         te.Source,
			ApprovalStatus: models.ApprovalDraft,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if tool.TimeoutMs <= 0 {
			tool.TimeoutMs = srv.DefaultTimeoutMs
		}
		if te.ToolType == string(models.ToolTypeMcpPassthrough) {
			tool.Passthrough = &models.PassthroughSource{
				ExternalSourceID: te.ExternalSourceID,
				ExternalToolName: te.ExternalToolName,
			}
		} else {
			result := validator.Validate(te.Source)
			if !result.Valid {
				writeError(w, domainerr.New(domainerr.KindValidation, "imported tool %q: %s: %s", te.Name, result.Failure, result.Message))
				return
			}
			tool.InputSchema = result.InputSchema
		}
		if err := a.Store.CreateTool(r.Context(), tool); err != nil {
			writeError(w, err)
			return
		}
		if tool.Source != "" {
			if _, err := a.Store.CreateVersion(r.Context(), tool.ID, tool.Source, "imported"); err != nil {
				writeError(w, err)
				return
			}
		}
	}

	writeJSON(w, http.StatusCreated, srv)
}
