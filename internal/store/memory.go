package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

// MemoryStore is an in-process Store for unit tests, mirroring the
// PostgresStore's semantics (atomic version increment, single-pending-
// approval enforcement) without a database.
type MemoryStore struct {
	mu sync.Mutex

	servers         map[string]models.Server
	tools           map[string]models.Tool
	versions        map[string][]models.ToolVersion // toolID -> versions
	secrets         map[string]models.ServerSecret  // serverID+"/"+key -> secret
	approvals       map[string]models.ApprovalRequest
	externalSources map[string]models.ExternalSource
	executionLogs   []models.ExecutionLog
	settings        map[string][]byte
}

// NewMemory constructs an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		servers:         make(map[string]models.Server),
		tools:           make(map[string]models.Tool),
		versions:        make(map[string][]models.ToolVersion),
		secrets:         make(map[string]models.ServerSecret),
		approvals:       make(map[string]models.ApprovalRequest),
		externalSources: make(map[string]models.ExternalSource),
		settings:        make(map[string][]byte),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close()                         {}

// ---- Server ----

func (m *MemoryStore) CreateServer(ctx context.Context, s *models.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[s.ID]; ok {
		return domainerr.New(domainerr.KindConflict, "server %q already exists", s.ID)
	}
	for _, existing := range m.servers {
		if existing.Name == s.Name {
			return domainerr.New(domainerr.KindConflict, "server name %q already in use", s.Name)
		}
	}
	m.servers[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetServer(ctx context.Context, id string) (*models.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "server %q not found", id)
	}
	return &s, nil
}

func (m *MemoryStore) GetServerByName(ctx context.Context, name string) (*models.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		if s.Name == name {
			cp := s
			return &cp, nil
		}
	}
	return nil, domainerr.New(domainerr.KindNotFound, "server %q not found", name)
}

func (m *MemoryStore) ListServers(ctx context.Context, p Page) (PagedResult[models.Server], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]models.Server, 0, len(m.servers))
	for _, s := range m.servers {
		items = append(items, s)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return pageSlice(items, p), nil
}

func (m *MemoryStore) UpdateServer(ctx context.Context, s *models.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[s.ID]; !ok {
		return domainerr.New(domainerr.KindNotFound, "server %q not found", s.ID)
	}
	s.UpdatedAt = time.Now()
	m.servers[s.ID] = *s
	return nil
}

func (m *MemoryStore) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, id)
	for tid, t := range m.tools {
		if t.ServerID == id {
			delete(m.tools, tid)
			delete(m.versions, tid)
		}
	}
	for key, sec := range m.secrets {
		if sec.ServerID == id {
			delete(m.secrets, key)
		}
	}
	for eid, e := range m.externalSources {
		if e.ServerID == id {
			delete(m.externalSources, eid)
		}
	}
	return nil
}

func (m *MemoryStore) AddAllowedHost(ctx context.Context, serverID, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok {
		return domainerr.New(domainerr.KindNotFound, "server %q not found", serverID)
	}
	for _, h := range s.AllowedHosts {
		if h == host {
			return nil
		}
	}
	s.AllowedHosts = append(s.AllowedHosts, host)
	m.servers[serverID] = s
	return nil
}

func (m *MemoryStore) RemoveAllowedHost(ctx context.Context, serverID, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok {
		return domainerr.New(domainerr.KindNotFound, "server %q not found", serverID)
	}
	out := s.AllowedHosts[:0]
	for _, h := range s.AllowedHosts {
		if h != host {
			out = append(out, h)
		}
	}
	s.AllowedHosts = out
	m.servers[serverID] = s
	return nil
}

// ---- Tool ----

func (m *MemoryStore) CreateTool(ctx context.Context, t *models.Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tools[t.ID]; ok {
		return domainerr.New(domainerr.KindConflict, "tool %q already exists", t.ID)
	}
	for _, existing := range m.tools {
		if existing.ServerID == t.ServerID && existing.Name == t.Name {
			return domainerr.New(domainerr.KindConflict, "tool name %q already in use on this server", t.Name)
		}
	}
	m.tools[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTool(ctx context.Context, id string) (*models.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tools[id]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "tool %q not found", id)
	}
	return &t, nil
}

func (m *MemoryStore) GetToolByName(ctx context.Context, serverID, name string) (*models.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tools {
		if t.ServerID == serverID && t.Name == name {
			cp := t
			return &cp, nil
		}
	}
	return nil, domainerr.New(domainerr.KindNotFound, "tool %q not found", name)
}

func (m *MemoryStore) ListToolsByServer(ctx context.Context, serverID string) ([]models.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Tool
	for _, t := range m.tools {
		if t.ServerID == serverID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) ListTools(ctx context.Context, p Page) (PagedResult[models.Tool], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]models.Tool, 0, len(m.tools))
	for _, t := range m.tools {
		items = append(items, t)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return pageSlice(items, p), nil
}

func (m *MemoryStore) UpdateTool(ctx context.Context, t *models.Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tools[t.ID]
	if !ok {
		return domainerr.New(domainerr.KindNotFound, "tool %q not found", t.ID)
	}
	t.CurrentVersion = existing.CurrentVersion
	t.UpdatedAt = time.Now()
	m.tools[t.ID] = *t
	return nil
}

func (m *MemoryStore) DeleteTool(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tools, id)
	delete(m.versions, id)
	return nil
}

func (m *MemoryStore) CreateVersion(ctx context.Context, toolID, source, description string) (*models.ToolVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tools[toolID]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "tool %q not found", toolID)
	}
	t.CurrentVersion++
	m.tools[toolID] = t

	v := models.ToolVersion{ToolID: toolID, VersionNumber: t.CurrentVersion, Source: source, Description: description, CreatedAt: time.Now()}
	m.versions[toolID] = append(m.versions[toolID], v)
	return &v, nil
}

func (m *MemoryStore) ListVersions(ctx context.Context, toolID string) ([]models.ToolVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ToolVersion, len(m.versions[toolID]))
	copy(out, m.versions[toolID])
	return out, nil
}

func (m *MemoryStore) MarkVersionSchemaDrifted(ctx context.Context, toolID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range m.versions[toolID] {
		if v.VersionNumber == version {
			m.versions[toolID][i].SchemaDrifted = true
			return nil
		}
	}
	return domainerr.New(domainerr.KindNotFound, "version %d of tool %q not found", version, toolID)
}

func (m *MemoryStore) GetVersion(ctx context.Context, toolID string, version int) (*models.ToolVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[toolID] {
		if v.VersionNumber == version {
			cp := v
			return &cp, nil
		}
	}
	return nil, domainerr.New(domainerr.KindNotFound, "version %d of tool %q not found", version, toolID)
}

// ---- Secret ----

func secretKey(serverID, key string) string { return serverID + "/" + key }

func (m *MemoryStore) PutSecret(ctx context.Context, s *models.ServerSecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[secretKey(s.ServerID, s.KeyName)] = *s
	return nil
}

func (m *MemoryStore) DeleteSecret(ctx context.Context, serverID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, secretKey(serverID, key))
	return nil
}

func (m *MemoryStore) ListSecretKeys(ctx context.Context, serverID string) ([]models.ServerSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ServerSecret
	for _, s := range m.secrets {
		if s.ServerID == serverID {
			out = append(out, models.ServerSecret{ServerID: s.ServerID, KeyName: s.KeyName, HasValue: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyName < out[j].KeyName })
	return out, nil
}

func (m *MemoryStore) GetSecretCiphertext(ctx context.Context, serverID, key string) (*models.ServerSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[secretKey(serverID, key)]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "secret %q not found for server %q", key, serverID)
	}
	cp := s
	return &cp, nil
}

func (m *MemoryStore) ListSecretCiphertexts(ctx context.Context, serverID string) ([]models.ServerSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ServerSecret
	for _, s := range m.secrets {
		if s.ServerID == serverID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ---- Approval ----

func (m *MemoryStore) CreateApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.approvals {
		if existing.Kind == r.Kind && existing.Subject == r.Subject && existing.Status == models.ApprovalStatePending {
			return domainerr.New(domainerr.KindConflict, "an approval request for this (kind, subject) is already pending")
		}
	}
	m.approvals[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.approvals[id]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "approval request %q not found", id)
	}
	return &r, nil
}

func (m *MemoryStore) GetPendingRequest(ctx context.Context, kind models.ApprovalKind, subject string) (*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.approvals {
		if r.Kind == kind && r.Subject == subject && r.Status == models.ApprovalStatePending {
			cp := r
			return &cp, nil
		}
	}
	return nil, domainerr.New(domainerr.KindNotFound, "no pending %s request for %q", kind, subject)
}

func (m *MemoryStore) ListApprovalRequests(ctx context.Context, kind models.ApprovalKind, status models.ApprovalState, p Page) (PagedResult[models.ApprovalRequest], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []models.ApprovalRequest
	for _, r := range m.approvals {
		if kind != "" && r.Kind != kind {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		items = append(items, r)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return pageSlice(items, p), nil
}

func (m *MemoryStore) UpdateApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[r.ID]; !ok {
		return domainerr.New(domainerr.KindNotFound, "approval request %q not found", r.ID)
	}
	m.approvals[r.ID] = *r
	return nil
}

func (m *MemoryStore) ListPendingForSubject(ctx context.Context, subject string) ([]models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ApprovalRequest
	for _, r := range m.approvals {
		if r.Subject == subject && r.Status == models.ApprovalStatePending {
			out = append(out, r)
		}
	}
	return out, nil
}

// ---- External source ----

func (m *MemoryStore) CreateExternalSource(ctx context.Context, e *models.ExternalSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.externalSources[e.ID] = *e
	return nil
}

func (m *MemoryStore) GetExternalSource(ctx context.Context, id string) (*models.ExternalSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.externalSources[id]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "external source %q not found", id)
	}
	return &e, nil
}

func (m *MemoryStore) ListExternalSourcesByServer(ctx context.Context, serverID string) ([]models.ExternalSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExternalSource
	for _, e := range m.externalSources {
		if e.ServerID == serverID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateExternalSource(ctx context.Context, e *models.ExternalSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.externalSources[e.ID]; !ok {
		return domainerr.New(domainerr.KindNotFound, "external source %q not found", e.ID)
	}
	m.externalSources[e.ID] = *e
	return nil
}

func (m *MemoryStore) DeleteExternalSource(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.externalSources, id)
	return nil
}

// ---- Execution log ----

func (m *MemoryStore) CreateExecutionLog(ctx context.Context, l *models.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executionLogs = append(m.executionLogs, *l)
	return nil
}

func (m *MemoryStore) ListExecutionLogs(ctx context.Context, serverID string, limit int) ([]models.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutionLog
	for i := len(m.executionLogs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.executionLogs[i].ServerID == serverID {
			out = append(out, m.executionLogs[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteExecutionLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []models.ExecutionLog
	var removed int64
	for _, l := range m.executionLogs {
		if l.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	m.executionLogs = kept
	return removed, nil
}

// ---- Settings ----

func (m *MemoryStore) GetSetting(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "setting %q not found", key)
	}
	return v, nil
}

func (m *MemoryStore) PutSetting(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// ---- helpers ----

func pageSlice[T any](items []T, p Page) PagedResult[T] {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	total := len(items)
	start := (p.Page - 1) * p.PageSize
	if start > total {
		start = total
	}
	end := start + p.PageSize
	if end > total {
		end = total
	}
	pages := (total + p.PageSize - 1) / p.PageSize
	return PagedResult[T]{Items: items[start:end], Total: total, Page: p.Page, PageSize: p.PageSize, Pages: pages}
}
