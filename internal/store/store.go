// Package store defines the persisted-state interface: one table per
// entity, behind a Store interface so handlers and the recovery workflow
// depend on behavior, not on Postgres directly.
//
// The interface is segregated into one sub-interface per entity, composed
// into a single Store, with a PostgresStore for production and a
// MemoryStore for tests.
package store

import (
	"context"
	"time"

	"github.com/mcpbox/mcpbox/internal/models"
)

// Store is the full persisted-state surface the core depends on.
type Store interface {
	ServerStore
	ToolStore
	SecretStore
	ApprovalStore
	ExternalSourceStore
	ExecutionLogStore
	SettingsStore

	Ping(ctx context.Context) error
	Close()
}

// Page selects one page of a list response.
type Page struct {
	Page     int
	PageSize int
}

// PagedResult wraps a page of items with the total count, for the
// {items, total, page, page_size, pages} response shape.
type PagedResult[T any] struct {
	Items    []T
	Total    int
	Page     int
	PageSize int
	Pages    int
}

// ServerStore persists Server entities. Deleting a server cascades to its
// Tools, Secrets, and External Sources.
type ServerStore interface {
	CreateServer(ctx context.Context, s *models.Server) error
	GetServer(ctx context.Context, id string) (*models.Server, error)
	GetServerByName(ctx context.Context, name string) (*models.Server, error)
	ListServers(ctx context.Context, p Page) (PagedResult[models.Server], error)
	UpdateServer(ctx context.Context, s *models.Server) error
	DeleteServer(ctx context.Context, id string) error
	AddAllowedHost(ctx context.Context, serverID, host string) error
	RemoveAllowedHost(ctx context.Context, serverID, host string) error
}

// ToolStore persists Tool entities and their append-only ToolVersion history.
type ToolStore interface {
	CreateTool(ctx context.Context, t *models.Tool) error
	GetTool(ctx context.Context, id string) (*models.Tool, error)
	GetToolByName(ctx context.Context, serverID, name string) (*models.Tool, error)
	ListToolsByServer(ctx context.Context, serverID string) ([]models.Tool, error)
	ListTools(ctx context.Context, p Page) (PagedResult[models.Tool], error)
	UpdateTool(ctx context.Context, t *models.Tool) error
	DeleteTool(ctx context.Context, id string) error

	// CreateVersion atomically increments the tool's current_version and
	// appends a ToolVersion row in the same transaction, giving the
	// "value + 1" allocation semantics. Returns the new version.
	CreateVersion(ctx context.Context, toolID, source, description string) (*models.ToolVersion, error)
	ListVersions(ctx context.Context, toolID string) ([]models.ToolVersion, error)
	GetVersion(ctx context.Context, toolID string, version int) (*models.ToolVersion, error)
	// MarkVersionSchemaDrifted stamps a version whose recomputed input
	// schema diverged from the tool's previous one at rollback time.
	MarkVersionSchemaDrifted(ctx context.Context, toolID string, version int) error
}

// SecretStore persists only ciphertexts: no method here ever returns a
// secret's plaintext value. Secrets are write-only from the admin
// surface.
type SecretStore interface {
	PutSecret(ctx context.Context, s *models.ServerSecret) error
	DeleteSecret(ctx context.Context, serverID, key string) error
	ListSecretKeys(ctx context.Context, serverID string) ([]models.ServerSecret, error) // HasValue only, Ciphertext/IV zeroed
	GetSecretCiphertext(ctx context.Context, serverID, key string) (*models.ServerSecret, error)
	ListSecretCiphertexts(ctx context.Context, serverID string) ([]models.ServerSecret, error)
}

// ApprovalStore persists ApprovalRequest rows. A partial unique index
// enforces at most one pending request per (kind, subject) — see schema.go.
type ApprovalStore interface {
	CreateApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error)
	GetPendingRequest(ctx context.Context, kind models.ApprovalKind, subject string) (*models.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, kind models.ApprovalKind, status models.ApprovalState, p Page) (PagedResult[models.ApprovalRequest], error)
	UpdateApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error
	ListPendingForSubject(ctx context.Context, subject string) ([]models.ApprovalRequest, error)
}

// ExternalSourceStore persists ExternalSource rows, including encrypted
// OAuth artifacts.
type ExternalSourceStore interface {
	CreateExternalSource(ctx context.Context, e *models.ExternalSource) error
	GetExternalSource(ctx context.Context, id string) (*models.ExternalSource, error)
	ListExternalSourcesByServer(ctx context.Context, serverID string) ([]models.ExternalSource, error)
	UpdateExternalSource(ctx context.Context, e *models.ExternalSource) error
	DeleteExternalSource(ctx context.Context, id string) error
}

// ExecutionLogStore persists one row per tool invocation, already
// redacted and truncated by the caller before Create is invoked.
type ExecutionLogStore interface {
	CreateExecutionLog(ctx context.Context, l *models.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, serverID string, limit int) ([]models.ExecutionLog, error)
	DeleteExecutionLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SettingsStore persists named settings blobs (currently only the
// security_policy blob) the admin API exposes at /api/settings/*.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) ([]byte, error)
	PutSetting(ctx context.Context, key string, value []byte) error
}
