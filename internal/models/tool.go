package models

import (
	"regexp"
	"time"
)

// ToolType distinguishes native code tools from passthrough forwards.
type ToolType string

const (
	ToolTypePythonCode     ToolType = "python_code" // Starlark source; wire value kept for client compatibility
	ToolTypeMcpPassthrough ToolType = "mcp_passthrough"
)

// ApprovalStatus is the publish/review state of a Tool.
type ApprovalStatus string

const (
	ApprovalDraft          ApprovalStatus = "draft"
	ApprovalPendingReview  ApprovalStatus = "pending_review"
	ApprovalApproved       ApprovalStatus = "approved"
	ApprovalRejected       ApprovalStatus = "rejected"
)

// ToolNamePattern is the validity pattern for a Tool's Name.
var ToolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// PassthroughSource identifies the remote tool a passthrough Tool forwards to.
type PassthroughSource struct {
	ExternalSourceID string `json:"external_source_id"`
	ExternalToolName string `json:"external_tool_name"`
}

// Tool is an executable unit owned by a Server.
type Tool struct {
	ID               string
	ServerID         string
	Name             string
	Description      string
	Enabled          bool
	TimeoutMs        int
	ToolType         ToolType
	Source           string             // Starlark source for python_code tools
	Passthrough      *PassthroughSource // set for mcp_passthrough tools
	InputSchema      map[string]any
	ApprovalStatus   ApprovalStatus
	CurrentVersion   int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CanEnable reports whether the tool's current approval status allows it
// to be flagged enabled. Enforces the invariant enabled ⇒ approved.
func (t *Tool) CanEnable() bool {
	return t.ApprovalStatus == ApprovalApproved
}

// ToolVersion is an append-only history entry for a Tool's source.
type ToolVersion struct {
	ToolID        string
	VersionNumber int
	Source        string
	Description   string
	SchemaDrifted bool // set when rollback's recomputed schema differs from the current one
	CreatedAt     time.Time
}
