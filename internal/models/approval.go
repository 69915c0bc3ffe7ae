package models

import "time"

// ApprovalKind distinguishes the three request kinds the Approval Engine handles.
type ApprovalKind string

const (
	ApprovalKindToolPublish ApprovalKind = "tool_publish"
	ApprovalKindModule      ApprovalKind = "module"
	ApprovalKindNetwork     ApprovalKind = "network"
)

// ApprovalState is a position in the approval state machine.
type ApprovalState string

const (
	ApprovalStatePending  ApprovalState = "pending"
	ApprovalStateApproved ApprovalState = "approved"
	ApprovalStateRejected ApprovalState = "rejected"
	ApprovalStateRevoked  ApprovalState = "revoked"
)

// ApprovalRequest is one pending or resolved admission decision.
type ApprovalRequest struct {
	ID            string
	Kind          ApprovalKind
	Subject       string // tool id / module name / host:port
	RequestedBy   string
	Justification string
	Status        ApprovalState
	ReviewedBy    string
	ReviewedAt    *time.Time
	CreatedAt     time.Time
	// WorkflowID is the Temporal workflow instance backing this request's
	// state machine (internal/approval.ApprovalWorkflow).
	WorkflowID string
}

// CanBeApprovedBy enforces the no-self-approval invariant: the reviewer
// identity must differ from the requester.
func (r *ApprovalRequest) CanBeApprovedBy(reviewer string) bool {
	return reviewer != "" && reviewer != r.RequestedBy
}
