package models

import (
	"encoding/json"
	"time"
)

// ApprovalStatus defines the decision state of an approval request.
// APPROVED, REJECTED and EXPIRED are terminal and immutable.
type ApprovalStatus string

const (
	// ApprovalStatusPending means the request awaits a decision
	ApprovalStatusPending ApprovalStatus = "PENDING"
	// ApprovalStatusApproved means the action was allowed
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	// ApprovalStatusRejected means the action was denied
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	// ApprovalStatusExpired means the TTL lapsed without a decision
	ApprovalStatusExpired ApprovalStatus = "EXPIRED"
)

// IsValid checks if the approval status is valid
func (s ApprovalStatus) IsValid() bool {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further decision.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalStatusPending
}

// IsDecision reports whether s is a status a human can set.
func (s ApprovalStatus) IsDecision() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusRejected
}

// AuditEventType tags entries in the append-only approval audit trail.
type AuditEventType string

const (
	AuditEventRequested        AuditEventType = "requested"
	AuditEventApproved         AuditEventType = "approved"
	AuditEventRejected         AuditEventType = "rejected"
	AuditEventExpired          AuditEventType = "expired"
	AuditEventContextRequested AuditEventType = "context_requested"
	AuditEventPolicyUpdate     AuditEventType = "policy_update"
)

// IsValid checks if the audit event type is valid
func (t AuditEventType) IsValid() bool {
	switch t {
	case AuditEventRequested, AuditEventApproved, AuditEventRejected,
		AuditEventExpired, AuditEventContextRequested, AuditEventPolicyUpdate:
		return true
	default:
		return false
	}
}

// ApprovalRequest is a one-shot, bounded-time decision record gating a
// sensitive action. The plaintext bearer token is returned exactly once at
// creation; only its hash is persisted.
type ApprovalRequest struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	AgentID       string          `json:"agent_id"`
	ActionType    string          `json:"action_type"`
	ActionSummary string          `json:"action_summary"`
	ActionDetail  json.RawMessage `json:"action_detail,omitempty"`
	Status        ApprovalStatus  `json:"status"`
	TokenHash     string          `json:"-"`
	RequestedAt   time.Time       `json:"requested_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
	DecidedBy     string          `json:"decided_by,omitempty"`
}

// ApprovalAuditEntry is one append-only row in the audit trail.
type ApprovalAuditEntry struct {
	ID                int64           `json:"id"`
	ApprovalRequestID string          `json:"approval_request_id"`
	JobID             string          `json:"job_id"`
	EventType         AuditEventType  `json:"event_type"`
	ActorUserID       string          `json:"actor_user_id"`
	ActorChannel      string          `json:"actor_channel"`
	Details           json.RawMessage `json:"details,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// CreateApprovalRequest contains fields for opening an approval request
type CreateApprovalRequest struct {
	AgentID       string          `json:"agent_id"`
	JobID         string          `json:"job_id"`
	ActionType    string          `json:"action_type"`
	ActionSummary string          `json:"action_summary"`
	ActionDetail  json.RawMessage `json:"action_detail,omitempty"`
	TTLSeconds    int             `json:"ttl_seconds,omitempty"`
}

// ApprovalCreatedResponse is returned once at creation; PlaintextToken is
// never persisted or logged.
type ApprovalCreatedResponse struct {
	ApprovalRequestID string    `json:"approval_request_id"`
	PlaintextToken    string    `json:"plaintext_token"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// ApprovalFilters contains filtering options for listing approval requests
type ApprovalFilters struct {
	AgentID string `json:"agent_id,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// ApprovalListResponse contains a paginated approval request list
type ApprovalListResponse struct {
	Approvals  []*ApprovalRequest `json:"approvals"`
	TotalCount int                `json:"total_count"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}
