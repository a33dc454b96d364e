package events

import (
	"encoding/json"
	"time"

	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/lifecycle"
	"github.com/codeready-toolchain/warden/pkg/models"
)

// Timestamp renders t in the wire format shared by every payload.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// LifecycleTransitionPayload is the payload for lifecycle:transition
// events, published on the agent's channel for every state machine edge.
type LifecycleTransitionPayload struct {
	Type      string          `json:"type"` // always EventLifecycleTransition
	AgentID   string          `json:"agent_id"`
	From      lifecycle.State `json:"from"`
	To        lifecycle.State `json:"to"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp string          `json:"timestamp"` // RFC3339Nano
}

// NewLifecycleTransitionPayload maps a state machine event to its wire
// payload.
func NewLifecycleTransitionPayload(ev lifecycle.TransitionEvent) LifecycleTransitionPayload {
	return LifecycleTransitionPayload{
		Type:      EventLifecycleTransition,
		AgentID:   ev.AgentID,
		From:      ev.From,
		To:        ev.To,
		Reason:    ev.Reason,
		Timestamp: Timestamp(ev.At),
	}
}

// ApprovalCreatedPayload is the payload for approval:created events.
// ActionDetail is masked before it reaches this layer; the plaintext
// token never appears in any event.
type ApprovalCreatedPayload struct {
	Type              string          `json:"type"` // always EventApprovalCreated
	ApprovalRequestID string          `json:"approval_request_id"`
	JobID             string          `json:"job_id"`
	AgentID           string          `json:"agent_id"`
	ActionType        string          `json:"action_type"`
	ActionSummary     string          `json:"action_summary"`
	ActionDetail      json.RawMessage `json:"action_detail,omitempty"`
	ExpiresAt         string          `json:"expires_at"` // RFC3339Nano
	Timestamp         string          `json:"timestamp"`  // RFC3339Nano
}

// ApprovalDecidedPayload is the payload for approval:decided events.
type ApprovalDecidedPayload struct {
	Type              string                `json:"type"` // always EventApprovalDecided
	ApprovalRequestID string                `json:"approval_request_id"`
	JobID             string                `json:"job_id"`
	AgentID           string                `json:"agent_id"`
	Status            models.ApprovalStatus `json:"status"` // APPROVED or REJECTED
	DecidedBy         string                `json:"decided_by"`
	Timestamp         string                `json:"timestamp"` // RFC3339Nano
}

// ApprovalExpiredPayload is the payload for approval:expired events.
type ApprovalExpiredPayload struct {
	Type              string `json:"type"` // always EventApprovalExpired
	ApprovalRequestID string `json:"approval_request_id"`
	JobID             string `json:"job_id"`
	AgentID           string `json:"agent_id"`
	Timestamp         string `json:"timestamp"` // RFC3339Nano
}

// TaskOutputPayload wraps one backend output event for the agent
// channel. The SSE event name is TaskEventPrefix plus the inner event
// type, so clients can route on the frame alone.
type TaskOutputPayload struct {
	JobID   string              `json:"job_id"`
	AgentID string              `json:"agent_id"`
	Event   backend.OutputEvent `json:"event"`
}

// TaskEventName returns the SSE event name for a backend output event.
func TaskEventName(t backend.EventType) string {
	return TaskEventPrefix + string(t)
}
