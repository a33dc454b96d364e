// Package events fans control-plane events out to Server-Sent Events
// subscribers. Channels are keyed by agent ID plus the reserved
// ApprovalsChannel key; each channel keeps a bounded replay ring so
// clients resume with Last-Event-ID. Within one channel event ids are
// strictly increasing and every subscriber observes them in order.
package events

// Event names used by the core.
const (
	// EventLifecycleTransition carries agent state machine edges.
	EventLifecycleTransition = "lifecycle:transition"

	// Approval lifecycle events, published on both the owning agent's
	// channel and ApprovalsChannel.
	EventApprovalCreated = "approval:created"
	EventApprovalDecided = "approval:decided"
	EventApprovalExpired = "approval:expired"
)

// TaskEventPrefix namespaces backend output events on an agent channel:
// task:text, task:tool_use, task:tool_result, task:usage, task:complete.
const TaskEventPrefix = "task:"

// BrowserEventPrefix marks externally produced events whose payloads are
// forwarded verbatim via BroadcastRaw.
const BrowserEventPrefix = "browser:"

// ApprovalsChannel is the reserved channel key carrying approval events
// across all agents. Agent IDs are UUIDs, so the key cannot collide.
const ApprovalsChannel = "approvals"
