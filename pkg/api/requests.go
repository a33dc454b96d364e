package api

import (
	"encoding/json"
	"time"
)

// DecideRequest is the body of POST /approval/:id/decide. DecidedBy is
// accepted for wire compatibility but ignored; the decider is always
// the authenticated principal.
type DecideRequest struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// TokenDecideRequest is the body of POST /approval/token/decide.
type TokenDecideRequest struct {
	Token     string `json:"token"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// PublishEventRequest is the body of POST /agents/:id/events. Only
// browser:* events may be published externally; the payload is forwarded
// verbatim.
type PublishEventRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// HeartbeatRequest is the body of POST /agents/:id/heartbeat. A zero
// timestamp means "now".
type HeartbeatRequest struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
}
