package api

import (
	"github.com/codeready-toolchain/warden/pkg/backend"
)

// PauseResponse is returned by POST /agents/:id/pause and /resume.
// Changed is false when no unfinished job rows were touched.
type PauseResponse struct {
	AgentID string `json:"agent_id"`
	Paused  bool   `json:"paused"`
	Changed bool   `json:"changed"`
}

// PublishEventResponse is returned by POST /agents/:id/events.
type PublishEventResponse struct {
	AgentID string `json:"agent_id"`
	Event   string `json:"event"`
	EventID uint64 `json:"event_id"`
}

// HealthCheck is one named probe inside a health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz and /readyz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks,omitempty"`
}

// BackendHealthResponse is returned by GET /health/backends.
type BackendHealthResponse struct {
	Providers []backend.ProviderHealth `json:"providers"`
	Count     int                      `json:"count"`
}
