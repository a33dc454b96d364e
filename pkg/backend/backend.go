package backend

import (
	"context"

	"github.com/codeready-toolchain/warden/pkg/config"
)

// HealthStatus grades a backend health probe.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the result of a backend health probe.
type Health struct {
	Status    HealthStatus `json:"status"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
	Details   string       `json:"details,omitempty"`
}

// Capabilities declares what a backend can do. Routing filters
// candidates against task constraints using these flags.
type Capabilities struct {
	SupportsStreaming      bool       `json:"supports_streaming"`
	SupportsFileEdit       bool       `json:"supports_file_edit"`
	SupportsShellExecution bool       `json:"supports_shell_execution"`
	ReportsTokenUsage      bool       `json:"reports_token_usage"`
	SupportsCancellation   bool       `json:"supports_cancellation"`
	// SupportedGoalTypes lists the goal types this backend serves.
	// Empty means all goal types.
	SupportedGoalTypes []GoalType `json:"supported_goal_types,omitempty"`
	// MaxContextTokens is the largest max_tokens constraint this backend
	// accepts. Zero means unbounded.
	MaxContextTokens int `json:"max_context_tokens,omitempty"`
}

// SupportsGoal reports whether the backend serves the given goal type.
func (c Capabilities) SupportsGoal(goal GoalType) bool {
	if len(c.SupportedGoalTypes) == 0 || goal == "" {
		return true
	}
	for _, g := range c.SupportedGoalTypes {
		if g == goal {
			return true
		}
	}
	return false
}

// Backend is one execution provider. Implementations must be safe for
// concurrent ExecuteTask calls once started.
type Backend interface {
	// ID returns the provider identifier used in routing and health output.
	ID() string

	// Start validates configuration and prepares the backend for task
	// execution. Configuration problems (missing API key, bad endpoint)
	// are reported as configuration-classified task errors.
	Start(ctx context.Context, cfg *config.ProviderConfig) error

	// Stop releases backend resources. Safe to call more than once.
	Stop(ctx context.Context) error

	// HealthCheck probes the backend.
	HealthCheck(ctx context.Context) Health

	// Capabilities returns the static capability declaration.
	Capabilities() Capabilities

	// ExecuteTask begins asynchronous execution and returns a handle to
	// the running task. The returned handle's event stream ends with
	// exactly one complete event.
	ExecuteTask(ctx context.Context, task Task) (Handle, error)
}
