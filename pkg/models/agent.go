package models

import (
	"encoding/json"
	"time"
)

// AgentStatus defines the administrative status of an agent record.
type AgentStatus string

const (
	// AgentStatusActive means the agent may receive new jobs
	AgentStatusActive AgentStatus = "ACTIVE"
	// AgentStatusDisabled means the agent is temporarily out of rotation
	AgentStatusDisabled AgentStatus = "DISABLED"
	// AgentStatusArchived is the terminal soft-delete status
	AgentStatusArchived AgentStatus = "ARCHIVED"
)

// IsValid checks if the agent status is valid
func (s AgentStatus) IsValid() bool {
	return s == AgentStatusActive || s == AgentStatusDisabled || s == AgentStatusArchived
}

// Agent is the persistent identity and configuration of a managed agent.
// Configuration maps are stored as opaque jsonb blobs; core logic never
// inspects their shape.
type Agent struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Slug               string          `json:"slug"`
	Role               string          `json:"role"`
	Status             AgentStatus     `json:"status"`
	ModelConfig        json.RawMessage `json:"model_config,omitempty"`
	SkillsConfig       json.RawMessage `json:"skills_config,omitempty"`
	ResourceLimits     json.RawMessage `json:"resource_limits,omitempty"`
	ChannelPermissions json.RawMessage `json:"channel_permissions,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// CreateAgentRequest contains fields for creating a new agent
type CreateAgentRequest struct {
	Name               string          `json:"name"`
	Slug               string          `json:"slug"`
	Role               string          `json:"role"`
	ModelConfig        json.RawMessage `json:"model_config,omitempty"`
	SkillsConfig       json.RawMessage `json:"skills_config,omitempty"`
	ResourceLimits     json.RawMessage `json:"resource_limits,omitempty"`
	ChannelPermissions json.RawMessage `json:"channel_permissions,omitempty"`
}

// UpdateAgentRequest contains the mutable fields of an agent. Nil fields
// are left unchanged.
type UpdateAgentRequest struct {
	Name               *string         `json:"name,omitempty"`
	Role               *string         `json:"role,omitempty"`
	Status             *AgentStatus    `json:"status,omitempty"`
	ModelConfig        json.RawMessage `json:"model_config,omitempty"`
	SkillsConfig       json.RawMessage `json:"skills_config,omitempty"`
	ResourceLimits     json.RawMessage `json:"resource_limits,omitempty"`
	ChannelPermissions json.RawMessage `json:"channel_permissions,omitempty"`
}

// AgentFilters contains filtering options for listing agents
type AgentFilters struct {
	Status          string `json:"status,omitempty"`
	Role            string `json:"role,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	Offset          int    `json:"offset,omitempty"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
}

// AgentListResponse contains a paginated agent list
type AgentListResponse struct {
	Agents     []*Agent `json:"agents"`
	TotalCount int      `json:"total_count"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
}

// AgentDetailResponse is the agent detail payload, including the most
// recently created job when one exists.
type AgentDetailResponse struct {
	*Agent
	LatestJob *Job `json:"latest_job,omitempty"`
}
