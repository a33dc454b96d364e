package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/warden/pkg/models"
	"github.com/codeready-toolchain/warden/pkg/store"
)

// slugPattern constrains agent slugs to URL-safe lowercase identifiers.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// AgentStore is the persistence surface AgentService runs on. Implemented
// by *store.Store; missing rows come back as pgx.ErrNoRows.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetAgentBySlug(ctx context.Context, slug string) (*models.Agent, error)
	ListAgents(ctx context.Context, f models.AgentFilters) ([]*models.Agent, int, error)
	UpdateAgent(ctx context.Context, a *models.Agent) (bool, error)
	ArchiveAgent(ctx context.Context, id string) (bool, error)
	LatestJobForAgent(ctx context.Context, agentID string) (*models.Job, error)
}

// AgentService manages agent identity records
type AgentService struct {
	store AgentStore
}

// NewAgentService creates a new AgentService
func NewAgentService(store AgentStore) *AgentService {
	return &AgentService{store: store}
}

// CreateAgent registers a new agent in ACTIVE status. The slug must be
// unique; a duplicate surfaces ErrAlreadyExists.
func (s *AgentService) CreateAgent(httpCtx context.Context, req models.CreateAgentRequest) (*models.Agent, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if req.Slug == "" {
		return nil, NewValidationError("slug", "required")
	}
	if !slugPattern.MatchString(req.Slug) {
		return nil, NewValidationError("slug", "must be lowercase letters, digits, and hyphens")
	}
	if req.Role == "" {
		return nil, NewValidationError("role", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.store.GetAgentBySlug(ctx, req.Slug); err == nil {
		return nil, fmt.Errorf("agent slug %q: %w", req.Slug, ErrAlreadyExists)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check agent slug: %w", err)
	}

	now := time.Now().UTC()
	agent := &models.Agent{
		ID:                 uuid.New().String(),
		Name:               req.Name,
		Slug:               req.Slug,
		Role:               req.Role,
		Status:             models.AgentStatusActive,
		ModelConfig:        req.ModelConfig,
		SkillsConfig:       req.SkillsConfig,
		ResourceLimits:     req.ResourceLimits,
		ChannelPermissions: req.ChannelPermissions,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		// Lost the race against a concurrent create with the same slug.
		if store.IsUniqueViolation(err) {
			return nil, fmt.Errorf("agent slug %q: %w", req.Slug, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	return agent, nil
}

// GetAgent returns agent detail including the most recently created job,
// when one exists.
func (s *AgentService) GetAgent(ctx context.Context, id string) (*models.AgentDetailResponse, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	detail := &models.AgentDetailResponse{Agent: agent}
	latest, err := s.store.LatestJobForAgent(ctx, id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// No jobs yet.
	case err != nil:
		return nil, fmt.Errorf("failed to load latest job: %w", err)
	default:
		detail.LatestJob = latest
	}
	return detail, nil
}

// ListAgents lists agents with filtering and pagination
func (s *AgentService) ListAgents(ctx context.Context, filters models.AgentFilters) (*models.AgentListResponse, error) {
	if filters.Status != "" && !models.AgentStatus(filters.Status).IsValid() {
		return nil, NewValidationError("status", "unknown agent status")
	}

	agents, total, err := s.store.ListAgents(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	return &models.AgentListResponse{
		Agents:     agents,
		TotalCount: total,
		Limit:      limit,
		Offset:     filters.Offset,
	}, nil
}

// UpdateAgent applies the non-nil fields of req to an agent. Archiving
// goes through ArchiveAgent, not here.
func (s *AgentService) UpdateAgent(httpCtx context.Context, id string, req models.UpdateAgentRequest) (*models.Agent, error) {
	if req.Status != nil {
		if !req.Status.IsValid() {
			return nil, NewValidationError("status", "unknown agent status")
		}
		if *req.Status == models.AgentStatusArchived {
			return nil, NewValidationError("status", "archive agents via delete")
		}
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agent, err := s.store.GetAgent(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if agent.Status == models.AgentStatusArchived {
		return nil, fmt.Errorf("agent %s is archived: %w", id, ErrConflict)
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Role != nil {
		agent.Role = *req.Role
	}
	if req.Status != nil {
		agent.Status = *req.Status
	}
	if req.ModelConfig != nil {
		agent.ModelConfig = req.ModelConfig
	}
	if req.SkillsConfig != nil {
		agent.SkillsConfig = req.SkillsConfig
	}
	if req.ResourceLimits != nil {
		agent.ResourceLimits = req.ResourceLimits
	}
	if req.ChannelPermissions != nil {
		agent.ChannelPermissions = req.ChannelPermissions
	}

	changed, err := s.store.UpdateAgent(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	if !changed {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}

	updated, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload agent: %w", err)
	}
	return updated, nil
}

// ArchiveAgent soft-deletes an agent. Archiving an already-archived
// agent is a no-op.
func (s *AgentService) ArchiveAgent(httpCtx context.Context, id string) error {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	archived, err := s.store.ArchiveAgent(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to archive agent: %w", err)
	}
	if archived {
		return nil
	}

	// Nothing changed: either the agent does not exist or it was already
	// archived.
	_, err = s.store.GetAgent(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get agent: %w", err)
	}
	return nil
}
