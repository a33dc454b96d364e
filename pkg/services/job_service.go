package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/models"
)

const defaultJobPriority = 5

// JobStore is the persistence surface JobService runs on. Implemented by
// *store.Store; missing rows come back as pgx.ErrNoRows.
type JobStore interface {
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, f models.JobFilters) ([]*models.Job, int, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
}

// JobService manages job records and enqueueing
type JobService struct {
	store    JobStore
	defaults *config.Defaults
}

// NewJobService creates a new JobService. defaults may be nil, in which
// case the built-in system defaults apply.
func NewJobService(store JobStore, defaults *config.Defaults) *JobService {
	if defaults == nil {
		defaults = config.DefaultDefaults()
	}
	return &JobService{store: store, defaults: defaults}
}

// CreateJob enqueues a job in PENDING status for an ACTIVE agent. Workers
// pick it up on their next poll; there is no separate enqueue step.
func (s *JobService) CreateJob(httpCtx context.Context, req models.CreateJobRequest) (*models.Job, error) {
	if req.AgentID == "" {
		return nil, NewValidationError("agent_id", "required")
	}
	if req.Priority < 0 {
		return nil, NewValidationError("priority", "must not be negative")
	}
	if req.MaxAttempts < 0 {
		return nil, NewValidationError("max_attempts", "must not be negative")
	}
	if req.TimeoutSeconds < 0 {
		return nil, NewValidationError("timeout_seconds", "must not be negative")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agent, err := s.store.GetAgent(ctx, req.AgentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", req.AgentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if agent.Status != models.AgentStatusActive {
		return nil, fmt.Errorf("agent %s is %s, jobs require an ACTIVE agent: %w",
			agent.ID, agent.Status, ErrConflict)
	}

	priority := req.Priority
	if priority == 0 {
		priority = defaultJobPriority
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.defaults.MaxAttempts
	}
	timeoutSeconds := req.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = s.defaults.TimeoutSeconds
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:             uuid.New().String(),
		AgentID:        agent.ID,
		SessionID:      req.SessionID,
		Status:         models.JobStatusPending,
		Priority:       priority,
		Payload:        req.Payload,
		Attempt:        0,
		MaxAttempts:    maxAttempts,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// GetJob returns one job.
func (s *JobService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs lists jobs with filtering and pagination
func (s *JobService) ListJobs(ctx context.Context, filters models.JobFilters) (*models.JobListResponse, error) {
	if filters.Status != "" && !models.JobStatus(filters.Status).IsValid() {
		return nil, NewValidationError("status", "unknown job status")
	}

	jobs, total, err := s.store.ListJobs(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	return &models.JobListResponse{
		Jobs:       jobs,
		TotalCount: total,
		Limit:      limit,
		Offset:     filters.Offset,
	}, nil
}
