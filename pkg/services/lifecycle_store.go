package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/warden/pkg/models"
	"github.com/codeready-toolchain/warden/pkg/store"
)

// LifecycleStore adapts the SQL store to the lifecycle manager's
// persistence port, which expects missing rows as errors wrapping
// ErrNotFound.
type LifecycleStore struct {
	store *store.Store
}

// NewLifecycleStore creates a new LifecycleStore
func NewLifecycleStore(st *store.Store) *LifecycleStore {
	return &LifecycleStore{store: st}
}

// GetAgent returns an agent identity row for hydration.
func (s *LifecycleStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return agent, err
}

// GetJob returns a job checkpoint row for hydration.
func (s *LifecycleStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// SetJobsPaused toggles the paused flag on an agent's unfinished jobs.
func (s *LifecycleStore) SetJobsPaused(ctx context.Context, agentID string, paused bool) (int, error) {
	return s.store.SetJobsPaused(ctx, agentID, paused)
}
