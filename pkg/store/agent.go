package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/warden/pkg/models"
)

const agentColumns = `id, name, slug, role, status, model_config, skills_config,
	resource_limits, channel_permissions, created_at, updated_at`

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, slug, role, status, model_config, skills_config,
			resource_limits, channel_permissions, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.Name, a.Slug, a.Role, a.Status,
		nullableJSON(a.ModelConfig), nullableJSON(a.SkillsConfig),
		nullableJSON(a.ResourceLimits), nullableJSON(a.ChannelPermissions),
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create agent: %w", err)
	}
	return nil
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

// GetAgentBySlug returns an agent by its unique slug.
func (s *Store) GetAgentBySlug(ctx context.Context, slug string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE slug = $1`, slug)
	return scanAgent(row)
}

// ListAgents returns a filtered page of agents plus the total match count.
func (s *Store) ListAgents(ctx context.Context, f models.AgentFilters) ([]*models.Agent, int, error) {
	where := []string{"TRUE"}
	args := []any{}

	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	} else if !f.IncludeArchived {
		where = append(where, "status <> 'ARCHIVED'")
	}
	if f.Role != "" {
		args = append(args, f.Role)
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count agents: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE `+cond+
			fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, err
		}
		agents = append(agents, a)
	}
	return agents, total, rows.Err()
}

// UpdateAgent rewrites the mutable fields of an agent row. Returns false
// when no row matched.
func (s *Store) UpdateAgent(ctx context.Context, a *models.Agent) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents
		 SET name = $2, role = $3, status = $4, model_config = $5,
		     skills_config = $6, resource_limits = $7, channel_permissions = $8,
		     updated_at = now()
		 WHERE id = $1`,
		a.ID, a.Name, a.Role, a.Status,
		nullableJSON(a.ModelConfig), nullableJSON(a.SkillsConfig),
		nullableJSON(a.ResourceLimits), nullableJSON(a.ChannelPermissions))
	if err != nil {
		return false, fmt.Errorf("store: update agent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ArchiveAgent soft-deletes an agent by moving it to ARCHIVED. Returns
// false when no row matched.
func (s *Store) ArchiveAgent(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = 'ARCHIVED', updated_at = now()
		 WHERE id = $1 AND status <> 'ARCHIVED'`, id)
	if err != nil {
		return false, fmt.Errorf("store: archive agent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// scanner matches pgx.Row and pgx.Rows for single-row scans.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Slug, &a.Role, &a.Status,
		&a.ModelConfig, &a.SkillsConfig, &a.ResourceLimits, &a.ChannelPermissions,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: scan agent: %w", err)
	}
	return &a, nil
}

// nullableJSON maps empty blobs to NULL so jsonb columns stay clean.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
