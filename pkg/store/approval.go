package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/warden/pkg/models"
)

const approvalColumns = `id, job_id, agent_id, action_type, action_summary,
	action_detail, status, token_hash, requested_at, expires_at, decided_at,
	decided_by`

// CreateApproval inserts a new PENDING approval request. Only the token
// hash is stored; the plaintext token never reaches this layer.
func (s *Store) CreateApproval(ctx context.Context, a *models.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approval_requests (id, job_id, agent_id, action_type,
			action_summary, action_detail, status, token_hash, requested_at,
			expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.JobID, a.AgentID, a.ActionType, a.ActionSummary,
		nullableJSON(a.ActionDetail), a.Status, a.TokenHash,
		a.RequestedAt, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: create approval: %w", err)
	}
	return nil
}

// GetApproval returns an approval request by ID.
func (s *Store) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	return scanApproval(row)
}

// GetApprovalByTokenHash returns an approval request by its token hash.
func (s *Store) GetApprovalByTokenHash(ctx context.Context, tokenHash string) (*models.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE token_hash = $1`,
		tokenHash)
	return scanApproval(row)
}

// LatestApprovalForJob returns the newest approval request raised against
// a job, whatever its status. The executor uses it to find the request its
// parked job is waiting on.
func (s *Store) LatestApprovalForJob(ctx context.Context, jobID string) (*models.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE job_id = $1
		 ORDER BY requested_at DESC
		 LIMIT 1`, jobID)
	return scanApproval(row)
}

// ListApprovals returns a filtered page of approval requests plus the
// total match count.
func (s *Store) ListApprovals(ctx context.Context, f models.ApprovalFilters) ([]*models.ApprovalRequest, int, error) {
	where := []string{"TRUE"}
	args := []any{}

	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.JobID != "" {
		args = append(args, f.JobID)
		where = append(where, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM approval_requests WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count approvals: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.pool.Query(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE `+cond+
			fmt.Sprintf(" ORDER BY requested_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, 0, err
		}
		approvals = append(approvals, a)
	}
	return approvals, total, rows.Err()
}

// DecideApproval applies a decision with a single conditional UPDATE.
// Only a PENDING, unexpired row is mutated, so concurrent deciders race
// safely: exactly one wins, the rest see pgx.ErrNoRows and classify the
// loss by re-reading the row.
func (s *Store) DecideApproval(ctx context.Context, id string, decision models.ApprovalStatus, decidedBy string) (*models.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE approval_requests
		 SET status = $2, decided_at = now(), decided_by = $3
		 WHERE id = $1 AND status = 'PENDING' AND expires_at > now()
		 RETURNING `+approvalColumns,
		id, decision, decidedBy)
	return scanApproval(row)
}

// DecideApprovalByTokenHash is DecideApproval keyed by token hash, for
// the single-use token path.
func (s *Store) DecideApprovalByTokenHash(ctx context.Context, tokenHash string, decision models.ApprovalStatus, decidedBy string) (*models.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE approval_requests
		 SET status = $2, decided_at = now(), decided_by = $3
		 WHERE token_hash = $1 AND status = 'PENDING' AND expires_at > now()
		 RETURNING `+approvalColumns,
		tokenHash, decision, decidedBy)
	return scanApproval(row)
}

// ExpireStaleApprovals transitions every PENDING request past its
// deadline to EXPIRED and returns the affected rows so callers can audit
// and unpark the parked jobs.
func (s *Store) ExpireStaleApprovals(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE approval_requests
		 SET status = 'EXPIRED', decided_at = $1
		 WHERE status = 'PENDING' AND expires_at <= $1
		 RETURNING `+approvalColumns, now)
	if err != nil {
		return nil, fmt.Errorf("store: expire stale approvals: %w", err)
	}
	defer rows.Close()

	var expired []*models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, a)
	}
	return expired, rows.Err()
}

func scanApproval(row scanner) (*models.ApprovalRequest, error) {
	var a models.ApprovalRequest
	var decidedBy *string
	err := row.Scan(&a.ID, &a.JobID, &a.AgentID, &a.ActionType,
		&a.ActionSummary, &a.ActionDetail, &a.Status, &a.TokenHash,
		&a.RequestedAt, &a.ExpiresAt, &a.DecidedAt, &decidedBy)
	if err != nil {
		return nil, err
	}
	if decidedBy != nil {
		a.DecidedBy = *decidedBy
	}
	return &a, nil
}
