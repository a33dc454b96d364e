package store

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/warden/pkg/models"
)

// AppendAudit inserts one row into the append-only approval audit trail
// and fills in the generated ID and timestamp.
func (s *Store) AppendAudit(ctx context.Context, e *models.ApprovalAuditEntry) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO approval_audit (approval_request_id, job_id, event_type,
			actor_user_id, actor_channel, details)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		e.ApprovalRequestID, e.JobID, e.EventType,
		nullableText(e.ActorUserID), nullableText(e.ActorChannel),
		nullableJSON(e.Details)).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// AuditTrail returns the audit entries for one approval request in
// insertion order.
func (s *Store) AuditTrail(ctx context.Context, approvalRequestID string) ([]*models.ApprovalAuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, approval_request_id, job_id, event_type, actor_user_id,
			actor_channel, details, created_at
		 FROM approval_audit
		 WHERE approval_request_id = $1
		 ORDER BY created_at ASC, id ASC`, approvalRequestID)
	if err != nil {
		return nil, fmt.Errorf("store: audit trail: %w", err)
	}
	defer rows.Close()

	var entries []*models.ApprovalAuditEntry
	for rows.Next() {
		var e models.ApprovalAuditEntry
		var actorUserID, actorChannel *string
		if err := rows.Scan(&e.ID, &e.ApprovalRequestID, &e.JobID, &e.EventType,
			&actorUserID, &actorChannel, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		if actorUserID != nil {
			e.ActorUserID = *actorUserID
		}
		if actorChannel != nil {
			e.ActorChannel = *actorChannel
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DeleteAuditBefore prunes audit rows older than the cutoff. Returns the
// number of rows deleted.
func (s *Store) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM approval_audit WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: delete audit entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
