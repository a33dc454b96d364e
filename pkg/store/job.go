package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/warden/pkg/models"
)

const jobColumns = `id, agent_id, session_id, status, priority, payload, result,
	checkpoint, checkpoint_crc, error, attempt, max_attempts, timeout_seconds,
	paused, created_at, updated_at, started_at, completed_at, heartbeat_at,
	approval_expires_at, next_attempt_at`

// CreateJob inserts a new job row in PENDING status.
func (s *Store) CreateJob(ctx context.Context, j *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, agent_id, session_id, status, priority, payload,
			checkpoint, checkpoint_crc, attempt, max_attempts, timeout_seconds,
			paused, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.AgentID, nullableText(j.SessionID), j.Status, j.Priority,
		nullableJSON(j.Payload), nullableJSON(j.Checkpoint),
		models.ChecksumCheckpoint(j.Checkpoint),
		j.Attempt, j.MaxAttempts, j.TimeoutSeconds, j.Paused,
		j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// LatestJobForAgent returns the most recently created job for an agent.
func (s *Store) LatestJobForAgent(ctx context.Context, agentID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE agent_id = $1
		 ORDER BY created_at DESC LIMIT 1`, agentID)
	return scanJob(row)
}

// ListJobs returns a filtered page of jobs plus the total match count.
func (s *Store) ListJobs(ctx context.Context, f models.JobFilters) ([]*models.Job, int, error) {
	where := []string{"TRUE"}
	args := []any{}

	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+cond+
			fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// ClaimNextJob atomically claims the oldest eligible job using
// FOR UPDATE SKIP LOCKED. Claiming moves the job to SCHEDULED, stamps the
// claiming pod, seeds heartbeat_at, and increments attempt. Jobs deferred
// by next_attempt_at and jobs whose agent already has work in flight are
// skipped. Returns pgx.ErrNoRows when nothing is claimable or the global
// concurrency cap is reached.
func (s *Store) ClaimNextJob(ctx context.Context, podID string, maxConcurrent int) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Global capacity check across all pods.
	var active int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status IN ('SCHEDULED', 'RUNNING')`).Scan(&active); err != nil {
		return nil, fmt.Errorf("store: count active jobs: %w", err)
	}
	if active >= maxConcurrent {
		return nil, pgx.ErrNoRows
	}

	// Order by priority then created_at for fair FIFO within a priority
	// band. One job per agent at a time, cluster-wide: an agent that is
	// scheduled, running, or parked on an approval blocks its other jobs.
	var id string
	err = tx.QueryRow(ctx,
		`SELECT id FROM jobs
		 WHERE status IN ('PENDING', 'RETRYING') AND NOT paused
		   AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		   AND NOT EXISTS (
		       SELECT 1 FROM jobs busy
		       WHERE busy.agent_id = jobs.agent_id
		         AND busy.status IN ('SCHEDULED', 'RUNNING', 'WAITING_FOR_APPROVAL'))
		 ORDER BY priority ASC, created_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`).Scan(&id)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'SCHEDULED', claimed_by = $2, attempt = attempt + 1,
		     heartbeat_at = now(), next_attempt_at = NULL, updated_at = now()
		 WHERE id = $1
		 RETURNING `+jobColumns, id, podID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit claim: %w", err)
	}
	return job, nil
}

// ReleaseJob reverts a claim this pod cannot act on yet, typically because
// the agent is in crash cooldown or already managed elsewhere. The job goes
// back to PENDING with the attempt handed back, and the next claim is
// deferred until notBefore. Fenced on claimed_by; only SCHEDULED jobs can
// be released, a job marked RUNNING has to finish through the lattice.
func (s *Store) ReleaseJob(ctx context.Context, id, podID string, notBefore time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'PENDING', attempt = GREATEST(attempt - 1, 0),
		     claimed_by = NULL, heartbeat_at = NULL,
		     next_attempt_at = $3, updated_at = now()
		 WHERE id = $1 AND claimed_by = $2 AND status = 'SCHEDULED'`,
		id, podID, notBefore)
	if err != nil {
		return fmt.Errorf("store: release job: %w", err)
	}
	return nil
}

// MarkJobRunning moves a claimed job to RUNNING and stamps started_at.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'RUNNING', started_at = now(), heartbeat_at = now(), updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark job running: %w", err)
	}
	return nil
}

// UpdateJobHeartbeat refreshes heartbeat_at on a job this pod claimed and
// returns the job's current status, letting the worker notice when the row
// moved underneath it: parked for approval, or requeued by the orphan
// sweep. Returns pgx.ErrNoRows when the claim no longer belongs to podID.
func (s *Store) UpdateJobHeartbeat(ctx context.Context, id, podID string) (models.JobStatus, error) {
	var status models.JobStatus
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET heartbeat_at = now()
		 WHERE id = $1 AND claimed_by = $2
		 RETURNING status`, id, podID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("store: update job heartbeat: %w", err)
	}
	return status, nil
}

// SaveJobCheckpoint persists an opaque checkpoint blob with its CRC.
func (s *Store) SaveJobCheckpoint(ctx context.Context, id string, checkpoint json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET checkpoint = $2, checkpoint_crc = $3, updated_at = now()
		 WHERE id = $1`,
		id, nullableJSON(checkpoint), models.ChecksumCheckpoint(checkpoint))
	if err != nil {
		return fmt.Errorf("store: save job checkpoint: %w", err)
	}
	return nil
}

// CompleteJob writes the result and moves the job to COMPLETED. The write
// is fenced on claimed_by and the RUNNING status, so a pod that lost the
// job to the orphan sweep or a rejected approval cannot overwrite the row.
// Returns false when the fence rejected the write.
func (s *Store) CompleteJob(ctx context.Context, id, podID string, result json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'COMPLETED', result = $3, error = NULL,
		     completed_at = now(), updated_at = now()
		 WHERE id = $1 AND claimed_by = $2 AND status = 'RUNNING'`,
		id, podID, nullableJSON(result))
	if err != nil {
		return false, fmt.Errorf("store: complete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailJob records a failed attempt. The job first moves to failStatus
// (FAILED or TIMED_OUT), then follows the retry lattice in the same
// transaction: RETRYING while attempt < max_attempts, DEAD_LETTER
// otherwise. The write is fenced on claimed_by; when the row was already
// finalized or requeued elsewhere the fence rejects it and the job's
// current status comes back unchanged. Returns the final status.
func (s *Store) FailJob(ctx context.Context, id, podID string, jobErr json.RawMessage, failStatus models.JobStatus) (models.JobStatus, error) {
	if failStatus != models.JobStatusFailed && failStatus != models.JobStatusTimedOut {
		return "", fmt.Errorf("store: fail job: invalid failure status %q", failStatus)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("store: begin fail: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $2, error = $3, updated_at = now()
		 WHERE id = $1 AND claimed_by = $4
		   AND status NOT IN ('COMPLETED', 'DEAD_LETTER')`,
		id, failStatus, nullableJSON(jobErr), podID)
	if err != nil {
		return "", fmt.Errorf("store: record job failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current models.JobStatus
		if err := tx.QueryRow(ctx,
			`SELECT status FROM jobs WHERE id = $1`, id).Scan(&current); err != nil {
			return "", fmt.Errorf("store: fail job: %w", err)
		}
		return current, tx.Commit(ctx)
	}

	var final models.JobStatus
	err = tx.QueryRow(ctx,
		`UPDATE jobs
		 SET status = CASE WHEN attempt < max_attempts THEN 'RETRYING' ELSE 'DEAD_LETTER' END,
		     completed_at = CASE WHEN attempt < max_attempts THEN NULL ELSE now() END,
		     claimed_by = NULL, heartbeat_at = NULL, approval_expires_at = NULL,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING status`, id).Scan(&final)
	if err != nil {
		return "", fmt.Errorf("store: requeue failed job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("store: commit fail: %w", err)
	}
	return final, nil
}

// FailJobTerminal records a failure that must not retry, such as a rejected
// approval: FAILED then straight to DEAD_LETTER. An empty podID skips the
// claimed_by fence; the approval service uses that form because the claim
// belongs to whichever pod runs the job.
func (s *Store) FailJobTerminal(ctx context.Context, id, podID string, jobErr json.RawMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin terminal fail: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'FAILED', error = $2, updated_at = now()
		 WHERE id = $1 AND ($3 = '' OR claimed_by = $3)
		   AND status NOT IN ('COMPLETED', 'DEAD_LETTER')`,
		id, nullableJSON(jobErr), podID)
	if err != nil {
		return fmt.Errorf("store: record terminal failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already finalized elsewhere, nothing to dead-letter.
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs
		 SET status = 'DEAD_LETTER', completed_at = now(),
		     claimed_by = NULL, heartbeat_at = NULL, approval_expires_at = NULL,
		     updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: dead-letter job: %w", err)
	}

	return tx.Commit(ctx)
}

// SetJobsPaused toggles the paused flag on an agent's non-terminal jobs.
// Running attempts are unaffected; the flag only blocks future claims.
// Returns the number of rows updated.
func (s *Store) SetJobsPaused(ctx context.Context, agentID string, paused bool) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET paused = $2, updated_at = now()
		 WHERE agent_id = $1 AND paused <> $2
		   AND status NOT IN ('COMPLETED', 'DEAD_LETTER')`,
		agentID, paused)
	if err != nil {
		return 0, fmt.Errorf("store: set jobs paused: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ParkJobForApproval moves a RUNNING job to WAITING_FOR_APPROVAL and
// stamps the approval deadline.
func (s *Store) ParkJobForApproval(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'WAITING_FOR_APPROVAL', approval_expires_at = $2, updated_at = now()
		 WHERE id = $1 AND status = 'RUNNING'`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("store: park job for approval: %w", err)
	}
	return nil
}

// ResumeJobFromApproval moves a WAITING_FOR_APPROVAL job back to RUNNING
// after a decision. Returns false when the job was not waiting.
func (s *Store) ResumeJobFromApproval(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'RUNNING', approval_expires_at = NULL,
		     heartbeat_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'WAITING_FOR_APPROVAL'`, id)
	if err != nil {
		return false, fmt.Errorf("store: resume job from approval: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecoverOrphanJobs times out claimed jobs whose heartbeat is older than
// threshold and WAITING_FOR_APPROVAL jobs whose approval deadline passed,
// then applies the retry lattice to each. Returns the affected job IDs.
func (s *Store) RecoverOrphanJobs(ctx context.Context, threshold time.Duration) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin orphan recovery: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`UPDATE jobs
		 SET status = 'TIMED_OUT', updated_at = now()
		 WHERE (status IN ('SCHEDULED', 'RUNNING') AND heartbeat_at < now() - $1::interval)
		    OR (status = 'WAITING_FOR_APPROVAL' AND approval_expires_at <= now())
		 RETURNING id`,
		fmt.Sprintf("%f seconds", threshold.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("store: mark orphan jobs: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs
		 SET status = CASE WHEN attempt < max_attempts THEN 'RETRYING' ELSE 'DEAD_LETTER' END,
		     completed_at = CASE WHEN attempt < max_attempts THEN NULL ELSE now() END,
		     claimed_by = NULL, heartbeat_at = NULL, approval_expires_at = NULL,
		     updated_at = now()
		 WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: requeue orphan jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit orphan recovery: %w", err)
	}
	return ids, nil
}

// ResetPodJobs times out jobs claimed by the given pod that were left in
// SCHEDULED or RUNNING, e.g. after an unclean restart. Returns the
// affected job IDs.
func (s *Store) ResetPodJobs(ctx context.Context, podID string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin pod reset: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`UPDATE jobs
		 SET status = 'TIMED_OUT', updated_at = now()
		 WHERE claimed_by = $1 AND status IN ('SCHEDULED', 'RUNNING')
		 RETURNING id`, podID)
	if err != nil {
		return nil, fmt.Errorf("store: mark pod jobs: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs
		 SET status = CASE WHEN attempt < max_attempts THEN 'RETRYING' ELSE 'DEAD_LETTER' END,
		     completed_at = CASE WHEN attempt < max_attempts THEN NULL ELSE now() END,
		     claimed_by = NULL, heartbeat_at = NULL, updated_at = now()
		 WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: requeue pod jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit pod reset: %w", err)
	}
	return ids, nil
}

// QueueStats is a point-in-time census of the job table, used for pool
// health reporting.
type QueueStats struct {
	QueueDepth int `json:"queue_depth"`
	ActiveJobs int `json:"active_jobs"`
}

// JobQueueStats counts claimable and in-flight jobs across all pods.
func (s *Store) JobQueueStats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := s.pool.QueryRow(ctx,
		`SELECT
		    COUNT(*) FILTER (WHERE status IN ('PENDING', 'RETRYING') AND NOT paused),
		    COUNT(*) FILTER (WHERE status IN ('SCHEDULED', 'RUNNING'))
		 FROM jobs`).Scan(&st.QueueDepth, &st.ActiveJobs)
	if err != nil {
		return QueueStats{}, fmt.Errorf("store: job queue stats: %w", err)
	}
	return st, nil
}

// DeleteDeadLetterJobsBefore prunes DEAD_LETTER jobs whose completed_at is
// older than the cutoff. Audit rows reference approvals, not jobs, so this
// never breaks the trail. Returns the number of rows deleted.
func (s *Store) DeleteDeadLetterJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs
		 WHERE status = 'DEAD_LETTER' AND completed_at < $1
		   AND NOT EXISTS (SELECT 1 FROM approval_requests ar WHERE ar.job_id = jobs.id)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: delete dead-letter jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	var sessionID *string
	err := row.Scan(&j.ID, &j.AgentID, &sessionID, &j.Status, &j.Priority,
		&j.Payload, &j.Result, &j.Checkpoint, &j.CheckpointCRC, &j.Error,
		&j.Attempt, &j.MaxAttempts, &j.TimeoutSeconds, &j.Paused,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
		&j.HeartbeatAt, &j.ApprovalExpiresAt, &j.NextAttemptAt)
	if err != nil {
		return nil, err
	}
	if sessionID != nil {
		j.SessionID = *sessionID
	}
	return &j, nil
}

// nullableText maps empty strings to NULL.
func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
