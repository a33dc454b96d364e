package models

import (
	"encoding/json"
	"hash/crc32"
	"time"
)

// JobStatus defines the execution status of a job.
type JobStatus string

const (
	// JobStatusPending means the job is queued and unclaimed
	JobStatusPending JobStatus = "PENDING"
	// JobStatusScheduled means a worker claimed the job
	JobStatusScheduled JobStatus = "SCHEDULED"
	// JobStatusRunning means the job is executing
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusWaitingForApproval means execution is parked on a human decision
	JobStatusWaitingForApproval JobStatus = "WAITING_FOR_APPROVAL"
	// JobStatusCompleted is the successful terminal status
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed means the attempt failed
	JobStatusFailed JobStatus = "FAILED"
	// JobStatusTimedOut means the attempt exceeded its timeout
	JobStatusTimedOut JobStatus = "TIMED_OUT"
	// JobStatusRetrying means the job is requeued for another attempt
	JobStatusRetrying JobStatus = "RETRYING"
	// JobStatusDeadLetter means all attempts are exhausted
	JobStatusDeadLetter JobStatus = "DEAD_LETTER"
)

// IsValid checks if the job status is valid
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusScheduled, JobStatusRunning,
		JobStatusWaitingForApproval, JobStatusCompleted, JobStatusFailed,
		JobStatusTimedOut, JobStatusRetrying, JobStatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusDeadLetter
}

// jobTransitions is the legal status lattice. RETRYING and
// WAITING_FOR_APPROVAL both feed back into the active path.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:            {JobStatusScheduled},
	JobStatusScheduled:          {JobStatusRunning, JobStatusPending},
	JobStatusRunning:            {JobStatusCompleted, JobStatusFailed, JobStatusTimedOut, JobStatusWaitingForApproval},
	JobStatusWaitingForApproval: {JobStatusRunning, JobStatusTimedOut},
	JobStatusFailed:             {JobStatusRetrying, JobStatusDeadLetter},
	JobStatusTimedOut:           {JobStatusRetrying, JobStatusDeadLetter},
	JobStatusRetrying:           {JobStatusScheduled},
}

// CanTransitionTo reports whether s -> to is a legal lattice edge.
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Job is one persistent unit of work owned by exactly one agent.
type Job struct {
	ID                string          `json:"id"`
	AgentID           string          `json:"agent_id"`
	SessionID         string          `json:"session_id,omitempty"`
	Status            JobStatus       `json:"status"`
	Priority          int             `json:"priority"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Checkpoint        json.RawMessage `json:"checkpoint,omitempty"`
	CheckpointCRC     int64           `json:"checkpoint_crc"`
	Error             json.RawMessage `json:"error,omitempty"`
	Attempt           int             `json:"attempt"`
	MaxAttempts       int             `json:"max_attempts"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	Paused            bool            `json:"paused"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	HeartbeatAt       *time.Time      `json:"heartbeat_at,omitempty"`
	ApprovalExpiresAt *time.Time      `json:"approval_expires_at,omitempty"`
	NextAttemptAt     *time.Time      `json:"next_attempt_at,omitempty"`
}

// JobError is the error payload persisted on failed job attempts.
type JobError struct {
	Message        string              `json:"message"`
	Classification ErrorClassification `json:"classification,omitempty"`
}

// ChecksumCheckpoint computes the CRC stored alongside a checkpoint blob.
// IEEE polynomial, matching the value written by the store on every update.
func ChecksumCheckpoint(raw []byte) int64 {
	if len(raw) == 0 {
		return 0
	}
	return int64(crc32.ChecksumIEEE(raw))
}

// CreateJobRequest contains fields for creating and enqueueing a job
type CreateJobRequest struct {
	AgentID        string          `json:"agent_id"`
	SessionID      string          `json:"session_id,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// JobFilters contains filtering options for listing jobs
type JobFilters struct {
	AgentID string `json:"agent_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// JobListResponse contains a paginated job list
type JobListResponse struct {
	Jobs       []*Job `json:"jobs"`
	TotalCount int    `json:"total_count"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}
