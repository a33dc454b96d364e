// Package queue implements the persistent job queue: a pool of workers
// that claim jobs with FOR UPDATE SKIP LOCKED, heartbeat while holding
// them, and hand each claim to an executor. Orphan detection requeues
// jobs whose pod stopped heartbeating.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codeready-toolchain/warden/pkg/models"
	"github.com/codeready-toolchain/warden/pkg/store"
)

// ErrNoJobsAvailable indicates nothing is claimable right now: the queue
// is empty, every eligible agent is busy, or the pod is at its
// concurrency cap. The claim query reports all three the same way.
var ErrNoJobsAvailable = errors.New("no jobs available")

// JobExecutor runs one claimed job attempt. The executor owns the run:
// lifecycle, backend routing, the output event pump, checkpoints, and
// approval waits. The worker only claims, heartbeats, and writes the
// terminal status.
//
// parked receives a signal when the job row moves to
// WAITING_FOR_APPROVAL underneath the worker.
type JobExecutor interface {
	Execute(ctx context.Context, job *models.Job, parked <-chan struct{}) *ExecutionResult
}

// ExecutionResult is the terminal state of one attempt. Intermediate
// state (checkpoints, streamed events) is written during execution.
type ExecutionResult struct {
	// Status is the attempt outcome: COMPLETED, FAILED, or TIMED_OUT.
	Status models.JobStatus

	// Result is the persisted result payload, set when COMPLETED.
	Result json.RawMessage

	// Error is the failure cause, set when not COMPLETED.
	Error error

	// Class grades the failure for retry and circuit breaker accounting.
	Class models.ErrorClassification

	// NoRetry dead-letters the job regardless of attempts left. Set for
	// failures that cannot heal on retry: rejected approvals, payloads
	// that do not decode.
	NoRetry bool
}

// Store is the persistence surface the queue runs on, implemented by
// *store.Store.
type Store interface {
	ClaimNextJob(ctx context.Context, podID string, maxConcurrent int) (*models.Job, error)
	ReleaseJob(ctx context.Context, id, podID string, notBefore time.Time) error
	UpdateJobHeartbeat(ctx context.Context, id, podID string) (models.JobStatus, error)
	CompleteJob(ctx context.Context, id, podID string, result json.RawMessage) (bool, error)
	FailJob(ctx context.Context, id, podID string, jobErr json.RawMessage, failStatus models.JobStatus) (models.JobStatus, error)
	FailJobTerminal(ctx context.Context, id, podID string, jobErr json.RawMessage) error
	RecoverOrphanJobs(ctx context.Context, threshold time.Duration) ([]string, error)
	ResetPodJobs(ctx context.Context, podID string) ([]string, error)
	JobQueueStats(ctx context.Context) (store.QueueStats, error)
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// PoolHealth contains health information for the worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveJobs       int            `json:"active_jobs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}
