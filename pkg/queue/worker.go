package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/lifecycle"
	"github.com/codeready-toolchain/warden/pkg/models"
)

// agentBusyBackoff defers a released claim when the agent is already
// managed on another pod. The claim-time busy-agent guard makes this
// rare; it covers the window between that check and boot.
const agentBusyBackoff = 15 * time.Second

// JobRegistry is the subset of WorkerPool used by workers to register
// running jobs for external cancellation.
type JobRegistry interface {
	RegisterJob(jobID string, cancel context.CancelFunc)
	UnregisterJob(jobID string)
}

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id       string
	podID    string
	store    Store
	config   *config.QueueConfig
	executor JobExecutor
	pool     JobRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, st Store, cfg *config.QueueConfig, executor JobExecutor, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        st,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the current job to
// finish. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// Health returns the current worker health.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the poll interval with jitter applied, so workers
// across pods do not hammer the claim query in lockstep.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker health tracking fields.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}

// pollAndProcess claims the next job, runs it through the executor, and
// writes the terminal status.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.store.ClaimNextJob(ctx, w.podID, w.config.MaxConcurrentJobs)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoJobsAvailable
	}
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}

	log := slog.With("job_id", job.ID, "agent_id", job.AgentID, "worker_id", w.id, "attempt", job.Attempt)
	log.Info("Job claimed")

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	timeout := w.config.JobTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	jobCtx, cancelJob := context.WithTimeout(ctx, timeout)
	defer cancelJob()

	w.pool.RegisterJob(job.ID, cancelJob)
	defer w.pool.UnregisterJob(job.ID)

	// The heartbeat goroutine signals parked when the row moves to
	// WAITING_FOR_APPROVAL and abandons the attempt when the claim is
	// lost to another pod.
	parked := make(chan struct{}, 1)
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID, parked, cancelJob)

	result := w.executor.Execute(jobCtx, job, parked)
	cancelHeartbeat()

	if result == nil {
		result = w.synthesizeResult(jobCtx, timeout)
	}
	// A deadline breach wins over whatever the executor reported.
	if result.Status != models.JobStatusCompleted && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		result.Status = models.JobStatusTimedOut
		if result.Error == nil {
			result.Error = fmt.Errorf("job timed out after %v", timeout)
		}
	}

	if err := w.finalizeJob(job, result); err != nil {
		log.Error("Failed to finalize job", "status", result.Status, "error", err)
		return fmt.Errorf("failed to finalize job %s: %w", job.ID, err)
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job processing finished", "status", result.Status)
	return nil
}

// synthesizeResult covers executors that return nil, using the job
// context to pick the closest outcome.
func (w *Worker) synthesizeResult(jobCtx context.Context, timeout time.Duration) *ExecutionResult {
	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return &ExecutionResult{
			Status: models.JobStatusTimedOut,
			Error:  fmt.Errorf("job timed out after %v", timeout),
		}
	case errors.Is(jobCtx.Err(), context.Canceled):
		return &ExecutionResult{
			Status: models.JobStatusFailed,
			Error:  context.Canceled,
		}
	default:
		return &ExecutionResult{
			Status: models.JobStatusFailed,
			Error:  errors.New("executor returned nil result"),
		}
	}
}

// finalizeJob maps the execution result onto the job row. Runs on a
// fresh context; the job context is usually done by now. Claims the pod
// cannot act on (agent in crash cooldown, agent managed elsewhere) are
// released without burning the attempt.
func (w *Worker) finalizeJob(job *models.Job, result *ExecutionResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var cooldown *lifecycle.CooldownError
	switch {
	case errors.As(result.Error, &cooldown):
		slog.Info("Agent in crash cooldown, releasing claim",
			"job_id", job.ID, "agent_id", job.AgentID, "until", cooldown.Until)
		return w.store.ReleaseJob(ctx, job.ID, w.podID, cooldown.Until)
	case errors.Is(result.Error, lifecycle.ErrAlreadyManaged):
		slog.Info("Agent busy elsewhere, releasing claim",
			"job_id", job.ID, "agent_id", job.AgentID)
		return w.store.ReleaseJob(ctx, job.ID, w.podID, time.Now().Add(agentBusyBackoff))
	}

	switch {
	case result.Status == models.JobStatusCompleted:
		written, err := w.store.CompleteJob(ctx, job.ID, w.podID, result.Result)
		if err != nil {
			return err
		}
		if !written {
			slog.Warn("Job was finalized elsewhere, completion discarded", "job_id", job.ID)
		}
		return nil
	case result.NoRetry:
		return w.store.FailJobTerminal(ctx, job.ID, w.podID, jobErrorJSON(result))
	default:
		final, err := w.store.FailJob(ctx, job.ID, w.podID, jobErrorJSON(result), result.Status)
		if err != nil {
			return err
		}
		slog.Info("Job attempt failed",
			"job_id", job.ID, "attempt", job.Attempt, "status", result.Status, "final_status", final)
		return nil
	}
}

// runHeartbeat refreshes heartbeat_at while the job is held and watches
// the row's status between ticks. The approval service parks jobs by
// flipping the status; the orphan sweep requeues lost ones.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string, parked chan<- struct{}, abandon context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	last := models.JobStatusRunning
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := w.store.UpdateJobHeartbeat(ctx, jobID, w.podID)
			if errors.Is(err, pgx.ErrNoRows) {
				// The claim no longer belongs to this pod.
				slog.Warn("Job claim lost, abandoning attempt", "job_id", jobID, "worker_id", w.id)
				abandon()
				return
			}
			if err != nil {
				slog.Warn("Failed to update job heartbeat", "job_id", jobID, "error", err)
				continue
			}

			switch status {
			case models.JobStatusScheduled, models.JobStatusRunning:
				// Normal processing.
			case models.JobStatusWaitingForApproval:
				if last != status {
					select {
					case parked <- struct{}{}:
					default:
					}
				}
			default:
				slog.Warn("Job moved underneath this pod, abandoning attempt",
					"job_id", jobID, "status", status)
				abandon()
				return
			}
			last = status
		}
	}
}

// jobErrorJSON marshals the error payload persisted on a failed attempt.
func jobErrorJSON(result *ExecutionResult) json.RawMessage {
	if result.Error == nil {
		return nil
	}
	class := result.Class
	if class == "" {
		class = models.ClassificationTransient
	}
	raw, err := json.Marshal(models.JobError{
		Message:        result.Error.Error(),
		Classification: class,
	})
	if err != nil {
		return nil
	}
	return raw
}
