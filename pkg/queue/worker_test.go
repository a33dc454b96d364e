package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/lifecycle"
	"github.com/codeready-toolchain/warden/pkg/models"
	"github.com/codeready-toolchain/warden/pkg/store"
)

// fakeQueueStore is an in-memory Store with the same claim ordering and
// fencing rules as the SQL implementation.
type fakeQueueStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	claims   map[string]string // job ID -> pod ID
	orphans  []string
	statsErr error
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		jobs:   make(map[string]*models.Job),
		claims: make(map[string]string),
	}
}

func (f *fakeQueueStore) addJob(j *models.Job) {
	if j.Status == "" {
		j.Status = models.JobStatusPending
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
}

func (f *fakeQueueStore) job(id string) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeQueueStore) markRunning(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = models.JobStatusRunning
}

func (f *fakeQueueStore) setStatus(id string, status models.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = status
}

// stealClaim simulates the orphan sweep requeueing the job for another
// pod: the claim is cleared and the row goes back to RETRYING.
func (f *fakeQueueStore) stealClaim(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, id)
	f.jobs[id].Status = models.JobStatusRetrying
}

func (f *fakeQueueStore) ClaimNextJob(_ context.Context, podID string, maxConcurrent int) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	active := 0
	busy := make(map[string]bool)
	for _, j := range f.jobs {
		switch j.Status {
		case models.JobStatusScheduled, models.JobStatusRunning:
			active++
			busy[j.AgentID] = true
		case models.JobStatusWaitingForApproval:
			busy[j.AgentID] = true
		}
	}
	if active >= maxConcurrent {
		return nil, pgx.ErrNoRows
	}

	now := time.Now()
	var pick *models.Job
	for _, j := range f.jobs {
		if j.Status != models.JobStatusPending && j.Status != models.JobStatusRetrying {
			continue
		}
		if j.Paused || busy[j.AgentID] {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		if pick == nil || j.Priority < pick.Priority ||
			(j.Priority == pick.Priority && j.CreatedAt.Before(pick.CreatedAt)) {
			pick = j
		}
	}
	if pick == nil {
		return nil, pgx.ErrNoRows
	}

	pick.Status = models.JobStatusScheduled
	pick.Attempt++
	pick.NextAttemptAt = nil
	hb := now
	pick.HeartbeatAt = &hb
	f.claims[pick.ID] = podID

	out := *pick
	return &out, nil
}

func (f *fakeQueueStore) ReleaseJob(_ context.Context, id, podID string, notBefore time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || f.claims[id] != podID || j.Status != models.JobStatusScheduled {
		return nil
	}
	j.Status = models.JobStatusPending
	if j.Attempt > 0 {
		j.Attempt--
	}
	j.HeartbeatAt = nil
	nb := notBefore
	j.NextAttemptAt = &nb
	delete(f.claims, id)
	return nil
}

func (f *fakeQueueStore) UpdateJobHeartbeat(_ context.Context, id, podID string) (models.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || f.claims[id] != podID {
		return "", fmt.Errorf("store: update job heartbeat: %w", pgx.ErrNoRows)
	}
	hb := time.Now()
	j.HeartbeatAt = &hb
	return j.Status, nil
}

func (f *fakeQueueStore) CompleteJob(_ context.Context, id, podID string, result json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || f.claims[id] != podID || j.Status != models.JobStatusRunning {
		return false, nil
	}
	j.Status = models.JobStatusCompleted
	j.Result = result
	j.Error = nil
	now := time.Now()
	j.CompletedAt = &now
	return true, nil
}

func (f *fakeQueueStore) FailJob(_ context.Context, id, podID string, jobErr json.RawMessage, failStatus models.JobStatus) (models.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return "", pgx.ErrNoRows
	}
	if f.claims[id] != podID || j.Status.IsTerminal() {
		return j.Status, nil
	}
	j.Error = jobErr
	if j.Attempt < j.MaxAttempts {
		j.Status = models.JobStatusRetrying
	} else {
		j.Status = models.JobStatusDeadLetter
		now := time.Now()
		j.CompletedAt = &now
	}
	j.HeartbeatAt = nil
	j.ApprovalExpiresAt = nil
	delete(f.claims, id)
	return j.Status, nil
}

func (f *fakeQueueStore) FailJobTerminal(_ context.Context, id, podID string, jobErr json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil
	}
	if (podID != "" && f.claims[id] != podID) || j.Status.IsTerminal() {
		return nil
	}
	j.Status = models.JobStatusDeadLetter
	j.Error = jobErr
	now := time.Now()
	j.CompletedAt = &now
	j.HeartbeatAt = nil
	j.ApprovalExpiresAt = nil
	delete(f.claims, id)
	return nil
}

func (f *fakeQueueStore) RecoverOrphanJobs(_ context.Context, _ time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.orphans
	f.orphans = nil
	return ids, nil
}

func (f *fakeQueueStore) ResetPodJobs(_ context.Context, podID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, pod := range f.claims {
		j := f.jobs[id]
		if pod != podID || (j.Status != models.JobStatusScheduled && j.Status != models.JobStatusRunning) {
			continue
		}
		if j.Attempt < j.MaxAttempts {
			j.Status = models.JobStatusRetrying
		} else {
			j.Status = models.JobStatusDeadLetter
		}
		j.HeartbeatAt = nil
		delete(f.claims, id)
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeQueueStore) JobQueueStats(_ context.Context) (store.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return store.QueueStats{}, f.statsErr
	}
	var st store.QueueStats
	for _, j := range f.jobs {
		switch j.Status {
		case models.JobStatusPending, models.JobStatusRetrying:
			if !j.Paused {
				st.QueueDepth++
			}
		case models.JobStatusScheduled, models.JobStatusRunning:
			st.ActiveJobs++
		}
	}
	return st, nil
}

// executorFunc adapts a function to the JobExecutor interface.
type executorFunc func(ctx context.Context, job *models.Job, parked <-chan struct{}) *ExecutionResult

func (f executorFunc) Execute(ctx context.Context, job *models.Job, parked <-chan struct{}) *ExecutionResult {
	return f(ctx, job, parked)
}

type nopRegistry struct{}

func (nopRegistry) RegisterJob(string, context.CancelFunc) {}
func (nopRegistry) UnregisterJob(string)                   {}

func testQueueConfig() *config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.WorkerCount = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollIntervalJitter = 0
	cfg.JobTimeout = 5 * time.Second
	cfg.GracefulShutdownTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.OrphanDetectionInterval = 20 * time.Millisecond
	return cfg
}

func newTestWorker(st Store, cfg *config.QueueConfig, exec JobExecutor) *Worker {
	return NewWorker("pod-1-worker-0", "pod-1", st, cfg, exec, nopRegistry{})
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	st := newFakeQueueStore()
	st.addJob(&models.Job{ID: "j1", AgentID: "a1"})

	exec := executorFunc(func(_ context.Context, job *models.Job, _ <-chan struct{}) *ExecutionResult {
		st.markRunning(job.ID)
		return &ExecutionResult{
			Status: models.JobStatusCompleted,
			Result: json.RawMessage(`{"summary":"done"}`),
		}
	})
	w := newTestWorker(st, testQueueConfig(), exec)

	require.NoError(t, w.pollAndProcess(context.Background()))

	j := st.job("j1")
	assert.Equal(t, models.JobStatusCompleted, j.Status)
	assert.JSONEq(t, `{"summary":"done"}`, string(j.Result))
	assert.Equal(t, 1, j.Attempt)
	require.NotNil(t, j.CompletedAt)

	h := w.Health()
	assert.Equal(t, 1, h.JobsProcessed)
	assert.Equal(t, WorkerStatusIdle, h.Status)
}

func TestWorkerReturnsNoJobsWhenQueueEmpty(t *testing.T) {
	w := newTestWorker(newFakeQueueStore(), testQueueConfig(), nil)
	err := w.pollAndProcess(context.Background())
	require.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	st := newFakeQueueStore()
	st.addJob(&models.Job{ID: "j1", AgentID: "a1", MaxAttempts: 3})

	exec := executorFunc(func(_ context.Context, job *models.Job, _ <-chan struct{}) *ExecutionResult {
		st.markRunning(job.ID)
		return &ExecutionResult{
			Status: models.JobStatusFailed,
			Error:  errors.New("backend unreachable"),
			Class:  models.ClassificationTransient,
		}
	})
	w := newTestWorker(st, testQueueConfig(), exec)

	require.NoError(t, w.pollAndProcess(context.Background()))

	j := st.job("j1")
	assert.Equal(t, models.JobStatusRetrying, j.Status)
	assert.Equal(t, 1, j.Attempt)

	var jobErr models.JobError
	require.NoError(t, json.Unmarshal(j.Error, &jobErr))
	assert.Equal(t, "backend unreachable", jobErr.Message)
	assert.Equal(t, models.ClassificationTransient, jobErr.Classification)

	// The job is claimable again right away.
	require.NoError(t, w.pollAndProcess(context.Background()))
	assert.Equal(t, 2, st.job("j1").Attempt)
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	st := newFakeQueueStore()
	st.addJob(&models.Job{ID: "j1", AgentID: "a1", MaxAttempts: 1})

	exec := executorFunc(func(_ context.Context, job *models.Job, _ <-chan struct{}) *ExecutionResult {
		st.markRunning(job.ID)
		return &ExecutionResult{
			Status: models.JobStatusFailed,
			Error:  errors.New("still broken"),
		}
	})
	w := newTestWorker(st, testQueueConfig(), exec)

	require.NoError(t, w.pollAndProcess(context.Background()))

	j := st.job("j1")
	assert.Equal(t, models.JobStatusDeadLetter, j.Status)
	require.NotNil(t, j.CompletedAt)

	require.ErrorIs(t, w.pollAndProcess(context.Background()), ErrNoJobsAvailable)
}

func TestWorkerNoRetryDeadLettersImmediately(t *testing.T) {
	st := newFakeQueueStore()
	st.addJob(&models.Job{ID: "j1", AgentID: "a1", MaxAttempts: 5})

	exec := executorFunc(func(_ context.Context, job *models.Job, _ <-chan struct{}) *ExecutionResult {
		st.markRunning(job.ID)
		return &ExecutionResult{
			Status:  models.JobStatusFailed,
			Error:   errors.New("approval rejected"),
			Class:   models.ClassificationPermanent,
			NoRetry: true,
		}
	})
	w := newTestWorker(st, testQueueConfig(), exec)

	require.NoError(t, w.pollAndProcess(context.Background()))

	j := st.job("j1")
	assert.Equal(t, models.JobStatusDeadLetter, j.Status)
	assert.Equal(t, 1, j.Attempt)

	var jobErr models.JobError
	require.NoError(t, json.Unmarshal(j.Error, &jobErr))
	assert.Equal(t, "approval rejected", jobErr.Message)
	assert.Equal(t, models.ClassificationPermanent, jobErr.Classification)
}

func TestWorkerReleasesClaimDuringCooldown(t *testing.T) {
	st := newFakeQueueStore()
	st.addJob(&models.Job{ID: "j1", AgentID: "a1", MaxAttempts: 3})

	until := time.Now().Add(time.Minute)
	exec := executorFunc(func(_ context.Context, _ *models.Job, _ <-chan struct{}) *ExecutionResult {
		return &ExecutionResult{
			Status: models.JobStatusFailed,
			Error:  &lifecycle.CooldownError{AgentID: "a1", Until: until},
		}
	})
	w := newTestWorker(st, testQueueConfig(), exec)

	require.NoError(t, w.pollAndProcess(context.Background()))

	j := st.job("j1")
	assert.Equal(t, models.JobStatusPending, j.Status)
	assert.Equal(t, 0, j.Attempt, "a released claim hands the attempt back")
	require.NotNil(t, j.NextAttemptAt)
	assert.WithinDuration(t, until, *j.NextAttemptAt, time.Second)

	// Deferred until the cooldown lapses.
	require.ErrorIs(t, w.pollAndProcess(context.Background()), ErrNoJobsAvailable)
}

func TestWorkerReleasesClaimWhenAgentBusyElsewhere(t *testing.T) {
	st := newFakeQueueStore()
	st.addJob(&models.Job{ID: "j1", AgentID: "a1", MaxAttempts: 3})

	exec := executorFunc(func(_ context.Context, _ *models.Job, _ <-chan struct{}) *ExecutionResult {
		return &ExecutionResult{
			Status: models.JobStatusFailed,
			Error:  fmt.Errorf("boot agent a1: %w", lifecycle.ErrAlreadyManaged),
		}
	})
	w := newTestWorker(st, testQueueConfig(), exec)

	before := time.Now()
	require.NoError(t, w.pollAndProcess(context.Background()))

	j := st.job("j1")
	assert.Equal(t, models.JobStatusPending, j.Status)
	assert.Equal(t, 0, j.Attempt)
	require.NotNil(t, j.NextAttemptAt)
	assert.WithinDuration(t, before.Add(agentBusyBackoff), *j.NextAttemptAt, time.Second)
}

func TestWorkerSynthesizesTimeoutResult(t *testing.T) {
	st := newFakeQueueStore()
	st.addJob(&models.Job{ID: "j1", AgentID: "a1", MaxAttempts: 3})

	cfg := testQueueConfig()
	cfg.JobTimeout = 30 * time.Millisecond

	exec := executorFunc(func(ctx context.Context, job *models.Job, _ <-chan struct{}) *ExecutionResult {
		st.markRunning(job.ID)
		<-ctx.Done()
		return nil
	})
	w := newTestWorker(st, cfg, exec)

	require.NoError(t, w.pollAndProcess(context.Background()))

	j := st.job("j1")
	assert.Equal(t, models.JobStatusRetrying, j.Status)

	var jobErr models.JobError
	require.NoError(t, json.Unmarshal(j.Error, &jobErr))
	assert.Contains(t, jobErr.Message, "timed out")
}

func TestWorkerJobTimeoutSecondsOverridesDefault(t *testing.T) {
	st := newFakeQueueStore()
	st.addJob(&models.Job{ID: "j1", AgentID: "a1", MaxAttempts: 3, TimeoutSeconds: 1})

	cfg := testQueueConfig()
	cfg.JobTimeout = time.Hour

	var deadline time.Time
	exec := executorFunc(func(ctx context.Context, job *models.Job, _ <-chan struct{}) *ExecutionResult {
		st.markRunning(job.ID)
		deadline, _ = ctx.Deadline()
		return &ExecutionResult{Status: models.JobStatusCompleted}
	})
	w := newTestWorker(st, cfg, exec)

	require.NoError(t, w.pollAndProcess(context.Background()))
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
}

func TestWorkerObservesApprovalPark(t *testing.T) {
	st := newFakeQueueStore()
	st.addJob(&models.Job{ID: "j1", AgentID: "a1", MaxAttempts: 3})

	started := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, job *models.Job, parked <-chan struct{}) *ExecutionResult {
		st.markRunning(job.ID)
		close(started)
		select {
		case <-parked:
		case <-ctx.Done():
			return &ExecutionResult{Status: models.JobStatusFailed, Error: ctx.Err()}
		}
		// The approval decision resumed the row before the executor
		// finished; completion still lands.
		st.setStatus(job.ID, models.JobStatusRunning)
		return &ExecutionResult{Status: models.JobStatusCompleted, Result: json.RawMessage(`{}`)}
	})
	w := newTestWorker(st, testQueueConfig(), exec)

	errCh := make(chan error, 1)
	go func() { errCh <- w.pollAndProcess(context.Background()) }()

	<-started
	st.setStatus("j1", models.JobStatusWaitingForApproval)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not observe the park")
	}
	assert.Equal(t, models.JobStatusCompleted, st.job("j1").Status)
}

func TestWorkerAbandonsLostClaim(t *testing.T) {
	st := newFakeQueueStore()
	st.addJob(&models.Job{ID: "j1", AgentID: "a1", MaxAttempts: 3})

	started := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, job *models.Job, _ <-chan struct{}) *ExecutionResult {
		st.markRunning(job.ID)
		close(started)
		<-ctx.Done()
		return nil
	})
	w := newTestWorker(st, testQueueConfig(), exec)

	errCh := make(chan error, 1)
	go func() { errCh <- w.pollAndProcess(context.Background()) }()

	<-started
	st.stealClaim("j1")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not abandon the lost claim")
	}

	// The fenced failure write must not touch the requeued row.
	j := st.job("j1")
	assert.Equal(t, models.JobStatusRetrying, j.Status)
	assert.Nil(t, j.Error)
}

func TestWorkerStartStop(t *testing.T) {
	w := newTestWorker(newFakeQueueStore(), testQueueConfig(), nil)
	w.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	w.Stop()
	w.Stop() // idempotent
}

func TestPollIntervalJitterBounds(t *testing.T) {
	cfg := testQueueConfig()
	cfg.PollInterval = time.Second
	cfg.PollIntervalJitter = 100 * time.Millisecond
	w := newTestWorker(newFakeQueueStore(), cfg, nil)

	for i := 0; i < 100; i++ {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.Less(t, d, 1100*time.Millisecond)
	}

	cfg.PollIntervalJitter = 0
	assert.Equal(t, time.Second, w.pollInterval())
}
