package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/lifecycle"
	"github.com/codeready-toolchain/warden/pkg/models"
	"github.com/codeready-toolchain/warden/pkg/services"
)

type fakeExecStore struct {
	mu          sync.Mutex
	running     []string
	checkpoints []json.RawMessage
	markErr     error
}

func (s *fakeExecStore) MarkJobRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.running = append(s.running, id)
	return nil
}

func (s *fakeExecStore) SaveJobCheckpoint(_ context.Context, _ string, checkpoint json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, checkpoint)
	return nil
}

func (s *fakeExecStore) runningCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.running...)
}

func (s *fakeExecStore) checkpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints)
}

type lifecycleStoreStub struct {
	mu     sync.Mutex
	agents map[string]*models.Agent
	jobs   map[string]*models.Job
}

func newLifecycleStoreStub() *lifecycleStoreStub {
	return &lifecycleStoreStub{
		agents: make(map[string]*models.Agent),
		jobs:   make(map[string]*models.Job),
	}
}

func (s *lifecycleStoreStub) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, services.ErrNotFound)
	}
	return a, nil
}

func (s *lifecycleStoreStub) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, services.ErrNotFound)
	}
	return j, nil
}

func (s *lifecycleStoreStub) SetJobsPaused(_ context.Context, _ string, _ bool) (int, error) {
	return 0, nil
}

func (s *lifecycleStoreStub) addAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[id] = &models.Agent{ID: id, Name: id, Slug: id, Status: models.AgentStatusActive}
}

func (s *lifecycleStoreStub) addJob(id, agentID string, attempt int, checkpoint []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &models.Job{
		ID:            id,
		AgentID:       agentID,
		Status:        models.JobStatusScheduled,
		Attempt:       attempt,
		Checkpoint:    checkpoint,
		CheckpointCRC: models.ChecksumCheckpoint(checkpoint),
	}
}

type fakeApprovals struct {
	mu        sync.Mutex
	decisions []models.ApprovalStatus
	err       error
	calls     int
}

func (f *fakeApprovals) AwaitJobDecision(_ context.Context, _ string) (models.ApprovalStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	idx := f.calls
	if idx >= len(f.decisions) {
		idx = len(f.decisions) - 1
	}
	f.calls++
	return f.decisions[idx], nil
}

func (f *fakeApprovals) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu    sync.Mutex
	names []string
	sent  []any
}

func (n *fakeNotifier) Broadcast(_ string, event string, payload any) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names = append(n.names, event)
	n.sent = append(n.sent, payload)
	return uint64(len(n.names))
}

func (n *fakeNotifier) eventNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.names...)
}

func (n *fakeNotifier) payloads() []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]any(nil), n.sent...)
}

// testMasker redacts the canary credential used in test scripts.
type testMasker struct{}

func (testMasker) MaskString(s string) string {
	return strings.ReplaceAll(s, "hunter2", "[MASKED]")
}

type runScript func(ctx context.Context, task backend.Task, h *backend.StreamHandle)

// scriptedBackend plays one scripted run per ExecuteTask call, reusing
// the last script when calls outnumber scripts.
type scriptedBackend struct {
	id        string
	execErr   error
	panicExec bool
	runs      []runScript

	mu    sync.Mutex
	tasks []backend.Task
}

func (b *scriptedBackend) ID() string                                          { return b.id }
func (b *scriptedBackend) Start(context.Context, *config.ProviderConfig) error { return nil }
func (b *scriptedBackend) Stop(context.Context) error                          { return nil }

func (b *scriptedBackend) HealthCheck(context.Context) backend.Health {
	return backend.Health{Status: backend.HealthHealthy}
}

func (b *scriptedBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsStreaming:    true,
		SupportsCancellation: true,
		ReportsTokenUsage:    true,
	}
}

func (b *scriptedBackend) ExecuteTask(ctx context.Context, task backend.Task) (backend.Handle, error) {
	if b.panicExec {
		panic("scripted backend exploded")
	}
	if b.execErr != nil {
		return nil, b.execErr
	}

	b.mu.Lock()
	idx := len(b.tasks)
	b.tasks = append(b.tasks, task)
	b.mu.Unlock()
	if idx >= len(b.runs) {
		idx = len(b.runs) - 1
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	h := backend.NewStreamHandle(task.ID, 16, cancel)
	go b.runs[idx](runCtx, task, h)
	return h, nil
}

func (b *scriptedBackend) received() []backend.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Task(nil), b.tasks...)
}

type execFixture struct {
	store     *fakeExecStore
	lcStore   *lifecycleStoreStub
	manager   *lifecycle.Manager
	registry  *backend.Registry
	approvals *fakeApprovals
	notify    *fakeNotifier
	exec      *TaskExecutor
}

func newExecFixture(t *testing.T, b backend.Backend) *execFixture {
	t.Helper()
	f := &execFixture{
		store:     &fakeExecStore{},
		lcStore:   newLifecycleStoreStub(),
		approvals: &fakeApprovals{},
		notify:    &fakeNotifier{},
		registry:  backend.NewRegistry(""),
	}
	f.manager = lifecycle.NewManager(f.lcStore, nil, nil)
	if b != nil {
		require.NoError(t, f.registry.Register(context.Background(), b, &config.ProviderConfig{
			Type:     config.ProviderTypeAnthropic,
			Priority: 1,
		}))
	}
	f.exec = NewTaskExecutor(f.store, f.manager, f.registry, f.approvals, f.notify, testMasker{}, nil)
	return f
}

func execJob(id, agentID string) *models.Job {
	return &models.Job{
		ID:          id,
		AgentID:     agentID,
		Status:      models.JobStatusScheduled,
		Attempt:     1,
		MaxAttempts: 3,
		Payload:     json.RawMessage(`{"instruction":{"prompt":"fix the flaky build"}}`),
	}
}

func TestExecutorRunsTaskToCompletion(t *testing.T) {
	b := &scriptedBackend{id: "primary", runs: []runScript{
		func(ctx context.Context, _ backend.Task, h *backend.StreamHandle) {
			h.Emit(ctx, backend.NewTextEvent("exported token hunter2 "))
			h.Emit(ctx, backend.NewToolResultEvent("tu-1", "shell", "done, key was hunter2", false))
			h.Emit(ctx, backend.NewUsageEvent(backend.TokenUsage{InputTokens: 10, OutputTokens: 5}))
			h.Finish(&backend.Result{Status: backend.ResultStatusCompleted, Summary: "build fixed"})
		},
	}}
	f := newExecFixture(t, b)
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j1", "a1", 1, nil)

	res := f.exec.Execute(context.Background(), execJob("j1", "a1"), make(chan struct{}, 1))

	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusCompleted, res.Status)
	assert.NoError(t, res.Error)
	assert.False(t, res.NoRetry)

	var out backend.Result
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.Equal(t, "build fixed", out.Summary)

	assert.Equal(t, []string{"j1"}, f.store.runningCalls())
	assert.Positive(t, f.store.checkpointCount(), "tool results checkpoint progress")

	names := f.notify.eventNames()
	assert.Contains(t, names, "task:text")
	assert.Contains(t, names, "task:tool_result")
	assert.Contains(t, names, "task:usage")
	assert.Contains(t, names, "task:complete")

	for _, p := range f.notify.payloads() {
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "hunter2")
	}

	_, managed := f.manager.AgentState("a1")
	assert.False(t, managed, "agent is drained after the attempt")
}

func TestExecutorRejectsBadPayloads(t *testing.T) {
	f := newExecFixture(t, nil)
	f.lcStore.addAgent("a1")

	for _, payload := range []json.RawMessage{
		nil,
		json.RawMessage(`{not json`),
		json.RawMessage(`{"instruction":{"prompt":""}}`),
	} {
		job := execJob("j1", "a1")
		job.Payload = payload

		res := f.exec.Execute(context.Background(), job, make(chan struct{}, 1))
		require.NotNil(t, res)
		assert.Equal(t, models.JobStatusFailed, res.Status)
		assert.True(t, res.NoRetry, "undecodable payloads cannot heal on retry")
		assert.Equal(t, models.ClassificationPermanent, res.Class)
	}
	assert.Empty(t, f.store.runningCalls())
}

func TestExecutorAppliesConstraintDefaults(t *testing.T) {
	done := func(ctx context.Context, _ backend.Task, h *backend.StreamHandle) {
		h.Finish(&backend.Result{Status: backend.ResultStatusCompleted})
	}
	b := &scriptedBackend{id: "primary", runs: []runScript{done, done}}
	f := newExecFixture(t, b)
	f.exec.defaults = &config.Defaults{Model: "claude-fallback", MaxTurns: 7, MaxTokens: 2048}
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j1", "a1", 1, nil)
	f.lcStore.addJob("j2", "a1", 1, nil)

	res := f.exec.Execute(context.Background(), execJob("j1", "a1"), make(chan struct{}, 1))
	require.NotNil(t, res)
	require.Equal(t, models.JobStatusCompleted, res.Status)

	pinned := execJob("j2", "a1")
	pinned.Payload = json.RawMessage(`{"instruction":{"prompt":"x"},"constraints":{"model":"claude-pinned","max_turns":2}}`)
	res = f.exec.Execute(context.Background(), pinned, make(chan struct{}, 1))
	require.NotNil(t, res)
	require.Equal(t, models.JobStatusCompleted, res.Status)

	tasks := b.received()
	require.Len(t, tasks, 2)
	assert.Equal(t, "claude-fallback", tasks[0].Constraints.Model)
	assert.Equal(t, 7, tasks[0].Constraints.MaxTurns)
	assert.Equal(t, 2048, tasks[0].Constraints.MaxTokens)

	assert.Equal(t, "claude-pinned", tasks[1].Constraints.Model, "payload constraints win over defaults")
	assert.Equal(t, 2, tasks[1].Constraints.MaxTurns)
	assert.Equal(t, 2048, tasks[1].Constraints.MaxTokens)
}

func TestExecutorPassesThroughAlreadyManaged(t *testing.T) {
	f := newExecFixture(t, nil)
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j0", "a1", 1, nil)
	f.lcStore.addJob("j1", "a1", 1, nil)

	_, err := f.manager.Boot(context.Background(), "a1", "j0")
	require.NoError(t, err)

	res := f.exec.Execute(context.Background(), execJob("j1", "a1"), make(chan struct{}, 1))
	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.ErrorIs(t, res.Error, lifecycle.ErrAlreadyManaged)
	assert.False(t, res.NoRetry, "the worker releases the claim instead")
	assert.Empty(t, f.store.runningCalls())
}

func TestExecutorPassesThroughCooldown(t *testing.T) {
	f := newExecFixture(t, nil)
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j0", "a1", 1, nil)

	_, err := f.manager.Boot(context.Background(), "a1", "j0")
	require.NoError(t, err)
	require.NoError(t, f.manager.Crash("a1", errors.New("segfault")))

	res := f.exec.Execute(context.Background(), execJob("j1", "a1"), make(chan struct{}, 1))
	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusFailed, res.Status)

	var cooldown *lifecycle.CooldownError
	require.ErrorAs(t, res.Error, &cooldown)
	assert.Equal(t, "a1", cooldown.AgentID)
	assert.False(t, res.NoRetry)
}

func TestExecutorMissingJobRowIsPermanent(t *testing.T) {
	f := newExecFixture(t, nil)
	f.lcStore.addAgent("a1")

	res := f.exec.Execute(context.Background(), execJob("j1", "a1"), make(chan struct{}, 1))
	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.ErrorIs(t, res.Error, services.ErrNotFound)
	assert.True(t, res.NoRetry)
}

func TestExecutorRouteFailureIsTransient(t *testing.T) {
	f := newExecFixture(t, nil) // no providers registered
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j1", "a1", 1, nil)

	res := f.exec.Execute(context.Background(), execJob("j1", "a1"), make(chan struct{}, 1))
	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.ErrorIs(t, res.Error, backend.ErrNoBackendAvailable)
	assert.False(t, res.NoRetry)

	_, managed := f.manager.AgentState("a1")
	assert.False(t, managed)
}

func TestExecutorBackendStartErrorUsesClassification(t *testing.T) {
	b := &scriptedBackend{
		id:      "primary",
		execErr: backend.NewTaskError(models.ClassificationConfiguration, "missing API key"),
	}
	f := newExecFixture(t, b)
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j1", "a1", 1, nil)

	res := f.exec.Execute(context.Background(), execJob("j1", "a1"), make(chan struct{}, 1))
	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.Equal(t, models.ClassificationConfiguration, res.Class)
	assert.True(t, res.NoRetry, "retrying cannot fix operator configuration")
}

func TestExecutorBackendFailureClassifiesResult(t *testing.T) {
	b := &scriptedBackend{id: "primary", runs: []runScript{
		func(_ context.Context, _ backend.Task, h *backend.StreamHandle) {
			h.Finish(&backend.Result{
				Status: backend.ResultStatusFailed,
				Error:  backend.NewTaskError(models.ClassificationPermanent, "tool forbidden by policy"),
			})
		},
	}}
	f := newExecFixture(t, b)
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j1", "a1", 1, nil)

	res := f.exec.Execute(context.Background(), execJob("j1", "a1"), make(chan struct{}, 1))
	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.Equal(t, models.ClassificationPermanent, res.Class)
	assert.True(t, res.NoRetry)
	assert.Contains(t, res.Error.Error(), "tool forbidden by policy")
}

func TestExecutorDeadlineProducesTimeout(t *testing.T) {
	b := &scriptedBackend{id: "primary", runs: []runScript{
		func(ctx context.Context, _ backend.Task, h *backend.StreamHandle) {
			h.Emit(ctx, backend.NewTextEvent("working"))
			<-ctx.Done()
			h.Finish(&backend.Result{Status: backend.ResultStatusCancelled, Summary: "deadline"})
		},
	}}
	f := newExecFixture(t, b)
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j1", "a1", 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := f.exec.Execute(ctx, execJob("j1", "a1"), make(chan struct{}, 1))
	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusTimedOut, res.Status)
	require.Error(t, res.Error)
}

func TestExecutorParkResumeCompletes(t *testing.T) {
	toolDone := make(chan struct{})
	b := &scriptedBackend{id: "primary", runs: []runScript{
		func(ctx context.Context, _ backend.Task, h *backend.StreamHandle) {
			h.Emit(ctx, backend.NewTextEvent("phase one "))
			h.Emit(ctx, backend.NewToolResultEvent("tu-1", "shell", "needs approval", false))
			close(toolDone)
			<-ctx.Done()
			h.Finish(&backend.Result{Status: backend.ResultStatusCancelled, Summary: "awaiting approval"})
		},
		func(ctx context.Context, _ backend.Task, h *backend.StreamHandle) {
			h.Emit(ctx, backend.NewTextEvent("phase two"))
			h.Finish(&backend.Result{Status: backend.ResultStatusCompleted, Summary: "done after approval"})
		},
	}}
	f := newExecFixture(t, b)
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j1", "a1", 1, nil)
	f.approvals.decisions = []models.ApprovalStatus{models.ApprovalStatusApproved}

	parked := make(chan struct{}, 1)
	resCh := make(chan *ExecutionResult, 1)
	go func() { resCh <- f.exec.Execute(context.Background(), execJob("j1", "a1"), parked) }()

	<-toolDone
	parked <- struct{}{}

	var res *ExecutionResult
	select {
	case res = <-resCh:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not finish after the approval")
	}

	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusCompleted, res.Status)

	var out backend.Result
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.Equal(t, "done after approval", out.Summary)

	tasks := b.received()
	require.Len(t, tasks, 2)
	assert.Empty(t, tasks[0].Checkpoint)
	assert.Contains(t, string(tasks[1].Checkpoint), "phase one",
		"the resumed run starts from the parked run's progress")

	assert.Equal(t, 1, f.approvals.callCount())
	assert.Positive(t, f.store.checkpointCount())

	_, managed := f.manager.AgentState("a1")
	assert.False(t, managed)
}

func TestExecutorParkRejectedFailsTerminally(t *testing.T) {
	started := make(chan struct{})
	b := &scriptedBackend{id: "primary", runs: []runScript{
		func(ctx context.Context, _ backend.Task, h *backend.StreamHandle) {
			h.Emit(ctx, backend.NewTextEvent("about to delete prod"))
			close(started)
			<-ctx.Done()
			h.Finish(&backend.Result{Status: backend.ResultStatusCancelled, Summary: "awaiting approval"})
		},
	}}
	f := newExecFixture(t, b)
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j1", "a1", 1, nil)
	f.approvals.decisions = []models.ApprovalStatus{models.ApprovalStatusRejected}

	parked := make(chan struct{}, 1)
	resCh := make(chan *ExecutionResult, 1)
	go func() { resCh <- f.exec.Execute(context.Background(), execJob("j1", "a1"), parked) }()

	<-started
	parked <- struct{}{}

	var res *ExecutionResult
	select {
	case res = <-resCh:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not finish after the rejection")
	}

	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.True(t, res.NoRetry)
	assert.Equal(t, models.ClassificationPermanent, res.Class)
	assert.Contains(t, res.Error.Error(), "approval rejected")
	require.Len(t, b.received(), 1, "a rejected run is not restarted")
}

func TestExecutorParkExpiredTimesOut(t *testing.T) {
	started := make(chan struct{})
	b := &scriptedBackend{id: "primary", runs: []runScript{
		func(ctx context.Context, _ backend.Task, h *backend.StreamHandle) {
			close(started)
			<-ctx.Done()
			h.Finish(&backend.Result{Status: backend.ResultStatusCancelled, Summary: "awaiting approval"})
		},
	}}
	f := newExecFixture(t, b)
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j1", "a1", 1, nil)
	f.approvals.decisions = []models.ApprovalStatus{models.ApprovalStatusExpired}

	parked := make(chan struct{}, 1)
	resCh := make(chan *ExecutionResult, 1)
	go func() { resCh <- f.exec.Execute(context.Background(), execJob("j1", "a1"), parked) }()

	<-started
	parked <- struct{}{}

	var res *ExecutionResult
	select {
	case res = <-resCh:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not finish after the expiry")
	}

	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusTimedOut, res.Status)
	assert.Contains(t, res.Error.Error(), "approval request expired")
}

func TestExecutorPanicCrashesAgent(t *testing.T) {
	b := &scriptedBackend{id: "primary", panicExec: true}
	f := newExecFixture(t, b)
	f.lcStore.addAgent("a1")
	f.lcStore.addJob("j1", "a1", 1, nil)

	res := f.exec.Execute(context.Background(), execJob("j1", "a1"), make(chan struct{}, 1))
	require.NotNil(t, res)
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.Contains(t, res.Error.Error(), "job executor panic")
	assert.False(t, res.NoRetry)

	_, managed := f.manager.AgentState("a1")
	assert.False(t, managed, "the crash removed the runtime context")
	assert.True(t, f.manager.InCooldown("a1"), "a panic counts toward crash-loop detection")
}

func TestProgressAccumulatesAcrossRuns(t *testing.T) {
	prior := json.RawMessage(`{"stdout":"first ","tool_calls":1,"usage":{"input_tokens":10,"output_tokens":5}}`)
	prog := newProgress(prior)

	prog.observe(backend.NewTextEvent("second"))
	prog.observe(backend.NewToolResultEvent("tu-1", "shell", "ok", false))
	prog.observe(backend.NewUsageEvent(backend.TokenUsage{InputTokens: 3, OutputTokens: 2}))

	var st checkpointState
	require.NoError(t, json.Unmarshal(prog.snapshot(), &st))
	assert.Equal(t, "first second", st.Stdout)
	assert.Equal(t, 2, st.ToolCalls)
	assert.Equal(t, 13, st.Usage.InputTokens)
	assert.Equal(t, 7, st.Usage.OutputTokens)

	// A restarted run resets its usage counter; rebase keeps the total.
	prog.rebase()
	prog.observe(backend.NewUsageEvent(backend.TokenUsage{InputTokens: 4, OutputTokens: 1}))

	require.NoError(t, json.Unmarshal(prog.snapshot(), &st))
	assert.Equal(t, 17, st.Usage.InputTokens)
	assert.Equal(t, 8, st.Usage.OutputTokens)
}
