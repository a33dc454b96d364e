package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/events"
	"github.com/codeready-toolchain/warden/pkg/lifecycle"
	"github.com/codeready-toolchain/warden/pkg/models"
	"github.com/codeready-toolchain/warden/pkg/services"
)

const tracerName = "github.com/codeready-toolchain/warden/pkg/queue"

// drainTimeout bounds how long the pump waits for a cancelled backend
// stream to close.
const drainTimeout = 5 * time.Second

// ExecutorStore is the slice of the store the executor writes through.
// The worker owns claims and terminal status.
type ExecutorStore interface {
	MarkJobRunning(ctx context.Context, id string) error
	SaveJobCheckpoint(ctx context.Context, id string, checkpoint json.RawMessage) error
}

// ApprovalWaiter blocks until the approval gating a job is decided.
// Implemented by approval.Service.
type ApprovalWaiter interface {
	AwaitJobDecision(ctx context.Context, jobID string) (models.ApprovalStatus, error)
}

// Notifier fans task output out to live subscribers. Implemented by
// events.ConnectionManager.
type Notifier interface {
	Broadcast(agentID, event string, payload any) uint64
}

// Masker redacts credentials from streamed output before broadcast.
// Implemented by masking.Masker.
type Masker interface {
	MaskString(s string) string
}

// taskPayload is the decoded shape of a job's payload column.
type taskPayload struct {
	Instruction backend.Instruction `json:"instruction"`
	Context     backend.TaskContext `json:"context"`
	Constraints backend.Constraints `json:"constraints"`
	Provider    string              `json:"provider,omitempty"`
}

// TaskExecutor runs one job attempt end to end: boot the agent's
// lifecycle context, route the task to an execution backend, pump output
// events to subscribers, persist checkpoints, and park/resume around
// approval gates.
type TaskExecutor struct {
	store     ExecutorStore
	lifecycle *lifecycle.Manager
	registry  *backend.Registry
	approvals ApprovalWaiter
	notify    Notifier
	masker    Masker
	defaults  *config.Defaults
}

// NewTaskExecutor wires an executor. notify and masker may be nil, which
// disables live streaming and output masking respectively. defaults
// supplies constraint fallbacks for task payloads and may be nil.
func NewTaskExecutor(
	st ExecutorStore,
	lm *lifecycle.Manager,
	registry *backend.Registry,
	approvals ApprovalWaiter,
	notify Notifier,
	masker Masker,
	defaults *config.Defaults,
) *TaskExecutor {
	return &TaskExecutor{
		store:     st,
		lifecycle: lm,
		registry:  registry,
		approvals: approvals,
		notify:    notify,
		masker:    masker,
		defaults:  defaults,
	}
}

// Execute implements JobExecutor. The returned result is never nil.
func (e *TaskExecutor) Execute(ctx context.Context, job *models.Job, parked <-chan struct{}) (result *ExecutionResult) {
	log := slog.With("job_id", job.ID, "agent_id", job.AgentID, "attempt", job.Attempt)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("agent.id", job.AgentID),
			attribute.Int("job.attempt", job.Attempt),
		))
	defer span.End()

	payload, err := decodePayload(job)
	if err != nil {
		return failure(span, err, models.ClassificationPermanent, true)
	}

	rc, err := e.lifecycle.Boot(ctx, job.AgentID, job.ID)
	if err != nil {
		return e.bootRefused(span, err)
	}

	// A panic below this point is an agent crash: the lifecycle context
	// exists and must be torn down through the crash path.
	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("job executor panic: %v", r)
			log.Error("Executor panicked", "panic", r)
			if crashErr := e.lifecycle.Crash(job.AgentID, panicErr); crashErr != nil {
				log.Error("Failed to crash agent after executor panic", "error", crashErr)
			}
			result = failure(span, panicErr, models.ClassificationTransient, false)
		}
	}()

	if err := e.store.MarkJobRunning(ctx, job.ID); err != nil {
		e.teardown(job.AgentID, "mark running failed")
		return failure(span, fmt.Errorf("failed to mark job running: %w", err), models.ClassificationTransient, false)
	}
	if err := e.lifecycle.Run(job.AgentID, job.ID); err != nil {
		e.teardown(job.AgentID, "run transition refused")
		return failure(span, fmt.Errorf("failed to start execution: %w", err), models.ClassificationTransient, false)
	}

	task := backend.Task{
		ID:          fmt.Sprintf("%s:%d", job.ID, job.Attempt),
		JobID:       job.ID,
		AgentID:     job.AgentID,
		Attempt:     job.Attempt,
		Instruction: payload.Instruction,
		Context:     payload.Context,
		Constraints: payload.Constraints,
		Checkpoint:  rc.Checkpoint,
	}
	applyConstraintDefaults(&task.Constraints, e.defaults)
	if deadline, ok := ctx.Deadline(); ok {
		task.Constraints.Timeout = time.Until(deadline)
	}

	prog := newProgress(rc.Checkpoint)

	// Each iteration is one backend run. Approval parks cancel the run
	// and start a fresh one from the checkpoint once approved.
	for {
		entry, err := e.registry.RouteTask(task, payload.Provider)
		if err != nil {
			e.teardown(job.AgentID, "no backend available")
			return failure(span, fmt.Errorf("failed to route task: %w", err), models.ClassificationTransient, false)
		}
		span.SetAttributes(attribute.String("provider.id", entry.ProviderID))
		log.Info("Task routed", "provider", entry.ProviderID)

		handle, err := entry.Backend.ExecuteTask(ctx, task)
		if err != nil {
			class := backend.Classify(err)
			e.registry.RecordOutcome(entry.ProviderID, false, class)
			e.teardown(job.AgentID, "task start failed")
			return failure(span, fmt.Errorf("failed to start task on %s: %w", entry.ProviderID, err), class, !class.Retryable())
		}

		res, wasParked := e.pump(ctx, job, handle, parked, prog)
		if !wasParked {
			return e.finish(ctx, span, job, entry.ProviderID, res, prog)
		}

		log.Info("Job parked, waiting for approval decision")
		decision, err := e.approvals.AwaitJobDecision(ctx, job.ID)
		if err != nil {
			e.teardown(job.AgentID, "approval wait aborted")
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &ExecutionResult{
					Status: models.JobStatusTimedOut,
					Error:  errors.New("job timed out waiting for approval"),
					Class:  models.ClassificationTransient,
				}
			}
			return failure(span, fmt.Errorf("failed to await approval decision: %w", err), models.ClassificationTransient, false)
		}

		switch decision {
		case models.ApprovalStatusApproved:
			log.Info("Approval granted, resuming job")
			task.Checkpoint = prog.snapshot()
			prog.rebase()
			continue
		case models.ApprovalStatusRejected:
			log.Info("Approval rejected, job will not retry")
			e.teardown(job.AgentID, "approval rejected")
			return failure(span, errors.New("approval rejected"), models.ClassificationPermanent, true)
		default: // expired
			log.Info("Approval expired")
			e.teardown(job.AgentID, "approval expired")
			return &ExecutionResult{
				Status: models.JobStatusTimedOut,
				Error:  errors.New("approval request expired"),
				Class:  models.ClassificationTransient,
			}
		}
	}
}

// applyConstraintDefaults fills constraint fields the payload left unset
// from the system defaults. Payload values always win.
func applyConstraintDefaults(c *backend.Constraints, d *config.Defaults) {
	if d == nil {
		return
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
}

// decodePayload decodes and validates the job payload.
func decodePayload(job *models.Job) (*taskPayload, error) {
	if len(job.Payload) == 0 {
		return nil, errors.New("job has no payload")
	}
	var p taskPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	if p.Instruction.Prompt == "" {
		return nil, errors.New("job payload has no instruction prompt")
	}
	return &p, nil
}

// bootRefused maps boot failures onto results. Cooldown and
// already-managed refusals pass through unwrapped so the worker can
// release the claim instead of failing the attempt. Missing rows cannot
// heal on retry and go terminal.
func (e *TaskExecutor) bootRefused(span trace.Span, err error) *ExecutionResult {
	span.RecordError(err)
	var cooldown *lifecycle.CooldownError
	switch {
	case errors.As(err, &cooldown), errors.Is(err, lifecycle.ErrAlreadyManaged):
		return &ExecutionResult{Status: models.JobStatusFailed, Error: err, Class: models.ClassificationTransient}
	case errors.Is(err, services.ErrNotFound):
		return &ExecutionResult{Status: models.JobStatusFailed, Error: err, Class: models.ClassificationPermanent, NoRetry: true}
	default:
		return &ExecutionResult{Status: models.JobStatusFailed, Error: err, Class: models.ClassificationTransient}
	}
}

// finish records the backend outcome in the breaker and maps the result
// onto the job outcome.
func (e *TaskExecutor) finish(ctx context.Context, span trace.Span, job *models.Job, providerID string, res *backend.Result, prog *progress) *ExecutionResult {
	success := res != nil && res.Status == backend.ResultStatusCompleted
	class := models.ClassificationTransient
	if res != nil && res.Error != nil && res.Error.Classification != "" {
		class = res.Error.Classification
	}
	e.registry.RecordOutcome(providerID, success, class)

	deadlineHit := errors.Is(ctx.Err(), context.DeadlineExceeded)

	switch {
	case res == nil:
		e.teardown(job.AgentID, "stream ended without result")
		err := errors.New("backend stream ended without a result")
		if deadlineHit {
			return &ExecutionResult{Status: models.JobStatusTimedOut, Error: err, Class: models.ClassificationTransient}
		}
		return failure(span, err, models.ClassificationTransient, false)

	case res.Status == backend.ResultStatusCompleted:
		e.teardown(job.AgentID, "job completed")
		raw, err := json.Marshal(res)
		if err != nil {
			return failure(span, fmt.Errorf("failed to encode result: %w", err), models.ClassificationTransient, false)
		}
		return &ExecutionResult{Status: models.JobStatusCompleted, Result: raw}

	case res.Status == backend.ResultStatusCancelled:
		e.teardown(job.AgentID, "job cancelled")
		err := fmt.Errorf("task cancelled: %s", res.Summary)
		if deadlineHit {
			return &ExecutionResult{Status: models.JobStatusTimedOut, Error: err, Class: models.ClassificationTransient}
		}
		return failure(span, err, models.ClassificationTransient, false)

	default:
		e.teardown(job.AgentID, "job failed")
		var cause error
		if res.Error != nil {
			cause = res.Error
		} else {
			cause = errors.New("task failed")
		}
		if deadlineHit {
			return &ExecutionResult{Status: models.JobStatusTimedOut, Error: cause, Class: class}
		}
		return failure(span, cause, class, !class.Retryable())
	}
}

// pump publishes the task's output stream until it closes, the job
// parks, or ctx ends. Returns the final result (nil when the stream
// delivered none) and whether the pump stopped for an approval park.
func (e *TaskExecutor) pump(ctx context.Context, job *models.Job, h backend.Handle, parked <-chan struct{}, prog *progress) (*backend.Result, bool) {
	stream := h.Events()
	var final *backend.Result
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return final, false
			}
			if ev.Type == backend.EventTypeComplete {
				final = ev.Result
			}
			prog.observe(ev)
			e.publish(job, ev)
			if ev.Type == backend.EventTypeToolResult {
				e.saveCheckpoint(ctx, job.ID, prog)
			}

		case <-parked:
			h.Cancel("awaiting approval")
			// Discard the cancelled run's result; an approved resume
			// starts over from the checkpoint.
			e.drainStream(job, stream, prog)
			e.saveCheckpoint(context.Background(), job.ID, prog)
			return nil, true

		case <-ctx.Done():
			h.Cancel(ctx.Err().Error())
			final = e.drainStream(job, stream, prog)
			e.saveCheckpoint(context.Background(), job.ID, prog)
			return final, false
		}
	}
}

// drainStream consumes the remainder of a cancelled stream so the
// backend's complete event is observed, bounded by drainTimeout.
func (e *TaskExecutor) drainStream(job *models.Job, stream <-chan backend.OutputEvent, prog *progress) *backend.Result {
	var final *backend.Result
	deadline := time.After(drainTimeout)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return final
			}
			if ev.Type == backend.EventTypeComplete {
				final = ev.Result
			}
			prog.observe(ev)
			e.publish(job, ev)
		case <-deadline:
			slog.Warn("Backend stream did not close after cancel", "job_id", job.ID)
			return final
		}
	}
}

// publish masks and broadcasts one output event on the agent's channel.
func (e *TaskExecutor) publish(job *models.Job, ev backend.OutputEvent) {
	if e.notify == nil {
		return
	}
	if e.masker != nil {
		if ev.Text != "" {
			ev.Text = e.masker.MaskString(ev.Text)
		}
		if ev.ToolResult != nil {
			tr := *ev.ToolResult
			tr.Output = e.masker.MaskString(tr.Output)
			ev.ToolResult = &tr
		}
		if ev.Result != nil {
			r := *ev.Result
			r.Summary = e.masker.MaskString(r.Summary)
			r.Stdout = e.masker.MaskString(r.Stdout)
			ev.Result = &r
		}
	}
	e.notify.Broadcast(job.AgentID, events.TaskEventName(ev.Type), events.TaskOutputPayload{
		JobID:   job.ID,
		AgentID: job.AgentID,
		Event:   ev,
	})
}

// saveCheckpoint persists the progress snapshot. Errors are logged; a
// lost checkpoint costs replayed work, not correctness.
func (e *TaskExecutor) saveCheckpoint(ctx context.Context, jobID string, prog *progress) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.store.SaveJobCheckpoint(ctx, jobID, prog.snapshot()); err != nil {
		slog.Warn("Failed to save job checkpoint", "job_id", jobID, "error", err)
	}
}

// teardown drains the agent's lifecycle context after an attempt ends.
func (e *TaskExecutor) teardown(agentID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.lifecycle.Drain(ctx, agentID, reason); err != nil && !errors.Is(err, lifecycle.ErrNotDrainable) {
		slog.Warn("Failed to drain agent", "agent_id", agentID, "reason", reason, "error", err)
	}
}

// failure builds a failed result and records the error on the span.
func failure(span trace.Span, err error, class models.ErrorClassification, noRetry bool) *ExecutionResult {
	span.RecordError(err)
	return &ExecutionResult{
		Status:  models.JobStatusFailed,
		Error:   err,
		Class:   class,
		NoRetry: noRetry,
	}
}

// progress accumulates streamed output into a checkpoint blob so an
// approved resume does not replay finished work. Usage events carry the
// running total for one backend run; base holds totals from runs before
// the last restart.
type progress struct {
	text      strings.Builder
	toolCalls int
	base      backend.TokenUsage
	current   backend.TokenUsage
}

// checkpointState is the persisted shape of a progress snapshot. The
// blob is opaque to backends; they fold it into the task prompt.
type checkpointState struct {
	Stdout    string             `json:"stdout,omitempty"`
	ToolCalls int                `json:"tool_calls,omitempty"`
	Usage     backend.TokenUsage `json:"usage"`
}

func newProgress(prior json.RawMessage) *progress {
	p := &progress{}
	if len(prior) == 0 {
		return p
	}
	var st checkpointState
	if err := json.Unmarshal(prior, &st); err != nil {
		return p
	}
	p.text.WriteString(st.Stdout)
	p.toolCalls = st.ToolCalls
	p.base = st.Usage
	return p
}

func (p *progress) observe(ev backend.OutputEvent) {
	switch ev.Type {
	case backend.EventTypeText:
		p.text.WriteString(ev.Text)
	case backend.EventTypeToolResult:
		p.toolCalls++
	case backend.EventTypeUsage:
		if ev.Usage != nil {
			p.current = *ev.Usage
		}
	}
}

// rebase folds the current run's usage into the carried base. Called
// when the backend run restarts and its usage counter resets.
func (p *progress) rebase() {
	p.base.Add(p.current)
	p.current = backend.TokenUsage{}
}

func (p *progress) snapshot() json.RawMessage {
	total := p.base
	total.Add(p.current)
	raw, err := json.Marshal(checkpointState{
		Stdout:    p.text.String(),
		ToolCalls: p.toolCalls,
		Usage:     total,
	})
	if err != nil {
		return nil
	}
	return raw
}
