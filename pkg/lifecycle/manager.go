package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/warden/pkg/models"
)

// Deployer manages the compute footprint behind an agent.
type Deployer interface {
	DeleteAgent(ctx context.Context, agentID string) error
}

// NopDeployer satisfies Deployer for single-pod deployments where
// agents have no external compute to tear down.
type NopDeployer struct{}

// DeleteAgent implements Deployer.
func (NopDeployer) DeleteAgent(context.Context, string) error { return nil }

// Store is the persistence surface the manager hydrates from. Missing
// rows must come back as errors wrapping services.ErrNotFound.
type Store interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	SetJobsPaused(ctx context.Context, agentID string, paused bool) (int, error)
}

// RuntimeContext is the in-memory state of one managed agent. Fields
// are written during boot and read-only afterwards; the lifecycle state
// itself is only reachable through the manager.
type RuntimeContext struct {
	AgentID    string
	JobID      string
	Agent      *models.Agent
	Job        *models.Job
	Checkpoint json.RawMessage
	Attempt    int
	BootedAt   time.Time

	machine *StateMachine
}

// Manager coordinates agent runtime contexts on this pod. One mutex
// serializes all context mutations, so operations on a single agent
// are ordered; store and deployer calls happen outside it.
//
// Drain semantics: drain from READY still calls the deployer, exactly
// as from EXECUTING. ScaleToZero is the inverse case: it only acts on
// READY and is a no-op for EXECUTING agents so scale-down sweeps never
// interrupt work in flight.
type Manager struct {
	store        Store
	deployer     Deployer
	onTransition TransitionFunc
	receiver     *HeartbeatReceiver
	detector     *CrashLoopDetector

	mu          sync.Mutex
	contexts    map[string]*RuntimeContext
	lastAttempt map[string]int
}

// NewManager wires a manager with its own receiver and detector. A nil
// deployer defaults to NopDeployer.
func NewManager(store Store, deployer Deployer, onTransition TransitionFunc) *Manager {
	if deployer == nil {
		deployer = NopDeployer{}
	}
	return &Manager{
		store:        store,
		deployer:     deployer,
		onTransition: onTransition,
		receiver:     NewHeartbeatReceiver(),
		detector:     NewCrashLoopDetector(),
		contexts:     make(map[string]*RuntimeContext),
		lastAttempt:  make(map[string]int),
	}
}

// Boot creates a context for the agent and hydrates it from the store:
// BOOTING -> HYDRATING, load job and identity rows, verify the
// checkpoint checksum, then HYDRATING -> READY. A missing row tears the
// context down through HYDRATING -> TERMINATED and surfaces the wrapped
// store error.
func (m *Manager) Boot(ctx context.Context, agentID, jobID string) (*RuntimeContext, error) {
	now := time.Now()
	m.mu.Lock()
	if _, ok := m.contexts[agentID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyManaged, agentID)
	}
	if m.detector.InCooldown(agentID, now) {
		until, _ := m.detector.CooldownUntil(agentID)
		m.mu.Unlock()
		return nil, &CooldownError{AgentID: agentID, Until: until}
	}
	rc := &RuntimeContext{
		AgentID:  agentID,
		JobID:    jobID,
		BootedAt: now,
		machine:  NewStateMachine(agentID, m.onTransition),
	}
	m.contexts[agentID] = rc
	_ = rc.machine.Transition(StateHydrating, "boot")
	m.mu.Unlock()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, m.failHydration(rc, fmt.Errorf("hydrate job %s: %w", jobID, err))
	}
	if job.AgentID != agentID {
		return nil, m.failHydration(rc, fmt.Errorf("job %s belongs to agent %s, not %s", jobID, job.AgentID, agentID))
	}
	if models.ChecksumCheckpoint(job.Checkpoint) != job.CheckpointCRC {
		return nil, m.failHydration(rc, fmt.Errorf("job %s: checkpoint checksum mismatch", jobID))
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, m.failHydration(rc, fmt.Errorf("hydrate agent %s: %w", agentID, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rc.Agent = agent
	rc.Job = job
	rc.Checkpoint = job.Checkpoint
	rc.Attempt = job.Attempt
	if err := rc.machine.Transition(StateReady, "hydrated"); err != nil {
		// A concurrent terminate or crash won; its teardown already
		// removed the context.
		return nil, err
	}
	m.lastAttempt[agentID] = job.Attempt
	return rc, nil
}

// failHydration lands the context on TERMINATED and removes it.
func (m *Manager) failHydration(rc *RuntimeContext, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = rc.machine.Transition(StateTerminated, "hydration failed")
	delete(m.contexts, rc.AgentID)
	m.receiver.Forget(rc.AgentID)
	return cause
}

// Run moves a READY agent to EXECUTING and seeds its heartbeat.
func (m *Manager) Run(agentID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.contexts[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotManaged, agentID)
	}
	if rc.JobID != jobID {
		return fmt.Errorf("agent %s is booted for job %s, not %s", agentID, rc.JobID, jobID)
	}
	if err := rc.machine.Transition(StateExecuting, "run"); err != nil {
		return err
	}
	m.receiver.Record(Heartbeat{AgentID: agentID, Timestamp: time.Now()})
	return nil
}

// Drain shuts a READY or EXECUTING agent down cleanly: DRAINING, then
// the deployer teardown, then TERMINATED and context removal.
func (m *Manager) Drain(ctx context.Context, agentID, reason string) error {
	if reason == "" {
		reason = "drain"
	}
	m.mu.Lock()
	rc, ok := m.contexts[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotDrainable, agentID)
	}
	if state := rc.machine.State(); state != StateReady && state != StateExecuting {
		m.mu.Unlock()
		return fmt.Errorf("%w: agent %s is %s", ErrNotDrainable, agentID, state)
	}
	_ = rc.machine.Transition(StateDraining, reason)
	m.mu.Unlock()

	m.finishTeardown(ctx, rc, "drain complete")
	return nil
}

// Terminate drains from any non-terminal state. Agents that never
// reached READY skip DRAINING and land on TERMINATED directly.
func (m *Manager) Terminate(ctx context.Context, agentID, reason string) error {
	if reason == "" {
		reason = "terminate"
	}
	m.mu.Lock()
	rc, ok := m.contexts[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotManaged, agentID)
	}
	if state := rc.machine.State(); state == StateReady || state == StateExecuting {
		_ = rc.machine.Transition(StateDraining, reason)
	}
	m.mu.Unlock()

	m.finishTeardown(ctx, rc, reason)
	return nil
}

// ScaleToZero drains an idle agent. It reports whether anything
// happened: false for unmanaged agents and for every state other than
// READY, including EXECUTING.
func (m *Manager) ScaleToZero(ctx context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	rc, ok := m.contexts[agentID]
	if !ok || rc.machine.State() != StateReady {
		m.mu.Unlock()
		return false, nil
	}
	_ = rc.machine.Transition(StateDraining, "scale to zero")
	m.mu.Unlock()

	m.finishTeardown(ctx, rc, "drain complete")
	return true, nil
}

// finishTeardown deletes the deployment, lands the machine on
// TERMINATED, and removes the context. A deployer failure is logged
// and does not block termination.
func (m *Manager) finishTeardown(ctx context.Context, rc *RuntimeContext, reason string) {
	if err := m.deployer.DeleteAgent(ctx, rc.AgentID); err != nil {
		slog.Warn("deployer teardown failed",
			"agent_id", rc.AgentID,
			"error", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !rc.machine.State().IsTerminal() {
		_ = rc.machine.Transition(StateTerminated, reason)
	}
	delete(m.contexts, rc.AgentID)
	m.receiver.Forget(rc.AgentID)
}

// Crash records the failure with the crash-loop detector, forces the
// machine to TERMINATED, and removes the context. The cooldown is
// recorded even when the context is already gone.
func (m *Manager) Crash(agentID string, cause error) error {
	cooldown := m.detector.RecordCrash(agentID, time.Now())

	m.mu.Lock()
	rc, ok := m.contexts[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotManaged, agentID)
	}
	reason := "crash"
	if cause != nil {
		reason = "crash: " + cause.Error()
	}
	_ = rc.machine.Crash(reason)
	delete(m.contexts, agentID)
	m.receiver.Forget(agentID)
	m.mu.Unlock()

	slog.Warn("agent crashed",
		"agent_id", agentID,
		"cooldown", cooldown,
		"error", cause)
	return nil
}

// Recover reboots a crashed agent after its cooldown. The reloaded job
// row must carry a higher attempt than the last one this pod hydrated,
// proving the retry path advanced it.
func (m *Manager) Recover(ctx context.Context, agentID, jobID string) (*RuntimeContext, error) {
	m.mu.Lock()
	prev, hasPrev := m.lastAttempt[agentID]
	m.mu.Unlock()

	rc, err := m.Boot(ctx, agentID, jobID)
	if err != nil {
		return nil, err
	}
	if hasPrev && rc.Attempt <= prev {
		if err := m.Terminate(ctx, agentID, "stale checkpoint"); err != nil {
			slog.Warn("stale recovery teardown failed", "agent_id", agentID, "error", err)
		}
		m.mu.Lock()
		m.lastAttempt[agentID] = prev
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: attempt %d, last seen %d", ErrStaleCheckpoint, rc.Attempt, prev)
	}
	return rc, nil
}

// Pause flags the agent's unfinished jobs paused. Lifecycle state does
// not move; an EXECUTING agent keeps executing until its current job
// parks. Reports whether any row changed.
func (m *Manager) Pause(ctx context.Context, agentID string) (bool, error) {
	n, err := m.store.SetJobsPaused(ctx, agentID, true)
	return n > 0, err
}

// Resume clears the paused flag. Reports whether any row changed.
func (m *Manager) Resume(ctx context.Context, agentID string) (bool, error) {
	n, err := m.store.SetJobsPaused(ctx, agentID, false)
	return n > 0, err
}

// HandleHeartbeat records a heartbeat for a managed agent. Reports
// false when the agent has no context.
func (m *Manager) HandleHeartbeat(hb Heartbeat) bool {
	m.mu.Lock()
	_, ok := m.contexts[hb.AgentID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.receiver.Record(hb)
	return true
}

// AgentState returns the lifecycle state of a managed agent.
func (m *Manager) AgentState(agentID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.contexts[agentID]
	if !ok {
		return "", false
	}
	return rc.machine.State(), true
}

// AgentHealth returns the heartbeat health of a managed agent.
func (m *Manager) AgentHealth(agentID string) (Health, bool) {
	return m.receiver.Status(agentID, time.Now())
}

// States returns a snapshot of every managed agent's state.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.contexts))
	for id, rc := range m.contexts {
		out[id] = rc.machine.State()
	}
	return out
}

// ActiveAgentCount returns the number of live contexts. Contexts leave
// the map the moment they terminate, so this equals the number of
// agents in a non-terminal state.
func (m *Manager) ActiveAgentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// InCooldown reports whether the agent is in crash cooldown.
func (m *Manager) InCooldown(agentID string) bool {
	return m.detector.InCooldown(agentID, time.Now())
}

// StartMonitoring begins heartbeat evaluation. Agents that stay silent
// past the timeout are funneled through Crash.
func (m *Manager) StartMonitoring() {
	m.receiver.StartMonitoring(func(agentID string) {
		if err := m.Crash(agentID, errors.New("heartbeat timeout")); err != nil {
			slog.Warn("heartbeat crash handling failed", "agent_id", agentID, "error", err)
		}
	})
}

// Shutdown stops monitoring. Managed contexts are left as-is; the
// caller drains them individually if a clean stop is wanted.
func (m *Manager) Shutdown() {
	m.receiver.StopMonitoring()
}
