// Package lifecycle manages the runtime state of agents on this pod:
// a per-agent state machine, heartbeat liveness tracking, crash-loop
// back-off, and the manager that coordinates them against the store
// and the deployer.
package lifecycle

import (
	"time"
)

// State is an agent's lifecycle state.
type State string

const (
	// StateBooting is the initial state of a freshly created context.
	StateBooting State = "BOOTING"
	// StateHydrating means checkpoint and identity are being loaded.
	StateHydrating State = "HYDRATING"
	// StateReady means the agent is hydrated and idle.
	StateReady State = "READY"
	// StateExecuting means the agent is running a job.
	StateExecuting State = "EXECUTING"
	// StateDraining means the agent is shutting down cleanly.
	StateDraining State = "DRAINING"
	// StateTerminated is the terminal state.
	StateTerminated State = "TERMINATED"
)

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool { return s == StateTerminated }

// transitions is the legal edge set. Crash is the one exception,
// reaching TERMINATED from any non-terminal state.
var transitions = map[State][]State{
	StateBooting:   {StateHydrating},
	StateHydrating: {StateReady, StateTerminated},
	StateReady:     {StateExecuting, StateDraining},
	StateExecuting: {StateDraining, StateTerminated},
	StateDraining:  {StateTerminated},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionEvent describes one applied lifecycle transition.
type TransitionEvent struct {
	AgentID string    `json:"agent_id"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// TransitionFunc observes applied transitions. Handlers run on the
// mutating goroutine and must not block.
type TransitionFunc func(TransitionEvent)

// StateMachine guards the lifecycle state of one agent. It is not safe
// for concurrent use; the manager serializes all mutations.
type StateMachine struct {
	agentID      string
	state        State
	onTransition TransitionFunc
}

// NewStateMachine returns a machine in BOOTING.
func NewStateMachine(agentID string, onTransition TransitionFunc) *StateMachine {
	return &StateMachine{agentID: agentID, state: StateBooting, onTransition: onTransition}
}

// State returns the current state.
func (m *StateMachine) State() State { return m.state }

// Transition moves to the target state when the edge is legal.
func (m *StateMachine) Transition(to State, reason string) error {
	if !canTransition(m.state, to) {
		return &InvalidTransitionError{AgentID: m.agentID, From: m.state, To: to}
	}
	m.apply(to, reason)
	return nil
}

// Crash forces TERMINATED from any non-terminal state.
func (m *StateMachine) Crash(reason string) error {
	if m.state.IsTerminal() {
		return &InvalidTransitionError{AgentID: m.agentID, From: m.state, To: StateTerminated}
	}
	m.apply(StateTerminated, reason)
	return nil
}

func (m *StateMachine) apply(to State, reason string) {
	from := m.state
	m.state = to
	if m.onTransition != nil {
		m.onTransition(TransitionEvent{
			AgentID: m.agentID,
			From:    from,
			To:      to,
			Reason:  reason,
			At:      time.Now().UTC(),
		})
	}
}
