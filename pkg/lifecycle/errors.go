package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyManaged is returned when booting an agent that already has
// a live runtime context.
var ErrAlreadyManaged = errors.New("agent already managed")

// ErrNotManaged is returned when acting on an agent without a context.
var ErrNotManaged = errors.New("agent not managed")

// ErrNotDrainable is returned when draining an agent that is not
// managed or not in a drainable state.
var ErrNotDrainable = errors.New("agent not managed or not drainable")

// ErrStaleCheckpoint is returned by Recover when the reloaded job row
// has not advanced past the attempt this pod last saw.
var ErrStaleCheckpoint = errors.New("checkpoint attempt not advanced")

// InvalidTransitionError reports an illegal state machine edge.
type InvalidTransitionError struct {
	AgentID string
	From    State
	To      State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("agent %s: invalid lifecycle transition %s -> %s", e.AgentID, e.From, e.To)
}

// CooldownError reports a boot refused while the agent is in crash
// cooldown.
type CooldownError struct {
	AgentID string
	Until   time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("agent %s: crash cooldown until %s", e.AgentID, e.Until.UTC().Format(time.RFC3339))
}
