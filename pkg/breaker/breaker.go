// Package breaker implements a sliding-window circuit breaker used to
// shed calls to failing execution backends.
//
// The breaker counts only failures whose classification is in the
// configured counted set (by default only transient failures). When the
// windowed failure count reaches the threshold the circuit opens and
// callers are refused until the cooldown elapses, after which a single
// probe call is admitted. A successful probe closes the circuit; a
// failed probe reopens it and restarts the cooldown.
package breaker

import (
	"sync"
	"time"

	"github.com/codeready-toolchain/warden/pkg/models"
)

// State is the circuit position.
type State int

const (
	// StateClosed admits all calls.
	StateClosed State = iota
	// StateOpen refuses all calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen has admitted a single probe and refuses everything
	// else until the probe's outcome is recorded.
	StateHalfOpen
)

// String returns the wire representation used in health snapshots.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Default thresholds applied by New when the config leaves them zero.
const (
	DefaultFailureThreshold = 5
	DefaultWindow           = 60 * time.Second
	DefaultCooldown         = 30 * time.Second
)

// Config tunes a single breaker instance.
type Config struct {
	// FailureThreshold is the number of counted failures within Window
	// that trips the circuit.
	FailureThreshold int
	// Window is the sliding interval over which failures are counted.
	Window time.Duration
	// Cooldown is how long the circuit stays open before admitting a probe.
	Cooldown time.Duration
	// CountedClasses lists the failure classifications that count toward
	// the threshold. Empty means transient only.
	CountedClasses []models.ErrorClassification
	// OnStateChange, when set, is invoked after every state transition.
	// It runs with the breaker lock held; keep it fast and do not call
	// back into the breaker.
	OnStateChange func(from, to State)
}

// Stats is a point-in-time snapshot exposed on health endpoints.
type Stats struct {
	State              State `json:"-"`
	WindowFailureCount int   `json:"window_failure_count"`
	WindowTotalCalls   int   `json:"window_total_calls"`
}

type outcome struct {
	at      time.Time
	failure bool
}

// Breaker is a sliding-window circuit breaker. The zero value is not
// usable; construct with New.
type Breaker struct {
	cfg     Config
	counted map[models.ErrorClassification]bool

	mu       sync.Mutex
	state    State
	window   []outcome
	openedAt time.Time
}

// New builds a breaker, applying defaults for any zero config field.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	classes := cfg.CountedClasses
	if len(classes) == 0 {
		classes = []models.ErrorClassification{models.ClassificationTransient}
	}
	counted := make(map[models.ErrorClassification]bool, len(classes))
	for _, c := range classes {
		counted[c] = true
	}
	return &Breaker{cfg: cfg, counted: counted, state: StateClosed}
}

// Allow reports whether a call may proceed at the given instant. In the
// open state it transitions to half-open once the cooldown has elapsed
// and admits exactly one probe; callers that receive true MUST record
// the call's outcome or the circuit stays half-open.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(b.openedAt.Add(b.cfg.Cooldown)) {
			return false
		}
		b.transition(StateHalfOpen)
		return true
	default: // StateHalfOpen: probe already in flight
		return false
	}
}

// Ready is the side-effect-free counterpart of Allow, used when ranking
// candidates without consuming the half-open probe.
func (b *Breaker) Ready(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return !now.Before(b.openedAt.Add(b.cfg.Cooldown))
	default:
		return false
	}
}

// RecordOutcome records a finished call using the current time.
func (b *Breaker) RecordOutcome(success bool, class models.ErrorClassification) {
	b.RecordOutcomeAt(success, class, time.Now())
}

// RecordOutcomeAt records a finished call at an explicit instant.
//
// Only failures whose classification is counted affect the circuit. A
// half-open probe whose failure is not counted (permanent, configuration)
// closes the circuit: the backend answered, it is not down.
func (b *Breaker) RecordOutcomeAt(success bool, class models.ErrorClassification, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failure := !success && b.counted[class]
	b.prune(now)
	b.window = append(b.window, outcome{at: now, failure: failure})

	switch b.state {
	case StateClosed:
		if b.failureCount() >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if failure {
			b.openedAt = now
			b.transition(StateOpen)
		} else {
			b.window = nil
			b.transition(StateClosed)
		}
	case StateOpen:
		// Stragglers from calls admitted before the trip. Recorded for
		// stats only; the probe outcome decides the next transition.
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats snapshots the breaker for health reporting.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(time.Now())
	return Stats{
		State:              b.state,
		WindowFailureCount: b.failureCount(),
		WindowTotalCalls:   len(b.window),
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// prune drops window entries older than the sliding window. Callers hold b.mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && !b.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// failureCount counts counted failures currently in the window. Callers hold b.mu.
func (b *Breaker) failureCount() int {
	n := 0
	for _, o := range b.window {
		if o.failure {
			n++
		}
	}
	return n
}
