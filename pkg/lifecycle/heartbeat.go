package lifecycle

import (
	"sort"
	"sync"
	"time"
)

const (
	// HeartbeatInterval is how often running agents report in.
	HeartbeatInterval = 15 * time.Second
	// HeartbeatTimeout is the silence after which an agent counts as gone.
	HeartbeatTimeout = 45 * time.Second
)

// Health classifies agent liveness from heartbeat recency.
type Health string

const (
	// HealthHealthy means the last heartbeat is within the interval.
	HealthHealthy Health = "HEALTHY"
	// HealthWarning means at least one heartbeat was missed.
	HealthWarning Health = "WARNING"
	// HealthUnhealthy means silence exceeded the timeout.
	HealthUnhealthy Health = "UNHEALTHY"
)

// Heartbeat is one liveness report from a running agent.
type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// UnhealthyFunc is notified once per agent on the edge into UNHEALTHY.
type UnhealthyFunc func(agentID string)

type pulse struct {
	lastSeen time.Time
	health   Health
}

// HeartbeatReceiver tracks heartbeat recency per agent and surfaces
// agents that newly cross the unhealthy threshold.
type HeartbeatReceiver struct {
	mu     sync.Mutex
	pulses map[string]*pulse

	ticker *time.Ticker
	done   chan struct{}
}

// NewHeartbeatReceiver returns an empty receiver.
func NewHeartbeatReceiver() *HeartbeatReceiver {
	return &HeartbeatReceiver{pulses: make(map[string]*pulse)}
}

// Record stores a heartbeat. Arrival always resets the agent to
// HEALTHY, regardless of how late it is.
func (r *HeartbeatReceiver) Record(hb Heartbeat) {
	ts := hb.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pulses[hb.AgentID]
	if p == nil {
		p = &pulse{}
		r.pulses[hb.AgentID] = p
	}
	p.lastSeen = ts
	p.health = HealthHealthy
}

// Status returns the agent's health as of now, without mutating the
// tracked edge state.
func (r *HeartbeatReceiver) Status(agentID string, now time.Time) (Health, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pulses[agentID]
	if !ok {
		return "", false
	}
	return classify(now.Sub(p.lastSeen)), true
}

// EvaluateHealth reclassifies every tracked agent and returns the ones
// that newly became UNHEALTHY, sorted by agent ID.
func (r *HeartbeatReceiver) EvaluateHealth(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newlyUnhealthy []string
	for id, p := range r.pulses {
		next := classify(now.Sub(p.lastSeen))
		if next == HealthUnhealthy && p.health != HealthUnhealthy {
			newlyUnhealthy = append(newlyUnhealthy, id)
		}
		p.health = next
	}
	sort.Strings(newlyUnhealthy)
	return newlyUnhealthy
}

// Forget drops an agent from tracking.
func (r *HeartbeatReceiver) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pulses, agentID)
}

// StartMonitoring evaluates health every HeartbeatInterval and invokes
// cb for each agent crossing into UNHEALTHY. A second call while
// monitoring is a no-op.
func (r *HeartbeatReceiver) StartMonitoring(cb UnhealthyFunc) {
	r.mu.Lock()
	if r.ticker != nil {
		r.mu.Unlock()
		return
	}
	ticker := time.NewTicker(HeartbeatInterval)
	done := make(chan struct{})
	r.ticker = ticker
	r.done = done
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				for _, id := range r.EvaluateHealth(now) {
					cb(id)
				}
			}
		}
	}()
}

// StopMonitoring cancels periodic evaluation. Safe to call repeatedly.
func (r *HeartbeatReceiver) StopMonitoring() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.done)
	r.ticker = nil
	r.done = nil
}

// classify maps heartbeat age to a health band: under the interval is
// HEALTHY, between interval and timeout is WARNING, past the timeout
// is UNHEALTHY.
func classify(elapsed time.Duration) Health {
	switch {
	case elapsed < HeartbeatInterval:
		return HealthHealthy
	case elapsed < HeartbeatTimeout:
		return HealthWarning
	default:
		return HealthUnhealthy
	}
}
