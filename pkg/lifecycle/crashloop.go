package lifecycle

import (
	"sync"
	"time"
)

const (
	// crashWindow is how close together crashes must be to count as
	// consecutive. A crash after a longer gap restarts the count.
	crashWindow = 30 * time.Minute
	// cooldownBase is the cooldown after the first crash.
	cooldownBase = 60 * time.Second
	// cooldownMax caps the escalation.
	cooldownMax = 15 * time.Minute
)

type crashRecord struct {
	count         int
	lastCrashAt   time.Time
	cooldownUntil time.Time
}

// CrashLoopDetector escalates a boot cooldown for agents that crash
// repeatedly. Records survive context removal so the cooldown holds
// across reboot attempts.
type CrashLoopDetector struct {
	mu      sync.Mutex
	window  time.Duration
	records map[string]*crashRecord
}

// NewCrashLoopDetector returns a detector with the default window.
func NewCrashLoopDetector() *CrashLoopDetector {
	return &CrashLoopDetector{window: crashWindow, records: make(map[string]*crashRecord)}
}

// RecordCrash registers a crash at now and returns the cooldown applied.
func (d *CrashLoopDetector) RecordCrash(agentID string, now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.records[agentID]
	if rec == nil {
		rec = &crashRecord{}
		d.records[agentID] = rec
	}
	if rec.count == 0 || now.Sub(rec.lastCrashAt) > d.window {
		rec.count = 1
	} else {
		rec.count++
	}
	rec.lastCrashAt = now
	cooldown := CooldownFor(rec.count)
	rec.cooldownUntil = now.Add(cooldown)
	return cooldown
}

// InCooldown reports whether the agent must not boot yet.
func (d *CrashLoopDetector) InCooldown(agentID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[agentID]
	return ok && now.Before(rec.cooldownUntil)
}

// CooldownUntil returns when the agent's cooldown ends, if one is
// recorded.
func (d *CrashLoopDetector) CooldownUntil(agentID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[agentID]
	if !ok {
		return time.Time{}, false
	}
	return rec.cooldownUntil, true
}

// CrashCount returns the consecutive-crash count for the agent.
func (d *CrashLoopDetector) CrashCount(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[agentID]
	if !ok {
		return 0
	}
	return rec.count
}

// CooldownFor returns the cooldown for the kth consecutive crash:
// 60s doubled per crash, capped at 15 minutes. Zero for k <= 0.
func CooldownFor(k int) time.Duration {
	if k <= 0 {
		return 0
	}
	cooldown := cooldownBase
	for i := 1; i < k; i++ {
		cooldown *= 2
		if cooldown >= cooldownMax {
			return cooldownMax
		}
	}
	if cooldown > cooldownMax {
		return cooldownMax
	}
	return cooldown
}
