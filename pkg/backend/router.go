package backend

import (
	"fmt"
	"sort"
	"time"

	"github.com/codeready-toolchain/warden/pkg/breaker"
)

// Entry pairs a registered backend with its routing metadata.
type Entry struct {
	ProviderID   string
	Type         string
	Priority     int
	Backend      Backend
	Capabilities Capabilities
	Breaker      *breaker.Breaker
}

// EntrySource supplies the current provider set. The registry
// implements it; tests substitute fixed slices.
type EntrySource interface {
	Entries() []*Entry
}

// Router picks an execution backend for a task. Candidates are filtered
// by capability, then ranked by circuit availability, priority, and
// provider ID; the first candidate whose breaker admits the call wins.
type Router struct {
	source EntrySource
}

// NewRouter builds a router over the given provider source.
func NewRouter(source EntrySource) *Router {
	return &Router{source: source}
}

// Route selects the backend entry for the task. A preferred provider
// short-circuits ranking when it is eligible and its circuit admits the
// call. Returns ErrNoBackendAvailable when no candidate matches or
// every matching circuit is open.
func (r *Router) Route(task Task, preferredID string) (*Entry, error) {
	now := time.Now()

	var candidates []*Entry
	for _, e := range r.source.Entries() {
		if eligible(e, task) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no provider matches task requirements", ErrNoBackendAvailable)
	}

	if preferredID != "" {
		for _, e := range candidates {
			if e.ProviderID == preferredID && e.Breaker.Allow(now) {
				return e, nil
			}
		}
	}

	// Rank on a snapshot of circuit readiness so sorting does not
	// consume half-open probes.
	ready := make(map[string]bool, len(candidates))
	for _, e := range candidates {
		ready[e.ProviderID] = e.Breaker.Ready(now)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ready[ci.ProviderID] != ready[cj.ProviderID] {
			return ready[ci.ProviderID]
		}
		if ci.Priority != cj.Priority {
			return ci.Priority < cj.Priority
		}
		return ci.ProviderID < cj.ProviderID
	})

	for _, e := range candidates {
		if e.Breaker.Allow(now) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: all circuits open", ErrNoBackendAvailable)
}

// eligible reports whether the entry can serve the task at all,
// independent of circuit state.
func eligible(e *Entry, task Task) bool {
	caps := e.Capabilities
	if !caps.SupportsGoal(task.Instruction.GoalType) {
		return false
	}
	if caps.MaxContextTokens > 0 && task.Constraints.MaxTokens > caps.MaxContextTokens {
		return false
	}
	if task.Constraints.ShellAccess && !caps.SupportsShellExecution {
		return false
	}
	if task.Constraints.Timeout > 0 && !caps.SupportsCancellation {
		return false
	}
	return true
}
