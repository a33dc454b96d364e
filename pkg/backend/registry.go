package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/codeready-toolchain/warden/pkg/breaker"
	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/models"
)

// ProviderHealth is one provider's entry in the health snapshot served
// on the backend health endpoint.
type ProviderHealth struct {
	ProviderID         string `json:"provider_id"`
	Type               string `json:"type"`
	Priority           int    `json:"priority"`
	Health             Health `json:"health"`
	CircuitState       string `json:"circuit_state"`
	WindowFailureCount int    `json:"window_failure_count"`
	WindowTotalCalls   int    `json:"window_total_calls"`
}

// Registry owns the set of registered execution backends, one circuit
// breaker per provider, and the router that picks a provider per task.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	defaultID string
	router    *Router
}

// NewRegistry builds an empty registry. defaultProvider, when set,
// is used as the preferred provider for tasks that carry none.
func NewRegistry(defaultProvider string) *Registry {
	r := &Registry{
		entries:   make(map[string]*Entry),
		defaultID: defaultProvider,
	}
	r.router = NewRouter(r)
	return r
}

// Register starts the backend and adds it to the routing set. The
// provider gets its own circuit breaker built from cfg.Breaker, falling
// back to the built-in defaults. A backend that fails to start is not
// registered.
func (r *Registry) Register(ctx context.Context, b Backend, cfg *config.ProviderConfig) error {
	id := b.ID()
	r.mu.RLock()
	_, exists := r.entries[id]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProvider, id)
	}

	if err := b.Start(ctx, cfg); err != nil {
		return fmt.Errorf("start provider %q: %w", id, err)
	}

	bc := cfg.Breaker
	if bc == nil {
		bc = config.DefaultBreakerConfig()
	}
	br := breaker.New(breaker.Config{
		FailureThreshold: bc.FailureThreshold,
		Window:           bc.Window,
		Cooldown:         bc.Cooldown,
		OnStateChange: func(from, to breaker.State) {
			slog.Warn("provider circuit state changed",
				"provider", id,
				"from", from.String(),
				"to", to.String())
		},
	})

	entry := &Entry{
		ProviderID:   id,
		Type:         string(cfg.Type),
		Priority:     cfg.Priority,
		Backend:      b,
		Capabilities: b.Capabilities(),
		Breaker:      br,
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		// Lost a concurrent registration of the same id after Start; the
		// losing backend must not keep running unrouted.
		if stopErr := b.Stop(ctx); stopErr != nil {
			slog.Warn("failed to stop duplicate backend",
				"provider", id, "error", stopErr)
		}
		return fmt.Errorf("%w: %q", ErrDuplicateProvider, id)
	}
	r.entries[id] = entry
	r.mu.Unlock()
	slog.Info("execution backend registered",
		"provider", id,
		"type", cfg.Type,
		"priority", cfg.Priority)
	return nil
}

// Unregister stops the backend and removes it from routing.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrProviderNotRegistered, id)
	}
	if err := entry.Backend.Stop(ctx); err != nil {
		return fmt.Errorf("stop provider %q: %w", id, err)
	}
	return nil
}

// Entries implements EntrySource: a snapshot of registered providers
// ordered by priority then ID.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out
}

// RouteTask picks the provider for a task. An empty preferredID falls
// back to the registry's default provider.
func (r *Registry) RouteTask(task Task, preferredID string) (*Entry, error) {
	if preferredID == "" {
		preferredID = r.defaultID
	}
	return r.router.Route(task, preferredID)
}

// RecordOutcome feeds a finished call into the provider's breaker.
// Outcomes for providers unregistered mid-flight are dropped.
func (r *Registry) RecordOutcome(providerID string, success bool, class models.ErrorClassification) {
	r.mu.RLock()
	entry, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.Breaker.RecordOutcome(success, class)
}

// CircuitStates returns the current breaker state per provider.
func (r *Registry) CircuitStates() map[string]breaker.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]breaker.State, len(r.entries))
	for id, e := range r.entries {
		states[id] = e.Breaker.State()
	}
	return states
}

// HealthSnapshot probes every provider and pairs the result with its
// circuit stats.
func (r *Registry) HealthSnapshot(ctx context.Context) []ProviderHealth {
	entries := r.Entries()
	out := make([]ProviderHealth, 0, len(entries))
	for _, e := range entries {
		stats := e.Breaker.Stats()
		out = append(out, ProviderHealth{
			ProviderID:         e.ProviderID,
			Type:               e.Type,
			Priority:           e.Priority,
			Health:             e.Backend.HealthCheck(ctx),
			CircuitState:       stats.State.String(),
			WindowFailureCount: stats.WindowFailureCount,
			WindowTotalCalls:   stats.WindowTotalCalls,
		})
	}
	return out
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StopAll stops every registered backend and clears the registry.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.Backend.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop provider %q: %w", e.ProviderID, err))
		}
	}
	return errors.Join(errs...)
}
