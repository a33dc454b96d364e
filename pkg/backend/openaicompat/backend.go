package openaicompat

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/loop"
	"github.com/codeready-toolchain/warden/pkg/tools"
)

// defaultAPIKeyEnv is consulted when the provider config names no
// variable. Unlike an explicitly configured variable it may be unset,
// since local endpoints often run without auth.
const defaultAPIKeyEnv = "OPENAI_API_KEY"

var _ backend.Backend = (*Backend)(nil)

// Backend runs tasks against an OpenAI-compatible chat endpoint.
type Backend struct {
	providerID string
	tools      *tools.Registry

	mu         sync.Mutex
	llm        *llmClient
	model      string
	baseURL    string
	maxContext int
	started    bool
}

// New builds an unstarted backend. The tool registry is shared across
// tasks; per-task constraints narrow it inside the loop.
func New(providerID string, registry *tools.Registry) *Backend {
	return &Backend{providerID: providerID, tools: registry}
}

// ID implements backend.Backend.
func (b *Backend) ID() string { return b.providerID }

// Start wires the HTTP client. The base URL is required. An explicitly
// configured key env var must resolve; otherwise OPENAI_API_KEY is used
// when present.
func (b *Backend) Start(_ context.Context, cfg *config.ProviderConfig) error {
	if cfg.BaseURL == "" {
		return backend.ConfigurationError("provider %q requires a base URL", b.providerID)
	}
	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return backend.ConfigurationError("environment variable %s is not set", cfg.APIKeyEnv)
		}
	} else {
		key = os.Getenv(defaultAPIKeyEnv)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.llm = newLLMClient(&http.Client{}, cfg.BaseURL, key, cfg.Model)
	b.model = cfg.Model
	b.baseURL = cfg.BaseURL
	b.maxContext = cfg.MaxContextTokens
	b.started = true
	return nil
}

// Stop implements backend.Backend.
func (b *Backend) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	b.llm = nil
	return nil
}

// HealthCheck reports whether the backend has been started.
func (b *Backend) HealthCheck(_ context.Context) backend.Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return backend.Health{Status: backend.HealthUnhealthy, Details: "not started"}
	}
	return backend.Health{Status: backend.HealthHealthy, Details: "endpoint " + b.baseURL}
}

// Capabilities implements backend.Backend. Context window sizes vary
// across compatible servers, so the limit is whatever the provider
// config declares; zero means unbounded.
func (b *Backend) Capabilities() backend.Capabilities {
	b.mu.Lock()
	maxContext := b.maxContext
	b.mu.Unlock()
	return backend.Capabilities{
		SupportsCancellation: true,
		ReportsTokenUsage:    true,
		MaxContextTokens:     maxContext,
	}
}

// ExecuteTask implements backend.Backend: it spawns the agentic loop
// behind a stream handle and returns immediately.
func (b *Backend) ExecuteTask(ctx context.Context, task backend.Task) (backend.Handle, error) {
	b.mu.Lock()
	llm := b.llm
	started := b.started
	b.mu.Unlock()
	if !started || llm == nil {
		return nil, backend.ConfigurationError("provider %q is not started", b.providerID)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopTimer := func() {}
	if task.Constraints.Timeout > 0 {
		runCtx, stopTimer = context.WithTimeout(runCtx, task.Constraints.Timeout)
	}

	h := backend.NewStreamHandle(task.ID, 64, cancel)
	go func() {
		defer stopTimer()
		res := loop.Run(runCtx, llm, b.tools, task, func(ev backend.OutputEvent) {
			h.Emit(runCtx, ev)
		})
		h.Finish(res)
	}()
	return h, nil
}
