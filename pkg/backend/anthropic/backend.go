package anthropic

import (
	"context"
	"os"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/loop"
	"github.com/codeready-toolchain/warden/pkg/tools"
)

// defaultAPIKeyEnv is used when the provider config names no variable.
const defaultAPIKeyEnv = "ANTHROPIC_API_KEY"

var _ backend.Backend = (*Backend)(nil)

// defaultContextTokens is Claude's context window, used when the
// provider config does not narrow it.
const defaultContextTokens = 200000

// Backend runs tasks through the Anthropic Messages API via the shared
// agentic loop.
type Backend struct {
	providerID string
	tools      *tools.Registry

	mu         sync.Mutex
	llm        *llmClient
	model      string
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

// Start validates credentials and builds the SDK client. A missing API
// key is a configuration error; the backend stays unusable.
func (b *Backend) Start(_ context.Context, cfg *config.ProviderConfig) error {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultAPIKeyEnv
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return backend.ConfigurationError("environment variable %s is not set", keyEnv)
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.llm = newLLMClient(&client.Messages, cfg.Model)
	b.model = cfg.Model
	b.maxContext = cfg.MaxContextTokens
	if b.maxContext <= 0 {
		b.maxContext = defaultContextTokens
	}
	b.started = true
	return nil
}

// Stop implements backend.Backend. The SDK client holds no connections
// worth tearing down; Stop just marks the backend unusable.
func (b *Backend) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	b.llm = nil
	return nil
}

// HealthCheck implements backend.Backend.
func (b *Backend) HealthCheck(_ context.Context) backend.Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return backend.Health{Status: backend.HealthUnhealthy, Details: "not started"}
	}
	return backend.Health{Status: backend.HealthHealthy, Details: "model " + b.model}
}

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities {
	b.mu.Lock()
	maxContext := b.maxContext
	b.mu.Unlock()
	if maxContext <= 0 {
		maxContext = defaultContextTokens
	}
	return backend.Capabilities{
		SupportsStreaming:    true,
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
