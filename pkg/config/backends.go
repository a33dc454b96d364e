package config

import (
	"fmt"
	"sort"
	"time"
)

// ProviderType defines supported execution backend implementations
type ProviderType string

const (
	// ProviderTypeAnthropic is the Anthropic messages API backend
	ProviderTypeAnthropic ProviderType = "anthropic"
	// ProviderTypeOpenAICompat is any OpenAI-compatible chat completions API
	ProviderTypeOpenAICompat ProviderType = "openai-compat"
)

// IsValid checks if the provider type is valid
func (t ProviderType) IsValid() bool {
	return t == ProviderTypeAnthropic || t == ProviderTypeOpenAICompat
}

// BreakerConfig holds per-provider circuit breaker settings.
// Zero fields take the built-in defaults at registration time.
type BreakerConfig struct {
	// FailureThreshold is the number of transient failures inside Window
	// that trips the breaker open.
	FailureThreshold int `yaml:"failure_threshold"`

	// Window is the sliding window length for counting failures.
	Window time.Duration `yaml:"window"`

	// Cooldown is how long the breaker stays open before admitting a
	// half-open probe.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultBreakerConfig returns the built-in breaker defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// ProviderConfig describes one execution backend provider.
type ProviderConfig struct {
	// Type selects the backend implementation.
	Type ProviderType `yaml:"type"`

	// APIKeyEnv names the environment variable holding the credential.
	// Defaults per type: ANTHROPIC_API_KEY / OPENAI_API_KEY.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// BaseURL overrides the provider endpoint (required for openai-compat
	// providers pointed at self-hosted gateways).
	BaseURL string `yaml:"base_url,omitempty"`

	// Model is the default model identifier for tasks without one.
	Model string `yaml:"model,omitempty"`

	// Priority orders providers for routing; lower is more preferred.
	Priority int `yaml:"priority"`

	// MaxContextTokens caps a task's max_tokens constraint for this
	// provider. Zero means the implementation default.
	MaxContextTokens int `yaml:"max_context_tokens,omitempty"`

	// Breaker overrides circuit breaker defaults for this provider.
	Breaker *BreakerConfig `yaml:"breaker,omitempty"`
}

// BackendsConfig holds the execution backend provider set.
type BackendsConfig struct {
	// Default is the provider used when a task carries no preference.
	Default string `yaml:"default,omitempty"`

	// Providers maps provider ID to its configuration.
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// DefaultBackendsConfig returns an empty provider set; providers are
// user-supplied in warden.yaml.
func DefaultBackendsConfig() *BackendsConfig {
	return &BackendsConfig{
		Providers: make(map[string]ProviderConfig),
	}
}

// Get retrieves a provider configuration by ID.
func (c *BackendsConfig) Get(id string) (*ProviderConfig, error) {
	p, ok := c.Providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", ErrProviderNotFound, id)
	}
	return &p, nil
}

// IDs returns a sorted list of configured provider IDs.
func (c *BackendsConfig) IDs() []string {
	ids := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
