package config

// Config is the umbrella configuration object returned by Initialize()
// and passed to every component at startup.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// System-wide defaults applied to jobs and tasks
	Defaults *Defaults

	// HTTP server and authentication
	Server *ServerConfig
	Auth   *AuthConfig

	// Queue and worker pool configuration
	Queue *QueueConfig

	// Execution backend providers
	Backends *BackendsConfig

	// Approval service configuration
	Approval *ApprovalConfig

	// SSE connection manager configuration
	SSE *SSEConfig

	// Secret masking configuration
	Masking *MaskingConfig

	// Retention and cleanup configuration
	Retention *RetentionConfig

	// Tracing configuration
	Telemetry *TelemetryConfig
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Providers int
	APIKeys   int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Backends != nil {
		s.Providers = len(c.Backends.Providers)
	}
	if c.Auth != nil {
		s.APIKeys = len(c.Auth.APIKeys)
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetProvider retrieves a backend provider configuration by ID.
// This is a convenience method that wraps BackendsConfig.Get().
func (c *Config) GetProvider(id string) (*ProviderConfig, error) {
	return c.Backends.Get(id)
}
