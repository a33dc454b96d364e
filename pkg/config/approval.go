package config

import "time"

// ApprovalConfig holds approval service settings.
type ApprovalConfig struct {
	// DefaultTTL is applied when a create request carries no ttl_seconds.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// TokenSecretEnv names the environment variable holding the secret
	// mixed into approval token hashes. The hash is SHA-256(secret||token);
	// plaintext tokens are never persisted.
	TokenSecretEnv string `yaml:"token_secret_env"`

	// SweepInterval is how often expireStaleRequests runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultApprovalConfig returns the built-in approval defaults.
func DefaultApprovalConfig() *ApprovalConfig {
	return &ApprovalConfig{
		DefaultTTL:     24 * time.Hour,
		TokenSecretEnv: "WARDEN_APPROVAL_SECRET",
		SweepInterval:  1 * time.Minute,
	}
}

// SSEConfig holds SSE connection manager settings.
type SSEConfig struct {
	// RingBufferSize is the per-agent replay buffer capacity used for
	// Last-Event-ID resume.
	RingBufferSize int `yaml:"ring_buffer_size"`

	// HeartbeatInterval is how often a ": heartbeat" comment is written
	// to every open connection.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// QueueHighWater is the per-connection outbound queue capacity; a
	// subscriber that falls this far behind is closed.
	QueueHighWater int `yaml:"queue_high_water"`

	// WriteTimeout bounds a single frame write to a subscriber.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultSSEConfig returns the built-in SSE defaults.
func DefaultSSEConfig() *SSEConfig {
	return &SSEConfig{
		RingBufferSize:    1000,
		HeartbeatInterval: 60 * time.Second,
		QueueHighWater:    256,
		WriteTimeout:      5 * time.Second,
	}
}
