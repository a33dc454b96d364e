package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// DeadLetterRetentionDays is how many days to keep DEAD_LETTER jobs
	// before deleting them.
	DeadLetterRetentionDays int `yaml:"dead_letter_retention_days"`

	// AuditRetentionDays is how many days to keep audit entries whose
	// approval request no longer exists. Per-request history is kept for
	// the life of the request; this is a safety net.
	AuditRetentionDays int `yaml:"audit_retention_days"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		DeadLetterRetentionDays: 30,
		AuditRetentionDays:      365,
		CleanupInterval:         12 * time.Hour,
	}
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	// Enabled turns the tracer provider on. Off by default; the exporter
	// endpoint must be reachable when enabled.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP/HTTP collector endpoint (host:port).
	Endpoint string `yaml:"endpoint"`

	// ServiceName overrides the resource service.name.
	ServiceName string `yaml:"service_name"`

	// Insecure disables TLS toward the collector.
	Insecure bool `yaml:"insecure"`
}

// DefaultTelemetryConfig returns the built-in telemetry defaults.
func DefaultTelemetryConfig() *TelemetryConfig {
	return &TelemetryConfig{
		Enabled:     false,
		Endpoint:    "localhost:4318",
		ServiceName: "warden",
		Insecure:    true,
	}
}
