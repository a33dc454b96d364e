package config

import (
	"fmt"
	"os"
	"regexp"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateAuth(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}

	if err := v.validateProviders(); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}

	if err := v.validateApproval(); err != nil {
		return fmt.Errorf("approval validation failed: %w", err)
	}

	if err := v.validateSSE(); err != nil {
		return fmt.Errorf("sse validation failed: %w", err)
	}

	if err := v.validateMasking(); err != nil {
		return fmt.Errorf("masking validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	if v.cfg.Server.ListenAddr == "" {
		return NewValidationError("server", "server", "listen_addr", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateAuth() error {
	seen := make(map[string]string)
	for i, k := range v.cfg.Auth.APIKeys {
		id := fmt.Sprintf("api_keys[%d]", i)
		if k.Key == "" {
			return NewValidationError("auth", id, "key", ErrMissingRequiredField)
		}
		if k.UserID == "" {
			return NewValidationError("auth", id, "user_id", ErrMissingRequiredField)
		}
		if !k.Role.IsValid() {
			return NewValidationError("auth", id, "role", fmt.Errorf("invalid role: %s", k.Role))
		}
		if prev, dup := seen[k.Key]; dup {
			return NewValidationError("auth", id, "key", fmt.Errorf("duplicate key also bound to %s", prev))
		}
		seen[k.Key] = k.UserID
	}
	if v.cfg.Auth.SessionRole != "" && !v.cfg.Auth.SessionRole.IsValid() {
		return NewValidationError("auth", "auth", "session_role", fmt.Errorf("invalid role: %s", v.cfg.Auth.SessionRole))
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q.WorkerCount < 1 {
		return NewValidationError("queue", "queue", "worker_count", fmt.Errorf("must be at least 1"))
	}
	if q.MaxConcurrentJobs < 1 {
		return NewValidationError("queue", "queue", "max_concurrent_jobs", fmt.Errorf("must be at least 1"))
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "queue", "poll_interval", fmt.Errorf("must be positive"))
	}
	if q.PollIntervalJitter < 0 || q.PollIntervalJitter >= q.PollInterval {
		return NewValidationError("queue", "queue", "poll_interval_jitter", fmt.Errorf("must be in [0, poll_interval)"))
	}
	if q.OrphanThreshold <= q.HeartbeatInterval {
		return NewValidationError("queue", "queue", "orphan_threshold", fmt.Errorf("must exceed heartbeat_interval"))
	}
	return nil
}

func (v *ConfigValidator) validateProviders() error {
	for id, p := range v.cfg.Backends.Providers {
		if !p.Type.IsValid() {
			return NewValidationError("provider", id, "type", fmt.Errorf("invalid type: %s", p.Type))
		}
		if p.Type == ProviderTypeOpenAICompat && p.BaseURL == "" {
			return NewValidationError("provider", id, "base_url", ErrMissingRequiredField)
		}
		if p.Priority < 0 {
			return NewValidationError("provider", id, "priority", fmt.Errorf("must be non-negative"))
		}
		if p.Breaker != nil {
			if p.Breaker.FailureThreshold < 1 {
				return NewValidationError("provider", id, "breaker.failure_threshold", fmt.Errorf("must be at least 1"))
			}
			if p.Breaker.Window <= 0 || p.Breaker.Cooldown <= 0 {
				return NewValidationError("provider", id, "breaker", fmt.Errorf("window and cooldown must be positive"))
			}
		}
	}

	if def := v.cfg.Backends.Default; def != "" {
		if _, ok := v.cfg.Backends.Providers[def]; !ok {
			return NewValidationError("backends", "backends", "default", fmt.Errorf("provider '%s' not found", def))
		}
	}
	return nil
}

func (v *ConfigValidator) validateApproval() error {
	a := v.cfg.Approval
	if a.DefaultTTL <= 0 {
		return NewValidationError("approval", "approval", "default_ttl", fmt.Errorf("must be positive"))
	}
	if a.TokenSecretEnv != "" && os.Getenv(a.TokenSecretEnv) == "" {
		// Tokens still work without a secret, they just lose the
		// server-side pepper. Warn via error only when explicitly pointed
		// at an empty variable other than the default.
		if a.TokenSecretEnv != DefaultApprovalConfig().TokenSecretEnv {
			return NewValidationError("approval", "approval", "token_secret_env",
				fmt.Errorf("environment variable %s is empty", a.TokenSecretEnv))
		}
	}
	if a.SweepInterval <= 0 {
		return NewValidationError("approval", "approval", "sweep_interval", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateSSE() error {
	s := v.cfg.SSE
	if s.RingBufferSize < 1 {
		return NewValidationError("sse", "sse", "ring_buffer_size", fmt.Errorf("must be at least 1"))
	}
	if s.QueueHighWater < 1 {
		return NewValidationError("sse", "sse", "queue_high_water", fmt.Errorf("must be at least 1"))
	}
	if s.HeartbeatInterval <= 0 {
		return NewValidationError("sse", "sse", "heartbeat_interval", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateMasking() error {
	m := v.cfg.Masking
	if m == nil || !m.IsEnabled() {
		return nil
	}

	builtin := GetBuiltinConfig()
	for _, group := range m.PatternGroups {
		if _, ok := builtin.PatternGroups[group]; !ok {
			return NewValidationError("masking", "masking", "pattern_groups",
				fmt.Errorf("unknown pattern group: %s", group))
		}
	}
	for _, name := range m.Patterns {
		if _, ok := builtin.MaskingPatterns[name]; !ok {
			return NewValidationError("masking", "masking", "patterns",
				fmt.Errorf("unknown pattern: %s", name))
		}
	}
	for i, p := range m.CustomPatterns {
		id := fmt.Sprintf("custom_patterns[%d]", i)
		if p.Pattern == "" {
			return NewValidationError("masking", id, "pattern", ErrMissingRequiredField)
		}
		if p.Replacement == "" {
			return NewValidationError("masking", id, "replacement", ErrMissingRequiredField)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return NewValidationError("masking", id, "pattern", fmt.Errorf("invalid regex: %v", err))
		}
	}
	return nil
}
