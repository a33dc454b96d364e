package config

// Defaults contains system-wide default configurations.
// These values are used when jobs or tasks don't specify their own.
type Defaults struct {
	// Model identifier applied to tasks without one
	Model string `yaml:"model,omitempty"`

	// MaxTurns bounds LLM calls per task (tool rounds are MaxTurns-1)
	MaxTurns int `yaml:"max_turns,omitempty"`

	// MaxTokens is the per-turn output token cap
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// MaxAttempts before a failing job is dead-lettered
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// TimeoutSeconds is the per-attempt execution budget for jobs that
	// carry none of their own
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// DefaultDefaults returns the built-in system defaults.
func DefaultDefaults() *Defaults {
	return &Defaults{
		MaxTurns:       10,
		MaxTokens:      4096,
		MaxAttempts:    3,
		TimeoutSeconds: 900,
	}
}
