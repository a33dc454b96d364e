package config

// MaskingConfig controls secret masking of job output and approval
// payloads before they are broadcast or persisted.
type MaskingConfig struct {
	// Enabled is a *bool: nil means "use default" (enabled), explicit
	// false disables masking entirely.
	Enabled *bool `yaml:"enabled,omitempty"`

	// PatternGroups names built-in groups of patterns to apply. See
	// GetBuiltinConfig().PatternGroups for the catalog.
	PatternGroups []string `yaml:"pattern_groups,omitempty"`

	// Patterns names individual built-in patterns to apply in addition
	// to the groups.
	Patterns []string `yaml:"patterns,omitempty"`

	// CustomPatterns are operator-supplied regex patterns applied after
	// the built-in ones.
	CustomPatterns []MaskingPattern `yaml:"custom_patterns,omitempty"`
}

// MaskingPattern defines a regex-based masking pattern
type MaskingPattern struct {
	Pattern     string `yaml:"pattern" validate:"required"`
	Replacement string `yaml:"replacement" validate:"required"`
	Description string `yaml:"description,omitempty"`
}

// IsEnabled reports whether masking is on. Only an explicit
// "enabled: false" turns it off.
func (c *MaskingConfig) IsEnabled() bool {
	return c == nil || c.Enabled == nil || *c.Enabled
}

// DefaultMaskingConfig returns the built-in masking defaults.
func DefaultMaskingConfig() *MaskingConfig {
	return &MaskingConfig{
		PatternGroups: []string{"secrets"},
	}
}
