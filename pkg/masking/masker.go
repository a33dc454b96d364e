// Package masking strips secrets from text before it leaves the control
// plane. Job output is masked at the stream boundary and approval action
// payloads are masked before persistence; the job tables themselves keep
// the original text.
package masking

import (
	"encoding/json"
	"log/slog"

	"github.com/codeready-toolchain/warden/pkg/config"
)

// Masker applies the resolved masking patterns to strings and JSON
// documents. Created once at application startup; thread-safe and
// stateless aside from compiled patterns.
type Masker struct {
	enabled  bool
	patterns []*CompiledPattern
}

// NewMasker compiles the patterns named by cfg. All patterns are
// compiled eagerly; invalid patterns are logged and skipped (the config
// validator rejects them before this point in normal startup).
func NewMasker(cfg *config.MaskingConfig) *Masker {
	m := &Masker{enabled: cfg.IsEnabled()}
	if !m.enabled {
		slog.Info("Masking disabled")
		return m
	}

	m.patterns = resolvePatterns(cfg)
	slog.Info("Masking initialized",
		"pattern_groups", len(cfg.PatternGroups),
		"compiled_patterns", len(m.patterns))
	return m
}

// MaskString applies every resolved pattern to s, in order.
func (m *Masker) MaskString(s string) string {
	if !m.enabled || s == "" {
		return s
	}
	for _, p := range m.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// MaskJSON masks a JSON document as text. The built-in key/value
// patterns emit balanced quoting, so a valid document normally stays
// valid; if a replacement does break the structure the masked text is
// re-quoted as a JSON string rather than returned malformed.
func (m *Masker) MaskJSON(raw json.RawMessage) json.RawMessage {
	if !m.enabled || len(raw) == 0 {
		return raw
	}
	masked := m.MaskString(string(raw))
	if masked == string(raw) {
		return raw
	}
	if json.Valid([]byte(masked)) {
		return json.RawMessage(masked)
	}
	quoted, err := json.Marshal(masked)
	if err != nil {
		return json.RawMessage(`"__MASKED__"`)
	}
	return quoted
}
