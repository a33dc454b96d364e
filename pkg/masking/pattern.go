package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/codeready-toolchain/warden/pkg/config"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// resolvePatterns expands the config's pattern groups and individual
// pattern names into a deduplicated, ordered pattern list, then appends
// the custom patterns. Group members keep their listed order so broad
// sweeps can be placed after the structured patterns.
func resolvePatterns(cfg *config.MaskingConfig) []*CompiledPattern {
	builtin := config.GetBuiltinConfig()

	seen := make(map[string]bool)
	var names []string
	for _, group := range cfg.PatternGroups {
		members, ok := builtin.PatternGroups[group]
		if !ok {
			slog.Warn("Unknown masking pattern group, skipping", "group", group)
			continue
		}
		for _, name := range members {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	for _, name := range cfg.Patterns {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	var compiled []*CompiledPattern
	for _, name := range names {
		pattern, ok := builtin.MaskingPatterns[name]
		if !ok {
			slog.Warn("Unknown masking pattern, skipping", "pattern", name)
			continue
		}
		cp, err := compilePattern(name, pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		compiled = append(compiled, cp)
	}

	// Custom patterns are keyed as "custom:{index}" to avoid collisions
	// with built-in names.
	for i, pattern := range cfg.CustomPatterns {
		name := fmt.Sprintf("custom:%d", i)
		cp, err := compilePattern(name, pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		compiled = append(compiled, cp)
	}

	return compiled
}

func compilePattern(name string, p config.MaskingPattern) (*CompiledPattern, error) {
	regex, err := regexp.Compile(p.Pattern)
	if err != nil {
		return nil, err
	}
	return &CompiledPattern{
		Name:        name,
		Regex:       regex,
		Replacement: p.Replacement,
		Description: p.Description,
	}, nil
}
