package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// WardenYAMLConfig represents the complete warden.yaml file structure
type WardenYAMLConfig struct {
	Server    *ServerConfig    `yaml:"server"`
	Auth      *AuthConfig      `yaml:"auth"`
	Defaults  *Defaults        `yaml:"defaults"`
	Queue     *QueueConfig     `yaml:"queue"`
	Backends  *BackendsConfig  `yaml:"backends"`
	Approval  *ApprovalConfig  `yaml:"approval"`
	SSE       *SSEConfig       `yaml:"sse"`
	Masking   *MaskingConfig   `yaml:"masking"`
	Retention *RetentionConfig `yaml:"retention"`
	Telemetry *TelemetryConfig `yaml:"telemetry"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load warden.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-defined values over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"providers", stats.Providers,
		"api_keys", stats.APIKeys)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	userCfg, err := loader.loadWardenYAML()
	if err != nil {
		return nil, NewLoadError("warden.yaml", err)
	}

	// Each section starts from built-in defaults; user config is merged on
	// top so unset fields keep their default values.
	serverCfg := DefaultServerConfig()
	if err := mergeSection("server", serverCfg, userCfg.Server); err != nil {
		return nil, err
	}

	authCfg := DefaultAuthConfig()
	if err := mergeSection("auth", authCfg, userCfg.Auth); err != nil {
		return nil, err
	}

	defaults := DefaultDefaults()
	if err := mergeSection("defaults", defaults, userCfg.Defaults); err != nil {
		return nil, err
	}

	queueCfg := DefaultQueueConfig()
	if err := mergeSection("queue", queueCfg, userCfg.Queue); err != nil {
		return nil, err
	}

	backendsCfg := DefaultBackendsConfig()
	if err := mergeSection("backends", backendsCfg, userCfg.Backends); err != nil {
		return nil, err
	}

	approvalCfg := DefaultApprovalConfig()
	if err := mergeSection("approval", approvalCfg, userCfg.Approval); err != nil {
		return nil, err
	}

	sseCfg := DefaultSSEConfig()
	if err := mergeSection("sse", sseCfg, userCfg.SSE); err != nil {
		return nil, err
	}

	maskingCfg := DefaultMaskingConfig()
	if err := mergeSection("masking", maskingCfg, userCfg.Masking); err != nil {
		return nil, err
	}

	retentionCfg := DefaultRetentionConfig()
	if err := mergeSection("retention", retentionCfg, userCfg.Retention); err != nil {
		return nil, err
	}

	telemetryCfg := DefaultTelemetryConfig()
	if err := mergeSection("telemetry", telemetryCfg, userCfg.Telemetry); err != nil {
		return nil, err
	}

	return &Config{
		configDir: configDir,
		Defaults:  defaults,
		Server:    serverCfg,
		Auth:      authCfg,
		Queue:     queueCfg,
		Backends:  backendsCfg,
		Approval:  approvalCfg,
		SSE:       sseCfg,
		Masking:   maskingCfg,
		Retention: retentionCfg,
		Telemetry: telemetryCfg,
	}, nil
}

// mergeSection merges non-zero user values over the defaults in dst.
// A nil user section leaves the defaults untouched.
func mergeSection[T any](name string, dst *T, user *T) error {
	if user == nil {
		return nil
	}
	if err := mergo.Merge(dst, user, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadWardenYAML() (*WardenYAMLConfig, error) {
	var config WardenYAMLConfig
	if err := l.loadYAML("warden.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}
