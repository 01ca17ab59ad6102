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

// ConfigFileName is the kernel configuration file expected in the config dir.
const ConfigFileName = "kernel.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read kernel.yaml from configDir (missing file means pure defaults)
//  2. Expand environment variables
//  3. Parse YAML into the Config struct
//  4. Merge built-in defaults underneath user values
//  5. Validate the merged result
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"agent_name", cfg.AgentName,
		"max_concurrent", cfg.Workflow.MaxConcurrent,
		"admit_tier", cfg.Memory.AdmitTier,
		"invariants_enabled", cfg.InvariantsEnabled())

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Warn("No configuration file found, using defaults", "path", path)
	case err != nil:
		return nil, &LoadError{File: path, Err: err}
	default:
		expanded := expandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %w", ErrInvalidYAML, err)}
		}
	}

	// User values win; defaults fill the gaps. mergo dereferences non-nil
	// pointers and would fill an explicit false with the default true, so
	// boolean toggles the user set are dropped from the defaults first.
	defaults := Defaults()
	if cfg.Approval.AutoApproveReadOnly != nil {
		defaults.Approval.AutoApproveReadOnly = nil
	}
	if cfg.Invariants.Enabled != nil {
		defaults.Invariants.Enabled = nil
	}
	if err := mergo.Merge(cfg, defaults); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	return cfg, nil
}
