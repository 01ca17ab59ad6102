package config

import (
	"errors"
	"fmt"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// validate checks the merged configuration. All problems are collected so the
// operator sees every issue in one pass.
func validate(cfg *Config) error {
	var errs []error

	if cfg.AgentName == "" {
		errs = append(errs, NewValidationError("agent", "agent_name", ErrMissingRequiredField))
	}

	// Trust tier cutoffs must be strictly decreasing.
	t := cfg.Trust.Thresholds
	if !(t.High > t.Medium && t.Medium > t.Low && t.Low > t.Quarantine) {
		errs = append(errs, NewValidationError("trust", "thresholds",
			fmt.Errorf("%w: cutoffs must be strictly decreasing (high > medium > low > quarantine), got %.2f/%.2f/%.2f/%.2f",
				ErrInvalidValue, t.High, t.Medium, t.Low, t.Quarantine)))
	}
	if t.High > 1 || t.Quarantine < 0 {
		errs = append(errs, NewValidationError("trust", "thresholds",
			fmt.Errorf("%w: cutoffs must lie in [0,1]", ErrInvalidValue)))
	}

	if !cfg.Memory.AdmitTier.IsValid() {
		errs = append(errs, NewValidationError("memory", "admit_tier",
			fmt.Errorf("%w: %q", ErrInvalidValue, cfg.Memory.AdmitTier)))
	} else if cfg.Memory.AdmitTier == models.TierQuarantine {
		errs = append(errs, NewValidationError("memory", "admit_tier",
			fmt.Errorf("%w: admit tier cannot be quarantine", ErrInvalidValue)))
	}

	if cfg.DriftMonitor.WindowSize < 1 {
		errs = append(errs, NewValidationError("drift_monitor", "window_size",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	if cfg.DriftMonitor.SoftThreshold >= cfg.DriftMonitor.HardThreshold {
		errs = append(errs, NewValidationError("drift_monitor", "soft_threshold",
			fmt.Errorf("%w: soft threshold must be below hard threshold", ErrInvalidValue)))
	}

	if cfg.Tools.CheckTimeoutMs <= 0 {
		errs = append(errs, NewValidationError("tools", "check_timeout_ms",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if cfg.Approval.TimeoutMs <= 0 {
		errs = append(errs, NewValidationError("approval", "timeout_ms",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if cfg.Workflow.MaxConcurrent < 1 {
		errs = append(errs, NewValidationError("workflow", "max_concurrent",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	if cfg.Workflow.DefaultTimeoutMs <= 0 {
		errs = append(errs, NewValidationError("workflow", "default_timeout_ms",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}

	// The event store needs at least one bound or it grows without limit.
	if cfg.EventStore.MaxEvents <= 0 && cfg.EventStore.RetentionMs <= 0 {
		errs = append(errs, NewValidationError("event_store", "",
			fmt.Errorf("%w: at least one of max_events or retention_ms must be set", ErrMissingRequiredField)))
	}

	if cfg.Server.HTTPPort < 1 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, NewValidationError("server", "http_port",
			fmt.Errorf("%w: must be a valid port", ErrInvalidValue)))
	}

	return errors.Join(errs...)
}
