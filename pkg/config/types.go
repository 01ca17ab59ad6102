// Package config loads, validates, and exposes the kernel configuration.
//
// Configuration is read from kernel.yaml in the config directory, with
// ${ENV_VAR} references expanded before parsing. Missing values are filled
// from built-in defaults; the result is validated before the kernel starts.
package config

import (
	"time"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Config is the fully merged and validated kernel configuration.
type Config struct {
	AgentName string `yaml:"agent_name"`

	Server       ServerConfig     `yaml:"server"`
	Trust        TrustConfig      `yaml:"trust"`
	Memory       MemoryConfig     `yaml:"memory"`
	DriftMonitor DriftConfig      `yaml:"drift_monitor"`
	Tools        ToolsConfig      `yaml:"tools"`
	Approval     ApprovalConfig   `yaml:"approval"`
	Workflow     WorkflowConfig   `yaml:"workflow"`
	EventStore   EventStoreConfig `yaml:"event_store"`
	Invariants   InvariantsConfig `yaml:"invariants"`
	Retention    RetentionConfig  `yaml:"retention"`
	Identity     IdentityConfig   `yaml:"identity"`
}

// ServerConfig holds the HTTP/WebSocket server settings.
type ServerConfig struct {
	HTTPPort         int      `yaml:"http_port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// TrustThresholds are the tier cutoffs, applied top-down: a score at or above
// High is high-tier, and so on. Values must be strictly decreasing.
type TrustThresholds struct {
	High       float64 `yaml:"high"`
	Medium     float64 `yaml:"medium"`
	Low        float64 `yaml:"low"`
	Quarantine float64 `yaml:"quarantine"`
}

// TrustConfig holds trust-scorer settings.
type TrustConfig struct {
	Thresholds TrustThresholds `yaml:"thresholds"`
	// TrustedSources are sources whose facts get full source-trust credit
	// (1.0 on the source_trust signal; any other source scores 0.9).
	TrustedSources []string `yaml:"trusted_sources"`
}

// MemoryConfig holds memory-gate settings.
type MemoryConfig struct {
	// AdmitTier is the minimum tier for a candidate to be committed.
	AdmitTier models.TrustTier `yaml:"admit_tier"`
}

// DriftConfig holds persona-drift monitoring settings.
type DriftConfig struct {
	WindowSize    int     `yaml:"window_size"`
	SoftThreshold float64 `yaml:"soft_threshold"`
	HardThreshold float64 `yaml:"hard_threshold"`
}

// ToolsConfig holds tool execution settings.
type ToolsConfig struct {
	// CheckTimeoutMs bounds any single post-condition or invariant check.
	CheckTimeoutMs int `yaml:"check_timeout_ms"`
}

// ApprovalConfig holds approval-gate settings. AutoApproveReadOnly is a
// pointer so an explicit false survives the defaults merge.
type ApprovalConfig struct {
	TimeoutMs           int      `yaml:"timeout_ms"`
	AutoApproveReadOnly *bool    `yaml:"auto_approve_read_only"`
	AutoApproveSources  []string `yaml:"auto_approve_sources"`
}

// WorkflowConfig holds execution-pipeline settings.
type WorkflowConfig struct {
	MaxConcurrent    int `yaml:"max_concurrent"`
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
}

// EventStoreConfig bounds the event store. At least one bound must be set.
type EventStoreConfig struct {
	MaxEvents   int   `yaml:"max_events"`
	RetentionMs int64 `yaml:"retention_ms"`
}

// InvariantsConfig toggles the invariant checker.
type InvariantsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// RetentionConfig drives the background cleanup service for persistent stores.
type RetentionConfig struct {
	EventTTL        time.Duration `yaml:"event_ttl"`
	ApprovalLogTTL  time.Duration `yaml:"approval_log_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// IdentityConfig seeds the initial identity descriptor at first start.
type IdentityConfig struct {
	Persona            string            `yaml:"persona"`
	CommunicationStyle string            `yaml:"communication_style"`
	SoftPreferences    map[string]string `yaml:"soft_preferences"`
	HardConstraints    []string          `yaml:"hard_constraints"`
}

// AutoApproveReadOnly reports whether the auto-if-read-only shortcut is
// enabled (default on).
func (c *Config) AutoApproveReadOnly() bool {
	return c.Approval.AutoApproveReadOnly == nil || *c.Approval.AutoApproveReadOnly
}

// InvariantsEnabled reports whether the invariant checker is on (default on).
func (c *Config) InvariantsEnabled() bool {
	return c.Invariants.Enabled == nil || *c.Invariants.Enabled
}

// ApprovalTimeout returns the approval wait as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutMs) * time.Millisecond
}

// CheckTimeout returns the per-check timeout as a duration.
func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.Tools.CheckTimeoutMs) * time.Millisecond
}

// DefaultToolTimeout returns the default tool deadline as a duration.
func (c *Config) DefaultToolTimeout() time.Duration {
	return time.Duration(c.Workflow.DefaultTimeoutMs) * time.Millisecond
}

// EventRetention returns the event-store age horizon (0 = unbounded by age).
func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.EventStore.RetentionMs) * time.Millisecond
}
