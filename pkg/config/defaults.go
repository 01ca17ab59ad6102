package config

import (
	"time"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Defaults returns the built-in configuration. User-provided YAML is merged
// on top of this, so every field here is a fallback, not a mandate.
func Defaults() *Config {
	enabled := true
	return &Config{
		AgentName: "milaidy",
		Server: ServerConfig{
			HTTPPort: 8080,
		},
		Trust: TrustConfig{
			Thresholds: TrustThresholds{
				High:       0.75,
				Medium:     0.5,
				Low:        0.25,
				Quarantine: 0.0,
			},
		},
		Memory: MemoryConfig{
			AdmitTier: models.TierMedium,
		},
		DriftMonitor: DriftConfig{
			WindowSize:    10,
			SoftThreshold: 0.35,
			HardThreshold: 0.6,
		},
		Tools: ToolsConfig{
			CheckTimeoutMs: 5000,
		},
		Approval: ApprovalConfig{
			TimeoutMs:           300_000,
			AutoApproveReadOnly: &enabled,
		},
		Workflow: WorkflowConfig{
			MaxConcurrent:    1,
			DefaultTimeoutMs: 30_000,
		},
		EventStore: EventStoreConfig{
			MaxEvents: 10_000,
		},
		Invariants: InvariantsConfig{
			Enabled: &enabled,
		},
		Retention: RetentionConfig{
			EventTTL:        7 * 24 * time.Hour,
			ApprovalLogTTL:  30 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Identity: IdentityConfig{
			Persona:            "helpful personal assistant",
			CommunicationStyle: "concise, friendly",
		},
	}
}
