package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))
	return dir
}

func TestInitializeDefaults(t *testing.T) {
	// Missing file means pure defaults.
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "milaidy", cfg.AgentName)
	assert.Equal(t, 1, cfg.Workflow.MaxConcurrent)
	assert.True(t, cfg.InvariantsEnabled())
	assert.True(t, cfg.AutoApproveReadOnly())
	assert.InDelta(t, 0.75, cfg.Trust.Thresholds.High, 1e-9)
}

func TestInitializeUserOverrides(t *testing.T) {
	dir := writeConfig(t, `
agent_name: custom
approval:
  timeout_ms: 50
  auto_approve_read_only: false
workflow:
  max_concurrent: 3
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "custom", cfg.AgentName)
	assert.Equal(t, 50, cfg.Approval.TimeoutMs)
	assert.False(t, cfg.AutoApproveReadOnly())
	assert.Equal(t, 3, cfg.Workflow.MaxConcurrent)
	// Untouched sections still get defaults.
	assert.Equal(t, 10, cfg.DriftMonitor.WindowSize)
}

func TestInitializeEnvExpansion(t *testing.T) {
	t.Setenv("MILAIDY_AGENT_NAME", "from-env")
	dir := writeConfig(t, "agent_name: ${MILAIDY_AGENT_NAME}\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.AgentName)
}

func TestInitializeRejectsBadThresholds(t *testing.T) {
	dir := writeConfig(t, `
trust:
  thresholds:
    high: 0.5
    medium: 0.75
    low: 0.25
    quarantine: 0.0
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "strictly decreasing")
}

func TestValidateRejectsUnboundedEventStore(t *testing.T) {
	// The defaults always carry a count bound, so an unbounded store can
	// only appear in programmatic configs.
	cfg := Defaults()
	cfg.EventStore.MaxEvents = 0
	cfg.EventStore.RetentionMs = 0
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_events or retention_ms")
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "agent_name: [unclosed\n")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestValidateRejectsQuarantineAdmitTier(t *testing.T) {
	cfg := Defaults()
	cfg.Memory.AdmitTier = "quarantine"
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admit tier")
}

func TestValidateRejectsSoftAboveHard(t *testing.T) {
	cfg := Defaults()
	cfg.DriftMonitor.SoftThreshold = 0.9
	cfg.DriftMonitor.HardThreshold = 0.6
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soft threshold")
}
