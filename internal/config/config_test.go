package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0.15, cfg.Workers.EvolutionRate)
	assert.Equal(t, 0.60, cfg.Experiments.ProposalConfidenceThreshold)
	assert.Equal(t, 0.8, cfg.Conflict.ConfidenceThreshold)
	assert.NoError(t, cfg.Validate(), "default config should validate")
}

func TestHalfLivesAreConfiguration(t *testing.T) {
	cfg := DefaultConfig()

	// Ephemeral context enrichment decays in hours; durable patterns in weeks.
	assert.Equal(t, 6*time.Hour, cfg.HalfLifeFor("context_enrichment"))
	assert.Equal(t, 336*time.Hour, cfg.HalfLifeFor("risk_pattern"))
	assert.Equal(t, cfg.DefaultHalfLife(), cfg.HalfLifeFor("unknown_type"),
		"unknown type should use the default half-life")
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "hivemind", cfg.Name)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
workers:
  evolution_rate: 0.25
  defaults:
    cycle_interval: 10s
    knowledge_interval: 45s
bus:
  types:
    risk_pattern:
      half_life: 24h
      validation_required: true
conflict:
  auto_resolve: false
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.25, cfg.Workers.EvolutionRate)
	cycle, knowledge := cfg.ScheduleFor("risk_scanner")
	assert.Equal(t, 10*time.Second, cycle)
	assert.Equal(t, 45*time.Second, knowledge)
	assert.Equal(t, 24*time.Hour, cfg.HalfLifeFor("risk_pattern"))
	assert.False(t, cfg.Conflict.AutoResolve, "auto_resolve should be overridden to false")
}

func TestScheduleForPerWorkerOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers.Schedules["pattern_miner"] = WorkerSchedule{CycleInterval: "90s"}

	cycle, knowledge := cfg.ScheduleFor("pattern_miner")
	assert.Equal(t, 90*time.Second, cycle)
	// Knowledge interval falls back to defaults.
	assert.Equal(t, 2*time.Minute, knowledge)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers.EvolutionRate = 1.5
	assert.Error(t, cfg.Validate(), "evolution_rate > 1 should be rejected")

	cfg = DefaultConfig()
	cfg.Storage.DatabasePath = ""
	assert.Error(t, cfg.Validate(), "empty database path should be rejected")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIVEMIND_DB", "/tmp/other.db")
	t.Setenv("HIVEMIND_EVOLUTION_RATE", "0.05")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/other.db", cfg.Storage.DatabasePath)
	assert.Equal(t, 0.05, cfg.Workers.EvolutionRate)
}
