// Package config loads and validates hivemind configuration.
// Configuration is read from .hivemind/config.yaml with environment
// variable overrides; missing files fall back to defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all hivemind configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Worker scheduling
	Workers WorkersConfig `yaml:"workers"`

	// Knowledge bus
	Bus BusConfig `yaml:"bus"`

	// Conflict engine
	Conflict ConflictConfig `yaml:"conflict"`

	// Experiment coordination
	Experiments ExperimentsConfig `yaml:"experiments"`

	// Language-model advisor
	Advisor AdvisorConfig `yaml:"advisor"`

	// Persistence
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// WorkersConfig configures the worker scheduling loops.
type WorkersConfig struct {
	// Enabled lists the worker names the controller starts. Empty = all
	// registered workers.
	Enabled []string `yaml:"enabled"`

	// EvolutionRate is the probability that a cycle runs experimental
	// rather than production logic.
	EvolutionRate float64 `yaml:"evolution_rate"`

	// StatsPersistEvery persists worker stats every N cycles.
	StatsPersistEvery int `yaml:"stats_persist_every"`

	// ConflictScanEvery triggers a per-worker conflict pass every N cycles.
	ConflictScanEvery int `yaml:"conflict_scan_every"`

	// Defaults apply to workers without an explicit schedule entry.
	Defaults WorkerSchedule `yaml:"defaults"`

	// Schedules overrides per worker name.
	Schedules map[string]WorkerSchedule `yaml:"schedules"`
}

// WorkerSchedule holds the cadence of a single worker.
type WorkerSchedule struct {
	// CycleInterval is the nominal gap between cycles (jittered ±10%).
	CycleInterval string `yaml:"cycle_interval"`

	// KnowledgeInterval is the coarser cadence for bus exchange.
	KnowledgeInterval string `yaml:"knowledge_interval"`
}

// BusConfig configures the knowledge bus.
type BusConfig struct {
	// QueueCapacity bounds each worker's inbound queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// DefaultFreshnessSlack: when a payload carries neither confidence nor
	// relevance, the write-time freshness floor is 1.0 - slack.
	DefaultFreshnessSlack float64 `yaml:"default_freshness_slack"`

	// ReceiveRetry is the short wait before the second (final) pop attempt.
	ReceiveRetry string `yaml:"receive_retry"`

	// DefaultHalfLife applies to knowledge types without a registry entry.
	DefaultHalfLife string `yaml:"default_half_life"`

	// RecentWindow bounds the per-worker recent received/broadcast lists.
	RecentWindow int `yaml:"recent_window"`

	// Types declares the knowledge type registry. Half-lives are
	// configuration, not code constants: ephemeral context enrichment
	// decays in hours, durable risk/fix patterns in weeks.
	Types map[string]BusTypeConfig `yaml:"types"`
}

// BusTypeConfig is the per-knowledge-type registry entry.
type BusTypeConfig struct {
	HalfLife           string   `yaml:"half_life"`
	ValidationRequired bool     `yaml:"validation_required"`
	Interested         []string `yaml:"interested"`
}

// ConflictConfig configures the conflict engine and its batch cycle.
type ConflictConfig struct {
	// AutoResolve resolves detected conflicts immediately during runCycle.
	AutoResolve bool `yaml:"auto_resolve"`

	// ConfidenceThreshold gates which analyses the batch cycle acts on.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// BatchSize is the number of recent unresolved items pulled per cycle.
	BatchSize int `yaml:"batch_size"`

	// SampleSize bounds the other-worker comparison set per item.
	SampleSize int `yaml:"sample_size"`

	// CycleInterval is the cadence of the auto conflict manager.
	CycleInterval string `yaml:"cycle_interval"`
}

// ExperimentsConfig configures the experiment coordinator.
type ExperimentsConfig struct {
	// ProposalConfidenceThreshold rejects advisor proposals below this
	// confidence, independent of the advisor's own judgment.
	ProposalConfidenceThreshold float64 `yaml:"proposal_confidence_threshold"`
}

// AdvisorConfig configures the language-model advisor.
type AdvisorConfig struct {
	Provider string `yaml:"provider"` // gemini, static
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Name:    "hivemind",
		Version: "0.3.0",

		Workers: WorkersConfig{
			EvolutionRate:     0.15,
			StatsPersistEvery: 10,
			ConflictScanEvery: 5,
			Defaults: WorkerSchedule{
				CycleInterval:     "30s",
				KnowledgeInterval: "2m",
			},
			Schedules: map[string]WorkerSchedule{},
		},

		Bus: BusConfig{
			QueueCapacity:         256,
			DefaultFreshnessSlack: 0.3,
			ReceiveRetry:          "50ms",
			DefaultHalfLife:       "72h",
			RecentWindow:          10,
			Types: map[string]BusTypeConfig{
				"risk_pattern": {
					HalfLife:           "336h", // two weeks: durable
					ValidationRequired: true,
				},
				"fix_pattern": {
					HalfLife:           "168h", // one week
					ValidationRequired: true,
				},
				"decision": {
					HalfLife:           "72h",
					ValidationRequired: true,
				},
				"context_enrichment": {
					HalfLife:           "6h", // ephemeral
					ValidationRequired: false,
				},
				"experiment_insight": {
					HalfLife:           "72h",
					ValidationRequired: false,
				},
			},
		},

		Conflict: ConflictConfig{
			AutoResolve:         true,
			ConfidenceThreshold: 0.8,
			BatchSize:           25,
			SampleSize:          10,
			CycleInterval:       "5m",
		},

		Experiments: ExperimentsConfig{
			ProposalConfidenceThreshold: 0.60,
		},

		Advisor: AdvisorConfig{
			Provider: "static",
			Model:    "gemini-2.0-flash",
			Timeout:  "30s",
		},

		Storage: StorageConfig{
			DatabasePath: ".hivemind/hivemind.db",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Advisor.APIKey = key
		c.Advisor.Provider = "gemini"
	}
	if path := os.Getenv("HIVEMIND_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if rate := os.Getenv("HIVEMIND_EVOLUTION_RATE"); rate != "" {
		var v float64
		if _, err := fmt.Sscanf(rate, "%f", &v); err == nil && v >= 0 && v <= 1 {
			c.Workers.EvolutionRate = v
		}
	}
}

// Validate checks invariant-bearing fields.
func (c *Config) Validate() error {
	if c.Workers.EvolutionRate < 0 || c.Workers.EvolutionRate > 1 {
		return fmt.Errorf("workers.evolution_rate must be in [0,1], got %v", c.Workers.EvolutionRate)
	}
	if c.Conflict.ConfidenceThreshold < 0 || c.Conflict.ConfidenceThreshold > 1 {
		return fmt.Errorf("conflict.confidence_threshold must be in [0,1], got %v", c.Conflict.ConfidenceThreshold)
	}
	if c.Experiments.ProposalConfidenceThreshold < 0 || c.Experiments.ProposalConfidenceThreshold > 1 {
		return fmt.Errorf("experiments.proposal_confidence_threshold must be in [0,1], got %v", c.Experiments.ProposalConfidenceThreshold)
	}
	if c.Bus.DefaultFreshnessSlack < 0 || c.Bus.DefaultFreshnessSlack > 1 {
		return fmt.Errorf("bus.default_freshness_slack must be in [0,1], got %v", c.Bus.DefaultFreshnessSlack)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	return nil
}

// durationOr parses s, returning fallback on empty or invalid input.
func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ScheduleFor returns the effective cadence for a worker.
func (c *Config) ScheduleFor(workerName string) (cycle, knowledge time.Duration) {
	sched := c.Workers.Defaults
	if s, ok := c.Workers.Schedules[workerName]; ok {
		if s.CycleInterval != "" {
			sched.CycleInterval = s.CycleInterval
		}
		if s.KnowledgeInterval != "" {
			sched.KnowledgeInterval = s.KnowledgeInterval
		}
	}
	cycle = durationOr(sched.CycleInterval, 30*time.Second)
	knowledge = durationOr(sched.KnowledgeInterval, 2*time.Minute)
	return cycle, knowledge
}

// HalfLifeFor returns the decay half-life for a knowledge type.
func (c *Config) HalfLifeFor(knowledgeType string) time.Duration {
	if t, ok := c.Bus.Types[knowledgeType]; ok {
		return durationOr(t.HalfLife, c.DefaultHalfLife())
	}
	return c.DefaultHalfLife()
}

// DefaultHalfLife returns the fallback decay half-life.
func (c *Config) DefaultHalfLife() time.Duration {
	return durationOr(c.Bus.DefaultHalfLife, 72*time.Hour)
}

// ReceiveRetry returns the bus receive retry wait.
func (c *Config) ReceiveRetry() time.Duration {
	return durationOr(c.Bus.ReceiveRetry, 50*time.Millisecond)
}

// ConflictCycleInterval returns the auto conflict manager cadence.
func (c *Config) ConflictCycleInterval() time.Duration {
	return durationOr(c.Conflict.CycleInterval, 5*time.Minute)
}

// AdvisorTimeout returns the advisor call timeout.
func (c *Config) AdvisorTimeout() time.Duration {
	return durationOr(c.Advisor.Timeout, 30*time.Second)
}
