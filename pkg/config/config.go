// Package config provides configuration loading, validation, and management
// for the coordination core.
//
// A single global Config instance is maintained in memory, protected by a
// mutex. GetConfig() returns the config BY VALUE so callers cannot mutate
// shared state; all updates go through LoadConfig. Validation runs before the
// config becomes visible: invalid files are rejected with an
// InvalidConfiguration error and the previous config stays in effect.
package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"coordinator/pkg/coorderr"
	"coordinator/pkg/logx"
	"coordinator/pkg/proto"
)

// AgentConfig declares one pool agent.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Provider     string   `yaml:"provider"`
	Capabilities []string `yaml:"capabilities"`
	MaxLoad      int      `yaml:"max_load"`
}

// AssignmentConfig tunes the pool scoring function.
type AssignmentConfig struct {
	LoadPenaltyPerTask float64 `yaml:"load_penalty_per_task"`
	LoadPenaltyCap     float64 `yaml:"load_penalty_cap"`
	RecencyBonus       float64 `yaml:"recency_bonus"`
	RecencyWindow      string  `yaml:"recency_window"`
}

// LockConfig tunes the file lock manager.
type LockConfig struct {
	TTL           string `yaml:"ttl"`            // empty disables TTL expiry
	SweepInterval string `yaml:"sweep_interval"` // how often the expiry sweep runs
}

// ExecutorConfig tunes the executor boundary.
type ExecutorConfig struct {
	Deadline string `yaml:"deadline"` // max wait for a completion callback
}

// CheckConfig declares a quality gate check.
type CheckConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"` // empty means a registered built-in
	Args    []string `yaml:"args"`
	FixArgs []string `yaml:"fix_args"` // empty means the check cannot auto-fix
	Timeout string   `yaml:"timeout"`
}

// GatesConfig tunes the quality gate runner.
type GatesConfig struct {
	Checks      []CheckConfig `yaml:"checks"`
	Parallelism int           `yaml:"parallelism"` // 0 = number of requested checks
}

// MetricsConfig tunes the metrics aggregator.
type MetricsConfig struct {
	PrometheusURL string  `yaml:"prometheus_url"` // empty disables query enrichment
	EWMAAlpha     float64 `yaml:"ewma_alpha"`
}

// Config is the root configuration for the coordination core.
type Config struct {
	Agents      []AgentConfig    `yaml:"agents"`
	Assignment  AssignmentConfig `yaml:"assignment"`
	Locks       LockConfig       `yaml:"locks"`
	Executor    ExecutorConfig   `yaml:"executor"`
	Gates       GatesConfig      `yaml:"gates"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	EventLogDir string           `yaml:"event_log_dir"`
	ArchiveDB   string           `yaml:"archive_db"`
	ListenAddr  string           `yaml:"listen_addr"`
}

//nolint:gochecknoglobals // intentional singleton pattern for config management
var (
	config *Config
	mu     sync.RWMutex
	logger = logx.NewLogger("config")
)

// DefaultConfig returns the built-in configuration used when no file is
// provided. The defaults keep every subsystem functional for tests and
// local runs.
func DefaultConfig() Config {
	return Config{
		Assignment: AssignmentConfig{
			LoadPenaltyPerTask: 0.1,
			LoadPenaltyCap:     0.5,
			RecencyBonus:       0.05,
			RecencyWindow:      "10m",
		},
		Locks: LockConfig{
			TTL:           "30m",
			SweepInterval: "1m",
		},
		Executor: ExecutorConfig{
			Deadline: "10m",
		},
		Gates: GatesConfig{
			Parallelism: 0,
		},
		Metrics: MetricsConfig{
			EWMAAlpha: 0.2,
		},
		EventLogDir: "logs",
		ArchiveDB:   "coordination.db",
		ListenAddr:  ":8090",
	}
}

// LoadConfig reads, validates, and installs the configuration from a YAML
// file. An empty path installs the defaults.
func LoadConfig(path string) error {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return coorderr.Wrap(coorderr.KindInvalidConfiguration, err, "failed to read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return coorderr.Wrap(coorderr.KindInvalidConfiguration, err, "failed to parse config file %s", path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	mu.Lock()
	config = &cfg
	mu.Unlock()

	logger.Info("Configuration loaded (%d agents, %d checks)", len(cfg.Agents), len(cfg.Gates.Checks))
	return nil
}

// GetConfig returns the current configuration by value. LoadConfig must have
// been called first.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil {
		return Config{}, coorderr.New(coorderr.KindInvalidConfiguration, "config not loaded; call LoadConfig first")
	}
	return *config, nil
}

// Validate rejects configurations the subsystems cannot honor.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		agent := &c.Agents[i]
		if agent.ID == "" {
			return coorderr.New(coorderr.KindInvalidConfiguration, "agent %d: id is required", i)
		}
		if seen[agent.ID] {
			return coorderr.New(coorderr.KindInvalidConfiguration, "duplicate agent id %q", agent.ID)
		}
		seen[agent.ID] = true
		if len(agent.Capabilities) == 0 {
			return coorderr.New(coorderr.KindInvalidConfiguration, "agent %q: at least one capability is required", agent.ID)
		}
		for _, cap := range agent.Capabilities {
			if _, err := proto.ParseCapability(cap); err != nil {
				return coorderr.Wrap(coorderr.KindInvalidConfiguration, err, "agent %q: bad capability", agent.ID)
			}
		}
		if agent.MaxLoad < 0 {
			return coorderr.New(coorderr.KindInvalidConfiguration, "agent %q: max_load cannot be negative", agent.ID)
		}
	}

	if c.Assignment.LoadPenaltyPerTask < 0 || c.Assignment.LoadPenaltyCap < 0 {
		return coorderr.New(coorderr.KindInvalidConfiguration, "assignment penalties cannot be negative")
	}
	if c.Metrics.EWMAAlpha <= 0 || c.Metrics.EWMAAlpha > 1 {
		return coorderr.New(coorderr.KindInvalidConfiguration, "metrics.ewma_alpha must be in (0, 1], got %v", c.Metrics.EWMAAlpha)
	}
	if c.Gates.Parallelism < 0 {
		return coorderr.New(coorderr.KindInvalidConfiguration, "gates.parallelism cannot be negative")
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"locks.ttl", c.Locks.TTL},
		{"locks.sweep_interval", c.Locks.SweepInterval},
		{"executor.deadline", c.Executor.Deadline},
		{"assignment.recency_window", c.Assignment.RecencyWindow},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return coorderr.Wrap(coorderr.KindInvalidConfiguration, err, "%s: bad duration %q", field.name, field.value)
		}
	}

	for i := range c.Gates.Checks {
		check := &c.Gates.Checks[i]
		if check.Name == "" {
			return coorderr.New(coorderr.KindInvalidConfiguration, "gates.checks[%d]: name is required", i)
		}
		if check.Timeout != "" {
			if _, err := time.ParseDuration(check.Timeout); err != nil {
				return coorderr.Wrap(coorderr.KindInvalidConfiguration, err, "check %q: bad timeout", check.Name)
			}
		}
	}

	return nil
}

// Duration parses a duration field, falling back to a default when the field
// is empty. Validation guarantees non-empty fields parse.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Reset clears the installed configuration. Test helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	config = nil
}
