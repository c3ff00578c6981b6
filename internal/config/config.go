// Package config loads and validates the history-absorber configuration
// from YAML/JSON files and HISTORY_ABSORBER_* environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	json "github.com/goccy/go-json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/rzpsarthak13/history-absorber/internal/batch"
	"github.com/rzpsarthak13/history-absorber/internal/core"
	"github.com/rzpsarthak13/history-absorber/internal/docstore"
	"github.com/rzpsarthak13/history-absorber/internal/lifecycle"
	"github.com/rzpsarthak13/history-absorber/internal/poller"
	"github.com/rzpsarthak13/history-absorber/internal/source"
	"github.com/rzpsarthak13/history-absorber/internal/update"
)

// EnvPrefix is the prefix of environment overrides. Sections are separated
// by a double underscore: HISTORY_ABSORBER_BATCH__MAX_BATCH_SIZE=100.
const EnvPrefix = "HISTORY_ABSORBER_"

// Config is the complete configuration.
type Config struct {
	Store    docstore.Config `yaml:"store" json:"store"`
	Batch    BatchConfig     `yaml:"batch" json:"batch"`
	Shutdown ShutdownConfig  `yaml:"shutdown" json:"shutdown"`
	Poller   PollerConfig    `yaml:"poller" json:"poller"`
	Source   source.Config   `yaml:"source" json:"source"`
	Server   ServerConfig    `yaml:"server" json:"server"`
}

// BatchConfig configures the accumulator and the age scheduler.
type BatchConfig struct {
	MaxBatchSize  int           `yaml:"max_batch_size" json:"max_batch_size"`
	MaxBatchAge   time.Duration `yaml:"max_batch_age" json:"max_batch_age"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	HistoryPath   string        `yaml:"history_path" json:"history_path"`
	HistoryLimit  int           `yaml:"history_limit" json:"history_limit"`
	WriteTimeout  time.Duration `yaml:"write_timeout" json:"write_timeout"`
	FlushRate     float64       `yaml:"flush_rate" json:"flush_rate"`
}

// ShutdownConfig configures the drain on stop.
type ShutdownConfig struct {
	DrainAttempts int           `yaml:"drain_attempts" json:"drain_attempts"`
	DrainBackoff  time.Duration `yaml:"drain_backoff" json:"drain_backoff"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

// PollerConfig configures the player health poller.
type PollerConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Interval     time.Duration `yaml:"interval" json:"interval"`
	StaggerEvery int           `yaml:"stagger_every" json:"stagger_every"`
	StaggerPause time.Duration `yaml:"stagger_pause" json:"stagger_pause"`
	MemberTTL    time.Duration `yaml:"member_ttl" json:"member_ttl"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	acc := batch.DefaultAccumulatorConfig()
	sched := batch.DefaultSchedulerConfig()
	drain := lifecycle.DefaultConfig()
	poll := poller.DefaultConfig()

	return &Config{
		Store: docstore.DefaultConfig(),
		Batch: BatchConfig{
			MaxBatchSize:  acc.Policy.MaxBatchSize,
			MaxBatchAge:   acc.Policy.MaxBatchAge,
			SweepInterval: sched.SweepInterval,
			HistoryPath:   acc.HistoryPath,
			HistoryLimit:  acc.HistoryLimit,
			WriteTimeout:  acc.WriteTimeout,
			FlushRate:     sched.FlushRate,
		},
		Shutdown: ShutdownConfig{
			DrainAttempts: drain.DrainAttempts,
			DrainBackoff:  drain.DrainBackoff,
			Timeout:       30 * time.Second,
		},
		Poller: PollerConfig{
			Enabled:      true,
			Interval:     poll.Interval,
			StaggerEvery: poll.StaggerEvery,
			StaggerPause: poll.StaggerPause,
			MemberTTL:    poll.MemberTTL,
		},
		Source: source.DefaultConfig(),
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Accumulator returns the accumulator configuration.
func (c BatchConfig) Accumulator() batch.AccumulatorConfig {
	return batch.AccumulatorConfig{
		Policy:       core.FlushPolicy{MaxBatchSize: c.MaxBatchSize, MaxBatchAge: c.MaxBatchAge},
		HistoryPath:  c.HistoryPath,
		HistoryLimit: c.HistoryLimit,
		WriteTimeout: c.WriteTimeout,
	}
}

// Scheduler returns the scheduler configuration.
func (c BatchConfig) Scheduler() batch.SchedulerConfig {
	return batch.SchedulerConfig{SweepInterval: c.SweepInterval, FlushRate: c.FlushRate}
}

// Lifecycle returns the coordinator configuration.
func (c ShutdownConfig) Lifecycle() lifecycle.Config {
	return lifecycle.Config{DrainAttempts: c.DrainAttempts, DrainBackoff: c.DrainBackoff}
}

// Settings returns the poller configuration.
func (c PollerConfig) Settings() poller.Config {
	return poller.Config{
		Interval:     c.Interval,
		StaggerEvery: c.StaggerEvery,
		StaggerPause: c.StaggerPause,
		MemberTTL:    c.MemberTTL,
	}
}

// Manager handles loading configuration from various sources. Each Load
// call starts from the current configuration, so a file can be loaded first
// and overridden by the environment.
type Manager struct {
	config *Config
}

// NewManager creates a manager holding the default configuration.
func NewManager() *Manager {
	return &Manager{config: Default()}
}

// Config returns the current configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// LoadFromFile loads configuration from a YAML or JSON file.
// The file format is determined by the file extension (.yaml, .yml, or .json).
func (m *Manager) LoadFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		return m.LoadFromYAML(data)
	case ".json":
		return m.LoadFromJSON(data)
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
}

// LoadFromYAML loads configuration from YAML data. Durations are written as
// Go duration strings ("30s").
func (m *Manager) LoadFromYAML(data []byte) error {
	cfg := m.copy()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	return m.set(cfg)
}

// LoadFromJSON loads configuration from JSON data. Durations are integer
// nanoseconds.
func (m *Manager) LoadFromJSON(data []byte) error {
	cfg := m.copy()
	if len(data) > 0 {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}
	return m.set(cfg)
}

// LoadFromEnv overlays HISTORY_ABSORBER_* environment variables. Keys use
// "__" between sections and the yaml field names inside them:
//
//	HISTORY_ABSORBER_STORE__TYPE=redis
//	HISTORY_ABSORBER_STORE__REDIS__ENDPOINTS=localhost:6379,localhost:6380
//	HISTORY_ABSORBER_BATCH__MAX_BATCH_AGE=45s
//	HISTORY_ABSORBER_SOURCE__ENABLED=true
func (m *Manager) LoadFromEnv() error {
	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return fmt.Errorf("failed to load env vars: %w", err)
	}

	cfg := m.copy()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           cfg,
			WeaklyTypedInput: true,
			ZeroFields:       true,
		},
	}); err != nil {
		return fmt.Errorf("failed to decode env vars: %w", err)
	}
	return m.set(cfg)
}

func (m *Manager) copy() *Config {
	cfg := *m.config
	return &cfg
}

func (m *Manager) set(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	m.config = cfg
	return nil
}

// Load reads path (if not empty) and then the environment.
func Load(path string) (*Config, error) {
	m := NewManager()
	if path != "" {
		if err := m.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := m.LoadFromEnv(); err != nil {
		return nil, err
	}
	return m.Config(), nil
}

// Validate validates the configuration and returns the first problem found.
// The store section is validated by the factory registered for store.type.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := docstore.Validate(cfg.Store); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}

	b := cfg.Batch
	if b.MaxBatchSize <= 0 {
		return fmt.Errorf("batch.max_batch_size must be greater than 0")
	}
	if b.MaxBatchAge <= 0 {
		return fmt.Errorf("batch.max_batch_age must be greater than 0")
	}
	if b.SweepInterval <= 0 || b.SweepInterval > b.MaxBatchAge {
		return fmt.Errorf("batch.sweep_interval must be in (0, max_batch_age], got: %v", b.SweepInterval)
	}
	if err := update.ValidatePath(b.HistoryPath); err != nil {
		return fmt.Errorf("batch.history_path: %w", err)
	}
	if b.HistoryLimit == math.MinInt {
		return fmt.Errorf("batch.history_limit out of range")
	}
	if b.WriteTimeout < 0 {
		return fmt.Errorf("batch.write_timeout must be non-negative")
	}
	if b.FlushRate < 0 {
		return fmt.Errorf("batch.flush_rate must be non-negative")
	}

	if cfg.Shutdown.DrainAttempts <= 0 {
		return fmt.Errorf("shutdown.drain_attempts must be greater than 0")
	}
	if cfg.Shutdown.DrainBackoff < 0 {
		return fmt.Errorf("shutdown.drain_backoff must be non-negative")
	}
	if cfg.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be greater than 0")
	}

	if p := cfg.Poller; p.Enabled {
		if p.Interval <= 0 {
			return fmt.Errorf("poller.interval must be greater than 0")
		}
		if p.StaggerEvery <= 0 {
			return fmt.Errorf("poller.stagger_every must be greater than 0")
		}
		if p.StaggerPause < 0 || p.MemberTTL < 0 {
			return fmt.Errorf("poller.stagger_pause and poller.member_ttl must be non-negative")
		}
	}

	if err := cfg.Source.Validate(); err != nil {
		return fmt.Errorf("source validation failed: %w", err)
	}

	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}
