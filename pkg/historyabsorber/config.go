package historyabsorber

import (
	"github.com/rzpsarthak13/history-absorber/internal/config"
	"github.com/rzpsarthak13/history-absorber/internal/docstore"
	"github.com/rzpsarthak13/history-absorber/internal/source"
)

// Config is the complete history-absorber configuration.
type Config = config.Config

// Section types, re-exported so callers can build a Config in code.
type (
	BatchConfig    = config.BatchConfig
	ShutdownConfig = config.ShutdownConfig
	PollerConfig   = config.PollerConfig
	ServerConfig   = config.ServerConfig
	StoreConfig    = docstore.Config
	RedisConfig    = docstore.RedisConfig
	DynamoDBConfig = docstore.DynamoDBConfig
	MySQLConfig    = docstore.MySQLConfig
	KafkaConfig    = source.Config
)

// DefaultConfig returns a configuration with sensible defaults: an in-memory
// store, batches of 50 records or 30 seconds, and the Kafka source disabled.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig loads configuration from a YAML or JSON file (optional, pass ""
// to skip) and then applies HISTORY_ABSORBER_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ValidateConfig validates the configuration.
func ValidateConfig(cfg *Config) error {
	return config.Validate(cfg)
}
