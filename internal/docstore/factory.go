// Package docstore provides the document stores batched history is written
// to, and a registry that selects one by configuration type.
package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzpsarthak13/history-absorber/internal/core"
)

// Factory is the strategy interface for creating document stores. Each
// backend registers one from its init function.
type Factory interface {
	// Create creates a new store based on the provided configuration.
	Create(ctx context.Context, config Config) (core.DocumentStore, error)

	// Type returns the type identifier for this factory (e.g. "redis").
	Type() string

	// Validate validates the configuration specific to this store type.
	Validate(config Config) error
}

// Config selects and configures the document store.
type Config struct {
	Type     string         `yaml:"type" json:"type"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb" json:"dynamodb"`
	MySQL    MySQLConfig    `yaml:"mysql" json:"mysql"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Endpoints    []string      `yaml:"endpoints" json:"endpoints"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix" json:"key_prefix"`
}

// DynamoDBConfig configures the DynamoDB store.
type DynamoDBConfig struct {
	Region          string `yaml:"region" json:"region"`
	TableName       string `yaml:"table_name" json:"table_name"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"` // optional, for LocalStack
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
	ConflictRetries int    `yaml:"conflict_retries" json:"conflict_retries"`
}

// MySQLConfig configures the MySQL store.
type MySQLConfig struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	Database          string        `yaml:"database" json:"database"`
	Username          string        `yaml:"username" json:"username"`
	Password          string        `yaml:"password" json:"password"`
	Table             string        `yaml:"table" json:"table"`
	MaxOpenConns      int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns      int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime   time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	CreateTable       bool          `yaml:"create_table" json:"create_table"`
}

// DefaultConfig returns an in-memory store configuration with sensible
// defaults filled in for the other backends.
func DefaultConfig() Config {
	return Config{
		Type: "memory",
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			KeyPrefix:    "history-absorber:",
		},
		DynamoDB: DynamoDBConfig{
			Region:          "us-east-1",
			TableName:       "history_documents",
			ConflictRetries: 5,
		},
		MySQL: MySQLConfig{
			Host:              "localhost",
			Port:              3306,
			Table:             "history_documents",
			MaxOpenConns:      10,
			MaxIdleConns:      5,
			ConnMaxLifetime:   5 * time.Minute,
			ConnMaxIdleTime:   time.Minute,
			ConnectionTimeout: 5 * time.Second,
		},
	}
}

var (
	// factoryRegistry stores all registered store factories.
	factoryRegistry = make(map[string]Factory)

	registryMutex sync.RWMutex
)

// RegisterFactory registers a store factory. Registering the same type twice
// panics.
func RegisterFactory(factory Factory) {
	if factory == nil {
		panic("factory cannot be nil")
	}
	if factory.Type() == "" {
		panic("factory type cannot be empty")
	}

	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, exists := factoryRegistry[factory.Type()]; exists {
		panic(fmt.Sprintf("factory for type %q is already registered", factory.Type()))
	}
	factoryRegistry[factory.Type()] = factory
}

func lookupFactory(storeType string) (Factory, error) {
	if storeType == "" {
		return nil, fmt.Errorf("store type is required")
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[storeType]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported store type: %s (registered: %v)", storeType, RegisteredTypes())
	}
	return factory, nil
}

// Validate validates config with the factory registered for config.Type.
func Validate(config Config) error {
	factory, err := lookupFactory(config.Type)
	if err != nil {
		return err
	}
	if err := factory.Validate(config); err != nil {
		return fmt.Errorf("invalid configuration for %s: %w", config.Type, err)
	}
	return nil
}

// Create creates a store using the factory registered for config.Type.
func Create(ctx context.Context, config Config) (core.DocumentStore, error) {
	if err := Validate(config); err != nil {
		return nil, err
	}
	factory, err := lookupFactory(config.Type)
	if err != nil {
		return nil, err
	}
	return factory.Create(ctx, config)
}

// RegisteredTypes returns the registered store types, sorted.
func RegisteredTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]string, 0, len(factoryRegistry))
	for t := range factoryRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsTypeRegistered checks if a store type is registered.
func IsTypeRegistered(storeType string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	_, exists := factoryRegistry[storeType]
	return exists
}
