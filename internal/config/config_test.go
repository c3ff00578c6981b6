package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	require.Equal(t, 50, cfg.Batch.MaxBatchSize)
	require.Equal(t, 30*time.Second, cfg.Batch.MaxBatchAge)
	require.Equal(t, "memory", cfg.Store.Type)
	require.False(t, cfg.Source.Enabled)
}

func TestManager_LoadFromYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
store:
  type: redis
  redis:
    endpoints: ["redis-a:6379", "redis-b:6379"]
    key_prefix: "hist:"
batch:
  max_batch_size: 10
  max_batch_age: 45s
  history_limit: -100
shutdown:
  drain_attempts: 5
`)

	m := NewManager()
	require.NoError(t, m.LoadFromFile(path))

	cfg := m.Config()
	require.Equal(t, "redis", cfg.Store.Type)
	require.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Store.Redis.Endpoints)
	require.Equal(t, "hist:", cfg.Store.Redis.KeyPrefix)
	require.Equal(t, 10, cfg.Batch.MaxBatchSize)
	require.Equal(t, 45*time.Second, cfg.Batch.MaxBatchAge)
	require.Equal(t, -100, cfg.Batch.HistoryLimit)
	require.Equal(t, 5, cfg.Shutdown.DrainAttempts)

	// untouched fields keep their defaults
	require.Equal(t, "history", cfg.Batch.HistoryPath)
	require.Equal(t, 10, cfg.Store.Redis.PoolSize)
}

func TestManager_LoadFromJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"batch": {"max_batch_size": 20, "max_batch_age": 60000000000},
		"server": {"addr": ":9090"}
	}`)

	m := NewManager()
	require.NoError(t, m.LoadFromFile(path))
	require.Equal(t, 20, m.Config().Batch.MaxBatchSize)
	require.Equal(t, time.Minute, m.Config().Batch.MaxBatchAge)
	require.Equal(t, ":9090", m.Config().Server.Addr)
}

func TestManager_LoadFromFile_Errors(t *testing.T) {
	m := NewManager()

	require.Error(t, m.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, m.LoadFromFile(writeFile(t, "config.toml", "a = 1")))
	require.Error(t, m.LoadFromFile(writeFile(t, "bad.yaml", "batch: [")))

	// an invalid file leaves the previous configuration in place
	err := m.LoadFromFile(writeFile(t, "invalid.yaml", "batch:\n  max_batch_size: 0\n"))
	require.ErrorContains(t, err, "max_batch_size")
	require.Equal(t, 50, m.Config().Batch.MaxBatchSize)
}

func TestManager_LoadFromEnv(t *testing.T) {
	t.Setenv("HISTORY_ABSORBER_STORE__TYPE", "redis")
	t.Setenv("HISTORY_ABSORBER_STORE__REDIS__ENDPOINTS", "r1:6379,r2:6379")
	t.Setenv("HISTORY_ABSORBER_BATCH__MAX_BATCH_SIZE", "100")
	t.Setenv("HISTORY_ABSORBER_BATCH__MAX_BATCH_AGE", "2m")
	t.Setenv("HISTORY_ABSORBER_POLLER__ENABLED", "false")
	t.Setenv("HISTORY_ABSORBER_SOURCE__ENABLED", "true")
	t.Setenv("HISTORY_ABSORBER_SOURCE__BROKERS", "kafka:9092")

	m := NewManager()
	require.NoError(t, m.LoadFromEnv())

	cfg := m.Config()
	require.Equal(t, "redis", cfg.Store.Type)
	require.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Store.Redis.Endpoints)
	require.Equal(t, 100, cfg.Batch.MaxBatchSize)
	require.Equal(t, 2*time.Minute, cfg.Batch.MaxBatchAge)
	require.False(t, cfg.Poller.Enabled)
	require.True(t, cfg.Source.Enabled)
	require.Equal(t, []string{"kafka:9092"}, cfg.Source.Brokers)
	require.Equal(t, "track-played", cfg.Source.Topic)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yml", "batch:\n  max_batch_size: 10\n  max_batch_age: 20s\n")
	t.Setenv("HISTORY_ABSORBER_BATCH__MAX_BATCH_SIZE", "30")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30, cfg.Batch.MaxBatchSize)
	require.Equal(t, 20*time.Second, cfg.Batch.MaxBatchAge)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero batch size", mutate: func(c *Config) { c.Batch.MaxBatchSize = 0 }, wantErr: "max_batch_size"},
		{name: "zero batch age", mutate: func(c *Config) { c.Batch.MaxBatchAge = 0 }, wantErr: "max_batch_age"},
		{name: "sweep longer than age", mutate: func(c *Config) { c.Batch.SweepInterval = time.Hour }, wantErr: "sweep_interval"},
		{name: "empty history path", mutate: func(c *Config) { c.Batch.HistoryPath = "" }, wantErr: "history_path"},
		{name: "negative flush rate", mutate: func(c *Config) { c.Batch.FlushRate = -1 }, wantErr: "flush_rate"},
		{name: "no drain attempts", mutate: func(c *Config) { c.Shutdown.DrainAttempts = 0 }, wantErr: "drain_attempts"},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.Shutdown.Timeout = 0 }, wantErr: "shutdown.timeout"},
		{name: "poller interval", mutate: func(c *Config) { c.Poller.Interval = 0 }, wantErr: "poller.interval"},
		{name: "disabled poller skips checks", mutate: func(c *Config) { c.Poller.Enabled = false; c.Poller.Interval = 0 }},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Type = "cassandra" }, wantErr: "unsupported store type"},
		{name: "source without topic", mutate: func(c *Config) { c.Source.Enabled = true; c.Source.Topic = "" }, wantErr: "source"},
		{name: "no server addr", mutate: func(c *Config) { c.Server.Addr = "" }, wantErr: "server.addr"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Batch.MaxBatchSize = 7
	cfg.Batch.FlushRate = 2.5
	cfg.Shutdown.DrainAttempts = 4

	acc := cfg.Batch.Accumulator()
	require.Equal(t, 7, acc.Policy.MaxBatchSize)
	require.Equal(t, cfg.Batch.HistoryLimit, acc.HistoryLimit)
	require.Equal(t, 2.5, cfg.Batch.Scheduler().FlushRate)
	require.Equal(t, 4, cfg.Shutdown.Lifecycle().DrainAttempts)
	require.Equal(t, cfg.Poller.Interval, cfg.Poller.Settings().Interval)
}
