package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlic/stepflow/runstore"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "file", cfg.Store.Type)
	assert.Equal(t, string(runstore.StrategyStateful), cfg.Engine.DefaultStrategy)
	assert.Equal(t, int64(16), cfg.Engine.MaxConcurrentSteps)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9000
store:
  type: sqlite
  sqlite_path: /tmp/runs.db
engine:
  default_strategy: sequential
  default_step_timeout: 90s
workflows:
  dir: /etc/stepflow/workflows
  watch: true
log:
  level: debug
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "/tmp/runs.db", cfg.Store.SQLitePath)
	assert.Equal(t, "sequential", cfg.Engine.DefaultStrategy)
	assert.Equal(t, 90*time.Second, cfg.Engine.DefaultStepTimeout)
	assert.True(t, cfg.Workflows.Watch)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/stepflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STEPFLOW_SERVER_HTTP_PORT", "7777")
	t.Setenv("STEPFLOW_STORE_TYPE", "memory")
	t.Setenv("STEPFLOW_STORE_REDIS_HOST", "redis.internal")
	t.Setenv("STEPFLOW_ENGINE_DEFAULT_STEP_TIMEOUT", "45s")
	t.Setenv("STEPFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/stepflow.log")
	t.Setenv("STEPFLOW_TELEMETRY_ENABLED", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "redis.internal", cfg.Store.Redis.Host)
	assert.Equal(t, 45*time.Second, cfg.Engine.DefaultStepTimeout)
	assert.Equal(t, []string{"stdout", "/var/log/stepflow.log"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9000\n"), 0o644))
	t.Setenv("STEPFLOW_SERVER_HTTP_PORT", "9100")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.HTTPPort)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = -1 }},
		{"bad store type", func(c *Config) { c.Store.Type = "mongodb" }},
		{"bad strategy", func(c *Config) { c.Engine.DefaultStrategy = "hybrid" }},
		{"no concurrency", func(c *Config) { c.Engine.MaxConcurrentSteps = 0 }},
		{"file store without dir", func(c *Config) { c.Store.Type = "file"; c.Store.Dir = "" }},
		{"sqlite without path", func(c *Config) { c.Store.Type = "sqlite"; c.Store.SQLitePath = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_CustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			return os.ErrInvalid
		}).
		Load()
	assert.Error(t, err)
}

func TestRunStoreConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = "redis"
	cfg.Store.Redis.KeyPrefix = "flow:"

	sc := cfg.Store.RunStoreConfig()
	assert.Equal(t, runstore.StoreTypeRedis, sc.Type)
	assert.Equal(t, "flow:", sc.Redis.KeyPrefix)
	assert.Equal(t, 7*24*time.Hour, sc.Cleanup.Retention)
}
