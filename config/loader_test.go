package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 4, cfg.Scheduler.MaxStepsPerRun)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Resilience.RecoveryTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  max_steps_per_run: 8
  run_timeout: 5m
storage:
  backend: file
  dir: /var/lib/stepflow
log:
  level: debug
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scheduler.MaxStepsPerRun)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RunTimeout)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/stepflow", cfg.Storage.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched values keep their defaults.
	assert.Equal(t, int64(64), cfg.Scheduler.MaxStepsGlobal)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: file\n"), 0o644))

	t.Setenv("STEPFLOW_STORAGE_BACKEND", "redis")
	t.Setenv("STEPFLOW_STORAGE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("STEPFLOW_SCHEDULER_DEFAULT_STEP_TIMEOUT", "45s")
	t.Setenv("STEPFLOW_METRICS_ENABLED", "false")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis.internal:6380", cfg.Storage.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.DefaultStepTimeout)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/stepflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }},
		{name: "file backend without dir", mutate: func(c *Config) { c.Storage.Backend = "file"; c.Storage.Dir = "" }},
		{name: "zero per-run parallelism", mutate: func(c *Config) { c.Scheduler.MaxStepsPerRun = 0 }},
		{name: "zero failure threshold", mutate: func(c *Config) { c.Resilience.FailureThreshold = 0 }},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewLogger(LogConfig{Level: "verbose"})
	require.Error(t, err)
}
