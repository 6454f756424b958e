// Package config loads engine configuration with the precedence
// defaults -> YAML file -> environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete engine configuration.
type Config struct {
	// Scheduler bounds concurrency and checkpoint cadence.
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Storage selects and configures the checkpoint/dead-letter backend.
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Resilience configures the circuit breakers.
	Resilience ResilienceConfig `yaml:"resilience" env:"RESILIENCE"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics configures the Prometheus instruments.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// SchedulerConfig mirrors the scheduler's tunables.
type SchedulerConfig struct {
	// MaxStepsPerRun caps concurrent steps within one run.
	MaxStepsPerRun int `yaml:"max_steps_per_run" env:"MAX_STEPS_PER_RUN"`
	// MaxStepsGlobal caps concurrent steps across all runs.
	MaxStepsGlobal int64 `yaml:"max_steps_global" env:"MAX_STEPS_GLOBAL"`
	// CheckpointEvery checkpoints after this many step completions.
	CheckpointEvery int `yaml:"checkpoint_every" env:"CHECKPOINT_EVERY"`
	// KeepVersions retains this many checkpoint versions per run.
	KeepVersions int `yaml:"keep_versions" env:"KEEP_VERSIONS"`
	// DefaultStepTimeout applies to steps without an explicit timeout.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`
	// RunTimeout bounds a whole run, zero disables.
	RunTimeout time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	// DispatchRate throttles step admissions per second, zero disables.
	DispatchRate float64 `yaml:"dispatch_rate" env:"DISPATCH_RATE"`
	// DispatchBurst is the admission burst size when DispatchRate is set.
	DispatchBurst int `yaml:"dispatch_burst" env:"DISPATCH_BURST"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is one of: memory, file, redis, postgres.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Dir is the base directory for the file backend.
	Dir string `yaml:"dir" env:"DIR"`
	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// Postgres configures the postgres backend.
	Postgres PostgresConfig `yaml:"postgres" env:"POSTGRES"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN renders the Postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode)
}

// ResilienceConfig configures circuit breaking.
type ResilienceConfig struct {
	// FailureThreshold is the consecutive failure count that opens a breaker.
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// RecoveryTimeout is how long a breaker stays open before probing.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap sink URLs, defaulting to stderr.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// MetricsConfig configures the Prometheus instruments.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// DefaultConfig returns the engine defaults: in-memory storage, modest
// parallelism, a checkpoint after every step.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxStepsPerRun:  4,
			MaxStepsGlobal:  64,
			CheckpointEvery: 1,
			KeepVersions:    5,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Dir:     "data",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				User:            "stepflow",
				Name:            "stepflow",
				SSLMode:         "disable",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "stepflow",
		},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory", "file", "redis", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "file" && c.Storage.Dir == "" {
		errs = append(errs, "file storage requires storage.dir")
	}
	if c.Scheduler.MaxStepsPerRun < 1 {
		errs = append(errs, "scheduler.max_steps_per_run must be at least 1")
	}
	if c.Scheduler.MaxStepsGlobal < 1 {
		errs = append(errs, "scheduler.max_steps_global must be at least 1")
	}
	if c.Resilience.FailureThreshold < 1 {
		errs = append(errs, "resilience.failure_threshold must be at least 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
