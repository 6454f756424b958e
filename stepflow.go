// Package stepflow is a workflow orchestration engine: it turns declarative
// YAML/JSON workflow definitions into dependency-ordered, fault-tolerant
// executions with checkpointed state that survives process crashes.
//
// Usage:
//
//	engine, err := stepflow.New(config.DefaultConfig())
//	engine.RegisterFunc("http", fetchExecutor)
//	wf, err := engine.LoadWorkflowFile("research.yaml")
//	run, err := engine.Execute(ctx, wf, map[string]any{"topic": "go"})
package stepflow

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/stepflow/checkpoint"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/resilience"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Engine wires the full orchestration stack: workflow parsing, the
// dependency-graph scheduler, fault tolerance, checkpointing, and metrics.
type Engine struct {
	cfg         *config.Config
	logger      *zap.Logger
	registry    *scheduler.Registry
	breakers    *resilience.BreakerRegistry
	deadLetters resilience.DeadLetterSink
	checkpoints *checkpoint.Manager
	collector   *metrics.Collector
	scheduler   *scheduler.Scheduler
	closers     []io.Closer
}

// Option configures the engine created by [New].
type Option func(*engineOptions)

type engineOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithRegisterer sets the Prometheus registerer for the engine's metrics.
// Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// New builds an engine from configuration.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := engineOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		var err error
		logger, err = config.NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	engine := &Engine{
		cfg:      cfg,
		logger:   logger,
		registry: scheduler.NewRegistry(),
	}

	if cfg.Metrics.Enabled {
		engine.collector = metrics.NewCollector(cfg.Metrics.Namespace, options.registerer)
	}

	var handler resilience.BreakerEventHandler
	if engine.collector != nil {
		handler = engine.collector
	}
	engine.breakers = resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
	}, handler, logger)

	if err := engine.openStorage(); err != nil {
		return nil, err
	}

	engine.scheduler = scheduler.NewScheduler(
		engine.registry,
		resilience.NewGuard(engine.breakers, logger),
		engine.deadLetters,
		engine.checkpoints,
		engine.collector,
		scheduler.Config{
			MaxStepsPerRun:     cfg.Scheduler.MaxStepsPerRun,
			MaxStepsGlobal:     cfg.Scheduler.MaxStepsGlobal,
			CheckpointEvery:    cfg.Scheduler.CheckpointEvery,
			KeepVersions:       cfg.Scheduler.KeepVersions,
			DefaultStepTimeout: cfg.Scheduler.DefaultStepTimeout,
			RunTimeout:         cfg.Scheduler.RunTimeout,
			DispatchRate:       cfg.Scheduler.DispatchRate,
			DispatchBurst:      cfg.Scheduler.DispatchBurst,
		},
		logger,
	)

	return engine, nil
}

// openStorage builds the checkpoint store and dead-letter sink for the
// configured backend.
func (e *Engine) openStorage() error {
	switch e.cfg.Storage.Backend {
	case "memory":
		e.checkpoints = checkpoint.NewManager(checkpoint.NewMemoryStore(), e.logger)
		e.deadLetters = resilience.NewMemoryDeadLetterSink()

	case "file":
		store, err := checkpoint.NewFileStore(e.cfg.Storage.Dir)
		if err != nil {
			return err
		}
		e.checkpoints = checkpoint.NewManager(store, e.logger)
		// The file backend has no shared medium for dead letters; they
		// stay in process memory and surface through the engine API.
		e.deadLetters = resilience.NewMemoryDeadLetterSink()

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     e.cfg.Storage.Redis.Addr,
			Password: e.cfg.Storage.Redis.Password,
			DB:       e.cfg.Storage.Redis.DB,
			PoolSize: e.cfg.Storage.Redis.PoolSize,
		})
		e.closers = append(e.closers, client)
		e.checkpoints = checkpoint.NewManager(checkpoint.NewRedisStore(client), e.logger)
		e.deadLetters = resilience.NewRedisDeadLetterSink(client)

	case "postgres":
		db, err := gorm.Open(postgres.Open(e.cfg.Storage.Postgres.DSN()), &gorm.Config{})
		if err != nil {
			return types.NewError(types.ErrPersistence, "open postgres").WithCause(err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return types.NewError(types.ErrPersistence, "access postgres pool").WithCause(err)
		}
		sqlDB.SetMaxOpenConns(e.cfg.Storage.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(e.cfg.Storage.Postgres.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(e.cfg.Storage.Postgres.ConnMaxLifetime)

		store, err := checkpoint.NewGormStore(db)
		if err != nil {
			return err
		}
		sink, err := resilience.NewGormDeadLetterSink(db)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, sqlDB)
		e.checkpoints = checkpoint.NewManager(store, e.logger)
		e.deadLetters = sink

	default:
		return fmt.Errorf("unknown storage backend %q", e.cfg.Storage.Backend)
	}
	return nil
}

// Register adds a step executor.
func (e *Engine) Register(executor scheduler.Executor) {
	e.registry.Register(executor)
}

// RegisterFunc adds a bare function as the executor for a step type.
func (e *Engine) RegisterFunc(stepType string, fn func(ctx context.Context, config map[string]any) (map[string]any, error)) {
	e.registry.RegisterFunc(stepType, fn)
}

// LoadWorkflow parses and validates a workflow definition from bytes.
func (e *Engine) LoadWorkflow(data []byte) (*workflow.Workflow, error) {
	return workflow.Parse(data)
}

// LoadWorkflowFile parses and validates a workflow definition file.
func (e *Engine) LoadWorkflowFile(path string) (*workflow.Workflow, error) {
	return workflow.ParseFile(path)
}

// Execute runs a workflow to a terminal status.
func (e *Engine) Execute(ctx context.Context, wf *workflow.Workflow, inputs map[string]any) (*scheduler.Run, error) {
	return e.scheduler.Execute(ctx, wf, inputs)
}

// Resume restarts an interrupted run from its newest intact checkpoint.
func (e *Engine) Resume(ctx context.Context, wf *workflow.Workflow, runID string) (*scheduler.Run, error) {
	return e.scheduler.Resume(ctx, wf, runID)
}

// RecoverableRuns lists checkpointed runs that have not reached a
// terminal status.
func (e *Engine) RecoverableRuns(ctx context.Context) ([]string, error) {
	return e.scheduler.RecoverableRuns(ctx)
}

// DeadLetters exposes the dead-letter sink for inspection.
func (e *Engine) DeadLetters() resilience.DeadLetterSink {
	return e.deadLetters
}

// ReplayDeadLetter re-executes a dead-lettered step with its preserved
// config and marks the entry replayed on success. The outputs are returned
// to the caller; they are not folded back into the original run.
func (e *Engine) ReplayDeadLetter(ctx context.Context, id string) (map[string]any, error) {
	entry, err := e.deadLetters.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	executor, err := e.registry.Get(entry.StepType)
	if err != nil {
		return nil, err
	}
	outputs, err := executor.Execute(ctx, entry.Config)
	if err != nil {
		return nil, types.Errorf(types.ErrExecution, "replay of dead letter %s failed", id).WithCause(err)
	}

	if _, err := e.deadLetters.MarkReplayed(ctx, id); err != nil {
		return nil, err
	}
	e.logger.Info("dead letter replayed",
		zap.String("entry_id", id),
		zap.String("step_id", entry.StepID))
	return outputs, nil
}

// Checkpoints exposes the checkpoint manager.
func (e *Engine) Checkpoints() *checkpoint.Manager {
	return e.checkpoints
}

// Breakers exposes the circuit-breaker registry.
func (e *Engine) Breakers() *resilience.BreakerRegistry {
	return e.breakers
}

// Close flushes the logger and releases storage resources.
func (e *Engine) Close() error {
	var firstErr error
	for _, closer := range e.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = e.logger.Sync()
	return firstErr
}
