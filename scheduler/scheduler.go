package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/stepflow/checkpoint"
	"github.com/BaSui01/stepflow/execution"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/resilience"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Config bounds the scheduler's concurrency and checkpoint cadence.
type Config struct {
	// MaxStepsPerRun caps concurrently executing steps within one run.
	MaxStepsPerRun int `json:"max_steps_per_run" yaml:"max_steps_per_run"`
	// MaxStepsGlobal caps concurrently executing steps across all runs.
	MaxStepsGlobal int64 `json:"max_steps_global" yaml:"max_steps_global"`
	// CheckpointEvery persists a checkpoint after this many step
	// completions. Terminal transitions always checkpoint regardless.
	CheckpointEvery int `json:"checkpoint_every" yaml:"checkpoint_every"`
	// KeepVersions is how many checkpoint versions to retain per run.
	KeepVersions int `json:"keep_versions" yaml:"keep_versions"`
	// DefaultStepTimeout applies to steps without an explicit timeout.
	// Zero means no timeout.
	DefaultStepTimeout time.Duration `json:"default_step_timeout" yaml:"default_step_timeout"`
	// RunTimeout bounds a whole run. Zero means no timeout.
	RunTimeout time.Duration `json:"run_timeout" yaml:"run_timeout"`
	// DispatchRate throttles step admissions per second across all runs.
	// Zero means unthrottled.
	DispatchRate float64 `json:"dispatch_rate" yaml:"dispatch_rate"`
	// DispatchBurst is the admission burst size when DispatchRate is set.
	DispatchBurst int `json:"dispatch_burst" yaml:"dispatch_burst"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxStepsPerRun:  4,
		MaxStepsGlobal:  64,
		CheckpointEvery: 1,
		KeepVersions:    5,
	}
}

// Scheduler walks a workflow's dependency graph, dispatching every step
// whose dependencies are satisfied, with bounded parallelism, fault
// tolerance around each step, and a checkpoint after completions.
type Scheduler struct {
	registry    *Registry
	guard       *resilience.Guard
	deadLetters resilience.DeadLetterSink
	checkpoints *checkpoint.Manager
	collector   *metrics.Collector
	config      Config
	logger      *zap.Logger
	global      *semaphore.Weighted
	limiter     *rate.Limiter
}

// NewScheduler wires the scheduler's collaborators. deadLetters, manager,
// and collector may be nil to disable the corresponding concern.
func NewScheduler(
	registry *Registry,
	guard *resilience.Guard,
	deadLetters resilience.DeadLetterSink,
	checkpoints *checkpoint.Manager,
	collector *metrics.Collector,
	config Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxStepsPerRun < 1 {
		config.MaxStepsPerRun = DefaultConfig().MaxStepsPerRun
	}
	if config.MaxStepsGlobal < 1 {
		config.MaxStepsGlobal = DefaultConfig().MaxStepsGlobal
	}
	if config.CheckpointEvery < 1 {
		config.CheckpointEvery = 1
	}
	if config.KeepVersions < 1 {
		config.KeepVersions = DefaultConfig().KeepVersions
	}
	s := &Scheduler{
		registry:    registry,
		guard:       guard,
		deadLetters: deadLetters,
		checkpoints: checkpoints,
		collector:   collector,
		config:      config,
		logger:      logger.Named("scheduler"),
		global:      semaphore.NewWeighted(config.MaxStepsGlobal),
	}
	if config.DispatchRate > 0 {
		burst := config.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.DispatchRate), burst)
	}
	return s
}

// Execute validates the workflow, builds its graph, and runs it to a
// terminal status. The returned run always carries the final step states;
// the error reflects the run outcome.
func (s *Scheduler) Execute(ctx context.Context, wf *workflow.Workflow, inputs map[string]any) (*Run, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	graph, err := workflow.Build(wf.Steps)
	if err != nil {
		return nil, err
	}

	run := NewRun(wf, inputs)
	s.logger.Info("run starting",
		zap.String("run_id", run.ID),
		zap.String("workflow", wf.Name),
		zap.Int("steps", len(wf.Steps)))

	return run, s.runLoop(ctx, wf, graph, run)
}

// stepResult is what a worker reports back to the coordinator.
type stepResult struct {
	step    *workflow.Step
	state   types.StepState
	outputs map[string]any
	err     error
}

// runLoop is the coordinator: the only writer of run state. Workers
// execute steps and report results over a channel.
func (s *Scheduler) runLoop(ctx context.Context, wf *workflow.Workflow, graph *workflow.Graph, run *Run) error {
	run.setStatus(types.RunRunning)
	started := time.Now()

	if err := s.persist(ctx, wf, run); err != nil {
		run.setStatus(types.RunPaused)
		run.setErr(err)
		return err
	}

	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	perRun := semaphore.NewWeighted(int64(s.config.MaxStepsPerRun))
	results := make(chan stepResult)

	dispatched := make(map[string]bool)
	for id, state := range run.StepStates() {
		if state.Status.Terminal() {
			dispatched[id] = true
		}
	}

	inflight := 0
	sinceCheckpoint := 0
	var fatalErr error
	var persistErr error

	for {
		if fatalErr == nil && persistErr == nil && ctx.Err() == nil {
			for _, id := range graph.ReadySteps(run.SatisfiedSteps()) {
				if dispatched[id] {
					continue
				}
				dispatched[id] = true
				step, _ := wf.StepByID(id)
				run.setStepState(types.StepState{StepID: id, Status: types.StepReady})
				inflight++
				go s.runStep(ctx, perRun, wf, run, step, results)
			}
		}
		if inflight == 0 {
			break
		}

		res := <-results
		inflight--

		if res.outputs != nil {
			run.Context.SetOutputs(res.step.ID, res.outputs)
		}
		run.setStepState(res.state)

		var duration time.Duration
		if res.state.StartedAt != nil && res.state.EndedAt != nil {
			duration = res.state.EndedAt.Sub(*res.state.StartedAt)
		}
		s.collector.StepFinished(res.step.Type, res.state.Status, res.state.Attempts, duration)

		if res.err != nil {
			s.logger.Warn("step finished with error",
				zap.String("run_id", run.ID),
				zap.String("step_id", res.step.ID),
				zap.String("status", string(res.state.Status)),
				zap.Int("attempts", res.state.Attempts),
				zap.Error(res.err))
		} else {
			s.logger.Debug("step finished",
				zap.String("run_id", run.ID),
				zap.String("step_id", res.step.ID),
				zap.String("status", string(res.state.Status)))
		}

		if res.err != nil && fatalErr == nil && !res.step.ContinueOnError && ctx.Err() == nil {
			fatalErr = res.err
			run.setErr(res.err)
			cancel()
		}

		sinceCheckpoint++
		if sinceCheckpoint >= s.config.CheckpointEvery || res.err != nil {
			if err := s.persist(ctx, wf, run); err != nil && persistErr == nil {
				// The run cannot make durable progress; stop dispatching
				// and pause so it can be resumed once storage recovers.
				persistErr = err
				cancel()
			}
			sinceCheckpoint = 0
		}
	}

	s.cancelUnreachableSteps(wf, run)

	switch {
	case persistErr != nil:
		run.setStatus(types.RunPaused)
		run.setErr(persistErr)
	case fatalErr != nil:
		run.setStatus(types.RunFailed)
	case ctx.Err() != nil:
		fatalErr = types.NewError(types.ErrCancelled, "run cancelled").WithCause(ctx.Err())
		run.setErr(fatalErr)
		run.setStatus(types.RunCancelled)
	default:
		run.setStatus(types.RunCompleted)
	}

	// Final checkpoint outside the run's context: it must land even when
	// the run was cancelled.
	if err := s.persist(context.WithoutCancel(ctx), wf, run); err != nil && persistErr == nil && fatalErr == nil {
		run.setStatus(types.RunPaused)
		run.setErr(err)
		return err
	}

	s.collector.RunFinished(wf.Name, run.Status(), time.Since(started))
	s.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status())),
		zap.Duration("duration", time.Since(started)))

	if persistErr != nil {
		return persistErr
	}
	return fatalErr
}

// runStep executes a single step end to end: admission, condition,
// config rendering, guarded execution, fallback.
func (s *Scheduler) runStep(ctx context.Context, perRun *semaphore.Weighted, wf *workflow.Workflow, run *Run, step *workflow.Step, results chan<- stepResult) {
	res := stepResult{step: step, state: types.StepState{StepID: step.ID}}
	defer func() { results <- res }()

	if err := s.global.Acquire(ctx, 1); err != nil {
		res.state.Status = types.StepCancelled
		res.err = types.NewError(types.ErrCancelled, "step cancelled before admission").WithCause(err).WithStep(step.ID)
		return
	}
	defer s.global.Release(1)
	if err := perRun.Acquire(ctx, 1); err != nil {
		res.state.Status = types.StepCancelled
		res.err = types.NewError(types.ErrCancelled, "step cancelled before admission").WithCause(err).WithStep(step.ID)
		return
	}
	defer perRun.Release(1)
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			res.state.Status = types.StepCancelled
			res.err = types.NewError(types.ErrCancelled, "step cancelled before admission").WithCause(err).WithStep(step.ID)
			return
		}
	}

	proceed, err := run.Context.EvaluateCondition(step.Condition)
	if err != nil {
		s.finishStep(&res, run, err)
		return
	}
	if !proceed {
		res.state.Status = types.StepSkipped
		s.logger.Debug("step skipped",
			zap.String("run_id", run.ID),
			zap.String("step_id", step.ID),
			zap.String("condition", step.Condition))
		return
	}

	startedAt := run.markStepRunning(step.ID)
	res.state.StartedAt = &startedAt

	config, err := run.Context.RenderConfig(step.Config)
	if err != nil {
		s.finishStep(&res, run, err)
		return
	}

	executor, err := s.registry.Get(step.Type)
	if err != nil {
		s.finishStep(&res, run, err)
		return
	}

	attempts := 0
	var outputs map[string]any
	execErr := s.guard.Execute(ctx, step.BreakerKey(), step.RetryPolicyOrDefault(), func(ctx context.Context) error {
		attempts++
		stepCtx := ctx
		timeout := step.Timeout
		if timeout <= 0 {
			timeout = s.config.DefaultStepTimeout
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		out, err := executor.Execute(stepCtx, config)
		if err != nil {
			if ctx.Err() != nil {
				return types.Errorf(types.ErrCancelled, "step %s cancelled", step.ID).WithCause(err)
			}
			if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
				// A timed-out attempt is transient by definition.
				return types.Errorf(types.ErrTimeout, "step %s timed out after %v", step.ID, timeout).
					WithCause(err).WithRetryable(true)
			}
			return err
		}
		outputs = out
		return nil
	})
	res.state.Attempts = attempts

	if execErr == nil {
		execErr = validateOutputs(step, outputs)
	}

	if execErr != nil {
		if step.DeadLetter && s.deadLetters != nil && !types.HasCode(execErr, types.ErrCancelled) {
			entry := resilience.NewDeadLetter(run.ID, wf.ID, step.ID, step.Type, config, execErr, attempts)
			if err := s.deadLetters.Add(ctx, entry); err != nil {
				s.logger.Error("dead letter write failed",
					zap.String("run_id", run.ID),
					zap.String("step_id", step.ID),
					zap.Error(err))
			} else {
				s.collector.DeadLetterRecorded()
				s.logger.Info("step recorded to dead letter sink",
					zap.String("run_id", run.ID),
					zap.String("step_id", step.ID),
					zap.String("entry_id", entry.ID))
			}
		}

		// Degradation covers unavailability: an open circuit, a timeout,
		// or an executor failure. A definition mismatch must surface, and
		// a cancelled step is not a failure at all.
		if step.Fallback != nil && !types.HasCode(execErr, types.ErrCancelled) && !types.HasCode(execErr, types.ErrDefinition) {
			res.outputs = step.Fallback
			res.state.Status = types.StepSucceeded
			res.state.Degraded = true
			now := time.Now().UTC()
			res.state.EndedAt = &now
			res.state.DurationMillis = now.Sub(startedAt).Milliseconds()
			s.logger.Warn("step degraded to fallback output",
				zap.String("run_id", run.ID),
				zap.String("step_id", step.ID),
				zap.Error(execErr))
			return
		}

		s.finishStep(&res, run, execErr)
		return
	}

	res.outputs = outputs
	res.state.Status = types.StepSucceeded
	now := time.Now().UTC()
	res.state.EndedAt = &now
	res.state.DurationMillis = now.Sub(startedAt).Milliseconds()
}

// finishStep stamps a failure onto the pending result.
func (s *Scheduler) finishStep(res *stepResult, run *Run, err error) {
	now := time.Now().UTC()
	if types.HasCode(err, types.ErrCancelled) {
		res.state.Status = types.StepCancelled
	} else {
		res.state.Status = types.StepFailed
	}
	res.state.Error = err.Error()
	res.state.ErrorCode = types.GetErrorCode(err)
	res.state.EndedAt = &now
	if res.state.StartedAt != nil {
		res.state.DurationMillis = now.Sub(*res.state.StartedAt).Milliseconds()
	}

	var serr *types.Error
	if errors.As(err, &serr) {
		if serr.StepID == "" {
			serr.StepID = res.step.ID
		}
		if serr.Attempts > 0 {
			res.state.Attempts = serr.Attempts
		}
	}
	res.err = err
}

// validateOutputs checks that every declared output name is present in the
// executor's result.
func validateOutputs(step *workflow.Step, outputs map[string]any) error {
	for _, name := range step.Output {
		if _, ok := outputs[name]; !ok {
			return types.Errorf(types.ErrDefinition, "step %s did not produce declared output %q", step.ID, name).
				WithStep(step.ID)
		}
	}
	return nil
}

// cancelUnreachableSteps marks steps that can never run because an
// upstream dependency ended without being satisfied.
func (s *Scheduler) cancelUnreachableSteps(wf *workflow.Workflow, run *Run) {
	states := run.StepStates()
	for _, step := range wf.Steps {
		state := states[step.ID]
		if state.Status != types.StepPending && state.Status != types.StepReady {
			continue
		}
		run.setStepState(types.StepState{StepID: step.ID, Status: types.StepCancelled})
	}
}

// persist snapshots the run into a checkpoint. A nil manager disables
// checkpointing.
func (s *Scheduler) persist(ctx context.Context, wf *workflow.Workflow, run *Run) error {
	if s.checkpoints == nil {
		return nil
	}

	cp := &checkpoint.Checkpoint{
		RunID:        run.ID,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		RunStatus:    run.Status(),
		StepStates:   run.StepStates(),
		Context:      run.Context.Snapshot(),
		Breakers:     s.guard.Breakers().Snapshots(),
	}
	// Storage hiccups get a short bounded retry before the run pauses.
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(persistRetryDelay << (attempt - 1)):
			case <-ctx.Done():
			}
		}
		err = s.checkpoints.Save(ctx, cp)
		s.collector.CheckpointSaved(err)
		if err == nil || ctx.Err() != nil {
			break
		}
		s.logger.Warn("checkpoint save failed",
			zap.String("run_id", run.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if err != nil {
		return err
	}
	return s.checkpoints.Prune(ctx, run.ID, s.config.KeepVersions)
}

const (
	persistAttempts   = 3
	persistRetryDelay = 50 * time.Millisecond
)

// restoreContext rebuilds a run's execution context from a checkpoint.
func restoreContext(cp *checkpoint.Checkpoint) *execution.Context {
	return execution.FromSnapshot(cp.Context)
}
