package workflow

import (
	"time"

	"github.com/BaSui01/stepflow/types"
)

// BackoffStrategy determines how retry delays grow between attempts.
type BackoffStrategy string

const (
	// BackoffExponential doubles the delay after each attempt.
	BackoffExponential BackoffStrategy = "exponential"
	// BackoffLinear keeps a constant multiplier of 1.
	BackoffLinear BackoffStrategy = "linear"
	// BackoffConstant repeats the initial delay.
	BackoffConstant BackoffStrategy = "constant"
)

// Multiplier maps the strategy to the delay growth factor.
func (s BackoffStrategy) Multiplier() float64 {
	if s == BackoffExponential {
		return 2.0
	}
	return 1.0
}

// RetryPolicy configures per-step retry behavior.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// Backoff selects the delay growth shape.
	Backoff BackoffStrategy `json:"backoff" yaml:"backoff"`
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// Jitter adds a random ±25% spread to each delay.
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy is applied to steps without an explicit retry block.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		Backoff:      BackoffExponential,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}

// Step is a single immutable unit of work within a workflow. Steps never
// mutate after parse; execution state lives in scheduler.StepState.
type Step struct {
	// ID uniquely identifies the step within its workflow.
	ID string `json:"id" yaml:"id"`
	// Type is an opaque discriminator passed to the task executor
	// registry (e.g. "llm", "transform", "action").
	Type string `json:"type" yaml:"type"`
	// Config is the opaque payload forwarded to the executor. String
	// values are template-rendered against the execution context before
	// dispatch.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	// DependsOn lists the step IDs this step waits for.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Condition is an optional boolean expression; when it evaluates to
	// false the step is skipped and counts as satisfied for dependents.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Output lists the binding names under which produced values are
	// exposed to later steps. The first binding receives the executor's
	// primary value.
	Output []string `json:"output,omitempty" yaml:"output,omitempty"`
	// Retry overrides the default retry policy.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	// Timeout bounds a single attempt; zero means no step-level timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// ContinueOnError keeps the run alive when this step fails.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	// DeadLetter records the step to the dead-letter sink when it
	// exhausts retries, instead of being silently dropped. Implies the
	// failure is non-fatal for the run.
	DeadLetter bool `json:"dead_letter,omitempty" yaml:"dead_letter,omitempty"`
	// DependencyKey overrides the circuit-breaker key for this step.
	// Defaults to the step type.
	DependencyKey string `json:"dependency_key,omitempty" yaml:"dependency_key,omitempty"`
	// Fallback, when non-nil, is substituted for the step's output when
	// the circuit breaker is open. Explicit per-step opt-in.
	Fallback map[string]any `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// RetryPolicyOrDefault returns the step's retry policy, falling back to the
// engine default.
func (s *Step) RetryPolicyOrDefault() RetryPolicy {
	if s.Retry != nil {
		return *s.Retry
	}
	return DefaultRetryPolicy()
}

// BreakerKey returns the circuit-breaker key for this step.
func (s *Step) BreakerKey() string {
	if s.DependencyKey != "" {
		return s.DependencyKey
	}
	return s.Type
}

// Workflow is an immutable definition of steps and their dependencies. One
// Workflow may have many independent runs.
type Workflow struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Version  string         `json:"version" yaml:"version"`
	Steps    []Step         `json:"steps" yaml:"steps"`
	Timeout  time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepByID returns the step with the given id.
func (w *Workflow) StepByID(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// Validate checks structural invariants: non-empty name, at least one step,
// unique step IDs, and every dependency referencing an existing step.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return types.NewError(types.ErrDefinition, "workflow name is required")
	}
	if len(w.Steps) == 0 {
		return types.NewError(types.ErrDefinition, "workflow has no steps")
	}

	seen := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.ID == "" {
			return types.Errorf(types.ErrDefinition, "step at index %d has no id", i)
		}
		if seen[step.ID] {
			return types.Errorf(types.ErrDefinition, "duplicate step id: %s", step.ID)
		}
		seen[step.ID] = true
		if step.Type == "" {
			return types.Errorf(types.ErrDefinition, "step %s has no type", step.ID)
		}
		if step.Retry != nil && step.Retry.MaxAttempts < 1 {
			return types.Errorf(types.ErrDefinition, "step %s: retry max_attempts must be >= 1", step.ID)
		}
	}

	for i := range w.Steps {
		step := &w.Steps[i]
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return types.Errorf(types.ErrDefinition, "step %s depends on unknown step: %s", step.ID, dep)
			}
			if dep == step.ID {
				return types.Errorf(types.ErrDefinition, "step %s depends on itself", step.ID)
			}
		}
	}

	return nil
}
