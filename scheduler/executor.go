package scheduler

import (
	"context"
	"sync"

	"github.com/BaSui01/stepflow/types"
)

// Executor runs one step type. The config it receives has every template
// reference already rendered; the returned map becomes the step's output
// namespace. Executors classify their own failures: transient errors are
// marked retryable, permanent ones are not.
type Executor interface {
	// Type is the step type this executor handles.
	Type() string
	// Execute performs the step. The context carries the step timeout.
	Execute(ctx context.Context, config map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc struct {
	StepType string
	Fn       func(ctx context.Context, config map[string]any) (map[string]any, error)
}

func (e ExecutorFunc) Type() string { return e.StepType }

func (e ExecutorFunc) Execute(ctx context.Context, config map[string]any) (map[string]any, error) {
	return e.Fn(ctx, config)
}

// Registry maps step types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor, replacing any previous one for the same type.
func (r *Registry) Register(executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executor.Type()] = executor
}

// RegisterFunc registers a bare function for a step type.
func (r *Registry) RegisterFunc(stepType string, fn func(ctx context.Context, config map[string]any) (map[string]any, error)) {
	r.Register(ExecutorFunc{StepType: stepType, Fn: fn})
}

// Get returns the executor for a step type.
func (r *Registry) Get(stepType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[stepType]
	if !ok {
		return nil, types.Errorf(types.ErrDefinition, "no executor registered for step type %q", stepType)
	}
	return executor, nil
}

// Types returns every registered step type.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	return out
}
