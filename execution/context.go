package execution

import (
	"sync"

	"github.com/BaSui01/stepflow/types"
)

// Context is the mutable, shared store of a run's inputs, per-step outputs,
// and metadata. It is owned exclusively by one workflow run: concurrently
// read by many in-flight step dispatches and written once per step
// completion. All access is serialized by an internal lock so no write is
// ever lost.
type Context struct {
	mu       sync.RWMutex
	inputs   map[string]any
	outputs  map[string]map[string]any
	metadata map[string]any
}

// NewContext creates an execution context seeded with the run's inputs.
func NewContext(inputs map[string]any) *Context {
	c := &Context{
		inputs:   make(map[string]any, len(inputs)),
		outputs:  make(map[string]map[string]any),
		metadata: make(map[string]any),
	}
	for k, v := range inputs {
		c.inputs[k] = v
	}
	return c
}

// SetInput sets a workflow input value.
func (c *Context) SetInput(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs[key] = value
}

// GetInput retrieves a workflow input value.
func (c *Context) GetInput(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.inputs[key]
	return v, ok
}

// SetOutput records a single output value produced by a step.
func (c *Context) SetOutput(stepID, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outputs[stepID] == nil {
		c.outputs[stepID] = make(map[string]any)
	}
	c.outputs[stepID][key] = value
}

// SetOutputs records a step's full output map in one critical section.
func (c *Context) SetOutputs(stepID string, outputs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outputs[stepID] == nil {
		c.outputs[stepID] = make(map[string]any, len(outputs))
	}
	for k, v := range outputs {
		c.outputs[stepID][k] = v
	}
}

// GetOutput retrieves one output value of a completed step.
func (c *Context) GetOutput(stepID, key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[stepID]
	if !ok {
		return nil, false
	}
	v, ok := out[key]
	return v, ok
}

// Outputs returns a copy of a step's output map.
func (c *Context) Outputs(stepID string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[stepID]
	if !ok {
		return nil, false
	}
	cp := make(map[string]any, len(out))
	for k, v := range out {
		cp[k] = v
	}
	return cp, true
}

// AllOutputs returns a copy of every step's output map.
func (c *Context) AllOutputs() map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := make(map[string]map[string]any, len(c.outputs))
	for stepID, out := range c.outputs {
		cp := make(map[string]any, len(out))
		for k, v := range out {
			cp[k] = v
		}
		all[stepID] = cp
	}
	return all
}

// SetMetadata sets a metadata value on the context.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// GetMetadata retrieves a metadata value.
func (c *Context) GetMetadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// Snapshot is a serializable point-in-time copy of a Context, used for
// checkpointing and for handing executors a stable view.
type Snapshot struct {
	Inputs   map[string]any            `json:"inputs"`
	Outputs  map[string]map[string]any `json:"outputs"`
	Metadata map[string]any            `json:"metadata,omitempty"`
}

// Snapshot copies the context under the read lock. Map structure is copied;
// leaf values are shared and treated as immutable once written.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Inputs:   make(map[string]any, len(c.inputs)),
		Outputs:  make(map[string]map[string]any, len(c.outputs)),
		Metadata: make(map[string]any, len(c.metadata)),
	}
	for k, v := range c.inputs {
		snap.Inputs[k] = v
	}
	for stepID, out := range c.outputs {
		cp := make(map[string]any, len(out))
		for k, v := range out {
			cp[k] = v
		}
		snap.Outputs[stepID] = cp
	}
	for k, v := range c.metadata {
		snap.Metadata[k] = v
	}
	return snap
}

// FromSnapshot reconstructs a context from a checkpoint snapshot.
func FromSnapshot(snap Snapshot) *Context {
	c := NewContext(snap.Inputs)
	for stepID, out := range snap.Outputs {
		c.SetOutputs(stepID, out)
	}
	for k, v := range snap.Metadata {
		c.SetMetadata(k, v)
	}
	return c
}

// vars exposes the context as the variable tree seen by templates and
// condition expressions: input.*, steps.<id>.*, metadata.*.
func (c *Context) vars() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stepVars := make(map[string]any, len(c.outputs))
	for stepID, out := range c.outputs {
		inner := make(map[string]any, len(out))
		for k, v := range out {
			inner[k] = v
		}
		stepVars[stepID] = inner
	}
	inputVars := make(map[string]any, len(c.inputs))
	for k, v := range c.inputs {
		inputVars[k] = v
	}
	metaVars := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		metaVars[k] = v
	}
	return map[string]any{
		"input":    inputVars,
		"steps":    stepVars,
		"metadata": metaVars,
	}
}

// EvaluateCondition evaluates a boolean expression against the current
// context. An empty expression is true (a step without a condition always
// runs). Evaluation failures (unknown operators, unresolved references)
// are hard errors, never silently treated as false.
func (c *Context) EvaluateCondition(expr string) (bool, error) {
	if expr == "" {
		return true, nil
	}
	result, err := evaluate(expr, c.vars())
	if err != nil {
		return false, types.Errorf(types.ErrCondition, "evaluate condition %q", expr).WithCause(err)
	}
	return result, nil
}
