package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/stepflow/execution"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Run is a single execution of a workflow. Step states are guarded by a
// lock because the coordinator and observers read them while workers
// complete; the coordinator is the only writer.
type Run struct {
	ID           string
	WorkflowID   string
	WorkflowName string
	Context      *execution.Context

	mu         sync.RWMutex
	status     types.RunStatus
	stepStates map[string]types.StepState
	runErr     error
	createdAt  time.Time
	startedAt  *time.Time
	endedAt    *time.Time
}

// NewRun creates a pending run with every step in the pending state.
func NewRun(wf *workflow.Workflow, inputs map[string]any) *Run {
	states := make(map[string]types.StepState, len(wf.Steps))
	for _, step := range wf.Steps {
		states[step.ID] = types.StepState{StepID: step.ID, Status: types.StepPending}
	}
	return &Run{
		ID:           uuid.NewString(),
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Context:      execution.NewContext(inputs),
		status:       types.RunPending,
		stepStates:   states,
		createdAt:    time.Now().UTC(),
	}
}

// Status returns the run's current status.
func (r *Run) Status() types.RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Err returns the fatal error that ended the run, if any.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runErr
}

// CreatedAt returns when the run was created.
func (r *Run) CreatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.createdAt
}

// StepState returns a copy of one step's state.
func (r *Run) StepState(stepID string) (types.StepState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.stepStates[stepID]
	return state.Clone(), ok
}

// StepStates returns a copy of every step state.
func (r *Run) StepStates() map[string]types.StepState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.StepState, len(r.stepStates))
	for id, state := range r.stepStates {
		out[id] = state.Clone()
	}
	return out
}

// SatisfiedSteps returns the set of steps that count as satisfied
// dependencies: succeeded or skipped.
func (r *Run) SatisfiedSteps() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	satisfied := make(map[string]bool)
	for id, state := range r.stepStates {
		if state.Status.Satisfied() {
			satisfied[id] = true
		}
	}
	return satisfied
}

func (r *Run) setStatus(status types.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	now := time.Now().UTC()
	switch status {
	case types.RunRunning:
		if r.startedAt == nil {
			r.startedAt = &now
		}
	case types.RunCompleted, types.RunFailed, types.RunCancelled:
		r.endedAt = &now
	}
}

func (r *Run) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runErr = err
}

func (r *Run) setStepState(state types.StepState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepStates[state.StepID] = state
}

func (r *Run) markStepRunning(stepID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	state := r.stepStates[stepID]
	state.Status = types.StepRunning
	if state.StartedAt == nil {
		state.StartedAt = &now
	}
	r.stepStates[stepID] = state
	return now
}

// restoreFrom overwrites the run's identity and step states from a
// checkpoint, used by recovery.
func (r *Run) restoreFrom(runID string, status types.RunStatus, states map[string]types.StepState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ID = runID
	r.status = status
	r.stepStates = make(map[string]types.StepState, len(states))
	for id, state := range states {
		// In-flight states from the dead process are rewound to pending so
		// the steps are dispatched again.
		if state.Status == types.StepRunning || state.Status == types.StepReady {
			state.Status = types.StepPending
			state.StartedAt = nil
		}
		r.stepStates[id] = state
	}
}
