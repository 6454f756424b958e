package types

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunPending indicates the run has been submitted but not started.
	RunPending RunStatus = "pending"
	// RunRunning indicates the run is actively dispatching steps.
	RunRunning RunStatus = "running"
	// RunPaused indicates the run is suspended, typically after an
	// unresolvable persistence failure, and can be resumed.
	RunPaused RunStatus = "paused"
	// RunCompleted indicates every non-skipped step finished successfully.
	RunCompleted RunStatus = "completed"
	// RunFailed indicates a fatal step failure ended the run.
	RunFailed RunStatus = "failed"
	// RunCancelled indicates the run was cancelled by the caller.
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a single step within a run.
type StepStatus string

const (
	// StepPending indicates the step is waiting for its dependencies.
	StepPending StepStatus = "pending"
	// StepReady indicates all dependencies are satisfied and the step is
	// queued for dispatch.
	StepReady StepStatus = "ready"
	// StepRunning indicates the step is executing.
	StepRunning StepStatus = "running"
	// StepSucceeded indicates the step completed successfully.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed indicates the step failed after exhausting its retry budget.
	StepFailed StepStatus = "failed"
	// StepSkipped indicates the step's condition evaluated to false.
	StepSkipped StepStatus = "skipped"
	// StepCancelled indicates the step was cancelled before completing.
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Satisfied reports whether the step status counts as a satisfied dependency
// for downstream steps. Skipped steps satisfy their dependents.
func (s StepStatus) Satisfied() bool {
	return s == StepSucceeded || s == StepSkipped
}
