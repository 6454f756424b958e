package types

import "time"

// StepState is the per-step execution record inside a run. It is part of
// every checkpoint, so all fields serialize.
type StepState struct {
	StepID   string     `json:"step_id"`
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`
	// Error holds the final error message for failed steps.
	Error string `json:"error,omitempty"`
	// ErrorCode is the structured code of the final error.
	ErrorCode ErrorCode  `json:"error_code,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	// DurationMillis is the wall time of the step in milliseconds,
	// measured across all attempts.
	DurationMillis int64 `json:"duration_ms"`
	// Degraded marks a failed step whose fallback output was substituted.
	Degraded bool `json:"degraded,omitempty"`
}

// Clone returns a deep copy of the state.
func (s StepState) Clone() StepState {
	cp := s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return cp
}
