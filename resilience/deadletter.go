package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/stepflow/types"
)

// DeadLetter records a step whose retry budget was exhausted, preserving
// everything an operator needs to replay it manually: the rendered config
// the step ran with, the final error, and the attempt count.
type DeadLetter struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id"`
	StepType   string         `json:"step_type"`
	Config     map[string]any `json:"config,omitempty"`
	ErrorCode  string         `json:"error_code"`
	Error      string         `json:"error"`
	Attempts   int            `json:"attempts"`
	FailedAt   time.Time      `json:"failed_at"`
	ReplayedAt *time.Time     `json:"replayed_at,omitempty"`
}

// NewDeadLetter builds an entry for a terminally failed step.
func NewDeadLetter(runID, workflowID, stepID, stepType string, config map[string]any, err error, attempts int) DeadLetter {
	return DeadLetter{
		ID:         uuid.NewString(),
		RunID:      runID,
		WorkflowID: workflowID,
		StepID:     stepID,
		StepType:   stepType,
		Config:     config,
		ErrorCode:  string(types.GetErrorCode(err)),
		Error:      err.Error(),
		Attempts:   attempts,
		FailedAt:   time.Now().UTC(),
	}
}

// DeadLetterSink stores and retrieves dead-letter entries. Implementations
// are safe for concurrent use.
type DeadLetterSink interface {
	// Add appends an entry.
	Add(ctx context.Context, entry DeadLetter) error
	// Get returns one entry by ID.
	Get(ctx context.Context, id string) (DeadLetter, error)
	// List returns entries for a run, oldest first. An empty runID lists
	// every entry.
	List(ctx context.Context, runID string) ([]DeadLetter, error)
	// MarkReplayed stamps an entry as replayed and returns the updated
	// entry. The entry is kept for audit, not deleted.
	MarkReplayed(ctx context.Context, id string) (DeadLetter, error)
}

// MemoryDeadLetterSink is an in-process sink for tests and single-process
// deployments.
type MemoryDeadLetterSink struct {
	mu      sync.RWMutex
	entries map[string]DeadLetter
}

// NewMemoryDeadLetterSink creates an empty in-memory sink.
func NewMemoryDeadLetterSink() *MemoryDeadLetterSink {
	return &MemoryDeadLetterSink{entries: make(map[string]DeadLetter)}
}

func (s *MemoryDeadLetterSink) Add(_ context.Context, entry DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

func (s *MemoryDeadLetterSink) Get(_ context.Context, id string) (DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return DeadLetter{}, types.Errorf(types.ErrNotFound, "dead letter %s not found", id)
	}
	return entry, nil
}

func (s *MemoryDeadLetterSink) List(_ context.Context, runID string) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DeadLetter
	for _, entry := range s.entries {
		if runID == "" || entry.RunID == runID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

func (s *MemoryDeadLetterSink) MarkReplayed(_ context.Context, id string) (DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return DeadLetter{}, types.Errorf(types.ErrNotFound, "dead letter %s not found", id)
	}
	now := time.Now().UTC()
	entry.ReplayedAt = &now
	s.entries[id] = entry
	return entry, nil
}
