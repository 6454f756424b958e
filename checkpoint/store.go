package checkpoint

import "context"

// Store persists checkpoints. Implementations must make a saved checkpoint
// visible atomically: a reader sees either the previous complete version
// or the new complete version, never a torn write.
type Store interface {
	// Save persists one sealed checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
	// Load returns one specific version of a run's checkpoint.
	Load(ctx context.Context, runID string, version int) (*Checkpoint, error)
	// Versions returns all stored versions for a run, newest first.
	Versions(ctx context.Context, runID string) ([]int, error)
	// Delete removes one version.
	Delete(ctx context.Context, runID string, version int) error
	// RunIDs lists every run with at least one checkpoint.
	RunIDs(ctx context.Context) ([]string, error)
	// Close releases the store's resources.
	Close() error
}
