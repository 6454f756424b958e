package checkpoint

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// Manager layers versioning and corruption fallback over a Store. One run
// checkpoints sequentially, so version assignment reads the store instead
// of holding counters.
type Manager struct {
	store  Store
	logger *zap.Logger
}

// NewManager creates a manager over the given store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger.Named("checkpoint")}
}

// Store exposes the underlying store.
func (m *Manager) Store() Store { return m.store }

// Save assigns the next version, links the parent, seals, and persists the
// checkpoint. The caller fills every field except Version, ParentVersion,
// CreatedAt, and Checksum.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) error {
	versions, err := m.store.Versions(ctx, cp.RunID)
	if err != nil {
		return err
	}
	cp.ParentVersion = 0
	cp.Version = 1
	if len(versions) > 0 {
		cp.ParentVersion = versions[0]
		cp.Version = versions[0] + 1
	}
	cp.CreatedAt = time.Now().UTC()

	if err := cp.Seal(); err != nil {
		return err
	}
	if err := m.store.Save(ctx, cp); err != nil {
		return err
	}

	m.logger.Debug("checkpoint saved",
		zap.String("run_id", cp.RunID),
		zap.Int("version", cp.Version),
		zap.String("run_status", string(cp.RunStatus)))
	return nil
}

// LoadLatest returns the newest intact checkpoint for a run. A corrupted
// version is logged and skipped in favor of the next older one; when no
// version verifies, the error reports corruption rather than absence so
// the operator knows data existed.
func (m *Manager) LoadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	versions, err := m.store.Versions(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, types.Errorf(types.ErrNotFound, "no checkpoints for run %s", runID)
	}

	var lastErr error
	for _, version := range versions {
		cp, err := m.store.Load(ctx, runID, version)
		if err != nil {
			if types.HasCode(err, types.ErrCorruption) {
				m.logger.Warn("skipping corrupted checkpoint",
					zap.String("run_id", runID),
					zap.Int("version", version),
					zap.Error(err))
				lastErr = err
				continue
			}
			return nil, err
		}
		if err := cp.Verify(); err != nil {
			m.logger.Warn("skipping checkpoint with bad checksum",
				zap.String("run_id", runID),
				zap.Int("version", version),
				zap.Error(err))
			lastErr = err
			continue
		}
		return cp, nil
	}

	return nil, types.Errorf(types.ErrCorruption, "all %d checkpoints for run %s are corrupted", len(versions), runID).
		WithCause(lastErr)
}

// Prune deletes older versions of a run, keeping the newest keep versions.
func (m *Manager) Prune(ctx context.Context, runID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	versions, err := m.store.Versions(ctx, runID)
	if err != nil {
		return err
	}
	for _, version := range versions[min(keep, len(versions)):] {
		if err := m.store.Delete(ctx, runID, version); err != nil {
			return err
		}
	}
	return nil
}

// Sweep deletes checkpoints created before the cutoff across all runs.
// The newest version of each run is always kept so a live run stays
// resumable. Unreadable versions are swept as well: a checkpoint too
// corrupt to date is past any cutoff.
func (m *Manager) Sweep(ctx context.Context, cutoff time.Time) error {
	runIDs, err := m.store.RunIDs(ctx)
	if err != nil {
		return err
	}
	for _, runID := range runIDs {
		versions, err := m.store.Versions(ctx, runID)
		if err != nil {
			return err
		}
		if len(versions) <= 1 {
			continue
		}
		for _, version := range versions[1:] {
			cp, err := m.store.Load(ctx, runID, version)
			if err != nil && !types.HasCode(err, types.ErrCorruption) {
				return err
			}
			if err == nil && cp.Verify() == nil && !cp.CreatedAt.Before(cutoff) {
				continue
			}
			if err := m.store.Delete(ctx, runID, version); err != nil {
				return err
			}
			m.logger.Debug("checkpoint swept",
				zap.String("run_id", runID),
				zap.Int("version", version))
		}
	}
	return nil
}

// DeleteRun removes every checkpoint of a run, used once a run reaches a
// terminal status and its history is no longer needed.
func (m *Manager) DeleteRun(ctx context.Context, runID string) error {
	versions, err := m.store.Versions(ctx, runID)
	if err != nil {
		return err
	}
	for _, version := range versions {
		if err := m.store.Delete(ctx, runID, version); err != nil {
			return err
		}
	}
	return nil
}

// RunIDs lists every run with stored checkpoints, for recovery scans.
func (m *Manager) RunIDs(ctx context.Context) ([]string, error) {
	return m.store.RunIDs(ctx)
}
