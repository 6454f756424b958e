package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Resume restarts an interrupted run from its newest intact checkpoint.
// Steps that completed before the interruption are never re-executed:
// their outputs come back through the restored execution context. Steps
// that were in flight when the process died are dispatched again.
func (s *Scheduler) Resume(ctx context.Context, wf *workflow.Workflow, runID string) (*Run, error) {
	if s.checkpoints == nil {
		return nil, types.NewError(types.ErrPersistence, "resume requires a checkpoint store")
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	cp, err := s.checkpoints.LoadLatest(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp.WorkflowID != wf.ID && cp.WorkflowName != wf.Name {
		return nil, types.Errorf(types.ErrDefinition,
			"checkpoint for run %s belongs to workflow %q, not %q", runID, cp.WorkflowName, wf.Name)
	}

	graph, err := workflow.Build(wf.Steps)
	if err != nil {
		return nil, err
	}

	run := NewRun(wf, nil)
	run.Context = restoreContext(cp)
	run.restoreFrom(cp.RunID, cp.RunStatus, cp.StepStates)
	s.guard.Breakers().Restore(cp.Breakers)

	if cp.RunStatus.Terminal() {
		s.logger.Info("run already terminal, nothing to resume",
			zap.String("run_id", runID),
			zap.String("status", string(cp.RunStatus)))
		return run, nil
	}

	s.logger.Info("resuming run from checkpoint",
		zap.String("run_id", runID),
		zap.String("workflow", wf.Name),
		zap.Int("checkpoint_version", cp.Version),
		zap.Int("completed_steps", len(cp.CompletedSteps())))

	return run, s.runLoop(ctx, wf, graph, run)
}

// RecoverableRuns lists checkpointed runs that did not reach a terminal
// status, the candidates for Resume after a restart.
func (s *Scheduler) RecoverableRuns(ctx context.Context) ([]string, error) {
	if s.checkpoints == nil {
		return nil, nil
	}
	ids, err := s.checkpoints.RunIDs(ctx)
	if err != nil {
		return nil, err
	}

	var recoverable []string
	for _, id := range ids {
		cp, err := s.checkpoints.LoadLatest(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unrecoverable run",
				zap.String("run_id", id),
				zap.Error(err))
			continue
		}
		if !cp.RunStatus.Terminal() {
			recoverable = append(recoverable, id)
		}
	}
	return recoverable, nil
}
