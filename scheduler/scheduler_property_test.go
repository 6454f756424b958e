package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/BaSui01/stepflow/checkpoint"
	"github.com/BaSui01/stepflow/resilience"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// genDAGWorkflow draws an acyclic workflow: each step may only depend on
// steps generated before it.
func genDAGWorkflow(t *rapid.T) *workflow.Workflow {
	n := rapid.IntRange(1, 12).Draw(t, "steps")
	steps := make([]workflow.Step, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%d", i)
		var deps []string
		if i > 0 {
			depCount := rapid.IntRange(0, i).Draw(t, "deps_"+id)
			seen := map[int]bool{}
			for j := 0; j < depCount; j++ {
				d := rapid.IntRange(0, i-1).Draw(t, fmt.Sprintf("dep_%s_%d", id, j))
				if !seen[d] {
					seen[d] = true
					deps = append(deps, fmt.Sprintf("s%d", d))
				}
			}
		}
		steps[i] = workflow.Step{
			ID:        id,
			Type:      "echo",
			DependsOn: deps,
			Config:    map[string]any{"self": id},
		}
	}
	return &workflow.Workflow{ID: "wf-prop", Name: "prop", Steps: steps}
}

func TestProperty_EveryStepRunsExactlyOnce(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		registry := NewRegistry()
		breakers := resilience.NewBreakerRegistry(
			resilience.BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Minute}, nil, nil)
		s := NewScheduler(
			registry,
			resilience.NewGuard(breakers, nil),
			nil,
			checkpoint.NewManager(checkpoint.NewMemoryStore(), nil),
			nil,
			DefaultConfig(),
			nil,
		)

		var mu sync.Mutex
		executed := map[string]int{}
		registry.RegisterFunc("echo", func(_ context.Context, config map[string]any) (map[string]any, error) {
			mu.Lock()
			executed[config["self"].(string)]++
			mu.Unlock()
			return map[string]any{"self": config["self"]}, nil
		})

		wf := genDAGWorkflow(t)
		run, err := s.Execute(context.Background(), wf, nil)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if run.Status() != types.RunCompleted {
			t.Fatalf("status = %s, want completed", run.Status())
		}

		mu.Lock()
		defer mu.Unlock()
		for _, step := range wf.Steps {
			if executed[step.ID] != 1 {
				t.Fatalf("step %s executed %d times", step.ID, executed[step.ID])
			}
			state, ok := run.StepState(step.ID)
			if !ok || state.Status != types.StepSucceeded {
				t.Fatalf("step %s state = %+v", step.ID, state)
			}
			if _, ok := run.Context.GetOutput(step.ID, "self"); !ok {
				t.Fatalf("step %s output missing", step.ID)
			}
		}
	})
}

func TestProperty_FinalCheckpointMatchesRunOutcome(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		registry := NewRegistry()
		store := checkpoint.NewMemoryStore()
		breakers := resilience.NewBreakerRegistry(
			resilience.BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Minute}, nil, nil)
		s := NewScheduler(
			registry,
			resilience.NewGuard(breakers, nil),
			nil,
			checkpoint.NewManager(store, nil),
			nil,
			DefaultConfig(),
			nil,
		)
		registry.RegisterFunc("echo", func(_ context.Context, config map[string]any) (map[string]any, error) {
			return map[string]any{"self": config["self"]}, nil
		})

		wf := genDAGWorkflow(t)
		run, err := s.Execute(context.Background(), wf, nil)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}

		latest, err := checkpoint.NewManager(store, nil).LoadLatest(context.Background(), run.ID)
		if err != nil {
			t.Fatalf("load latest: %v", err)
		}
		if latest.RunStatus != run.Status() {
			t.Fatalf("checkpoint status %s != run status %s", latest.RunStatus, run.Status())
		}
		if len(latest.CompletedSteps()) != len(wf.Steps) {
			t.Fatalf("checkpoint completed %d steps, want %d", len(latest.CompletedSteps()), len(wf.Steps))
		}
		for id := range latest.CompletedSteps() {
			if latest.Context.Outputs[id] == nil {
				t.Fatalf("checkpoint missing outputs for %s", id)
			}
		}
	})
}
