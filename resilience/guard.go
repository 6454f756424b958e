package resilience

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Guard combines the two per-attempt protections around step execution:
// the circuit breaker for the step's collaborator key, and the retry
// policy of the step. The ordering is fixed: the breaker is consulted
// before every attempt, and a breaker rejection is non-retryable, so an
// open circuit fails the step immediately instead of burning the retry
// budget against a collaborator known to be down.
type Guard struct {
	breakers *BreakerRegistry
	logger   *zap.Logger
}

// NewGuard creates a guard over the given breaker registry.
func NewGuard(breakers *BreakerRegistry, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{breakers: breakers, logger: logger}
}

// Breakers exposes the underlying registry for checkpointing and metrics.
func (g *Guard) Breakers() *BreakerRegistry {
	return g.breakers
}

// Execute runs fn under the breaker identified by key and the given retry
// policy. Every attempt's outcome feeds the breaker; the breaker is shared
// across runs, so failures from concurrent runs accumulate on the same
// circuit.
func (g *Guard) Execute(ctx context.Context, key string, policy workflow.RetryPolicy, fn func(ctx context.Context) error) error {
	breaker := g.breakers.GetOrCreate(key)
	retryer := NewRetryer(policy, g.logger)

	return retryer.Do(ctx, func(ctx context.Context) error {
		if err := breaker.Allow(); err != nil {
			return err
		}
		if err := fn(ctx); err != nil {
			// A cancelled attempt says nothing about the collaborator's
			// health: the orchestrator stopped waiting, the executor may
			// never have failed. Only real failures feed the breaker.
			if ctx.Err() != nil || types.HasCode(err, types.ErrCancelled) {
				breaker.AbandonProbe()
			} else {
				breaker.RecordFailure()
			}
			return err
		}
		breaker.RecordSuccess()
		return nil
	})
}
