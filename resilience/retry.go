package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Retryer re-executes a failing operation according to a step's retry
// policy: bounded attempts, strategy-shaped backoff, optional jitter, and
// fail-fast on errors classified as non-retryable.
type Retryer struct {
	policy workflow.RetryPolicy
	logger *zap.Logger

	// sleep is swappable in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryer creates a retryer for one resolved retry policy.
func NewRetryer(policy workflow.RetryPolicy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	return &Retryer{
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, a
// non-retryable error surfaces, or the context is cancelled. The returned
// error carries the total number of attempts made.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.Delay(attempt - 1)
			r.logger.Debug("retrying after backoff",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			if err := r.sleep(ctx, delay); err != nil {
				return types.NewError(types.ErrCancelled, "retry cancelled").
					WithCause(err).WithAttempts(attempt - 1)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		if ctx.Err() != nil {
			return types.NewError(types.ErrCancelled, "retry cancelled").
				WithCause(lastErr).WithAttempts(attempt)
		}
		if !types.IsRetryable(lastErr) {
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return attemptsError(lastErr, attempt)
		}
	}

	r.logger.Warn("retry budget exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr))
	return attemptsError(lastErr, r.policy.MaxAttempts)
}

// Delay returns the backoff before retry number n (n >= 1, so n = 1 is the
// delay between the first and second attempts). Exponential strategy
// doubles the delay each retry; linear and constant keep it flat. The
// result is capped at MaxDelay, then jittered by up to ±25% when enabled.
func (r *Retryer) Delay(n int) time.Duration {
	base := float64(r.policy.InitialDelay) * math.Pow(r.policy.Backoff.Multiplier(), float64(n-1))
	if base > float64(r.policy.MaxDelay) {
		base = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := base * 0.25
		base += (rand.Float64()*2 - 1) * jitter
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// attemptsError stamps the attempt count onto structured errors; plain
// errors are wrapped so the count still surfaces.
func attemptsError(err error, attempts int) error {
	var serr *types.Error
	if errors.As(err, &serr) {
		return serr.WithAttempts(attempts)
	}
	return types.NewError(types.ErrExecution, err.Error()).
		WithCause(err).WithAttempts(attempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
