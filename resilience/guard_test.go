package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

func noDelayPolicy(maxAttempts int) workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts:  maxAttempts,
		Backoff:      workflow.BackoffConstant,
		InitialDelay: time.Nanosecond,
		MaxDelay:     time.Nanosecond,
	}
}

func TestGuard_RecordsAttemptOutcomes(t *testing.T) {
	t.Parallel()

	registry := NewBreakerRegistry(BreakerConfig{FailureThreshold: 10, RecoveryTimeout: time.Minute}, nil, nil)
	guard := NewGuard(registry, nil)

	calls := 0
	err := guard.Execute(context.Background(), "api", noDelayPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrExecution, "flaky").WithRetryable(true)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// Final success resets the consecutive failure count.
	assert.Equal(t, 0, registry.GetOrCreate("api").Failures())
}

func TestGuard_EachFailedAttemptFeedsBreaker(t *testing.T) {
	t.Parallel()

	registry := NewBreakerRegistry(BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute}, nil, nil)
	guard := NewGuard(registry, nil)

	err := guard.Execute(context.Background(), "api", noDelayPolicy(3), func(context.Context) error {
		return types.NewError(types.ErrExecution, "down").WithRetryable(true)
	})
	require.Error(t, err)
	assert.Equal(t, 3, registry.GetOrCreate("api").Failures())
	assert.Equal(t, CircuitClosed, registry.GetOrCreate("api").State())
}

func TestGuard_OpenCircuitFailsWithoutCallingStep(t *testing.T) {
	t.Parallel()

	registry := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil, nil)
	guard := NewGuard(registry, nil)
	registry.GetOrCreate("api").RecordFailure()

	calls := 0
	err := guard.Execute(context.Background(), "api", noDelayPolicy(5), func(context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCircuitOpen))
	assert.Equal(t, 0, calls, "an open circuit must short-circuit before execution")

	var serr *types.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 1, serr.Attempts, "breaker rejection must not burn the retry budget")
}

func TestGuard_BreakerTripsMidRetry(t *testing.T) {
	t.Parallel()

	registry := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}, nil, nil)
	guard := NewGuard(registry, nil)

	calls := 0
	err := guard.Execute(context.Background(), "api", noDelayPolicy(5), func(context.Context) error {
		calls++
		return types.NewError(types.ErrExecution, "down").WithRetryable(true)
	})
	require.Error(t, err)
	// Attempts 1 and 2 trip the breaker; attempt 3 is rejected at Allow.
	assert.Equal(t, 2, calls)
	assert.True(t, types.HasCode(err, types.ErrCircuitOpen))
	assert.Equal(t, CircuitOpen, registry.GetOrCreate("api").State())
}

func TestGuard_CancelledAttemptDoesNotFeedBreaker(t *testing.T) {
	t.Parallel()

	registry := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil, nil)
	guard := NewGuard(registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	err := guard.Execute(ctx, "api", noDelayPolicy(3), func(context.Context) error {
		cancel()
		return types.NewError(types.ErrCancelled, "orchestrator stopped waiting")
	})
	require.Error(t, err)

	// The collaborator never failed; the breaker must stay closed with a
	// clean slate even at threshold 1.
	assert.Equal(t, 0, registry.GetOrCreate("api").Failures())
	assert.Equal(t, CircuitClosed, registry.GetOrCreate("api").State())
}

func TestGuard_CancelledProbeReleasesHalfOpenSlot(t *testing.T) {
	t.Parallel()

	registry := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil, nil)
	guard := NewGuard(registry, nil)

	breaker := registry.GetOrCreate("api")
	breaker.RecordFailure()
	require.Equal(t, CircuitOpen, breaker.State())
	moved := time.Now().Add(2 * time.Hour)
	breaker.now = func() time.Time { return moved }

	// The recovery window has elapsed; the probe is admitted but the
	// caller gives up on it.
	ctx, cancel := context.WithCancel(context.Background())
	err := guard.Execute(ctx, "api", noDelayPolicy(1), func(context.Context) error {
		cancel()
		return types.NewError(types.ErrCancelled, "gave up")
	})
	require.Error(t, err)
	require.Equal(t, CircuitHalfOpen, breaker.State())

	// The next attempt gets the probe slot instead of a rejection.
	err = guard.Execute(context.Background(), "api", noDelayPolicy(1), func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, breaker.State())
}
