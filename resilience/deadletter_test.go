package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BaSui01/stepflow/types"
)

func sinkFixtures(t *testing.T) map[string]DeadLetterSink {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	gormSink, err := NewGormDeadLetterSink(db)
	require.NoError(t, err)

	return map[string]DeadLetterSink{
		"memory": NewMemoryDeadLetterSink(),
		"redis":  NewRedisDeadLetterSink(client),
		"gorm":   gormSink,
	}
}

func TestDeadLetterSinks(t *testing.T) {
	t.Parallel()

	for name, sink := range sinkFixtures(t) {
		sink := sink
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := NewDeadLetter("run-1", "wf-1", "fetch", "http",
				map[string]any{"url": "https://example.com"},
				types.NewError(types.ErrExecution, "connection refused").WithRetryable(true),
				3)
			second := NewDeadLetter("run-2", "wf-1", "persist", "db", nil,
				errors.New("disk full"), 5)
			second.FailedAt = first.FailedAt.Add(50 * time.Millisecond)

			require.NoError(t, sink.Add(ctx, first))
			require.NoError(t, sink.Add(ctx, second))

			got, err := sink.Get(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, "fetch", got.StepID)
			assert.Equal(t, "http", got.StepType)
			assert.Equal(t, string(types.ErrExecution), got.ErrorCode)
			assert.Equal(t, 3, got.Attempts)
			assert.Equal(t, map[string]any{"url": "https://example.com"}, got.Config)
			assert.Nil(t, got.ReplayedAt)

			byRun, err := sink.List(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, byRun, 1)
			assert.Equal(t, first.ID, byRun[0].ID)

			all, err := sink.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, first.ID, all[0].ID, "listing is oldest first")

			replayed, err := sink.MarkReplayed(ctx, second.ID)
			require.NoError(t, err)
			require.NotNil(t, replayed.ReplayedAt)

			// The entry stays in the sink after replay.
			kept, err := sink.Get(ctx, second.ID)
			require.NoError(t, err)
			assert.NotNil(t, kept.ReplayedAt)

			_, err = sink.Get(ctx, "missing")
			require.Error(t, err)
			assert.True(t, types.HasCode(err, types.ErrNotFound))

			_, err = sink.MarkReplayed(ctx, "missing")
			require.Error(t, err)
			assert.True(t, types.HasCode(err, types.ErrNotFound))
		})
	}
}
