package resilience

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/stepflow/types"
)

const (
	dlqEntryKeyPrefix = "stepflow:dlq:entry:"
	dlqRunKeyPrefix   = "stepflow:dlq:run:"
	dlqAllKey         = "stepflow:dlq:all"
)

// RedisDeadLetterSink stores dead letters in Redis so they survive the
// process and are visible to external tooling. Entries live in per-ID
// keys; sorted sets indexed by failure time provide ordered listing.
type RedisDeadLetterSink struct {
	client redis.UniversalClient
}

// NewRedisDeadLetterSink creates a sink backed by the given Redis client.
func NewRedisDeadLetterSink(client redis.UniversalClient) *RedisDeadLetterSink {
	return &RedisDeadLetterSink{client: client}
}

func (s *RedisDeadLetterSink) Add(ctx context.Context, entry DeadLetter) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return types.NewError(types.ErrPersistence, "marshal dead letter").WithCause(err)
	}

	score := float64(entry.FailedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dlqEntryKeyPrefix+entry.ID, data, 0)
	pipe.ZAdd(ctx, dlqRunKeyPrefix+entry.RunID, redis.Z{Score: score, Member: entry.ID})
	pipe.ZAdd(ctx, dlqAllKey, redis.Z{Score: score, Member: entry.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrPersistence, "store dead letter").WithCause(err)
	}
	return nil
}

func (s *RedisDeadLetterSink) Get(ctx context.Context, id string) (DeadLetter, error) {
	data, err := s.client.Get(ctx, dlqEntryKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return DeadLetter{}, types.Errorf(types.ErrNotFound, "dead letter %s not found", id)
	}
	if err != nil {
		return DeadLetter{}, types.NewError(types.ErrPersistence, "load dead letter").WithCause(err)
	}

	var entry DeadLetter
	if err := json.Unmarshal(data, &entry); err != nil {
		return DeadLetter{}, types.NewError(types.ErrCorruption,
			fmt.Sprintf("decode dead letter %s", id)).WithCause(err)
	}
	return entry, nil
}

func (s *RedisDeadLetterSink) List(ctx context.Context, runID string) ([]DeadLetter, error) {
	key := dlqAllKey
	if runID != "" {
		key = dlqRunKeyPrefix + runID
	}
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list dead letters").WithCause(err)
	}

	entries := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err != nil {
			if types.HasCode(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisDeadLetterSink) MarkReplayed(ctx context.Context, id string) (DeadLetter, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return DeadLetter{}, err
	}
	now := nowUTC()
	entry.ReplayedAt = &now

	data, err := json.Marshal(entry)
	if err != nil {
		return DeadLetter{}, types.NewError(types.ErrPersistence, "marshal dead letter").WithCause(err)
	}
	if err := s.client.Set(ctx, dlqEntryKeyPrefix+id, data, 0).Err(); err != nil {
		return DeadLetter{}, types.NewError(types.ErrPersistence, "update dead letter").WithCause(err)
	}
	return entry, nil
}
