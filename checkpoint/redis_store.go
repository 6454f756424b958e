package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/stepflow/types"
)

const (
	ckptKeyPrefix = "stepflow:ckpt:"
	ckptRunsKey   = "stepflow:ckpt:runs"
)

// RedisStore persists checkpoints in Redis hashes, one hash per run keyed
// by version. HSET is atomic, so a reader never observes a torn write.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store backed by the given Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func runKey(runID string) string {
	return ckptKeyPrefix + runID
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return types.NewError(types.ErrPersistence, "marshal checkpoint").WithCause(err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, runKey(cp.RunID), strconv.Itoa(cp.Version), data)
	pipe.SAdd(ctx, ckptRunsKey, cp.RunID)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrPersistence, "store checkpoint").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, runID string, version int) (*Checkpoint, error) {
	data, err := s.client.HGet(ctx, runKey(runID), strconv.Itoa(version)).Bytes()
	if err == redis.Nil {
		return nil, types.Errorf(types.ErrNotFound, "checkpoint %s v%d not found", runID, version)
	}
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "load checkpoint").WithCause(err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, types.Errorf(types.ErrCorruption, "decode checkpoint %s v%d", runID, version).WithCause(err)
	}
	return &cp, nil
}

func (s *RedisStore) Versions(ctx context.Context, runID string) ([]int, error) {
	fields, err := s.client.HKeys(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list checkpoint versions").WithCause(err)
	}

	versions := make([]int, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.Atoi(field)
		if err != nil {
			return nil, types.Errorf(types.ErrCorruption, "bad checkpoint version field %q for run %s", field, runID)
		}
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	return versions, nil
}

func (s *RedisStore) Delete(ctx context.Context, runID string, version int) error {
	if err := s.client.HDel(ctx, runKey(runID), strconv.Itoa(version)).Err(); err != nil {
		return types.NewError(types.ErrPersistence, "delete checkpoint").WithCause(err)
	}
	remaining, err := s.client.HLen(ctx, runKey(runID)).Result()
	if err == nil && remaining == 0 {
		_ = s.client.SRem(ctx, ckptRunsKey, runID).Err()
	}
	return nil
}

func (s *RedisStore) RunIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, ckptRunsKey).Result()
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list checkpoint runs").WithCause(err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
