package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/BaSui01/stepflow/types"
)

// MemoryStore keeps checkpoints in process memory. Used in tests and for
// runs that do not need durability. Checkpoints are stored as serialized
// bytes so the store observes the same encode/decode path as the durable
// backends.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[int][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[int][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return types.NewError(types.ErrPersistence, "marshal checkpoint").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[cp.RunID] == nil {
		s.runs[cp.RunID] = make(map[int][]byte)
	}
	s.runs[cp.RunID][cp.Version] = data
	return nil
}

func (s *MemoryStore) Load(_ context.Context, runID string, version int) (*Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.runs[runID][version]
	s.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "checkpoint %s v%d not found", runID, version)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, types.Errorf(types.ErrCorruption, "decode checkpoint %s v%d", runID, version).WithCause(err)
	}
	return &cp, nil
}

func (s *MemoryStore) Versions(_ context.Context, runID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make([]int, 0, len(s.runs[runID]))
	for v := range s.runs[runID] {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	return versions, nil
}

func (s *MemoryStore) Delete(_ context.Context, runID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs[runID], version)
	if len(s.runs[runID]) == 0 {
		delete(s.runs, runID)
	}
	return nil
}

func (s *MemoryStore) RunIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }

// Corrupt overwrites a stored version with garbage bytes. Test helper for
// exercising corruption fallback.
func (s *MemoryStore) Corrupt(runID string, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[runID] != nil {
		s.runs[runID][version] = []byte("{corrupted")
	}
}
