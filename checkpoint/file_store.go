package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BaSui01/stepflow/types"
)

// FileStore persists checkpoints as JSON files, one directory per run,
// one file per version. Suitable for single-node deployments. Writes are
// atomic: the file is written to a temp path in the same directory and
// renamed into place, so a crash mid-write leaves the previous version
// untouched.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates the base directory and returns a file store.
func NewFileStore(baseDir string) (*FileStore, error) {
	dir := filepath.Join(baseDir, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewError(types.ErrPersistence, "create checkpoint directory").WithCause(err)
	}
	return &FileStore{baseDir: dir}, nil
}

func (s *FileStore) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func (s *FileStore) versionPath(runID string, version int) string {
	return filepath.Join(s.runDir(runID), fmt.Sprintf("v%06d.json", version))
}

func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return types.NewError(types.ErrPersistence, "marshal checkpoint").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.runDir(cp.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.NewError(types.ErrPersistence, "create run directory").WithCause(err)
	}

	final := s.versionPath(cp.RunID, cp.Version)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return types.NewError(types.ErrPersistence, "write checkpoint").WithCause(err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return types.NewError(types.ErrPersistence, "publish checkpoint").WithCause(err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, runID string, version int) (*Checkpoint, error) {
	data, err := os.ReadFile(s.versionPath(runID, version))
	if os.IsNotExist(err) {
		return nil, types.Errorf(types.ErrNotFound, "checkpoint %s v%d not found", runID, version)
	}
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "read checkpoint").WithCause(err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, types.Errorf(types.ErrCorruption, "decode checkpoint %s v%d", runID, version).WithCause(err)
	}
	return &cp, nil
}

func (s *FileStore) Versions(_ context.Context, runID string) ([]int, error) {
	entries, err := os.ReadDir(s.runDir(runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list checkpoint versions").WithCause(err)
	}

	var versions []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	return versions, nil
}

func (s *FileStore) Delete(_ context.Context, runID string, version int) error {
	err := os.Remove(s.versionPath(runID, version))
	if err != nil && !os.IsNotExist(err) {
		return types.NewError(types.ErrPersistence, "delete checkpoint").WithCause(err)
	}
	// Drop the run directory once empty; a failure here is harmless.
	_ = os.Remove(s.runDir(runID))
	return nil
}

func (s *FileStore) RunIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list checkpoint runs").WithCause(err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Close() error { return nil }
