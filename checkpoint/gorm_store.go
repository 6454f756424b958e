package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/stepflow/types"
)

// checkpointRecord is the relational shape of a checkpoint. The snapshot
// body is an opaque JSON blob; only the lookup columns are broken out.
type checkpointRecord struct {
	RunID     string `gorm:"primaryKey;size:64"`
	Version   int    `gorm:"primaryKey"`
	CreatedAt time.Time
	Payload   string `gorm:"type:text"`
}

func (checkpointRecord) TableName() string { return "checkpoints" }

// GormStore persists checkpoints through GORM. A row insert is atomic, so
// visibility follows from the database's transaction guarantees. Tests run
// it on SQLite; production deployments point it at Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the checkpoints table and returns a store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, types.NewError(types.ErrPersistence, "migrate checkpoints table").WithCause(err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return types.NewError(types.ErrPersistence, "marshal checkpoint").WithCause(err)
	}
	record := checkpointRecord{
		RunID:     cp.RunID,
		Version:   cp.Version,
		CreatedAt: cp.CreatedAt,
		Payload:   string(data),
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return types.NewError(types.ErrPersistence, "store checkpoint").WithCause(err)
	}
	return nil
}

func (s *GormStore) Load(ctx context.Context, runID string, version int) (*Checkpoint, error) {
	var record checkpointRecord
	err := s.db.WithContext(ctx).
		First(&record, "run_id = ? AND version = ?", runID, version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "checkpoint %s v%d not found", runID, version)
	}
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "load checkpoint").WithCause(err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(record.Payload), &cp); err != nil {
		return nil, types.Errorf(types.ErrCorruption, "decode checkpoint %s v%d", runID, version).WithCause(err)
	}
	return &cp, nil
}

func (s *GormStore) Versions(ctx context.Context, runID string) ([]int, error) {
	var versions []int
	err := s.db.WithContext(ctx).
		Model(&checkpointRecord{}).
		Where("run_id = ?", runID).
		Order("version desc").
		Pluck("version", &versions).Error
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list checkpoint versions").WithCause(err)
	}
	return versions, nil
}

func (s *GormStore) Delete(ctx context.Context, runID string, version int) error {
	err := s.db.WithContext(ctx).
		Delete(&checkpointRecord{}, "run_id = ? AND version = ?", runID, version).Error
	if err != nil {
		return types.NewError(types.ErrPersistence, "delete checkpoint").WithCause(err)
	}
	return nil
}

func (s *GormStore) RunIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&checkpointRecord{}).
		Distinct("run_id").
		Order("run_id").
		Pluck("run_id", &ids).Error
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list checkpoint runs").WithCause(err)
	}
	return ids, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
