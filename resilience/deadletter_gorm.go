package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/stepflow/types"
)

// deadLetterRecord is the relational shape of a dead letter. The rendered
// step config is stored as a JSON blob; the indexed columns are the ones
// operators filter on.
type deadLetterRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	RunID      string `gorm:"index;size:64"`
	WorkflowID string `gorm:"index;size:64"`
	StepID     string `gorm:"size:255"`
	StepType   string `gorm:"size:255"`
	ConfigJSON string `gorm:"type:text"`
	ErrorCode  string `gorm:"size:64"`
	Error      string `gorm:"type:text"`
	Attempts   int
	FailedAt   time.Time `gorm:"index"`
	ReplayedAt *time.Time
}

func (deadLetterRecord) TableName() string { return "dead_letters" }

func toRecord(entry DeadLetter) (deadLetterRecord, error) {
	configJSON := ""
	if entry.Config != nil {
		data, err := json.Marshal(entry.Config)
		if err != nil {
			return deadLetterRecord{}, types.NewError(types.ErrPersistence, "marshal dead letter config").WithCause(err)
		}
		configJSON = string(data)
	}
	return deadLetterRecord{
		ID:         entry.ID,
		RunID:      entry.RunID,
		WorkflowID: entry.WorkflowID,
		StepID:     entry.StepID,
		StepType:   entry.StepType,
		ConfigJSON: configJSON,
		ErrorCode:  entry.ErrorCode,
		Error:      entry.Error,
		Attempts:   entry.Attempts,
		FailedAt:   entry.FailedAt,
		ReplayedAt: entry.ReplayedAt,
	}, nil
}

func (r deadLetterRecord) toEntry() (DeadLetter, error) {
	var config map[string]any
	if r.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(r.ConfigJSON), &config); err != nil {
			return DeadLetter{}, types.NewError(types.ErrCorruption, "decode dead letter config").WithCause(err)
		}
	}
	return DeadLetter{
		ID:         r.ID,
		RunID:      r.RunID,
		WorkflowID: r.WorkflowID,
		StepID:     r.StepID,
		StepType:   r.StepType,
		Config:     config,
		ErrorCode:  r.ErrorCode,
		Error:      r.Error,
		Attempts:   r.Attempts,
		FailedAt:   r.FailedAt,
		ReplayedAt: r.ReplayedAt,
	}, nil
}

// GormDeadLetterSink stores dead letters in a relational database through
// GORM. Works with any dialect GORM supports; tests run it on SQLite.
type GormDeadLetterSink struct {
	db *gorm.DB
}

// NewGormDeadLetterSink migrates the dead_letters table and returns a sink.
func NewGormDeadLetterSink(db *gorm.DB) (*GormDeadLetterSink, error) {
	if err := db.AutoMigrate(&deadLetterRecord{}); err != nil {
		return nil, types.NewError(types.ErrPersistence, "migrate dead_letters table").WithCause(err)
	}
	return &GormDeadLetterSink{db: db}, nil
}

func (s *GormDeadLetterSink) Add(ctx context.Context, entry DeadLetter) error {
	record, err := toRecord(entry)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return types.NewError(types.ErrPersistence, "store dead letter").WithCause(err)
	}
	return nil
}

func (s *GormDeadLetterSink) Get(ctx context.Context, id string) (DeadLetter, error) {
	var record deadLetterRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DeadLetter{}, types.Errorf(types.ErrNotFound, "dead letter %s not found", id)
	}
	if err != nil {
		return DeadLetter{}, types.NewError(types.ErrPersistence, "load dead letter").WithCause(err)
	}
	return record.toEntry()
}

func (s *GormDeadLetterSink) List(ctx context.Context, runID string) ([]DeadLetter, error) {
	query := s.db.WithContext(ctx).Order("failed_at asc")
	if runID != "" {
		query = query.Where("run_id = ?", runID)
	}

	var records []deadLetterRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, types.NewError(types.ErrPersistence, "list dead letters").WithCause(err)
	}

	entries := make([]DeadLetter, 0, len(records))
	for _, record := range records {
		entry, err := record.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *GormDeadLetterSink) MarkReplayed(ctx context.Context, id string) (DeadLetter, error) {
	now := nowUTC()
	result := s.db.WithContext(ctx).Model(&deadLetterRecord{}).
		Where("id = ?", id).
		Update("replayed_at", now)
	if result.Error != nil {
		return DeadLetter{}, types.NewError(types.ErrPersistence, "update dead letter").WithCause(result.Error)
	}
	if result.RowsAffected == 0 {
		return DeadLetter{}, types.Errorf(types.ErrNotFound, "dead letter %s not found", id)
	}
	return s.Get(ctx, id)
}

func nowUTC() time.Time { return time.Now().UTC() }
