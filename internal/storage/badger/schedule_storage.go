package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ScheduleStorage implements the ScheduleStorage interface for Badger
type ScheduleStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewScheduleStorage creates a new ScheduleStorage instance
func NewScheduleStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ScheduleStorage {
	return &ScheduleStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ScheduleStorage) Create(ctx context.Context, entry *models.ScheduledJob) error {
	if entry.ID == "" {
		return fmt.Errorf("schedule ID is required")
	}
	if err := s.db.Store().Insert(entry.ID, entry); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("schedule %s: %w", entry.ID, interfaces.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStorage) Get(ctx context.Context, id string) (*models.ScheduledJob, error) {
	var entry models.ScheduledJob
	if err := s.db.Store().Get(id, &entry); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &entry, nil
}

func (s *ScheduleStorage) Update(ctx context.Context, entry *models.ScheduledJob) error {
	if entry.ID == "" {
		return fmt.Errorf("schedule ID is required")
	}
	if err := s.db.Store().Upsert(entry.ID, entry); err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.ScheduledJob{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStorage) GetByWebsite(ctx context.Context, websiteID string) ([]*models.ScheduledJob, error) {
	var entries []models.ScheduledJob
	if err := s.db.Store().Find(&entries, badgerhold.Where("WebsiteID").Eq(websiteID)); err != nil {
		return nil, fmt.Errorf("failed to get schedules by website: %w", err)
	}

	result := make([]*models.ScheduledJob, 0, len(entries))
	for i := range entries {
		result = append(result, &entries[i])
	}
	return result, nil
}

func (s *ScheduleStorage) List(ctx context.Context, opts *interfaces.ListOptions) ([]*models.ScheduledJob, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("NextRunTime")
	if opts != nil {
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var entries []models.ScheduledJob
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	result := make([]*models.ScheduledJob, 0, len(entries))
	for i := range entries {
		result = append(result, &entries[i])
	}
	return result, nil
}

// ListDue returns active entries whose next fire time has arrived,
// oldest first so the most overdue entries go out first.
func (s *ScheduleStorage) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.ScheduledJob, error) {
	query := badgerhold.Where("IsActive").Eq(true).
		And("NextRunTime").Le(cutoff).
		SortBy("NextRunTime")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []models.ScheduledJob
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}

	result := make([]*models.ScheduledJob, 0, len(entries))
	for i := range entries {
		result = append(result, &entries[i])
	}
	return result, nil
}

func (s *ScheduleStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.ScheduledJob{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count schedules: %w", err)
	}
	return int(count), nil
}
