package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) Create(ctx context.Context, job *models.CrawlJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("job %s: %w", job.ID, interfaces.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStorage) Get(ctx context.Context, id string) (*models.CrawlJob, error) {
	var job models.CrawlJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) Update(ctx context.Context, job *models.CrawlJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// TransitionStatus performs the compare-and-set lifecycle move inside a
// single badger transaction. Concurrent movers conflict at commit; the
// loser surfaces ErrStatusConflict and must re-read.
func (s *JobStorage) TransitionStatus(ctx context.Context, id string, from, to models.JobStatus, mutate func(*models.CrawlJob)) (*models.CrawlJob, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("job %s: %s -> %s: %w", id, from, to, interfaces.ErrInvalidTransition)
	}

	var job models.CrawlJob
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		if err := s.db.Store().TxGet(txn, id, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return err
		}
		if job.Status != from {
			return fmt.Errorf("job %s is %s, expected %s: %w", id, job.Status, from, interfaces.ErrStatusConflict)
		}
		job.Status = to
		if mutate != nil {
			mutate(&job)
		}
		return s.db.Store().TxUpdate(txn, id, &job)
	})
	if err == badgerdb.ErrConflict {
		return nil, fmt.Errorf("job %s: concurrent update: %w", id, interfaces.ErrStatusConflict)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobStorage) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.CrawlJob, error) {
	query := s.buildQuery(opts)

	if opts != nil && opts.OrderDir == "asc" {
		query = query.SortBy("CreatedAt")
	} else {
		query = query.SortBy("CreatedAt").Reverse()
	}
	if opts != nil {
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var jobs []models.CrawlJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.CrawlJob, 0, len(jobs))
	for i := range jobs {
		result = append(result, &jobs[i])
	}
	return result, nil
}

func (s *JobStorage) Count(ctx context.Context, opts *interfaces.JobListOptions) (int, error) {
	count, err := s.db.Store().Count(&models.CrawlJob{}, s.buildQuery(opts))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) buildQuery(opts *interfaces.JobListOptions) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")
	if opts == nil {
		return query
	}
	if opts.Status != "" {
		query = query.And("Status").Eq(opts.Status)
	}
	if opts.WebsiteID != "" {
		query = query.And("WebsiteID").Eq(opts.WebsiteID)
	}
	if opts.ScheduleID != "" {
		query = query.And("ScheduleID").Eq(opts.ScheduleID)
	}
	if opts.JobType != "" {
		query = query.And("JobType").Eq(opts.JobType)
	}
	if opts.CreatedAfter != nil {
		query = query.And("CreatedAt").Ge(*opts.CreatedAfter)
	}
	if opts.CreatedBefore != nil {
		query = query.And("CreatedAt").Lt(*opts.CreatedBefore)
	}
	return query
}

func (s *JobStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.CrawlJob{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *JobStorage) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.CrawlJob, error) {
	var jobs []models.CrawlJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}

	result := make([]*models.CrawlJob, 0, len(jobs))
	for i := range jobs {
		result = append(result, &jobs[i])
	}
	return result, nil
}

func (s *JobStorage) ListStaleRunning(ctx context.Context, heartbeatBefore time.Time) ([]*models.CrawlJob, error) {
	var jobs []models.CrawlJob
	query := badgerhold.Where("Status").Eq(models.JobStatusRunning).And("LastHeartbeat").Lt(heartbeatBefore)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	result := make([]*models.CrawlJob, 0, len(jobs))
	for i := range jobs {
		result = append(result, &jobs[i])
	}
	return result, nil
}

func (s *JobStorage) Heartbeat(ctx context.Context, id string, at time.Time) error {
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		var job models.CrawlJob
		if err := s.db.Store().TxGet(txn, id, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return err
		}
		job.LastHeartbeat = at
		return s.db.Store().TxUpdate(txn, id, &job)
	})
	if err != nil && err != interfaces.ErrNotFound {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return err
}

func (s *JobStorage) UpdateProgress(ctx context.Context, id string, progress models.CrawlProgress) error {
	heartbeat := progress.UpdatedAt
	if heartbeat.IsZero() {
		heartbeat = time.Now()
	}
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		var job models.CrawlJob
		if err := s.db.Store().TxGet(txn, id, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return err
		}
		job.Progress = progress
		job.LastHeartbeat = heartbeat
		return s.db.Store().TxUpdate(txn, id, &job)
	})
	if err != nil && err != interfaces.ErrNotFound {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return err
}

func (s *JobStorage) HasActiveJobForSchedule(ctx context.Context, scheduleID string) (bool, error) {
	query := badgerhold.Where("ScheduleID").Eq(scheduleID).
		And("Status").In(models.JobStatusPending, models.JobStatusRunning, models.JobStatusCancelling)
	count, err := s.db.Store().Count(&models.CrawlJob{}, query)
	if err != nil {
		return false, fmt.Errorf("failed to check schedule jobs: %w", err)
	}
	return count > 0, nil
}

func (s *JobStorage) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := badgerhold.Where("Status").In(models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled).
		And("CreatedAt").Lt(cutoff)

	count, err := s.db.Store().Count(&models.CrawlJob{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired jobs: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.db.Store().DeleteMatching(&models.CrawlJob{}, query); err != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", err)
	}
	return int(count), nil
}
