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

// RetryStorage implements the RetryStorage interface for Badger
type RetryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRetryStorage creates a new RetryStorage instance
func NewRetryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RetryStorage {
	return &RetryStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RetryStorage) AddRetry(ctx context.Context, row *models.RetryHistory) error {
	if err := s.db.Store().Insert(row.ID, row); err != nil {
		return fmt.Errorf("failed to add retry history: %w", err)
	}
	return nil
}

func (s *RetryStorage) ListRetries(ctx context.Context, jobID string) ([]*models.RetryHistory, error) {
	var rows []*models.RetryHistory
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("Attempt")
	if err := s.db.Store().Find(&rows, query); err != nil {
		return nil, fmt.Errorf("failed to list retry history: %w", err)
	}
	return rows, nil
}

func (s *RetryStorage) CountRetries(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.RetryHistory{}, badgerhold.Where("JobID").Eq(jobID))
	if err != nil {
		return 0, fmt.Errorf("failed to count retry history: %w", err)
	}
	return int(count), nil
}

func (s *RetryStorage) AddDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	if err := s.db.Store().Insert(entry.ID, entry); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("dead letter %s: %w", entry.ID, interfaces.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

func (s *RetryStorage) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	var entry models.DeadLetterEntry
	if err := s.db.Store().Get(id, &entry); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("dead letter %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return &entry, nil
}

func (s *RetryStorage) ListDeadLetters(ctx context.Context, opts *interfaces.DeadLetterListOptions) ([]*models.DeadLetterEntry, error) {
	query := s.buildDeadLetterQuery(opts)
	query = query.SortBy("FailedAt").Reverse()
	if opts != nil {
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var entries []*models.DeadLetterEntry
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return entries, nil
}

// MarkDeadLetterRetried stamps the linkage to the re-entry job. An entry
// that has already been retried is rejected with ErrStatusConflict so the
// same failure cannot be resubmitted twice.
func (s *RetryStorage) MarkDeadLetterRetried(ctx context.Context, id, newJobID string, at time.Time) error {
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		var entry models.DeadLetterEntry
		if err := s.db.Store().TxGet(txn, id, &entry); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("dead letter %s: %w", id, interfaces.ErrNotFound)
			}
			return err
		}
		if entry.RetriedAt != nil {
			return fmt.Errorf("dead letter %s already retried as job %s: %w", id, entry.RetriedJobID, interfaces.ErrStatusConflict)
		}
		entry.RetriedAt = &at
		entry.RetriedJobID = newJobID
		return s.db.Store().TxUpdate(txn, id, &entry)
	})
	if err == badgerdb.ErrConflict {
		return fmt.Errorf("dead letter %s: concurrent update: %w", id, interfaces.ErrStatusConflict)
	}
	return err
}

func (s *RetryStorage) CountDeadLetters(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.DeadLetterEntry{}, &badgerhold.Query{})
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return int(count), nil
}

func (s *RetryStorage) DeleteRetriesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := badgerhold.Where("CreatedAt").Lt(cutoff)
	count, err := s.db.Store().Count(&models.RetryHistory{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired retry history: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.db.Store().DeleteMatching(&models.RetryHistory{}, query); err != nil {
		return 0, fmt.Errorf("failed to delete expired retry history: %w", err)
	}
	return int(count), nil
}

func (s *RetryStorage) DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := badgerhold.Where("CreatedAt").Lt(cutoff)
	count, err := s.db.Store().Count(&models.DeadLetterEntry{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired dead letters: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.db.Store().DeleteMatching(&models.DeadLetterEntry{}, query); err != nil {
		return 0, fmt.Errorf("failed to delete expired dead letters: %w", err)
	}
	return int(count), nil
}

func (s *RetryStorage) buildDeadLetterQuery(opts *interfaces.DeadLetterListOptions) *badgerhold.Query {
	query := &badgerhold.Query{}
	if opts == nil {
		return query
	}
	first := true
	if opts.Category != "" {
		query = badgerhold.Where("Category").Eq(models.ErrorCategory(opts.Category))
		first = false
	}
	if opts.WebsiteID != "" {
		if first {
			query = badgerhold.Where("WebsiteID").Eq(opts.WebsiteID)
		} else {
			query = query.And("WebsiteID").Eq(opts.WebsiteID)
		}
	}
	return query
}
