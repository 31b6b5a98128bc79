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

// ContentHashStorage implements the ContentHashStorage interface for Badger
type ContentHashStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewContentHashStorage creates a new ContentHashStorage instance
func NewContentHashStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ContentHashStorage {
	return &ContentHashStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ContentHashStorage) Get(ctx context.Context, hash string) (*models.ContentHash, error) {
	var ch models.ContentHash
	if err := s.db.Store().Get(hash, &ch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get content hash: %w", err)
	}
	return &ch, nil
}

func (s *ContentHashStorage) Insert(ctx context.Context, ch *models.ContentHash) error {
	if ch.Hash == "" {
		return fmt.Errorf("content hash is required")
	}
	if err := s.db.Store().Insert(ch.Hash, ch); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("content hash %s: %w", ch.Hash, interfaces.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert content hash: %w", err)
	}
	return nil
}

func (s *ContentHashStorage) IncrementOccurrence(ctx context.Context, hash string, seenAt time.Time) (*models.ContentHash, error) {
	var ch models.ContentHash
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		if err := s.db.Store().TxGet(txn, hash, &ch); err != nil {
			if err == badgerhold.ErrNotFound {
				return interfaces.ErrNotFound
			}
			return err
		}
		ch.OccurrenceCount++
		ch.LastSeenAt = seenAt
		return s.db.Store().TxUpdate(txn, hash, &ch)
	})
	if err == interfaces.ErrNotFound {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment content hash: %w", err)
	}
	return &ch, nil
}

// FindSimhashCandidates scans the four 16-bit band indexes. Any
// fingerprint within Hamming distance 3 of the probe shares at least one
// unmodified band with it, so the union of the four equality scans is a
// complete candidate set.
func (s *ContentHashStorage) FindSimhashCandidates(ctx context.Context, simhash uint64) ([]*models.ContentHash, error) {
	probe := models.ContentHash{}
	probe.SetSimhash(simhash)

	queries := []*badgerhold.Query{
		badgerhold.Where("BandA").Eq(probe.BandA),
		badgerhold.Where("BandB").Eq(probe.BandB),
		badgerhold.Where("BandC").Eq(probe.BandC),
		badgerhold.Where("BandD").Eq(probe.BandD),
	}

	seen := make(map[string]*models.ContentHash)
	for _, q := range queries {
		var rows []models.ContentHash
		if err := s.db.Store().Find(&rows, q); err != nil {
			return nil, fmt.Errorf("failed to scan simhash band: %w", err)
		}
		for i := range rows {
			if _, ok := seen[rows[i].Hash]; !ok {
				seen[rows[i].Hash] = &rows[i]
			}
		}
	}

	result := make([]*models.ContentHash, 0, len(seen))
	for _, ch := range seen {
		result = append(result, ch)
	}
	return result, nil
}

func (s *ContentHashStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.ContentHash{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count content hashes: %w", err)
	}
	return int(count), nil
}
