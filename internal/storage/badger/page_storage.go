package badger

import (
	"context"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// pageClaim pins the canonical page for a (website_id, url_hash) pair.
// Claims are inserted, never upserted: the insert failing is how a
// concurrent writer learns it lost the race.
type pageClaim struct {
	PageID string
}

// PageStorage implements the PageStorage interface for Badger
type PageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPageStorage creates a new PageStorage instance
func NewPageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PageStorage {
	return &PageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PageStorage) Save(ctx context.Context, page *models.CrawledPage) error {
	if page.ID == "" {
		return fmt.Errorf("page ID is required")
	}

	// Duplicate rows carry no claim; only canonical pages own their URL
	if page.IsDuplicate {
		if err := s.db.Store().Upsert(page.ID, page); err != nil {
			return fmt.Errorf("failed to save duplicate page: %w", err)
		}
		return nil
	}

	claimKey := models.PageKey(page.WebsiteID, page.URLHash)
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		if err := s.db.Store().TxInsert(txn, claimKey, &pageClaim{PageID: page.ID}); err != nil {
			if err == badgerhold.ErrKeyExists {
				return fmt.Errorf("page claim %s: %w", claimKey, interfaces.ErrDuplicateKey)
			}
			return err
		}
		return s.db.Store().TxUpsert(txn, page.ID, page)
	})
	if err == badgerdb.ErrConflict {
		// A concurrent writer claimed the pair in between; same outcome
		// as losing the insert
		return fmt.Errorf("page claim %s: %w", claimKey, interfaces.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("failed to save page: %w", err)
	}
	return nil
}

func (s *PageStorage) Get(ctx context.Context, id string) (*models.CrawledPage, error) {
	var page models.CrawledPage
	if err := s.db.Store().Get(id, &page); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	return &page, nil
}

func (s *PageStorage) GetByURLHash(ctx context.Context, websiteID, urlHash string) (*models.CrawledPage, error) {
	var claim pageClaim
	if err := s.db.Store().Get(models.PageKey(websiteID, urlHash), &claim); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get page claim: %w", err)
	}
	return s.Get(ctx, claim.PageID)
}

func (s *PageStorage) ListByJob(ctx context.Context, jobID string, opts *interfaces.ListOptions) ([]*models.CrawledPage, error) {
	return s.list(badgerhold.Where("JobID").Eq(jobID), opts)
}

func (s *PageStorage) ListByWebsite(ctx context.Context, websiteID string, opts *interfaces.ListOptions) ([]*models.CrawledPage, error) {
	return s.list(badgerhold.Where("WebsiteID").Eq(websiteID), opts)
}

func (s *PageStorage) list(query *badgerhold.Query, opts *interfaces.ListOptions) ([]*models.CrawledPage, error) {
	if opts != nil && opts.OrderDir == "asc" {
		query = query.SortBy("CrawledAt")
	} else {
		query = query.SortBy("CrawledAt").Reverse()
	}
	if opts != nil {
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var pages []models.CrawledPage
	if err := s.db.Store().Find(&pages, query); err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}

	result := make([]*models.CrawledPage, 0, len(pages))
	for i := range pages {
		result = append(result, &pages[i])
	}
	return result, nil
}

func (s *PageStorage) CountByJob(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.CrawledPage{}, badgerhold.Where("JobID").Eq(jobID))
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return int(count), nil
}

func (s *PageStorage) CountByWebsite(ctx context.Context, websiteID string) (int, error) {
	count, err := s.db.Store().Count(&models.CrawledPage{}, badgerhold.Where("WebsiteID").Eq(websiteID))
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return int(count), nil
}

func (s *PageStorage) DeleteByJob(ctx context.Context, jobID string) (int, error) {
	return s.deleteMatching(badgerhold.Where("JobID").Eq(jobID))
}

func (s *PageStorage) DeleteByWebsite(ctx context.Context, websiteID string) (int, error) {
	return s.deleteMatching(badgerhold.Where("WebsiteID").Eq(websiteID))
}

func (s *PageStorage) deleteMatching(query *badgerhold.Query) (int, error) {
	var pages []models.CrawledPage
	if err := s.db.Store().Find(&pages, query); err != nil {
		return 0, fmt.Errorf("failed to find pages to delete: %w", err)
	}

	deleted := 0
	for i := range pages {
		page := &pages[i]
		if err := s.db.Store().Delete(page.ID, &models.CrawledPage{}); err != nil && err != badgerhold.ErrNotFound {
			return deleted, fmt.Errorf("failed to delete page %s: %w", page.ID, err)
		}
		if !page.IsDuplicate {
			claimKey := models.PageKey(page.WebsiteID, page.URLHash)
			if err := s.db.Store().Delete(claimKey, &pageClaim{}); err != nil && err != badgerhold.ErrNotFound {
				return deleted, fmt.Errorf("failed to delete page claim %s: %w", claimKey, err)
			}
		}
		deleted++
	}
	return deleted, nil
}
