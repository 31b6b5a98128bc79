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

// WebsiteStorage implements the WebsiteStorage interface for Badger
type WebsiteStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewWebsiteStorage creates a new WebsiteStorage instance
func NewWebsiteStorage(db *BadgerDB, logger arbor.ILogger) interfaces.WebsiteStorage {
	return &WebsiteStorage{
		db:     db,
		logger: logger,
	}
}

func (s *WebsiteStorage) Create(ctx context.Context, website *models.Website) error {
	if website.ID == "" {
		return fmt.Errorf("website ID is required")
	}
	if website.Name == "" {
		return fmt.Errorf("website name is required")
	}

	// Name is unique among non-deleted websites
	existing, err := s.GetByName(ctx, website.Name)
	if err != nil && err != interfaces.ErrNotFound {
		return err
	}
	if existing != nil {
		return fmt.Errorf("website name %q: %w", website.Name, interfaces.ErrDuplicateKey)
	}

	if err := s.db.Store().Insert(website.ID, website); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("website %s: %w", website.ID, interfaces.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create website: %w", err)
	}
	return nil
}

func (s *WebsiteStorage) Get(ctx context.Context, id string) (*models.Website, error) {
	var website models.Website
	if err := s.db.Store().Get(id, &website); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get website: %w", err)
	}
	return &website, nil
}

func (s *WebsiteStorage) GetByName(ctx context.Context, name string) (*models.Website, error) {
	var websites []models.Website
	if err := s.db.Store().Find(&websites, badgerhold.Where("Name").Eq(name)); err != nil {
		return nil, fmt.Errorf("failed to query website by name: %w", err)
	}
	for i := range websites {
		if !websites[i].IsDeleted() {
			return &websites[i], nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *WebsiteStorage) Update(ctx context.Context, website *models.Website) error {
	if website.ID == "" {
		return fmt.Errorf("website ID is required")
	}
	if err := s.db.Store().Upsert(website.ID, website); err != nil {
		return fmt.Errorf("failed to update website: %w", err)
	}
	return nil
}

func (s *WebsiteStorage) SoftDelete(ctx context.Context, id string, at time.Time) error {
	website, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if website.IsDeleted() {
		return nil
	}
	website.DeletedAt = &at
	website.Status = models.WebsiteStatusInactive
	website.UpdatedAt = at
	return s.Update(ctx, website)
}

func (s *WebsiteStorage) List(ctx context.Context, opts *interfaces.WebsiteListOptions) ([]*models.Website, error) {
	query := s.buildQuery(opts)
	query = query.SortBy("Name")

	if opts != nil {
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var websites []models.Website
	if err := s.db.Store().Find(&websites, query); err != nil {
		return nil, fmt.Errorf("failed to list websites: %w", err)
	}

	result := make([]*models.Website, 0, len(websites))
	for i := range websites {
		result = append(result, &websites[i])
	}
	return result, nil
}

func (s *WebsiteStorage) Count(ctx context.Context, opts *interfaces.WebsiteListOptions) (int, error) {
	count, err := s.db.Store().Count(&models.Website{}, s.buildQuery(opts))
	if err != nil {
		return 0, fmt.Errorf("failed to count websites: %w", err)
	}
	return int(count), nil
}

func (s *WebsiteStorage) buildQuery(opts *interfaces.WebsiteListOptions) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")
	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if !opts.IncludeDeleted {
			query = query.And("DeletedAt").IsNil()
		}
	} else {
		query = query.And("DeletedAt").IsNil()
	}
	return query
}

func (s *WebsiteStorage) SaveHistory(ctx context.Context, entry *models.WebsiteConfigHistory) error {
	if entry.ID == "" {
		return fmt.Errorf("history entry ID is required")
	}
	if err := s.db.Store().Upsert(entry.ID, entry); err != nil {
		return fmt.Errorf("failed to save config history: %w", err)
	}
	return nil
}

func (s *WebsiteStorage) GetHistory(ctx context.Context, websiteID string) ([]*models.WebsiteConfigHistory, error) {
	var entries []models.WebsiteConfigHistory
	query := badgerhold.Where("WebsiteID").Eq(websiteID).SortBy("Version").Reverse()
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to get config history: %w", err)
	}

	result := make([]*models.WebsiteConfigHistory, 0, len(entries))
	for i := range entries {
		result = append(result, &entries[i])
	}
	return result, nil
}

func (s *WebsiteStorage) GetHistoryVersion(ctx context.Context, websiteID string, version int) (*models.WebsiteConfigHistory, error) {
	var entries []models.WebsiteConfigHistory
	query := badgerhold.Where("WebsiteID").Eq(websiteID).And("Version").Eq(version)
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to get config history version: %w", err)
	}
	if len(entries) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &entries[0], nil
}
