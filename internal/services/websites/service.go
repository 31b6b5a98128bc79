package websites

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// Service owns website templates: validated CRUD, append-only config
// history, pause/resume, and the schedule entries derived from a
// template's cron expression. Running jobs are unaffected by any of
// this; they keep the config version they resolved at start.
type Service struct {
	websites  interfaces.WebsiteStorage
	schedules interfaces.ScheduleStorage
	cache     CrawlCacheInvalidator
	clock     common.Clock
	logger    arbor.ILogger
}

// CrawlCacheInvalidator is the slice of the KV service the website
// service needs: dropping a website's crawled-URL markers when its
// config materially changes.
type CrawlCacheInvalidator interface {
	InvalidateCrawled(ctx context.Context, websiteID string) (int, error)
}

var _ interfaces.WebsiteService = (*Service)(nil)

// NewService creates the website template service
func NewService(storage interfaces.StorageManager, cache CrawlCacheInvalidator, clock common.Clock, logger arbor.ILogger) *Service {
	return &Service{
		websites:  storage.WebsiteStorage(),
		schedules: storage.ScheduleStorage(),
		cache:     cache,
		clock:     clock,
		logger:    logger,
	}
}

// Create validates the template, assigns version 1, writes the first
// history row, and registers a schedule entry when a cron expression is
// present.
func (s *Service) Create(ctx context.Context, website *models.Website, changedBy string) (*models.Website, error) {
	if website == nil {
		return nil, errors.New("website is required")
	}
	if err := s.validate(website); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if website.ID == "" {
		website.ID = common.NewWebsiteID()
	}
	if website.Status == "" {
		website.Status = models.WebsiteStatusActive
	}
	website.ConfigVersion = 1
	website.CreatedAt = now
	website.UpdatedAt = now
	website.DeletedAt = nil

	if err := s.websites.Create(ctx, website); err != nil {
		return nil, err
	}
	if err := s.saveHistory(ctx, website, changedBy, now); err != nil {
		return nil, err
	}
	if website.CronSchedule != "" {
		if err := s.createScheduleEntry(ctx, website, now); err != nil {
			// The template exists; a broken schedule entry is reported
			// but does not unwind the create.
			s.logger.Error().Err(err).Str("website_id", website.ID).Msg("Failed to create schedule entry")
		}
	}

	s.logger.Info().
		Str("website_id", website.ID).
		Str("name", website.Name).
		Str("cron", website.CronSchedule).
		Msg("Website template created")
	return website, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Website, error) {
	return s.websites.Get(ctx, id)
}

func (s *Service) GetByName(ctx context.Context, name string) (*models.Website, error) {
	return s.websites.GetByName(ctx, name)
}

func (s *Service) List(ctx context.Context, opts *interfaces.WebsiteListOptions) ([]*models.Website, error) {
	return s.websites.List(ctx, opts)
}

func (s *Service) Count(ctx context.Context, opts *interfaces.WebsiteListOptions) (int, error) {
	return s.websites.Count(ctx, opts)
}

// Update applies template changes. A config or base-URL change bumps
// ConfigVersion, appends a history row, and invalidates the website's
// crawled-URL markers so the next job re-fetches everything under the
// new rules. Cron changes re-point the schedule entry.
func (s *Service) Update(ctx context.Context, website *models.Website, changedBy string) (*models.Website, error) {
	if website == nil || website.ID == "" {
		return nil, errors.New("website id is required")
	}
	if err := s.validate(website); err != nil {
		return nil, err
	}

	current, err := s.websites.Get(ctx, website.ID)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted() {
		return nil, fmt.Errorf("website %s is deleted: %w", website.ID, interfaces.ErrNotFound)
	}
	if website.Name != current.Name {
		if existing, err := s.websites.GetByName(ctx, website.Name); err == nil && existing.ID != website.ID {
			return nil, fmt.Errorf("website name %q: %w", website.Name, interfaces.ErrDuplicateKey)
		}
	}

	now := s.clock.Now()
	configChanged := current.BaseURL != website.BaseURL || !current.Config.Equal(&website.Config)

	website.CreatedAt = current.CreatedAt
	website.ConfigVersion = current.ConfigVersion
	website.UpdatedAt = now
	website.DeletedAt = nil
	if website.Status == "" {
		website.Status = current.Status
	}

	if configChanged {
		website.ConfigVersion = current.ConfigVersion + 1
	}
	if err := s.websites.Update(ctx, website); err != nil {
		return nil, err
	}
	if configChanged {
		if err := s.saveHistory(ctx, website, changedBy, now); err != nil {
			return nil, err
		}
		if s.cache != nil {
			if _, err := s.cache.InvalidateCrawled(ctx, website.ID); err != nil {
				s.logger.Warn().Err(err).Str("website_id", website.ID).Msg("Failed to invalidate crawled markers")
			}
		}
	}
	if website.CronSchedule != current.CronSchedule {
		if err := s.syncScheduleEntries(ctx, website, now); err != nil {
			s.logger.Error().Err(err).Str("website_id", website.ID).Msg("Failed to sync schedule entries")
		}
	}

	s.logger.Info().
		Str("website_id", website.ID).
		Int("config_version", website.ConfigVersion).
		Bool("config_changed", configChanged).
		Msg("Website template updated")
	return website, nil
}

// Delete soft-deletes the template and deactivates its schedule
// entries. History rows and finished jobs stay readable.
func (s *Service) Delete(ctx context.Context, id string) error {
	now := s.clock.Now()
	if err := s.websites.SoftDelete(ctx, id, now); err != nil {
		return err
	}
	entries, err := s.schedules.GetByWebsite(ctx, id)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsActive {
			continue
		}
		entry.IsActive = false
		entry.UpdatedAt = now
		if err := s.schedules.Update(ctx, entry); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", entry.ID).Msg("Failed to deactivate schedule entry")
		}
	}
	s.logger.Info().Str("website_id", id).Int("schedules_deactivated", len(entries)).Msg("Website template deleted")
	return nil
}

// Pause marks the template inactive. Schedule entries stay due and fire
// on resume; in-flight jobs finish under the config they loaded.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, models.WebsiteStatusInactive)
}

// Resume reactivates a paused template
func (s *Service) Resume(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, models.WebsiteStatusActive)
}

func (s *Service) setStatus(ctx context.Context, id string, status models.WebsiteStatus) error {
	website, err := s.websites.Get(ctx, id)
	if err != nil {
		return err
	}
	if website.IsDeleted() {
		return fmt.Errorf("website %s is deleted: %w", id, interfaces.ErrNotFound)
	}
	if website.Status == status {
		return nil
	}
	website.Status = status
	website.UpdatedAt = s.clock.Now()
	if err := s.websites.Update(ctx, website); err != nil {
		return err
	}
	s.logger.Info().Str("website_id", id).Str("status", string(status)).Msg("Website status changed")
	return nil
}

// History returns the config versions newest first
func (s *Service) History(ctx context.Context, id string) ([]*models.WebsiteConfigHistory, error) {
	if _, err := s.websites.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.websites.GetHistory(ctx, id)
}

// Rollback re-applies a historical config version as a brand new
// version. History stays append-only: rolling back from v5 to v2
// produces v6 with v2's config.
func (s *Service) Rollback(ctx context.Context, id string, version int, changedBy string) (*models.Website, error) {
	website, err := s.websites.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if website.IsDeleted() {
		return nil, fmt.Errorf("website %s is deleted: %w", id, interfaces.ErrNotFound)
	}
	snapshot, err := s.websites.GetHistoryVersion(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("website %s has no config version %d: %w", id, version, err)
	}

	now := s.clock.Now()
	website.Config = snapshot.Config
	website.BaseURL = snapshot.BaseURL
	website.ConfigVersion++
	website.UpdatedAt = now
	if err := s.websites.Update(ctx, website); err != nil {
		return nil, err
	}
	if err := s.saveHistory(ctx, website, changedBy, now); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if _, err := s.cache.InvalidateCrawled(ctx, website.ID); err != nil {
			s.logger.Warn().Err(err).Str("website_id", website.ID).Msg("Failed to invalidate crawled markers")
		}
	}

	s.logger.Info().
		Str("website_id", id).
		Int("restored_version", version).
		Int("new_version", website.ConfigVersion).
		Msg("Website config rolled back")
	return website, nil
}

// SeedFromTemplates loads website definitions from YAML files in dir
// and creates the ones whose name is not present yet. Existing
// templates are never overwritten; operators own them once seeded.
func (s *Service) SeedFromTemplates(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug().Str("dir", dir).Msg("Templates directory not found, skipping seed")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read templates directory: %w", err)
	}

	created := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		website, err := s.loadTemplate(path)
		if err != nil {
			s.logger.Error().Err(err).Str("file", name).Msg("Skipping invalid website template")
			continue
		}
		if _, err := s.websites.GetByName(ctx, website.Name); err == nil {
			continue
		} else if !errors.Is(err, interfaces.ErrNotFound) {
			return created, err
		}
		if _, err := s.Create(ctx, website, "seed:"+name); err != nil {
			s.logger.Error().Err(err).Str("file", name).Msg("Failed to seed website template")
			continue
		}
		created++
	}
	if created > 0 {
		s.logger.Info().Int("created", created).Str("dir", dir).Msg("Seeded website templates")
	}
	return created, nil
}

func (s *Service) loadTemplate(path string) (*models.Website, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var website models.Website
	if err := yaml.Unmarshal(data, &website); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := s.validate(&website); err != nil {
		return nil, err
	}
	return &website, nil
}

func (s *Service) validate(website *models.Website) error {
	if website.Name == "" {
		return errors.New("website name is required")
	}
	if website.BaseURL == "" {
		return errors.New("website base_url is required")
	}
	if err := models.ValidateSeedURL(website.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if err := website.Config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if website.CronSchedule != "" {
		if err := common.ValidateCronSchedule(website.CronSchedule); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) saveHistory(ctx context.Context, website *models.Website, changedBy string, now time.Time) error {
	return s.websites.SaveHistory(ctx, &models.WebsiteConfigHistory{
		ID:        common.NewHistoryID(),
		WebsiteID: website.ID,
		Version:   website.ConfigVersion,
		Config:    website.Config,
		BaseURL:   website.BaseURL,
		ChangedBy: changedBy,
		CreatedAt: now,
	})
}

func (s *Service) createScheduleEntry(ctx context.Context, website *models.Website, now time.Time) error {
	sched, err := common.ParseCronSchedule(website.CronSchedule)
	if err != nil {
		return err
	}
	return s.schedules.Create(ctx, &models.ScheduledJob{
		ID:             common.NewScheduleID(),
		WebsiteID:      website.ID,
		CronExpression: website.CronSchedule,
		NextRunTime:    sched.Next(now),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// syncScheduleEntries reconciles the template's schedule entries with
// its current cron expression: entries are re-pointed when the
// expression changed, deactivated when it was removed, and created
// when the template gained one.
func (s *Service) syncScheduleEntries(ctx context.Context, website *models.Website, now time.Time) error {
	entries, err := s.schedules.GetByWebsite(ctx, website.ID)
	if err != nil {
		return err
	}
	if website.CronSchedule == "" {
		for _, entry := range entries {
			if !entry.IsActive {
				continue
			}
			entry.IsActive = false
			entry.UpdatedAt = now
			if err := s.schedules.Update(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	}

	sched, err := common.ParseCronSchedule(website.CronSchedule)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return s.createScheduleEntry(ctx, website, now)
	}
	for _, entry := range entries {
		entry.CronExpression = website.CronSchedule
		entry.NextRunTime = sched.Next(now)
		entry.IsActive = true
		entry.UpdatedAt = now
		if err := s.schedules.Update(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
