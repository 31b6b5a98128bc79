package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// Cache TTLs. The cancellation flag TTL is a safety net only: terminal
// writes clear the flag long before it expires.
const (
	CancelFlagTTL     = 24 * time.Hour
	ProgressTTL       = 24 * time.Hour
	PoolStatusTTL     = 300 * time.Second
	DefaultCrawledTTL = 14 * 24 * time.Hour
)

const poolStatusKey = "browser:pool:status"

// CrawledMarker is the phase-one dedup record cached per normalized URL
type CrawledMarker struct {
	JobID       string    `json:"job_id"`
	CrawledAt   time.Time `json:"crawled_at"`
	ContentHash string    `json:"content_hash"`
	PageID      string    `json:"page_id"`
}

// Service is the domain facade over the TTL key/value store. It owns the
// cache key formats; nothing else builds these keys.
type Service struct {
	storage interfaces.KeyValueStorage
	logger  arbor.ILogger
}

// NewService creates a new cache service
func NewService(storage interfaces.KeyValueStorage, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		logger:  logger,
	}
}

// SetCancelFlag raises the cancellation flag for a job
func (s *Service) SetCancelFlag(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	if err := s.storage.Set(ctx, cancelKey(jobID), "1", CancelFlagTTL); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to set cancellation flag")
		return err
	}
	s.logger.Debug().Str("job_id", jobID).Msg("Cancellation flag set")
	return nil
}

// IsCancelRequested reports whether the job's cancellation flag is up
func (s *Service) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	return s.storage.Exists(ctx, cancelKey(jobID))
}

// ClearCancelFlag lowers the flag; clearing an absent flag is a no-op
func (s *Service) ClearCancelFlag(ctx context.Context, jobID string) error {
	return s.storage.Delete(ctx, cancelKey(jobID))
}

// MarkCrawled records a freshly crawled URL for phase-one dedup. A ttl of
// zero applies the 14-day default.
func (s *Service) MarkCrawled(ctx context.Context, websiteID, urlHash string, marker *CrawledMarker, ttl time.Duration) error {
	if marker == nil {
		return fmt.Errorf("marker cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultCrawledTTL
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to marshal crawled marker: %w", err)
	}
	if err := s.storage.Set(ctx, crawledKey(websiteID, urlHash), string(data), ttl); err != nil {
		s.logger.Error().Err(err).Str("website_id", websiteID).Str("url_hash", urlHash).Msg("Failed to cache crawled marker")
		return err
	}
	return nil
}

// GetCrawled returns the cached marker for a URL, nil when the URL has
// not been crawled inside the freshness window
func (s *Service) GetCrawled(ctx context.Context, websiteID, urlHash string) (*CrawledMarker, error) {
	value, err := s.storage.Get(ctx, crawledKey(websiteID, urlHash))
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var marker CrawledMarker
	if err := json.Unmarshal([]byte(value), &marker); err != nil {
		return nil, fmt.Errorf("corrupt crawled marker for %s: %w", urlHash, err)
	}
	return &marker, nil
}

// InvalidateCrawled drops every cached crawled marker for a website so
// the next run re-fetches everything. Config rollbacks call this.
func (s *Service) InvalidateCrawled(ctx context.Context, websiteID string) (int, error) {
	count, err := s.storage.DeleteByPrefix(ctx, fmt.Sprintf("crawled:%s:", websiteID))
	if err != nil {
		s.logger.Error().Err(err).Str("website_id", websiteID).Msg("Failed to invalidate crawled markers")
		return 0, err
	}
	s.logger.Info().Str("website_id", websiteID).Int("count", count).Msg("Invalidated crawled markers")
	return count, nil
}

// IncrementRateWindow bumps the request counter for the website's current
// rate window and returns the new count. The bucket key carries the
// window's start so counters roll over with the window.
func (s *Service) IncrementRateWindow(ctx context.Context, websiteID string, window time.Duration) (int64, error) {
	if window <= 0 {
		window = time.Second
	}
	bucket := time.Now().Truncate(window).Unix()
	return s.storage.Increment(ctx, fmt.Sprintf("ratelimit:%s:%d", websiteID, bucket), window)
}

// PutProgress snapshots a job's progress for cheap polling reads
func (s *Service) PutProgress(ctx context.Context, jobID string, progress *models.CrawlProgress) error {
	if progress == nil {
		return fmt.Errorf("progress cannot be nil")
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return s.storage.Set(ctx, progressKey(jobID), string(data), ProgressTTL)
}

// GetProgress returns the cached progress snapshot, nil when none exists
func (s *Service) GetProgress(ctx context.Context, jobID string) (*models.CrawlProgress, error) {
	value, err := s.storage.Get(ctx, progressKey(jobID))
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var progress models.CrawlProgress
	if err := json.Unmarshal([]byte(value), &progress); err != nil {
		return nil, fmt.Errorf("corrupt progress snapshot for job %s: %w", jobID, err)
	}
	return &progress, nil
}

// DeleteProgress drops the snapshot once the terminal write has mirrored
// it into the job row
func (s *Service) DeleteProgress(ctx context.Context, jobID string) error {
	return s.storage.Delete(ctx, progressKey(jobID))
}

// PutPoolStatus publishes the browser pool snapshot for operator reads
func (s *Service) PutPoolStatus(ctx context.Context, status *interfaces.BrowserPoolStatus) error {
	if status == nil {
		return fmt.Errorf("status cannot be nil")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal pool status: %w", err)
	}
	return s.storage.Set(ctx, poolStatusKey, string(data), PoolStatusTTL)
}

// GetPoolStatus returns the latest pool snapshot, nil when the pool has
// not reported recently
func (s *Service) GetPoolStatus(ctx context.Context) (*interfaces.BrowserPoolStatus, error) {
	value, err := s.storage.Get(ctx, poolStatusKey)
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var status interfaces.BrowserPoolStatus
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("corrupt pool status snapshot: %w", err)
	}
	return &status, nil
}

func cancelKey(jobID string) string {
	return fmt.Sprintf("cancel:job:%s", jobID)
}

func crawledKey(websiteID, urlHash string) string {
	return fmt.Sprintf("crawled:%s:%s", websiteID, urlHash)
}

func progressKey(jobID string) string {
	return fmt.Sprintf("progress:job:%s", jobID)
}
