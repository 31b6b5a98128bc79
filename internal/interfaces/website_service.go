package interfaces

import (
	"context"

	"github.com/ternarybob/venari/internal/models"
)

// WebsiteService owns website templates, their config versions, and the
// schedule entries derived from them
type WebsiteService interface {
	// Create validates the config, assigns version 1, and writes the
	// first history row. When the website carries a cron schedule a
	// matching ScheduledJob entry is created alongside.
	Create(ctx context.Context, website *models.Website, changedBy string) (*models.Website, error)

	Get(ctx context.Context, id string) (*models.Website, error)
	GetByName(ctx context.Context, name string) (*models.Website, error)
	List(ctx context.Context, opts *WebsiteListOptions) ([]*models.Website, error)
	Count(ctx context.Context, opts *WebsiteListOptions) (int, error)

	// Update bumps ConfigVersion and appends a history row when the
	// config or base URL changed; running jobs keep the config they
	// resolved at start
	Update(ctx context.Context, website *models.Website, changedBy string) (*models.Website, error)

	// Delete soft-deletes the website and deactivates its schedules
	Delete(ctx context.Context, id string) error

	// Pause/Resume toggle status; paused websites are skipped by the
	// scheduler but keep their entries and history
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error

	History(ctx context.Context, id string) ([]*models.WebsiteConfigHistory, error)

	// Rollback restores a historical config version as a new version
	// (history stays append-only)
	Rollback(ctx context.Context, id string, version int, changedBy string) (*models.Website, error)

	// SeedFromTemplates loads website template YAML files from the
	// templates directory, creating entries that do not exist yet
	SeedFromTemplates(ctx context.Context, dir string) (int, error)
}
