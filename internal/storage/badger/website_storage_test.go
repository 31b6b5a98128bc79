package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

func newTestWebsite(id, name string) *models.Website {
	return &models.Website{
		ID:            id,
		Name:          name,
		BaseURL:       "https://" + name + ".example.com",
		Status:        models.WebsiteStatusActive,
		ConfigVersion: 1,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
}

func TestWebsiteStorage_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	storage := NewWebsiteStorage(db, arbor.NewLogger())
	ctx := context.Background()

	site := newTestWebsite("site-1", "acme-shop")
	require.NoError(t, storage.Create(ctx, site))

	got, err := storage.Get(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, "acme-shop", got.Name)
	assert.Equal(t, models.WebsiteStatusActive, got.Status)

	byName, err := storage.GetByName(ctx, "acme-shop")
	require.NoError(t, err)
	assert.Equal(t, "site-1", byName.ID)

	_, err = storage.Get(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestWebsiteStorage_DuplicateName(t *testing.T) {
	db := setupTestDB(t)
	storage := NewWebsiteStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.Create(ctx, newTestWebsite("site-1", "acme-shop")))

	err := storage.Create(ctx, newTestWebsite("site-2", "acme-shop"))
	assert.ErrorIs(t, err, interfaces.ErrDuplicateKey)
}

func TestWebsiteStorage_SoftDelete(t *testing.T) {
	db := setupTestDB(t)
	storage := NewWebsiteStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.Create(ctx, newTestWebsite("site-1", "acme-shop")))
	require.NoError(t, storage.SoftDelete(ctx, "site-1", time.Now()))

	// The row survives for audit
	got, err := storage.Get(ctx, "site-1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
	assert.Equal(t, models.WebsiteStatusInactive, got.Status)

	// Name lookups skip deleted rows
	_, err = storage.GetByName(ctx, "acme-shop")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	// The freed name can be reused
	require.NoError(t, storage.Create(ctx, newTestWebsite("site-2", "acme-shop")))

	// Default listing hides the deleted row
	sites, err := storage.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "site-2", sites[0].ID)

	withDeleted, err := storage.List(ctx, &interfaces.WebsiteListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, withDeleted, 2)
}

func TestWebsiteStorage_ListFilters(t *testing.T) {
	db := setupTestDB(t)
	storage := NewWebsiteStorage(db, arbor.NewLogger())
	ctx := context.Background()

	active := newTestWebsite("site-1", "alpha")
	require.NoError(t, storage.Create(ctx, active))

	paused := newTestWebsite("site-2", "beta")
	paused.Status = models.WebsiteStatusInactive
	require.NoError(t, storage.Create(ctx, paused))

	inactive, err := storage.List(ctx, &interfaces.WebsiteListOptions{Status: models.WebsiteStatusInactive})
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	assert.Equal(t, "site-2", inactive[0].ID)

	count, err := storage.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Sorted by name
	all, err := storage.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "beta", all[1].Name)
}

func TestWebsiteStorage_ConfigHistory(t *testing.T) {
	db := setupTestDB(t)
	storage := NewWebsiteStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.Create(ctx, newTestWebsite("site-1", "acme-shop")))

	for version := 1; version <= 3; version++ {
		entry := &models.WebsiteConfigHistory{
			ID:        "hist-" + string(rune('0'+version)),
			WebsiteID: "site-1",
			Version:   version,
			BaseURL:   "https://acme-shop.example.com",
			ChangedBy: "operator",
			CreatedAt: time.Now(),
		}
		require.NoError(t, storage.SaveHistory(ctx, entry))
	}

	// Newest version first
	history, err := storage.GetHistory(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 3, history[0].Version)
	assert.Equal(t, 1, history[2].Version)

	v2, err := storage.GetHistoryVersion(ctx, "site-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	_, err = storage.GetHistoryVersion(ctx, "site-1", 9)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
