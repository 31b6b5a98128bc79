package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

func newMaintenance(t *testing.T, env *testEnv) *Maintenance {
	t.Helper()
	cfg := common.NewDefaultConfig()
	m, err := NewMaintenance(cfg, env.storage, env.jobs, env.clock, arbor.NewLogger())
	require.NoError(t, err)
	return m
}

func submitRunning(t *testing.T, env *testEnv) *models.CrawlJob {
	t.Helper()
	ctx := context.Background()
	job, err := env.jobs.Submit(ctx, &models.SubmitRequest{
		SeedURL: "https://example.test/list",
		InlineConfig: &models.CrawlConfig{
			Steps: []models.StepConfig{
				{Type: models.StepTypeCrawlList, Selector: "a.item"},
			},
		},
	})
	require.NoError(t, err)
	started, err := env.jobs.Start(ctx, job.ID, "worker-1")
	require.NoError(t, err)
	return started
}

func TestSweepStale_FailsSilentRunningJob(t *testing.T) {
	env := newTestEnv(t)
	m := newMaintenance(t, env)
	ctx := context.Background()

	job := submitRunning(t, env)

	// Default stale threshold is 10m; half an hour of silence is stale
	env.clock.Advance(30 * time.Minute)
	m.SweepStale(ctx)

	after, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, after.Status)
	assert.Equal(t, models.CategoryUnknown, after.ErrorCategory)

	dlq, err := env.storage.RetryStorage().ListDeadLetters(ctx, &interfaces.DeadLetterListOptions{})
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, job.ID, dlq[0].JobID)
}

func TestSweepStale_LeavesFreshJobAlone(t *testing.T) {
	env := newTestEnv(t)
	m := newMaintenance(t, env)
	ctx := context.Background()

	job := submitRunning(t, env)

	env.clock.Advance(5 * time.Minute)
	m.SweepStale(ctx)

	after, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, after.Status)
}

func TestSweepStale_HeartbeatResetsTheClock(t *testing.T) {
	env := newTestEnv(t)
	m := newMaintenance(t, env)
	ctx := context.Background()

	job := submitRunning(t, env)

	env.clock.Advance(8 * time.Minute)
	require.NoError(t, env.jobs.UpdateProgress(ctx, job.ID, models.CrawlProgress{
		ListPages: 1,
		UpdatedAt: env.clock.Now(),
	}))
	env.clock.Advance(8 * time.Minute)
	m.SweepStale(ctx)

	after, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, after.Status, "a progress update within the threshold keeps the job alive")
}

func TestSweepRetention_DropsExpiredRows(t *testing.T) {
	env := newTestEnv(t)
	m := newMaintenance(t, env)
	ctx := context.Background()

	logStore := env.storage.CrawlLogStorage()
	old := []models.CrawlLogEntry{{
		Level:         "INF",
		Message:       "fetched page 1",
		FullTimestamp: "2024-01-15T10:00:00Z",
	}}
	require.NoError(t, logStore.AppendLogs(ctx, "job_old", old))
	recent := []models.CrawlLogEntry{{
		Level:         "INF",
		Message:       "fetched page 1",
		FullTimestamp: env.clock.Now().Format(time.RFC3339Nano),
	}}
	require.NoError(t, logStore.AppendLogs(ctx, "job_recent", recent))

	retryStore := env.storage.RetryStorage()
	require.NoError(t, retryStore.AddRetry(ctx, &models.RetryHistory{
		ID:        common.NewRetryID(),
		JobID:     "job_old",
		Attempt:   1,
		Category:  models.CategoryServerError,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, retryStore.AddDeadLetter(ctx, &models.DeadLetterEntry{
		ID:        common.NewDeadLetterID(),
		JobID:     "job_old",
		Category:  models.CategoryServerError,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, retryStore.AddDeadLetter(ctx, &models.DeadLetterEntry{
		ID:        common.NewDeadLetterID(),
		JobID:     "job_recent",
		Category:  models.CategoryServerError,
		CreatedAt: env.clock.Now().Add(-24 * time.Hour),
	}))

	// Clock sits at 2025-06-01; both retention windows default to 90 days
	m.SweepRetention(ctx)

	oldCount, err := logStore.CountLogs(ctx, "job_old")
	require.NoError(t, err)
	assert.Equal(t, 0, oldCount, "partitions older than the cutoff are dropped")
	recentCount, err := logStore.CountLogs(ctx, "job_recent")
	require.NoError(t, err)
	assert.Equal(t, 1, recentCount)

	retries, err := retryStore.CountRetries(ctx, "job_old")
	require.NoError(t, err)
	assert.Equal(t, 0, retries)

	letters, err := retryStore.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, letters)
}
