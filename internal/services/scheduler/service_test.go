package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/queue"
	"github.com/ternarybob/venari/internal/services/jobs"
	"github.com/ternarybob/venari/internal/services/kv"
	badgerstore "github.com/ternarybob/venari/internal/storage/badger"
)

type testEnv struct {
	scheduler *Service
	jobs      interfaces.JobService
	storage   interfaces.StorageManager
	clock     *common.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	db := storage.DB().(*badgerhold.Store).Badger()
	qm, err := queue.NewManager(db, &common.QueueConfig{
		PollInterval: "10ms",
		AckWait:      "1s",
		MaxDeliver:   3,
		QueueName:    "test_tasks",
		MaxMessages:  100,
		DedupWindow:  "1s",
	}, logger)
	require.NoError(t, err)

	cache := kv.NewService(storage.KeyValueStorage(), logger)
	clock := common.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	jobSvc := jobs.NewService(storage, qm, cache, nil, clock, logger)

	sched, err := NewService(&common.SchedulerConfig{
		Enabled:         true,
		TickInterval:    "60s",
		BatchSize:       50,
		MissedFireGrace: "1h",
	}, storage, jobSvc, nil, clock, logger)
	require.NoError(t, err)

	return &testEnv{scheduler: sched, jobs: jobSvc, storage: storage, clock: clock}
}

func (env *testEnv) createWebsite(t *testing.T, status models.WebsiteStatus) *models.Website {
	t.Helper()
	now := env.clock.Now()
	site := &models.Website{
		ID:      common.NewWebsiteID(),
		Name:    "news-example",
		BaseURL: "https://news.example.test/latest",
		Config: models.CrawlConfig{
			Steps: []models.StepConfig{
				{Type: models.StepTypeCrawlList, Selector: "a.article-link"},
			},
		},
		Status:        status,
		ConfigVersion: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, env.storage.WebsiteStorage().Create(context.Background(), site))
	return site
}

func (env *testEnv) createEntry(t *testing.T, websiteID, expr string, next time.Time) *models.ScheduledJob {
	t.Helper()
	now := env.clock.Now()
	entry := &models.ScheduledJob{
		ID:             common.NewScheduleID(),
		WebsiteID:      websiteID,
		CronExpression: expr,
		NextRunTime:    next,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, env.storage.ScheduleStorage().Create(context.Background(), entry))
	return entry
}

func TestTick_FiresDueEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createWebsite(t, models.WebsiteStatusActive)
	entry := env.createEntry(t, site.ID, "0 * * * *", env.clock.Now().Add(-time.Minute))

	env.scheduler.Tick(ctx)

	after, err := env.storage.ScheduleStorage().Get(ctx, entry.ID)
	require.NoError(t, err)
	require.NotEmpty(t, after.LastJobID, "a job should have been submitted")
	assert.True(t, after.NextRunTime.After(env.clock.Now()), "next run must advance into the future")
	assert.Equal(t, env.clock.Now(), after.LastRunTime)

	job, err := env.jobs.Get(ctx, after.LastJobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeScheduled, job.JobType)
	assert.Equal(t, entry.ID, job.ScheduleID)
	assert.Equal(t, site.BaseURL, job.SeedURL)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func TestTick_FutureEntryNotFired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createWebsite(t, models.WebsiteStatusActive)
	entry := env.createEntry(t, site.ID, "0 * * * *", env.clock.Now().Add(30*time.Minute))

	env.scheduler.Tick(ctx)

	after, err := env.storage.ScheduleStorage().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Empty(t, after.LastJobID)
}

func TestTick_SkipsWhilePreviousJobActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createWebsite(t, models.WebsiteStatusActive)
	entry := env.createEntry(t, site.ID, "* * * * *", env.clock.Now().Add(-time.Minute))

	env.scheduler.Tick(ctx)
	fired, err := env.storage.ScheduleStorage().Get(ctx, entry.ID)
	require.NoError(t, err)
	require.NotEmpty(t, fired.LastJobID)

	// Make the entry due again while the first job is still pending
	env.clock.Advance(2 * time.Minute)
	env.scheduler.Tick(ctx)

	after, err := env.storage.ScheduleStorage().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, fired.LastJobID, after.LastJobID, "no second job while the first is non-terminal")

	count, err := env.jobs.Count(ctx, &interfaces.JobListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTick_MissedFireAdvancesWithoutJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createWebsite(t, models.WebsiteStatusActive)
	// Due three hours ago, well past the 1h grace
	entry := env.createEntry(t, site.ID, "0 * * * *", env.clock.Now().Add(-3*time.Hour))

	env.scheduler.Tick(ctx)

	after, err := env.storage.ScheduleStorage().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Empty(t, after.LastJobID, "missed firings beyond grace must not produce jobs")
	assert.True(t, after.NextRunTime.After(env.clock.Now()))

	count, err := env.jobs.Count(ctx, &interfaces.JobListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestTick_PausedWebsiteStaysDue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createWebsite(t, models.WebsiteStatusInactive)
	due := env.clock.Now().Add(-time.Minute)
	entry := env.createEntry(t, site.ID, "0 * * * *", due)

	env.scheduler.Tick(ctx)

	after, err := env.storage.ScheduleStorage().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Empty(t, after.LastJobID)
	assert.True(t, after.IsActive, "paused website must not deactivate the entry")
	assert.Equal(t, due.Unix(), after.NextRunTime.Unix(), "entry stays due so it fires on resume")
}

func TestTick_DeactivatesEntryForMissingWebsite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	entry := env.createEntry(t, "site_gone", "0 * * * *", env.clock.Now().Add(-time.Minute))

	env.scheduler.Tick(ctx)

	after, err := env.storage.ScheduleStorage().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, after.IsActive)
}

func TestTriggerNow_BypassesCronButNotStacking(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createWebsite(t, models.WebsiteStatusActive)
	entry := env.createEntry(t, site.ID, "0 0 1 1 *", env.clock.Now().Add(100*24*time.Hour))

	jobID, err := env.scheduler.TriggerNow(ctx, entry.ID)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := env.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	// Second trigger while the first job is still active is refused
	_, err = env.scheduler.TriggerNow(ctx, entry.ID)
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.scheduler.Start())
	assert.True(t, env.scheduler.IsRunning())
	assert.Error(t, env.scheduler.Start(), "second start must be refused")

	require.NoError(t, env.scheduler.Stop())
	assert.False(t, env.scheduler.IsRunning())
	require.NoError(t, env.scheduler.Stop(), "stop is idempotent")
}

func TestStatus_ReportsEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.createWebsite(t, models.WebsiteStatusActive)
	entry := env.createEntry(t, site.ID, "0 * * * *", env.clock.Now().Add(time.Hour))

	statuses, err := env.scheduler.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, entry.ID, statuses[0].ScheduleID)
	assert.Equal(t, site.ID, statuses[0].WebsiteID)
	assert.True(t, statuses[0].IsActive)
	require.NotNil(t, statuses[0].NextRun)
	assert.Nil(t, statuses[0].LastRun)
}

func TestNextAfter_SpringForwardGapShiftsThrough(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	sched, err := common.ParseCronSchedule("30 2 * * *")
	require.NoError(t, err)

	// 2025-03-09 is the second Sunday of March: 02:00-03:00 EST does not
	// exist. Asking at 01:59 local must land on 03:30 EDT the same day.
	at := time.Date(2025, 3, 9, 1, 59, 0, 0, loc)
	next := nextAfter(sched, at, loc)

	local := next.In(loc)
	assert.Equal(t, 9, local.Day())
	assert.Equal(t, "03:30", local.Format("15:04"))
	assert.Equal(t, time.Date(2025, 3, 9, 7, 30, 0, 0, time.UTC).Unix(), next.Unix())

	// The day after, the firing is back at its normal wall time
	following := nextAfter(sched, next, loc)
	assert.Equal(t, 10, following.In(loc).Day())
	assert.Equal(t, "02:30", following.In(loc).Format("15:04"))
}

func TestNextAfter_FallBackOverlapFiresOnce(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	sched, err := common.ParseCronSchedule("30 1 * * *")
	require.NoError(t, err)

	// 2025-11-02: 01:00-02:00 occurs twice. The firing happens once and
	// the next one is the following day.
	at := time.Date(2025, 11, 2, 0, 59, 0, 0, loc)
	first := nextAfter(sched, at, loc)
	assert.Equal(t, 2, first.In(loc).Day())
	assert.Equal(t, "01:30", first.In(loc).Format("15:04"))

	second := nextAfter(sched, first, loc)
	assert.Equal(t, 3, second.In(loc).Day(), "the repeated hour must not fire twice")
	assert.Equal(t, "01:30", second.In(loc).Format("15:04"))
}

func TestNextAfter_PlainUTC(t *testing.T) {
	sched, err := common.ParseCronSchedule("0 0 1,15 * *")
	require.NoError(t, err)

	at := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	next := nextAfter(sched, at, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC).Unix(), next.Unix())
}
