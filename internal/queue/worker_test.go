package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// stubJobService scripts job lifecycle responses for worker tests
type stubJobService struct {
	mu            sync.Mutex
	startFn       func(jobID string) (*models.CrawlJob, error)
	cancelFlag    atomic.Bool
	startCalls    int
	completed     []*models.CrawlResult
	failed        []models.ErrorCategory
	requeued      []time.Duration
	finishCancels int
}

func (s *stubJobService) Start(ctx context.Context, jobID, workerID string) (*models.CrawlJob, error) {
	s.mu.Lock()
	s.startCalls++
	s.mu.Unlock()
	if s.startFn != nil {
		return s.startFn(jobID)
	}
	return &models.CrawlJob{ID: jobID, Status: models.JobStatusRunning, SeedURL: "https://example.test/"}, nil
}

func (s *stubJobService) Complete(ctx context.Context, jobID string, result *models.CrawlResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, result)
	return nil
}

func (s *stubJobService) Fail(ctx context.Context, jobID string, category models.ErrorCategory, errMsg, stack string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, category)
	return nil
}

func (s *stubJobService) Requeue(ctx context.Context, jobID string, category models.ErrorCategory, errMsg string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued = append(s.requeued, delay)
	return nil
}

func (s *stubJobService) FinishCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishCancels++
	return nil
}

func (s *stubJobService) IsCancelRequested(ctx context.Context, jobID string) bool {
	return s.cancelFlag.Load()
}

func (s *stubJobService) startedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

func (s *stubJobService) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

func (s *stubJobService) lastCompleted() *models.CrawlResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.completed) == 0 {
		return nil
	}
	return s.completed[len(s.completed)-1]
}

func (s *stubJobService) failedCategories() []models.ErrorCategory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ErrorCategory(nil), s.failed...)
}

func (s *stubJobService) requeueDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.requeued...)
}

func (s *stubJobService) finishCancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishCancels
}

// The worker never touches the rest of the JobService surface

func (s *stubJobService) Submit(ctx context.Context, req *models.SubmitRequest) (*models.CrawlJob, error) {
	return nil, nil
}

func (s *stubJobService) Get(ctx context.Context, jobID string) (*models.CrawlJob, error) {
	return nil, interfaces.ErrNotFound
}

func (s *stubJobService) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.CrawlJob, error) {
	return nil, nil
}

func (s *stubJobService) Count(ctx context.Context, opts *interfaces.JobListOptions) (int, error) {
	return 0, nil
}

func (s *stubJobService) Cancel(ctx context.Context, jobID, actor, reason string) (*interfaces.CancelResult, error) {
	return nil, nil
}

func (s *stubJobService) Delete(ctx context.Context, jobID string) error { return nil }

func (s *stubJobService) UpdateProgress(ctx context.Context, jobID string, progress models.CrawlProgress) error {
	return nil
}

func (s *stubJobService) RetryDeadLetter(ctx context.Context, dlqID string) (*models.CrawlJob, error) {
	return nil, nil
}

func (s *stubJobService) HandleRedeliveryOverflow(ctx context.Context, msg *models.QueueMessage) error {
	return nil
}

func (s *stubJobService) RecoverInterrupted(ctx context.Context) ([]string, []string, error) {
	return nil, nil, nil
}

type stubCrawler struct {
	crawlFn func(ctx context.Context, job *models.CrawlJob) (*models.CrawlResult, error)
	calls   atomic.Int32
}

func (s *stubCrawler) Crawl(ctx context.Context, job *models.CrawlJob) (*models.CrawlResult, error) {
	s.calls.Add(1)
	if s.crawlFn != nil {
		return s.crawlFn(ctx, job)
	}
	return &models.CrawlResult{Outcome: models.OutcomeSuccess, PagesCrawled: 3}, nil
}

type stubPlanner struct {
	retry bool
	delay time.Duration
	calls atomic.Int32
}

func (s *stubPlanner) Plan(ctx context.Context, job *models.CrawlJob, category models.ErrorCategory, retryAfter time.Duration) (bool, time.Duration) {
	s.calls.Add(1)
	return s.retry, s.delay
}

func newWorkerHarness(t *testing.T, jobs interfaces.JobService, crawler interfaces.CrawlerService, planner interfaces.RetryPlanner) (*WorkerPool, *Manager) {
	t.Helper()

	config := common.NewDefaultConfig()
	config.Queue.QueueName = "worker_test_tasks"
	config.Queue.PollInterval = "10ms"
	config.Queue.AckWait = "10s"
	config.Queue.Concurrency = 1
	config.Crawler.CancelPollInterval = 10 * time.Millisecond

	m, err := NewManager(newTestDB(t), &config.Queue, arbor.NewLogger())
	require.NoError(t, err)

	wp, err := NewWorkerPool(config, m, jobs, crawler, planner, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { wp.Stop() })
	return wp, m
}

func queueDrained(m *Manager) func() bool {
	return func() bool {
		length, err := m.Length(context.Background())
		return err == nil && length == 0
	}
}

func TestWorkerPool_CompletesSuccessfulJob(t *testing.T) {
	jobs := &stubJobService{}
	crawler := &stubCrawler{}
	planner := &stubPlanner{}
	wp, m := newWorkerHarness(t, jobs, crawler, planner)

	_, err := m.Publish(context.Background(), taskFor("job-1"), "")
	require.NoError(t, err)
	require.NoError(t, wp.Start())

	require.Eventually(t, func() bool { return jobs.completedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, queueDrained(m), 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.OutcomeSuccess, jobs.lastCompleted().Outcome)
	assert.Empty(t, jobs.failedCategories())
	assert.Zero(t, planner.calls.Load())
}

func TestWorkerPool_RetryableFailureRequeues(t *testing.T) {
	jobs := &stubJobService{}
	crawler := &stubCrawler{crawlFn: func(ctx context.Context, job *models.CrawlJob) (*models.CrawlResult, error) {
		return &models.CrawlResult{
			Outcome:       models.OutcomeSeedURLError,
			Error:         "server_error: HTTP 503",
			ErrorCategory: models.CategoryServerError,
		}, nil
	}}
	planner := &stubPlanner{retry: true, delay: 42 * time.Millisecond}
	wp, m := newWorkerHarness(t, jobs, crawler, planner)

	_, err := m.Publish(context.Background(), taskFor("job-1"), "")
	require.NoError(t, err)
	require.NoError(t, wp.Start())

	require.Eventually(t, func() bool { return len(jobs.requeueDelays()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, queueDrained(m), 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 42*time.Millisecond, jobs.requeueDelays()[0])
	assert.Empty(t, jobs.failedCategories())
	assert.Equal(t, int32(1), planner.calls.Load())
}

func TestWorkerPool_ExhaustedRetriesFailJob(t *testing.T) {
	jobs := &stubJobService{}
	crawler := &stubCrawler{crawlFn: func(ctx context.Context, job *models.CrawlJob) (*models.CrawlResult, error) {
		return &models.CrawlResult{
			Outcome:       models.OutcomeSeedURLError,
			Error:         "auth_error: HTTP 401",
			ErrorCategory: models.CategoryAuthError,
		}, nil
	}}
	planner := &stubPlanner{retry: false}
	wp, m := newWorkerHarness(t, jobs, crawler, planner)

	_, err := m.Publish(context.Background(), taskFor("job-1"), "")
	require.NoError(t, err)
	require.NoError(t, wp.Start())

	require.Eventually(t, func() bool { return len(jobs.failedCategories()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, queueDrained(m), 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.CategoryAuthError, jobs.failedCategories()[0])
	assert.Empty(t, jobs.requeueDelays())
}

func TestWorkerPool_TerminalOutcomeSkipsPlanner(t *testing.T) {
	jobs := &stubJobService{}
	crawler := &stubCrawler{crawlFn: func(ctx context.Context, job *models.CrawlJob) (*models.CrawlResult, error) {
		return &models.CrawlResult{
			Outcome:       models.OutcomeSeedURL404,
			Error:         "seed_url_404: https://example.test/",
			ErrorCategory: models.CategoryNotFound,
		}, nil
	}}
	// A planner that would retry: the terminal outcome must never ask it
	planner := &stubPlanner{retry: true, delay: time.Minute}
	wp, m := newWorkerHarness(t, jobs, crawler, planner)

	_, err := m.Publish(context.Background(), taskFor("job-1"), "")
	require.NoError(t, err)
	require.NoError(t, wp.Start())

	require.Eventually(t, func() bool { return len(jobs.failedCategories()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, queueDrained(m), 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.CategoryNotFound, jobs.failedCategories()[0])
	assert.Zero(t, planner.calls.Load())
	assert.Empty(t, jobs.requeueDelays())
}

func TestWorkerPool_RedundantDeliveryAcksSilently(t *testing.T) {
	jobs := &stubJobService{startFn: func(jobID string) (*models.CrawlJob, error) {
		return nil, interfaces.ErrStatusConflict
	}}
	crawler := &stubCrawler{}
	planner := &stubPlanner{}
	wp, m := newWorkerHarness(t, jobs, crawler, planner)

	_, err := m.Publish(context.Background(), taskFor("job-1"), "")
	require.NoError(t, err)
	require.NoError(t, wp.Start())

	require.Eventually(t, queueDrained(m), 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, crawler.calls.Load())
	assert.Empty(t, jobs.failedCategories())
	assert.Zero(t, jobs.completedCount())
}

func TestWorkerPool_CancellationFlagStopsCrawl(t *testing.T) {
	jobs := &stubJobService{}
	crawler := &stubCrawler{crawlFn: func(ctx context.Context, job *models.CrawlJob) (*models.CrawlResult, error) {
		// Block until the watcher cancels the job context
		<-ctx.Done()
		return &models.CrawlResult{Outcome: models.OutcomeCancelled, PagesCrawled: 2}, nil
	}}
	planner := &stubPlanner{}
	wp, m := newWorkerHarness(t, jobs, crawler, planner)

	_, err := m.Publish(context.Background(), taskFor("job-1"), "")
	require.NoError(t, err)
	require.NoError(t, wp.Start())

	require.Eventually(t, func() bool { return jobs.startedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return wp.ActiveWorkers() == 1 }, 2*time.Second, 10*time.Millisecond)

	jobs.cancelFlag.Store(true)

	require.Eventually(t, func() bool { return jobs.finishCancelCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, queueDrained(m), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return wp.ActiveWorkers() == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, jobs.completedCount())
	assert.Empty(t, jobs.failedCategories())
}

func TestWorkerPool_ShutdownLeavesJobForRecovery(t *testing.T) {
	jobs := &stubJobService{}
	crawler := &stubCrawler{crawlFn: func(ctx context.Context, job *models.CrawlJob) (*models.CrawlResult, error) {
		<-ctx.Done()
		return &models.CrawlResult{Outcome: models.OutcomeCancelled}, nil
	}}
	planner := &stubPlanner{}
	wp, m := newWorkerHarness(t, jobs, crawler, planner)

	_, err := m.Publish(context.Background(), taskFor("job-1"), "")
	require.NoError(t, err)
	require.NoError(t, wp.Start())

	require.Eventually(t, func() bool { return jobs.startedCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Stop aborts the crawl; no terminal write, no ack, the leased
	// message stays for boot recovery.
	require.NoError(t, wp.Stop())

	assert.Zero(t, jobs.completedCount())
	assert.Empty(t, jobs.failedCategories())
	assert.Zero(t, jobs.finishCancelCount())

	length, err := m.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestWorkerPool_MalformedPayloadDropped(t *testing.T) {
	jobs := &stubJobService{}
	crawler := &stubCrawler{}
	planner := &stubPlanner{}
	wp, m := newWorkerHarness(t, jobs, crawler, planner)

	// A payload with no job id cannot be routed anywhere
	_, err := m.Publish(context.Background(), &models.TaskPayload{SeedURL: "https://example.test/"}, "")
	require.NoError(t, err)
	require.NoError(t, wp.Start())

	require.Eventually(t, queueDrained(m), 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, jobs.startedCount())
	assert.Zero(t, crawler.calls.Load())
}
