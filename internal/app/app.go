package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/httpclient"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/logs"
	"github.com/ternarybob/venari/internal/queue"
	"github.com/ternarybob/venari/internal/services/crawler"
	"github.com/ternarybob/venari/internal/services/events"
	jobsvc "github.com/ternarybob/venari/internal/services/jobs"
	"github.com/ternarybob/venari/internal/services/kv"
	"github.com/ternarybob/venari/internal/services/scheduler"
	"github.com/ternarybob/venari/internal/services/websites"
	badgerstore "github.com/ternarybob/venari/internal/storage/badger"
)

// App is the composition root: every service wired in dependency order,
// started front to back and stopped back to front.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	EventService   interfaces.EventService
	KVService      *kv.Service
	QueueManager   *queue.Manager

	LogService  *logs.Service
	LogConsumer *logs.Consumer

	JobService     *jobsvc.Service
	WebsiteService *websites.Service
	CrawlerService *crawler.Service
	BrowserPool    *crawler.Pool // nil when [browser] is disabled
	WorkerPool     *queue.WorkerPool
	Scheduler      *scheduler.Service
	Maintenance    *scheduler.Maintenance

	clock   common.Clock
	started bool
}

// New builds the full dependency graph without starting anything.
// Nothing here spawns goroutines; Start owns that.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		clock:  common.NewRealClock(),
	}

	storage, err := badgerstore.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	app.StorageManager = storage
	logger.Debug().
		Str("path", cfg.Storage.Badger.Path).
		Msg("Storage layer initialized")

	app.EventService = events.NewService(logger)
	app.KVService = kv.NewService(storage.KeyValueStorage(), logger)

	// Per-job logs: arbor's correlation channel drains into the consumer,
	// which persists through the log service and feeds live subscribers
	app.LogService = logs.NewService(storage.CrawlLogStorage(), app.EventService, cfg.Logging.MinEventLevel, logger)
	app.LogConsumer = logs.NewConsumer(app.LogService, logger)
	logger.SetChannel("context", app.LogConsumer.GetChannel())

	store, ok := storage.DB().(*badgerhold.Store)
	if !ok {
		return nil, fmt.Errorf("storage manager is not badger-backed (got %T)", storage.DB())
	}
	app.QueueManager, err = queue.NewManager(store.Badger(), &cfg.Queue, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	app.JobService = jobsvc.NewService(storage, app.QueueManager, app.KVService, app.EventService, app.clock, logger)
	app.QueueManager.SetOverflowHandler(app.JobService.HandleRedeliveryOverflow)

	app.WebsiteService = websites.NewService(storage, app.KVService, app.clock, logger)

	client, err := httpclient.NewCrawlClient(cfg.Crawler.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build crawl client: %w", err)
	}
	var pool interfaces.BrowserPool
	if cfg.Browser.Enabled {
		app.BrowserPool = crawler.NewPool(&cfg.Browser, app.KVService, app.clock, logger)
		pool = app.BrowserPool
	}
	fetcher := crawler.NewFetcher(client, pool, &cfg.Crawler, logger)
	planner := crawler.NewPlanner(&cfg.Retry, storage.WebsiteStorage(), logger)
	app.CrawlerService = crawler.NewService(&cfg.Crawler, storage, app.KVService, fetcher, planner, app.clock, logger)

	app.WorkerPool, err = queue.NewWorkerPool(cfg, app.QueueManager, app.JobService, app.CrawlerService, planner, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	app.Scheduler, err = scheduler.NewService(&cfg.Scheduler, storage, app.JobService, app.EventService, app.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	app.Maintenance, err = scheduler.NewMaintenance(cfg, storage, app.JobService, app.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create maintenance loops: %w", err)
	}

	return app, nil
}

// Start brings the process up: log plumbing, browser pool, boot
// recovery, then the consumers of work. Templates seed before the
// scheduler starts so new entries are picked up on the first tick.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}

	if err := a.LogConsumer.Start(); err != nil {
		return fmt.Errorf("failed to start log consumer: %w", err)
	}
	if err := a.LogService.Start(); err != nil {
		return fmt.Errorf("failed to start log service: %w", err)
	}
	if err := a.QueueManager.Start(); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	if a.BrowserPool != nil {
		if err := a.BrowserPool.Start(ctx); err != nil {
			return fmt.Errorf("failed to start browser pool: %w", err)
		}
	}

	if dir := a.Config.Templates.Dir; dir != "" {
		seeded, err := a.WebsiteService.SeedFromTemplates(ctx, dir)
		if err != nil {
			a.Logger.Warn().Err(err).Str("dir", dir).Msg("Website template seeding failed")
		} else if seeded > 0 {
			a.Logger.Info().Int("count", seeded).Msg("Website templates seeded")
		}
	}

	// Jobs left running by a crashed process go back to pending before
	// the workers start pulling redelivered messages
	requeued, cancelled, err := a.JobService.RecoverInterrupted(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Boot recovery failed")
	} else if len(requeued)+len(cancelled) > 0 {
		a.Logger.Info().
			Int("requeued", len(requeued)).
			Int("cancelled", len(cancelled)).
			Msg("Interrupted jobs recovered")
	}

	if err := a.WorkerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if err := a.Maintenance.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance loops: %w", err)
	}

	a.started = true
	a.Logger.Info().
		Bool("browser_pool", a.BrowserPool != nil).
		Msg("Venari started")
	return nil
}

// Stop shuts everything down in reverse order: producers first so no
// new work lands, then the workers drain, then the stores close.
func (a *App) Stop(ctx context.Context) error {
	if a.Maintenance != nil {
		if err := a.Maintenance.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Maintenance stop failed")
		}
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Scheduler stop failed")
		}
	}
	if a.WorkerPool != nil {
		if err := a.WorkerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Worker pool stop failed")
		}
	}
	if a.BrowserPool != nil {
		if err := a.BrowserPool.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Browser pool shutdown failed")
		}
	}
	if a.QueueManager != nil {
		if err := a.QueueManager.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Queue stop failed")
		}
	}
	if a.LogConsumer != nil {
		if err := a.LogConsumer.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Log consumer stop failed")
		}
	}
	if a.LogService != nil {
		if err := a.LogService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Log service stop failed")
		}
	}
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event service close failed")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
	}
	a.started = false
	a.Logger.Info().Msg("Venari stopped")
	return nil
}
