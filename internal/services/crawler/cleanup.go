package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
)

// ManagedResource is anything a crawl holds that must be returned when
// the job ends, however it ends: browser leases, temp state, open bodies.
type ManagedResource interface {
	Name() string
	// CloseGracefully releases the resource within ctx's budget
	CloseGracefully(ctx context.Context) error
	// ForceClose releases unconditionally; called when graceful ran out
	ForceClose()
}

// resourceFunc adapts a pair of closures into a ManagedResource
type resourceFunc struct {
	name     string
	graceful func(ctx context.Context) error
	force    func()
}

func (r *resourceFunc) Name() string                            { return r.name }
func (r *resourceFunc) CloseGracefully(ctx context.Context) error { return r.graceful(ctx) }
func (r *resourceFunc) ForceClose()                             { r.force() }

// NewManagedResource wraps close functions as a registrable resource.
// force may be nil when graceful release cannot be interrupted anyway.
func NewManagedResource(name string, graceful func(ctx context.Context) error, force func()) ManagedResource {
	if graceful == nil {
		graceful = func(context.Context) error { return nil }
	}
	if force == nil {
		force = func() {}
	}
	return &resourceFunc{name: name, graceful: graceful, force: force}
}

// CleanupReport records how one cleanup pass went
type CleanupReport struct {
	Graceful []string
	Forced   []string
	Duration time.Duration
}

// CleanupCoordinator collects the resources one crawl acquires and
// releases them all when the job ends. Cleanup runs at most once; later
// calls return the first pass's report.
type CleanupCoordinator struct {
	mu        sync.Mutex
	resources []ManagedResource
	done      bool
	report    CleanupReport

	deadline time.Duration
	clock    common.Clock
	logger   arbor.ILogger
}

// NewCleanupCoordinator creates a coordinator with the given total
// graceful budget
func NewCleanupCoordinator(deadline time.Duration, clock common.Clock, logger arbor.ILogger) *CleanupCoordinator {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	return &CleanupCoordinator{deadline: deadline, clock: clock, logger: logger}
}

// Register adds a resource. Registering after cleanup ran force-closes
// the resource immediately so nothing leaks past the job's end.
func (c *CleanupCoordinator) Register(r ManagedResource) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		c.logger.Warn().
			Str("resource", r.Name()).
			Msg("Resource registered after cleanup, force closing")
		r.ForceClose()
		return
	}
	c.resources = append(c.resources, r)
	c.mu.Unlock()
}

// Cleanup releases everything registered, newest first. Each resource
// gets a graceful try under the shared deadline; whatever does not
// finish in time is force-closed. Idempotent.
func (c *CleanupCoordinator) Cleanup() CleanupReport {
	c.mu.Lock()
	if c.done {
		report := c.report
		c.mu.Unlock()
		return report
	}
	c.done = true
	resources := c.resources
	c.resources = nil
	c.mu.Unlock()

	started := c.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.deadline)
	defer cancel()

	var report CleanupReport
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		if ctx.Err() != nil {
			r.ForceClose()
			report.Forced = append(report.Forced, r.Name())
			continue
		}
		if err := r.CloseGracefully(ctx); err != nil {
			c.logger.Warn().
				Err(err).
				Str("resource", r.Name()).
				Msg("Graceful release failed, forcing")
			r.ForceClose()
			report.Forced = append(report.Forced, r.Name())
			continue
		}
		report.Graceful = append(report.Graceful, r.Name())
	}
	report.Duration = c.clock.Since(started)

	if len(report.Forced) > 0 {
		c.logger.Warn().
			Int("graceful", len(report.Graceful)).
			Int("forced", len(report.Forced)).
			Dur("duration", report.Duration).
			Msg("Cleanup finished with forced closes")
	}

	c.mu.Lock()
	c.report = report
	c.mu.Unlock()
	return report
}
