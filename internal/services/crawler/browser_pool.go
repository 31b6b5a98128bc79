package crawler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	cdpstorage "github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/services/kv"
)

// managedBrowser is one Chrome instance plus its health bookkeeping
type managedBrowser struct {
	index        int
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	browserCtx   context.Context
	browserCancel context.CancelFunc
	active       int
	healthy      bool
	lastHealthy  time.Time
	restarts     int
}

// Pool manages a fixed set of headless browsers and hands out tab
// contexts. Capacity is pool_size * contexts_per_browser, enforced with
// a buffered-channel semaphore whose blocked senders are served roughly
// FIFO. Leases land on the least-loaded healthy browser, ties broken by
// index.
type Pool struct {
	config *common.BrowserConfig
	cache  *kv.Service
	clock  common.Clock
	logger arbor.ILogger

	mu       sync.Mutex
	browsers []*managedBrowser
	sem      chan struct{}
	closed   bool

	waiters  atomic.Int32
	inFlight atomic.Int32
	acquired atomic.Int64
	timeouts atomic.Int64

	healthCancel context.CancelFunc
	wg           sync.WaitGroup

	// probe checks one browser's liveness; a field so tests can observe
	// health transitions without launching Chrome
	probe func(b *managedBrowser) error
}

// NewPool creates the pool without launching browsers; Start does that
func NewPool(config *common.BrowserConfig, cache *kv.Service, clock common.Clock, logger arbor.ILogger) *Pool {
	p := &Pool{
		config: config,
		cache:  cache,
		clock:  clock,
		logger: logger,
		sem:    make(chan struct{}, config.PoolSize*config.ContextsPerBrowser),
	}
	p.probe = p.probeBrowser
	return p
}

// Start launches the browser instances and the health probe loop. A
// browser that fails to launch is registered unhealthy and picked up by
// the next health tick rather than failing startup.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return interfaces.ErrPoolClosed
	}

	for i := 0; i < p.config.PoolSize; i++ {
		browser := &managedBrowser{index: i}
		if err := p.launch(browser); err != nil {
			p.logger.Warn().
				Err(err).
				Int("browser", i).
				Msg("Browser failed to launch, will retry on health tick")
		}
		p.browsers = append(p.browsers, browser)
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	p.healthCancel = cancel
	p.wg.Add(1)
	go p.healthLoop(healthCtx)

	p.logger.Info().
		Int("browsers", p.config.PoolSize).
		Int("contexts_per_browser", p.config.ContextsPerBrowser).
		Msg("Browser pool started")
	return nil
}

// launch starts one Chrome instance and verifies it with a blank-page
// navigation. Caller holds p.mu.
func (p *Pool) launch(browser *managedBrowser) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	probeCtx, probeCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer probeCancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		browser.healthy = false
		return fmt.Errorf("browser %d startup probe: %w", browser.index, err)
	}

	browser.allocCtx = allocCtx
	browser.allocCancel = allocCancel
	browser.browserCtx = browserCtx
	browser.browserCancel = browserCancel
	browser.healthy = true
	browser.lastHealthy = p.clock.Now()
	return nil
}

// Acquire leases a tab context. Blocks until a slot frees, the acquire
// timeout lapses, or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (context.Context, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, interfaces.ErrPoolClosed
	}
	p.mu.Unlock()

	p.waiters.Add(1)
	defer p.waiters.Add(-1)

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-timer.C:
		p.timeouts.Add(1)
		return nil, nil, interfaces.ErrAcquireTimeout
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	tabCtx, release, err := p.lease()
	if err != nil {
		<-p.sem
		return nil, nil, err
	}
	p.acquired.Add(1)
	p.inFlight.Add(1)
	return tabCtx, release, nil
}

// lease picks the least-loaded healthy browser and opens a tab on it
func (p *Pool) lease() (context.Context, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, interfaces.ErrPoolClosed
	}

	var chosen *managedBrowser
	for _, b := range p.browsers {
		if !b.healthy || b.active >= p.config.ContextsPerBrowser {
			continue
		}
		if chosen == nil || b.active < chosen.active {
			chosen = b
		}
	}
	if chosen == nil {
		return nil, nil, fmt.Errorf("browser pool: no healthy browser available")
	}

	tabCtx, tabCancel := chromedp.NewContext(chosen.browserCtx)
	chosen.active++

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.cleanTab(tabCtx)
			tabCancel()
			p.mu.Lock()
			chosen.active--
			p.mu.Unlock()
			p.inFlight.Add(-1)
			<-p.sem
		})
	}
	return tabCtx, release, nil
}

// cleanTab strips session state before the slot is reused: cookies,
// origin storage, and whatever page is loaded
func (p *Pool) cleanTab(tabCtx context.Context) {
	cleanCtx, cancel := context.WithTimeout(tabCtx, 5*time.Second)
	defer cancel()
	err := chromedp.Run(cleanCtx,
		network.ClearBrowserCookies(),
		cdpstorage.ClearDataForOrigin("*", "all"),
		chromedp.Navigate("about:blank"),
	)
	if err != nil {
		p.logger.Debug().Err(err).Msg("Tab cleanup failed, context is discarded anyway")
	}
}

// healthLoop probes every browser each interval, restarts dead ones once
// they drain, and publishes the pool snapshot
func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(p.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.checkHealth(ctx)
			p.publishStatus(ctx)
		}
	}
}

func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.browsers {
		if b.browserCtx == nil || !b.healthy {
			// Dead browser: restart only once nothing holds a tab on it
			if b.active == 0 {
				p.restart(b)
			}
			continue
		}

		if err := p.probe(b); err != nil {
			p.logger.Warn().
				Err(err).
				Int("browser", b.index).
				Int("active_contexts", b.active).
				Msg("Browser failed health probe, draining")
			b.healthy = false
			continue
		}
		b.lastHealthy = p.clock.Now()
	}
}

// probeBrowser opens a throwaway target, navigates it, and closes it.
// Probing a fresh target leaves the shared browser context exactly as
// the next lease expects it.
func (p *Pool) probeBrowser(b *managedBrowser) error {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	defer tabCancel()
	probeCtx, cancel := context.WithTimeout(tabCtx, 10*time.Second)
	defer cancel()
	return chromedp.Run(probeCtx, chromedp.Navigate("about:blank"))
}

// restart tears down and relaunches one browser. Caller holds p.mu.
func (p *Pool) restart(b *managedBrowser) {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.restarts++
	if err := p.launch(b); err != nil {
		p.logger.Warn().
			Err(err).
			Int("browser", b.index).
			Int("restarts", b.restarts).
			Msg("Browser restart failed, will retry on next health tick")
		return
	}
	p.logger.Info().
		Int("browser", b.index).
		Int("restarts", b.restarts).
		Msg("Browser restarted")
}

// publishStatus snapshots the pool into the KV cache for operator reads
func (p *Pool) publishStatus(ctx context.Context) {
	if p.cache == nil {
		return
	}
	status := p.Status()
	if err := p.cache.PutPoolStatus(ctx, &status); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to publish pool status")
	}
}

// Status returns a point-in-time pool snapshot
func (p *Pool) Status() interfaces.BrowserPoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := interfaces.BrowserPoolStatus{
		MaxContexts:   p.config.PoolSize * p.config.ContextsPerBrowser,
		InFlight:      int(p.inFlight.Load()),
		Waiters:       int(p.waiters.Load()),
		AcquiredTotal: p.acquired.Load(),
		TimeoutsTotal: p.timeouts.Load(),
		UpdatedAt:     p.clock.Now(),
	}
	for _, b := range p.browsers {
		status.Browsers = append(status.Browsers, interfaces.BrowserStatus{
			Index:          b.index,
			Healthy:        b.healthy,
			ActiveContexts: b.active,
			LastHealthyAt:  b.lastHealthy,
			Restarts:       b.restarts,
		})
	}
	return status
}

// Shutdown stops admissions, waits for in-flight leases to drain within
// the configured window, then force-closes everything left
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.healthCancel != nil {
		p.healthCancel()
	}
	p.wg.Wait()

	deadline := p.clock.Now().Add(p.config.ShutdownTimeout)
	for p.inFlight.Load() > 0 && p.clock.Now().Before(deadline) {
		if err := p.clock.Sleep(ctx, 100*time.Millisecond); err != nil {
			break
		}
	}
	if remaining := int(p.inFlight.Load()); remaining > 0 {
		p.logger.Warn().
			Int("in_flight", remaining).
			Msg("Browser pool drain window lapsed, force closing")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.browsers {
		if b.browserCancel != nil {
			b.browserCancel()
		}
		if b.allocCancel != nil {
			b.allocCancel()
		}
	}
	p.logger.Info().Msg("Browser pool stopped")
	return nil
}
