package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/services/kv"
)

// Service runs the seed-URL crawl pipeline: config resolution, the
// paginated list walk, then the per-URL scrape loop with two-phase
// dedup. Every failure mode folds into the CrawlResult; the worker owns
// the terminal job write.
type Service struct {
	storage interfaces.StorageManager
	cache   *kv.Service
	fetcher *Fetcher
	planner interfaces.RetryPlanner
	limiter *DomainRateLimiter
	dedup   *Deduplicator
	extract *Extractor
	config  *common.CrawlerConfig
	clock   common.Clock
	logger  arbor.ILogger
	md      *md.Converter
}

// NewService wires the pipeline. planner may be nil; per-page failures
// then always settle as partial_success instead of triggering a job
// retry first.
func NewService(config *common.CrawlerConfig, storage interfaces.StorageManager, cache *kv.Service, fetcher *Fetcher, planner interfaces.RetryPlanner, clock common.Clock, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		cache:   cache,
		fetcher: fetcher,
		planner: planner,
		limiter: NewDomainRateLimiter(config.DefaultRateLimit),
		dedup:   NewDeduplicator(storage.ContentHashStorage(), config.SimhashMaxHamming, clock, logger),
		extract: NewExtractor(logger),
		config:  config,
		clock:   clock,
		logger:  logger,
		md:      md.NewConverter("", true, nil),
	}
}

// pageFailure records one detail URL that could not be scraped
type pageFailure struct {
	url        string
	category   models.ErrorCategory
	retryAfter time.Duration
	err        error
}

// crawlRun is the per-job mutable state threaded through the pipeline
type crawlRun struct {
	job      *models.CrawlJob
	cfg      *models.CrawlConfig
	resolver *VariableResolver
	cleanup  *CleanupCoordinator
	result   *models.CrawlResult
	progress models.CrawlProgress
	// markerKey scopes crawled markers: the website for template jobs,
	// the job itself for inline ones
	markerKey string
	failures  []pageFailure
	log       arbor.ILogger
}

// Crawl runs one job end to end and never lets a panic escape
func (s *Service) Crawl(ctx context.Context, job *models.CrawlJob) (result *models.CrawlResult, err error) {
	run := &crawlRun{
		job:     job,
		cleanup: NewCleanupCoordinator(s.config.CleanupDeadline, s.clock, s.logger),
		result:  &models.CrawlResult{StartedAt: s.clock.Now()},
		log:     s.logger.WithCorrelationId(job.ID),
	}
	result = run.result

	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Sprintf("panic: %v", r)
			result.Stack = string(debug.Stack())
			result.ErrorCategory = models.CategoryUnknown
			run.log.Error().
				Str("job_id", job.ID).
				Str("panic", fmt.Sprint(r)).
				Msg("Crawl pipeline panicked")
		}
		run.cleanup.Cleanup()
		result.CompletedAt = s.clock.Now()
	}()

	run.log.Info().
		Str("job_id", job.ID).
		Str("seed_url", job.SeedURL).
		Int("retry_count", job.RetryCount).
		Msg("Crawl starting")

	seed, ok := s.resolveConfig(ctx, run)
	if !ok {
		return result, nil
	}
	if s.interrupted(ctx, run) {
		return result, nil
	}

	links, listOutcome, ok := s.walkListPages(ctx, run, seed)
	if !ok {
		return result, nil
	}
	result.URLsDiscovered = len(links)
	if len(links) == 0 {
		if listOutcome == models.OutcomeSuccess {
			listOutcome = models.OutcomeSuccessNoURLs
		}
		result.Outcome = listOutcome
		run.log.Info().Str("job_id", job.ID).Msg("List walk found no detail URLs")
		return result, nil
	}
	if s.interrupted(ctx, run) {
		return result, nil
	}

	if step := run.cfg.ScrapeStep(); step != nil {
		if !s.scrapeDetails(ctx, run, links, step) {
			return result, nil
		}
	}

	s.settleOutcome(ctx, run, listOutcome)
	run.log.Info().
		Str("job_id", job.ID).
		Str("outcome", string(result.Outcome)).
		Int("urls_discovered", result.URLsDiscovered).
		Int("pages_crawled", result.PagesCrawled).
		Int("pages_duplicate", result.PagesDuplicate).
		Int("pages_failed", result.PagesFailed).
		Msg("Crawl finished")
	return result, nil
}

// interrupted checks the job context at a suspension point, finalizing
// the result as cancelled when it has ended
func (s *Service) interrupted(ctx context.Context, run *crawlRun) bool {
	if ctx.Err() == nil {
		return false
	}
	run.result.Outcome = models.OutcomeCancelled
	s.writeProgress(run)
	run.log.Info().
		Str("job_id", run.job.ID).
		Int("pages_crawled", run.result.PagesCrawled).
		Msg("Crawl interrupted, partial results kept")
	return true
}

// resolveConfig builds the effective crawl config and the resolved seed
// URL. Returns ok=false with the result already finalized on failure.
func (s *Service) resolveConfig(ctx context.Context, run *crawlRun) (*url.URL, bool) {
	job := run.job
	var cfg *models.CrawlConfig

	switch {
	case job.InlineConfig != nil:
		cfg = job.InlineConfig
		run.markerKey = job.ID
	case job.WebsiteID != "":
		site, err := s.storage.WebsiteStorage().Get(ctx, job.WebsiteID)
		if err != nil {
			return nil, s.failInvalidConfig(run, fmt.Errorf("website %s: %w", job.WebsiteID, err))
		}
		if site.IsDeleted() {
			return nil, s.failInvalidConfig(run, fmt.Errorf("website %s is deleted", job.WebsiteID))
		}
		cfg = &site.Config
		run.markerKey = job.WebsiteID

		if job.ScheduleID != "" {
			merged, err := s.applyScheduleOverrides(ctx, cfg, job.ScheduleID)
			if err != nil {
				return nil, s.failInvalidConfig(run, err)
			}
			cfg = merged
		}
	default:
		return nil, s.failInvalidConfig(run, fmt.Errorf("job has neither website_id nor inline_config"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, s.failInvalidConfig(run, err)
	}
	run.cfg = cfg

	mode := cfg.VariableMode
	if mode == "" {
		mode = models.VariableMode(s.config.VariableMode)
	}
	resolver := NewVariableResolver(mode)
	resolver.Values = MergeVariables(cfg.Variables, job.Variables)
	resolver.Input = map[string]string{"seed_url": job.SeedURL}
	for k, v := range job.Metadata {
		if str, ok := v.(string); ok {
			resolver.Input[k] = str
		}
	}
	run.resolver = resolver

	seedRaw, err := resolver.Resolve(job.SeedURL)
	if err != nil {
		return nil, s.failInvalidConfig(run, fmt.Errorf("seed_url: %w", err))
	}
	if err := models.ValidateSeedURL(seedRaw); err != nil {
		return nil, s.failInvalidConfig(run, err)
	}
	seed, err := url.Parse(seedRaw)
	if err != nil {
		return nil, s.failInvalidConfig(run, fmt.Errorf("seed_url: %w", err))
	}
	return seed, true
}

// failInvalidConfig finalizes the result as the terminal invalid_config
// outcome. Always returns false for use in early-return chains.
func (s *Service) failInvalidConfig(run *crawlRun, err error) bool {
	run.result.Outcome = models.OutcomeInvalidConfig
	run.result.Error = err.Error()
	run.result.ErrorCategory = models.CategoryValidationError
	run.log.Warn().
		Err(err).
		Str("job_id", run.job.ID).
		Msg("Crawl config resolution failed")
	return false
}

// applyScheduleOverrides deep-merges a schedule entry's override
// fragment onto the website config. Scalar strings that parse as
// numbers or bools coerce to the typed form the config field expects.
func (s *Service) applyScheduleOverrides(ctx context.Context, cfg *models.CrawlConfig, scheduleID string) (*models.CrawlConfig, error) {
	entry, err := s.storage.ScheduleStorage().Get(ctx, scheduleID)
	if err != nil {
		// The entry may have been deleted since submission; the website
		// config alone is still a valid run
		s.logger.Warn().
			Err(err).
			Str("schedule_id", scheduleID).
			Msg("Schedule entry lookup failed, running without overrides")
		return cfg, nil
	}
	if len(entry.Overrides) == 0 {
		return cfg, nil
	}

	base := map[string]interface{}{}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling config for override merge: %w", err)
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("unmarshaling config for override merge: %w", err)
	}

	deepMerge(base, entry.Overrides)

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshaling merged config: %w", err)
	}
	var out models.CrawlConfig
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("schedule overrides do not fit the config shape: %w", err)
	}
	return &out, nil
}

// deepMerge overlays src onto dst in place. Nested maps merge; anything
// else replaces. String scalars coerce to numbers/bools where they parse.
func deepMerge(dst, src map[string]interface{}) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		if str, ok := value.(string); ok {
			if _, isStr := dst[key].(string); !isStr && dst[key] != nil {
				dst[key] = CoerceScalar(str)
				continue
			}
		}
		dst[key] = value
	}
}

// walkListPages runs the pagination walk and returns the deduplicated
// detail-URL candidates. ok=false means the result is already finalized
// (seed failure or cancellation).
func (s *Service) walkListPages(ctx context.Context, run *crawlRun, seed *url.URL) ([]ExtractedLink, models.CrawlOutcome, bool) {
	cfg := run.cfg
	step, err := s.resolveStep(run, cfg.CrawlStep())
	if err != nil {
		return nil, "", s.failInvalidConfig(run, err)
	}

	maxPages := cfg.Pagination.MaxPages
	if maxPages <= 0 {
		maxPages = s.config.MaxPages
	}
	if maxPages > common.MaxPagesHardCap {
		maxPages = common.MaxPagesHardCap
	}
	maxEmpty := cfg.Pagination.MaxEmptyResponses
	if maxEmpty <= 0 {
		maxEmpty = s.config.MaxEmptyResponses
	}

	paginator := NewPaginator(&cfg.Pagination, seed, run.resolver)
	circular := newCircularDetector(s.config.CircularWindow)
	boilerplate := s.boilerplate(cfg)

	run.progress.CurrentStep = string(models.StepTypeCrawlList)
	seen := map[string]bool{}
	var links []ExtractedLink
	outcome := models.OutcomeSuccess
	empty := 0

	pageURL, err := paginator.First()
	if err != nil {
		return nil, "", s.failInvalidConfig(run, err)
	}

	for {
		if s.interrupted(ctx, run) {
			return nil, "", false
		}
		run.progress.CurrentURL = pageURL
		if err := s.limiter.Wait(ctx, pageURL, cfg.RateLimit.RequestsPerSecond); err != nil {
			if s.interrupted(ctx, run) {
				return nil, "", false
			}
			run.result.Warnings = append(run.result.Warnings, fmt.Sprintf("list page %s: %v", pageURL, err))
			break
		}
		s.countRequest(ctx, run)

		fetched, err := s.fetcher.Fetch(ctx, pageURL, step.Method)
		if err != nil {
			if s.interrupted(ctx, run) {
				return nil, "", false
			}
			if paginator.Page() == 1 {
				return nil, "", s.failSeed(run, pageURL, err)
			}
			run.result.Warnings = append(run.result.Warnings,
				fmt.Sprintf("list page %d (%s): %v", paginator.Page(), pageURL, err))
			run.log.Warn().
				Err(err).
				Str("job_id", run.job.ID).
				Str("url", pageURL).
				Int("page", paginator.Page()).
				Msg("List page fetch failed, stopping the walk")
			break
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fetched.Body))
		if err != nil {
			run.result.Warnings = append(run.result.Warnings,
				fmt.Sprintf("list page %d (%s): unparseable html: %v", paginator.Page(), pageURL, err))
			break
		}
		finalURL, err := url.Parse(fetched.FinalURL)
		if err != nil {
			finalURL = seed
		}

		if circular.Seen(NewFingerprint(NormalizeContent(doc, boilerplate)).SHA) {
			outcome = models.OutcomeCircularPagination
			run.log.Warn().
				Str("job_id", run.job.ID).
				Int("page", paginator.Page()).
				Msg("Pagination is looping, stopping the walk")
			break
		}

		run.result.ListPages++
		run.progress.ListPages = run.result.ListPages

		extracted := s.extract.ExtractLinks(doc, step, finalURL)
		fresh := 0
		for _, link := range extracted {
			normalized, err := NormalizeURL(link.URL, cfg.TrackingParams)
			if err != nil {
				continue
			}
			if seen[normalized] {
				continue
			}
			seen[normalized] = true
			link.URL = normalized
			links = append(links, link)
			fresh++
		}
		run.progress.TotalURLs = len(links)
		s.writeProgress(run)

		run.log.Debug().
			Str("job_id", run.job.ID).
			Int("page", paginator.Page()).
			Int("extracted", len(extracted)).
			Int("fresh", fresh).
			Msg("List page processed")

		if len(extracted) == 0 {
			empty++
			if empty >= maxEmpty {
				outcome = models.OutcomeEmptyPages
				break
			}
		} else {
			empty = 0
		}

		if paginator.Page() >= maxPages {
			outcome = models.OutcomePaginationStopped
			run.result.Warnings = append(run.result.Warnings,
				fmt.Sprintf("stopped at the %d page budget", maxPages))
			break
		}

		next, more, err := paginator.Next(doc, finalURL, len(extracted))
		if err != nil {
			run.result.Warnings = append(run.result.Warnings, err.Error())
			break
		}
		if !more {
			break
		}
		pageURL = next
	}

	// The paginator may withdraw its single-page warning after seeing
	// the first page's links, so the warning is read after the walk
	if w := paginator.Warning(); w != "" {
		run.result.Warnings = append(run.result.Warnings, w)
	}
	return links, outcome, true
}

// failSeed finalizes the result for a seed fetch failure: 404 is the
// terminal seed_url_404, everything else seed_url_error with its
// classification carried for the retry planner.
func (s *Service) failSeed(run *crawlRun, seedURL string, err error) bool {
	result := run.result
	result.Error = err.Error()
	result.ErrorCategory = Classify(err)
	result.RetryAfterSeconds = retryAfterOf(err).Seconds()

	var ce *CrawlError
	if errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound {
		result.Outcome = models.OutcomeSeedURL404
	} else {
		result.Outcome = models.OutcomeSeedURLError
	}
	run.log.Warn().
		Err(err).
		Str("job_id", run.job.ID).
		Str("url", seedURL).
		Str("outcome", string(result.Outcome)).
		Msg("Seed fetch failed")
	return false
}

// scrapeDetails runs the per-URL scrape loop. Returns false when the
// run was cancelled mid-loop.
func (s *Service) scrapeDetails(ctx context.Context, run *crawlRun, links []ExtractedLink, step *models.StepConfig) bool {
	cfg := run.cfg
	run.progress.CurrentStep = string(models.StepTypeScrapeDetail)
	run.progress.TotalURLs = len(links)

	resolvedStep, err := s.resolveStep(run, step)
	if err != nil {
		return s.failInvalidConfig(run, err)
	}
	perLink := stepNeedsMetadata(step)

	batch := s.config.ScrapeBatchSize
	if batch <= 0 {
		batch = 100
	}
	ttl := time.Duration(s.config.DedupTTLDays) * 24 * time.Hour
	boilerplate := s.boilerplate(cfg)

	for i, link := range links {
		if s.interrupted(ctx, run) {
			return false
		}
		if i > 0 && i%batch == 0 {
			if flagged, _ := s.cache.IsCancelRequested(ctx, run.job.ID); flagged {
				run.result.Outcome = models.OutcomeCancelled
				s.writeProgress(run)
				run.log.Info().
					Str("job_id", run.job.ID).
					Int("processed", i).
					Msg("Cancellation flag observed in the scrape loop")
				return false
			}
		}

		effective := resolvedStep
		if perLink {
			run.resolver.Metadata = link.Metadata
			effective, err = s.resolveStep(run, step)
			if err != nil {
				s.recordFailure(run, link.URL, &CrawlError{Category: models.CategoryValidationError, Err: err})
				continue
			}
		}

		s.scrapeOne(ctx, run, link, effective, boilerplate, ttl)
		run.progress.Recalculate(s.clock.Now())
		s.writeProgress(run)
	}
	return true
}

// scrapeOne processes a single detail URL through dedup, fetch,
// extraction, and persistence
func (s *Service) scrapeOne(ctx context.Context, run *crawlRun, link ExtractedLink, step *models.StepConfig, boilerplate []string, ttl time.Duration) {
	job := run.job
	urlHash := URLHash(link.URL)
	run.progress.CurrentURL = link.URL

	// Phase 1: the URL marker cache says this URL was already crawled
	marker, err := s.cache.GetCrawled(ctx, run.markerKey, urlHash)
	if err != nil {
		run.log.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("url", link.URL).
			Msg("Crawled-marker lookup failed, treating the URL as fresh")
	}
	if marker != nil {
		page := &models.CrawledPage{
			ID:              common.NewPageID(),
			WebsiteID:       run.markerKey,
			JobID:           job.ID,
			URL:             link.URL,
			URLHash:         urlHash,
			ContentHash:     marker.ContentHash,
			Metadata:        metadataOf(link),
			IsDuplicate:     true,
			DuplicateOf:     marker.PageID,
			SimilarityScore: 100,
			CrawledAt:       s.clock.Now(),
		}
		if err := s.storage.PageStorage().Save(ctx, page); err != nil {
			run.log.Warn().Err(err).Str("url", link.URL).Msg("Duplicate page row write failed")
		}
		run.result.PagesDuplicate++
		run.progress.DuplicateURLs++
		return
	}

	if err := s.limiter.Wait(ctx, link.URL, run.cfg.RateLimit.RequestsPerSecond); err != nil {
		if ctx.Err() == nil {
			s.recordFailure(run, link.URL, err)
		}
		return
	}
	s.countRequest(ctx, run)

	fetched, err := s.fetcher.Fetch(ctx, link.URL, step.Method)
	if err != nil {
		if ctx.Err() == nil {
			s.recordFailure(run, link.URL, err)
		}
		return
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fetched.Body))
	if err != nil {
		s.recordFailure(run, link.URL, &CrawlError{Category: models.CategoryValidationError, Err: fmt.Errorf("unparseable html: %w", err)})
		return
	}

	// Phase 2: content identity
	fp := NewFingerprint(NormalizeContent(doc, boilerplate))
	pageID := common.NewPageID()
	verdict, err := s.dedup.CheckContent(ctx, fp, pageID)
	if err != nil {
		s.recordFailure(run, link.URL, err)
		return
	}

	page := &models.CrawledPage{
		ID:          pageID,
		WebsiteID:   run.markerKey,
		JobID:       job.ID,
		URL:         link.URL,
		URLHash:     urlHash,
		ContentHash: fp.SHA,
		Title:       s.extract.Title(doc),
		Metadata:    metadataOf(link),
		CrawledAt:   s.clock.Now(),
	}

	if verdict.Duplicate {
		page.IsDuplicate = true
		page.DuplicateOf = verdict.OriginalPageID
		page.SimilarityScore = verdict.SimilarityScore
		run.result.PagesDuplicate++
		run.progress.DuplicateURLs++
	} else {
		page.Fields = s.extract.ExtractFields(doc.Selection, step.Fields)
		page.ExtractedText = s.markdownOf(doc)
		blobKey := fmt.Sprintf("raw:%s:%s", job.ID, pageID)
		if err := s.storage.BlobStorage().Put(ctx, blobKey, fetched.Body); err != nil {
			run.log.Warn().Err(err).Str("url", link.URL).Msg("Raw HTML blob write failed")
		} else {
			page.RawBlobKey = blobKey
		}
		run.result.PagesCrawled++
		run.progress.CompletedURLs++
	}

	if err := s.storage.PageStorage().Save(ctx, page); err != nil {
		run.log.Warn().Err(err).Str("url", link.URL).Msg("Page row write failed")
	}

	crawled := &kv.CrawledMarker{
		JobID:       job.ID,
		CrawledAt:   s.clock.Now(),
		ContentHash: fp.SHA,
		PageID:      firstNonEmpty(page.DuplicateOf, page.ID),
	}
	if err := s.cache.MarkCrawled(ctx, run.markerKey, urlHash, crawled, ttl); err != nil {
		run.log.Warn().Err(err).Str("url", link.URL).Msg("Crawled marker write failed")
	}

	run.log.Debug().
		Str("job_id", job.ID).
		Str("url", link.URL).
		Bool("duplicate", page.IsDuplicate).
		Msg("Detail page processed")
}

// recordFailure books one failed detail URL into the result and the
// failure ledger the outcome settle consults
func (s *Service) recordFailure(run *crawlRun, pageURL string, err error) {
	category := Classify(err)
	run.failures = append(run.failures, pageFailure{
		url:        pageURL,
		category:   category,
		retryAfter: retryAfterOf(err),
		err:        err,
	})
	run.result.PagesFailed++
	run.progress.FailedURLs++
	run.result.Warnings = append(run.result.Warnings, fmt.Sprintf("%s: %v", pageURL, err))
	run.log.Warn().
		Err(err).
		Str("job_id", run.job.ID).
		Str("url", pageURL).
		Str("category", string(category)).
		Msg("Detail page failed")
}

// settleOutcome decides the final outcome once the scrape loop ran to
// the end. Retryable per-page failures fail the whole run while retry
// budget remains so the next attempt can re-fetch them; once the budget
// is gone, mixed runs settle as partial_success.
func (s *Service) settleOutcome(ctx context.Context, run *crawlRun, listOutcome models.CrawlOutcome) {
	result := run.result
	succeeded := result.PagesCrawled + result.PagesDuplicate

	if result.PagesFailed == 0 {
		result.Outcome = listOutcome
		return
	}

	category, retryAfter, sample := dominantFailure(run.failures)
	wouldRetry := false
	if s.planner != nil {
		wouldRetry, _ = s.planner.Plan(ctx, run.job, category, retryAfter)
	}

	if succeeded > 0 && !wouldRetry {
		result.Outcome = models.OutcomePartialSuccess
		return
	}

	// Either nothing succeeded or a retry attempt is still worth it:
	// surface the dominant failure so the worker routes it through the
	// retry planner.
	result.Error = fmt.Sprintf("%d of %d detail pages failed, e.g. %v", result.PagesFailed, result.URLsDiscovered, sample)
	result.ErrorCategory = category
	result.RetryAfterSeconds = retryAfter.Seconds()
}

// dominantFailure picks the most frequent category, preferring the
// earliest on ties, with the largest server-requested delay seen for it
func dominantFailure(failures []pageFailure) (models.ErrorCategory, time.Duration, error) {
	counts := map[models.ErrorCategory]int{}
	var dominant models.ErrorCategory
	for _, f := range failures {
		counts[f.category]++
		if dominant == "" || counts[f.category] > counts[dominant] {
			dominant = f.category
		}
	}
	var retryAfter time.Duration
	var sample error
	for _, f := range failures {
		if f.category != dominant {
			continue
		}
		if sample == nil {
			sample = f.err
		}
		if f.retryAfter > retryAfter {
			retryAfter = f.retryAfter
		}
	}
	return dominant, retryAfter, sample
}

// resolveStep substitutes variables in every selector the step carries
func (s *Service) resolveStep(run *crawlRun, step *models.StepConfig) (*models.StepConfig, error) {
	if step == nil {
		return nil, fmt.Errorf("config has no such step")
	}
	resolved := *step
	var err error
	if resolved.Selector, err = run.resolver.Resolve(step.Selector); err != nil {
		return nil, fmt.Errorf("step selector: %w", err)
	}
	if resolved.ContainerSelector, err = run.resolver.Resolve(step.ContainerSelector); err != nil {
		return nil, fmt.Errorf("step container_selector: %w", err)
	}
	if resolved.URLSelector, err = run.resolver.Resolve(step.URLSelector); err != nil {
		return nil, fmt.Errorf("step url_selector: %w", err)
	}
	resolved.Fields, err = s.resolveFieldMap(run, step.Fields)
	if err != nil {
		return nil, fmt.Errorf("step fields: %w", err)
	}
	resolved.MetadataFields, err = s.resolveFieldMap(run, step.MetadataFields)
	if err != nil {
		return nil, fmt.Errorf("step metadata_fields: %w", err)
	}
	if warnings := run.resolver.Warnings(); len(warnings) > 0 {
		run.result.Warnings = appendNew(run.result.Warnings, warnings)
	}
	return &resolved, nil
}

func (s *Service) resolveFieldMap(run *crawlRun, fields map[string]string) (map[string]string, error) {
	if len(fields) == 0 {
		return fields, nil
	}
	out := make(map[string]string, len(fields))
	for name, selector := range fields {
		resolved, err := run.resolver.Resolve(selector)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = resolved
	}
	return out, nil
}

// stepNeedsMetadata reports whether any step string references the
// per-row metadata namespace, forcing per-link re-resolution
func stepNeedsMetadata(step *models.StepConfig) bool {
	values := []string{step.Selector, step.ContainerSelector, step.URLSelector}
	for _, v := range step.Fields {
		values = append(values, v)
	}
	for _, v := range step.MetadataFields {
		values = append(values, v)
	}
	for _, v := range values {
		if strings.Contains(v, "${metadata.") {
			return true
		}
	}
	return false
}

// boilerplate returns the selectors stripped before content hashing:
// the config's list, or the process default
func (s *Service) boilerplate(cfg *models.CrawlConfig) []string {
	if len(cfg.BoilerplateRemove) > 0 {
		return cfg.BoilerplateRemove
	}
	return s.config.BoilerplateRemove
}

// markdownOf renders the page body as markdown for ExtractedText
func (s *Service) markdownOf(doc *goquery.Document) string {
	body := doc.Find("body").First()
	if body.Length() == 0 {
		body = doc.Selection
	}
	return strings.TrimSpace(s.md.Convert(body))
}

// countRequest bumps the rate-window counter after the limiter admits a
// request, so the cache reflects the volume actually sent. Best effort.
func (s *Service) countRequest(ctx context.Context, run *crawlRun) {
	if _, err := s.cache.IncrementRateWindow(ctx, run.markerKey, time.Second); err != nil {
		run.log.Debug().Err(err).Str("job_id", run.job.ID).Msg("Rate window counter write failed")
	}
}

// writeProgress pushes the live counters to the job row (which bumps the
// heartbeat) and the progress cache. Best effort on both.
func (s *Service) writeProgress(run *crawlRun) {
	run.progress.Recalculate(s.clock.Now())
	ctx := context.Background()
	if err := s.storage.JobStorage().UpdateProgress(ctx, run.job.ID, run.progress); err != nil {
		run.log.Debug().Err(err).Str("job_id", run.job.ID).Msg("Job progress write failed")
	}
	if err := s.cache.PutProgress(ctx, run.job.ID, &run.progress); err != nil {
		run.log.Debug().Err(err).Str("job_id", run.job.ID).Msg("Progress cache write failed")
	}
}

func metadataOf(link ExtractedLink) map[string]interface{} {
	if len(link.Metadata) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(link.Metadata))
	for k, v := range link.Metadata {
		out[k] = v
	}
	return out
}

// appendNew appends the strings from add that dst does not already hold
func appendNew(dst []string, add []string) []string {
	for _, s := range add {
		present := false
		for _, existing := range dst {
			if existing == s {
				present = true
				break
			}
		}
		if !present {
			dst = append(dst, s)
		}
	}
	return dst
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
