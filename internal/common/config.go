package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Queue       QueueConfig     `toml:"queue"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Templates   TemplatesConfig `toml:"templates"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Crawler     CrawlerConfig   `toml:"crawler"`
	Browser     BrowserConfig   `toml:"browser"`
	Retry       RetryConfig     `toml:"retry"`
}

type QueueConfig struct {
	PollInterval string `toml:"poll_interval"` // e.g., "1s" - how often workers poll for messages
	Concurrency  int    `toml:"concurrency"`   // Number of concurrent workers (0 = browsers * contexts_per_browser)
	AckWait      string `toml:"ack_wait"`      // e.g., "300s" - message lease before redelivery
	MaxDeliver   int    `toml:"max_deliver"`   // Max times a message can be delivered before dead-letter
	QueueName    string `toml:"queue_name"`    // Queue name prefix in Badger
	MaxMessages  int    `toml:"max_messages"`  // Reject publishes beyond this depth
	DedupWindow  string `toml:"dedup_window"`  // e.g., "5m" - sliding publish dedup window per dedup key
}

type StorageConfig struct {
	Badger           BadgerConfig `toml:"badger"`
	LogRetentionDays int          `toml:"log_retention_days"` // Drop crawl log partitions older than this
	DLQRetentionDays int          `toml:"dlq_retention_days"` // Drop dead letter rows older than this
	RetentionSweep   string       `toml:"retention_sweep"`    // e.g., "1h" - retention sweep interval
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level         string   `toml:"level"`           // "debug", "info", "warn", "error"
	Format        string   `toml:"format"`          // "json" or "text"
	Output        []string `toml:"output"`          // "stdout", "file"
	TimeFormat    string   `toml:"time_format"`     // Time format for logs (default: "15:04:05.000")
	MinEventLevel string   `toml:"min_event_level"` // Minimum log level to publish on the event bus
}

// TemplatesConfig contains configuration for website template seed files
type TemplatesConfig struct {
	Dir string `toml:"dir"` // Directory containing website template YAML files
}

// SchedulerConfig contains configuration for the cron dispatcher
type SchedulerConfig struct {
	Enabled            bool   `toml:"enabled"`
	TickInterval       string `toml:"tick_interval"`        // e.g., "60s" - dispatcher loop period
	BatchSize          int    `toml:"batch_size"`           // Max due entries processed per tick
	MissedFireGrace    string `toml:"missed_fire_grace"`    // e.g., "1h" - firings older than this are skipped
	StaleCheckInterval string `toml:"stale_check_interval"` // e.g., "5m" - stale running-job sweep period
	StaleThreshold     string `toml:"stale_threshold"`      // e.g., "10m" - running jobs without progress beyond this are failed
	DefaultSchedule    string `toml:"default_schedule"`     // Cron default for new websites
}

// CrawlerConfig contains configuration for the seed-URL pipeline
type CrawlerConfig struct {
	UserAgent          string        `toml:"user_agent"`           // Default user agent string
	RequestTimeout     time.Duration `toml:"request_timeout"`      // HTTP request timeout
	PageLoadTimeout    time.Duration `toml:"page_load_timeout"`    // Browser page load timeout
	SelectorWait       time.Duration `toml:"selector_wait"`        // Browser selector wait timeout
	MaxBodySize        int           `toml:"max_body_size"`        // Maximum response body size in bytes
	DefaultRateLimit   float64       `toml:"default_rate_limit"`   // Requests per second per domain when the config sets none
	MaxPages           int           `toml:"max_pages"`            // Default pagination page budget
	MaxEmptyResponses  int           `toml:"max_empty_responses"`  // Consecutive empty list pages before stopping
	CircularWindow     int           `toml:"circular_window"`      // Rolling page-hash window for circular pagination detection
	DedupTTLDays       int           `toml:"dedup_ttl_days"`       // URL dedup cache TTL per website
	SimhashMaxHamming  int           `toml:"simhash_max_hamming"`  // Candidate cutoff in bits for near-duplicate content
	VariableMode       string        `toml:"variable_mode"`        // "strict" or "lenient" missing-variable handling
	TrackingParams     []string      `toml:"tracking_params"`      // Query parameters stripped during URL normalization
	BoilerplateRemove  []string      `toml:"boilerplate_remove"`   // Selectors stripped before content hashing
	ScrapeBatchSize    int           `toml:"scrape_batch_size"`    // Detail URLs between cancellation re-checks
	CancelPollInterval time.Duration `toml:"cancel_poll_interval"` // Cancellation flag poll period
	CleanupDeadline    time.Duration `toml:"cleanup_deadline"`     // Graceful resource shutdown budget
}

// BrowserConfig contains configuration for the chromedp browser pool
type BrowserConfig struct {
	Enabled            bool          `toml:"enabled"`              // Start the pool (disable for HTTP-only deployments)
	PoolSize           int           `toml:"pool_size"`            // Browser instances
	ContextsPerBrowser int           `toml:"contexts_per_browser"` // Tab contexts per browser
	AcquireTimeout     time.Duration `toml:"acquire_timeout"`      // Max wait for a context
	HealthInterval     time.Duration `toml:"health_interval"`      // Health probe period
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout"`     // Drain budget before force close
	Headless           bool          `toml:"headless"`
}

// RetryConfig overrides the built-in per-category retry policies.
// Keys are error category names; zero fields keep the built-in value.
type RetryConfig struct {
	Categories map[string]RetryPolicyOverride `toml:"categories"`
}

// RetryPolicyOverride is a partial retry policy from config
type RetryPolicyOverride struct {
	Retryable    *bool    `toml:"retryable"`
	MaxAttempts  *int     `toml:"max_attempts"`
	Backoff      *string  `toml:"backoff"` // "exponential", "linear", "fixed"
	InitialDelay *string  `toml:"initial_delay"`
	MaxDelay     *string  `toml:"max_delay"`
	Multiplier   *float64 `toml:"multiplier"`
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in venari.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Queue: QueueConfig{
			PollInterval: "1s",
			Concurrency:  0, // Derived from browser pool capacity unless set
			AckWait:      "300s",
			MaxDeliver:   3,
			QueueName:    "crawler_tasks",
			MaxMessages:  100000,
			DedupWindow:  "5m",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			LogRetentionDays: 90,
			DLQRetentionDays: 90,
			RetentionSweep:   "1h",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			Output:        []string{"stdout", "file"},
			MinEventLevel: "info",
		},
		Templates: TemplatesConfig{
			Dir: "./templates",
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			TickInterval:       "60s",
			BatchSize:          50,
			MissedFireGrace:    "1h",
			StaleCheckInterval: "5m",
			StaleThreshold:     "10m",
			DefaultSchedule:    "0 0 1,15 * *", // 1st and 15th at midnight
		},
		Crawler: CrawlerConfig{
			UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			RequestTimeout:     30 * time.Second,
			PageLoadTimeout:    30 * time.Second,
			SelectorWait:       10 * time.Second,
			MaxBodySize:        10 * 1024 * 1024, // 10MB
			DefaultRateLimit:   2.0,
			MaxPages:           50,
			MaxEmptyResponses:  3,
			CircularWindow:     10,
			DedupTTLDays:       14,
			SimhashMaxHamming:  3, // ~95% bit similarity on 64-bit fingerprints
			VariableMode:       "strict",
			TrackingParams:     []string{},
			BoilerplateRemove:  []string{"nav", "header", "footer", "aside"},
			ScrapeBatchSize:    100,
			CancelPollInterval: 2 * time.Second,
			CleanupDeadline:    5 * time.Second,
		},
		Browser: BrowserConfig{
			Enabled:            true,
			PoolSize:           5,
			ContextsPerBrowser: 12,
			AcquireTimeout:     300 * time.Second,
			HealthInterval:     60 * time.Second,
			ShutdownTimeout:    300 * time.Second,
			Headless:           true,
		},
		Retry: RetryConfig{
			Categories: map[string]RetryPolicyOverride{},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: VENARI_ENV, fallback: GO_ENV)
	if env := os.Getenv("VENARI_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Queue configuration
	if pollInterval := os.Getenv("VENARI_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("VENARI_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if ackWait := os.Getenv("VENARI_QUEUE_ACK_WAIT"); ackWait != "" {
		config.Queue.AckWait = ackWait
	}
	if maxDeliver := os.Getenv("VENARI_QUEUE_MAX_DELIVER"); maxDeliver != "" {
		if md, err := strconv.Atoi(maxDeliver); err == nil {
			config.Queue.MaxDeliver = md
		}
	}
	if queueName := os.Getenv("VENARI_QUEUE_NAME"); queueName != "" {
		config.Queue.QueueName = queueName
	}
	if maxMessages := os.Getenv("VENARI_QUEUE_MAX_MESSAGES"); maxMessages != "" {
		if mm, err := strconv.Atoi(maxMessages); err == nil {
			config.Queue.MaxMessages = mm
		}
	}
	if dedupWindow := os.Getenv("VENARI_QUEUE_DEDUP_WINDOW"); dedupWindow != "" {
		config.Queue.DedupWindow = dedupWindow
	}

	// Storage configuration
	if badgerPath := os.Getenv("VENARI_STORAGE_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if reset := os.Getenv("VENARI_STORAGE_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = r
		}
	}
	if retention := os.Getenv("VENARI_STORAGE_LOG_RETENTION_DAYS"); retention != "" {
		if rd, err := strconv.Atoi(retention); err == nil {
			config.Storage.LogRetentionDays = rd
		}
	}

	// Logging configuration
	if level := os.Getenv("VENARI_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("VENARI_LOG_OUTPUT"); output != "" {
		config.Logging.Output = strings.Split(output, ",")
	}
	if minEventLevel := os.Getenv("VENARI_LOG_MIN_EVENT_LEVEL"); minEventLevel != "" {
		config.Logging.MinEventLevel = minEventLevel
	}

	// Scheduler configuration
	if enabled := os.Getenv("VENARI_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if tick := os.Getenv("VENARI_SCHEDULER_TICK_INTERVAL"); tick != "" {
		config.Scheduler.TickInterval = tick
	}
	if grace := os.Getenv("VENARI_SCHEDULER_MISSED_FIRE_GRACE"); grace != "" {
		config.Scheduler.MissedFireGrace = grace
	}

	// Crawler configuration
	if userAgent := os.Getenv("VENARI_CRAWLER_USER_AGENT"); userAgent != "" {
		config.Crawler.UserAgent = userAgent
	}
	if requestTimeout := os.Getenv("VENARI_CRAWLER_REQUEST_TIMEOUT"); requestTimeout != "" {
		if rt, err := time.ParseDuration(requestTimeout); err == nil {
			config.Crawler.RequestTimeout = rt
		}
	}
	if maxPages := os.Getenv("VENARI_CRAWLER_MAX_PAGES"); maxPages != "" {
		if mp, err := strconv.Atoi(maxPages); err == nil {
			config.Crawler.MaxPages = mp
		}
	}
	if dedupTTL := os.Getenv("VENARI_CRAWLER_DEDUP_TTL_DAYS"); dedupTTL != "" {
		if dt, err := strconv.Atoi(dedupTTL); err == nil {
			config.Crawler.DedupTTLDays = dt
		}
	}
	if mode := os.Getenv("VENARI_CRAWLER_VARIABLE_MODE"); mode != "" {
		config.Crawler.VariableMode = mode
	}

	// Browser configuration
	if enabled := os.Getenv("VENARI_BROWSER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Browser.Enabled = e
		}
	}
	if poolSize := os.Getenv("VENARI_BROWSER_POOL_SIZE"); poolSize != "" {
		if ps, err := strconv.Atoi(poolSize); err == nil {
			config.Browser.PoolSize = ps
		}
	}
	if contexts := os.Getenv("VENARI_BROWSER_CONTEXTS_PER_BROWSER"); contexts != "" {
		if c, err := strconv.Atoi(contexts); err == nil {
			config.Browser.ContextsPerBrowser = c
		}
	}
	if headless := os.Getenv("VENARI_BROWSER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}
}

// Validate checks configuration invariants that cannot be expressed as defaults
func (c *Config) Validate() error {
	if _, err := c.Queue.GetPollInterval(); err != nil {
		return fmt.Errorf("invalid queue.poll_interval: %w", err)
	}
	if _, err := c.Queue.GetAckWait(); err != nil {
		return fmt.Errorf("invalid queue.ack_wait: %w", err)
	}
	if _, err := c.Queue.GetDedupWindow(); err != nil {
		return fmt.Errorf("invalid queue.dedup_window: %w", err)
	}
	if c.Queue.MaxDeliver < 1 {
		return fmt.Errorf("queue.max_deliver must be >= 1, got %d", c.Queue.MaxDeliver)
	}
	if _, err := c.Scheduler.GetTickInterval(); err != nil {
		return fmt.Errorf("invalid scheduler.tick_interval: %w", err)
	}
	if _, err := c.Scheduler.GetMissedFireGrace(); err != nil {
		return fmt.Errorf("invalid scheduler.missed_fire_grace: %w", err)
	}
	if c.Scheduler.DefaultSchedule != "" {
		if err := ValidateCronSchedule(c.Scheduler.DefaultSchedule); err != nil {
			return fmt.Errorf("invalid scheduler.default_schedule: %w", err)
		}
	}
	if c.Crawler.VariableMode != "strict" && c.Crawler.VariableMode != "lenient" {
		return fmt.Errorf("crawler.variable_mode must be \"strict\" or \"lenient\", got %q", c.Crawler.VariableMode)
	}
	if c.Crawler.MaxPages < 1 || c.Crawler.MaxPages > MaxPagesHardCap {
		return fmt.Errorf("crawler.max_pages must be in [1,%d], got %d", MaxPagesHardCap, c.Crawler.MaxPages)
	}
	if c.Crawler.SimhashMaxHamming < 0 || c.Crawler.SimhashMaxHamming > 64 {
		return fmt.Errorf("crawler.simhash_max_hamming must be in [0,64], got %d", c.Crawler.SimhashMaxHamming)
	}
	if c.Browser.PoolSize < 1 {
		return fmt.Errorf("browser.pool_size must be >= 1, got %d", c.Browser.PoolSize)
	}
	if c.Browser.ContextsPerBrowser < 1 {
		return fmt.Errorf("browser.contexts_per_browser must be >= 1, got %d", c.Browser.ContextsPerBrowser)
	}
	return nil
}

// MaxPagesHardCap bounds any configured or per-job pagination budget
const MaxPagesHardCap = 500

// GetPollInterval parses the queue poll interval
func (q *QueueConfig) GetPollInterval() (time.Duration, error) {
	return time.ParseDuration(q.PollInterval)
}

// GetAckWait parses the queue ack wait
func (q *QueueConfig) GetAckWait() (time.Duration, error) {
	return time.ParseDuration(q.AckWait)
}

// GetDedupWindow parses the publish dedup window
func (q *QueueConfig) GetDedupWindow() (time.Duration, error) {
	return time.ParseDuration(q.DedupWindow)
}

// GetTickInterval parses the scheduler tick interval
func (s *SchedulerConfig) GetTickInterval() (time.Duration, error) {
	return time.ParseDuration(s.TickInterval)
}

// GetMissedFireGrace parses the missed firing grace period
func (s *SchedulerConfig) GetMissedFireGrace() (time.Duration, error) {
	return time.ParseDuration(s.MissedFireGrace)
}

// GetStaleCheckInterval parses the stale sweep period
func (s *SchedulerConfig) GetStaleCheckInterval() (time.Duration, error) {
	return time.ParseDuration(s.StaleCheckInterval)
}

// GetStaleThreshold parses the stale job threshold
func (s *SchedulerConfig) GetStaleThreshold() (time.Duration, error) {
	return time.ParseDuration(s.StaleThreshold)
}

// GetRetentionSweep parses the retention sweep interval
func (s *StorageConfig) GetRetentionSweep() (time.Duration, error) {
	return time.ParseDuration(s.RetentionSweep)
}

// WorkerConcurrency returns the effective worker pool size: the configured
// value, or the browser pool capacity when unset.
func (c *Config) WorkerConcurrency() int {
	if c.Queue.Concurrency > 0 {
		return c.Queue.Concurrency
	}
	n := c.Browser.PoolSize * c.Browser.ContextsPerBrowser
	if n < 1 {
		n = 1
	}
	return n
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// cronParser accepts standard 5-field expressions plus an optional leading
// seconds field, matching the grammar used for website schedules.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateCronSchedule validates a cron expression (5-field, or 6-field with seconds)
func ValidateCronSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return fmt.Errorf("cron schedule is empty")
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// ParseCronSchedule parses a cron expression with the shared grammar
func ParseCronSchedule(schedule string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return sched, nil
}
