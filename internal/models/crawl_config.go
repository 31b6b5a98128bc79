package models

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// StepType identifies a pipeline step kind
type StepType string

const (
	// StepTypeCrawlList walks list pages and produces detail URLs + metadata
	StepTypeCrawlList StepType = "crawl_list"
	// StepTypeScrapeDetail fetches each detail URL and extracts content fields
	StepTypeScrapeDetail StepType = "scrape_detail"
)

// FetchMethod selects how a step fetches pages
type FetchMethod string

const (
	FetchMethodHTTP    FetchMethod = "http"    // Plain HTTP client
	FetchMethodBrowser FetchMethod = "browser" // Headless browser via the pool
	FetchMethodAPI     FetchMethod = "api"     // JSON endpoint, no HTML parsing
)

// VariableMode controls missing-variable handling during substitution
type VariableMode string

const (
	// VariableModeStrict fails the job on an unresolved token
	VariableModeStrict VariableMode = "strict"
	// VariableModeLenient leaves the token in place and records a warning
	VariableModeLenient VariableMode = "lenient"
)

// CrawlConfig is the full crawl behavior description carried by a website
// template or embedded inline in a job. The variables bag stays open; the
// rest is parsed into this typed form at pipeline entry.
type CrawlConfig struct {
	Steps      []StepConfig      `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	Pagination PaginationConfig  `json:"pagination,omitempty" yaml:"pagination"`
	RateLimit  RateLimitConfig   `json:"rate_limit,omitempty" yaml:"rate_limit"`
	Variables  map[string]string `json:"variables,omitempty" yaml:"variables"`
	// VariableMode defaults to the process-wide setting when empty
	VariableMode VariableMode `json:"variable_mode,omitempty" yaml:"variable_mode" validate:"omitempty,oneof=strict lenient"`
	// TrackingParams extends the default set stripped during URL normalization
	TrackingParams []string `json:"tracking_params,omitempty" yaml:"tracking_params"`
	// BoilerplateRemove lists selectors stripped before content hashing
	BoilerplateRemove []string `json:"boilerplate_remove,omitempty" yaml:"boilerplate_remove"`
	// RetryPolicies overrides built-in per-category policies, keyed by category
	RetryPolicies map[string]RetryPolicy `json:"retry_policies,omitempty" yaml:"retry_policies"`
}

// StepConfig is one unit of the pipeline
type StepConfig struct {
	Type   StepType    `json:"type" yaml:"type" validate:"required,oneof=crawl_list scrape_detail"`
	Method FetchMethod `json:"method,omitempty" yaml:"method" validate:"omitempty,oneof=http browser api"`
	// Selector yields anchors directly (flat extraction)
	Selector string `json:"selector,omitempty" yaml:"selector"`
	// ContainerSelector + URLSelector identify rows and the link within each
	ContainerSelector string `json:"container_selector,omitempty" yaml:"container_selector"`
	URLSelector       string `json:"url_selector,omitempty" yaml:"url_selector"`
	// Fields maps output field names to selectors, e.g. {title: "h1"}
	Fields map[string]string `json:"fields,omitempty" yaml:"fields"`
	// MetadataFields extracts per-row metadata during list extraction
	MetadataFields map[string]string `json:"metadata_fields,omitempty" yaml:"metadata_fields"`
}

// PaginationConfig describes how list pages chain together
type PaginationConfig struct {
	// URLTemplate builds page URLs directly, e.g. "${input.seed}?page=${pagination.page}"
	URLTemplate string `json:"url_template,omitempty" yaml:"url_template"`
	// NextSelector locates the next-page link on the current page
	NextSelector string `json:"next_selector,omitempty" yaml:"next_selector"`
	MaxPages     int    `json:"max_pages,omitempty" yaml:"max_pages" validate:"omitempty,min=1,max=500"`
	// MaxEmptyResponses stops the walk after this many consecutive pages
	// that yielded zero detail URLs
	MaxEmptyResponses int `json:"max_empty_responses,omitempty" yaml:"max_empty_responses"`
}

// RateLimitConfig paces detail fetches per domain
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second" validate:"omitempty,gt=0"`
}

var configValidate = validator.New()

// Validate checks the config's structural invariants: known step kinds, at
// least one crawl step with a usable selector, and sane pagination bounds.
func (c *CrawlConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid crawl config: %w", err)
	}

	hasCrawl := false
	for i, step := range c.Steps {
		switch step.Type {
		case StepTypeCrawlList:
			hasCrawl = true
			if step.Selector == "" && step.ContainerSelector == "" {
				return fmt.Errorf("invalid crawl config: step %d (crawl_list) needs selector or container_selector", i)
			}
			if step.ContainerSelector != "" && step.URLSelector == "" {
				return fmt.Errorf("invalid crawl config: step %d (crawl_list) container_selector requires url_selector", i)
			}
		case StepTypeScrapeDetail:
			if len(step.Fields) == 0 {
				return fmt.Errorf("invalid crawl config: step %d (scrape_detail) needs at least one field selector", i)
			}
		}
	}
	if !hasCrawl {
		return fmt.Errorf("invalid crawl config: at least one crawl_list step is required")
	}

	for cat, policy := range c.RetryPolicies {
		if _, ok := ParseErrorCategory(cat); !ok {
			return fmt.Errorf("invalid crawl config: unknown retry category %q", cat)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("invalid crawl config: retry policy %q: %w", cat, err)
		}
	}
	return nil
}

// Equal reports whether two configs describe the same crawl behavior.
// Used to decide whether a website update is a real config change that
// deserves a new history version.
func (c *CrawlConfig) Equal(other *CrawlConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return reflect.DeepEqual(c, other)
}

// CrawlStep returns the first crawl_list step, or nil
func (c *CrawlConfig) CrawlStep() *StepConfig {
	for i := range c.Steps {
		if c.Steps[i].Type == StepTypeCrawlList {
			return &c.Steps[i]
		}
	}
	return nil
}

// ScrapeStep returns the first scrape_detail step, or nil
func (c *CrawlConfig) ScrapeStep() *StepConfig {
	for i := range c.Steps {
		if c.Steps[i].Type == StepTypeScrapeDetail {
			return &c.Steps[i]
		}
	}
	return nil
}

// ValidateSeedURL checks that a seed URL is absolute http(s)
func ValidateSeedURL(seed string) error {
	if strings.TrimSpace(seed) == "" {
		return fmt.Errorf("seed_url is required")
	}
	u, err := url.Parse(seed)
	if err != nil {
		return fmt.Errorf("seed_url is not parseable: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("seed_url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("seed_url is missing a host")
	}
	return nil
}
