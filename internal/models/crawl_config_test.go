package models

import (
	"testing"
)

func validConfig() *CrawlConfig {
	return &CrawlConfig{
		Steps: []StepConfig{
			{Type: StepTypeCrawlList, ContainerSelector: "div.row", URLSelector: "a.link"},
			{Type: StepTypeScrapeDetail, Fields: map[string]string{"title": "h1"}},
		},
		Pagination: PaginationConfig{URLTemplate: "${input.seed}?page=${pagination.page}", MaxPages: 10},
		RateLimit:  RateLimitConfig{RequestsPerSecond: 2},
	}
}

func TestCrawlConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CrawlConfig)
		wantErr bool
	}{
		{"valid config", func(c *CrawlConfig) {}, false},
		{"no steps", func(c *CrawlConfig) { c.Steps = nil }, true},
		{"no crawl step", func(c *CrawlConfig) { c.Steps = c.Steps[1:] }, true},
		{"unknown step type", func(c *CrawlConfig) { c.Steps[0].Type = "harvest" }, true},
		{"crawl step without selectors", func(c *CrawlConfig) {
			c.Steps[0].ContainerSelector = ""
			c.Steps[0].URLSelector = ""
		}, true},
		{"container without url selector", func(c *CrawlConfig) { c.Steps[0].URLSelector = "" }, true},
		{"flat selector alone is fine", func(c *CrawlConfig) {
			c.Steps[0].ContainerSelector = ""
			c.Steps[0].URLSelector = ""
			c.Steps[0].Selector = "a.item"
		}, false},
		{"scrape step without fields", func(c *CrawlConfig) { c.Steps[1].Fields = nil }, true},
		{"pagination over hard cap", func(c *CrawlConfig) { c.Pagination.MaxPages = 501 }, true},
		{"negative rate limit", func(c *CrawlConfig) { c.RateLimit.RequestsPerSecond = -1 }, true},
		{"bad variable mode", func(c *CrawlConfig) { c.VariableMode = "optimistic" }, true},
		{"unknown retry category", func(c *CrawlConfig) {
			c.RetryPolicies = map[string]RetryPolicy{"gremlins": {MaxAttempts: 1}}
		}, true},
		{"retry policy out of bounds", func(c *CrawlConfig) {
			c.RetryPolicies = map[string]RetryPolicy{"network": {MaxAttempts: 99}}
		}, true},
		{"retry policy override ok", func(c *CrawlConfig) {
			c.RetryPolicies = map[string]RetryPolicy{"rate_limit": {IsRetryable: true, MaxAttempts: 8, Backoff: BackoffFixed, InitialDelay: 10}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSeedURL(t *testing.T) {
	tests := []struct {
		name    string
		seed    string
		wantErr bool
	}{
		{"https", "https://example.com/list", false},
		{"http", "http://example.com", false},
		{"with query", "https://example.com/list?page=1&sort=new", false},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"relative", "/list/page/1", true},
		{"no host", "https://", true},
		{"ftp", "ftp://example.com/file", true},
		{"bare word", "example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSeedURL(tt.seed)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSeedURL(%q): got err=%v, wantErr=%v", tt.seed, err, tt.wantErr)
			}
		})
	}
}

func TestCrawlConfig_StepAccessors(t *testing.T) {
	cfg := validConfig()
	if s := cfg.CrawlStep(); s == nil || s.Type != StepTypeCrawlList {
		t.Errorf("CrawlStep: got %+v", s)
	}
	if s := cfg.ScrapeStep(); s == nil || s.Type != StepTypeScrapeDetail {
		t.Errorf("ScrapeStep: got %+v", s)
	}

	empty := &CrawlConfig{}
	if s := empty.CrawlStep(); s != nil {
		t.Errorf("empty config CrawlStep: got %+v, want nil", s)
	}
}
