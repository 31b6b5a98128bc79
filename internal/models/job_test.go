package models

import (
	"testing"
	"time"
)

func testTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

// TestJobStatus_CanTransitionTo walks the full lifecycle edge table,
// including every illegal edge out of a terminal state.
func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{"pending to running", JobStatusPending, JobStatusRunning, true},
		{"pending to cancelled", JobStatusPending, JobStatusCancelled, true},
		{"pending to completed", JobStatusPending, JobStatusCompleted, false},
		{"pending to failed", JobStatusPending, JobStatusFailed, false},
		{"pending to cancelling", JobStatusPending, JobStatusCancelling, false},
		{"running to completed", JobStatusRunning, JobStatusCompleted, true},
		{"running to failed", JobStatusRunning, JobStatusFailed, true},
		{"running to cancelling", JobStatusRunning, JobStatusCancelling, true},
		{"running to pending on retry", JobStatusRunning, JobStatusPending, true},
		{"running to cancelled directly", JobStatusRunning, JobStatusCancelled, false},
		{"cancelling to cancelled", JobStatusCancelling, JobStatusCancelled, true},
		{"cancelling to running", JobStatusCancelling, JobStatusRunning, false},
		{"cancelling to failed", JobStatusCancelling, JobStatusFailed, false},
		{"completed is absorbing", JobStatusCompleted, JobStatusPending, false},
		{"failed is absorbing", JobStatusFailed, JobStatusPending, false},
		{"failed cannot rerun", JobStatusFailed, JobStatusRunning, false},
		{"cancelled is absorbing", JobStatusCancelled, JobStatusRunning, false},
		{"self transition rejected", JobStatusRunning, JobStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
				t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s: expected terminal", s)
		}
	}
	live := []JobStatus{JobStatusPending, JobStatusRunning, JobStatusCancelling, JobStatusPaused}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s: expected non-terminal", s)
		}
	}
}

func TestCrawlJob_ValidateConfigSource(t *testing.T) {
	inline := &CrawlConfig{Steps: []StepConfig{{Type: StepTypeCrawlList, Selector: "a.item"}}}

	tests := []struct {
		name    string
		job     *CrawlJob
		wantErr bool
	}{
		{"website only", &CrawlJob{WebsiteID: "site_1"}, false},
		{"inline only", &CrawlJob{InlineConfig: inline}, false},
		{"both set", &CrawlJob{WebsiteID: "site_1", InlineConfig: inline}, true},
		{"neither set", &CrawlJob{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.ValidateConfigSource()
			if (err != nil) != tt.wantErr {
				t.Errorf("got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestSubmitRequest_Validate(t *testing.T) {
	inline := &CrawlConfig{Steps: []StepConfig{{Type: StepTypeCrawlList, Selector: "a.item"}}}

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr bool
	}{
		{"website without seed defaults later", SubmitRequest{WebsiteID: "site_1"}, false},
		{"website with seed", SubmitRequest{WebsiteID: "site_1", SeedURL: "https://example.com/list"}, false},
		{"inline with seed", SubmitRequest{InlineConfig: inline, SeedURL: "https://example.com/list"}, false},
		{"inline without seed", SubmitRequest{InlineConfig: inline}, true},
		{"both sources", SubmitRequest{WebsiteID: "site_1", InlineConfig: inline, SeedURL: "https://example.com"}, true},
		{"neither source", SubmitRequest{SeedURL: "https://example.com"}, true},
		{"bad seed scheme", SubmitRequest{WebsiteID: "site_1", SeedURL: "ftp://example.com"}, true},
		{"priority in range", SubmitRequest{WebsiteID: "site_1", Priority: 10}, false},
		{"priority out of range", SubmitRequest{WebsiteID: "site_1", Priority: 11}, true},
		{"priority unset", SubmitRequest{WebsiteID: "site_1", Priority: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestCrawlProgress_Recalculate(t *testing.T) {
	tests := []struct {
		name        string
		progress    CrawlProgress
		wantPending int
		wantPercent float64
	}{
		{
			name:        "mid crawl",
			progress:    CrawlProgress{TotalURLs: 20, CompletedURLs: 10, FailedURLs: 2, DuplicateURLs: 3},
			wantPending: 5,
			wantPercent: 75,
		},
		{
			name:        "nothing discovered",
			progress:    CrawlProgress{},
			wantPending: 0,
			wantPercent: 0,
		},
		{
			name:        "overshoot clamps",
			progress:    CrawlProgress{TotalURLs: 4, CompletedURLs: 3, FailedURLs: 3},
			wantPending: 0,
			wantPercent: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.progress
			p.Recalculate(testTime())
			if p.PendingURLs != tt.wantPending {
				t.Errorf("PendingURLs: got %d, want %d", p.PendingURLs, tt.wantPending)
			}
			if p.Percentage != tt.wantPercent {
				t.Errorf("Percentage: got %v, want %v", p.Percentage, tt.wantPercent)
			}
			if p.UpdatedAt.IsZero() {
				t.Error("UpdatedAt not stamped")
			}
		})
	}
}
