package models

import (
	"testing"
	"time"
)

func TestRetryPolicy_BaseDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{
			name:    "exponential first attempt",
			policy:  RetryPolicy{Backoff: BackoffExponential, InitialDelay: 2, MaxDelay: 60, Multiplier: 2},
			attempt: 0,
			want:    2 * time.Second,
		},
		{
			name:    "exponential grows",
			policy:  RetryPolicy{Backoff: BackoffExponential, InitialDelay: 2, MaxDelay: 60, Multiplier: 2},
			attempt: 3,
			want:    16 * time.Second,
		},
		{
			name:    "exponential clamps at max",
			policy:  RetryPolicy{Backoff: BackoffExponential, InitialDelay: 2, MaxDelay: 60, Multiplier: 2},
			attempt: 10,
			want:    60 * time.Second,
		},
		{
			name:    "linear",
			policy:  RetryPolicy{Backoff: BackoffLinear, InitialDelay: 15, MaxDelay: 180},
			attempt: 2,
			want:    45 * time.Second,
		},
		{
			name:    "linear clamps at max",
			policy:  RetryPolicy{Backoff: BackoffLinear, InitialDelay: 15, MaxDelay: 180},
			attempt: 20,
			want:    180 * time.Second,
		},
		{
			name:    "fixed ignores attempt",
			policy:  RetryPolicy{Backoff: BackoffFixed, InitialDelay: 5, MaxDelay: 60},
			attempt: 7,
			want:    5 * time.Second,
		},
		{
			name:    "empty strategy behaves as exponential",
			policy:  RetryPolicy{InitialDelay: 1, MaxDelay: 60, Multiplier: 2},
			attempt: 2,
			want:    4 * time.Second,
		},
		{
			name:    "zero multiplier treated as one",
			policy:  RetryPolicy{Backoff: BackoffExponential, InitialDelay: 3, MaxDelay: 60},
			attempt: 5,
			want:    3 * time.Second,
		},
		{
			name:    "negative attempt clamped",
			policy:  RetryPolicy{Backoff: BackoffExponential, InitialDelay: 2, MaxDelay: 60, Multiplier: 2},
			attempt: -1,
			want:    2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.BaseDelay(tt.attempt); got != tt.want {
				t.Errorf("BaseDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDefaultRetryPolicies_CoversEveryCategory(t *testing.T) {
	policies := DefaultRetryPolicies()
	for cat := range errorCategories {
		p, ok := policies[cat]
		if !ok {
			t.Errorf("no default policy for %s", cat)
			continue
		}
		if err := p.Validate(); err != nil {
			t.Errorf("default policy for %s out of bounds: %v", cat, err)
		}
	}

	if p := policies[CategoryUnknown]; !p.IsRetryable || p.MaxAttempts != 3 || p.Backoff != BackoffExponential {
		t.Errorf("unknown category must be retryable with 3 exponential attempts, got %+v", p)
	}
	for _, cat := range []ErrorCategory{CategoryClientError, CategoryAuthError, CategoryNotFound, CategoryValidationError, CategoryBusinessLogicError} {
		if p := policies[cat]; p.IsRetryable || p.MaxAttempts != 0 {
			t.Errorf("%s must not be retryable, got %+v", cat, p)
		}
	}
}

func TestRetryPolicy_ValidateBounds(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"valid", RetryPolicy{IsRetryable: true, MaxAttempts: 5, Backoff: BackoffExponential, InitialDelay: 2, MaxDelay: 60, Multiplier: 2}, false},
		{"attempts over cap", RetryPolicy{MaxAttempts: 11}, true},
		{"negative attempts", RetryPolicy{MaxAttempts: -1}, true},
		{"initial delay over cap", RetryPolicy{InitialDelay: 61}, true},
		{"max delay over cap", RetryPolicy{MaxDelay: 3601}, true},
		{"multiplier over cap", RetryPolicy{Multiplier: 11}, true},
		{"unknown strategy", RetryPolicy{Backoff: "quadratic"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestParseErrorCategory(t *testing.T) {
	if _, ok := ParseErrorCategory("rate_limit"); !ok {
		t.Error("rate_limit should parse")
	}
	if _, ok := ParseErrorCategory("gremlins"); ok {
		t.Error("unknown string should not parse")
	}
	if _, ok := ParseErrorCategory(""); ok {
		t.Error("empty string should not parse")
	}
}
