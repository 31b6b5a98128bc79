package crawler

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// DomainRateLimiter paces fetches per domain. Each domain gets its own
// token bucket; the first request for a domain creates it at the rate
// the step's config asks for, or the process default.
type DomainRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	defaultRPS float64
}

func NewDomainRateLimiter(defaultRPS float64) *DomainRateLimiter {
	if defaultRPS <= 0 {
		defaultRPS = 2.0
	}
	return &DomainRateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		defaultRPS: defaultRPS,
	}
}

// Wait blocks until the domain's bucket permits one request, or the
// context ends. rps > 0 overrides the default and resizes an existing
// bucket if the config changed.
func (l *DomainRateLimiter) Wait(ctx context.Context, rawURL string, rps float64) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("rate limit: unparseable url %q", rawURL)
	}
	if err := l.limiterFor(u.Hostname(), rps).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", u.Hostname(), err)
	}
	return nil
}

func (l *DomainRateLimiter) limiterFor(domain string, rps float64) *rate.Limiter {
	if rps <= 0 {
		rps = l.defaultRPS
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
		l.limiters[domain] = limiter
		return limiter
	}
	if limiter.Limit() != rate.Limit(rps) {
		limiter.SetLimit(rate.Limit(rps))
	}
	return limiter
}
