package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// FetchResult is one retrieved page
type FetchResult struct {
	Body []byte
	// FinalURL is the URL after redirects; relative links resolve
	// against this, not the requested URL
	FinalURL    string
	StatusCode  int
	ContentType string
}

// Fetcher retrieves pages by the method a step asks for: plain HTTP,
// a rendered browser tab, or a JSON endpoint.
type Fetcher struct {
	client *http.Client
	pool   interfaces.BrowserPool
	config *common.CrawlerConfig
	logger arbor.ILogger
}

// NewFetcher wires the fetcher. pool may be nil when the browser pool is
// disabled; browser-method steps then fail with a config error instead
// of hanging.
func NewFetcher(client *http.Client, pool interfaces.BrowserPool, config *common.CrawlerConfig, logger arbor.ILogger) *Fetcher {
	return &Fetcher{client: client, pool: pool, config: config, logger: logger}
}

// Fetch retrieves one URL. Non-2xx statuses come back as a CrawlError
// carrying the classified category and any Retry-After the server sent.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, method models.FetchMethod) (*FetchResult, error) {
	switch method {
	case models.FetchMethodBrowser:
		return f.fetchBrowser(ctx, rawURL)
	case models.FetchMethodAPI:
		return f.fetchHTTP(ctx, rawURL, "application/json")
	default:
		return f.fetchHTTP(ctx, rawURL, "")
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL, accept string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &CrawlError{
			Category: models.CategoryValidationError,
			Err:      fmt.Errorf("building request for %s: %w", rawURL, err),
		}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &CrawlError{Category: Classify(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, rawURL, parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.config.MaxBodySize)))
	if err != nil {
		return nil, &CrawlError{Category: Classify(err), Err: fmt.Errorf("reading %s: %w", rawURL, err)}
	}

	return &FetchResult{
		Body:        body,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// fetchBrowser renders the page in a leased tab and returns the
// post-JavaScript HTML
func (f *Fetcher) fetchBrowser(ctx context.Context, rawURL string) (*FetchResult, error) {
	if f.pool == nil {
		return nil, &CrawlError{
			Category: models.CategoryValidationError,
			Err:      fmt.Errorf("step requires the browser but the pool is disabled"),
		}
	}

	tabCtx, release, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, &CrawlError{
			Category: models.CategoryResourceUnavailable,
			Err:      fmt.Errorf("acquiring browser context: %w", err),
		}
	}
	defer release()

	loadCtx, cancel := context.WithTimeout(tabCtx, f.config.PageLoadTimeout)
	defer cancel()

	var html, finalURL string
	err = chromedp.Run(loadCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			// The job context ended, not the browser
			return nil, ctx.Err()
		}
		category := models.CategoryBrowserCrash
		if loadCtx.Err() == context.DeadlineExceeded {
			category = models.CategoryTimeout
		}
		return nil, &CrawlError{Category: category, Err: fmt.Errorf("rendering %s: %w", rawURL, err)}
	}
	if finalURL == "" {
		finalURL = rawURL
	}

	return &FetchResult{
		Body:        []byte(html),
		FinalURL:    finalURL,
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
	}, nil
}

// parseRetryAfter reads a Retry-After header: delta-seconds or an HTTP date
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
