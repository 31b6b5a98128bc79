package httpclient

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// maxRedirects caps redirect chains during crawling. The final URL after
// redirects is what link resolution and dedup keys are built against, so
// a runaway chain has to stop somewhere sane.
const maxRedirects = 10

// NewDefaultClient creates a plain HTTP client with a timeout
func NewDefaultClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// NewCrawlClient creates the client used by the crawl pipeline: a cookie
// jar so session-gated list pages survive pagination, redirects followed
// up to a cap, and a hard request timeout.
func NewCrawlClient(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &http.Client{
		Jar:     jar,
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}, nil
}
