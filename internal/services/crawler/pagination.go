package crawler

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/venari/internal/models"
)

// PaginationStrategy identifies how list pages chain together
type PaginationStrategy string

const (
	StrategyTemplate   PaginationStrategy = "url_template"
	StrategyNextLink   PaginationStrategy = "next_selector"
	StrategyQueryParam PaginationStrategy = "query_param"
	StrategySinglePage PaginationStrategy = "single_page"
)

// queryPageParams are recognized page-position parameters, in detection
// order. page/p count pages; offset/start count items.
var queryPageParams = []string{"page", "p", "offset", "start"}

// Paginator walks list pages for one crawl step. Strategy selection is
// explicit config first (URL template, then next-link selector), then a
// query-parameter heuristic on the seed URL and, failing that, on the
// first fetched page's links, then a single page with a warning.
type Paginator struct {
	strategy PaginationStrategy
	resolver *VariableResolver
	template string
	selector string
	seed     *url.URL

	param    string
	byItems  bool // offset/start advance by item count, page/p by one
	position int

	// probeLinks marks a seed with no recognized page parameter; the
	// first Next call gets one shot at detecting the parameter on the
	// fetched page's links before the single-page verdict sticks
	probeLinks bool

	page    int
	warning string
}

// NewPaginator picks the pagination strategy for a step and returns an
// iterator positioned before the first page.
func NewPaginator(cfg *models.PaginationConfig, seed *url.URL, resolver *VariableResolver) *Paginator {
	p := &Paginator{resolver: resolver, seed: seed}

	switch {
	case cfg != nil && cfg.URLTemplate != "":
		p.strategy = StrategyTemplate
		p.template = cfg.URLTemplate
	case cfg != nil && cfg.NextSelector != "":
		p.strategy = StrategyNextLink
		p.selector = cfg.NextSelector
	default:
		if param, start, ok := detectQueryParam(seed); ok {
			p.strategy = StrategyQueryParam
			p.param = param
			p.byItems = param == "offset" || param == "start"
			p.position = start
		} else {
			p.strategy = StrategySinglePage
			p.probeLinks = true
			p.warning = "no pagination strategy detected, crawling a single page"
		}
	}
	return p
}

// Strategy reports the selected strategy
func (p *Paginator) Strategy() PaginationStrategy { return p.strategy }

// Warning returns the detection warning, if any
func (p *Paginator) Warning() string { return p.warning }

// Page returns the 1-based number of the page most recently returned
func (p *Paginator) Page() int { return p.page }

// First returns the URL of the first list page
func (p *Paginator) First() (string, error) {
	p.page = 1
	if p.strategy == StrategyTemplate {
		return p.fromTemplate()
	}
	return p.seed.String(), nil
}

// Next returns the URL of the page after the one just fetched, or
// ok=false when the walk is over. doc and finalURL describe the page
// just fetched; itemsOnPage is how many detail URLs it yielded, which
// advances offset-style parameters.
func (p *Paginator) Next(doc *goquery.Document, finalURL *url.URL, itemsOnPage int) (string, bool, error) {
	p.page++
	switch p.strategy {
	case StrategyTemplate:
		if itemsOnPage > 0 {
			p.position += itemsOnPage
		}
		next, err := p.fromTemplate()
		return next, true, err

	case StrategyNextLink:
		href, ok := doc.Find(p.selector).First().Attr("href")
		if !ok {
			return "", false, nil
		}
		abs, ok := ResolveLink(href, finalURL)
		if !ok {
			return "", false, nil
		}
		return abs, true, nil

	case StrategyQueryParam:
		if p.byItems {
			if itemsOnPage <= 0 {
				return "", false, nil
			}
			p.position += itemsOnPage
		} else {
			p.position++
		}
		next := *p.seed
		q := next.Query()
		q.Set(p.param, strconv.Itoa(p.position))
		next.RawQuery = q.Encode()
		return next.String(), true, nil

	case StrategySinglePage:
		if !p.probeLinks {
			return "", false, nil
		}
		p.probeLinks = false
		next, ok := p.adoptFromLinks(doc, finalURL)
		return next, ok, nil
	}
	return "", false, nil
}

// adoptFromLinks scans the first fetched page's links for a recognized
// page parameter the seed URL did not carry. On a match the strategy
// upgrades to query_param, the matched link becomes both the next page
// and the base for the pages after it, and the single-page warning is
// withdrawn.
func (p *Paginator) adoptFromLinks(doc *goquery.Document, finalURL *url.URL) (string, bool) {
	best := map[string]*url.URL{}
	positions := map[string]int{}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs, ok := ResolveLink(href, finalURL)
		if !ok {
			return
		}
		u, err := url.Parse(abs)
		if err != nil {
			return
		}
		q := u.Query()
		for _, param := range queryPageParams {
			if !q.Has(param) {
				continue
			}
			value, err := strconv.Atoi(q.Get(param))
			if err != nil {
				continue
			}
			// The page just fetched is implicitly page 1 / offset 0, so
			// only links pointing past it count as forward pagination
			floor := 1
			if param == "offset" || param == "start" {
				floor = 0
			}
			if value <= floor {
				continue
			}
			if cur, seen := positions[param]; !seen || value < cur {
				positions[param] = value
				best[param] = u
			}
		}
	})

	for _, param := range queryPageParams {
		next, ok := best[param]
		if !ok {
			continue
		}
		p.strategy = StrategyQueryParam
		p.param = param
		p.byItems = param == "offset" || param == "start"
		p.position = positions[param]
		p.seed = next
		p.warning = ""
		return next.String(), true
	}
	return "", false
}

// fromTemplate resolves the URL template with the current pagination
// namespace values
func (p *Paginator) fromTemplate() (string, error) {
	p.resolver.Pagination = map[string]string{
		"page":   strconv.Itoa(p.page),
		"offset": strconv.Itoa(p.position),
	}
	resolved, err := p.resolver.Resolve(p.template)
	if err != nil {
		return "", fmt.Errorf("pagination url_template: %w", err)
	}
	return resolved, nil
}

// detectQueryParam looks for a recognized page parameter on the seed URL
func detectQueryParam(seed *url.URL) (string, int, bool) {
	q := seed.Query()
	for _, param := range queryPageParams {
		if !q.Has(param) {
			continue
		}
		start, err := strconv.Atoi(q.Get(param))
		if err != nil {
			continue
		}
		return param, start, true
	}
	return "", 0, false
}

// circularDetector keeps a rolling window of recent page content hashes.
// A repeat within the window means pagination is looping.
type circularDetector struct {
	window int
	hashes []string
}

func newCircularDetector(window int) *circularDetector {
	if window < 1 {
		window = 10
	}
	return &circularDetector{window: window}
}

// Seen reports whether hash appeared within the window, recording it
// either way
func (c *circularDetector) Seen(hash string) bool {
	for _, h := range c.hashes {
		if h == hash {
			return true
		}
	}
	c.hashes = append(c.hashes, hash)
	if len(c.hashes) > c.window {
		c.hashes = c.hashes[1:]
	}
	return false
}
