package crawler

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/models"
)

// ExtractedLink is one detail-URL candidate pulled off a list page
type ExtractedLink struct {
	URL      string
	Metadata map[string]string
}

// Extractor pulls detail URLs and field values out of parsed HTML
type Extractor struct {
	logger arbor.ILogger
}

func NewExtractor(logger arbor.ILogger) *Extractor {
	return &Extractor{logger: logger}
}

// ExtractLinks applies a crawl_list step to a document. Flat mode walks
// the selector's anchors directly; container mode walks rows and pulls
// the link plus metadata fields from each. Relative hrefs resolve
// against base (the final URL after redirects), non-navigational links
// are dropped, and repeats within the page are collapsed to their first
// occurrence.
func (e *Extractor) ExtractLinks(doc *goquery.Document, step *models.StepConfig, base *url.URL) []ExtractedLink {
	if step.ContainerSelector != "" {
		return e.extractFromContainers(doc, step, base)
	}

	seen := map[string]bool{}
	var links []ExtractedLink
	doc.Find(step.Selector).Each(func(_ int, sel *goquery.Selection) {
		abs, ok := e.resolve(sel, base)
		if !ok || seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, ExtractedLink{URL: abs})
	})
	return links
}

func (e *Extractor) extractFromContainers(doc *goquery.Document, step *models.StepConfig, base *url.URL) []ExtractedLink {
	seen := map[string]bool{}
	var links []ExtractedLink
	doc.Find(step.ContainerSelector).Each(func(_ int, row *goquery.Selection) {
		anchor := row.Find(step.URLSelector).First()
		if anchor.Length() == 0 {
			return
		}
		abs, ok := e.resolve(anchor, base)
		if !ok || seen[abs] {
			return
		}
		seen[abs] = true

		link := ExtractedLink{URL: abs}
		if len(step.MetadataFields) > 0 {
			link.Metadata = e.ExtractFields(row, step.MetadataFields)
		}
		links = append(links, link)
	})
	return links
}

// resolve reads the navigable URL off a selection: href on the element
// itself, or on the first anchor inside it.
func (e *Extractor) resolve(sel *goquery.Selection, base *url.URL) (string, bool) {
	href, ok := sel.Attr("href")
	if !ok {
		href, ok = sel.Find("a[href]").First().Attr("href")
	}
	if !ok {
		return "", false
	}
	return ResolveLink(href, base)
}

// ExtractFields evaluates a name->selector map against a selection and
// returns trimmed text values. Missing selectors yield empty strings so
// downstream consumers see a stable field set.
func (e *Extractor) ExtractFields(root *goquery.Selection, fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for name, selector := range fields {
		out[name] = strings.TrimSpace(root.Find(selector).First().Text())
	}
	return out
}

// Title returns the document title, falling back to the first h1
func (e *Extractor) Title(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}
