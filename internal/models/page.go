package models

import "time"

// CrawledPage is one scraped URL. At most one non-duplicate row exists per
// (WebsiteID, URLHash); later writers for the same pair degrade to
// duplicates linking DuplicateOf to the original.
type CrawledPage struct {
	ID        string `json:"id"`
	WebsiteID string `json:"website_id" badgerhold:"index"`
	JobID     string `json:"job_id" badgerhold:"index"`
	URL       string `json:"url"`
	// URLHash is the hex SHA-256 of the normalized URL
	URLHash string `json:"url_hash" badgerhold:"index"`
	// ContentHash is the hex SHA-256 of the normalized content; empty for
	// URL-phase duplicates that were never fetched
	ContentHash string `json:"content_hash,omitempty" badgerhold:"index"`
	Title       string `json:"title,omitempty"`
	// ExtractedText is the markdown rendition of the page's extracted body
	ExtractedText string                 `json:"extracted_text,omitempty"`
	Fields        map[string]string      `json:"fields,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	// RawBlobKey points to the stored raw HTML in the blob store
	RawBlobKey  string `json:"raw_blob_key,omitempty"`
	IsDuplicate bool   `json:"is_duplicate"`
	// DuplicateOf is the original page's ID. Originals never set it, so the
	// "is original" relation stays a tree
	DuplicateOf string `json:"duplicate_of,omitempty"`
	// SimilarityScore is 0-100; 100 for exact content matches
	SimilarityScore int       `json:"similarity_score,omitempty"`
	CrawledAt       time.Time `json:"crawled_at"`
}

// PageKey builds the storage key enforcing (website_id, url_hash) uniqueness
func PageKey(websiteID, urlHash string) string {
	return websiteID + "|" + urlHash
}
