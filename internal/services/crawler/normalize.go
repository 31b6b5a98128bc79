package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query parameters stripped from every URL before
// hashing. Website configs extend this set, never shrink it.
var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"msclkid": {},
	"ref":     {},
}

// NormalizeURL produces the canonical form of a URL used for dedup keys:
// lowercased scheme and host, default ports stripped, fragment dropped,
// tracking parameters removed, and the query stable-sorted by key. Path
// case is preserved. Normalizing an already-normalized URL is a no-op.
func NormalizeURL(raw string, extraTracking []string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("unparseable url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		u.RawQuery = normalizeQuery(u.Query(), extraTracking)
	}
	return u.String(), nil
}

// normalizeQuery drops tracking parameters and re-encodes the rest with
// keys sorted and repeated values kept in their original order.
func normalizeQuery(q url.Values, extra []string) string {
	keys := make([]string, 0, len(q))
	for key := range q {
		if isTrackingParam(key, extra) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		for _, v := range q[key] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return b.String()
}

func isTrackingParam(key string, extra []string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	if _, ok := trackingParams[lower]; ok {
		return true
	}
	for _, p := range extra {
		if strings.EqualFold(p, key) {
			return true
		}
	}
	return false
}

// URLHash is the SHA-256 hex digest of a normalized URL
func URLHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ResolveLink turns an extracted href into an absolute crawl candidate.
// Relative links resolve against base, which must be the final URL after
// redirects. Non-navigational links (javascript:, mailto:, tel:,
// fragment-only) return ok=false.
func ResolveLink(href string, base *url.URL) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}
