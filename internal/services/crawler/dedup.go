package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mfonda/simhash"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/interfaces"
	"github.com/ternarybob/venari/internal/models"
)

// similarityFloor is the minimum simhash similarity treated as a
// near-duplicate. Candidates below it are distinct even when their
// Hamming distance clears the band cutoff.
const similarityFloor = 0.95

// Fingerprint is the content identity of one page: an exact hash and a
// locality-sensitive one
type Fingerprint struct {
	SHA     string
	Simhash uint64
}

// NormalizeContent reduces page HTML to the text used for content
// hashing: boilerplate selectors removed, scripts and styles dropped,
// whitespace collapsed, lowercased. Cosmetic churn (menus, trailing
// space, markup noise) must not change the result.
func NormalizeContent(doc *goquery.Document, boilerplate []string) string {
	clone := doc.Selection.Clone()
	clone.Find("script, style, noscript").Remove()
	for _, selector := range boilerplate {
		clone.Find(selector).Remove()
	}
	return strings.ToLower(strings.Join(strings.Fields(clone.Text()), " "))
}

// NewFingerprint hashes normalized content both ways
func NewFingerprint(normalized string) Fingerprint {
	sum := sha256.Sum256([]byte(normalized))
	return Fingerprint{
		SHA:     hex.EncodeToString(sum[:]),
		Simhash: simhash.Simhash(simhash.NewWordFeatureSet([]byte(normalized))),
	}
}

// DedupVerdict is the outcome of a content check
type DedupVerdict struct {
	Duplicate bool
	// OriginalPageID is the first page that carried this content
	OriginalPageID string
	// SimilarityScore is 0-100; 100 for exact matches
	SimilarityScore int
	Fingerprint     Fingerprint
}

// Deduplicator is the content phase of the duplicate check: exact
// SHA-256 matches first, then simhash near-duplicates. The URL-marker
// phase runs in the pipeline against the KV cache before content is
// ever fetched.
type Deduplicator struct {
	hashes     interfaces.ContentHashStorage
	maxHamming int
	clock      common.Clock
	logger     arbor.ILogger
}

// NewDeduplicator wires the checker. maxHamming is the bit cutoff for
// near-duplicate candidates.
func NewDeduplicator(hashes interfaces.ContentHashStorage, maxHamming int, clock common.Clock, logger arbor.ILogger) *Deduplicator {
	if maxHamming <= 0 {
		maxHamming = 3
	}
	return &Deduplicator{hashes: hashes, maxHamming: maxHamming, clock: clock, logger: logger}
}

// CheckContent resolves a fingerprint against known content. Exact
// matches and near matches above the similarity floor come back as
// duplicates pointing at the original page; new content is recorded and
// comes back distinct.
func (d *Deduplicator) CheckContent(ctx context.Context, fp Fingerprint, pageID string) (*DedupVerdict, error) {
	verdict := &DedupVerdict{Fingerprint: fp}

	existing, err := d.hashes.Get(ctx, fp.SHA)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("content hash lookup: %w", err)
	}
	if existing != nil {
		updated, err := d.hashes.IncrementOccurrence(ctx, fp.SHA, d.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("content hash increment: %w", err)
		}
		verdict.Duplicate = true
		verdict.OriginalPageID = updated.FirstSeenPageID
		verdict.SimilarityScore = 100
		return verdict, nil
	}

	candidates, err := d.hashes.FindSimhashCandidates(ctx, fp.Simhash)
	if err != nil {
		return nil, fmt.Errorf("simhash candidate lookup: %w", err)
	}
	for _, candidate := range candidates {
		distance := simhash.Compare(fp.Simhash, candidate.Simhash)
		if int(distance) > d.maxHamming {
			continue
		}
		similarity := 1 - float64(distance)/64
		if similarity < similarityFloor {
			continue
		}
		if _, err := d.hashes.IncrementOccurrence(ctx, candidate.Hash, d.clock.Now()); err != nil {
			return nil, fmt.Errorf("content hash increment: %w", err)
		}
		verdict.Duplicate = true
		verdict.OriginalPageID = candidate.FirstSeenPageID
		verdict.SimilarityScore = int(math.Round(similarity * 100))
		return verdict, nil
	}

	row := &models.ContentHash{
		Hash:            fp.SHA,
		FirstSeenPageID: pageID,
		OccurrenceCount: 1,
		FirstSeenAt:     d.clock.Now(),
		LastSeenAt:      d.clock.Now(),
	}
	row.SetSimhash(fp.Simhash)
	if err := d.hashes.Insert(ctx, row); err != nil {
		if errors.Is(err, interfaces.ErrDuplicateKey) {
			// Lost the insert race; the other writer owns first-seen
			updated, incErr := d.hashes.IncrementOccurrence(ctx, fp.SHA, d.clock.Now())
			if incErr != nil {
				return nil, fmt.Errorf("content hash increment after race: %w", incErr)
			}
			verdict.Duplicate = true
			verdict.OriginalPageID = updated.FirstSeenPageID
			verdict.SimilarityScore = 100
			return verdict, nil
		}
		return nil, fmt.Errorf("content hash insert: %w", err)
	}
	return verdict, nil
}
