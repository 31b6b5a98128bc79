package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/mfonda/simhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
	badgerstore "github.com/ternarybob/venari/internal/storage/badger"
)

func simhashDistance(a, b uint64) int {
	return int(simhash.Compare(a, b))
}

func newDeduplicator(t *testing.T) (*Deduplicator, *common.FakeClock) {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	clock := common.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewDeduplicator(storage.ContentHashStorage(), 3, clock, logger), clock
}

const articleBody = `<html><body>
<nav><a href="/">Home</a></nav>
<article><h1>Rates held steady</h1><p>The bank kept rates unchanged on Tuesday,
citing steady inflation figures and a cooling labor market across the region.</p>
<p>Officials signalled no change before the next quarterly review.</p></article>
<footer>© Example News</footer>
</body></html>`

func TestNormalizeContent_IgnoresBoilerplateAndWhitespace(t *testing.T) {
	boilerplate := []string{"nav", "footer"}
	a := NormalizeContent(docFrom(t, articleBody), boilerplate)

	reshuffled := `<html><body>
<nav><a href="/other">Totally different menu</a></nav>
<article><h1>Rates   held
steady</h1><p>The bank kept rates unchanged on Tuesday,
citing steady inflation figures and a cooling labor market across the region.</p>
<p>Officials signalled no change before the next quarterly review.</p></article>
<footer>different footer text</footer>
<script>analytics()</script>
</body></html>`
	b := NormalizeContent(docFrom(t, reshuffled), boilerplate)

	assert.Equal(t, a, b, "menus, scripts, and whitespace churn must not change the normalized content")
}

func TestCheckContent_FirstSightIsDistinct(t *testing.T) {
	d, _ := newDeduplicator(t)
	ctx := context.Background()

	fp := NewFingerprint("the quick brown fox jumps over the lazy dog")
	verdict, err := d.CheckContent(ctx, fp, "page_1")
	require.NoError(t, err)
	assert.False(t, verdict.Duplicate)

	row, err := d.hashes.Get(ctx, fp.SHA)
	require.NoError(t, err)
	assert.Equal(t, "page_1", row.FirstSeenPageID)
	assert.Equal(t, 1, row.OccurrenceCount)
}

func TestCheckContent_ExactMatchIsDuplicate(t *testing.T) {
	d, _ := newDeduplicator(t)
	ctx := context.Background()

	fp := NewFingerprint("identical content body for two different urls")
	_, err := d.CheckContent(ctx, fp, "page_1")
	require.NoError(t, err)

	verdict, err := d.CheckContent(ctx, fp, "page_2")
	require.NoError(t, err)
	assert.True(t, verdict.Duplicate)
	assert.Equal(t, "page_1", verdict.OriginalPageID)
	assert.Equal(t, 100, verdict.SimilarityScore)

	row, err := d.hashes.Get(ctx, fp.SHA)
	require.NoError(t, err)
	assert.Equal(t, 2, row.OccurrenceCount)
}

func TestCheckContent_NearMatchIsDuplicate(t *testing.T) {
	d, _ := newDeduplicator(t)
	ctx := context.Background()

	base := "the central bank kept interest rates unchanged on tuesday citing steady inflation figures " +
		"and a cooling labor market across the region officials signalled no change before the next quarterly review " +
		"analysts broadly expected the decision after last month's data showed consumer prices rising at the slowest pace in years"
	first := NewFingerprint(base)
	_, err := d.CheckContent(ctx, first, "page_1")
	require.NoError(t, err)

	// One word differs; the simhash should land within the Hamming cutoff
	near := NewFingerprint(base + " updated")
	if simhashDistance(first.Simhash, near.Simhash) > 3 {
		t.Skip("fingerprints landed further apart than the cutoff for this corpus")
	}

	verdict, err := d.CheckContent(ctx, near, "page_2")
	require.NoError(t, err)
	assert.True(t, verdict.Duplicate)
	assert.Equal(t, "page_1", verdict.OriginalPageID)
	assert.GreaterOrEqual(t, verdict.SimilarityScore, 95)
	assert.Less(t, verdict.SimilarityScore, 100)
}

func TestCheckContent_DistinctContentStaysDistinct(t *testing.T) {
	d, _ := newDeduplicator(t)
	ctx := context.Background()

	_, err := d.CheckContent(ctx, NewFingerprint("weather forecast sunny skies across the coast all week"), "page_1")
	require.NoError(t, err)

	verdict, err := d.CheckContent(ctx, NewFingerprint("quarterly earnings beat expectations on strong cloud revenue growth"), "page_2")
	require.NoError(t, err)
	assert.False(t, verdict.Duplicate)
}
