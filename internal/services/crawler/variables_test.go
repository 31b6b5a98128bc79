package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/venari/internal/models"
)

func strictResolver() *VariableResolver {
	r := NewVariableResolver(models.VariableModeStrict)
	r.Values = map[string]string{
		"category": "world",
		"path":     "news/${variables.category}",
	}
	r.Input = map[string]string{"seed_url": "https://example.test/latest"}
	r.Pagination = map[string]string{"page": "3"}
	r.Metadata = map[string]string{"slug": "article-7"}
	r.LookupEnv = func(key string) (string, bool) {
		if key == "API_TOKEN" {
			return "tok-123", true
		}
		return "", false
	}
	return r
}

func TestResolve_Namespaces(t *testing.T) {
	r := strictResolver()

	tests := []struct {
		in   string
		want string
	}{
		{"${variables.category}", "world"},
		{"${ENV.API_TOKEN}", "tok-123"},
		{"${input.seed_url}", "https://example.test/latest"},
		{"${pagination.page}", "3"},
		{"${metadata.slug}", "article-7"},
		{"https://example.test/${variables.category}?page=${pagination.page}", "https://example.test/world?page=3"},
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestResolve_NestedValues(t *testing.T) {
	r := strictResolver()
	got, err := r.Resolve("/${variables.path}/")
	require.NoError(t, err)
	assert.Equal(t, "/news/world/", got)
}

func TestResolve_EscapedTokenStaysLiteral(t *testing.T) {
	r := strictResolver()
	got, err := r.Resolve(`price is \${variables.category} dollars`)
	require.NoError(t, err)
	assert.Equal(t, "price is ${variables.category} dollars", got)
}

func TestResolve_StrictMissingFails(t *testing.T) {
	r := strictResolver()
	_, err := r.Resolve("${variables.nope}")
	assert.ErrorIs(t, err, ErrVariableNotFound)

	_, err = r.Resolve("${bogus.ns}")
	assert.ErrorIs(t, err, ErrVariableNotFound)
}

func TestResolve_LenientMissingWarns(t *testing.T) {
	r := NewVariableResolver(models.VariableModeLenient)
	got, err := r.Resolve("a ${variables.nope} b")
	require.NoError(t, err)
	assert.Equal(t, "a ${variables.nope} b", got, "the token stays in place")
	require.Len(t, r.Warnings(), 1)
	assert.Contains(t, r.Warnings()[0], "variables.nope")
}

func TestResolve_CircularReferenceFails(t *testing.T) {
	r := NewVariableResolver(models.VariableModeStrict)
	r.Values = map[string]string{
		"a": "${variables.b}",
		"b": "${variables.a}",
	}
	_, err := r.Resolve("${variables.a}")
	assert.ErrorIs(t, err, ErrCircularReference)
}

func TestResolve_DepthCapFails(t *testing.T) {
	r := NewVariableResolver(models.VariableModeStrict)
	r.Values = map[string]string{
		"a": "${variables.b}",
		"b": "${variables.c}",
		"c": "${variables.d}",
		"d": "${variables.e}",
		"e": "${variables.f}",
		"f": "done",
	}
	_, err := r.Resolve("${variables.a}")
	assert.ErrorIs(t, err, ErrCircularReference)
}

func TestResolve_NoTokensPassesThrough(t *testing.T) {
	r := strictResolver()
	got, err := r.Resolve("https://example.test/plain?q=1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/plain?q=1", got)
}

func TestMergeVariables_LaterLayersWin(t *testing.T) {
	merged := MergeVariables(
		map[string]string{"a": "config", "b": "config"},
		map[string]string{"b": "job"},
	)
	assert.Equal(t, "config", merged["a"])
	assert.Equal(t, "job", merged["b"])
}

func TestCoerceScalar(t *testing.T) {
	assert.Equal(t, true, CoerceScalar("true"))
	assert.Equal(t, int64(42), CoerceScalar("42"))
	assert.Equal(t, 2.5, CoerceScalar("2.5"))
	assert.Equal(t, "plain", CoerceScalar("plain"))
}
