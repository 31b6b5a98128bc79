package crawler

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/venari/internal/models"
)

var (
	// ErrVariableNotFound reports an unresolved token in strict mode
	ErrVariableNotFound = errors.New("variable not found")
	// ErrCircularReference reports a substitution cycle or a chain deeper
	// than the expansion limit
	ErrCircularReference = errors.New("circular variable reference")
)

// maxExpandDepth bounds nested substitution (a variable whose value
// contains further tokens)
const maxExpandDepth = 4

// tokenPattern matches ${ns.path} tokens and a leading backslash escape.
// The first segment is the namespace, the rest is the lookup path.
var tokenPattern = regexp.MustCompile(`(\\?)\$\{([A-Za-z]+)((?:\.[A-Za-z0-9_][A-Za-z0-9_.\-]*)+)\}`)

// VariableResolver substitutes ${namespace.path} tokens in config strings.
// Lookup precedence within the variables namespace (job overrides config)
// is applied by the caller when building the Values map; the resolver
// itself only routes namespaces.
type VariableResolver struct {
	mode models.VariableMode
	// Values backs the "variables" namespace
	Values map[string]string
	// Input backs "input": the seed URL and submit-time parameters
	Input map[string]string
	// Pagination backs "pagination": page, offset
	Pagination map[string]string
	// Metadata backs "metadata": per-row fields from list extraction
	Metadata map[string]string
	// LookupEnv defaults to os.LookupEnv; injectable for tests
	LookupEnv func(string) (string, bool)

	warnings []string
}

// NewVariableResolver creates a resolver in the given mode. Nil maps are
// treated as empty namespaces.
func NewVariableResolver(mode models.VariableMode) *VariableResolver {
	if mode != models.VariableModeStrict && mode != models.VariableModeLenient {
		mode = models.VariableModeStrict
	}
	return &VariableResolver{
		mode:      mode,
		LookupEnv: os.LookupEnv,
	}
}

// Resolve expands every token in s. In strict mode an unresolved token
// fails with ErrVariableNotFound; in lenient mode the token is left in
// place and a warning is recorded. Escaped tokens (\${...}) become
// literal ${...} and are never expanded.
func (r *VariableResolver) Resolve(s string) (string, error) {
	return r.expand(s, 0, map[string]bool{})
}

// Warnings returns the unresolved-token warnings accumulated so far
func (r *VariableResolver) Warnings() []string {
	return r.warnings
}

func (r *VariableResolver) expand(s string, depth int, visited map[string]bool) (string, error) {
	if depth > maxExpandDepth {
		return "", fmt.Errorf("substitution deeper than %d levels: %w", maxExpandDepth, ErrCircularReference)
	}

	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := tokenPattern.FindStringSubmatch(match)
		escaped, ns, path := groups[1], groups[2], strings.TrimPrefix(groups[3], ".")
		if escaped != "" {
			return match[1:] // literal ${...}
		}

		key := ns + "." + path
		if visited[key] {
			firstErr = fmt.Errorf("token ${%s} references itself: %w", key, ErrCircularReference)
			return match
		}

		value, ok := r.lookup(ns, path)
		if !ok {
			if r.mode == models.VariableModeStrict {
				firstErr = fmt.Errorf("token ${%s}: %w", key, ErrVariableNotFound)
			} else {
				r.warnings = append(r.warnings, fmt.Sprintf("unresolved variable ${%s} left in place", key))
			}
			return match
		}

		visited[key] = true
		expanded, err := r.expand(value, depth+1, visited)
		delete(visited, key)
		if err != nil {
			firstErr = err
			return match
		}
		return expanded
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (r *VariableResolver) lookup(ns, path string) (string, bool) {
	switch strings.ToLower(ns) {
	case "variables":
		v, ok := r.Values[path]
		return v, ok
	case "env":
		if r.LookupEnv == nil {
			return "", false
		}
		return r.LookupEnv(path)
	case "input":
		v, ok := r.Input[path]
		return v, ok
	case "pagination":
		v, ok := r.Pagination[path]
		return v, ok
	case "metadata":
		v, ok := r.Metadata[path]
		return v, ok
	}
	return "", false
}

// MergeVariables layers job-submitted variables over config variables.
// Later maps win.
func MergeVariables(layers ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// CoerceScalar interprets a resolved string destined for a typed config
// field: bools and numbers convert, everything else stays a string.
func CoerceScalar(s string) interface{} {
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
