// Package search turns free-text queries into (title, url, snippet) hits.
// Providers are interchangeable behind the Provider interface; the Runner
// executes whole query lists serially with polite spacing, which is how
// every pipeline stage consumes search.
package search

import (
	"context"
	"strings"

	"github.com/pelagoslabs/pelagos/internal/guard"
)

// Result is a single search hit from any provider.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Source  string `json:"source,omitempty"`
}

// Provider is the minimal search surface. Implementations return at most
// limit results and treat an empty answer as valid.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
	Name() string
}

// CleanQuery strips quote characters that confuse engine operators and
// caps the query at the global search-query limit.
func CleanQuery(q string) string {
	q = strings.ReplaceAll(q, `"`, "")
	q = strings.ReplaceAll(q, "'", "")
	q = strings.TrimSpace(q)
	if runes := []rune(q); len(runes) > guard.MaxSearchQueryLength {
		q = string(runes[:guard.MaxSearchQueryLength])
	}
	return q
}
