package prompt

import (
	"fmt"
	"strings"

	"github.com/pelagoslabs/pelagos/internal/search"
)

// snippetLimit caps each search snippet inside a formatted result list.
const snippetLimit = 200

// FormatSearchResults renders search results for the pick-URLs call:
// results grouped under "=== Query: q ===" headers, each hit numbered by a
// counter that keeps counting across queries. queryOrder fixes iteration
// order; queries missing from results are skipped.
func FormatSearchResults(queryOrder []string, results map[string][]search.Result) string {
	var b strings.Builder
	counter := 1
	for _, q := range queryOrder {
		hits, ok := results[q]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "=== Query: %s ===\n", q)
		for _, r := range hits {
			fmt.Fprintf(&b, "[%d] %s\n", counter, r.Title)
			fmt.Fprintf(&b, "    URL: %s\n", r.URL)
			fmt.Fprintf(&b, "    %s\n", clipRunes(r.Snippet, snippetLimit))
			b.WriteString("\n")
			counter++
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// FormatScrapedContent renders fetched pages for the dossier call as
// "=== url ===" blocks, each page capped at maxChars with an ellipsis.
// order fixes iteration; URLs missing from pages or empty are skipped.
func FormatScrapedContent(order []string, pages map[string]string, maxChars int) string {
	var parts []string
	for _, u := range order {
		content := pages[u]
		if content == "" {
			continue
		}
		if len(content) > maxChars {
			content = content[:maxChars] + "..."
		}
		parts = append(parts, fmt.Sprintf("=== %s ===\n%s\n", u, content))
	}
	return strings.Join(parts, "\n")
}

// FormatScrapedForClarify renders skimmed pages for the clarify call as
// numbered "=== PAGE i: url ===" blocks with a tighter per-page cap.
// Pages with no content show a placeholder instead of being dropped.
func FormatScrapedForClarify(order []string, pages map[string]string, maxCharsPerPage int) string {
	var lines []string
	for i, u := range order {
		lines = append(lines, fmt.Sprintf("=== PAGE %d: %s ===", i+1, u))
		content := pages[u]
		if content == "" {
			lines = append(lines, "[Could not load]")
		} else {
			if len(content) > maxCharsPerPage {
				content = content[:maxCharsPerPage] + "\n[... truncated ...]"
			}
			lines = append(lines, content)
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}
