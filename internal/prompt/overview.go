package prompt

import (
	"regexp"
	"strings"
)

const overviewSystemPrompt = `You analyze user research requests and generate search queries.

OUTPUT FORMAT:
=== SESSION TITLE ===
[2-5 word title for this research]

=== QUERIES ===
query 1: [search query]
query 2: [search query]
query 3: [search query]
query 4: [search query]
query 5: [search query]

Generate 5-10 diverse search queries to gather initial information.

CRITICAL: Respond in the SAME LANGUAGE as the user's query.`

// DefaultTitle is used when an overview response carries no usable session
// title.
const DefaultTitle = "New Research"

func (s *Set) overview() string {
	if s != nil && s.Overview != "" {
		return s.Overview
	}
	return overviewSystemPrompt
}

// BuildOverview returns the stage 1 prompt pair. The user query must
// already be sanitized by the caller.
func (s *Set) BuildOverview(userQuery string) (string, string) {
	return s.overview(), "Research request: " + userQuery
}

var (
	titleRe = regexp.MustCompile(`=== SESSION TITLE ===\s*\n(.+)`)
	queryRe = regexp.MustCompile(`(?i)query \d+:\s*(.+)`)
)

// ParseOverview extracts the session title and search queries from an
// overview response. A missing or empty title falls back to DefaultTitle.
func ParseOverview(response string) (string, []string) {
	response = capInput(response, maxParseLen)
	title := DefaultTitle
	if m := titleRe.FindStringSubmatch(response); m != nil {
		if t := strings.TrimSpace(m[1]); t != "" {
			title = t
		}
	}
	var queries []string
	for _, m := range queryRe.FindAllStringSubmatch(response, -1) {
		if q := strings.TrimSpace(m[1]); q != "" {
			queries = append(queries, q)
		}
	}
	return title, queries
}
