package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// maxThinkQueries bounds how many searches one research point may spend.
const maxThinkQueries = 10

const thinkSystemPrompt = `You prepare targeted web searches for ONE research point.

═══════════════════════════════════════════════════════════════════
                    OUTPUT FORMAT (MANDATORY!)
═══════════════════════════════════════════════════════════════════

RULE 1: Respond with EXACTLY two sections, in this order:

=== THINKING ===
[3-6 sentences: what this point needs, which angles and source types
will answer it, and what previous findings already cover]

=== SEARCHES ===
search 1: [search query]
search 2 (Community): [search query]
search 3: [search query]
...

RULE 2: 3-8 searches. Each line "search N: query" or
"search N (Category): query" - nothing else on the line.
RULE 3: Queries are search-engine text only. NEVER output a URL as a
query.
RULE 4: Vary the angle: official docs, community threads, papers,
comparisons, current developments.

═══════════════════════════════════════════════════════════════════
                    ANTI-REDUNDANCY (MANDATORY!)
═══════════════════════════════════════════════════════════════════

If previous findings are provided:
- Do NOT repeat searches that already produced those findings
- Target the gaps and follow-up leads they mention
- Prefer queries that can only return NEW information`

const thinkUserPrompt = `
# CONTEXT

## Main Task
%s

## Current Research Point
%s
%s
---

# TASK

Think briefly, then output the search queries in the mandatory format.
Start with "=== THINKING ===".
`

func (s *Set) think() string {
	if s != nil && s.Think != "" {
		return s.Think
	}
	return thinkSystemPrompt
}

// BuildThink returns the prompt pair that turns one plan point into search
// queries. previousLearnings carries the full key-learnings list so the
// model can route around covered ground.
func (s *Set) BuildThink(userQuery, currentPoint string, previousLearnings []string, lang string) (string, string) {
	system := s.think()
	if name := LanguageName(lang); name != "" && lang != "en" {
		system += "\n\nIMPORTANT: Generate queries in " + name + " to find relevant sources."
	}
	user := fmt.Sprintf(thinkUserPrompt, userQuery, currentPoint, learningsBlock(previousLearnings))
	return system, user
}

// searchLineRe matches "search N: query" with an optional "(Category)"
// between the number and the colon.
var searchLineRe = regexp.MustCompile(`(?i)^search\s+\d+\s*(?:\([^)]*\))?\s*:\s*(.+)$`)

// ParseThink splits a think response into the free-form thinking block and
// the search queries. Queries that are URLs or lone site: operators are
// dropped; at most 10 survive.
func ParseThink(response string) (string, []string) {
	response = capInput(response, maxParseLen)

	thinking := response
	if i := strings.Index(response, "=== SEARCHES ==="); i >= 0 {
		thinking = response[:i]
	}
	if i := strings.Index(thinking, "=== THINKING ==="); i >= 0 {
		thinking = thinking[i+len("=== THINKING ==="):]
	}
	thinking = strings.TrimSpace(thinking)

	var queries []string
	for _, line := range strings.Split(response, "\n") {
		m := searchLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		q := strings.TrimSpace(m[1])
		if q == "" || !usableQuery(q) {
			continue
		}
		queries = append(queries, q)
		if len(queries) == maxThinkQueries {
			break
		}
	}
	return thinking, queries
}

// usableQuery rejects "queries" that are really URLs or bare site:
// operators, which search engines handle poorly as full query strings.
func usableQuery(q string) bool {
	lower := strings.ToLower(q)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return false
	}
	if strings.HasPrefix(lower, "site:") {
		return false
	}
	return true
}
