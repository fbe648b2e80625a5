package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pelagoslabs/pelagos/internal/guard"
)

// Output caps for the pick-URLs parser.
const (
	maxPickedURLs      = 20
	maxRejections      = 10
	maxRejectionLength = 500
)

const pickURLsSystemPrompt = `You select URLs from search results.

═══════════════════════════════════════════════════════════════════
                    OUTPUT FORMAT (MANDATORY!)
═══════════════════════════════════════════════════════════════════

RULE 1: NO ANALYSIS. NO EXPLANATION. ONLY URLS.
RULE 2: Start IMMEDIATELY with "=== SELECTED ===" - NO text before!
RULE 3: Each line: "url N: https://..." - nothing else.
RULE 4: Select 10-20 URLs based on result quality.

═══════════════════════════════════════════════════════════════════
                    QUERY AWARENESS (MANDATORY!)
═══════════════════════════════════════════════════════════════════

Adapt your selection strategy to the TASK:
- "unknown/small/niche/experimental" → LESS obvious sources
- "established/enterprise/proven/production-ready" → known, highly-referenced sources
- "academic/scientific" → prioritize papers and research
- "practical/hands-on/tutorial" → prioritize code examples and guides

═══════════════════════════════════════════════════════════════════
                    DIVERSIFICATION (MANDATORY!)
═══════════════════════════════════════════════════════════════════

Select URLs from DIFFERENT perspectives:
- Not 15x GitHub, but: GitHub + Reddit + Paper + Blog + Docs
- Not 15x the same topic, but: cover different aspects

SOURCE MIX (approximate distribution for 20 URLs):
- 6-8x Primary: GitHub repos, official docs, papers (arxiv)
- 4-5x Community: Reddit, HN, forums, Stack Overflow
- 3-4x Practical: Tutorials, Medium, Dev.to, guides
- 2-3x Critical: Comparisons, benchmarks, limitations
- 2-3x Current: News, recent releases, updates

═══════════════════════════════════════════════════════════════════
                    SOURCE QUALITY RANKING
═══════════════════════════════════════════════════════════════════

**High quality:** GitHub repos, papers (arxiv), official docs, expert blogs
**Medium quality:** Medium/Dev.to, Reddit (if substantial), Stack Overflow
**Avoid:** Generic news sites, SEO spam, outdated material

═══════════════════════════════════════════════════════════════════
                    FORBIDDEN SOURCES
═══════════════════════════════════════════════════════════════════

NEVER select:
- Paywall sites without accessible content
- Known SEO spam domains
- Aggregator sites with no original content
- Outdated documentation (check version numbers)`

const pickURLsUserPrompt = `
# CONTEXT

## Main Task
%s

## Current Research Point
%s

## Your Thoughts (from previous step)
%s
%s
---

# SEARCH RESULTS

%s

---

# TASK

Select 10-20 URLs based on quality and relevance. NO ANALYSIS. NO EXPLANATION. ONLY URLS.

CRITICAL: Start IMMEDIATELY with "=== SELECTED ===" - NO text before!

=== SELECTED ===
url 1: https://example.com/1
url 2: https://example.com/2
...
url N: https://example.com/N

=== REJECTED ===
rejected: X URLs due to reason
`

func (s *Set) pickURLs() string {
	if s != nil && s.PickURLs != "" {
		return s.PickURLs
	}
	return pickURLsSystemPrompt
}

// BuildPickURLs returns the prompt pair that selects fetch-worthy URLs
// from formatted search results.
func (s *Set) BuildPickURLs(userQuery, currentPoint, thinkingBlock, searchResults string, previousLearnings []string) (string, string) {
	user := fmt.Sprintf(pickURLsUserPrompt,
		userQuery, currentPoint, thinkingBlock, learningsBlock(previousLearnings), searchResults)
	return s.pickURLs(), user
}

// ParsePicked reads the selected URLs and rejection notes out of a
// pick-URLs response. URLs longer than the policy limit or failing the
// outbound screen are dropped; allowPrivate relaxes only the
// private-address rules for local development. At most 20 URLs and 10
// rejection reasons are returned.
func ParsePicked(response string, allowPrivate bool) ([]string, []string) {
	response = capInput(response, maxParseLen)
	valid := guard.ValidateURL
	if allowPrivate {
		valid = guard.ValidateURLAllowingPrivate
	}

	var urls, rejections []string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "url"):
			_, rest, found := strings.Cut(line, ":")
			if !found {
				continue
			}
			u := strings.TrimSpace(rest)
			if len(u) > guard.MaxURLLength {
				continue
			}
			if strings.HasPrefix(u, "http") && valid(u) && len(urls) < maxPickedURLs {
				urls = append(urls, u)
			}
		case strings.HasPrefix(lower, "rejected:"):
			_, rest, _ := strings.Cut(line, ":")
			reason := strings.TrimSpace(rest)
			if reason != "" && len(reason) < maxRejectionLength && len(rejections) < maxRejections {
				rejections = append(rejections, reason)
			}
		}
	}
	return urls, rejections
}

// fallbackURLRe grabs bare URLs out of free text: everything up to a
// whitespace or quoting character, ending on a character that is not
// trailing punctuation.
var fallbackURLRe = regexp.MustCompile(`https?://[^\s<>"')\]]+[^\s<>"')\].,;:!?]`)

// FallbackURLs scrapes URLs out of a response that did not follow the
// structured format. Trailing punctuation is stripped, duplicates removed,
// at most 20 returned. No reachability screening happens here; the fetcher
// applies the outbound policy.
func FallbackURLs(response string) []string {
	response = capInput(response, maxParseLen)
	seen := make(map[string]struct{})
	var urls []string
	for _, u := range fallbackURLRe.FindAllString(response, -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
		if len(urls) == maxPickedURLs {
			break
		}
	}
	return urls
}
