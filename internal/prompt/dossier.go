package prompt

import (
	"fmt"
	"strings"
)

// Anchors the dossier parser keys on. The learnings heading has a legacy
// plain form still accepted on parse.
const (
	learningsHeading       = "## 💡 KEY LEARNINGS"
	legacyLearningsHeading = "=== KEY LEARNINGS ==="
	endDossierMarker       = "=== END DOSSIER ==="
)

const dossierSystemPrompt = `You are a research analyst writing an evidence dossier on ONE research point.

═══════════════════════════════════════════════════════════════════
                    OUTPUT FORMAT (MANDATORY!)
═══════════════════════════════════════════════════════════════════

Write the dossier in Markdown, then close with three mandatory blocks
in EXACTLY this order:

1. Dossier body: ## sections, findings, tables where useful
2. The heading "## 💡 KEY LEARNINGS" followed by 3-7 bullet lines
   carrying the transferable facts, each with its [N] citation
3. The source block:

=== SOURCES ===
[1] https://... - short description
[2] https://... - short description
=== END SOURCES ===

4. The final line: === END DOSSIER ===

═══════════════════════════════════════════════════════════════════
                    CITATIONS (MANDATORY!)
═══════════════════════════════════════════════════════════════════

- Number sources [1], [2], [3]... in the order the pages appear in
  the source material below.
- EVERY factual statement carries its [N] marker.
- NEVER invent sources. Cite only the provided pages.

═══════════════════════════════════════════════════════════════════
                    CONTENT RULES
═══════════════════════════════════════════════════════════════════

- Synthesize across pages; never paste raw page text
- Keep concrete numbers, versions, dates, and benchmarks
- Note agreements and contradictions between sources
- State gaps openly instead of padding
- Professional, analytical tone`

const dossierAcademicSystemPrompt = `You are an academic researcher writing a rigorous evidence dossier on ONE research point.

═══════════════════════════════════════════════════════════════════
                    OUTPUT FORMAT (MANDATORY!)
═══════════════════════════════════════════════════════════════════

Write the dossier in Markdown, then close with three mandatory blocks
in EXACTLY this order:

1. Dossier body: ## sections, findings, evidence tables
2. The heading "## 💡 KEY LEARNINGS" followed by 3-7 bullet lines
   carrying the transferable facts, each with its [N] citation
3. The source block:

=== SOURCES ===
[1] https://... - short description
[2] https://... - short description
=== END SOURCES ===

4. The final line: === END DOSSIER ===

═══════════════════════════════════════════════════════════════════
                    EVIDENCE GRADING (MANDATORY!)
═══════════════════════════════════════════════════════════════════

Classify every major claim using the evidence hierarchy:

| Level | Description |
|-------|-------------|
| I     | Systematic reviews, meta-analyses |
| II    | Randomized controlled trials, controlled experiments |
| III   | Cohort studies, longitudinal data |
| IV    | Case-control studies, comparative analyses |
| V     | Case series, individual project reports |
| VI    | Expert opinion, consensus |
| VII   | Anecdotal, unverified |

Mark evidence levels inline: "Performance improved by 40%[1 Level-II]"

═══════════════════════════════════════════════════════════════════
                    CITATIONS (MANDATORY!)
═══════════════════════════════════════════════════════════════════

- Number sources [1], [2], [3]... in the order the pages appear in
  the source material below.
- EVERY factual statement carries its [N] marker.
- NEVER invent sources. Cite only the provided pages.

═══════════════════════════════════════════════════════════════════
                    CONTENT RULES
═══════════════════════════════════════════════════════════════════

- Distinguish established findings from preliminary ones
- Keep concrete numbers, methods, sample sizes, and conditions
- Make disagreement between sources explicit
- State limitations and gaps; do not extrapolate past the evidence`

const dossierUserPrompt = `
# CONTEXT

## Main Task
%s

## Current Research Point
%s

## Your Thoughts (from previous step)
%s

---

# SOURCE MATERIAL

%s

---

# TASK

Write the dossier for the research point above using ONLY the source
material. Close with "## 💡 KEY LEARNINGS", the === SOURCES === block,
and === END DOSSIER ===.
`

func (s *Set) dossier(academic bool) string {
	if academic {
		if s != nil && s.DossierAcademic != "" {
			return s.DossierAcademic
		}
		return dossierAcademicSystemPrompt
	}
	if s != nil && s.Dossier != "" {
		return s.Dossier
	}
	return dossierSystemPrompt
}

// BuildDossier returns the prompt pair that condenses fetched pages into a
// cited dossier for one plan point.
func (s *Set) BuildDossier(userQuery, currentPoint, thinkingBlock, scrapedContent string, academic bool) (string, string) {
	user := fmt.Sprintf(dossierUserPrompt, userQuery, currentPoint, thinkingBlock, scrapedContent)
	return s.dossier(academic), user
}

// ParseDossier splits a dossier response into the dossier text (everything
// before the key-learnings heading), the learnings block, and the local
// citation map from the sources block. Responses without the heading keep
// the full text and empty learnings.
func ParseDossier(response string) (string, string, map[int]string) {
	response = capInput(response, maxParseLenLarge)
	citations := parseSourcesBlock(response)

	text := response
	learnings := ""
	heading := learningsHeading
	idx := strings.Index(response, heading)
	if idx < 0 {
		heading = legacyLearningsHeading
		idx = strings.Index(response, heading)
	}
	if idx >= 0 {
		text = response[:idx]
		learnings = response[idx+len(heading):]
		for _, stop := range []string{"=== SOURCES ===", endDossierMarker} {
			if i := strings.Index(learnings, stop); i >= 0 {
				learnings = learnings[:i]
			}
		}
	} else if i := strings.Index(text, "=== SOURCES ==="); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), endDossierMarker))
	learnings = strings.TrimSpace(learnings)
	return text, learnings, citations
}
