package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

const planSystemPrompt = `You are a research expert who creates deep, reproducible research plans.

YOUR GOAL:
Create a research plan that is so concrete that another researcher can execute it 1:1
(including search strings, filters, expected deliverables).

═══════════════════════════════════════════════════════════════════
                         HARD RULES (MANDATORY)
═══════════════════════════════════════════════════════════════════

- Output consists ONLY of numbered points: (1), (2), (3) ...
- Between EVERY point: an EMPTY LINE.
- Each point begins with a verb (Search, Research, Identify, Check, Investigate, Compare, Extract, Validate ...).
- No introduction, no meta-explanation, no conclusion outside the points.
- At least 5 points; more if thematically necessary.
- NO scope drift: Keep time windows and platforms exactly as specified.

═══════════════════════════════════════════════════════════════════
                         QUALITY (MANDATORY)
═══════════════════════════════════════════════════════════════════

Each point MUST contain this mini-structure:

a) **Goal** (1 sentence): What exactly should be found/verified?
b) **Search Queries**: At least 2 concrete search queries (with operators if useful)
c) **Filters/Constraints**: e.g. time period, platform, language, etc.
d) **Output**: What artifact is produced? (List, table, comparison)
e) **Validation** (1 sentence): How do you check relevance/quality?

═══════════════════════════════════════════════════════════════════
                         LEDGER TYPES (Reference)
═══════════════════════════════════════════════════════════════════

Write in each point which ledger is filled:

**Repo Ledger** (for GitHub/GitLab):
Repo | Link | Tech/Keyword | Claim (1 sentence) | Evidence Snippet | Maturity | Notes

**Paper Ledger** (for Arxiv/Papers):
Paper | Link | Year | Contribution | Key Result | Evidence Snippet | Limitations

**Thread Ledger** (for Reddit/HN/Forums):
Platform | Link | Topic | Main Argument | Takeaway | Evidence Snippet | Credibility

**Issue Ledger** (for GitHub Issues/PRs):
Project | Issue/PR | Status | Feature | Link | Notes

═══════════════════════════════════════════════════════════════════
                         EXAMPLE FORMAT
═══════════════════════════════════════════════════════════════════

(1) Search for GitHub repositories implementing adaptive RAG chunking.
**Goal:** Identify active open-source projects that implement dynamic chunk sizing.
**Search Queries:** "adaptive chunking RAG" site:github.com, "dynamic chunk size langchain"
**Filters:** Only repos with >10 stars, last commit <12 months
**Output:** Repo Ledger with 5-10 entries
**Validation:** Repo must have working code, not just README.

(2) Research r/LocalLLaMA for experience reports on chunking strategies.
**Goal:** Collect practical insights from the community on chunking problems.
**Search Queries:** "chunking" site:reddit.com/r/LocalLLaMA, "chunk size RAG reddit"
**Filters:** Posts from last 6 months, >10 upvotes
**Output:** Thread Ledger with bottlenecks and workarounds
**Validation:** Only threads with concrete experiences, no unanswered questions.

(3) ...etc.

═══════════════════════════════════════════════════════════════════
CRITICAL: Your research plan must ALWAYS be in the SAME LANGUAGE as the user's query/question. Match the user's language exactly.
═══════════════════════════════════════════════════════════════════`

const planAcademicAddendum = `

ACADEMIC MODE ENABLED:
- Include methodology considerations
- Plan for literature review sections
- Consider theoretical frameworks
- Include citation and source verification steps
- Focus on peer-reviewed sources when available
`

const planUserPrompt = `
# CONTEXT

## User Query
%s

%s
---

# TASK

Create a deep research plan (at least 5 points) based on the context above.
Use the specified format with Goal/Search Queries/Filters/Output/Validation per point.
Each point must be numbered (1), (2), (3) etc. with an empty line between points.
`

func (s *Set) plan() string {
	if s != nil && s.Plan != "" {
		return s.Plan
	}
	return planSystemPrompt
}

// BuildPlan returns the stage 4 prompt pair. Questions and answers pair up
// positionally into a Q&A block; answers without questions render as plain
// context bullets.
func (s *Set) BuildPlan(userQuery string, questions, answers []string, academic bool, lang string) (string, string) {
	var clarification string
	switch {
	case len(questions) > 0 && len(answers) > 0:
		n := len(questions)
		if len(answers) < n {
			n = len(answers)
		}
		var b strings.Builder
		b.WriteString("## Clarification Q&A\n\n")
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "**Q%d:** %s\n**A%d:** %s\n", i+1, questions[i], i+1, answers[i])
		}
		clarification = b.String()
	case len(answers) > 0:
		var b strings.Builder
		b.WriteString("## User's Additional Context\n\n")
		for _, a := range answers {
			b.WriteString("- ")
			b.WriteString(a)
			b.WriteString("\n")
		}
		clarification = b.String()
	}

	system := s.plan()
	if name := LanguageName(lang); name != "" && lang != "en" {
		system += "\nCRITICAL - LANGUAGE: Create the plan in " + name + ".\n"
	}
	if academic {
		system += planAcademicAddendum
	}
	return system, fmt.Sprintf(planUserPrompt, userQuery, clarification)
}

var (
	planPointRe    = regexp.MustCompile(`^\((\d+)\)\s*(.*)$`)
	numberedLineRe = regexp.MustCompile(`^\d+\.\s*(.+)$`)
)

// ParsePlanPoints extracts the numbered "(N) ..." blocks from a plan
// response. A block runs until the next blank line or the next "(N)" line,
// and is whitespace-normalized into a single string. When no such block
// exists, plain "N. ..." lines are taken instead.
func ParsePlanPoints(response string) []string {
	response = capInput(response, maxParseLen)
	lines := strings.Split(response, "\n")

	var points []string
	var current []string
	flush := func() {
		if len(current) == 0 {
			return
		}
		point := strings.Join(strings.Fields(strings.Join(current, " ")), " ")
		if point != "" {
			points = append(points, point)
		}
		current = nil
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := planPointRe.FindStringSubmatch(trimmed); m != nil {
			flush()
			current = []string{m[2]}
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		if current != nil {
			current = append(current, trimmed)
		}
	}
	flush()

	if len(points) > 0 {
		return points
	}
	for _, line := range lines {
		if m := numberedLineRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			if p := strings.TrimSpace(m[1]); p != "" {
				points = append(points, p)
			}
		}
	}
	return points
}
