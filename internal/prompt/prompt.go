// Package prompt holds the model-facing text of the pipeline: the
// system/user prompt builders for every stage and the structured-text
// parsers that read the responses back. Parsers are anchored on fixed
// marker lines, cap their input length before any regex work, and cap
// their output sizes, so a hostile or rambling model response cannot blow
// up the caller.
package prompt

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Input caps applied before parsing. Dossier and synthesis responses run
// long, so they get the larger bound.
const (
	maxParseLen      = 100_000
	maxParseLenLarge = 500_000
)

// maxSourceNumber bounds the [N] citation labels accepted from a model
// response.
const maxSourceNumber = 99_999

// Set carries the system prompt for each model call. Empty fields fall
// back to the built-in text, so a config file can override any subset
// without repeating the rest. A nil *Set uses all defaults. Overrides must
// keep the anchor markers their parsers expect.
type Set struct {
	Overview          string `yaml:"overview" json:"overview"`
	Think             string `yaml:"think" json:"think"`
	PickURLs          string `yaml:"pickURLs" json:"pickURLs"`
	Clarify           string `yaml:"clarify" json:"clarify"`
	Plan              string `yaml:"plan" json:"plan"`
	Dossier           string `yaml:"dossier" json:"dossier"`
	DossierAcademic   string `yaml:"dossierAcademic" json:"dossierAcademic"`
	Synthesis         string `yaml:"synthesis" json:"synthesis"`
	SynthesisAcademic string `yaml:"synthesisAcademic" json:"synthesisAcademic"`
}

// DossierInput is the (point, text) pair the synthesis builder consumes.
type DossierInput struct {
	Point string
	Text  string
}

// LanguageName resolves an ISO 639 code to its English display name for
// prompt text, e.g. "de" becomes "German". Unparseable codes pass through
// unchanged.
func LanguageName(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

// capInput bounds text before any parsing work.
func capInput(text string, max int) string {
	if len(text) > max {
		return text[:max]
	}
	return text
}

// clipRunes shortens s to at most n runes. Model snippets and titles are
// UTF-8, so byte slicing could split a sequence.
func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// learningsBlock renders previous dossier findings for the think and
// pick-URLs prompts. Empty input yields an empty block so the surrounding
// template stays clean.
func learningsBlock(previousLearnings []string) string {
	var kept []string
	for _, l := range previousLearnings {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, strings.TrimSpace(l))
		}
	}
	if len(kept) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n## PREVIOUS FINDINGS (from earlier dossiers)\n\n")
	b.WriteString("IMPORTANT:\n")
	b.WriteString("- If URLs are recommended here → PRIORITIZE them!\n")
	b.WriteString("- If topics are marked as \"important\" here → search specifically for them!\n")
	b.WriteString("- Select URLs that provide NEW information, not the same again!\n")
	b.WriteString("- Avoid duplicates to already scraped URLs!\n\n")
	for i, l := range kept {
		if i > 0 {
			b.WriteString("\n\n---\n")
		}
		b.WriteString("**Dossier ")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(":**\n")
		b.WriteString(l)
	}
	b.WriteString("\n")
	return b.String()
}

// sourceLineRe matches one "[N] url - description" line inside a sources
// block.
var sourceLineRe = regexp.MustCompile(`^\[(\d+)\]\s+(.+)$`)

// parseSourcesBlock extracts the citations between "=== SOURCES ===" and
// "=== END SOURCES ===". Lines that do not match the [N] shape are
// ignored; numbers outside 1..99999 are dropped.
func parseSourcesBlock(text string) map[int]string {
	citations := make(map[int]string)
	start := strings.Index(text, "=== SOURCES ===")
	if start < 0 {
		return citations
	}
	rest := text[start+len("=== SOURCES ==="):]
	if end := strings.Index(rest, "=== END SOURCES ==="); end >= 0 {
		rest = rest[:end]
	}
	for _, line := range strings.Split(rest, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := sourceLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > maxSourceNumber {
			continue
		}
		citations[n] = strings.TrimSpace(m[2])
	}
	return citations
}
