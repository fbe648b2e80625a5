// Package state holds the per-session research context: the user query,
// the artifacts each pipeline stage produces, the accumulated key
// learnings, and the session-wide source registry that assigns global
// citation numbers. The JSON form produced by Marshal is the canonical
// representation at rest and on the wire; fields this version does not
// know about survive a load/save round trip untouched.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pelagoslabs/pelagos/internal/search"
)

// Dossier is one completed research point: the plan point it covers, the
// dossier text with globally renumbered citations, and the URLs it drew
// from. PointNumber is the 1-based position at insertion time.
type Dossier struct {
	Point       string   `json:"point"`
	Text        string   `json:"dossier"`
	Sources     []string `json:"sources"`
	PointNumber int      `json:"point_number"`
}

// Context is the research session state. Stages read and mutate it
// through the methods below; the zero value is usable but New gives a
// session id and initialized collections.
type Context struct {
	SessionID     string
	SessionTitle  string
	OriginalQuery string
	CurrentStep   int

	Queries       []string
	URLs          []string
	SearchResults map[string][]search.Result

	ClarificationQuestions []string
	ClarificationAnswers   []string

	PlanPoints  []string
	PlanVersion int

	Dossiers     []Dossier
	KeyLearnings []string

	SourceRegistry map[int]string
	SourceCounter  int

	Language     string
	AcademicMode bool

	// extra preserves JSON fields from newer or foreign writers across a
	// load/save cycle.
	extra map[string]json.RawMessage
}

// New returns a fresh session context with a random id.
func New() *Context {
	return &Context{
		SessionID:      uuid.NewString(),
		SearchResults:  make(map[string][]search.Result),
		SourceRegistry: make(map[int]string),
		SourceCounter:  1,
		Language:       "en",
	}
}

func (c *Context) SetQuery(query string) {
	c.OriginalQuery = query
	log.Debug().Str("session", c.SessionID).Int("len", len(query)).Msg("set original query")
}

// AdvanceStep moves the stage marker forward to step. The marker never
// decreases: re-running an earlier stage (a replan, say) keeps the
// furthest step reached.
func (c *Context) AdvanceStep(step int) {
	if step <= c.CurrentStep {
		return
	}
	c.CurrentStep = step
	log.Debug().Str("session", c.SessionID).Int("step", step).Msg("advanced step")
}

func (c *Context) SetTitle(title string) {
	c.SessionTitle = title
	log.Debug().Str("session", c.SessionID).Str("title", title).Msg("set session title")
}

func (c *Context) SetQueries(queries []string) {
	c.Queries = queries
	log.Debug().Str("session", c.SessionID).Int("count", len(queries)).Msg("set search queries")
}

func (c *Context) SetURLs(urls []string) {
	c.URLs = urls
	log.Debug().Str("session", c.SessionID).Int("count", len(urls)).Msg("set selected urls")
}

func (c *Context) SetSearchResults(results map[string][]search.Result) {
	c.SearchResults = results
	total := 0
	for _, r := range results {
		total += len(r)
	}
	log.Debug().Str("session", c.SessionID).Int("queries", len(results)).Int("results", total).Msg("set search results")
}

func (c *Context) SetClarifications(questions []string) {
	c.ClarificationQuestions = questions
	log.Debug().Str("session", c.SessionID).Int("count", len(questions)).Msg("set clarification questions")
}

func (c *Context) SetAnswers(answers []string) {
	c.ClarificationAnswers = answers
	log.Debug().Str("session", c.SessionID).Int("count", len(answers)).Msg("set clarification answers")
}

// SetPlan replaces the research plan and bumps its version.
func (c *Context) SetPlan(points []string) {
	c.PlanPoints = points
	c.PlanVersion++
	log.Debug().Str("session", c.SessionID).Int("version", c.PlanVersion).Int("points", len(points)).Msg("set research plan")
}

// AddLearnings appends the non-blank entries to the key-learnings list.
// The list is append-only: never reordered, never deduplicated.
func (c *Context) AddLearnings(learnings ...string) {
	for _, l := range learnings {
		if l = strings.TrimSpace(l); l != "" {
			c.KeyLearnings = append(c.KeyLearnings, l)
		}
	}
	log.Debug().Str("session", c.SessionID).Int("total", len(c.KeyLearnings)).Msg("updated key learnings")
}

// PreviousLearnings returns the most recent learnings as bullet lines for
// anti-redundancy context, or the literal "None yet" when there are none.
// A non-positive limit means the default of 5.
func (c *Context) PreviousLearnings(limit int) string {
	if len(c.KeyLearnings) == 0 {
		return "None yet"
	}
	if limit <= 0 {
		limit = 5
	}
	recent := c.KeyLearnings
	if len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	lines := make([]string, len(recent))
	for i, l := range recent {
		lines[i] = "- " + l
	}
	return strings.Join(lines, "\n")
}

// AllLearnings returns a copy of the full key-learnings list.
func (c *Context) AllLearnings() []string {
	out := make([]string, len(c.KeyLearnings))
	copy(out, c.KeyLearnings)
	return out
}

// RegisterSources assigns global citation numbers to urls, in order. A URL
// already in the registry keeps its number; new URLs take the counter
// value and advance it. The returned mapping covers exactly the given
// URLs, new and existing alike.
func (c *Context) RegisterSources(urls []string) map[int]string {
	if c.SourceRegistry == nil {
		c.SourceRegistry = make(map[int]string)
	}
	if c.SourceCounter < 1 {
		c.SourceCounter = 1
	}
	assigned := make(map[int]string, len(urls))
	for _, u := range urls {
		if num, ok := c.numberOf(u); ok {
			assigned[num] = u
			continue
		}
		c.SourceRegistry[c.SourceCounter] = u
		assigned[c.SourceCounter] = u
		c.SourceCounter++
	}
	log.Debug().Str("session", c.SessionID).Int("registered", len(assigned)).Int("total", len(c.SourceRegistry)).Msg("registered sources")
	return assigned
}

func (c *Context) numberOf(url string) (int, bool) {
	for n, u := range c.SourceRegistry {
		if u == url {
			return n, true
		}
	}
	return 0, false
}

// SourceURL resolves a citation number to its URL.
func (c *Context) SourceURL(n int) (string, bool) {
	u, ok := c.SourceRegistry[n]
	return u, ok
}

// AllSources returns a copy of the source registry.
func (c *Context) AllSources() map[int]string {
	out := make(map[int]string, len(c.SourceRegistry))
	for n, u := range c.SourceRegistry {
		out[n] = u
	}
	return out
}

// AddDossier appends a completed dossier, registers its sources, and
// accumulates its learnings. The dossier's point number is its 1-based
// position.
func (c *Context) AddDossier(point, text string, sources []string, learnings string) {
	c.Dossiers = append(c.Dossiers, Dossier{
		Point:       point,
		Text:        text,
		Sources:     sources,
		PointNumber: len(c.Dossiers) + 1,
	})
	c.RegisterSources(sources)
	if learnings != "" {
		c.AddLearnings(learnings)
	}
	log.Debug().Str("session", c.SessionID).Int("dossiers", len(c.Dossiers)).Msg("added dossier")
}

// FormatForLLM renders the whole state as marker-delimited text for a
// model prompt. Sections with no content are omitted; only the last 5
// learnings are included.
func (c *Context) FormatForLLM() string {
	lines := []string{"=== YOUR TASK ===", c.OriginalQuery, ""}

	if len(c.Queries) > 0 {
		lines = append(lines, "=== SEARCH QUERIES ===")
		for i, q := range c.Queries {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, q))
		}
		lines = append(lines, "")
	}
	if len(c.URLs) > 0 {
		lines = append(lines, "=== SELECTED SOURCES ===")
		for i, u := range c.URLs {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, u))
		}
		lines = append(lines, "")
	}
	if len(c.ClarificationQuestions) > 0 {
		lines = append(lines, "=== FOLLOW-UP QUESTIONS ===")
		for i, q := range c.ClarificationQuestions {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, q))
		}
		lines = append(lines, "")
	}
	if len(c.ClarificationAnswers) > 0 {
		lines = append(lines, "=== USER ANSWERS ===")
		for i, a := range c.ClarificationAnswers {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, a))
		}
		lines = append(lines, "")
	}
	if len(c.PlanPoints) > 0 {
		lines = append(lines, fmt.Sprintf("=== RESEARCH PLAN (v%d) ===", c.PlanVersion))
		for i, p := range c.PlanPoints {
			lines = append(lines, fmt.Sprintf("(%d) %s", i+1, p))
		}
		lines = append(lines, "")
	}
	if len(c.KeyLearnings) > 0 {
		lines = append(lines, "=== KEY LEARNINGS ===")
		recent := c.KeyLearnings
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		for _, l := range recent {
			lines = append(lines, "- "+l)
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// FormatPlanForUser renders the plan as markdown for client display.
func (c *Context) FormatPlanForUser() string {
	if len(c.PlanPoints) == 0 {
		return "No research plan available."
	}
	lines := []string{"**Research Plan:**", ""}
	for i, p := range c.PlanPoints {
		lines = append(lines, fmt.Sprintf("(%d) %s", i+1, p))
	}
	return strings.Join(lines, "\n")
}

// FormatDossiersForSynthesis labels and concatenates all dossiers for the
// synthesis prompt.
func (c *Context) FormatDossiersForSynthesis() string {
	if len(c.Dossiers) == 0 {
		return "No dossiers available."
	}
	var lines []string
	for i, d := range c.Dossiers {
		lines = append(lines, fmt.Sprintf("=== DOSSIER %d: %s ===", i+1, d.Point), d.Text, "")
	}
	return strings.Join(lines, "\n")
}

// FormatSourcesForReport renders the registry as a reference list sorted
// by citation number.
func (c *Context) FormatSourcesForReport() string {
	if len(c.SourceRegistry) == 0 {
		return "No sources registered."
	}
	nums := make([]int, 0, len(c.SourceRegistry))
	for n := range c.SourceRegistry {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	lines := []string{"## Sources", ""}
	for _, n := range nums {
		lines = append(lines, fmt.Sprintf("[%d] %s", n, c.SourceRegistry[n]))
	}
	return strings.Join(lines, "\n")
}

// Reset clears all research artifacts for a fresh run, keeping the
// session id, language, and academic mode.
func (c *Context) Reset() {
	c.SessionTitle = ""
	c.OriginalQuery = ""
	c.CurrentStep = 0
	c.Queries = nil
	c.URLs = nil
	c.SearchResults = make(map[string][]search.Result)
	c.ClarificationQuestions = nil
	c.ClarificationAnswers = nil
	c.PlanPoints = nil
	c.PlanVersion = 0
	c.Dossiers = nil
	c.KeyLearnings = nil
	c.SourceRegistry = make(map[int]string)
	c.SourceCounter = 1
	log.Debug().Str("session", c.SessionID).Msg("reset state")
}

// Progress is a summary of how far the session has come.
type Progress struct {
	SessionID         string `json:"session_id"`
	SessionTitle      string `json:"session_title"`
	CurrentStep       int    `json:"current_step"`
	QueriesCount      int    `json:"queries_count"`
	URLsCount         int    `json:"urls_count"`
	PlanPointsCount   int    `json:"plan_points_count"`
	DossiersCompleted int    `json:"dossiers_completed"`
	TotalSources      int    `json:"total_sources"`
	TotalLearnings    int    `json:"total_learnings"`
}

func (c *Context) Progress() Progress {
	return Progress{
		SessionID:         c.SessionID,
		SessionTitle:      c.SessionTitle,
		CurrentStep:       c.CurrentStep,
		QueriesCount:      len(c.Queries),
		URLsCount:         len(c.URLs),
		PlanPointsCount:   len(c.PlanPoints),
		DossiersCompleted: len(c.Dossiers),
		TotalSources:      len(c.SourceRegistry),
		TotalLearnings:    len(c.KeyLearnings),
	}
}
