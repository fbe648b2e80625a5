package state

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"github.com/pelagoslabs/pelagos/internal/search"
)

// ToJSON serializes the context into its canonical document.
func (c *Context) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// FromJSON restores a context from a canonical document.
func FromJSON(data []byte) (*Context, error) {
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// contextJSON is the canonical wire layout. Registry keys serialize as
// strings so the JSON travels through text-oriented stores unchanged.
type contextJSON struct {
	SessionID              string                     `json:"session_id"`
	SessionTitle           string                     `json:"session_title"`
	OriginalQuery          string                     `json:"original_query"`
	CurrentStep            int                        `json:"current_step"`
	Queries                []string                   `json:"queries"`
	URLs                   []string                   `json:"urls"`
	SearchResults          map[string][]search.Result `json:"search_results"`
	ClarificationQuestions []string                   `json:"clarification_questions"`
	ClarificationAnswers   []string                   `json:"clarification_answers"`
	PlanPoints             []string                   `json:"plan_points"`
	PlanVersion            int                        `json:"plan_version"`
	Dossiers               []Dossier                  `json:"dossiers"`
	KeyLearnings           []string                   `json:"key_learnings"`
	SourceRegistry         map[string]string          `json:"source_registry"`
	SourceCounter          int                        `json:"source_counter"`
	Language               string                     `json:"language"`
	AcademicMode           bool                       `json:"academic_mode"`
}

// knownKeys are the canonical field names; anything else in an incoming
// document is preserved verbatim for the next save.
var knownKeys = []string{
	"session_id", "session_title", "original_query", "current_step",
	"queries", "urls", "search_results",
	"clarification_questions", "clarification_answers",
	"plan_points", "plan_version", "dossiers", "key_learnings",
	"source_registry", "source_counter", "language", "academic_mode",
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// MarshalJSON emits the canonical layout. Collections always serialize as
// empty rather than null, and preserved unknown fields are merged back in.
func (c *Context) MarshalJSON() ([]byte, error) {
	counter := c.SourceCounter
	if counter < 1 {
		counter = 1
	}
	registry := make(map[string]string, len(c.SourceRegistry))
	for n, u := range c.SourceRegistry {
		registry[strconv.Itoa(n)] = u
	}
	results := c.SearchResults
	if results == nil {
		results = map[string][]search.Result{}
	}
	known, err := json.Marshal(contextJSON{
		SessionID:              c.SessionID,
		SessionTitle:           c.SessionTitle,
		OriginalQuery:          c.OriginalQuery,
		CurrentStep:            c.CurrentStep,
		Queries:                orEmpty(c.Queries),
		URLs:                   orEmpty(c.URLs),
		SearchResults:          results,
		ClarificationQuestions: orEmpty(c.ClarificationQuestions),
		ClarificationAnswers:   orEmpty(c.ClarificationAnswers),
		PlanPoints:             orEmpty(c.PlanPoints),
		PlanVersion:            c.PlanVersion,
		Dossiers:               orEmpty(c.Dossiers),
		KeyLearnings:           orEmpty(c.KeyLearnings),
		SourceRegistry:         registry,
		SourceCounter:          counter,
		Language:               c.Language,
		AcademicMode:           c.AcademicMode,
	})
	if err != nil || len(c.extra) == 0 {
		return known, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON restores a context from its canonical layout. Missing
// fields take their defaults, string registry keys become ints again, and
// the counter is advanced past the highest registered number if the
// document understates it.
func (c *Context) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var mirror contextJSON
	if err := json.Unmarshal(data, &mirror); err != nil {
		return err
	}

	registry := make(map[int]string, len(mirror.SourceRegistry))
	maxKey := 0
	for k, u := range mirror.SourceRegistry {
		n, err := strconv.Atoi(k)
		if err != nil || n < 1 {
			continue
		}
		registry[n] = u
		if n > maxKey {
			maxKey = n
		}
	}
	counter := mirror.SourceCounter
	if counter < 1 {
		counter = 1
	}
	if counter <= maxKey {
		counter = maxKey + 1
	}

	c.SessionID = mirror.SessionID
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	c.SessionTitle = mirror.SessionTitle
	c.OriginalQuery = mirror.OriginalQuery
	c.CurrentStep = mirror.CurrentStep
	c.Queries = mirror.Queries
	c.URLs = mirror.URLs
	c.SearchResults = mirror.SearchResults
	if c.SearchResults == nil {
		c.SearchResults = map[string][]search.Result{}
	}
	c.ClarificationQuestions = mirror.ClarificationQuestions
	c.ClarificationAnswers = mirror.ClarificationAnswers
	c.PlanPoints = mirror.PlanPoints
	c.PlanVersion = mirror.PlanVersion
	c.Dossiers = mirror.Dossiers
	c.KeyLearnings = mirror.KeyLearnings
	c.SourceRegistry = registry
	c.SourceCounter = counter
	c.Language = mirror.Language
	if c.Language == "" {
		c.Language = "en"
	}
	c.AcademicMode = mirror.AcademicMode

	for _, k := range knownKeys {
		delete(raw, k)
	}
	c.extra = nil
	if len(raw) > 0 {
		c.extra = raw
	}
	return nil
}
