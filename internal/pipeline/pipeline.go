// Package pipeline drives a research session through its six stages:
// overview, search-and-pick, clarify, plan, deep research, and synthesis.
// Stages 1-4 are synchronous calls that mutate the session state only
// after their fallible work has succeeded; stage 5 runs as a goroutine
// that reports progress over an event channel and finishes with the
// synthesized report.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pelagoslabs/pelagos/internal/fetch"
	"github.com/pelagoslabs/pelagos/internal/guard"
	"github.com/pelagoslabs/pelagos/internal/llm"
	"github.com/pelagoslabs/pelagos/internal/prompt"
	"github.com/pelagoslabs/pelagos/internal/search"
	"github.com/pelagoslabs/pelagos/internal/state"
)

// Stage call budgets. The work model gets a flat 60s per call; dossier
// writing and the final synthesis run longer and with larger completions.
const (
	workTimeout      = 60 * time.Second
	dossierTimeout   = 120 * time.Second
	synthesisTimeout = 600 * time.Second

	defaultMaxTokens   = 8000
	dossierMaxTokens   = 12000
	synthesisMaxTokens = 32000

	searchPerQueryInitial = 20
	searchPerQueryDeep    = 15

	clarifyMaxURLs      = 15
	clarifyFetchTimeout = 12 * time.Second
	clarifyFetchRetries = 1
	deepFetchTimeout    = 30 * time.Second

	scrapedCapClarify = 3000
	scrapedCapDossier = 10000
)

// Pipeline holds the collaborators for one research session. Fields are
// exported so callers can swap in test doubles; a Pipeline is not safe
// for concurrent stage calls.
type Pipeline struct {
	Client     llm.Client
	WorkModel  string
	FinalModel string
	Search     *search.Runner
	Fetch      *fetch.Client
	State      *state.Context
	Language   string
	Academic   bool
	Prompts    *prompt.Set
}

// New creates a pipeline with a fresh session state. The language and
// academic flag are recorded on both the pipeline and the state so they
// survive persistence.
func New(client llm.Client, workModel, finalModel, language string, academic bool) *Pipeline {
	if language == "" {
		language = "en"
	}
	st := state.New()
	st.Language = language
	st.AcademicMode = academic
	return &Pipeline{
		Client:     client,
		WorkModel:  workModel,
		FinalModel: finalModel,
		State:      st,
		Language:   language,
		Academic:   academic,
	}
}

// Restore adopts a previously saved session state, taking over its
// language and academic mode.
func (p *Pipeline) Restore(st *state.Context) {
	p.State = st
	if st.Language != "" {
		p.Language = st.Language
	}
	p.Academic = st.AcademicMode
}

// PrecondError reports a stage invoked before the state holds its
// prerequisites. The state is left untouched.
type PrecondError struct {
	Stage   string
	Missing string
}

func (e *PrecondError) Error() string {
	return fmt.Sprintf("stage %s requires %s", e.Stage, e.Missing)
}

// callModel issues a single system+user exchange against the given model.
// Transport and timeout failures are logged here; callers decide whether
// they abort the stage or merely skip a step.
func (p *Pipeline) callModel(ctx context.Context, model, system, user string, timeout time.Duration, maxTokens int) (string, error) {
	res, err := p.Client.Call(ctx, llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		MaxTokens: maxTokens,
		Timeout:   timeout,
	})
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("model call failed")
		return "", err
	}
	return res.Content, nil
}

func (p *Pipeline) allowPrivate() bool {
	return p.Fetch != nil && p.Fetch.AllowPrivate
}

// screenURLs re-applies the outbound URL policy. The pick parser already
// screens what it accepts; this covers the regex fallback path, which
// extracts raw URLs without judging them.
func (p *Pipeline) screenURLs(urls []string) []string {
	valid := guard.ValidateURL
	if p.allowPrivate() {
		valid = guard.ValidateURLAllowingPrivate
	}
	var kept []string
	for _, u := range urls {
		if valid(u) {
			kept = append(kept, u)
			continue
		}
		log.Warn().Str("url", u).Msg("fallback url rejected by policy")
	}
	return kept
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
