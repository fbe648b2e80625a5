package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pelagoslabs/pelagos/internal/guard"
	"github.com/pelagoslabs/pelagos/internal/prompt"
	"github.com/pelagoslabs/pelagos/internal/search"
)

// Overview runs stage 1: derive a session title and the initial search
// queries from the user's request. On success the sanitized query, title,
// and queries are committed to the state and the stage counter moves to 1.
func (p *Pipeline) Overview(ctx context.Context, userQuery string) (string, []string, error) {
	query := guard.SanitizeInput(userQuery, guard.MaxUserQueryLength, true)
	if query == "" {
		return "", nil, &PrecondError{Stage: "overview", Missing: "a research query"}
	}
	if guard.DetectInjection(query) {
		log.Warn().Str("session", p.State.SessionID).Msg("possible prompt injection in research query")
	}

	system, user := p.Prompts.BuildOverview(query)
	response, err := p.callModel(ctx, p.WorkModel, system, user, workTimeout, defaultMaxTokens)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate overview: %w", err)
	}
	if response == "" {
		return "", nil, errors.New("failed to generate overview")
	}
	title, queries := prompt.ParseOverview(response)

	p.State.SetQuery(query)
	p.State.AdvanceStep(1)
	p.State.SetTitle(title)
	p.State.SetQueries(queries)
	return title, queries, nil
}

// SearchAndPick runs stage 2: execute the overview queries and have the
// model select which hits to read. An empty selection is a valid outcome;
// only finding no search hits at all fails the stage.
func (p *Pipeline) SearchAndPick(ctx context.Context, queries []string) ([]string, error) {
	if len(queries) == 0 {
		queries = p.State.Queries
	}
	if len(queries) == 0 {
		return nil, &PrecondError{Stage: "search", Missing: "search queries"}
	}

	results := p.Search.ExecuteSearches(ctx, queries, searchPerQueryInitial)
	if search.TotalHits(results) == 0 {
		return nil, errors.New("no search results")
	}
	p.State.SetSearchResults(results)
	p.State.AdvanceStep(2)

	formatted := prompt.FormatSearchResults(queries, results)
	system, user := p.Prompts.BuildPickURLs(
		p.State.OriginalQuery,
		"Initial overview",
		"Initial research overview - selecting diverse, high-quality sources.",
		formatted,
		nil,
	)
	response, err := p.callModel(ctx, p.WorkModel, system, user, workTimeout, defaultMaxTokens)

	// A failed or empty pick is tolerated: the session continues with
	// whatever survived, even nothing.
	var urls []string
	if err == nil && response != "" {
		var rejected []string
		urls, rejected = prompt.ParsePicked(response, p.allowPrivate())
		if len(rejected) > 0 {
			log.Debug().Int("rejected", len(rejected)).Msg("model rejected sources")
		}
		if len(urls) == 0 {
			urls = p.screenURLs(prompt.FallbackURLs(response))
		}
	}
	p.State.SetURLs(urls)
	return urls, nil
}

// Clarify runs stage 3: skim the selected sources and draft follow-up
// questions for the user. The questions are returned, not committed; they
// enter the state only when the caller hands them to Plan alongside the
// user's answers.
func (p *Pipeline) Clarify(ctx context.Context, urls []string) (string, int, error) {
	if len(urls) == 0 {
		urls = p.State.URLs
	}
	if len(urls) == 0 {
		return "", 0, &PrecondError{Stage: "clarify", Missing: "selected urls"}
	}
	if len(urls) > clarifyMaxURLs {
		urls = urls[:clarifyMaxURLs]
	}

	pages, order := p.Fetch.FetchBatch(ctx, urls, clarifyFetchTimeout, clarifyFetchRetries)
	if len(order) == 0 {
		return "", 0, errors.New("could not scrape any URLs")
	}

	formatted := prompt.FormatScrapedForClarify(order, pages, scrapedCapClarify)
	system, user := p.Prompts.BuildClarify(p.State.OriginalQuery, formatted)
	response, err := p.callModel(ctx, p.WorkModel, system, user, workTimeout, defaultMaxTokens)
	if err != nil {
		return "", 0, fmt.Errorf("clarification failed: %w", err)
	}
	p.State.AdvanceStep(3)
	return response, len(order), nil
}

// Plan runs stage 4: produce the numbered research plan. Clarification
// questions and answers, when supplied, are committed together with the
// plan; re-planning bumps the plan version.
func (p *Pipeline) Plan(ctx context.Context, answers, questions []string, academic bool) ([]string, error) {
	if p.State.OriginalQuery == "" {
		return nil, &PrecondError{Stage: "plan", Missing: "an original query"}
	}

	system, user := p.Prompts.BuildPlan(p.State.OriginalQuery, questions, answers, academic, p.Language)
	response, err := p.callModel(ctx, p.WorkModel, system, user, workTimeout, defaultMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}
	points := prompt.ParsePlanPoints(response)
	if len(points) == 0 {
		return nil, errors.New("failed to create plan")
	}

	if len(questions) > 0 {
		p.State.SetClarifications(questions)
	}
	if len(answers) > 0 {
		p.State.SetAnswers(answers)
	}
	p.Academic = academic
	p.State.AcademicMode = academic
	p.State.SetPlan(points)
	p.State.AdvanceStep(4)
	return points, nil
}
