package search

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultQueryDelay spaces adjacent queries so that public engine
// instances are not hammered.
const DefaultQueryDelay = 1500 * time.Millisecond

// Runner executes a query list serially against one provider. A failed
// query contributes an empty result list and never aborts the run; the
// resulting map is keyed by the original (uncleaned) query strings.
type Runner struct {
	Provider Provider
	Delay    time.Duration

	// sleep is swapped out by tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration)
}

// NewRunner wraps p with the default inter-query delay.
func NewRunner(p Provider) *Runner {
	return &Runner{Provider: p, Delay: DefaultQueryDelay}
}

// ExecuteSearches runs every query in order, up to perQuery results each.
// The delay applies between adjacent queries, not after the last one.
func (r *Runner) ExecuteSearches(ctx context.Context, queries []string, perQuery int) map[string][]Result {
	results := make(map[string][]Result, len(queries))
	for i, query := range queries {
		if ctx.Err() != nil {
			return results
		}
		clean := CleanQuery(query)
		hits, err := r.Provider.Search(ctx, clean, perQuery)
		if err != nil {
			log.Warn().Err(err).Str("query", clean).Msg("search failed")
			hits = nil
		}
		results[query] = hits
		log.Debug().Str("query", clean).Int("hits", len(hits)).Msg("search done")
		if i < len(queries)-1 {
			r.wait(ctx, r.delay())
		}
	}
	return results
}

// TotalHits counts results across all queries.
func TotalHits(results map[string][]Result) int {
	n := 0
	for _, hits := range results {
		n += len(hits)
	}
	return n
}

func (r *Runner) delay() time.Duration {
	if r.Delay > 0 {
		return r.Delay
	}
	return DefaultQueryDelay
}

func (r *Runner) wait(ctx context.Context, d time.Duration) {
	if r.sleep != nil {
		r.sleep(ctx, d)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
