package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pelagoslabs/pelagos/internal/cite"
	"github.com/pelagoslabs/pelagos/internal/fetch"
	"github.com/pelagoslabs/pelagos/internal/prompt"
	"github.com/pelagoslabs/pelagos/internal/search"
)

// Event is one progress message from the deep-research stream.
type Event struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Event types emitted during deep research. The stream ends with done;
// error is reserved for the transport layer wrapping the stream.
const (
	EventStatus         = "status"
	EventSources        = "sources"
	EventPointComplete  = "point_complete"
	EventSynthesisStart = "synthesis_start"
	EventDone           = "done"
	EventError          = "error"
)

func status(msg string) Event {
	return Event{Type: EventStatus, Message: msg}
}

// DeepResearch runs stage 5: research every plan point in order, then
// synthesize the final report. Events arrive on the returned channel in
// production order; the channel closes after the terminal done event, or
// without one when ctx is cancelled. Every plan point produces exactly one
// point_complete event, completed or skipped.
func (p *Pipeline) DeepResearch(ctx context.Context, userQuery string, planPoints []string, academic bool) <-chan Event {
	ch := make(chan Event)
	go p.runDeep(ctx, ch, userQuery, planPoints, academic)
	return ch
}

func (p *Pipeline) runDeep(ctx context.Context, ch chan<- Event, userQuery string, planPoints []string, academic bool) {
	defer close(ch)
	start := time.Now()

	emit := func(ev Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	p.State.AdvanceStep(5)
	total := len(planPoints)
	ok := emit(Event{
		Type:    EventStatus,
		Message: fmt.Sprintf("Starting deep research with %d points", total),
		Data:    map[string]any{"total_points": total, "academic_mode": academic},
	})
	if !ok {
		return
	}

	for i, point := range planPoints {
		if ctx.Err() != nil {
			return
		}
		if !p.researchPoint(ctx, emit, userQuery, point, i+1, total, academic) {
			return
		}
	}

	// A cancelled run ends without a done event.
	if ctx.Err() != nil {
		return
	}

	var finalDocument string
	if len(p.State.Dossiers) > 0 {
		ok := emit(Event{
			Type:    EventSynthesisStart,
			Message: "Starting final synthesis...",
			Data: map[string]any{
				"dossier_count": len(p.State.Dossiers),
				"total_sources": len(p.State.SourceRegistry),
			},
		})
		if !ok {
			return
		}
		finalDocument = p.Synthesize(ctx, userQuery, planPoints, academic)
	} else {
		finalDocument = "No dossiers completed."
	}

	duration := time.Since(start).Seconds()
	snapshot, err := p.State.ToJSON()
	if err != nil {
		log.Error().Err(err).Msg("state snapshot failed")
		snapshot = []byte("{}")
	}
	emit(Event{
		Type:    EventDone,
		Message: fmt.Sprintf("Research complete in %.1fs", duration),
		Data: map[string]any{
			"final_document":   finalDocument,
			"total_points":     len(p.State.Dossiers),
			"total_sources":    len(p.State.SourceRegistry),
			"duration_seconds": duration,
			"source_registry":  p.State.AllSources(),
			"session_id":       p.State.SessionID,
			"context":          json.RawMessage(snapshot),
		},
	})
}

// researchPoint runs the think/search/pick/read/dossier chain for one plan
// point. It returns false only when the stream consumer is gone; any
// step coming up empty skips the point with a point_complete event and
// returns true so the loop advances.
func (p *Pipeline) researchPoint(ctx context.Context, emit func(Event) bool, userQuery, point string, k, total int, academic bool) bool {
	if !emit(status(fmt.Sprintf("[%d/%d] Processing: %s...", k, total, clipRunes(point, 50)))) {
		return false
	}
	skip := func(reason string) bool {
		log.Debug().Int("point", k).Str("reason", reason).Msg("point skipped")
		return emit(Event{
			Type:    EventPointComplete,
			Message: fmt.Sprintf("[%d] Skipped - %s", k, reason),
			Data: map[string]any{
				"point_title":  point,
				"point_number": k,
				"total_points": total,
				"skipped":      true,
			},
		})
	}

	thinkSystem, thinkUser := p.Prompts.BuildThink(userQuery, point, p.State.AllLearnings(), p.Language)
	thinkResponse, err := p.callModel(ctx, p.WorkModel, thinkSystem, thinkUser, workTimeout, defaultMaxTokens)
	if err != nil || thinkResponse == "" {
		return skip("no search strategy")
	}
	thinking, queries := prompt.ParseThink(thinkResponse)
	if len(queries) == 0 {
		return skip("no queries")
	}

	if !emit(status(fmt.Sprintf("[%d] Searching (%d queries)...", k, len(queries)))) {
		return false
	}
	results := p.Search.ExecuteSearches(ctx, queries, searchPerQueryDeep)
	if search.TotalHits(results) == 0 {
		return skip("no results")
	}

	if !emit(status(fmt.Sprintf("[%d] Selecting sources...", k))) {
		return false
	}
	formatted := prompt.FormatSearchResults(queries, results)
	pickSystem, pickUser := p.Prompts.BuildPickURLs(userQuery, point, thinking, formatted, p.State.AllLearnings())
	pickResponse, err := p.callModel(ctx, p.WorkModel, pickSystem, pickUser, workTimeout, defaultMaxTokens)
	var urls []string
	if err == nil && pickResponse != "" {
		urls, _ = prompt.ParsePicked(pickResponse, p.allowPrivate())
		if len(urls) == 0 {
			urls = p.screenURLs(prompt.FallbackURLs(pickResponse))
		}
	}
	if len(urls) == 0 {
		return skip("no sources")
	}
	ok := emit(Event{
		Type:    EventSources,
		Message: fmt.Sprintf("[%d] %d sources", k, len(urls)),
		Data:    map[string]any{"urls": urls},
	})
	if !ok {
		return false
	}

	if !emit(status(fmt.Sprintf("[%d] Reading sources...", k))) {
		return false
	}
	pages, fetched := p.Fetch.FetchBatch(ctx, urls, deepFetchTimeout, fetch.DefaultBatchRetries)
	if len(fetched) == 0 {
		return skip("no content")
	}

	if !emit(status(fmt.Sprintf("[%d] Creating dossier...", k))) {
		return false
	}
	scraped := prompt.FormatScrapedContent(fetched, pages, scrapedCapDossier)
	dossierSystem, dossierUser := p.Prompts.BuildDossier(userQuery, point, thinking, scraped, academic)
	dossierResponse, err := p.callModel(ctx, p.WorkModel, dossierSystem, dossierUser, dossierTimeout, dossierMaxTokens)
	if err != nil || dossierResponse == "" {
		return skip("no dossier")
	}
	text, learnings, citations := prompt.ParseDossier(dossierResponse)

	// The dossier cites sources by their position in the scraped batch.
	// Register the batch globally and rewrite every [n] to its global
	// number in one pass, learnings included.
	assigned := p.State.RegisterSources(fetched)
	globalByURL := make(map[string]int, len(assigned))
	for n, u := range assigned {
		globalByURL[u] = n
	}
	mapping := make(map[int]int, len(fetched))
	for i, u := range fetched {
		if n, ok := globalByURL[u]; ok {
			mapping[i+1] = n
		}
	}
	text = cite.Rewrite(text, mapping)
	learnings = cite.Rewrite(learnings, mapping)
	if miss := cite.Missing(text, p.State.SourceRegistry); len(miss) > 0 {
		log.Warn().Ints("numbers", miss).Int("point", k).Msg("dossier cites unregistered sources")
	}

	p.State.AddDossier(point, text, fetched, learnings)

	return emit(Event{
		Type:    EventPointComplete,
		Message: fmt.Sprintf("[%d] Complete", k),
		Data: map[string]any{
			"point_title":   point,
			"point_number":  k,
			"total_points":  total,
			"key_learnings": learnings,
			"dossier_full":  text,
			"sources":       fetched,
			"citations":     citations,
		},
	})
}

// Synthesize runs stage 6: the final-report call over every completed
// dossier. A model failure falls back to concatenating the dossiers with
// the source list, so a session that produced dossiers always yields a
// document.
func (p *Pipeline) Synthesize(ctx context.Context, userQuery string, planPoints []string, academic bool) string {
	p.State.AdvanceStep(6)
	inputs := make([]prompt.DossierInput, len(p.State.Dossiers))
	for i, d := range p.State.Dossiers {
		inputs[i] = prompt.DossierInput{Point: d.Point, Text: d.Text}
	}
	system, user := p.Prompts.BuildSynthesis(userQuery, planPoints, inputs, academic, p.Language)
	response, err := p.callModel(ctx, p.FinalModel, system, user, synthesisTimeout, synthesisMaxTokens)
	if err != nil || response == "" {
		log.Warn().Err(err).Msg("synthesis failed, falling back to dossier concatenation")
		var b strings.Builder
		b.WriteString("# Research Results\n\n")
		for _, d := range p.State.Dossiers {
			fmt.Fprintf(&b, "## %s\n\n%s\n\n---\n\n", d.Point, d.Text)
		}
		b.WriteString(p.State.FormatSourcesForReport())
		return b.String()
	}
	report, citations := prompt.ParseSynthesis(response)
	if miss := cite.Missing(report, p.State.SourceRegistry); len(miss) > 0 {
		log.Warn().Ints("numbers", miss).Msg("report cites unregistered sources")
	}
	log.Debug().Int("citations", len(citations)).Msg("synthesis complete")
	return report
}
