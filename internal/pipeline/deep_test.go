package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/pelagoslabs/pelagos/internal/llm"
	"github.com/pelagoslabs/pelagos/internal/search"
)

func pickResponse(urls ...string) string {
	var b strings.Builder
	b.WriteString("=== SELECTED ===\n")
	for i, u := range urls {
		fmt.Fprintf(&b, "url %d: %s\n", i+1, u)
	}
	return b.String()
}

func dossierResponse(body, learnings string, sources ...string) string {
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n## 💡 KEY LEARNINGS\n")
	b.WriteString(learnings)
	b.WriteString("\n\n=== SOURCES ===\n")
	for i, u := range sources {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, u)
	}
	b.WriteString("=== END SOURCES ===\n=== END DOSSIER ===")
	return b.String()
}

func collectEvents(ch <-chan Event) []Event {
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

// Two plan points sharing one source. The second dossier cites its pages
// by batch position, so its [1] and [2] must come out renumbered to the
// global registry.
func TestDeepResearchFullRun(t *testing.T) {
	srv := httptest.NewServer(textHandler(map[string]string{
		"/a": longPage + " page a",
		"/b": longPage + " page b",
		"/c": longPage + " page c",
	}))
	defer srv.Close()
	aURL, bURL, cURL := srv.URL+"/a", srv.URL+"/b", srv.URL+"/c"

	pointOne := "Investigate the alpha angle"
	pointTwo := "Survey the beta angle"
	finalReport := "# Grand Report\n\nAll findings combined."

	model := &scriptedModel{respond: func(system, user string) (string, error) {
		switch {
		case strings.Contains(system, "=== END DOSSIER ==="):
			if strings.Contains(user, pointOne) {
				return dossierResponse("Point one findings [1] and double [2].", "- fact from [1]", aURL, bURL), nil
			}
			return dossierResponse("Point two leans on [1] and [2].", "- more from [2]", bURL, cURL), nil
		case strings.Contains(system, "=== END REPORT ==="):
			return finalReport, nil
		case strings.Contains(system, `"=== SELECTED ==="`):
			if strings.Contains(user, pointOne) {
				return pickResponse(aURL, bURL), nil
			}
			return pickResponse(bURL, cURL), nil
		case strings.Contains(system, "=== THINKING ==="):
			if strings.Contains(user, pointOne) {
				return "=== THINKING ===\nLook broadly.\n\n=== SEARCHES ===\nsearch 1: alpha angle", nil
			}
			return "=== THINKING ===\nNow beta.\n\n=== SEARCHES ===\nsearch 1: beta angle", nil
		}
		return "", fmt.Errorf("unrouted system prompt:\n%s", system)
	}}
	provider := &stubSearch{byQuery: map[string][]search.Result{
		"alpha angle": {{Title: "A", URL: aURL, Snippet: "sa"}},
		"beta angle":  {{Title: "B", URL: bURL, Snippet: "sb"}},
	}}
	p := New(model, "work", "final", "en", false)
	p.Search = testRunner(provider)
	p.Fetch = testFetcher(srv)
	p.State.SetQuery("the topic")

	events := collectEvents(p.DeepResearch(context.Background(), "the topic", []string{pointOne, pointTwo}, false))

	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	wantTypes := []string{
		EventStatus,
		EventStatus, EventStatus, EventStatus, EventSources, EventStatus, EventStatus, EventPointComplete,
		EventStatus, EventStatus, EventStatus, EventSources, EventStatus, EventStatus, EventPointComplete,
		EventSynthesisStart, EventDone,
	}
	if !reflect.DeepEqual(types, wantTypes) {
		t.Fatalf("event types = %v\nwant %v", types, wantTypes)
	}

	if events[0].Message != "Starting deep research with 2 points" {
		t.Errorf("start message = %q", events[0].Message)
	}
	if events[1].Message != "[1/2] Processing: "+pointOne+"..." {
		t.Errorf("processing message = %q", events[1].Message)
	}
	if events[2].Message != "[1] Searching (1 queries)..." {
		t.Errorf("searching message = %q", events[2].Message)
	}
	if events[4].Message != "[1] 2 sources" {
		t.Errorf("sources message = %q", events[4].Message)
	}
	if want := []string{aURL, bURL}; !reflect.DeepEqual(events[4].Data["urls"], want) {
		t.Errorf("sources urls = %v", events[4].Data["urls"])
	}

	first := events[7]
	if first.Message != "[1] Complete" {
		t.Errorf("first point message = %q", first.Message)
	}
	if first.Data["point_number"] != 1 || first.Data["total_points"] != 2 || first.Data["point_title"] != pointOne {
		t.Errorf("first point data = %v", first.Data)
	}
	if first.Data["dossier_full"] != "Point one findings [1] and double [2]." {
		t.Errorf("first dossier = %q", first.Data["dossier_full"])
	}
	if first.Data["key_learnings"] != "- fact from [1]" {
		t.Errorf("first learnings = %q", first.Data["key_learnings"])
	}

	second := events[14]
	if second.Data["dossier_full"] != "Point two leans on [2] and [3]." {
		t.Errorf("second dossier not renumbered: %q", second.Data["dossier_full"])
	}
	if second.Data["key_learnings"] != "- more from [3]" {
		t.Errorf("second learnings not renumbered: %q", second.Data["key_learnings"])
	}
	if want := []string{bURL, cURL}; !reflect.DeepEqual(second.Data["sources"], want) {
		t.Errorf("second sources = %v", second.Data["sources"])
	}
	if want := map[int]string{1: bURL, 2: cURL}; !reflect.DeepEqual(second.Data["citations"], want) {
		t.Errorf("second citations = %v", second.Data["citations"])
	}

	synth := events[15]
	if synth.Message != "Starting final synthesis..." || synth.Data["dossier_count"] != 2 || synth.Data["total_sources"] != 3 {
		t.Errorf("synthesis_start = %q %v", synth.Message, synth.Data)
	}

	done := events[16]
	if !strings.HasPrefix(done.Message, "Research complete in ") {
		t.Errorf("done message = %q", done.Message)
	}
	if done.Data["final_document"] != finalReport {
		t.Errorf("final_document = %q", done.Data["final_document"])
	}
	if done.Data["total_points"] != 2 || done.Data["total_sources"] != 3 {
		t.Errorf("done counts = %v", done.Data)
	}
	if done.Data["session_id"] != p.State.SessionID {
		t.Errorf("done session_id = %v", done.Data["session_id"])
	}
	wantRegistry := map[int]string{1: aURL, 2: bURL, 3: cURL}
	if !reflect.DeepEqual(done.Data["source_registry"], wantRegistry) {
		t.Errorf("source_registry = %v", done.Data["source_registry"])
	}
	raw, ok := done.Data["context"].(json.RawMessage)
	if !ok || len(raw) == 0 {
		t.Fatalf("done context = %T", done.Data["context"])
	}
	var snapshot struct {
		SessionID     string `json:"session_id"`
		SourceCounter int    `json:"source_counter"`
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		t.Fatalf("context snapshot: %v", err)
	}
	if snapshot.SessionID != p.State.SessionID || snapshot.SourceCounter != 4 {
		t.Errorf("snapshot = %+v", snapshot)
	}

	if len(p.State.Dossiers) != 2 || p.State.SourceCounter != 4 || p.State.CurrentStep != 6 {
		t.Errorf("state after run: dossiers %d counter %d step %d",
			len(p.State.Dossiers), p.State.SourceCounter, p.State.CurrentStep)
	}
	if !reflect.DeepEqual(p.State.SourceRegistry, wantRegistry) {
		t.Errorf("registry = %v", p.State.SourceRegistry)
	}
	if want := []string{"- fact from [1]", "- more from [3]"}; !reflect.DeepEqual(p.State.KeyLearnings, want) {
		t.Errorf("learnings = %v", p.State.KeyLearnings)
	}

	// The second think call must see what the first point learned.
	var thinkUsers []string
	for _, call := range model.calls {
		system, user := splitMessages(call)
		if strings.Contains(system, "=== THINKING ===") && !strings.Contains(system, `"=== SELECTED ==="`) {
			thinkUsers = append(thinkUsers, user)
		}
	}
	if len(thinkUsers) != 2 || !strings.Contains(thinkUsers[1], "fact from [1]") {
		t.Errorf("second think prompt missing previous learnings (%d think calls)", len(thinkUsers))
	}
}

func TestDeepResearchSkips(t *testing.T) {
	srv := httptest.NewServer(textHandler(map[string]string{"/ok": longPage}))
	defer srv.Close()
	okURL := srv.URL + "/ok"
	goneURL := srv.URL + "/gone"

	goodThink := "=== THINKING ===\nplan\n\n=== SEARCHES ===\nsearch 1: the query"
	oneHit := map[string][]search.Result{"the query": {{Title: "T", URL: okURL, Snippet: "s"}}}

	cases := []struct {
		name    string
		reason  string
		hits    map[string][]search.Result
		respond func(system, user string) (string, error)
	}{
		{
			name:   "think fails",
			reason: "no search strategy",
			respond: func(string, string) (string, error) {
				return "", errors.New("model down")
			},
		},
		{
			name:   "no queries parsed",
			reason: "no queries",
			respond: func(string, string) (string, error) {
				return "=== THINKING ===\nnothing actionable here", nil
			},
		},
		{
			name:   "empty search",
			reason: "no results",
			respond: func(string, string) (string, error) {
				return goodThink, nil
			},
		},
		{
			name:   "pick yields nothing",
			reason: "no sources",
			hits:   oneHit,
			respond: func(system, _ string) (string, error) {
				if strings.Contains(system, `"=== SELECTED ==="`) {
					return "No suitable sources found.", nil
				}
				return goodThink, nil
			},
		},
		{
			name:   "nothing fetched",
			reason: "no content",
			hits:   oneHit,
			respond: func(system, _ string) (string, error) {
				if strings.Contains(system, `"=== SELECTED ==="`) {
					return pickResponse(goneURL), nil
				}
				return goodThink, nil
			},
		},
		{
			name:   "dossier fails",
			reason: "no dossier",
			hits:   oneHit,
			respond: func(system, _ string) (string, error) {
				switch {
				case strings.Contains(system, "=== END DOSSIER ==="):
					return "", errors.New("model down")
				case strings.Contains(system, `"=== SELECTED ==="`):
					return pickResponse(okURL), nil
				}
				return goodThink, nil
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(&scriptedModel{respond: tc.respond}, "work", "final", "en", false)
			p.Search = testRunner(&stubSearch{byQuery: tc.hits})
			p.Fetch = testFetcher(srv)
			p.State.SetQuery("topic")

			events := collectEvents(p.DeepResearch(context.Background(), "topic", []string{"only point"}, false))

			var skipped, completed, synth int
			var skip Event
			for _, ev := range events {
				switch ev.Type {
				case EventPointComplete:
					if b, _ := ev.Data["skipped"].(bool); b {
						skipped++
						skip = ev
					} else {
						completed++
					}
				case EventSynthesisStart:
					synth++
				}
			}
			if skipped != 1 || completed != 0 || synth != 0 {
				t.Fatalf("skipped %d completed %d synthesis %d, events %v", skipped, completed, synth, events)
			}
			if want := "[1] Skipped - " + tc.reason; skip.Message != want {
				t.Errorf("skip message = %q, want %q", skip.Message, want)
			}
			if skip.Data["point_number"] != 1 || skip.Data["total_points"] != 1 || skip.Data["point_title"] != "only point" {
				t.Errorf("skip data = %v", skip.Data)
			}

			done := events[len(events)-1]
			if done.Type != EventDone {
				t.Fatalf("last event = %s", done.Type)
			}
			if done.Data["final_document"] != "No dossiers completed." {
				t.Errorf("final_document = %q", done.Data["final_document"])
			}
			if done.Data["total_points"] != 0 {
				t.Errorf("total_points = %v", done.Data["total_points"])
			}
			if len(p.State.Dossiers) != 0 {
				t.Errorf("dossiers stored on skip: %v", p.State.Dossiers)
			}
		})
	}
}

// blockingModel parks every call on the context so a test can cancel a
// run at a known position.
type blockingModel struct {
	started chan struct{}
	once    sync.Once
}

func (m *blockingModel) Call(ctx context.Context, _ llm.Request) (llm.Result, error) {
	m.once.Do(func() { close(m.started) })
	<-ctx.Done()
	return llm.Result{}, ctx.Err()
}

func (m *blockingModel) Provider() string { return "blocking" }

func TestDeepResearchCancelEndsWithoutDone(t *testing.T) {
	model := &blockingModel{started: make(chan struct{})}
	p := New(model, "work", "final", "en", false)
	p.State.SetQuery("topic")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := p.DeepResearch(ctx, "topic", []string{"p1", "p2"}, false)
	go func() {
		<-model.started
		cancel()
	}()

	events := collectEvents(ch)
	if len(events) < 2 {
		t.Fatalf("events before cancel = %d, want at least start and processing", len(events))
	}
	for _, ev := range events {
		if ev.Type == EventDone {
			t.Errorf("done emitted after cancellation")
		}
	}
}

// gatedModel answers from respond until gate matches a call, then parks
// that call on the context and signals reached.
type gatedModel struct {
	respond func(system, user string) (string, error)
	gate    func(system, user string) bool
	reached chan struct{}
	once    sync.Once
}

func (m *gatedModel) Call(ctx context.Context, req llm.Request) (llm.Result, error) {
	system, user := splitMessages(req)
	if m.gate(system, user) {
		m.once.Do(func() { close(m.reached) })
		<-ctx.Done()
		return llm.Result{}, ctx.Err()
	}
	content, err := m.respond(system, user)
	if err != nil {
		return llm.Result{}, err
	}
	return llm.Result{Content: content}, nil
}

func (m *gatedModel) Provider() string { return "gated" }

// Cancelling between points ends the stream without done while keeping
// the first point's committed dossier.
func TestDeepResearchCancelAfterFirstPointKeepsDossier(t *testing.T) {
	srv := httptest.NewServer(textHandler(map[string]string{"/a": longPage + " page a"}))
	defer srv.Close()
	aURL := srv.URL + "/a"

	pointOne := "Investigate the alpha angle"
	pointTwo := "Survey the beta angle"
	model := &gatedModel{
		reached: make(chan struct{}),
		gate: func(system, user string) bool {
			return strings.Contains(system, "=== THINKING ===") && strings.Contains(user, pointTwo)
		},
		respond: func(system, user string) (string, error) {
			switch {
			case strings.Contains(system, "=== END DOSSIER ==="):
				return dossierResponse("Alpha findings [1].", "- alpha fact", aURL), nil
			case strings.Contains(system, `"=== SELECTED ==="`):
				return pickResponse(aURL), nil
			case strings.Contains(system, "=== THINKING ==="):
				return "=== THINKING ===\nLook broadly.\n\n=== SEARCHES ===\nsearch 1: alpha angle", nil
			}
			return "", fmt.Errorf("unrouted system prompt:\n%s", system)
		},
	}
	provider := &stubSearch{byQuery: map[string][]search.Result{
		"alpha angle": {{Title: "A", URL: aURL, Snippet: "sa"}},
	}}
	p := New(model, "work", "final", "en", false)
	p.Search = testRunner(provider)
	p.Fetch = testFetcher(srv)
	p.State.SetQuery("the topic")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := p.DeepResearch(ctx, "the topic", []string{pointOne, pointTwo}, false)
	go func() {
		<-model.reached
		cancel()
	}()

	// The cancelled second point may or may not get its skip event onto
	// the channel; only the completed first point is guaranteed.
	var completed int
	for _, ev := range collectEvents(ch) {
		switch ev.Type {
		case EventDone:
			t.Errorf("done emitted after cancellation")
		case EventSynthesisStart:
			t.Errorf("synthesis started after cancellation")
		case EventPointComplete:
			if skipped, _ := ev.Data["skipped"].(bool); !skipped {
				completed++
			}
		}
	}
	if completed != 1 {
		t.Errorf("completed points = %d, want 1", completed)
	}
	if len(p.State.Dossiers) != 1 {
		t.Fatalf("dossiers = %d, want 1", len(p.State.Dossiers))
	}
	if p.State.CurrentStep != 5 {
		t.Errorf("CurrentStep = %d, want 5", p.State.CurrentStep)
	}
}

func TestSynthesizeFallsBackToDossierConcat(t *testing.T) {
	model := &scriptedModel{respond: func(string, string) (string, error) {
		return "", errors.New("model down")
	}}
	p := New(model, "work", "final", "en", false)
	p.State.SetQuery("topic")
	p.State.AddDossier("First point", "Alpha findings [1].", []string{"https://example.com/a"}, "- alpha fact")
	p.State.AddDossier("Second point", "Beta findings [2].", []string{"https://example.com/b"}, "- beta fact")

	doc := p.Synthesize(context.Background(), "topic", []string{"First point", "Second point"}, false)
	want := "# Research Results\n\n" +
		"## First point\n\nAlpha findings [1].\n\n---\n\n" +
		"## Second point\n\nBeta findings [2].\n\n---\n\n" +
		"## Sources\n\n[1] https://example.com/a\n[2] https://example.com/b"
	if doc != want {
		t.Errorf("fallback document:\n%q\nwant:\n%q", doc, want)
	}
	if p.State.CurrentStep != 6 {
		t.Errorf("CurrentStep = %d, want 6", p.State.CurrentStep)
	}
}
