// Command llmstub serves canned, stage-shaped model responses for demos and
// manual testing. It speaks both the OpenAI chat-completions shape and the
// Anthropic messages shape, so any provider can point here via -llm.base.
// Responses are routed on the format anchors each stage bakes into its
// system prompt and echo URLs found in the user prompt, which keeps the
// pipeline's parsing and citation numbering honest end to end.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type anthropicRequest struct {
	Model    string        `json:"model"`
	System   string        `json:"system"`
	Messages []chatMessage `json:"messages"`
}

func main() {
	addr := os.Getenv("ADDR")
	if strings.TrimSpace(addr) == "" {
		addr = ":8081"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", handleChat)
	mux.HandleFunc("/v1/messages", handleMessages)

	log.Printf("llmstub listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

func handleChat(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	var system, user string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			user = m.Content
		}
	}
	content, ok := respond(system, user)
	if !ok {
		http.Error(w, "unexpected system prompt", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
}

func handleMessages(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req anthropicRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	var user string
	for _, m := range req.Messages {
		if m.Role == "user" {
			user = m.Content
		}
	}
	content, ok := respond(req.System, user)
	if !ok {
		http.Error(w, "unexpected system prompt", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"content": []map[string]string{{"type": "text", "text": content}},
	})
}

// respond routes on the stage anchors. Order matters: the dossier and
// synthesis prompts quote earlier anchors inside their format instructions.
func respond(system, user string) (string, bool) {
	switch {
	case strings.Contains(system, "=== END DOSSIER ==="):
		return dossier(user), true
	case strings.Contains(system, "=== END REPORT ==="):
		return report(user), true
	case strings.Contains(system, `"=== SELECTED ==="`):
		return picked(user), true
	case strings.Contains(system, "=== THINKING ==="):
		return thinking(user), true
	case strings.Contains(system, "=== SESSION TITLE ==="):
		return overview(user), true
	case strings.Contains(system, "clarifying follow-up questions"):
		return "To sharpen the research:\n1. Which use case matters most to you?\n2. Is there a time period to focus on?", true
	case strings.Contains(system, "reproducible research plans"):
		return plan(user), true
	}
	return "", false
}

func overview(user string) string {
	topic := strings.TrimSpace(strings.TrimPrefix(user, "Research request:"))
	title := topic
	if words := strings.Fields(title); len(words) > 6 {
		title = strings.Join(words[:6], " ")
	}
	return fmt.Sprintf("=== SESSION TITLE ===\n%s\n\n=== QUERIES ===\nquery 1: %s\nquery 2: %s overview",
		title, topic, topic)
}

func plan(user string) string {
	topic := lineAfter(user, "## User Query")
	return fmt.Sprintf("(1) Survey the fundamentals of %s.\n\n(2) Compare the main approaches and their tradeoffs.\n\n(3) Collect open problems and current limitations.", topic)
}

func thinking(user string) string {
	task := lineAfter(user, "## Main Task")
	point := lineAfter(user, "## Current Research Point")
	return fmt.Sprintf("=== THINKING ===\nStart broad, then follow the strongest sources for this point.\n\n=== SEARCHES ===\nsearch 1: %s\nsearch 2: %s", task, point)
}

func picked(user string) string {
	urls := urlLines(user, "URL: ")
	if len(urls) == 0 {
		urls = []string{"https://example.com/a"}
	}
	if len(urls) > 3 {
		urls = urls[:3]
	}
	var b strings.Builder
	b.WriteString("=== SELECTED ===")
	for i, u := range urls {
		fmt.Fprintf(&b, "\nurl %d: %s", i+1, u)
	}
	return b.String()
}

func dossier(user string) string {
	urls := scrapedURLs(user)
	if len(urls) == 0 {
		urls = []string{"https://example.com/a"}
	}
	var b strings.Builder
	b.WriteString("The canned sources agree on the fundamentals")
	for i := range urls {
		fmt.Fprintf(&b, " [%d]", i+1)
	}
	b.WriteString(". Numbers below are local to this dossier and get renumbered globally.\n")
	b.WriteString("\n## 💡 KEY LEARNINGS\n- Stub learning: every selected source was readable\n")
	b.WriteString("\n=== SOURCES ===\n")
	for i, u := range urls {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, u)
	}
	b.WriteString("=== END SOURCES ===\n=== END DOSSIER ===")
	return b.String()
}

func report(user string) string {
	task := lineAfter(user, "ORIGINAL TASK:")
	if task == "" {
		task = "the research question"
	}
	return fmt.Sprintf("# Research Report\n\nStub synthesis for %s, grounded in the collected dossiers [1].\n\n## Conclusion\n\nCanned output; point a real provider at the pipeline for substance [1].", task)
}

// lineAfter returns the first non-empty line after the given heading line.
func lineAfter(text, heading string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != heading {
			continue
		}
		for _, next := range lines[i+1:] {
			if s := strings.TrimSpace(next); s != "" {
				return s
			}
		}
	}
	return ""
}

// urlLines collects line remainders after the given prefix, as rendered by
// the search-result formatter.
func urlLines(text, prefix string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			if u := strings.TrimSpace(rest); u != "" {
				out = append(out, u)
			}
		}
	}
	return out
}

// scrapedURLs pulls URLs out of the "=== url ===" block headers the
// scraped-content formatter emits.
func scrapedURLs(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "=== http") && strings.HasSuffix(line, " ===") {
			out = append(out, strings.TrimSuffix(strings.TrimPrefix(line, "=== "), " ==="))
		}
	}
	return out
}
