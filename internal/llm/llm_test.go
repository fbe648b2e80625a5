package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func openAIReply(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}}},
	}
}

func TestOpenAIShaped_CallShapesRequest(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openAIReply("hello"))
	}))
	defer srv.Close()

	c, err := New(ProviderOpenRouter, "key-1", WithEndpoint(srv.URL+"/v1/chat/completions"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Call(context.Background(), Request{
		Model:     "test-model",
		Messages:  []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}},
		MaxTokens: 123,
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Content != "hello" {
		t.Fatalf("expected content 'hello', got %q", res.Content)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer key-1" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody["model"] != "test-model" {
		t.Fatalf("model not sent: %v", gotBody["model"])
	}
	temp, ok := gotBody["temperature"].(float64)
	if !ok || temp < 0.29 || temp > 0.31 {
		t.Fatalf("expected temperature 0.3, got %v", gotBody["temperature"])
	}
	if mt, _ := gotBody["max_tokens"].(float64); int(mt) != 123 {
		t.Fatalf("expected max_tokens 123, got %v", gotBody["max_tokens"])
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected both messages inline, got %d", len(msgs))
	}
}

func TestOpenAIShaped_GoogleHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openAIReply("ok"))
	}))
	defer srv.Close()

	c, err := New(ProviderGoogle, "gkey", WithEndpoint(srv.URL+"/v1beta/openai/chat/completions"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Call(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "q"}}, MaxTokens: 10, Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotKey != "gkey" {
		t.Fatalf("expected x-goog-api-key to be set, got %q", gotKey)
	}
}

func TestOpenAIShaped_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c, _ := New(ProviderOpenAI, "k", WithEndpoint(srv.URL+"/v1/chat/completions"))
	res, err := c.Call(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "q"}}, MaxTokens: 10, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("empty choices must not be an error, got %v", err)
	}
	if res.Content != "" {
		t.Fatalf("expected empty content, got %q", res.Content)
	}
}

func TestOpenAIShaped_HTTPErrorDrillsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit"}}`))
	}))
	defer srv.Close()

	c, _ := New(ProviderOpenAI, "k", WithEndpoint(srv.URL+"/v1/chat/completions"))
	_, err := c.Call(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "q"}}, MaxTokens: 10, Timeout: 5 * time.Second})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %T: %v", err, err)
	}
	if httpErr.Status != http.StatusTooManyRequests || httpErr.Message != "rate limited" {
		t.Fatalf("unexpected error contents: %v", httpErr)
	}
	if got := httpErr.Error(); got != "HTTP 429: rate limited" {
		t.Fatalf("unexpected error text %q", got)
	}
}

func TestOpenAIShaped_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(openAIReply("late"))
	}))
	defer srv.Close()

	c, _ := New(ProviderOpenAI, "k", WithEndpoint(srv.URL+"/v1/chat/completions"))
	_, err := c.Call(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "q"}}, MaxTokens: 10, Timeout: 30 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if err.Error() != "LLM timeout" {
		t.Fatalf("unexpected timeout text %q", err.Error())
	}
}

func TestAnthropic_CallShapesRequest(t *testing.T) {
	var gotBody map[string]any
	var gotAPIKey, gotVersion, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content": [{"type": "text", "text": "claude says hi"}]}`))
	}))
	defer srv.Close()

	c, err := New(ProviderAnthropic, "akey", WithEndpoint(srv.URL+"/v1/messages"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Call(context.Background(), Request{
		Model:     "claude-x",
		Messages:  []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "hi"}},
		MaxTokens: 64,
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Content != "claude says hi" {
		t.Fatalf("unexpected content %q", res.Content)
	}
	if gotAPIKey != "akey" || gotVersion != anthropicVersion || gotAuth != "Bearer akey" {
		t.Fatalf("headers wrong: key=%q version=%q auth=%q", gotAPIKey, gotVersion, gotAuth)
	}
	if gotBody["system"] != "be brief" {
		t.Fatalf("system prompt not lifted: %v", gotBody["system"])
	}
	if _, has := gotBody["temperature"]; has {
		t.Fatalf("anthropic request must not carry temperature")
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected system message removed from list, got %d messages", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != RoleUser {
		t.Fatalf("expected user message, got %v", first["role"])
	}
}

func TestAnthropic_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "max_tokens required"}}`))
	}))
	defer srv.Close()

	c, _ := New(ProviderAnthropic, "k", WithEndpoint(srv.URL+"/v1/messages"))
	_, err := c.Call(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "q"}}, MaxTokens: 10, Timeout: 5 * time.Second})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %T: %v", err, err)
	}
	if httpErr.Error() != "HTTP 400: max_tokens required" {
		t.Fatalf("unexpected error text %q", httpErr.Error())
	}
}

func TestAnthropic_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"content": []}`))
	}))
	defer srv.Close()

	c, _ := New(ProviderAnthropic, "k", WithEndpoint(srv.URL+"/v1/messages"))
	_, err := c.Call(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "q"}}, MaxTokens: 10, Timeout: 30 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New("bedrock", "k"); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestDrillErrorMessage(t *testing.T) {
	if got := drillErrorMessage(500, []byte(`{"error": {"message": "boom"}}`)); got != "boom" {
		t.Fatalf("expected drilled message, got %q", got)
	}
	if got := drillErrorMessage(502, []byte("bad gateway page")); got != "bad gateway page" {
		t.Fatalf("expected body text fallback, got %q", got)
	}
	if got := drillErrorMessage(503, nil); got != http.StatusText(503) {
		t.Fatalf("expected status text fallback, got %q", got)
	}
}
