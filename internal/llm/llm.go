// Package llm makes chat-completion calls against the supported model
// providers behind one Client interface. Four providers speak the OpenAI
// wire shape and differ only in endpoint and headers; Anthropic has its own
// request and response layout. Retry policy belongs to callers, not here.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Supported provider names.
const (
	ProviderOpenRouter  = "openrouter"
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderGoogle      = "google"
	ProviderHuggingFace = "huggingface"
)

// endpoints are the full chat endpoints per provider. Google exposes an
// OpenAI-compatible surface under /v1beta/openai.
var endpoints = map[string]string{
	ProviderOpenRouter:  "https://openrouter.ai/api/v1/chat/completions",
	ProviderOpenAI:      "https://api.openai.com/v1/chat/completions",
	ProviderAnthropic:   "https://api.anthropic.com/v1/messages",
	ProviderGoogle:      "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions",
	ProviderHuggingFace: "https://api-inference.huggingface.co/v1/chat/completions",
}

// defaultTemperature applies to every OpenAI-shaped request. Anthropic
// requests carry no temperature at all.
const defaultTemperature = 0.3

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request describes a single model call. Timeout is the per-call budget;
// the call also respects cancellation of the surrounding context.
type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
	Timeout   time.Duration
}

// Result is the assistant reply. Raw keeps the provider payload for
// callers that want to inspect usage or finish reasons. An empty Content
// with a nil error means the model genuinely answered nothing.
type Result struct {
	Content string
	Raw     json.RawMessage
}

// Client calls one provider with one key. Implementations are safe for
// concurrent use.
type Client interface {
	Call(ctx context.Context, req Request) (Result, error)
	Provider() string
}

// ErrTimeout reports that the provider did not answer within the per-call
// budget.
var ErrTimeout = errors.New("LLM timeout")

// HTTPError is a non-2xx reply from the provider.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Option adjusts client construction.
type Option func(*options)

type options struct {
	endpoint string
	httpc    *http.Client
}

// WithEndpoint replaces the provider's default endpoint with a full URL,
// for stubs and proxies.
func WithEndpoint(u string) Option {
	return func(o *options) { o.endpoint = u }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpc = c }
}

// New returns a Client for the named provider.
func New(provider, apiKey string, opts ...Option) (Client, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	endpoint, ok := endpoints[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
	if o.endpoint != "" {
		endpoint = o.endpoint
	}
	if provider == ProviderAnthropic {
		return newAnthropic(apiKey, endpoint, o.httpc), nil
	}
	return newOpenAIShaped(provider, apiKey, endpoint, o.httpc), nil
}

// drillErrorMessage pulls error.message out of a provider error body,
// falling back to the first 300 bytes of the body text.
func drillErrorMessage(status int, body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 300 {
		text = text[:300]
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return text
}

// timedOut reports whether err is any flavor of deadline expiry.
func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr interface{ Timeout() bool }
	return errors.As(err, &nerr) && nerr.Timeout()
}
