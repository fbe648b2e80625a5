package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// openAIShaped serves openrouter, openai, google, and huggingface through
// the go-openai client with the base URL swapped per provider.
type openAIShaped struct {
	provider string
	inner    *openai.Client
}

func newOpenAIShaped(provider, apiKey, endpoint string, httpc *http.Client) *openAIShaped {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(endpoint, "/chat/completions")
	if httpc == nil {
		httpc = &http.Client{}
	}
	if provider == ProviderGoogle {
		// Google's OpenAI-compatible endpoint wants the key in its own
		// header alongside the bearer token.
		httpc = &http.Client{
			Transport: &headerTransport{
				base:    httpc.Transport,
				headers: map[string]string{"x-goog-api-key": apiKey},
			},
			Timeout: httpc.Timeout,
		}
	}
	cfg.HTTPClient = httpc
	return &openAIShaped{provider: provider, inner: openai.NewClientWithConfig(cfg)}
}

func (c *openAIShaped) Provider() string { return c.provider }

func (c *openAIShaped) Call(ctx context.Context, req Request) (Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	log.Debug().
		Str("provider", c.provider).
		Str("model", req.Model).
		Int("max_tokens", req.MaxTokens).
		Msg("llm call")

	resp, err := c.inner.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return Result{}, classifyOpenAIError(err)
	}
	raw, _ := json.Marshal(resp)
	if len(resp.Choices) == 0 {
		return Result{Raw: raw}, nil
	}
	return Result{Content: resp.Choices[0].Message.Content, Raw: raw}, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func classifyOpenAIError(err error) error {
	if timedOut(err) {
		return ErrTimeout
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.HTTPStatusCode)
		}
		return &HTTPError{Status: apiErr.HTTPStatusCode, Message: msg}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &HTTPError{Status: reqErr.HTTPStatusCode, Message: http.StatusText(reqErr.HTTPStatusCode)}
	}
	return fmt.Errorf("LLM call failed: %w", err)
}

// headerTransport sets fixed headers on every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
