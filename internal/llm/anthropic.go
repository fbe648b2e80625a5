package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// anthropicVersion is the API revision this client speaks.
const anthropicVersion = "2023-06-01"

// anthropicClient talks to the Anthropic messages endpoint directly. The
// wire shape differs from OpenAI's: the system prompt is a top-level field,
// there is no temperature, and the reply text lives in content[0].text.
type anthropicClient struct {
	apiKey   string
	endpoint string
	httpc    *http.Client
}

func newAnthropic(apiKey, endpoint string, httpc *http.Client) *anthropicClient {
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &anthropicClient{apiKey: apiKey, endpoint: endpoint, httpc: httpc}
}

func (c *anthropicClient) Provider() string { return ProviderAnthropic }

type anthropicRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *anthropicClient) Call(ctx context.Context, req Request) (Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	log.Debug().
		Str("provider", ProviderAnthropic).
		Str("model", req.Model).
		Int("max_tokens", req.MaxTokens).
		Msg("llm call")

	body := anthropicRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if body.System == "" {
				body.System = m.Content
			}
			continue
		}
		body.Messages = append(body.Messages, m)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("LLM call failed: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("LLM call failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if timedOut(err) {
			return Result{}, ErrTimeout
		}
		return Result{}, fmt.Errorf("LLM call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if timedOut(err) {
			return Result{}, ErrTimeout
		}
		return Result{}, fmt.Errorf("LLM call failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &HTTPError{Status: resp.StatusCode, Message: drillErrorMessage(resp.StatusCode, raw)}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("LLM call failed: %w", err)
	}
	if len(parsed.Content) == 0 {
		return Result{Raw: raw}, nil
	}
	return Result{Content: parsed.Content[0].Text, Raw: raw}, nil
}
