// Package fetch retrieves web pages over HTTP and reduces them to readable
// text for the research stages. Every URL is screened by the guard policy
// first; responses are size-capped, content-type gated, and retried with
// jittered exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/pelagoslabs/pelagos/internal/cache"
	"github.com/pelagoslabs/pelagos/internal/extract"
	"github.com/pelagoslabs/pelagos/internal/guard"
)

// Limits protecting memory and remote hosts.
const (
	MaxURLsPerBatch   = 100
	MaxResponseSize   = 10_000_000
	MaxCharsPerPage   = 50_000
	MinRateLimitDelay = 500 * time.Millisecond
)

// Retry defaults. Retries count additional attempts after the first.
const (
	MaxRetries          = 3
	DefaultBatchRetries = 2
)

// Backoff bounds in seconds.
const (
	initialBackoff    = 1.0
	maxBackoff        = 30.0
	backoffMultiplier = 2.0
)

// minUsefulChars is the least trimmed text a batch page must yield to count
// as fetched. Shorter pages are bot walls, empty shells, or redirects.
const minUsefulChars = 50

// DefaultUserAgent presents as a desktop browser. Several research-worthy
// sites serve reduced or empty pages to obvious bots.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0"

// allowedContentTypes are the base media types worth reading. A missing
// Content-Type header passes the gate.
var allowedContentTypes = map[string]struct{}{
	"text/html":             {},
	"text/plain":            {},
	"application/xhtml+xml": {},
	"application/xml":       {},
	"text/xml":              {},
}

// Client fetches pages. The zero value works with defaults; fields tune it.
type Client struct {
	// HTTPClient issues the requests. nil means http.DefaultClient;
	// per-attempt timeouts come from the Fetch arguments.
	HTTPClient *http.Client
	// UserAgent overrides DefaultUserAgent when non-empty.
	UserAgent string
	// AllowPrivate skips the private-host and private-IP screening so
	// local stub servers are reachable. Development only.
	AllowPrivate bool
	// Cache, when non-nil, persists extracted text per URL across runs.
	Cache *cache.PageCache
	// Limiter paces batch request starts. nil means one start per
	// MinRateLimitDelay.
	Limiter *rate.Limiter

	// rng and sleep are replaced in tests to pin backoff timing.
	rng   func() float64
	sleep func(context.Context, time.Duration) error

	initOnce sync.Once
}

func (c *Client) init() {
	c.initOnce.Do(func() {
		if c.rng == nil {
			c.rng = rand.Float64
		}
		if c.sleep == nil {
			c.sleep = sleepContext
		}
		if c.Limiter == nil {
			c.Limiter = rate.NewLimiter(rate.Every(MinRateLimitDelay), 1)
		}
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the pause before the retry following the given zero-based
// attempt: exponential growth capped at 30 s, with a ±25% uniform jitter,
// floored at 100 ms.
func (c *Client) Backoff(attempt int) time.Duration {
	c.init()
	delay := math.Min(initialBackoff*math.Pow(backoffMultiplier, float64(attempt)), maxBackoff)
	jitter := delay * 0.25 * (2*c.rng() - 1)
	return time.Duration(math.Max(0.1, delay+jitter) * float64(time.Second))
}

func (c *Client) validURL(raw string) bool {
	if c.AllowPrivate {
		return guard.ValidateURLAllowingPrivate(raw)
	}
	return guard.ValidateURL(raw)
}

// Fetch retrieves one page and returns its readable text. timeout bounds
// each attempt; retries counts extra attempts after the first. DNS
// resolution failures, policy blocks, and non-5xx HTTP errors end the loop
// early.
func (c *Client) Fetch(ctx context.Context, rawURL string, timeout time.Duration, retries int) (string, error) {
	c.init()
	if !c.validURL(rawURL) {
		return "", fmt.Errorf("URL blocked for security: %s", clip(rawURL, 50))
	}
	return c.fetchRetry(ctx, rawURL, timeout, retries, 0)
}

// FetchBatch retrieves urls sequentially, pacing request starts at least
// MinRateLimitDelay apart and keeping only pages whose trimmed text exceeds
// 50 characters. It returns the text per URL plus the kept URLs in input
// order; the second value is what downstream numbering is built from.
func (c *Client) FetchBatch(ctx context.Context, urls []string, timeout time.Duration, retriesPerURL int) (map[string]string, []string) {
	c.init()
	results := make(map[string]string)
	if len(urls) == 0 {
		return results, nil
	}
	if len(urls) > MaxURLsPerBatch {
		log.Warn().Int("requested", len(urls)).Int("kept", MaxURLsPerBatch).Msg("URL list truncated")
		urls = urls[:MaxURLsPerBatch]
	}
	var safe []string
	for _, u := range urls {
		if c.validURL(u) {
			safe = append(safe, u)
		}
	}
	if blocked := len(urls) - len(safe); blocked > 0 {
		log.Warn().Int("blocked", blocked).Msg("unsafe URLs dropped")
	}
	if len(safe) == 0 {
		return results, nil
	}

	total := len(safe)
	log.Info().Int("urls", total).Msg("fetching pages")
	var order []string
	for i, u := range safe {
		if err := c.Limiter.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("fetch batch aborted")
			break
		}
		start := time.Now()
		text, err := c.fetchRetry(ctx, u, timeout, retriesPerURL, minUsefulChars)
		if err != nil {
			log.Warn().Int("index", i+1).Int("total", total).Str("url", clip(u, 50)).Err(err).Msg("fetch failed")
			continue
		}
		text = Truncate(text, MaxCharsPerPage)
		results[u] = text
		order = append(order, u)
		log.Info().Int("index", i+1).Int("total", total).Int("chars", len(text)).
			Dur("elapsed", time.Since(start)).Msg("fetched")
	}
	// The batch owns the client; release pooled connections on the way out.
	c.HTTPClient.CloseIdleConnections()
	return results, order
}

// fetchRetry runs the per-URL attempt loop. minChars > 0 additionally
// requires that much trimmed text, retrying thin pages.
func (c *Client) fetchRetry(ctx context.Context, rawURL string, timeout time.Duration, retries, minChars int) (string, error) {
	if c.Cache != nil {
		if text, ok := c.Cache.Load(ctx, rawURL); ok && len(strings.TrimSpace(text)) > minChars {
			return text, nil
		}
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := c.Backoff(attempt - 1)
			log.Debug().Str("url", clip(rawURL, 50)).Int("retry", attempt).
				Dur("backoff", backoff).Msg("fetch retry")
			if err := c.sleep(ctx, backoff); err != nil {
				return "", err
			}
		}
		text, contentType, err := c.fetchOnce(ctx, rawURL, timeout)
		if err == nil {
			if len(strings.TrimSpace(text)) <= minChars {
				lastErr = errors.New("empty content")
				continue
			}
			if c.Cache != nil {
				if cerr := c.Cache.Save(ctx, rawURL, contentType, text); cerr != nil {
					log.Warn().Err(cerr).Msg("page cache save failed")
				}
			}
			return text, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", lastErr
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string, timeout time.Duration) (string, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("new request: %w", err)
	}
	ua := c.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
			return "", "", fmt.Errorf("timeout after %s: %w", timeout, err)
		}
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
		return "", "", fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !allowedContentType(contentType) {
		return "", "", fmt.Errorf("blocked content-type: %s", clip(contentType, 50))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	oversize := len(body) > MaxResponseSize
	if oversize {
		body = body[:MaxResponseSize]
		log.Warn().Str("url", clip(rawURL, 50)).Msg("response truncated")
	}
	var text string
	if baseContentType(contentType) == "text/plain" {
		text = string(body)
	} else {
		text = extract.FromHTML(body).Text
	}
	if oversize {
		text += "\n[...TRUNCATED...]"
	}
	return text, contentType, nil
}

// retryable reports whether another attempt could change the outcome. DNS
// failures, canceled contexts, blocked content types, and non-5xx statuses
// are final; timeouts and 5xx are not.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if isDNSError(err) {
		return false
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "blocked content-type:") || strings.HasPrefix(msg, "unexpected status:") {
		return false
	}
	return true
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return strings.Contains(err.Error(), "ERR_NAME_NOT_RESOLVED")
}

func allowedContentType(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	_, ok := allowedContentTypes[baseContentType(contentType)]
	return ok
}

// baseContentType strips parameters like charset and lowercases the result.
func baseContentType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// Truncate caps content at maxChars with a visible marker, protecting model
// context windows from huge pages.
func Truncate(content string, maxChars int) string {
	if content == "" || len(content) <= maxChars {
		return content
	}
	return content[:maxChars] + "\n[... truncated ...]"
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
