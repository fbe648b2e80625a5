package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/pelagoslabs/pelagos/internal/cache"
)

// fastClient returns a client that skips real sleeping and rate pacing so
// retry paths run instantly.
func fastClient() *Client {
	return &Client{
		AllowPrivate: true,
		Limiter:      rate.NewLimiter(rate.Inf, 1),
		sleep:        func(context.Context, time.Duration) error { return nil },
	}
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "Mozilla") {
			t.Errorf("expected browser-like user agent, got %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><head><title>T</title></head><body><p>hello research page</p></body></html>"))
	}))
	defer srv.Close()

	c := fastClient()
	text, err := c.Fetch(context.Background(), srv.URL, 2*time.Second, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, "hello research page") {
		t.Fatalf("expected extracted text, got %q", text)
	}
	if strings.Contains(text, "<p>") {
		t.Fatalf("expected markup stripped, got %q", text)
	}
}

func TestFetch_TextPlainRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("raw <not html> body"))
	}))
	defer srv.Close()

	c := fastClient()
	text, err := c.Fetch(context.Background(), srv.URL, 2*time.Second, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "raw <not html> body" {
		t.Fatalf("expected raw body for text/plain, got %q", text)
	}
}

func TestFetch_BlockedURL(t *testing.T) {
	c := &Client{}
	if _, err := c.Fetch(context.Background(), "http://169.254.169.254/latest/meta-data/", time.Second, 0); err == nil {
		t.Fatalf("expected metadata endpoint to be blocked")
	}
	if _, err := c.Fetch(context.Background(), "file:///etc/hosts", time.Second, 0); err == nil {
		t.Fatalf("expected non-http scheme to be blocked")
	}
}

func TestFetch_RetryOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(502)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>ok after retry</body></html>"))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := fastClient()
	c.rng = func() float64 { return 0.5 }
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	text, err := c.Fetch(context.Background(), srv.URL, 2*time.Second, 2)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if !strings.Contains(text, "ok after retry") {
		t.Fatalf("unexpected text %q", text)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	// rng pinned to 0.5 makes the jitter zero, so the backoffs are exactly
	// the 1 s and 2 s bases.
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("slept = %v, want [1s 2s]", slept)
	}
}

func TestFetch_NoRetryOnBlockedContentType(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	c := fastClient()
	_, err := c.Fetch(context.Background(), srv.URL, 2*time.Second, 3)
	if err == nil {
		t.Fatalf("expected content-type error")
	}
	if !strings.HasPrefix(err.Error(), "blocked content-type:") {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestFetch_NoRetryOnDNSFailure(t *testing.T) {
	var calls int32
	c := fastClient()
	c.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &net.DNSError{Err: "no such host", Name: r.URL.Hostname(), IsNotFound: true}
	})}
	_, err := c.Fetch(context.Background(), "http://example.com/missing", 2*time.Second, 3)
	if err == nil {
		t.Fatalf("expected DNS error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1 (DNS failures must not retry)", got)
	}
}

func TestFetch_MissingContentTypeAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Suppress the implicit Content-Type so the gate sees none.
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("<html><body>untyped but readable</body></html>"))
	}))
	defer srv.Close()

	c := fastClient()
	text, err := c.Fetch(context.Background(), srv.URL, 2*time.Second, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, "untyped but readable") {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestFetch_UsesCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>cached page content for reuse across runs</body></html>"))
	}))
	defer srv.Close()

	c := fastClient()
	c.Cache = &cache.PageCache{Dir: t.TempDir()}
	first, err := c.Fetch(context.Background(), srv.URL, 2*time.Second, 0)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := c.Fetch(context.Background(), srv.URL, 2*time.Second, 0)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if first != second {
		t.Fatalf("cache returned different text")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1 (second fetch served from cache)", got)
	}
}

func TestBackoff_RangeAndCap(t *testing.T) {
	c := &Client{}
	c.rng = func() float64 { return 0.0 } // most negative jitter
	if got, want := c.Backoff(0), 750*time.Millisecond; got != want {
		t.Fatalf("Backoff(0) low = %v, want %v", got, want)
	}
	c2 := &Client{}
	c2.rng = func() float64 { return 1.0 } // most positive jitter
	if got, want := c2.Backoff(0), 1250*time.Millisecond; got != want {
		t.Fatalf("Backoff(0) high = %v, want %v", got, want)
	}
	c3 := &Client{}
	c3.rng = func() float64 { return 0.5 } // zero jitter
	if got, want := c3.Backoff(2), 4*time.Second; got != want {
		t.Fatalf("Backoff(2) = %v, want %v", got, want)
	}
	// Exponential growth is capped at 30 s before jitter.
	if got, want := c3.Backoff(10), 30*time.Second; got != want {
		t.Fatalf("Backoff(10) = %v, want %v", got, want)
	}
}

func TestFetchBatch_OrderAndFiltering(t *testing.T) {
	longText := strings.Repeat("useful words ", 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/a", "/b":
			fmt.Fprintf(w, "<html><body>page %s: %s</body></html>", r.URL.Path, longText)
		case "/thin":
			fmt.Fprint(w, "<html><body>tiny</body></html>")
		default:
			w.WriteHeader(500)
		}
	}))
	defer srv.Close()

	c := fastClient()
	urls := []string{
		srv.URL + "/a",
		srv.URL + "/thin",
		"http://127.0.0.1:6379/",
		srv.URL + "/broken",
		srv.URL + "/b",
	}
	results, order := c.FetchBatch(context.Background(), urls, 2*time.Second, 1)

	want := []string{srv.URL + "/a", srv.URL + "/b"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("order = %v, want %v", order, want)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d entries, want 2", len(results))
	}
	if !strings.Contains(results[srv.URL+"/a"], "page /a") {
		t.Fatalf("missing page /a text")
	}
}

func TestFetchBatch_CapsURLList(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><body>content of %s with more than enough text to clear the filter</body></html>", r.URL.Path)
	}))
	defer srv.Close()

	urls := make([]string, 0, MaxURLsPerBatch+5)
	for i := 0; i < MaxURLsPerBatch+5; i++ {
		urls = append(urls, fmt.Sprintf("%s/page/%d", srv.URL, i))
	}
	c := fastClient()
	results, order := c.FetchBatch(context.Background(), urls, 2*time.Second, 0)
	if got := atomic.LoadInt32(&calls); got != MaxURLsPerBatch {
		t.Fatalf("calls = %d, want %d", got, MaxURLsPerBatch)
	}
	if len(results) != MaxURLsPerBatch || len(order) != MaxURLsPerBatch {
		t.Fatalf("kept %d/%d, want %d", len(results), len(order), MaxURLsPerBatch)
	}
}

func TestFetchBatch_PacesRequestStarts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>enough body text to clear the fifty character floor easily</body></html>")
	}))
	defer srv.Close()

	c := &Client{AllowPrivate: true}
	urls := []string{srv.URL + "/1", srv.URL + "/2", srv.URL + "/3"}
	begin := time.Now()
	_, order := c.FetchBatch(context.Background(), urls, 2*time.Second, 0)
	if len(order) != 3 {
		t.Fatalf("kept %d URLs, want 3", len(order))
	}
	// Three starts spaced at least MinRateLimitDelay apart cannot finish
	// faster than two full delays.
	if elapsed := time.Since(begin); elapsed < 2*MinRateLimitDelay-50*time.Millisecond {
		t.Fatalf("batch finished in %v, expected rate limiting to stretch it", elapsed)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("server saw %d requests, want 3", got)
	}
}

func TestFetchBatch_Empty(t *testing.T) {
	c := fastClient()
	results, order := c.FetchBatch(context.Background(), nil, time.Second, 0)
	if len(results) != 0 || order != nil {
		t.Fatalf("expected empty results for empty input")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Fatalf("Truncate small = %q", got)
	}
	if got := Truncate("abcdefghij", 4); got != "abcd\n[... truncated ...]" {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("", 4); got != "" {
		t.Fatalf("Truncate empty = %q", got)
	}
}
