// Package server exposes the research pipeline over HTTP: one endpoint
// per stage, an NDJSON stream for the deep stage, and CRUD over stored
// sessions. Callers arrive pre-authenticated; the X-Principal header
// names the caller and scopes every session operation.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/pelagoslabs/pelagos/internal/config"
	"github.com/pelagoslabs/pelagos/internal/fetch"
	"github.com/pelagoslabs/pelagos/internal/llm"
	"github.com/pelagoslabs/pelagos/internal/pipeline"
	"github.com/pelagoslabs/pelagos/internal/search"
	"github.com/pelagoslabs/pelagos/internal/state"
	"github.com/pelagoslabs/pelagos/internal/store"
)

// KeyFunc resolves the API key a principal may use with a provider.
type KeyFunc func(principal, provider string) (string, error)

// LLMFactory builds the model client for one request.
type LLMFactory func(provider, apiKey string) (llm.Client, error)

// Server holds the router and the dependencies the handlers need. A
// pipeline is built per request from the caller's provider choice; the
// search runner and fetch client are shared so their rate limits apply
// across sessions.
type Server struct {
	router chi.Router
	store  store.Store
	cfg    config.Config
	keyFor KeyFunc
	newLLM LLMFactory
	search *search.Runner
	fetch  *fetch.Client

	version string
}

// Option adjusts a Server during construction.
type Option func(*Server)

// WithKeyFunc replaces the config-backed key lookup, for deployments
// that hold per-principal keys elsewhere.
func WithKeyFunc(f KeyFunc) Option {
	return func(s *Server) { s.keyFor = f }
}

// WithLLMFactory replaces the model client constructor. Tests use this
// to inject scripted models.
func WithLLMFactory(f LLMFactory) Option {
	return func(s *Server) { s.newLLM = f }
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New wires routes and middleware and returns the server ready to serve.
func New(cfg config.Config, st store.Store, runner *search.Runner, fetcher *fetch.Client, opts ...Option) *Server {
	s := &Server{
		store:   st,
		cfg:     cfg,
		search:  runner,
		fetch:   fetcher,
		version: "dev",
	}
	s.keyFor = func(_, provider string) (string, error) {
		return cfg.KeyFor(provider)
	}
	s.newLLM = func(provider, apiKey string) (llm.Client, error) {
		if cfg.Endpoint != "" {
			return llm.New(provider, apiKey, llm.WithEndpoint(cfg.Endpoint))
		}
		return llm.New(provider, apiKey)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/research", func(r chi.Router) {
		r.Use(s.withPrincipal)
		r.Post("/overview", s.handleOverview)
		r.Post("/search", s.handleSearch)
		r.Post("/clarify", s.handleClarify)
		r.Post("/plan", s.handlePlan)
		r.Post("/deep", s.handleDeep)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Patch("/sessions/{id}", s.handleUpdateSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
	})

	s.router = r
}

// ServeHTTP satisfies http.Handler by delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "pelagos",
		"version": s.version,
	})
}

type principalKey struct{}

// withPrincipal requires the X-Principal header set by the fronting auth
// proxy and stores its value in the request context.
func (s *Server) withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := strings.TrimSpace(r.Header.Get("X-Principal"))
		if principal == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Principal header")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) string {
	principal, _ := ctx.Value(principalKey{}).(string)
	return principal
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// newPipeline resolves the caller's key and assembles a pipeline around
// the shared search runner and fetch client.
func (s *Server) newPipeline(principal, provider, workModel, finalModel, language string, academic bool) (*pipeline.Pipeline, error) {
	key, err := s.keyFor(principal, provider)
	if err != nil {
		return nil, err
	}
	client, err := s.newLLM(provider, key)
	if err != nil {
		return nil, err
	}
	p := pipeline.New(client, workModel, finalModel, language, academic)
	p.Search = s.search
	p.Fetch = s.fetch
	p.Prompts = s.cfg.Prompts
	return p, nil
}

// restorePipeline builds a pipeline and adopts the session's saved state.
func (s *Server) restorePipeline(principal string, sess *store.Session, provider, workModel, finalModel, language string) (*pipeline.Pipeline, error) {
	p, err := s.newPipeline(principal, provider, workModel, finalModel, language, sess.AcademicMode)
	if err != nil {
		return nil, err
	}
	if len(sess.ContextState) > 0 {
		st, err := state.FromJSON(sess.ContextState)
		if err != nil {
			return nil, fmt.Errorf("restore session state: %w", err)
		}
		p.Restore(st)
	}
	return p, nil
}

// loadSession fetches a session and hides other principals' sessions
// behind the same not-found error.
func (s *Server) loadSession(ctx context.Context, id, principal string) (*store.Session, error) {
	sess, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Principal != principal {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// persist snapshots the pipeline state into the session and saves it.
func (s *Server) persist(ctx context.Context, sess *store.Session, p *pipeline.Pipeline) error {
	snapshot, err := p.State.ToJSON()
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}
	sess.ContextState = snapshot
	return s.store.Save(ctx, sess)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// stageError maps pipeline and store failures onto HTTP statuses:
// missing prerequisites conflict with the session's current phase,
// unknown sessions are not found, and everything else is an upstream
// failure.
func stageError(w http.ResponseWriter, err error) {
	var pre *pipeline.PrecondError
	switch {
	case errors.As(err, &pre):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
