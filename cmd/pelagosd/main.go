// Command pelagosd serves the research pipeline over HTTP. Authentication
// is delegated to a fronting proxy that sets X-Principal; pelagosd trusts
// the header and scopes all session access by it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pelagoslabs/pelagos/internal/cache"
	"github.com/pelagoslabs/pelagos/internal/config"
	"github.com/pelagoslabs/pelagos/internal/fetch"
	"github.com/pelagoslabs/pelagos/internal/search"
	"github.com/pelagoslabs/pelagos/internal/server"
	"github.com/pelagoslabs/pelagos/internal/store"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	// Logging setup
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var (
		configPath   string
		addr         string
		dbPath       string
		provider     string
		workModel    string
		finalModel   string
		llmBaseURL   string
		searxURL     string
		searxKey     string
		searxUA      string
		fileSearch   string
		cacheDir     string
		cacheMaxAge  time.Duration
		allowPrivate bool
		language     string
		verbose      bool
	)

	flag.StringVar(&configPath, "config", os.Getenv("PELAGOS_CONFIG"), "Path to YAML or JSON config file (optional)")
	flag.StringVar(&addr, "addr", envOr("PELAGOS_ADDR", config.DefaultAddr), "Listen address")
	flag.StringVar(&dbPath, "db", envOr("PELAGOS_DB", config.DefaultDBPath), "SQLite database path")
	flag.StringVar(&provider, "llm.provider", envOr("LLM_PROVIDER", config.DefaultProvider), "Default LLM provider")
	flag.StringVar(&workModel, "llm.workModel", envOr("LLM_WORK_MODEL", config.DefaultWorkModel), "Model for per-point research calls")
	flag.StringVar(&finalModel, "llm.finalModel", envOr("LLM_FINAL_MODEL", config.DefaultFinalModel), "Model for the final synthesis call")
	flag.StringVar(&llmBaseURL, "llm.base", os.Getenv("LLM_BASE_URL"), "Override provider endpoint (stubs, proxies)")
	flag.StringVar(&searxURL, "searx.url", os.Getenv("SEARX_URL"), "SearxNG base URL")
	flag.StringVar(&searxKey, "searx.key", os.Getenv("SEARX_KEY"), "SearxNG API key (optional)")
	flag.StringVar(&searxUA, "searx.ua", "pelagos/1.0 (+https://github.com/pelagoslabs/pelagos)", "Custom User-Agent for SearxNG requests")
	flag.StringVar(&fileSearch, "search.file", os.Getenv("SEARCH_FILE"), "Path to JSON file for the offline search provider")
	flag.StringVar(&cacheDir, "cache.dir", config.DefaultCacheDir, "Page cache directory")
	flag.DurationVar(&cacheMaxAge, "cache.maxAge", 0, "Max age for cache entries before purge (e.g. 24h); 0 disables")
	flag.BoolVar(&allowPrivate, "allow-private", false, "Allow fetching private hosts and IPs (development only)")
	flag.StringVar(&language, "lang", envOr("PELAGOS_LANG", config.DefaultLanguage), "Default report language")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg := config.Config{
		Addr:           addr,
		DBPath:         dbPath,
		Provider:       provider,
		WorkModel:      workModel,
		FinalModel:     finalModel,
		Endpoint:       llmBaseURL,
		SearxURL:       searxURL,
		SearxKey:       searxKey,
		SearxUA:        searxUA,
		FileSearchPath: fileSearch,
		CacheDir:       cacheDir,
		CacheMaxAge:    cacheMaxAge,
		AllowPrivate:   allowPrivate,
		Language:       language,
		Verbose:        verbose,
	}

	if configPath != "" {
		fc, err := config.LoadFile(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("load config file")
		}
		config.ApplyFile(&cfg, fc)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("pelagosd failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(cfg config.Config) error {
	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if cfg.CacheMaxAge > 0 {
		if n, err := cache.PurgeByAge(cfg.CacheDir, cfg.CacheMaxAge); err == nil && n > 0 {
			log.Info().Int("removed", n).Msg("purged stale cache entries")
		}
	}

	runner := search.NewRunner(searchProvider(cfg))
	fetcher := &fetch.Client{
		AllowPrivate: cfg.AllowPrivate,
		Cache:        &cache.PageCache{Dir: cfg.CacheDir, MaxAge: cfg.CacheMaxAge},
	}

	srv := server.New(cfg, st, runner, fetcher, server.WithVersion(version))

	// No WriteTimeout: deep research responses stream for minutes.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("version", version).Msg("pelagosd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// searchProvider picks the offline file provider when configured, else
// SearxNG.
func searchProvider(cfg config.Config) search.Provider {
	if cfg.FileSearchPath != "" {
		log.Info().Str("path", cfg.FileSearchPath).Msg("using file search provider")
		return &search.FileProvider{Path: cfg.FileSearchPath}
	}
	return &search.SearxNG{
		BaseURL:   cfg.SearxURL,
		APIKey:    cfg.SearxKey,
		Language:  cfg.Language,
		UserAgent: cfg.SearxUA,
	}
}
