// Command pelagos runs one research query end to end: overview, search,
// plan, deep research, synthesis. The final report lands in a Markdown
// file with the session state snapshot alongside it.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pelagoslabs/pelagos/internal/cache"
	"github.com/pelagoslabs/pelagos/internal/config"
	"github.com/pelagoslabs/pelagos/internal/fetch"
	"github.com/pelagoslabs/pelagos/internal/llm"
	"github.com/pelagoslabs/pelagos/internal/pipeline"
	"github.com/pelagoslabs/pelagos/internal/search"
)

type options struct {
	query   string
	output  string
	clarify bool
	stream  bool
}

func main() {
	_ = godotenv.Load()

	// Logging setup
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var (
		configPath   string
		outputPath   string
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
		academic     bool
		clarify      bool
		stream       bool
		verbose      bool
	)

	flag.StringVar(&configPath, "config", os.Getenv("PELAGOS_CONFIG"), "Path to YAML or JSON config file (optional)")
	flag.StringVar(&outputPath, "output", "report.md", "Path to write the final Markdown report")
	flag.StringVar(&provider, "llm.provider", envOr("LLM_PROVIDER", config.DefaultProvider), "LLM provider")
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
	flag.StringVar(&language, "lang", envOr("PELAGOS_LANG", config.DefaultLanguage), "Report language")
	flag.BoolVar(&academic, "academic", false, "Academic mode: prefer scholarly sources and tone")
	flag.BoolVar(&clarify, "clarify", false, "Ask clarifying questions and read answers from stdin before planning")
	flag.BoolVar(&stream, "stream", false, "Write progress events to stdout as NDJSON")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	query := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: pelagos [flags] <research query>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg := config.Config{
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
		Academic:       academic,
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{query: query, output: outputPath, clarify: clarify, stream: stream}
	if err := run(ctx, cfg, opts); err != nil {
		log.Fatal().Err(err).Msg("research failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, cfg config.Config, opts options) error {
	key, err := cfg.KeyFor(cfg.Provider)
	if err != nil {
		return err
	}
	var llmOpts []llm.Option
	if cfg.Endpoint != "" {
		llmOpts = append(llmOpts, llm.WithEndpoint(cfg.Endpoint))
	}
	client, err := llm.New(cfg.Provider, key, llmOpts...)
	if err != nil {
		return err
	}

	p := pipeline.New(client, cfg.WorkModel, cfg.FinalModel, cfg.Language, cfg.Academic)
	p.Search = search.NewRunner(searchProvider(cfg))
	p.Fetch = &fetch.Client{
		AllowPrivate: cfg.AllowPrivate,
		Cache:        &cache.PageCache{Dir: cfg.CacheDir, MaxAge: cfg.CacheMaxAge},
	}
	p.Prompts = cfg.Prompts

	title, queries, err := p.Overview(ctx, opts.query)
	if err != nil {
		return err
	}
	log.Info().Str("title", title).Int("queries", len(queries)).Msg("overview complete")

	urls, err := p.SearchAndPick(ctx, nil)
	if err != nil {
		return err
	}
	log.Info().Int("urls", len(urls)).Msg("sources selected")

	var answers []string
	if opts.clarify {
		questions, scraped, err := p.Clarify(ctx, nil)
		if err != nil {
			return err
		}
		log.Debug().Int("scraped", scraped).Msg("skimmed sources for clarification")
		fmt.Fprintln(os.Stderr, questions)
		fmt.Fprintln(os.Stderr, "Answer lines (finish with an empty line):")
		answers = readAnswers(os.Stdin)
	}

	points, err := p.Plan(ctx, answers, nil, cfg.Academic)
	if err != nil {
		return err
	}
	log.Info().Int("points", len(points)).Msg("research plan ready")

	var finalDoc string
	enc := json.NewEncoder(os.Stdout)
	for ev := range p.DeepResearch(ctx, p.State.OriginalQuery, points, cfg.Academic) {
		if opts.stream {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		} else if ev.Message != "" {
			log.Info().Str("type", ev.Type).Msg(ev.Message)
		}
		if ev.Type == pipeline.EventDone && ev.Data != nil {
			if doc, ok := ev.Data["final_document"].(string); ok {
				finalDoc = doc
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if finalDoc == "" {
		return errors.New("research finished without a final document")
	}

	if err := os.WriteFile(opts.output, []byte(finalDoc), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	snapshot, err := p.State.ToJSON()
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}
	statePath := statePathFor(opts.output)
	if err := os.WriteFile(statePath, snapshot, 0o644); err != nil {
		return fmt.Errorf("write state snapshot: %w", err)
	}
	log.Info().Str("report", opts.output).Str("state", statePath).Msg("research complete")
	return nil
}

// readAnswers collects non-empty lines up to the first blank line or EOF.
func readAnswers(r io.Reader) []string {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			break
		}
		out = append(out, line)
	}
	return out
}

// statePathFor swaps the report extension for .state.json.
func statePathFor(output string) string {
	return strings.TrimSuffix(output, filepath.Ext(output)) + ".state.json"
}

// searchProvider picks the offline file provider when configured, else
// SearxNG.
func searchProvider(cfg config.Config) search.Provider {
	if cfg.FileSearchPath != "" {
		return &search.FileProvider{Path: cfg.FileSearchPath}
	}
	return &search.SearxNG{
		BaseURL:   cfg.SearxURL,
		APIKey:    cfg.SearxKey,
		Language:  cfg.Language,
		UserAgent: cfg.SearxUA,
	}
}
