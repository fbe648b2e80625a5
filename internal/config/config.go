// Package config carries the settings shared by the pelagos entrypoints:
// listen address, store location, provider defaults, search and fetch
// knobs. Flags win over environment variables, which win over an optional
// YAML or JSON config file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/pelagoslabs/pelagos/internal/prompt"
)

// Defaults for the pipeline knobs. Flag definitions in the entrypoints use
// these as flag defaults so that ApplyFile can tell "left at default" apart
// from "set explicitly" the same way for every field.
const (
	DefaultAddr       = ":8000"
	DefaultDBPath     = "pelagos.db"
	DefaultProvider   = "openrouter"
	DefaultWorkModel  = "google/gemini-2.5-flash-lite-preview-09-2025"
	DefaultFinalModel = "anthropic/claude-sonnet-4.5"
	DefaultLanguage   = "en"
	DefaultCacheDir   = ".pelagos-cache"
)

// Config is the resolved runtime configuration. Zero values mean "unset";
// entrypoints fill defaults through flag definitions and ApplyFile.
type Config struct {
	// Serving.
	Addr   string
	DBPath string

	// LLM access. Keys maps provider name to API key; KeyFor falls back
	// to environment variables when the map has no entry.
	Provider   string
	WorkModel  string
	FinalModel string
	Endpoint   string
	Keys       map[string]string

	// Search provider selection. FileSearchPath switches to the offline
	// file provider when set.
	SearxURL       string
	SearxKey       string
	SearxUA        string
	FileSearchPath string

	// Fetching.
	CacheDir     string
	CacheMaxAge  time.Duration
	AllowPrivate bool

	// Research defaults applied when a request does not choose.
	Language string
	Academic bool

	// Prompts overrides individual system prompts; nil keeps the
	// built-in text. Only a config file can set this.
	Prompts *prompt.Set

	Verbose bool
}

// FileConfig represents the single-file configuration schema. Nested
// sections map naturally to the flag names.
type FileConfig struct {
	Server struct {
		Addr string `yaml:"addr" json:"addr"`
		DB   string `yaml:"db" json:"db"`
	} `yaml:"server" json:"server"`

	LLM struct {
		Provider   string            `yaml:"provider" json:"provider"`
		WorkModel  string            `yaml:"workModel" json:"workModel"`
		FinalModel string            `yaml:"finalModel" json:"finalModel"`
		Base       string            `yaml:"base" json:"base"`
		Keys       map[string]string `yaml:"keys" json:"keys"`
	} `yaml:"llm" json:"llm"`

	Searx struct {
		URL string `yaml:"url" json:"url"`
		Key string `yaml:"key" json:"key"`
		UA  string `yaml:"ua" json:"ua"`
	} `yaml:"searx" json:"searx"`

	Search struct {
		File string `yaml:"file" json:"file"`
	} `yaml:"search" json:"search"`

	Cache struct {
		Dir    string        `yaml:"dir" json:"dir"`
		MaxAge time.Duration `yaml:"maxAge" json:"maxAge"`
	} `yaml:"cache" json:"cache"`

	Prompts prompt.Set `yaml:"prompts" json:"prompts"`

	Language     string `yaml:"language" json:"language"`
	Academic     bool   `yaml:"academic" json:"academic"`
	AllowPrivate bool   `yaml:"allowPrivate" json:"allowPrivate"`
	Verbose      bool   `yaml:"verbose" json:"verbose"`
}

// LoadFile reads YAML or JSON into FileConfig. Unknown extensions try
// YAML first, then JSON.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(b, &fc); err != nil {
			if jerr := json.Unmarshal(b, &fc); jerr != nil {
				return fc, fmt.Errorf("parse config: %v (yaml) / %v (json)", err, jerr)
			}
		}
	}
	return fc, nil
}

// ApplyFile overlays values from fc into cfg for any fields currently
// unset or still at their default. Flags should already have been parsed;
// this lets a config file supply defaults while preserving explicit flags.
func ApplyFile(cfg *Config, fc FileConfig) {
	if cfg == nil {
		return
	}

	if (cfg.Addr == "" || cfg.Addr == DefaultAddr) && fc.Server.Addr != "" {
		cfg.Addr = fc.Server.Addr
	}
	if (cfg.DBPath == "" || cfg.DBPath == DefaultDBPath) && fc.Server.DB != "" {
		cfg.DBPath = fc.Server.DB
	}

	if (cfg.Provider == "" || cfg.Provider == DefaultProvider) && fc.LLM.Provider != "" {
		cfg.Provider = fc.LLM.Provider
	}
	if (cfg.WorkModel == "" || cfg.WorkModel == DefaultWorkModel) && fc.LLM.WorkModel != "" {
		cfg.WorkModel = fc.LLM.WorkModel
	}
	if (cfg.FinalModel == "" || cfg.FinalModel == DefaultFinalModel) && fc.LLM.FinalModel != "" {
		cfg.FinalModel = fc.LLM.FinalModel
	}
	if cfg.Endpoint == "" && fc.LLM.Base != "" {
		cfg.Endpoint = fc.LLM.Base
	}
	for provider, key := range fc.LLM.Keys {
		if key == "" {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(provider))
		if cfg.Keys == nil {
			cfg.Keys = make(map[string]string)
		}
		if cfg.Keys[name] == "" {
			cfg.Keys[name] = key
		}
	}

	if cfg.SearxURL == "" && fc.Searx.URL != "" {
		cfg.SearxURL = fc.Searx.URL
	}
	if cfg.SearxKey == "" && fc.Searx.Key != "" {
		cfg.SearxKey = fc.Searx.Key
	}
	if cfg.SearxUA == "" && fc.Searx.UA != "" {
		cfg.SearxUA = fc.Searx.UA
	}
	if cfg.FileSearchPath == "" && fc.Search.File != "" {
		cfg.FileSearchPath = fc.Search.File
	}

	if (cfg.CacheDir == "" || cfg.CacheDir == DefaultCacheDir) && fc.Cache.Dir != "" {
		cfg.CacheDir = fc.Cache.Dir
	}
	if cfg.CacheMaxAge == 0 && fc.Cache.MaxAge > 0 {
		cfg.CacheMaxAge = fc.Cache.MaxAge
	}
	if cfg.Prompts == nil && fc.Prompts != (prompt.Set{}) {
		overrides := fc.Prompts
		cfg.Prompts = &overrides
	}

	if (cfg.Language == "" || cfg.Language == DefaultLanguage) && fc.Language != "" {
		cfg.Language = fc.Language
	}
	if !cfg.Academic && fc.Academic {
		cfg.Academic = true
	}
	if !cfg.AllowPrivate && fc.AllowPrivate {
		cfg.AllowPrivate = true
	}
	if !cfg.Verbose && fc.Verbose {
		cfg.Verbose = true
	}
}

// Validate performs minimal schema validation for required settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return errors.New("config: llm.provider is required")
	}
	if strings.TrimSpace(c.WorkModel) == "" {
		return errors.New("config: llm.workModel is required (or set WORK_MODEL)")
	}
	if strings.TrimSpace(c.FinalModel) == "" {
		return errors.New("config: llm.finalModel is required (or set FINAL_MODEL)")
	}
	if strings.TrimSpace(c.Language) == "" {
		return errors.New("config: language is required")
	}
	if c.CacheMaxAge < 0 {
		return errors.New("config: cache.maxAge must not be negative")
	}
	return nil
}

// KeyFor resolves the API key for provider: the explicit Keys map first,
// then <PROVIDER>_API_KEY, then the generic LLM_API_KEY.
func (c Config) KeyFor(provider string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		return "", errors.New("config: provider is empty")
	}
	if key := c.Keys[name]; key != "" {
		return key, nil
	}
	if key := os.Getenv(strings.ToUpper(name) + "_API_KEY"); key != "" {
		return key, nil
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("config: no API key configured for provider %q", name)
}
