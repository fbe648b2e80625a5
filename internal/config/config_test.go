package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFileYAML(t *testing.T) {
	path := writeTemp(t, "pelagos.yaml", `
server:
  addr: ":9000"
  db: /var/lib/pelagos.db
llm:
  provider: openai
  workModel: gpt-4o-mini
  finalModel: gpt-4o
  keys:
    openai: sk-test
searx:
  url: http://searx.local
prompts:
  clarify: Ask exactly one question.
language: fi
academic: true
`)
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if fc.Server.Addr != ":9000" || fc.Server.DB != "/var/lib/pelagos.db" {
		t.Errorf("server section = %+v", fc.Server)
	}
	if fc.LLM.Provider != "openai" || fc.LLM.WorkModel != "gpt-4o-mini" || fc.LLM.FinalModel != "gpt-4o" {
		t.Errorf("llm section = %+v", fc.LLM)
	}
	if fc.LLM.Keys["openai"] != "sk-test" {
		t.Errorf("keys = %v", fc.LLM.Keys)
	}
	if fc.Searx.URL != "http://searx.local" {
		t.Errorf("searx url = %q", fc.Searx.URL)
	}
	if fc.Prompts.Clarify != "Ask exactly one question." {
		t.Errorf("prompts.clarify = %q", fc.Prompts.Clarify)
	}
	if fc.Language != "fi" || !fc.Academic {
		t.Errorf("language=%q academic=%v", fc.Language, fc.Academic)
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := writeTemp(t, "pelagos.json", `{"llm":{"provider":"anthropic"},"verbose":true}`)
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if fc.LLM.Provider != "anthropic" || !fc.Verbose {
		t.Errorf("fc = %+v", fc)
	}
}

func TestLoadFileUnknownExtensionFallsBack(t *testing.T) {
	path := writeTemp(t, "pelagos.conf", "language: de\n")
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if fc.Language != "de" {
		t.Errorf("language = %q, want de", fc.Language)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyFileFillsDefaultsOnly(t *testing.T) {
	cfg := Config{
		Addr:      DefaultAddr,
		DBPath:    "explicit.db",
		Provider:  DefaultProvider,
		WorkModel: DefaultWorkModel,
		Language:  DefaultLanguage,
	}
	var fc FileConfig
	fc.Server.Addr = ":9100"
	fc.Server.DB = "file.db"
	fc.LLM.Provider = "google"
	fc.LLM.WorkModel = "gemini-pro"
	fc.LLM.Keys = map[string]string{"Google": "g-key", "openai": ""}
	fc.Cache.MaxAge = time.Hour
	fc.Language = "sv"
	fc.Academic = true

	ApplyFile(&cfg, fc)

	if cfg.Addr != ":9100" {
		t.Errorf("Addr = %q, want file value to replace default", cfg.Addr)
	}
	if cfg.DBPath != "explicit.db" {
		t.Errorf("DBPath = %q, explicit flag must win", cfg.DBPath)
	}
	if cfg.Provider != "google" || cfg.WorkModel != "gemini-pro" {
		t.Errorf("provider=%q model=%q", cfg.Provider, cfg.WorkModel)
	}
	if cfg.Keys["google"] != "g-key" {
		t.Errorf("Keys = %v, want lowercased provider name", cfg.Keys)
	}
	if _, ok := cfg.Keys["openai"]; ok {
		t.Error("empty key should not be copied")
	}
	if cfg.CacheMaxAge != time.Hour {
		t.Errorf("CacheMaxAge = %v", cfg.CacheMaxAge)
	}
	if cfg.Language != "sv" || !cfg.Academic {
		t.Errorf("language=%q academic=%v", cfg.Language, cfg.Academic)
	}
}

func TestApplyFileDoesNotOverrideExplicitKeys(t *testing.T) {
	cfg := Config{Keys: map[string]string{"openai": "from-flag"}}
	var fc FileConfig
	fc.LLM.Keys = map[string]string{"openai": "from-file"}
	ApplyFile(&cfg, fc)
	if cfg.Keys["openai"] != "from-flag" {
		t.Errorf("key = %q, want flag value retained", cfg.Keys["openai"])
	}
}

func TestApplyFilePromptOverrides(t *testing.T) {
	var cfg Config
	var fc FileConfig
	ApplyFile(&cfg, fc)
	if cfg.Prompts != nil {
		t.Errorf("Prompts = %+v, want nil when the file sets none", cfg.Prompts)
	}

	fc.Prompts.Overview = "custom overview"
	ApplyFile(&cfg, fc)
	if cfg.Prompts == nil || cfg.Prompts.Overview != "custom overview" {
		t.Errorf("Prompts = %+v", cfg.Prompts)
	}
	if cfg.Prompts.Clarify != "" {
		t.Errorf("unset override leaked: %q", cfg.Prompts.Clarify)
	}
}

func TestKeyFor(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("LLM_API_KEY", "")

	cfg := Config{Keys: map[string]string{"openrouter": "or-key"}}
	if key, err := cfg.KeyFor("OpenRouter"); err != nil || key != "or-key" {
		t.Errorf("KeyFor(OpenRouter) = %q, %v", key, err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "ant-key")
	if key, err := cfg.KeyFor("anthropic"); err != nil || key != "ant-key" {
		t.Errorf("KeyFor(anthropic) = %q, %v", key, err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("LLM_API_KEY", "generic")
	if key, err := cfg.KeyFor("anthropic"); err != nil || key != "generic" {
		t.Errorf("KeyFor via LLM_API_KEY = %q, %v", key, err)
	}

	t.Setenv("LLM_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	if _, err := cfg.KeyFor("google"); err == nil {
		t.Error("expected error when no key configured")
	} else if !strings.Contains(err.Error(), "google") {
		t.Errorf("error should name the provider: %v", err)
	}

	if _, err := cfg.KeyFor("  "); err == nil {
		t.Error("expected error for empty provider")
	}
}

func TestValidate(t *testing.T) {
	good := Config{
		Provider:   DefaultProvider,
		WorkModel:  DefaultWorkModel,
		FinalModel: DefaultFinalModel,
		Language:   DefaultLanguage,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate(good) = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing provider", func(c *Config) { c.Provider = " " }},
		{"missing work model", func(c *Config) { c.WorkModel = "" }},
		{"missing final model", func(c *Config) { c.FinalModel = "" }},
		{"missing language", func(c *Config) { c.Language = "" }},
		{"negative cache age", func(c *Config) { c.CacheMaxAge = -time.Minute }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := good
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
