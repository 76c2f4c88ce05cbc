package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no embeddings", func(c *Config) { c.Embedding.Provider = "none" }, false},
		{"plugin embeddings", func(c *Config) { c.Embedding.Provider = "plugin:local" }, false},
		{"plugin without name", func(c *Config) { c.Embedding.Provider = "plugin:" }, true},
		{"unknown embeddings", func(c *Config) { c.Embedding.Provider = "ollama" }, true},
		{"unknown strategy", func(c *Config) { c.Chunking.Strategy = "ast" }, true},
		{"zero max tokens", func(c *Config) { c.Chunking.MaxTokens = 0 }, true},
		{"overlap not below max", func(c *Config) { c.Chunking.OverlapTokens = c.Chunking.MaxTokens }, true},
		{"zero chars per token", func(c *Config) { c.Chunking.CharsPerToken = 0 }, true},
		{"empty search mode", func(c *Config) { c.Search.Mode = "" }, false},
		{"bad search mode", func(c *Config) { c.Search.Mode = "semantic" }, true},
		{"negative weight", func(c *Config) { c.Search.BM25Weight = -1 }, true},
		{"bad graph provider", func(c *Config) { c.Graph.Provider = "neo4j" }, true},
		{"bad file size", func(c *Config) { c.Limits.MaxFileSize = "lots" }, true},
		{"unlimited file size", func(c *Config) { c.Limits.MaxFileSize = "0" }, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			errs := Validate(cfg)

			if (len(errs) > 0) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", errs, tt.wantErr)
			}
			for _, err := range errs {
				if !errors.Is(err, types.ErrInvalidConfig) {
					t.Errorf("error %v does not wrap ErrInvalidConfig", err)
				}
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Chunking.MaxTokens != 512 || cfg.Chunking.OverlapTokens != 100 || cfg.Chunking.CharsPerToken != 2.0 {
		t.Errorf("chunking defaults = %+v", cfg.Chunking)
	}
	if cfg.Embedding.Dimensions != 768 {
		t.Errorf("Embedding.Dimensions = %d, want 768", cfg.Embedding.Dimensions)
	}
	if cfg.Search.DefaultLimit != 5 || cfg.Search.MaxLimit != 20 {
		t.Errorf("search limits = %d/%d, want 5/20", cfg.Search.DefaultLimit, cfg.Search.MaxLimit)
	}
	if !cfg.Resolver.CrossModule {
		t.Error("Resolver.CrossModule = false, want true")
	}
	if got := cfg.MaxFileSizeBytes(); got != 2<<20 {
		t.Errorf("MaxFileSizeBytes() = %d, want %d", got, 2<<20)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	root := t.TempDir()
	t.Setenv("BSLINDEX_EMBEDDING_API_KEY", "secret")
	t.Setenv("BSLINDEX_EMBEDDING_DIMENSIONS", "1024")

	cfg, warnings, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) == 0 {
		t.Error("expected a missing config warning")
	}
	if cfg.Embedding.APIKey != "secret" || cfg.Embedding.Dimensions != 1024 {
		t.Errorf("env overrides not applied: %+v", cfg.Embedding)
	}
	if cfg.Chunking.MaxTokens != 512 {
		t.Errorf("Chunking.MaxTokens = %d, want default 512", cfg.Chunking.MaxTokens)
	}
}

func TestSaveLoad(t *testing.T) {
	root := t.TempDir()

	cfg := DefaultConfig()
	cfg.Embedding.Provider = "none"
	cfg.Chunking.MaxTokens = 256
	cfg.Chunking.OverlapTokens = 32
	cfg.Resolver.CrossModule = false
	cfg.Index.Exclude = []string{"Tests/**"}
	cfg.Limits.Timeout = 5 * time.Minute

	if err := Save(root, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ConfigPath(root)); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	got, _, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if got.Embedding.Provider != "none" || got.Chunking.MaxTokens != 256 || got.Chunking.OverlapTokens != 32 {
		t.Errorf("loaded = %+v", got)
	}
	if got.Resolver.CrossModule {
		t.Error("Resolver.CrossModule not persisted")
	}
	if len(got.Index.Exclude) != 1 || got.Index.Exclude[0] != "Tests/**" {
		t.Errorf("Index.Exclude = %v", got.Index.Exclude)
	}
	if got.Limits.Timeout != 5*time.Minute {
		t.Errorf("Limits.Timeout = %v", got.Limits.Timeout)
	}
	if got.Hash() != cfg.Hash() {
		t.Error("hash changed across save and load")
	}
}

func TestHash(t *testing.T) {
	base := DefaultConfig()

	tests := []struct {
		name    string
		modify  func(*Config)
		changes bool
	}{
		{"max tokens", func(c *Config) { c.Chunking.MaxTokens = 300 }, true},
		{"overlap", func(c *Config) { c.Chunking.OverlapTokens = 0 }, true},
		{"resolver", func(c *Config) { c.Resolver.CrossModule = false }, true},
		{"case sensitivity", func(c *Config) { c.Resolver.CaseSensitive = true }, true},
		{"search weights", func(c *Config) { c.Search.VectorWeight = 0.1 }, false},
		{"logging", func(c *Config) { c.Logging.Level = "debug" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base.Copy()
			tt.modify(cfg)
			if changed := cfg.Hash() != base.Hash(); changed != tt.changes {
				t.Errorf("hash changed = %v, want %v", changed, tt.changes)
			}
		})
	}
}

func TestCopy(t *testing.T) {
	cfg := DefaultConfig()
	cp := cfg.Copy()
	cp.Index.Exclude[0] = "changed"
	if cfg.Index.Exclude[0] == "changed" {
		t.Error("Copy shares Index.Exclude with the original")
	}
}
