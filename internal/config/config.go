// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/spetr/mcp-bslindex/internal/index"
	"github.com/spetr/mcp-bslindex/internal/resolve"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// EnvPrefix prefixes environment overrides, e.g. BSLINDEX_EMBEDDING_API_KEY.
const EnvPrefix = "BSLINDEX"

// Config represents the complete configuration.
type Config struct {
	Embedding   EmbeddingConfig   `mapstructure:"embedding" yaml:"embedding"`
	Chunking    ChunkingConfig    `mapstructure:"chunking" yaml:"chunking"`
	Resolver    resolve.Policy    `mapstructure:"resolver" yaml:"resolver"`
	Search      SearchConfig      `mapstructure:"search" yaml:"search"`
	Graph       GraphConfig       `mapstructure:"graph" yaml:"graph"`
	VectorStore VectorStoreConfig `mapstructure:"vectorstore" yaml:"vectorstore"`
	Index       IndexConfig       `mapstructure:"index" yaml:"index"`
	Limits      LimitsConfig      `mapstructure:"limits" yaml:"limits"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider" yaml:"provider"`     // openai, none, plugin:<name>
	Model      string `mapstructure:"model" yaml:"model"`           // model name
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`     // OpenAI-compatible base URL
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`       // API key
	BatchSize  int    `mapstructure:"batch_size" yaml:"batch_size"` // texts per request
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions"` // requested vector size
	MaxChars   int    `mapstructure:"max_chars" yaml:"max_chars"`   // truncate inputs, 0 = off
	Suffix     string `mapstructure:"suffix" yaml:"suffix"`         // appended to every input (manual EOS)
}

// ChunkingConfig contains chunking strategy configuration.
type ChunkingConfig struct {
	Strategy                string  `mapstructure:"strategy" yaml:"strategy"`                                   // window
	MaxTokens               int     `mapstructure:"max_tokens" yaml:"max_tokens"`                               // hard per-chunk budget
	OverlapTokens           int     `mapstructure:"overlap_tokens" yaml:"overlap_tokens"`                       // repeated between chunks
	CharsPerToken           float64 `mapstructure:"chars_per_token" yaml:"chars_per_token"`                     // token estimate calibration
	BoundaryToleranceTokens int     `mapstructure:"boundary_tolerance_tokens" yaml:"boundary_tolerance_tokens"` // 0 = max_tokens/4
}

// SearchConfig contains search configuration.
type SearchConfig struct {
	Mode         string  `mapstructure:"mode" yaml:"mode"`                   // vector, bm25, hybrid
	VectorWeight float32 `mapstructure:"vector_weight" yaml:"vector_weight"` // weight for vector search
	BM25Weight   float32 `mapstructure:"bm25_weight" yaml:"bm25_weight"`     // weight for BM25
	DefaultLimit int     `mapstructure:"default_limit" yaml:"default_limit"` // default result limit
	MaxLimit     int     `mapstructure:"max_limit" yaml:"max_limit"`         // cap on requested limits
}

// GraphConfig contains dependency graph configuration.
type GraphConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`   // sqlitegraph
	MaxDepth int    `mapstructure:"max_depth" yaml:"max_depth"` // cap on traversal depth
	MaxNodes int    `mapstructure:"max_nodes" yaml:"max_nodes"` // cap on visited nodes per traversal
}

// VectorStoreConfig contains vector store configuration.
type VectorStoreConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"` // sqlitevec
}

// IndexConfig contains indexing configuration.
type IndexConfig struct {
	Exclude []string `mapstructure:"exclude" yaml:"exclude"` // gitignore-style patterns
}

// LimitsConfig contains resource limits.
type LimitsConfig struct {
	MaxFileSize string        `mapstructure:"max_file_size" yaml:"max_file_size"` // e.g., "2MB"
	MaxFiles    int           `mapstructure:"max_files" yaml:"max_files"`         // max units to index, 0 = no limit
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`             // indexing timeout
	Workers     int           `mapstructure:"workers" yaml:"workers"`             // parse and embedding workers
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "nomic-embed-text",
			Endpoint:   "http://localhost:11434/v1",
			BatchSize:  32,
			Dimensions: 768,
		},
		Chunking: ChunkingConfig{
			Strategy:      "window",
			MaxTokens:     512,
			OverlapTokens: 100,
			CharsPerToken: 2.0,
		},
		Resolver: resolve.DefaultPolicy(),
		Search: SearchConfig{
			Mode:         "hybrid",
			VectorWeight: 0.7,
			BM25Weight:   0.3,
			DefaultLimit: 5,
			MaxLimit:     20,
		},
		Graph: GraphConfig{
			Provider: "sqlitegraph",
			MaxDepth: 5,
			MaxNodes: 1000,
		},
		VectorStore: VectorStoreConfig{
			Provider: "sqlitevec",
		},
		Index: IndexConfig{
			Exclude: []string{
				"ConfigDumpInfo.xml",
				"**/Ext/*.bin",
			},
		},
		Limits: LimitsConfig{
			MaxFileSize: "2MB",
			MaxFiles:    0,
			Timeout:     60 * time.Minute,
			Workers:     1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigDir returns the path to the .mcp-bslindex directory.
func ConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".mcp-bslindex")
}

// ConfigPath returns the path to config.yaml.
func ConfigPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "config.yaml")
}

// GraphDBPath returns the path to the dependency graph database.
func GraphDBPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "graph.db")
}

// ChunkDBPath returns the path to the chunk and embedding database.
func ChunkDBPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "chunks.db")
}

// PluginsDir returns the directory searched for embedding plugins.
func PluginsDir(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "plugins")
}

// envKeys are the settings that can be overridden from the environment.
var envKeys = []string{
	"embedding.provider",
	"embedding.model",
	"embedding.endpoint",
	"embedding.api_key",
	"embedding.dimensions",
	"embedding.max_chars",
	"embedding.suffix",
	"search.default_limit",
	"search.max_limit",
	"limits.workers",
	"logging.level",
	"logging.format",
}

// Load loads configuration from file and the environment, falling back to
// defaults.
func Load(projectRoot string) (*Config, []string, error) {
	cfg := DefaultConfig()
	warnings := []string{}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	configPath := ConfigPath(projectRoot)
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		warnings = append(warnings, "No config file found, using defaults")
	} else {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for missing values
	def := DefaultConfig()
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = def.Embedding.Provider
		warnings = append(warnings, "Using default embedding provider: "+def.Embedding.Provider)
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = def.Embedding.BatchSize
	}
	if cfg.Chunking.Strategy == "" {
		cfg.Chunking.Strategy = def.Chunking.Strategy
	}
	if cfg.Chunking.MaxTokens == 0 {
		cfg.Chunking.MaxTokens = def.Chunking.MaxTokens
	}
	if cfg.Chunking.CharsPerToken == 0 {
		cfg.Chunking.CharsPerToken = def.Chunking.CharsPerToken
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = def.Search.DefaultLimit
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = def.Search.MaxLimit
	}
	if cfg.Search.VectorWeight == 0 && cfg.Search.BM25Weight == 0 {
		cfg.Search.VectorWeight = def.Search.VectorWeight
		cfg.Search.BM25Weight = def.Search.BM25Weight
	}
	if cfg.Graph.Provider == "" {
		cfg.Graph.Provider = def.Graph.Provider
	}
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = def.VectorStore.Provider
	}

	return cfg, warnings, nil
}

// Save saves configuration to file.
func Save(projectRoot string, cfg *Config) error {
	configDir := ConfigDir(projectRoot)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(ConfigPath(projectRoot))
	v.SetConfigType("yaml")

	// Set all values
	v.Set("embedding", cfg.Embedding)
	v.Set("chunking", cfg.Chunking)
	v.Set("resolver", cfg.Resolver)
	v.Set("search", cfg.Search)
	v.Set("graph", cfg.Graph)
	v.Set("vectorstore", cfg.VectorStore)
	v.Set("index", cfg.Index)
	v.Set("limits", cfg.Limits)
	v.Set("logging", cfg.Logging)

	return v.WriteConfig()
}

// Validate validates the configuration.
func Validate(cfg *Config) []error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{types.ErrInvalidConfig}, args...)...))
	}

	switch p := cfg.Embedding.Provider; {
	case p == "openai", p == "none":
	case strings.HasPrefix(p, "plugin:") && len(p) > len("plugin:"):
	default:
		invalid("embedding provider %q (valid: openai, none, plugin:<name>)", p)
	}
	if cfg.Embedding.Dimensions < 0 || cfg.Embedding.MaxChars < 0 || cfg.Embedding.BatchSize < 0 {
		invalid("embedding dimensions, max_chars and batch_size must not be negative")
	}

	if cfg.Chunking.Strategy != "window" {
		invalid("chunking strategy %q (valid: window)", cfg.Chunking.Strategy)
	}
	if cfg.Chunking.MaxTokens <= 0 {
		invalid("chunking max_tokens must be positive")
	}
	if cfg.Chunking.OverlapTokens < 0 || cfg.Chunking.OverlapTokens >= cfg.Chunking.MaxTokens {
		invalid("chunking overlap_tokens must be in [0, max_tokens)")
	}
	if cfg.Chunking.CharsPerToken <= 0 {
		invalid("chunking chars_per_token must be positive")
	}

	switch types.SearchMode(cfg.Search.Mode) {
	case "", types.SearchModeVector, types.SearchModeBM25, types.SearchModeHybrid:
	default:
		invalid("search mode %q (valid: vector, bm25, hybrid)", cfg.Search.Mode)
	}
	if cfg.Search.VectorWeight < 0 || cfg.Search.BM25Weight < 0 {
		invalid("search weights must not be negative")
	}

	if cfg.Graph.Provider != "sqlitegraph" {
		invalid("graph provider %q (valid: sqlitegraph)", cfg.Graph.Provider)
	}
	if cfg.Graph.MaxDepth < 0 || cfg.Graph.MaxNodes < 0 {
		invalid("graph max_depth and max_nodes must not be negative")
	}
	if cfg.VectorStore.Provider != "sqlitevec" {
		invalid("vector store provider %q (valid: sqlitevec)", cfg.VectorStore.Provider)
	}

	if _, err := index.ParseSize(cfg.Limits.MaxFileSize); err != nil {
		errs = append(errs, err)
	}
	if cfg.Limits.Workers < 0 || cfg.Limits.MaxFiles < 0 {
		invalid("limits workers and max_files must not be negative")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		invalid("log level %q (valid: debug, info, warn, error)", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		invalid("log format %q (valid: text, json)", cfg.Logging.Format)
	}

	return errs
}

// MaxFileSizeBytes returns Limits.MaxFileSize in bytes; 0 means unlimited.
func (c *Config) MaxFileSizeBytes() int64 {
	n, _ := index.ParseSize(c.Limits.MaxFileSize)
	return n
}

// ScanConfig returns the scan settings for a configuration root.
func (c *Config) ScanConfig(root string) index.ScanConfig {
	return index.ScanConfig{
		Root:        root,
		Exclude:     c.Index.Exclude,
		MaxFileSize: c.MaxFileSizeBytes(),
		MaxFiles:    c.Limits.MaxFiles,
	}
}

// Hash returns a hash of the settings that change what the graph holds.
// A stored graph built under another hash needs a full re-index.
func (c *Config) Hash() string {
	data := fmt.Sprintf("%s:%d:%d:%g:%d|%t:%t:%t",
		c.Chunking.Strategy,
		c.Chunking.MaxTokens,
		c.Chunking.OverlapTokens,
		c.Chunking.CharsPerToken,
		c.Chunking.BoundaryToleranceTokens,
		c.Resolver.CaseSensitive,
		c.Resolver.CrossModule,
		c.Resolver.RequireExport,
	)
	return types.HashBytes([]byte(data))
}

// Copy creates a deep copy of the config.
// Used for runtime modifications without affecting the original.
func (c *Config) Copy() *Config {
	cp := *c
	if c.Index.Exclude != nil {
		cp.Index.Exclude = append([]string(nil), c.Index.Exclude...)
	}
	return &cp
}
