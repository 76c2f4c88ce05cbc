// Package builtin registers all built-in providers with the default registry.
package builtin

import (
	"github.com/spetr/mcp-bslindex/builtin/chunking/window"
	noneEmbed "github.com/spetr/mcp-bslindex/builtin/embedding/none"
	openaiEmbed "github.com/spetr/mcp-bslindex/builtin/embedding/openai"
	"github.com/spetr/mcp-bslindex/builtin/graphstore/sqlitegraph"
	"github.com/spetr/mcp-bslindex/builtin/vectorstore/sqlitevec"
	"github.com/spetr/mcp-bslindex/pkg/provider"
)

func init() {
	// Register embedding providers
	provider.RegisterEmbedding("openai", func(cfg provider.EmbeddingConfig) (provider.EmbeddingProvider, error) {
		return openaiEmbed.New(openaiEmbed.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.Endpoint,
			Model:      cfg.Model,
			BatchSize:  cfg.BatchSize,
			Dimensions: cfg.Dimensions,
			MaxChars:   cfg.MaxChars,
			Suffix:     cfg.Suffix,
		}), nil
	})

	provider.RegisterEmbedding("none", func(provider.EmbeddingConfig) (provider.EmbeddingProvider, error) {
		return noneEmbed.New(), nil
	})

	// Register chunking strategies
	provider.RegisterChunking("window", func(cfg provider.ChunkingConfig) (provider.ChunkingStrategy, error) {
		return window.New(window.Config{
			MaxTokens:               cfg.MaxTokens,
			OverlapTokens:           cfg.OverlapTokens,
			CharsPerToken:           cfg.CharsPerToken,
			BoundaryToleranceTokens: cfg.BoundaryToleranceTokens,
		}), nil
	})

	// Register stores
	provider.RegisterVectorStore("sqlitevec", func() (provider.VectorStore, error) {
		return sqlitevec.New(), nil
	})

	provider.RegisterGraphStore("sqlitegraph", func() (provider.GraphStore, error) {
		return sqlitegraph.New(), nil
	})
}
