// Package search answers dependency and semantic queries over an index.
package search

import (
	"context"
	"fmt"

	"github.com/spetr/mcp-bslindex/internal/parser"
	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// Default query limits.
const (
	DefaultDepth       = 1
	DefaultMaxNodes    = 1000
	DefaultSearchLimit = 10
	MaxDepth           = 10
)

// Engine handles graph and chunk queries.
type Engine struct {
	graph     provider.GraphStore
	store     provider.VectorStore       // may be nil
	embedding provider.EmbeddingProvider // may be nil

	maxNodes     int
	maxDepth     int
	searchLimit  int
	maxLimit     int
	searchMode   types.SearchMode
	vectorWeight float32
	bm25Weight   float32
}

// Config contains search engine configuration.
type Config struct {
	Graph     provider.GraphStore
	Store     provider.VectorStore       // optional, needed by Search
	Embedding provider.EmbeddingProvider // optional, needed for vector ranking

	MaxNodes     int
	MaxDepth     int // caps requested traversal depth
	SearchLimit  int
	MaxLimit     int // caps requested result counts, 0 = no cap
	SearchMode   types.SearchMode
	VectorWeight float32
	BM25Weight   float32
}

// New creates a new search engine.
func New(cfg Config) *Engine {
	e := &Engine{
		graph:        cfg.Graph,
		store:        cfg.Store,
		embedding:    cfg.Embedding,
		maxNodes:     cfg.MaxNodes,
		maxDepth:     cfg.MaxDepth,
		searchLimit:  cfg.SearchLimit,
		maxLimit:     cfg.MaxLimit,
		searchMode:   cfg.SearchMode,
		vectorWeight: cfg.VectorWeight,
		bm25Weight:   cfg.BM25Weight,
	}
	if e.maxNodes <= 0 {
		e.maxNodes = DefaultMaxNodes
	}
	if e.maxDepth <= 0 || e.maxDepth > MaxDepth {
		e.maxDepth = MaxDepth
	}
	if e.searchLimit <= 0 {
		e.searchLimit = DefaultSearchLimit
	}
	if e.searchMode == "" {
		e.searchMode = types.SearchModeHybrid
	}
	if e.vectorWeight == 0 && e.bm25Weight == 0 {
		e.vectorWeight = 0.7
		e.bm25Weight = 0.3
	}
	return e
}

// Search ranks stored chunks against a text query.
func (e *Engine) Search(ctx context.Context, req *types.SearchRequest) ([]*types.SearchResult, error) {
	if e.store == nil {
		return nil, fmt.Errorf("%w: no vector store configured", types.ErrProviderNotAvailable)
	}

	// Set defaults
	if req.Limit <= 0 {
		req.Limit = e.searchLimit
	}
	if e.maxLimit > 0 && req.Limit > e.maxLimit {
		req.Limit = e.maxLimit
	}
	if req.Mode == "" {
		req.Mode = e.searchMode
	}
	for i, c := range req.Collections {
		// Code spells collections in Russian or English; chunks use the
		// directory name.
		if coll, ok := parser.CodeCollection(c); ok {
			req.Collections[i] = coll
		}
	}
	if req.VectorWeight == 0 && req.BM25Weight == 0 {
		req.VectorWeight = e.vectorWeight
		req.BM25Weight = e.bm25Weight
	}

	canEmbed := e.embedding != nil && e.embedding.Dimensions() > 0
	switch req.Mode {
	case types.SearchModeVector:
		if !canEmbed && len(req.QueryVec) == 0 {
			return nil, fmt.Errorf("%w: vector search needs an embedding provider", types.ErrProviderNotAvailable)
		}
	case types.SearchModeHybrid, types.SearchModeBM25:
	default:
		return nil, fmt.Errorf("%w: unknown search mode %q", types.ErrInvalidConfig, req.Mode)
	}

	// Generate query embedding for vector search
	if req.Mode != types.SearchModeBM25 && canEmbed && len(req.QueryVec) == 0 && req.Query != "" {
		embeddings, err := e.embedding.Embed(ctx, []string{req.Query})
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		if len(embeddings) > 0 {
			req.QueryVec = embeddings[0]
		}
	}

	results, err := e.store.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}
