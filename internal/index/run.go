package index

import (
	"context"
	"log/slog"

	"github.com/spetr/mcp-bslindex/internal/resolve"
	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// RunConfig wires one indexing run over a configuration root.
type RunConfig struct {
	Scan       ScanConfig
	Graph      provider.GraphStore
	Chunker    provider.ChunkingStrategy
	Policy     resolve.Policy
	Workers    int
	ConfigHash string
	OnProgress func(types.IndexProgress)

	// Store and Embedding receive chunks. Either nil means chunks are
	// only counted.
	Store     provider.VectorStore
	Embedding provider.EmbeddingProvider
}

// RunStats adds embedding handoff counts to an IndexResult.
type RunStats struct {
	*types.IndexResult
	ChunksStored int `json:"chunks_stored"`
	HandoffFails int `json:"handoff_failures"`
}

// Run scans and indexes cfg.Scan.Root, then waits for queued chunks to be
// stored. Chunks of units committed before a cancellation are still stored.
func Run(ctx context.Context, cfg RunConfig, mode types.IndexMode) (*RunStats, error) {
	var sink *EmbeddingSink
	icfg := Config{
		Graph:      cfg.Graph,
		Chunker:    cfg.Chunker,
		Policy:     cfg.Policy,
		Workers:    cfg.Workers,
		ConfigHash: cfg.ConfigHash,
		OnProgress: cfg.OnProgress,
	}
	if cfg.Store != nil && cfg.Embedding != nil {
		sink = NewEmbeddingSink(cfg.Store, cfg.Embedding, cfg.Workers)
		icfg.Sink = sink
	}

	res, err := New(icfg).IndexDir(ctx, cfg.Scan, mode)
	stats := &RunStats{IndexResult: res}
	if sink == nil {
		return stats, err
	}

	if cerr := sink.Close(); cerr != nil {
		slog.Warn("embedding workers stopped", "error", cerr)
	}
	stats.ChunksStored = sink.Stored()
	stats.HandoffFails = sink.Failed()
	if stats.HandoffFails > 0 {
		slog.Warn("some chunks were not stored", "units", stats.HandoffFails)
	}
	return stats, err
}
