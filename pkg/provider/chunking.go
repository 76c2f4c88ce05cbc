package provider

import (
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// ChunkingStrategy splits a parsed unit into embedding-sized chunks.
type ChunkingStrategy interface {
	// Name returns the strategy name (e.g., "window").
	Name() string

	// Chunk splits the unit text. Symbols supply preferred boundaries and
	// chunk ownership; they may be nil.
	Chunk(unit *types.Unit, symbols []*types.Symbol) ([]*types.Chunk, error)

	// MaxTokens returns the hard per-chunk token budget.
	MaxTokens() int
}

// ChunkingConfig contains configuration for chunking strategies.
type ChunkingConfig struct {
	Strategy                string  // "window"
	MaxTokens               int     // Max tokens per chunk
	OverlapTokens           int     // Tokens repeated from the previous chunk
	CharsPerToken           float64 // Token estimate calibration
	BoundaryToleranceTokens int     // How far a cut may move to reach a symbol boundary
}
