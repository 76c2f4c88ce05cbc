package provider

import (
	"context"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// Store is a minimal interface for basic store operations.
type Store interface {
	// Name returns the store name (e.g., "sqlitevec").
	Name() string

	// Init initializes the store at the given path.
	Init(path string) error

	// Close releases resources and closes connections.
	Close() error
}

// ChunkStore handles chunk storage operations.
type ChunkStore interface {
	// StoreChunks stores chunks with their embeddings.
	StoreChunks(chunks []*types.ChunkWithEmbedding) error

	// GetChunk retrieves a chunk by ID.
	GetChunk(id string) (*types.Chunk, error)

	// DeleteChunksByFile removes all chunks for a file.
	DeleteChunksByFile(filePath string) error

	// CountChunks returns the number of stored chunks.
	CountChunks() (int, error)

	// CountChunksByKind returns the number of stored chunks per unit kind.
	CountChunksByKind() (map[types.UnitKind]int, error)
}

// Searcher handles search operations.
type Searcher interface {
	// Search performs hybrid search (BM25 + vector).
	Search(ctx context.Context, req *types.SearchRequest) ([]*types.SearchResult, error)
}

// UnitCommit is everything the graph store keeps for one unit. It replaces
// whatever the store held for the same RelPath.
type UnitCommit struct {
	RelPath string
	Kind    types.UnitKind
	Hash    string
	Symbols []*types.Symbol
	Edges   []*types.Edge
	Chunks  []*types.Chunk // Only IDs, owners and byte ranges are persisted
}

// GraphWriter mutates the dependency graph. Every method is atomic.
type GraphWriter interface {
	// ReplaceUnit swaps the unit's symbols, edges and chunk references in one
	// transaction. Edges elsewhere that targeted removed symbols become
	// unresolved.
	ReplaceUnit(ctx context.Context, c *UnitCommit) error

	// DeleteUnit removes a unit that no longer exists on disk.
	DeleteUnit(ctx context.Context, relPath string) error

	// Reset drops all state, including a corruption mark.
	Reset(ctx context.Context) error

	// SetMeta stores a small key/value pair alongside the graph.
	SetMeta(ctx context.Context, key, value string) error
}

// GraphReader answers dependency queries.
type GraphReader interface {
	// UnitHashes returns content hashes of every committed unit.
	UnitHashes() (map[string]string, error)

	// AllSymbols returns every stored symbol.
	AllSymbols() ([]*types.Symbol, error)

	// GetSymbol returns a symbol by ID or types.ErrNotFound.
	GetSymbol(id string) (*types.Symbol, error)

	// FindSymbols matches an ID, qualified name, alias or bare name,
	// case-insensitively.
	FindSymbols(name string, limit int) ([]*types.Symbol, error)

	// PendingUnits returns units holding unresolved or ambiguous edges whose
	// target name equals one of names, or resolved edges to a symbol whose
	// bare name does, case-insensitively.
	PendingUnits(names []string) ([]string, error)

	// ChunkIDs returns the chunks holding a symbol's text, ordered by
	// ordinal.
	ChunkIDs(symbolID string) ([]string, error)

	// Children returns the symbols whose container is the given symbol.
	Children(containerID string) ([]*types.Symbol, error)

	// Outgoing returns edges whose source is the symbol.
	Outgoing(symbolID string, kinds []types.RefKind) ([]*types.Edge, error)

	// Incoming returns edges resolved to the symbol.
	Incoming(symbolID string, kinds []types.RefKind) ([]*types.Edge, error)

	// Traverse walks edges breadth-first from the seeds.
	Traverse(ctx context.Context, req *types.TraverseRequest) ([]*types.Edge, error)

	// Stats returns aggregate counts.
	Stats() (*types.GraphStats, error)

	// Meta returns a value stored by SetMeta, or "" when unset.
	Meta(key string) (string, error)
}

// GraphStore persists the typed dependency graph.
type GraphStore interface {
	Store
	GraphWriter
	GraphReader

	// Verify checks persisted invariants. A violation returns an error
	// wrapping types.ErrStoreCorrupt and fences further queries.
	Verify() error
}

// GraphStoreConfig contains configuration for graph stores.
type GraphStoreConfig struct {
	Provider string // "sqlitegraph"
	Path     string // Path to database file
}
