package provider

// VectorStore stores chunk text with embeddings and answers search_code.
type VectorStore interface {
	Store
	ChunkStore
	Searcher
}

// VectorStoreConfig contains configuration for vector stores.
type VectorStoreConfig struct {
	Provider string // "sqlitevec"
	Path     string // Path to database file
}
