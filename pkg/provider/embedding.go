// Package provider defines interfaces for pluggable components.
package provider

import (
	"context"
)

// EmbeddingProvider generates vector embeddings from text.
type EmbeddingProvider interface {
	// Name returns the provider name (e.g., "openai", "plugin:voyage").
	Name() string

	// Embed generates embeddings for the given texts.
	// Returns a slice of embeddings, one for each input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension size.
	Dimensions() int

	// MaxBatchSize returns the maximum number of texts per batch.
	MaxBatchSize() int

	// Warmup verifies the endpoint is reachable before a long run.
	Warmup(ctx context.Context) error

	// Close releases any resources.
	Close() error
}

// EmbeddingConfig contains configuration for embedding providers.
type EmbeddingConfig struct {
	Provider  string // "openai", "none" or "plugin:<name>"
	Model     string // Model name
	Endpoint  string // Base URL of an OpenAI-compatible API (Ollama, LM Studio, ...)
	APIKey    string // API key
	BatchSize int    // Texts per request

	Dimensions int    // Requested vector size; 0 uses the model default
	MaxChars   int    // Truncate inputs to this many characters (0 = no limit)
	Suffix     string // Appended to every input, e.g. a manual EOS token
}
