// Package none implements an EmbeddingProvider that produces no vectors.
// Chunks are still stored and searchable through BM25.
package none

import (
	"context"

	"github.com/spetr/mcp-bslindex/pkg/provider"
)

// Provider returns an empty embedding for every text.
type Provider struct{}

// New creates a new no-op embedding provider.
func New() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "none"
}

// Embed returns one nil vector per text.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions returns 0: no vectors are produced.
func (p *Provider) Dimensions() int {
	return 0
}

// MaxBatchSize returns a large batch; embedding is free.
func (p *Provider) MaxBatchSize() int {
	return 10000
}

// Warmup does nothing.
func (p *Provider) Warmup(ctx context.Context) error {
	return nil
}

// Close does nothing.
func (p *Provider) Close() error {
	return nil
}

// Ensure Provider implements the EmbeddingProvider interface
var _ provider.EmbeddingProvider = (*Provider)(nil)
