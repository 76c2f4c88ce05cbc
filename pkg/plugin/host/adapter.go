package host

import (
	"context"
	"fmt"

	"github.com/spetr/mcp-bslindex/pkg/plugin/shared"
	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// EmbeddingAdapter exposes a plugin as a provider.EmbeddingProvider. Since
// net/rpc carries no context, cancellation is only checked between batches.
type EmbeddingAdapter struct {
	name   string
	plugin shared.EmbeddingProvider
}

// NewEmbeddingAdapter wraps the plugin loaded under name.
func NewEmbeddingAdapter(name string, p shared.EmbeddingProvider) *EmbeddingAdapter {
	return &EmbeddingAdapter{name: name, plugin: p}
}

// Name returns "plugin:<name>".
func (a *EmbeddingAdapter) Name() string {
	return "plugin:" + a.name
}

// Embed splits texts into the plugin's batch size and checks ctx between
// batches.
func (a *EmbeddingAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	batch := a.MaxBatchSize()
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batch, len(texts))
		vecs, err := a.plugin.Embed(texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("%w: plugin %s: %v", types.ErrEmbeddingFailed, a.name, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("%w: plugin %s returned %d vectors for %d texts",
				types.ErrEmbeddingFailed, a.name, len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Dimensions returns the embedding dimensions.
func (a *EmbeddingAdapter) Dimensions() int {
	return a.plugin.Dimensions()
}

// MaxBatchSize returns the plugin's batch size, at least 1.
func (a *EmbeddingAdapter) MaxBatchSize() int {
	return max(a.plugin.MaxBatchSize(), 1)
}

// Warmup verifies the plugin backend.
func (a *EmbeddingAdapter) Warmup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.plugin.Warmup(); err != nil {
		return fmt.Errorf("%w: plugin %s: %v", types.ErrProviderNotAvailable, a.name, err)
	}
	return nil
}

// Close closes the provider.
func (a *EmbeddingAdapter) Close() error {
	return a.plugin.Close()
}

// Ensure EmbeddingAdapter implements provider.EmbeddingProvider
var _ provider.EmbeddingProvider = (*EmbeddingAdapter)(nil)
