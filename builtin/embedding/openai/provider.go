// Package openai implements EmbeddingProvider against any OpenAI-compatible
// embeddings endpoint (OpenAI, Ollama, LM Studio, vLLM, ...).
package openai

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// Default values
const (
	DefaultModel      = openai.SmallEmbedding3
	DefaultBatchSize  = 64
	DefaultDimensions = 768
)

// Model dimensions for known models
var modelDimensions = map[string]int{
	"text-embedding-ada-002": 1536,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"nomic-embed-text":       768,
	"bge-m3":                 1024,
}

// Config contains OpenAI provider configuration.
type Config struct {
	Model      string
	APIKey     string // If empty, uses OPENAI_API_KEY env var
	BaseURL    string // Optional: custom API endpoint
	BatchSize  int
	Dimensions int // Set to 0 to use the default for the model

	// MaxChars truncates every input to this many characters (0 = no limit).
	MaxChars int
	// Suffix is appended to inputs that do not already end with it. Some
	// served models (e.g. Qwen3 embeddings) expect a manual EOS token.
	Suffix string
}

// Provider implements the EmbeddingProvider interface for OpenAI.
type Provider struct {
	config     Config
	client     *openai.Client
	dimensions int
	mu         sync.RWMutex
}

// New creates a new OpenAI embedding provider.
func New(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = string(DefaultModel)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		if d, ok := modelDimensions[cfg.Model]; ok {
			dimensions = d
		}
	}

	return &Provider{
		config:     cfg,
		client:     openai.NewClientWithConfig(clientConfig),
		dimensions: dimensions,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// prepare applies truncation and the configured suffix.
func (p *Provider) prepare(text string) string {
	if p.config.MaxChars > 3 {
		if runes := []rune(text); len(runes) > p.config.MaxChars {
			text = string(runes[:p.config.MaxChars-3]) + "..."
		}
	}
	if p.config.Suffix != "" && !strings.HasSuffix(text, p.config.Suffix) {
		text += p.config.Suffix
	}
	return text
}

// Embed generates embeddings for the given texts.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))

	for i := 0; i < len(texts); i += p.config.BatchSize {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		end := min(i+p.config.BatchSize, len(texts))
		batch := make([]string, 0, end-i)
		for _, t := range texts[i:end] {
			batch = append(batch, p.prepare(t))
		}

		req := openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(p.config.Model),
		}
		if p.config.Dimensions > 0 {
			req.Dimensions = p.config.Dimensions
		}

		resp, err := p.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingFailed, err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("%w: got %d embeddings for %d inputs",
				types.ErrEmbeddingFailed, len(resp.Data), len(batch))
		}

		for _, data := range resp.Data {
			results[i+data.Index] = data.Embedding
		}

		// Learn dimensions from the first response
		if len(resp.Data) > 0 {
			p.mu.Lock()
			if p.dimensions == 0 {
				p.dimensions = len(resp.Data[0].Embedding)
			}
			p.mu.Unlock()
		}
	}

	return results, nil
}

// Dimensions returns the embedding dimensions.
func (p *Provider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dimensions == 0 {
		return DefaultDimensions
	}
	return p.dimensions
}

// MaxBatchSize returns the maximum batch size.
func (p *Provider) MaxBatchSize() int {
	return p.config.BatchSize
}

// Warmup tests the API connection.
func (p *Provider) Warmup(ctx context.Context) error {
	if p.config.APIKey == "" && p.config.BaseURL == "" && os.Getenv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY not set", types.ErrProviderNotAvailable)
	}
	if _, err := p.Embed(ctx, []string{"test"}); err != nil {
		return fmt.Errorf("%w: %v", types.ErrProviderNotAvailable, err)
	}
	return nil
}

// Close releases resources.
func (p *Provider) Close() error {
	return nil
}

// Ensure Provider implements EmbeddingProvider interface
var _ provider.EmbeddingProvider = (*Provider)(nil)
