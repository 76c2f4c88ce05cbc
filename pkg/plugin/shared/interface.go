// Package shared defines the contract between the indexer and external
// embedding plugins.
package shared

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake is a common handshake that is shared by plugin and host.
// Prevents plugins compiled with different versions from running.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MCP_BSLINDEX_PLUGIN",
	MagicCookieValue: "mcp-bslindex-v1",
}

// PluginType identifies the type of plugin.
type PluginType string

// PluginTypeEmbedding is the only plugin type: chunk text goes in, vectors
// come out.
const PluginTypeEmbedding PluginType = "embedding"

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]plugin.Plugin{
	string(PluginTypeEmbedding): &EmbeddingPlugin{},
}

// EmbeddingProvider is the interface that embedding plugins must implement.
// It mirrors provider.EmbeddingProvider without context, which net/rpc
// cannot carry.
type EmbeddingProvider interface {
	Name() string
	Embed(texts []string) ([][]float32, error)
	Dimensions() int
	MaxBatchSize() int
	Warmup() error
	Close() error
}

// EmbeddingPlugin is the plugin.Plugin implementation for embedding providers.
type EmbeddingPlugin struct {
	Impl EmbeddingProvider
}

func (p *EmbeddingPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &EmbeddingRPCServer{Impl: p.Impl}, nil
}

func (p *EmbeddingPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &EmbeddingRPCClient{client: c}, nil
}
