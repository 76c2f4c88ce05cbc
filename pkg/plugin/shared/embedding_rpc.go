package shared

import (
	"net/rpc"
)

// EmbedArgs are the arguments for the Embed RPC call.
type EmbedArgs struct {
	Texts []string
}

// EmbedReply is the reply for the Embed RPC call. Provider errors travel in
// Error so that they are not confused with transport failures.
type EmbedReply struct {
	Embeddings [][]float32
	Error      string
}

// PluginError is an error reported by the plugin itself.
type PluginError struct {
	Message string
}

func (e *PluginError) Error() string {
	return e.Message
}

func pluginError(msg string) error {
	if msg == "" {
		return nil
	}
	return &PluginError{Message: msg}
}

// EmbeddingRPCClient is the host side of an embedding plugin.
type EmbeddingRPCClient struct {
	client *rpc.Client
}

// Name returns the provider name, or "" when the plugin is unreachable.
func (c *EmbeddingRPCClient) Name() string {
	var resp string
	if err := c.client.Call("Plugin.Name", new(any), &resp); err != nil {
		return ""
	}
	return resp
}

// Embed generates embeddings for the given texts.
func (c *EmbeddingRPCClient) Embed(texts []string) ([][]float32, error) {
	var resp EmbedReply
	if err := c.client.Call("Plugin.Embed", &EmbedArgs{Texts: texts}, &resp); err != nil {
		return nil, err
	}
	if err := pluginError(resp.Error); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// Dimensions returns the embedding dimensions, or 0 if unknown.
func (c *EmbeddingRPCClient) Dimensions() int {
	var resp int
	if err := c.client.Call("Plugin.Dimensions", new(any), &resp); err != nil {
		return 0
	}
	return resp
}

// MaxBatchSize returns the maximum batch size, at least 1.
func (c *EmbeddingRPCClient) MaxBatchSize() int {
	var resp int
	if err := c.client.Call("Plugin.MaxBatchSize", new(any), &resp); err != nil || resp < 1 {
		return 1
	}
	return resp
}

// Warmup asks the plugin to verify its backend.
func (c *EmbeddingRPCClient) Warmup() error {
	return c.callErr("Plugin.Warmup")
}

// Close closes the provider.
func (c *EmbeddingRPCClient) Close() error {
	return c.callErr("Plugin.Close")
}

func (c *EmbeddingRPCClient) callErr(method string) error {
	var resp string
	if err := c.client.Call(method, new(any), &resp); err != nil {
		return err
	}
	return pluginError(resp)
}

// EmbeddingRPCServer is the plugin side, wrapping the real implementation.
type EmbeddingRPCServer struct {
	Impl EmbeddingProvider
}

func (s *EmbeddingRPCServer) Name(args any, resp *string) error {
	*resp = s.Impl.Name()
	return nil
}

func (s *EmbeddingRPCServer) Embed(args *EmbedArgs, resp *EmbedReply) error {
	embeddings, err := s.Impl.Embed(args.Texts)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Embeddings = embeddings
	return nil
}

func (s *EmbeddingRPCServer) Dimensions(args any, resp *int) error {
	*resp = s.Impl.Dimensions()
	return nil
}

func (s *EmbeddingRPCServer) MaxBatchSize(args any, resp *int) error {
	*resp = s.Impl.MaxBatchSize()
	return nil
}

func (s *EmbeddingRPCServer) Warmup(args any, resp *string) error {
	if err := s.Impl.Warmup(); err != nil {
		*resp = err.Error()
	}
	return nil
}

func (s *EmbeddingRPCServer) Close(args any, resp *string) error {
	if err := s.Impl.Close(); err != nil {
		*resp = err.Error()
	}
	return nil
}
