// Package mcp implements the MCP server for configuration queries.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/spetr/mcp-bslindex/internal/config"
	"github.com/spetr/mcp-bslindex/internal/index"
	"github.com/spetr/mcp-bslindex/internal/search"
	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// Server implements the MCP server.
type Server struct {
	mcpServer  *server.MCPServer
	projectDir string
	config     *config.Config
	graph      provider.GraphStore
	store      provider.VectorStore
	embedding  provider.EmbeddingProvider
	chunker    provider.ChunkingStrategy
	search     *search.Engine

	indexing sync.Mutex
}

// Config contains server configuration.
type Config struct {
	ProjectDir string
	Config     *config.Config
	Graph      provider.GraphStore
	Store      provider.VectorStore       // optional
	Embedding  provider.EmbeddingProvider // optional
	Chunker    provider.ChunkingStrategy
}

// New creates a new MCP server.
func New(cfg Config) (*Server, error) {
	if cfg.Graph == nil || cfg.Chunker == nil {
		return nil, fmt.Errorf("%w: graph store and chunker are required", types.ErrInvalidConfig)
	}
	if cfg.Config == nil {
		cfg.Config = config.DefaultConfig()
	}

	s := &Server{
		projectDir: cfg.ProjectDir,
		config:     cfg.Config,
		graph:      cfg.Graph,
		store:      cfg.Store,
		embedding:  cfg.Embedding,
		chunker:    cfg.Chunker,
	}
	s.search = NewEngine(cfg.Config, cfg.Graph, cfg.Store, cfg.Embedding)

	mcpServer := server.NewMCPServer(
		"mcp-bslindex",
		Version,
		server.WithLogging(),
	)
	s.registerTools(mcpServer)

	s.mcpServer = mcpServer
	return s, nil
}

// NewEngine builds a search engine from configuration.
func NewEngine(cfg *config.Config, graph provider.GraphStore, store provider.VectorStore, embedding provider.EmbeddingProvider) *search.Engine {
	return search.New(search.Config{
		Graph:        graph,
		Store:        store,
		Embedding:    embedding,
		MaxNodes:     cfg.Graph.MaxNodes,
		MaxDepth:     cfg.Graph.MaxDepth,
		SearchLimit:  cfg.Search.DefaultLimit,
		MaxLimit:     cfg.Search.MaxLimit,
		SearchMode:   types.SearchMode(cfg.Search.Mode),
		VectorWeight: cfg.Search.VectorWeight,
		BM25Weight:   cfg.Search.BM25Weight,
	})
}

// registerTools registers all MCP tools.
func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("index",
		mcp.WithDescription("Index the configuration: parse modules, metadata and forms, resolve references and rebuild chunks"),
		mcp.WithString("mode", mcp.Description("incremental (default) re-parses changed units only; full rebuilds everything")),
	), s.handleIndex)

	mcpServer.AddTool(mcp.NewTool("lookup_references",
		mcp.WithDescription("List who uses a symbol: callers, readers, writers and metadata references"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Symbol ID, qualified name (Module.Method, Catalogs.Products) or bare name")),
		mcp.WithString("kind", mcp.Description("Comma-separated reference kinds: call, read, write, type-reference, metadata-use")),
		mcp.WithNumber("depth", mcp.Description("Transitive hops (default 1)")),
	), s.handleLookupReferences)

	mcpServer.AddTool(mcp.NewTool("lookup_dependents",
		mcp.WithDescription("List what a symbol depends on: callees, read and written fields, referenced metadata"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Symbol ID, qualified name or bare name")),
		mcp.WithString("kind", mcp.Description("Comma-separated reference kinds: call, read, write, type-reference, metadata-use")),
		mcp.WithNumber("depth", mcp.Description("Transitive hops (default 1)")),
	), s.handleLookupDependents)

	mcpServer.AddTool(mcp.NewTool("graph_stats",
		mcp.WithDescription("Get counts of units, symbols, edges and chunks, and the unresolved reference ratio"),
	), s.handleGraphStats)

	mcpServer.AddTool(mcp.NewTool("get_symbol",
		mcp.WithDescription("Get a symbol with its signature, location and the IDs of its chunks"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Symbol ID, qualified name or bare name")),
	), s.handleGetSymbol)

	mcpServer.AddTool(mcp.NewTool("find_symbols",
		mcp.WithDescription("Fuzzy search for symbols by name (prefix, substring, CamelCase tokens, typos)"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Name or part of a name")),
		mcp.WithString("kind", mcp.Description("Symbol kind: module, procedure, function, variable, object, attribute, tabular_section, form, form_element, command")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20)")),
	), s.handleFindSymbols)

	mcpServer.AddTool(mcp.NewTool("search_code",
		mcp.WithDescription("Search chunks of code, metadata and forms by meaning and keywords"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
		mcp.WithString("mode", mcp.Description("Search mode: vector, bm25, hybrid")),
		mcp.WithArray("unit_kinds", mcp.Description("Filter by unit kind: module, metadata, form"), mcp.WithStringItems()),
		mcp.WithArray("collections", mcp.Description("Filter by collection, e.g. Catalogs, Documents, CommonModules (Russian names accepted)"), mcp.WithStringItems()),
		mcp.WithBoolean("exported", mcp.Description("Only chunks of exported procedures and functions")),
	), s.handleSearchCode)

	mcpServer.AddTool(mcp.NewTool("get_object",
		mcp.WithDescription("Get a metadata object with its attributes, tabular sections, forms, commands, modules and the IDs of all their chunks"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Object ID, Collection.Name (Catalogs.Products) or bare name")),
	), s.handleGetObject)

	mcpServer.AddTool(mcp.NewTool("get_chunk",
		mcp.WithDescription("Get a chunk by ID with surrounding lines from its source file"),
		mcp.WithString("chunk_id", mcp.Required(), mcp.Description("Chunk ID ({file}#{ordinal})")),
		mcp.WithNumber("context_lines", mcp.Description("Lines of context (default 5)")),
	), s.handleGetChunk)
}

func (s *Server) handleIndex(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode := types.IndexMode(req.GetString("mode", string(types.IndexModeIncremental)))
	if mode != types.IndexModeFull && mode != types.IndexModeIncremental {
		return mcp.NewToolResultError(fmt.Sprintf("unknown mode %q (valid: full, incremental)", mode)), nil
	}
	if !s.indexing.TryLock() {
		return mcp.NewToolResultError("indexing is already running"), nil
	}
	defer s.indexing.Unlock()

	if t := s.config.Limits.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	slog.Info("starting indexing", "mode", mode)
	stats, err := index.Run(ctx, index.RunConfig{
		Scan:       s.config.ScanConfig(s.projectDir),
		Graph:      s.graph,
		Chunker:    s.chunker,
		Policy:     s.config.Resolver,
		Workers:    s.config.Limits.Workers,
		ConfigHash: s.config.Hash(),
		Store:      s.store,
		Embedding:  s.embedding,
		OnProgress: func(p types.IndexProgress) {
			slog.Debug("progress", "phase", p.Phase, "units", p.ProcessedUnits, "total", p.TotalUnits)
		},
	}, mode)
	if err != nil && !errors.Is(err, types.ErrCancelled) {
		return mcp.NewToolResultError(fmt.Sprintf("indexing failed: %v", err)), nil
	}
	return jsonResult(stats)
}

func (s *Server) handleLookupReferences(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, errResult := relationQuery(req)
	if errResult != nil {
		return errResult, nil
	}
	rel, err := s.search.LookupReferences(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rel)
}

func (s *Server) handleLookupDependents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, errResult := relationQuery(req)
	if errResult != nil {
		return errResult, nil
	}
	rel, err := s.search.LookupDependents(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rel)
}

func relationQuery(req mcp.CallToolRequest) (search.RelationQuery, *mcp.CallToolResult) {
	name := req.GetString("name", "")
	if name == "" {
		return search.RelationQuery{}, mcp.NewToolResultError("name is required")
	}
	kinds, err := search.ParseKinds(req.GetString("kind", ""))
	if err != nil {
		return search.RelationQuery{}, mcp.NewToolResultError(err.Error())
	}
	return search.RelationQuery{Name: name, Kinds: kinds, Depth: req.GetInt("depth", search.DefaultDepth)}, nil
}

func (s *Server) handleGraphStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.search.GraphStats()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}
	return jsonResult(stats)
}

func (s *Server) handleGetSymbol(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	rec, err := s.search.GetSymbol(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleGetObject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	rec, err := s.search.GetObject(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleFindSymbols(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	kind := types.SymbolKind(req.GetString("kind", ""))
	matches, err := s.search.FuzzySearchSymbols(query, kind, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("symbol search failed: %v", err)), nil
	}
	if matches == nil {
		matches = []*search.FuzzyMatch{}
	}
	return jsonResult(matches)
}

func (s *Server) handleSearchCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	searchReq := &types.SearchRequest{
		Query:        query,
		Limit:        req.GetInt("limit", 0),
		Mode:         types.SearchMode(req.GetString("mode", "")),
		Collections:  req.GetStringSlice("collections", nil),
		ExportedOnly: req.GetBool("exported", false),
	}
	for _, k := range req.GetStringSlice("unit_kinds", nil) {
		searchReq.UnitKinds = append(searchReq.UnitKinds, types.UnitKind(k))
	}

	results, err := s.search.Search(ctx, searchReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	formatted := make([]map[string]any, 0, len(results))
	for _, r := range results {
		entry := map[string]any{
			"id":         r.Chunk.ID,
			"file":       r.Chunk.FilePath,
			"unit_kind":  r.Chunk.UnitKind,
			"start_line": r.Chunk.StartLine,
			"end_line":   r.Chunk.EndLine,
			"score":      r.Score,
			"content":    r.Chunk.Text,
		}
		if r.Chunk.SymbolID != "" {
			entry["symbol"] = r.Chunk.SymbolID
		}
		if r.Chunk.Collection != "" {
			entry["collection"] = r.Chunk.Collection
		}
		if r.Chunk.Exported {
			entry["exported"] = true
		}
		formatted = append(formatted, entry)
	}
	return jsonResult(formatted)
}

func (s *Server) handleGetChunk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chunkID := req.GetString("chunk_id", "")
	if chunkID == "" {
		return mcp.NewToolResultError("chunk_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("no vector store configured"), nil
	}

	chunk, err := s.store.GetChunk(chunkID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get chunk: %v", err)), nil
	}

	contextLines := req.GetInt("context_lines", 5)
	before, after := getChunkContext(filepath.Join(s.projectDir, filepath.FromSlash(chunk.FilePath)), chunk.StartLine, chunk.EndLine, contextLines)

	return jsonResult(map[string]any{
		"id":             chunk.ID,
		"file":           chunk.FilePath,
		"unit_kind":      chunk.UnitKind,
		"start_line":     chunk.StartLine,
		"end_line":       chunk.EndLine,
		"symbol":         chunk.SymbolID,
		"content":        chunk.Text,
		"context_before": before,
		"context_after":  after,
	})
}

// ServeStdio starts the MCP server using stdio transport.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// getChunkContext reads context lines before and after the chunk from the source file.
func getChunkContext(filePath string, startLine, endLine, contextLines int) (before, after string) {
	if contextLines <= 0 {
		return "", ""
	}
	file, err := os.Open(filePath)
	if err != nil {
		return "", ""
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", ""
	}

	// Lines are 1-indexed
	beforeStart := max(startLine-1-contextLines, 0)
	beforeEnd := min(startLine-1, len(lines))
	if beforeStart < beforeEnd {
		before = strings.Join(lines[beforeStart:beforeEnd], "\n")
	}

	afterStart := max(endLine, 0)
	afterEnd := min(endLine+contextLines, len(lines))
	if afterStart < afterEnd {
		after = strings.Join(lines[afterStart:afterEnd], "\n")
	}
	return before, after
}
