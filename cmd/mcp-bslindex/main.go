// mcp-bslindex is an MCP server that indexes 1C:Enterprise configurations
// for dependency queries and semantic search.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	_ "github.com/spetr/mcp-bslindex/builtin"
	"github.com/spetr/mcp-bslindex/internal/config"
	"github.com/spetr/mcp-bslindex/internal/index"
	"github.com/spetr/mcp-bslindex/internal/mcp"
	"github.com/spetr/mcp-bslindex/internal/search"
	"github.com/spetr/mcp-bslindex/pkg/plugin/host"
	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

var (
	version    = "0.1.0"
	rootDir    string
	logLevel   string
	logFormat  string
	jsonOutput bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mcp-bslindex",
	Short: "Dependency graph and semantic search for 1C:Enterprise configurations",
	Long: `mcp-bslindex indexes a 1C:Enterprise configuration dump (BSL modules,
metadata and form XML) into a typed cross-reference graph and overlapping
text chunks for embedding.

It answers:
- who uses a procedure, attribute or metadata object (refs)
- what a symbol depends on (deps)
- semantic and keyword search over code, metadata and forms (search)`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel, logFormat)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mcp-bslindex %s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the configuration",
	Long:  `Index the configuration under --root. Only changed units are re-parsed unless --full is given.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		return runIndex(cmd, full)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server on stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

var refsCmd = &cobra.Command{
	Use:   "refs <name>",
	Short: "List references to a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelations(cmd, args[0], true)
	},
}

var depsCmd = &cobra.Command{
	Use:   "deps <name>",
	Short: "List what a symbol depends on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelations(cmd, args[0], false)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dependency graph statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd)
	},
}

var symbolCmd = &cobra.Command{
	Use:   "symbol <name>",
	Short: "Show a symbol and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSymbol(cmd, args[0])
	},
}

var findCmd = &cobra.Command{
	Use:   "find <query>",
	Short: "Fuzzy search symbol names",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		return runFind(cmd, args[0], types.SymbolKind(kind), limit)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search chunks by meaning and keywords",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		mode, _ := cmd.Flags().GetString("mode")
		req := &types.SearchRequest{Query: args[0], Limit: limit, Mode: types.SearchMode(mode)}
		req.Collections, _ = cmd.Flags().GetStringSlice("collection")
		req.ExportedOnly, _ = cmd.Flags().GetBool("exported")
		return runSearch(cmd, req)
	},
}

var objectCmd = &cobra.Command{
	Use:   "object <name>",
	Short: "Show a metadata object with its members and modules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runObject(cmd, args[0])
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigInit()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigShow(cmd)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigValidate(cmd)
	},
}

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Embedding plugin management",
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPluginList()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", ".", "configuration root (XML dump directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	indexCmd.Flags().Bool("full", false, "re-parse every unit")

	for _, cmd := range []*cobra.Command{refsCmd, depsCmd} {
		cmd.Flags().StringP("kind", "k", "", "comma-separated reference kinds (call, read, write, type-reference, metadata-use)")
		cmd.Flags().IntP("depth", "d", search.DefaultDepth, "transitive hops")
	}
	findCmd.Flags().StringP("kind", "k", "", "symbol kind filter")
	findCmd.Flags().IntP("limit", "l", 20, "maximum results")
	searchCmd.Flags().IntP("limit", "l", 0, "maximum results (default from config)")
	searchCmd.Flags().StringP("mode", "m", "", "search mode (vector, bm25, hybrid)")
	searchCmd.Flags().StringSlice("collection", nil, "restrict to metadata collections (Catalogs, Documents, ...)")
	searchCmd.Flags().Bool("exported", false, "only chunks containing exported members")

	for _, cmd := range []*cobra.Command{indexCmd, refsCmd, depsCmd, statsCmd, symbolCmd, objectCmd, findCmd, searchCmd} {
		cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	}

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	pluginCmd.AddCommand(pluginListCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(refsCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(symbolCmd)
	rootCmd.AddCommand(objectCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(pluginCmd)
}

func setupLogging(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}

	// stdout belongs to the MCP transport
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// project holds the providers opened for one configuration root.
type project struct {
	root      string
	cfg       *config.Config
	graph     provider.GraphStore
	store     provider.VectorStore
	embedding provider.EmbeddingProvider
	chunker   provider.ChunkingStrategy
	plugins   *host.Manager
}

// loadConfig loads and validates the configuration. Logging settings from
// the file apply unless given on the command line.
func loadConfig(cmd *cobra.Command) (string, *config.Config, error) {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return "", nil, err
	}
	cfg, warnings, err := config.Load(root)
	if err != nil {
		return "", nil, err
	}
	if !cmd.Flags().Changed("log-level") || !cmd.Flags().Changed("log-format") {
		level, format := logLevel, logFormat
		if !cmd.Flags().Changed("log-level") && cfg.Logging.Level != "" {
			level = cfg.Logging.Level
		}
		if !cmd.Flags().Changed("log-format") && cfg.Logging.Format != "" {
			format = cfg.Logging.Format
		}
		setupLogging(level, format)
	}
	for _, w := range warnings {
		slog.Debug(w)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return "", nil, errors.Join(errs...)
	}
	return root, cfg, nil
}

// openProject opens the graph store and, when withChunks is set, the chunk
// store and embedding provider.
func openProject(ctx context.Context, cmd *cobra.Command, withChunks bool) (*project, error) {
	root, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	p := &project{root: root, cfg: cfg}
	if err := p.createProviders(ctx, withChunks); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// createProviders creates all providers based on config.
func (p *project) createProviders(ctx context.Context, withChunks bool) error {
	cfg := p.cfg
	if err := os.MkdirAll(config.ConfigDir(p.root), 0755); err != nil {
		return fmt.Errorf("failed to create index dir: %w", err)
	}

	graph, err := provider.DefaultRegistry.CreateGraphStore(cfg.Graph.Provider)
	if err != nil {
		return err
	}
	if err := graph.Init(config.GraphDBPath(p.root)); err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	p.graph = graph

	chunker, err := provider.DefaultRegistry.CreateChunking(cfg.Chunking.Strategy, provider.ChunkingConfig{
		Strategy:                cfg.Chunking.Strategy,
		MaxTokens:               cfg.Chunking.MaxTokens,
		OverlapTokens:           cfg.Chunking.OverlapTokens,
		CharsPerToken:           cfg.Chunking.CharsPerToken,
		BoundaryToleranceTokens: cfg.Chunking.BoundaryToleranceTokens,
	})
	if err != nil {
		return err
	}
	p.chunker = chunker

	if !withChunks {
		return nil
	}

	store, err := provider.DefaultRegistry.CreateVectorStore(cfg.VectorStore.Provider)
	if err != nil {
		return err
	}
	if err := store.Init(config.ChunkDBPath(p.root)); err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}
	p.store = store

	embedding, err := p.createEmbedding()
	if err != nil {
		return err
	}
	p.embedding = embedding
	if err := embedding.Warmup(ctx); err != nil {
		slog.Warn("embedding warmup failed", "provider", embedding.Name(), "error", err)
	}
	return nil
}

func (p *project) createEmbedding() (provider.EmbeddingProvider, error) {
	e := p.cfg.Embedding
	if name, ok := strings.CutPrefix(e.Provider, "plugin:"); ok {
		p.plugins = host.NewManager(config.PluginsDir(p.root))
		return p.plugins.LoadEmbedding(name)
	}
	return provider.DefaultRegistry.CreateEmbedding(e.Provider, provider.EmbeddingConfig{
		Provider:   e.Provider,
		Model:      e.Model,
		Endpoint:   e.Endpoint,
		APIKey:     e.APIKey,
		BatchSize:  e.BatchSize,
		Dimensions: e.Dimensions,
		MaxChars:   e.MaxChars,
		Suffix:     e.Suffix,
	})
}

// Close releases every opened provider.
func (p *project) Close() {
	if p.embedding != nil {
		if err := p.embedding.Close(); err != nil {
			slog.Warn("failed to close embedding", "error", err)
		}
	}
	if p.plugins != nil {
		p.plugins.UnloadAll()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			slog.Warn("failed to close chunk store", "error", err)
		}
	}
	if p.graph != nil {
		if err := p.graph.Close(); err != nil {
			slog.Warn("failed to close graph store", "error", err)
		}
	}
}

func (p *project) engine() *search.Engine {
	return mcp.NewEngine(p.cfg, p.graph, p.store, p.embedding)
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runIndex(cmd *cobra.Command, full bool) error {
	ctx, stop := signalContext()
	defer stop()

	p, err := openProject(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer p.Close()

	if t := p.cfg.Limits.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	mode := types.IndexModeIncremental
	if full {
		mode = types.IndexModeFull
	}
	slog.Info("indexing", "root", p.root, "mode", mode,
		"embedding", p.embedding.Name(),
		"chunking", p.chunker.Name(),
	)

	interactive := !jsonOutput && isTerminal(os.Stderr)
	stats, err := index.Run(ctx, index.RunConfig{
		Scan:       p.cfg.ScanConfig(p.root),
		Graph:      p.graph,
		Chunker:    p.chunker,
		Policy:     p.cfg.Resolver,
		Workers:    p.cfg.Limits.Workers,
		ConfigHash: p.cfg.Hash(),
		Store:      p.store,
		Embedding:  p.embedding,
		OnProgress: func(pr types.IndexProgress) {
			if interactive && pr.TotalUnits > 0 {
				fmt.Fprintf(os.Stderr, "\r[%s] %d/%d", pr.Phase, pr.ProcessedUnits, pr.TotalUnits)
			}
		},
	}, mode)
	if interactive {
		fmt.Fprintln(os.Stderr)
	}
	if errors.Is(err, types.ErrCancelled) {
		fmt.Fprintln(os.Stderr, "Indexing interrupted. Committed units are kept; run again to resume.")
	} else if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	if jsonOutput {
		return printJSON(stats)
	}
	fmt.Printf("Mode: %s\n", stats.Mode)
	fmt.Printf("Units: %d indexed, %d unchanged, %d removed, %d kept\n", stats.Units, stats.Skipped, stats.Removed, stats.Kept)
	fmt.Printf("Symbols: %d, Edges: %d (unresolved %d, ambiguous %d)\n", stats.Symbols, stats.Edges, stats.Unresolved, stats.Ambiguous)
	fmt.Printf("Chunks: %d produced, %d stored\n", stats.Chunks, stats.ChunksStored)
	for _, d := range stats.Diagnostics {
		fmt.Printf("  [%s] %s: %s\n", d.Severity, d.File, d.Reason)
	}
	return err
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signalContext()
	defer stop()

	p, err := openProject(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer p.Close()

	server, err := mcp.New(mcp.Config{
		ProjectDir: p.root,
		Config:     p.cfg,
		Graph:      p.graph,
		Store:      p.store,
		Embedding:  p.embedding,
		Chunker:    p.chunker,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	slog.Info("MCP server running", "root", p.root)
	errCh := make(chan error, 1)
	go func() { errCh <- server.ServeStdio() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutdown complete")
		return nil
	}
}

func runRelations(cmd *cobra.Command, name string, inbound bool) error {
	kindList, _ := cmd.Flags().GetString("kind")
	depth, _ := cmd.Flags().GetInt("depth")
	kinds, err := search.ParseKinds(kindList)
	if err != nil {
		return err
	}

	p, err := openProject(cmd.Context(), cmd, false)
	if err != nil {
		return err
	}
	defer p.Close()

	q := search.RelationQuery{Name: name, Kinds: kinds, Depth: depth}
	var rel *search.Relations
	if inbound {
		rel, err = p.engine().LookupReferences(cmd.Context(), q)
	} else {
		rel, err = p.engine().LookupDependents(cmd.Context(), q)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(rel)
	}
	fmt.Printf("%s (%s) %s:%d\n", rel.Symbol.ID, rel.Symbol.Kind, rel.Symbol.FilePath, rel.Symbol.Span.StartLine)
	if len(rel.Edges) == 0 {
		fmt.Println("  no edges")
	}
	for _, e := range rel.Edges {
		other := e.Target.Key()
		if inbound {
			other = e.SourceID
		}
		fmt.Printf("  %s%-14s %-40s %s x%d [%s]\n", strings.Repeat("  ", max(e.Depth-1, 0)), e.Kind, other, e.SourceFile, e.Count, e.Target.State)
	}
	return nil
}

func runStats(cmd *cobra.Command) error {
	p, err := openProject(cmd.Context(), cmd, false)
	if err != nil {
		return err
	}
	defer p.Close()

	stats, err := p.engine().GraphStats()
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(stats)
	}
	fmt.Printf("Units: %d, Symbols: %d, Edges: %d, Chunks: %d\n", stats.Units, stats.Symbols, stats.Edges, stats.Chunks)
	fmt.Printf("Unresolved ratio: %.1f%%\n", stats.UnresolvedRatio*100)
	if !stats.LastIndexed.IsZero() {
		fmt.Printf("Last indexed: %s\n", stats.LastIndexed.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runSymbol(cmd *cobra.Command, name string) error {
	p, err := openProject(cmd.Context(), cmd, false)
	if err != nil {
		return err
	}
	defer p.Close()

	rec, err := p.engine().GetSymbol(name)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rec)
	}
	sym := rec.Symbol
	fmt.Printf("%s\n  kind: %s\n  file: %s:%d-%d\n", sym.ID, sym.Kind, sym.FilePath, sym.Span.StartLine, sym.Span.EndLine)
	if sym.Signature != "" {
		fmt.Printf("  signature: %s\n", sym.Signature)
	}
	if sym.Doc != "" {
		fmt.Printf("  doc: %s\n", sym.Doc)
	}
	fmt.Printf("  chunks: %s\n", strings.Join(rec.ChunkIDs, ", "))
	return nil
}

func runObject(cmd *cobra.Command, name string) error {
	p, err := openProject(cmd.Context(), cmd, false)
	if err != nil {
		return err
	}
	defer p.Close()

	rec, err := p.engine().GetObject(name)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rec)
	}
	fmt.Printf("%s (%s)\n", rec.Object.ID, rec.Object.Kind)
	for _, m := range rec.Members {
		fmt.Printf("  %-10s %s\n", m.Kind, m.ID)
	}
	for _, mod := range rec.Modules {
		fmt.Printf("  module     %s\n", mod)
	}
	fmt.Printf("  chunks: %d\n", len(rec.ChunkIDs))
	return nil
}

func runFind(cmd *cobra.Command, query string, kind types.SymbolKind, limit int) error {
	p, err := openProject(cmd.Context(), cmd, false)
	if err != nil {
		return err
	}
	defer p.Close()

	matches, err := p.engine().FuzzySearchSymbols(query, kind, limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(matches)
	}
	for _, m := range matches {
		fmt.Printf("%.2f %-8s %s (%s)\n", m.Score, m.MatchType, m.Symbol.ID, m.Symbol.Kind)
	}
	return nil
}

func runSearch(cmd *cobra.Command, req *types.SearchRequest) error {
	p, err := openProject(cmd.Context(), cmd, true)
	if err != nil {
		return err
	}
	defer p.Close()

	results, err := p.engine().Search(cmd.Context(), req)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(results)
	}
	for i, r := range results {
		fmt.Printf("%d. %s:%d-%d (score %.3f)\n", i+1, r.Chunk.FilePath, r.Chunk.StartLine, r.Chunk.EndLine, r.Score)
		if r.Chunk.SymbolID != "" {
			fmt.Printf("   %s\n", r.Chunk.SymbolID)
		}
	}
	return nil
}

func runConfigInit() error {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(config.ConfigPath(root)); err == nil {
		return fmt.Errorf("config already exists at %s", config.ConfigPath(root))
	}
	if err := config.Save(root, config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Created config at %s\n", config.ConfigPath(root))
	return nil
}

func runConfigShow(cmd *cobra.Command) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	shown := cfg.Copy()
	if shown.Embedding.APIKey != "" {
		shown.Embedding.APIKey = "***"
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(shown)
}

func runConfigValidate(cmd *cobra.Command) error {
	if _, _, err := loadConfig(cmd); err != nil {
		return err
	}
	fmt.Println("Configuration is valid")
	return nil
}

func runPluginList() error {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return err
	}
	pluginsDir := config.PluginsDir(root)
	available, err := host.NewManager(pluginsDir).DiscoverPlugins()
	if err != nil {
		return err
	}

	fmt.Printf("Plugins directory: %s\n", pluginsDir)
	if len(available) == 0 {
		fmt.Println("No plugins found. Copy an executable plugin there and set embedding.provider to plugin:<name>.")
		return nil
	}
	for _, name := range available {
		fmt.Printf("  - %s\n", name)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
