// Package index runs the two-pass indexing pipeline: parse every unit, then
// resolve, chunk and commit unit by unit.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spetr/mcp-bslindex/internal/parser"
	"github.com/spetr/mcp-bslindex/internal/resolve"
	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// MetaConfigHash is the graph metadata key holding the hash of the settings
// the graph was built with.
const MetaConfigHash = "config_hash"

// Indexer builds and maintains the dependency graph.
type Indexer struct {
	graph      provider.GraphStore
	chunker    provider.ChunkingStrategy
	sink       ChunkSink
	policy     resolve.Policy
	workers    int
	configHash string

	// Progress tracking
	progressMu sync.Mutex
	progress   types.IndexProgress
	onProgress func(types.IndexProgress)
}

// Config contains indexer configuration.
type Config struct {
	Graph   provider.GraphStore
	Chunker provider.ChunkingStrategy
	Sink    ChunkSink // nil discards chunks
	Policy  resolve.Policy

	// Workers parses units in parallel during pass 1. Zero or one keeps
	// the run single-threaded.
	Workers int

	// ConfigHash identifies settings that change parse or resolve output.
	// An incremental run against a graph built with another hash runs full.
	ConfigHash string

	OnProgress func(types.IndexProgress)
}

// Request is one indexing run over the complete set of units.
type Request struct {
	Mode  types.IndexMode
	Units []*types.Unit

	// Keep names units that still exist but could not be read. Their
	// stored symbols and edges stay as they are and remain resolvable.
	Keep []string
}

// New creates a new indexer.
func New(cfg Config) *Indexer {
	sink := cfg.Sink
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Indexer{
		graph:      cfg.Graph,
		chunker:    cfg.Chunker,
		sink:       sink,
		policy:     cfg.Policy,
		workers:    max(cfg.Workers, 1),
		configHash: cfg.ConfigHash,
		onProgress: cfg.OnProgress,
	}
}

// parsed is the pass-1 output for one unit.
type parsed struct {
	unit   *types.Unit
	result *parser.Result
}

// IndexDir scans a configuration root and indexes what it finds. Scan
// diagnostics are merged into the result.
func (idx *Indexer) IndexDir(ctx context.Context, scan ScanConfig, mode types.IndexMode) (*types.IndexResult, error) {
	idx.updateProgress("scanning", 0, 0, "")

	sr, err := Scan(ctx, scan)
	if err != nil {
		if ctx.Err() != nil {
			return &types.IndexResult{Mode: mode, Cancelled: true}, cancelled(ctx)
		}
		return nil, fmt.Errorf("failed to scan %s: %w", scan.Root, err)
	}
	slog.Info("scanned units", "total", len(sr.Units), "skipped", len(sr.Skipped), "root", scan.Root)

	res, err := idx.Index(ctx, Request{Mode: mode, Units: sr.Units, Keep: sr.Skipped})
	if res != nil {
		res.Diagnostics = append(sr.Diagnostics, res.Diagnostics...)
	}
	return res, err
}

// Index runs one indexing pass. Units must hold every unit of the
// configuration: stored units missing from both Units and Keep are deleted
// in both modes.
//
// Cancellation is observed between units only. A cancelled run returns the
// partial result with Cancelled set and an error wrapping types.ErrCancelled;
// every unit committed before the checkpoint stays committed.
func (idx *Indexer) Index(ctx context.Context, req Request) (*types.IndexResult, error) {
	start := time.Now()
	mode := req.Mode
	if mode == "" {
		mode = types.IndexModeIncremental
	}

	if mode == types.IndexModeIncremental {
		if err := idx.graph.Verify(); err != nil {
			return nil, err
		}
		stored, err := idx.graph.Meta(MetaConfigHash)
		if err != nil {
			return nil, err
		}
		if stored != idx.configHash {
			slog.Info("index settings changed, running full index", "stored", stored, "current", idx.configHash)
			mode = types.IndexModeFull
		}
	}

	// Commit order decides which unit keeps a colliding symbol ID.
	units := slices.Clone(req.Units)
	sort.Slice(units, func(i, j int) bool { return units[i].RelPath < units[j].RelPath })

	keep := make(map[string]bool, len(req.Keep))
	for _, rel := range req.Keep {
		keep[rel] = true
	}
	for _, u := range units {
		delete(keep, u.RelPath)
	}

	res := &types.IndexResult{Mode: mode}
	var err error
	if mode == types.IndexModeFull {
		err = idx.full(ctx, units, keep, res)
	} else {
		err = idx.incremental(ctx, units, keep, res)
	}
	res.Duration = time.Since(start)

	if err != nil {
		if res.Cancelled {
			slog.Warn("indexing cancelled", "committed", res.Units, "duration", res.Duration.Round(time.Millisecond))
			return res, err
		}
		return nil, err
	}

	if err := idx.graph.SetMeta(ctx, MetaConfigHash, idx.configHash); err != nil {
		return nil, fmt.Errorf("failed to store index metadata: %w", err)
	}

	idx.updateProgress("done", 0, 0, "")
	slog.Info("indexing complete",
		"mode", res.Mode,
		"units", res.Units,
		"skipped", res.Skipped,
		"removed", res.Removed,
		"kept", res.Kept,
		"symbols", res.Symbols,
		"edges", res.Edges,
		"unresolved", res.Unresolved,
		"ambiguous", res.Ambiguous,
		"chunks", res.Chunks,
		"diagnostics", len(res.Diagnostics),
		"duration", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

func (idx *Indexer) full(ctx context.Context, units []*types.Unit, keep map[string]bool, res *types.IndexResult) error {
	if err := idx.graph.Verify(); err != nil {
		if !types.NeedsReindex(err) {
			return err
		}
		slog.Warn("resetting corrupt graph store", "error", err)
		if err := idx.graph.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset graph store: %w", err)
		}
	}

	hashes, err := idx.graph.UnitHashes()
	if err != nil {
		return err
	}
	if err := idx.removeStale(ctx, hashes, units, keep, res); err != nil {
		return err
	}

	work, err := idx.parseAll(ctx, units, res)
	if err != nil {
		return err
	}

	frozen, err := idx.keptSymbols(hashes, keep, res)
	if err != nil {
		return err
	}
	symbols := frozen
	for _, p := range work {
		symbols = append(symbols, p.result.Symbols...)
	}
	table := resolve.NewSymbolTable(symbols, idx.policy.CaseSensitive)
	slog.Debug("symbol table built", "symbols", table.Len())

	return idx.commitAll(ctx, work, table, res)
}

func (idx *Indexer) incremental(ctx context.Context, units []*types.Unit, keep map[string]bool, res *types.IndexResult) error {
	hashes, err := idx.graph.UnitHashes()
	if err != nil {
		return err
	}

	byPath := make(map[string]*types.Unit, len(units))
	var changed []*types.Unit
	for _, u := range units {
		byPath[u.RelPath] = u
		if h, ok := hashes[u.RelPath]; ok && h == u.Hash {
			res.Skipped++
			continue
		}
		changed = append(changed, u)
	}
	removed := make(map[string]bool)
	for rel := range hashes {
		if _, ok := byPath[rel]; !ok && !keep[rel] {
			removed[rel] = true
		}
	}
	for rel := range keep {
		if _, ok := hashes[rel]; ok {
			res.Kept++
			res.Diagnostics = append(res.Diagnostics, keptDiagnostic(rel))
		}
	}

	if len(changed) == 0 && len(removed) == 0 {
		slog.Info("no units need indexing", "total", len(units))
		return nil
	}
	slog.Info("units to process", "changed", len(changed), "removed", len(removed), "total", len(units))

	stored, err := idx.graph.AllSymbols()
	if err != nil {
		return err
	}

	work, err := idx.parseAll(ctx, changed, res)
	if err != nil {
		return err
	}

	// Units whose edges may resolve differently now: every name that
	// appears or disappears is a candidate key.
	dirty := make(map[string]bool, len(changed)+len(removed))
	for _, u := range changed {
		dirty[u.RelPath] = true
	}
	for rel := range removed {
		dirty[rel] = true
	}
	keys := make(map[string]bool)
	for _, p := range work {
		for _, sym := range p.result.Symbols {
			addKeys(keys, sym)
		}
	}
	for _, sym := range stored {
		if dirty[sym.FilePath] {
			addKeys(keys, sym)
		}
	}
	pending, err := idx.graph.PendingUnits(sortedKeys(keys))
	if err != nil {
		return err
	}

	var refresh []*types.Unit
	for _, rel := range pending {
		if dirty[rel] {
			continue
		}
		if u, ok := byPath[rel]; ok {
			refresh = append(refresh, u)
			dirty[rel] = true
		}
	}
	if len(refresh) > 0 {
		slog.Debug("re-resolving dependent units", "count", len(refresh))
		more, err := idx.parseAll(ctx, refresh, res)
		if err != nil {
			return err
		}
		work = append(work, more...)
	}

	var symbols []*types.Symbol
	for _, sym := range stored {
		if !dirty[sym.FilePath] {
			symbols = append(symbols, sym)
		}
	}
	for _, p := range work {
		symbols = append(symbols, p.result.Symbols...)
	}
	table := resolve.NewSymbolTable(symbols, idx.policy.CaseSensitive)

	if err := idx.removeStale(ctx, hashes, units, keep, res); err != nil {
		return err
	}

	sort.Slice(work, func(i, j int) bool { return work[i].unit.RelPath < work[j].unit.RelPath })
	return idx.commitAll(ctx, work, table, res)
}

// keptSymbols returns the stored symbols of kept units so a full run can
// still resolve references into them.
func (idx *Indexer) keptSymbols(hashes map[string]string, keep map[string]bool, res *types.IndexResult) ([]*types.Symbol, error) {
	var paths []string
	for rel := range keep {
		if _, ok := hashes[rel]; ok {
			paths = append(paths, rel)
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}
	sort.Strings(paths)
	for _, rel := range paths {
		res.Kept++
		res.Diagnostics = append(res.Diagnostics, keptDiagnostic(rel))
	}

	stored, err := idx.graph.AllSymbols()
	if err != nil {
		return nil, err
	}
	var out []*types.Symbol
	for _, sym := range stored {
		if keep[sym.FilePath] {
			out = append(out, sym)
		}
	}
	return out, nil
}

func keptDiagnostic(rel string) types.Diagnostic {
	return types.Diagnostic{
		File:     rel,
		Severity: types.SeverityWarning,
		Reason:   "file not read, keeping previously indexed symbols and edges",
	}
}

// removeStale deletes stored units that are neither part of units nor kept.
func (idx *Indexer) removeStale(ctx context.Context, hashes map[string]string, units []*types.Unit, keep map[string]bool, res *types.IndexResult) error {
	present := make(map[string]bool, len(units)+len(keep))
	for _, u := range units {
		present[u.RelPath] = true
	}
	for rel := range keep {
		present[rel] = true
	}
	stale := make([]string, 0)
	for rel := range hashes {
		if !present[rel] {
			stale = append(stale, rel)
		}
	}
	sort.Strings(stale)

	for _, rel := range stale {
		if ctx.Err() != nil {
			res.Cancelled = true
			return cancelled(ctx)
		}
		if err := idx.graph.DeleteUnit(ctx, rel); err != nil {
			return fmt.Errorf("failed to delete unit %s: %w", rel, err)
		}
		idx.sink.Remove(rel)
		res.Removed++
		slog.Debug("removed unit", "file", rel)
	}
	return nil
}

// parseAll is pass 1. Results keep the order of units.
func (idx *Indexer) parseAll(ctx context.Context, units []*types.Unit, res *types.IndexResult) ([]*parsed, error) {
	idx.updateProgress("parsing", len(units), 0, "")

	out := make([]*parsed, len(units))
	var (
		mu   sync.Mutex
		done int
	)

	g := new(errgroup.Group)
	g.SetLimit(idx.workers)
	for i, u := range units {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out[i] = &parsed{unit: u, result: parser.Parse(u)}

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			idx.updateProgress("parsing", 0, n, u.RelPath)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		res.Cancelled = true
		return nil, cancelled(ctx)
	}

	for _, p := range out {
		res.Diagnostics = append(res.Diagnostics, p.result.Diagnostics...)
		if errs := p.result.Errors(); len(errs) > 0 {
			slog.Warn("unit parsed with errors", "file", p.unit.RelPath, "errors", len(errs), "first", errs[0])
		}
	}
	return out, nil
}

// commitAll is pass 2: resolve, chunk and commit each unit in order.
func (idx *Indexer) commitAll(ctx context.Context, work []*parsed, table *resolve.SymbolTable, res *types.IndexResult) error {
	resolver := resolve.New(table, idx.policy)
	idx.updateProgress("resolving", len(work), 0, "")

	for i, p := range work {
		if ctx.Err() != nil {
			res.Cancelled = true
			return cancelled(ctx)
		}
		idx.updateProgress("resolving", 0, i+1, p.unit.RelPath)

		edges := resolver.Resolve(p.result.References)
		chunks, err := idx.chunker.Chunk(p.unit, p.result.Symbols)
		if err != nil {
			slog.Warn("chunking failed", "file", p.unit.RelPath, "error", err)
			res.Diagnostics = append(res.Diagnostics, warning(p.unit.RelPath, "chunking failed: "+err.Error()))
			chunks = nil
		}

		err = idx.graph.ReplaceUnit(ctx, &provider.UnitCommit{
			RelPath: p.unit.RelPath,
			Kind:    p.unit.Kind,
			Hash:    p.unit.Hash,
			Symbols: p.result.Symbols,
			Edges:   edges,
			Chunks:  chunks,
		})
		if err != nil {
			return fmt.Errorf("failed to commit unit %s: %w", p.unit.RelPath, err)
		}
		idx.sink.Submit(p.unit.RelPath, chunks)

		res.Units++
		res.Symbols += len(p.result.Symbols)
		res.Chunks += len(chunks)
		res.Edges += len(edges)
		for _, e := range edges {
			switch e.Target.State {
			case types.TargetUnresolved:
				res.Unresolved++
			case types.TargetAmbiguous:
				res.Ambiguous++
			}
		}
	}
	return nil
}

// addKeys adds every name a reference could use to reach sym.
func addKeys(keys map[string]bool, sym *types.Symbol) {
	keys[strings.ToLower(sym.QualifiedName)] = true
	keys[strings.ToLower(sym.Name)] = true
	if sym.Namespace != types.NamespaceCode {
		keys[strings.ToLower(sym.Namespace+"."+sym.QualifiedName)] = true
	}
	for _, a := range sym.Aliases {
		keys[strings.ToLower(a)] = true
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", types.ErrCancelled, context.Cause(ctx))
}

// updateProgress updates the progress state.
func (idx *Indexer) updateProgress(phase string, totalUnits, processedUnits int, currentFile string) {
	idx.progressMu.Lock()
	defer idx.progressMu.Unlock()

	if phase != "" && phase != idx.progress.Phase {
		idx.progress = types.IndexProgress{Phase: phase}
	}
	if totalUnits > 0 {
		idx.progress.TotalUnits = totalUnits
	}
	if processedUnits > 0 {
		idx.progress.ProcessedUnits = processedUnits
	}
	if currentFile != "" {
		idx.progress.CurrentFile = currentFile
	}

	if idx.onProgress != nil {
		idx.onProgress(idx.progress)
	}
}

// Progress returns the latest progress snapshot.
func (idx *Indexer) Progress() types.IndexProgress {
	idx.progressMu.Lock()
	defer idx.progressMu.Unlock()
	return idx.progress
}
