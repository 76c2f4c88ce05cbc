package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// NotFoundError reports a name that matches no symbol.
type NotFoundError struct {
	Name        string
	Suggestions []string // Qualified names of similar symbols
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("symbol %q not found", e.Name)
	}
	return fmt.Sprintf("symbol %q not found; did you mean %s?", e.Name, strings.Join(e.Suggestions, ", "))
}

func (e *NotFoundError) Unwrap() error { return types.ErrNotFound }

// AmbiguousNameError reports a name that matches several symbols equally well.
type AmbiguousNameError struct {
	Name       string
	Candidates []string // Symbol IDs
}

func (e *AmbiguousNameError) Error() string {
	return fmt.Sprintf("symbol %q is ambiguous: %s", e.Name, strings.Join(e.Candidates, ", "))
}

// RelationQuery asks for the edges around one symbol.
type RelationQuery struct {
	Name  string          // Symbol ID, qualified name, alias or bare name
	Kinds []types.RefKind // Empty means every kind
	Depth int             // Hops; 0 means DefaultDepth
}

// Relations is the answer to a RelationQuery.
type Relations struct {
	Symbol *types.Symbol `json:"symbol"`
	Edges  []*types.Edge `json:"edges"`
	Depth  int           `json:"depth"`
}

// Lookup resolves a user-supplied name to exactly one symbol. An ID match
// wins, then a qualified name or alias, then a bare name.
func (e *Engine) Lookup(name string) (*types.Symbol, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty symbol name", types.ErrNotFound)
	}

	if sym, err := e.graph.GetSymbol(name); err == nil {
		return sym, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	matches, err := e.graph.FindSymbols(name, 50)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, &NotFoundError{Name: name, Suggestions: e.suggest(name)}
	}

	key := strings.ToLower(name)
	tiers := [][]*types.Symbol{nil, nil, nil}
	for _, sym := range matches {
		switch {
		case strings.ToLower(sym.QualifiedName) == key,
			strings.ToLower(sym.Namespace+"."+sym.QualifiedName) == key:
			tiers[0] = append(tiers[0], sym)
		case hasAlias(sym, key):
			tiers[1] = append(tiers[1], sym)
		default:
			tiers[2] = append(tiers[2], sym)
		}
	}
	for _, tier := range tiers {
		switch len(tier) {
		case 0:
			continue
		case 1:
			return tier[0], nil
		}
		ids := make([]string, len(tier))
		for i, sym := range tier {
			ids[i] = sym.ID
		}
		return nil, &AmbiguousNameError{Name: name, Candidates: ids}
	}
	return nil, &NotFoundError{Name: name}
}

func hasAlias(sym *types.Symbol, key string) bool {
	for _, a := range sym.Aliases {
		if strings.ToLower(a) == key {
			return true
		}
	}
	return false
}

func (e *Engine) suggest(name string) []string {
	matches, err := e.FuzzySearchSymbols(name, "", 5)
	if err != nil {
		return nil
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Symbol.QualifiedName
	}
	return out
}

// LookupReferences returns the edges that reach the symbol: who calls,
// reads, writes or names it, up to q.Depth hops away.
func (e *Engine) LookupReferences(ctx context.Context, q RelationQuery) (*Relations, error) {
	return e.relations(ctx, q, true)
}

// LookupDependents returns the edges leaving the symbol: what it calls,
// reads, writes or names, up to q.Depth hops away.
func (e *Engine) LookupDependents(ctx context.Context, q RelationQuery) (*Relations, error) {
	return e.relations(ctx, q, false)
}

func (e *Engine) relations(ctx context.Context, q RelationQuery, inbound bool) (*Relations, error) {
	for _, k := range q.Kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: unknown reference kind %q", types.ErrInvalidConfig, k)
		}
	}
	depth := q.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}
	if depth > e.maxDepth {
		depth = e.maxDepth
	}

	sym, err := e.Lookup(q.Name)
	if err != nil {
		return nil, err
	}
	edges, err := e.graph.Traverse(ctx, &types.TraverseRequest{
		Seeds:    []string{sym.ID},
		Inbound:  inbound,
		Kinds:    q.Kinds,
		MaxDepth: depth,
		MaxNodes: e.maxNodes,
	})
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []*types.Edge{}
	}
	return &Relations{Symbol: sym, Edges: edges, Depth: depth}, nil
}

// GetSymbol returns the symbol and the chunks produced for it.
func (e *Engine) GetSymbol(name string) (*types.SymbolRecord, error) {
	sym, err := e.Lookup(name)
	if err != nil {
		return nil, err
	}
	ids, err := e.graph.ChunkIDs(sym.ID)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return &types.SymbolRecord{Symbol: sym, ChunkIDs: ids}, nil
}

// GetObject returns a symbol with everything declared under it, walking
// containers down to form elements, and the chunks of its own text and of
// its modules and forms.
func (e *Engine) GetObject(name string) (*types.ObjectRecord, error) {
	obj, err := e.Lookup(name)
	if err != nil {
		return nil, err
	}

	rec := &types.ObjectRecord{Object: obj, Members: []*types.Symbol{}, Modules: []string{}}
	owners := []*types.Symbol{obj}
	visited := map[string]bool{obj.ID: true}
	for queue := []string{obj.ID}; len(queue) > 0 && len(visited) < e.maxNodes; {
		id := queue[0]
		queue = queue[1:]
		children, err := e.graph.Children(id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if visited[c.ID] || len(visited) >= e.maxNodes {
				continue
			}
			visited[c.ID] = true
			rec.Members = append(rec.Members, c)
			queue = append(queue, c.ID)
			switch c.Kind {
			case types.SymbolKindModule:
				rec.Modules = append(rec.Modules, c.FilePath)
				owners = append(owners, c)
			case types.SymbolKindForm:
				owners = append(owners, c)
			}
		}
	}

	seen := make(map[string]bool)
	rec.ChunkIDs = []string{}
	for _, o := range owners {
		ids, err := e.graph.ChunkIDs(o.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				rec.ChunkIDs = append(rec.ChunkIDs, id)
			}
		}
	}
	return rec, nil
}

// GraphStats returns aggregate counts over the dependency graph, with
// stored chunk counts per unit kind when a vector store is configured.
func (e *Engine) GraphStats() (*types.GraphStats, error) {
	stats, err := e.graph.Stats()
	if err != nil || e.store == nil {
		return stats, err
	}
	byKind, err := e.store.CountChunksByKind()
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	stats.ChunksByKind = byKind
	return stats, nil
}

// ParseKinds parses a comma-separated list of reference kinds.
func ParseKinds(s string) ([]types.RefKind, error) {
	var kinds []types.RefKind
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k := types.RefKind(part)
		if !k.Valid() {
			return nil, fmt.Errorf("%w: unknown reference kind %q", types.ErrInvalidConfig, part)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
