package resolve

import (
	"sort"
	"strings"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// Policy makes the name matching rules explicit.
type Policy struct {
	// CaseSensitive compares identifiers exactly. BSL itself is
	// case-insensitive, so the default is false.
	CaseSensitive bool `mapstructure:"case_sensitive" yaml:"case_sensitive"`

	// CrossModule allows an unqualified name to resolve to a unique symbol
	// anywhere in the configuration.
	CrossModule bool `mapstructure:"cross_module" yaml:"cross_module"`

	// RequireExport restricts code targets in other modules to exported
	// procedures, functions and variables.
	RequireExport bool `mapstructure:"require_export" yaml:"require_export"`
}

// DefaultPolicy returns the default resolution policy.
func DefaultPolicy() Policy {
	return Policy{CrossModule: true}
}

// Resolver turns raw references into edges against a fixed symbol table.
type Resolver struct {
	table  *SymbolTable
	policy Policy
}

// New creates a resolver. The table's case handling takes precedence over
// policy.CaseSensitive.
func New(table *SymbolTable, policy Policy) *Resolver {
	policy.CaseSensitive = table.caseSensitive
	return &Resolver{table: table, policy: policy}
}

// Policy returns the effective policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve resolves refs and aggregates them by source, target and kind.
// Edges keep the order of their first occurrence; every reference yields
// exactly one counted occurrence.
func (r *Resolver) Resolve(refs []*types.Reference) []*types.Edge {
	type edgeKey struct {
		source, target string
		kind           types.RefKind
	}
	index := make(map[edgeKey]*types.Edge)
	var edges []*types.Edge

	for _, ref := range refs {
		target := r.ResolveOne(ref)
		k := edgeKey{ref.From, target.Key(), ref.Kind}
		if e, ok := index[k]; ok {
			e.Count++
			continue
		}
		e := &types.Edge{
			SourceID:   ref.From,
			SourceName: ref.From,
			Target:     target,
			Kind:       ref.Kind,
			Count:      1,
		}
		if src, ok := r.table.Get(ref.From); ok {
			e.SourceName = src.QualifiedName
			e.SourceFile = src.FilePath
		}
		index[k] = e
		edges = append(edges, e)
	}
	return edges
}

// ResolveOne applies the matching rules in order; the first rule with any
// kind-compatible candidate decides:
//
//  1. the target qualified by the referencing scope or its container
//  2. a dotted target as a qualified name, alias or Collection.Name
//  3. an unqualified target declared in the same unit
//  4. an unqualified target anywhere, when CrossModule is set
//
// One candidate resolves, several are ambiguous, none is unresolved.
func (r *Resolver) ResolveOne(ref *types.Reference) types.EdgeTarget {
	from, _ := r.table.Get(ref.From)
	dotted := strings.Contains(ref.Target, ".")

	if scope, ok := r.table.Get(ref.FromModule); ok {
		if c := r.scoped(ref, scope); len(c) > 0 {
			return r.target(ref, c)
		}
		if parent, ok := r.table.Get(scope.Container); ok {
			if c := r.scoped(ref, parent); len(c) > 0 {
				return r.target(ref, c)
			}
		}
	}

	if dotted {
		return r.target(ref, r.filter(ref, from, r.table.Qualified(ref.Target)))
	}

	file := ""
	if from != nil {
		file = from.FilePath
	} else if scope, ok := r.table.Get(ref.FromModule); ok {
		file = scope.FilePath
	}
	if file != "" {
		if c := r.filter(ref, from, r.table.InFile(file, ref.Target)); len(c) > 0 {
			return r.target(ref, c)
		}
	}

	if !r.policy.CrossModule {
		return types.Unresolved(ref.Target)
	}
	return r.target(ref, r.filter(ref, from, r.table.Named(ref.Target)))
}

// scoped looks up "<scope>.<target>" inside the scope's namespace.
func (r *Resolver) scoped(ref *types.Reference, scope *types.Symbol) []*types.Symbol {
	var same []*types.Symbol
	for _, s := range r.table.Qualified(scope.QualifiedName + "." + ref.Target) {
		if s.Namespace == scope.Namespace {
			same = append(same, s)
		}
	}
	from, _ := r.table.Get(ref.From)
	return r.filter(ref, from, same)
}

// filter keeps kind-compatible candidates, applies the export policy and
// removes duplicates.
func (r *Resolver) filter(ref *types.Reference, from *types.Symbol, cands []*types.Symbol) []*types.Symbol {
	var out []*types.Symbol
	seen := make(map[string]bool, len(cands))
	for _, s := range cands {
		if seen[s.ID] || !ref.Kind.Accepts(s.Kind) {
			continue
		}
		if r.policy.RequireExport && !r.visible(from, s) {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out
}

// visible reports whether a code symbol may be used from another module.
func (r *Resolver) visible(from, target *types.Symbol) bool {
	if target.Namespace != types.NamespaceCode || target.Exported {
		return true
	}
	return from != nil && from.FilePath == target.FilePath
}

func (r *Resolver) target(ref *types.Reference, cands []*types.Symbol) types.EdgeTarget {
	switch len(cands) {
	case 0:
		return types.Unresolved(ref.Target)
	case 1:
		return types.Resolved(cands[0].ID, cands[0].QualifiedName)
	}
	ids := make([]string, len(cands))
	for i, s := range cands {
		ids[i] = s.ID
	}
	sort.Strings(ids)
	return types.Ambiguous(ref.Target, ids)
}
