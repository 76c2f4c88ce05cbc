// Package resolve maps raw identifier references to symbols of an immutable
// symbol table and aggregates them into graph edges.
package resolve

import (
	"strings"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// SymbolTable is a read-only index over every symbol of a configuration.
// It is built once per indexing run and shared by all resolutions.
type SymbolTable struct {
	caseSensitive bool

	symbols []*types.Symbol
	byID    map[string]*types.Symbol
	byQN    map[string][]*types.Symbol // qualified name, aliases, Namespace.QN
	byName  map[string][]*types.Symbol // last segment
	byFile  map[string][]*types.Symbol // file + "\x00" + name
}

// NewSymbolTable indexes symbols. When two symbols share an ID the first
// one wins.
func NewSymbolTable(symbols []*types.Symbol, caseSensitive bool) *SymbolTable {
	t := &SymbolTable{
		caseSensitive: caseSensitive,
		byID:          make(map[string]*types.Symbol, len(symbols)),
		byQN:          make(map[string][]*types.Symbol, len(symbols)),
		byName:        make(map[string][]*types.Symbol, len(symbols)),
		byFile:        make(map[string][]*types.Symbol, len(symbols)),
	}
	for _, s := range symbols {
		if _, dup := t.byID[s.ID]; dup {
			continue
		}
		t.byID[s.ID] = s
		t.symbols = append(t.symbols, s)

		t.byQN[t.key(s.QualifiedName)] = append(t.byQN[t.key(s.QualifiedName)], s)
		if s.Namespace != types.NamespaceCode {
			k := t.key(s.Namespace + "." + s.QualifiedName)
			t.byQN[k] = append(t.byQN[k], s)
		}
		for _, alias := range s.Aliases {
			t.byQN[t.key(alias)] = append(t.byQN[t.key(alias)], s)
		}
		t.byName[t.key(s.Name)] = append(t.byName[t.key(s.Name)], s)
		fk := s.FilePath + "\x00" + t.key(s.Name)
		t.byFile[fk] = append(t.byFile[fk], s)
	}
	return t
}

func (t *SymbolTable) key(name string) string {
	if t.caseSensitive {
		return name
	}
	return strings.ToLower(name)
}

// Len returns the number of distinct symbols.
func (t *SymbolTable) Len() int {
	return len(t.symbols)
}

// Symbols returns all symbols in insertion order.
func (t *SymbolTable) Symbols() []*types.Symbol {
	return t.symbols
}

// Get returns the symbol with the given ID.
func (t *SymbolTable) Get(id string) (*types.Symbol, bool) {
	s, ok := t.byID[id]
	return s, ok
}

// Qualified returns symbols whose qualified name, alias or
// collection-qualified name equals name.
func (t *SymbolTable) Qualified(name string) []*types.Symbol {
	return t.byQN[t.key(name)]
}

// Named returns symbols whose last name segment equals name.
func (t *SymbolTable) Named(name string) []*types.Symbol {
	return t.byName[t.key(name)]
}

// InFile returns symbols of one unit named name.
func (t *SymbolTable) InFile(file, name string) []*types.Symbol {
	return t.byFile[file+"\x00"+t.key(name)]
}
