// Package types contains shared data types used across the bslindex project.
package types

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"
)

// UnitKind is the declared kind of a source unit.
type UnitKind string

const (
	UnitKindModule   UnitKind = "module"   // BSL code module
	UnitKindMetadata UnitKind = "metadata" // MDClasses object description
	UnitKindForm     UnitKind = "form"     // managed form layout (logform)
)

// Unit is one source file parsed as a whole.
type Unit struct {
	Path    string   // Absolute path to the file
	RelPath string   // Slash-separated path relative to the configuration root
	Kind    UnitKind // Declared kind, derived from location/extension
	Content []byte   // File content
	Hash    string   // xxh3 of Content for incremental indexing

	// Naming context derived from the unit's location.
	ModuleName string // Qualified name of a code module (module units only)
	Collection string // Metadata collection directory, e.g. "Catalogs"
	Owner      string // Owning metadata object name, if any
	FormName   string // Form name for form units and form modules
	Container  string // Symbol ID of the owning metadata symbol, if derivable
}

// ComputeHash calculates the xxh3 hash of the unit content.
func (u *Unit) ComputeHash() string {
	return HashBytes(u.Content)
}

// HashBytes returns the hex-encoded xxh3 128-bit hash of data.
func HashBytes(data []byte) string {
	sum := xxh3.Hash128(data).Bytes()
	return hex.EncodeToString(sum[:])
}

// SymbolKind represents the type of symbol.
type SymbolKind string

const (
	SymbolKindModule         SymbolKind = "module"
	SymbolKindProcedure      SymbolKind = "procedure"
	SymbolKindFunction       SymbolKind = "function"
	SymbolKindVariable       SymbolKind = "variable"
	SymbolKindObject         SymbolKind = "object"
	SymbolKindAttribute      SymbolKind = "attribute"
	SymbolKindTabularSection SymbolKind = "tabular_section"
	SymbolKindForm           SymbolKind = "form"
	SymbolKindFormElement    SymbolKind = "form_element"
	SymbolKindCommand        SymbolKind = "command"
)

// SymbolKinds lists every known symbol kind.
var SymbolKinds = []SymbolKind{
	SymbolKindModule, SymbolKindProcedure, SymbolKindFunction, SymbolKindVariable,
	SymbolKindObject, SymbolKindAttribute, SymbolKindTabularSection,
	SymbolKindForm, SymbolKindFormElement, SymbolKindCommand,
}

// Valid reports whether k is a known symbol kind.
func (k SymbolKind) Valid() bool {
	for _, known := range SymbolKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsCallable reports whether the kind can be the target of a call.
func (k SymbolKind) IsCallable() bool {
	return k == SymbolKindProcedure || k == SymbolKindFunction
}

// NamespaceCode is the symbol namespace for code symbols. Metadata symbols
// use their collection name (e.g. "Catalogs") as namespace.
const NamespaceCode = "code"

// Span is a byte and line range inside a unit. EndByte is exclusive,
// lines are 1-based and inclusive.
type Span struct {
	StartByte int `json:"start_byte"`
	EndByte   int `json:"end_byte"`
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Contains reports whether [start, end) lies inside the span.
func (s Span) Contains(start, end int) bool {
	return start >= s.StartByte && end <= s.EndByte
}

// Symbol is a named, addressable element of code or metadata.
type Symbol struct {
	ID            string     `json:"id"`             // <namespace>:<qualified name>
	QualifiedName string     `json:"qualified_name"` // Dotted path from the configuration root
	Name          string     `json:"name"`           // Last segment of QualifiedName
	Kind          SymbolKind `json:"kind"`
	Namespace     string     `json:"namespace"`
	Container     string     `json:"container,omitempty"` // ID of the parent symbol
	FilePath      string     `json:"file_path"`           // Unit RelPath
	Span          Span       `json:"span"`
	Signature     string     `json:"signature,omitempty"`
	Params        []string   `json:"params,omitempty"`
	Exported      bool       `json:"exported,omitempty"`
	Doc           string     `json:"doc,omitempty"`
	Synonym       string     `json:"synonym,omitempty"`
	TypeName      string     `json:"type_name,omitempty"`
	Aliases       []string   `json:"aliases,omitempty"` // Extra resolution keys
}

// SymbolID builds a symbol ID from a namespace and qualified name.
func SymbolID(namespace, qualifiedName string) string {
	return namespace + ":" + qualifiedName
}

// RefKind represents the kind of a raw reference or resolved edge.
type RefKind string

const (
	RefKindCall          RefKind = "call"
	RefKindRead          RefKind = "read"
	RefKindWrite         RefKind = "write"
	RefKindTypeReference RefKind = "type-reference"
	RefKindMetadataUse   RefKind = "metadata-use"
)

// RefKinds lists every known reference kind.
var RefKinds = []RefKind{
	RefKindCall, RefKindRead, RefKindWrite, RefKindTypeReference, RefKindMetadataUse,
}

// Valid reports whether k is a known reference kind.
func (k RefKind) Valid() bool {
	for _, known := range RefKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Accepts reports whether a symbol of the given kind may be the target of a
// reference of this kind.
func (k RefKind) Accepts(target SymbolKind) bool {
	switch k {
	case RefKindCall:
		return target.IsCallable()
	case RefKindRead, RefKindWrite:
		switch target {
		case SymbolKindVariable, SymbolKindAttribute, SymbolKindObject,
			SymbolKindTabularSection, SymbolKindFormElement:
			return true
		}
		return false
	case RefKindTypeReference, RefKindMetadataUse:
		return target == SymbolKindObject
	}
	return false
}

// Reference is a raw identifier occurrence emitted by the parser. It lives
// only until the resolver has consumed it.
type Reference struct {
	From       string  // Source symbol ID
	FromModule string  // ID of the container scope (module or metadata object)
	Target     string  // Identifier text, possibly dotted
	Kind       RefKind // call, read, write, type-reference, metadata-use
	Offset     int     // Byte offset in the unit
	Line       int     // 1-based line
}

// TargetState tags the variant held by an EdgeTarget.
type TargetState string

const (
	TargetResolved   TargetState = "resolved"
	TargetAmbiguous  TargetState = "ambiguous"
	TargetUnresolved TargetState = "unresolved"
)

// Valid reports whether s is a known target state.
func (s TargetState) Valid() bool {
	return s == TargetResolved || s == TargetAmbiguous || s == TargetUnresolved
}

// EdgeTarget is the tagged outcome of resolving one reference target.
// Exactly one of the variants is meaningful, selected by State.
type EdgeTarget struct {
	State      TargetState `json:"state"`
	ID         string      `json:"id,omitempty"`         // Resolved: symbol ID
	Name       string      `json:"name"`                 // Resolved: qualified name; otherwise the raw identifier
	Candidates []string    `json:"candidates,omitempty"` // Ambiguous: candidate symbol IDs
}

// Resolved returns a target pointing at a known symbol.
func Resolved(id, qualifiedName string) EdgeTarget {
	return EdgeTarget{State: TargetResolved, ID: id, Name: qualifiedName}
}

// Ambiguous returns a target matching more than one symbol.
func Ambiguous(name string, candidates []string) EdgeTarget {
	return EdgeTarget{State: TargetAmbiguous, Name: name, Candidates: candidates}
}

// Unresolved returns a target matching no symbol.
func Unresolved(name string) EdgeTarget {
	return EdgeTarget{State: TargetUnresolved, Name: name}
}

// Key returns the identity of the target used for edge aggregation.
func (t EdgeTarget) Key() string {
	if t.State == TargetResolved {
		return t.ID
	}
	return "?" + string(t.State) + ":" + t.Name
}

// Edge is a resolved, directed relation between two symbols.
type Edge struct {
	SourceID   string     `json:"source_id"`
	SourceName string     `json:"source"`
	SourceFile string     `json:"source_file"`
	Target     EdgeTarget `json:"target"`
	Kind       RefKind    `json:"kind"`
	Count      int        `json:"count"`
	Depth      int        `json:"depth,omitempty"` // Hop distance in traversal results
}

// Chunk is a contiguous span of a unit's text sized for the embedding budget.
type Chunk struct {
	ID           string   `json:"id"` // {relpath}#{ordinal}
	Ordinal      int      `json:"ordinal"`
	FilePath     string   `json:"file_path"`
	UnitKind     UnitKind `json:"unit_kind"`
	Text         string   `json:"text"`
	StartByte    int      `json:"start_byte"`
	EndByte      int      `json:"end_byte"`
	StartLine    int      `json:"start_line"`
	EndLine      int      `json:"end_line"`
	Tokens       int      `json:"tokens"`        // Estimated token count
	Overlap      bool     `json:"overlap"`       // Starts with text of the previous chunk
	OverlapBytes int      `json:"overlap_bytes"` // Length of that shared prefix
	SymbolID     string   `json:"symbol_id,omitempty"`
	SymbolName   string   `json:"symbol_name,omitempty"`
	Collection   string   `json:"collection,omitempty"` // Collection of the owning unit
	Exported     bool     `json:"exported,omitempty"`   // Overlaps an exported routine
	Hash         string   `json:"hash"`
}

// ChunkID builds the stable chunk identifier from file path and ordinal.
func ChunkID(relPath string, ordinal int) string {
	return relPath + "#" + strconv.Itoa(ordinal)
}

// IsModuleLevel reports whether the chunk is not owned by a single symbol.
func (c *Chunk) IsModuleLevel() bool {
	return c.SymbolID == ""
}

// ChunkWithEmbedding is a Chunk with its vector embedding.
type ChunkWithEmbedding struct {
	Chunk     *Chunk
	Embedding []float32
}

// Severity of a diagnostic.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic records a localized, non-fatal problem found while indexing.
type Diagnostic struct {
	File     string   `json:"file"`
	Offset   int      `json:"offset"`
	Line     int      `json:"line,omitempty"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

// IndexMode selects full or incremental indexing.
type IndexMode string

const (
	IndexModeFull        IndexMode = "full"
	IndexModeIncremental IndexMode = "incremental"
)

// IndexResult summarizes one indexing run.
type IndexResult struct {
	Mode        IndexMode     `json:"mode"`
	Units       int           `json:"units"`   // Units parsed and committed
	Skipped     int           `json:"skipped"` // Unchanged units (incremental)
	Removed     int           `json:"removed"` // Units deleted from the store
	Kept        int           `json:"kept"`    // Stored units left as they were because the file was not read
	Symbols     int           `json:"symbols"`
	Chunks      int           `json:"chunks"`
	Edges       int           `json:"edges"`
	Unresolved  int           `json:"unresolved"`
	Ambiguous   int           `json:"ambiguous"`
	Diagnostics []Diagnostic  `json:"diagnostics"`
	Cancelled   bool          `json:"cancelled"`
	Duration    time.Duration `json:"duration"`
}

// GraphStats are aggregate counts over the dependency graph.
type GraphStats struct {
	Units           int                 `json:"units"`
	Symbols         int                 `json:"symbols"`
	Edges           int                 `json:"edges"`
	Chunks          int                 `json:"chunks"`
	SymbolsByKind   map[SymbolKind]int  `json:"symbols_by_kind"`
	EdgesByKind     map[RefKind]int     `json:"edges_by_kind"`
	EdgesByState    map[TargetState]int `json:"edges_by_state"`
	ChunksByKind    map[UnitKind]int    `json:"chunks_by_kind,omitempty"` // Stored chunks, from the vector store
	UnresolvedRatio float64             `json:"unresolved_ratio"`         // (ambiguous + unresolved) / edges
	LastIndexed     time.Time           `json:"last_indexed,omitempty"`
}

// SymbolRecord is a symbol together with the chunks produced for it.
type SymbolRecord struct {
	Symbol   *Symbol  `json:"symbol"`
	ChunkIDs []string `json:"chunk_ids"`
}

// ObjectRecord gathers a metadata object with everything declared under it:
// attributes, tabular sections, forms, commands and their modules.
type ObjectRecord struct {
	Object   *Symbol   `json:"object"`
	Members  []*Symbol `json:"members"`
	Modules  []string  `json:"modules"` // Files of the object's code modules
	ChunkIDs []string  `json:"chunk_ids"`
}

// TraverseRequest describes a bounded breadth-first walk over the graph.
type TraverseRequest struct {
	Seeds    []string  // Starting symbol IDs
	Inbound  bool      // Follow edges target->source (usages) instead of source->target
	Kinds    []RefKind // Edge kinds to follow; empty means all
	MaxDepth int       // Hop limit (>= 1)
	MaxNodes int       // Visited-node limit
}

// SearchMode selects how search_code ranks chunks.
type SearchMode string

const (
	SearchModeVector SearchMode = "vector"
	SearchModeBM25   SearchMode = "bm25"
	SearchModeHybrid SearchMode = "hybrid"
)

// SearchRequest is a query against the chunk store.
type SearchRequest struct {
	Query        string     // Text query for BM25
	QueryVec     []float32  // Query embedding for vector search
	Limit        int        // Max results
	Mode         SearchMode // vector, bm25 or hybrid
	UnitKinds    []UnitKind // Filter by unit kind
	Collections  []string   // Filter by collection, e.g. "Catalogs"
	ExportedOnly bool       // Only chunks overlapping an exported routine
	VectorWeight float32    // Weight of the vector score in hybrid mode
	BM25Weight   float32    // Weight of the BM25 score in hybrid mode
}

// SearchResult is one ranked chunk with its provenance.
type SearchResult struct {
	Chunk       *Chunk  `json:"chunk"`
	Score       float32 `json:"score"`
	VectorScore float32 `json:"vector_score,omitempty"`
	BM25Score   float32 `json:"bm25_score,omitempty"`
}

// IndexProgress represents the current state of indexing.
type IndexProgress struct {
	Phase          string // "scanning", "parsing", "resolving", "done"
	TotalUnits     int
	ProcessedUnits int
	CurrentFile    string
}
