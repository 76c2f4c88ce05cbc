package sqlitegraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// Default traversal limits.
const (
	DefaultMaxDepth = 1
	DefaultMaxNodes = 1000
)

const symbolColumns = `id, qualified_name, name, kind, namespace, container, file_path,
	start_byte, end_byte, start_line, end_line, signature, params, exported,
	doc, synonym, type_name, aliases`

const edgeColumns = `source_id, source_name, source_file, kind, target_state, target_id,
	target_name, candidates, count`

type scanner interface {
	Scan(dest ...any) error
}

func scanSymbol(row scanner) (*types.Symbol, error) {
	var (
		sym                                types.Symbol
		kind                               string
		container, signature, doc          sql.NullString
		synonym, typeName, params, aliases sql.NullString
	)
	err := row.Scan(
		&sym.ID, &sym.QualifiedName, &sym.Name, &kind, &sym.Namespace, &container, &sym.FilePath,
		&sym.Span.StartByte, &sym.Span.EndByte, &sym.Span.StartLine, &sym.Span.EndLine,
		&signature, &params, &sym.Exported, &doc, &synonym, &typeName, &aliases,
	)
	if err != nil {
		return nil, err
	}
	sym.Kind = types.SymbolKind(kind)
	sym.Container = container.String
	sym.Signature = signature.String
	sym.Doc = doc.String
	sym.Synonym = synonym.String
	sym.TypeName = typeName.String
	sym.Params = unmarshalList(params)
	sym.Aliases = unmarshalList(aliases)
	return &sym, nil
}

func scanSymbols(rows *sql.Rows) ([]*types.Symbol, error) {
	defer rows.Close()
	var symbols []*types.Symbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func scanEdges(rows *sql.Rows) ([]*types.Edge, error) {
	defer rows.Close()
	var edges []*types.Edge
	for rows.Next() {
		var (
			e               types.Edge
			kind, state     string
			targetID, cands sql.NullString
		)
		err := rows.Scan(
			&e.SourceID, &e.SourceName, &e.SourceFile, &kind, &state, &targetID,
			&e.Target.Name, &cands, &e.Count,
		)
		if err != nil {
			return nil, err
		}
		e.Kind = types.RefKind(kind)
		e.Target.State = types.TargetState(state)
		e.Target.ID = targetID.String
		e.Target.Candidates = unmarshalList(cands)
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// UnitHashes returns content hashes of every committed unit.
func (s *Store) UnitHashes() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}

	rows, err := s.db.Query(`SELECT rel_path, hash FROM units`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, err
		}
		hashes[path] = hash
	}
	return hashes, rows.Err()
}

// AllSymbols returns every stored symbol ordered by file and position.
func (s *Store) AllSymbols() ([]*types.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}

	rows, err := s.db.Query(`SELECT ` + symbolColumns + ` FROM symbols ORDER BY file_path, start_byte, id`)
	if err != nil {
		return nil, err
	}
	return scanSymbols(rows)
}

// GetSymbol returns a symbol by ID.
func (s *Store) GetSymbol(id string) (*types.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}

	sym, err := scanSymbol(s.db.QueryRow(`SELECT `+symbolColumns+` FROM symbols WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("symbol %s: %w", id, types.ErrNotFound)
	}
	return sym, err
}

// Children returns the symbols declared directly under containerID ordered
// by file and position.
func (s *Store) Children(containerID string) ([]*types.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}

	rows, err := s.db.Query(`SELECT `+symbolColumns+` FROM symbols WHERE container = ? ORDER BY file_path, start_byte, id`, containerID)
	if err != nil {
		return nil, err
	}
	return scanSymbols(rows)
}

// FindSymbols matches an ID, qualified name, Collection.Name, alias or bare
// name, case-insensitively. Exact matches come before bare-name matches.
func (s *Store) FindSymbols(name string, limit int) ([]*types.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}
	if limit <= 0 {
		limit = 50
	}

	key := nameKey(name)
	rows, err := s.db.Query(`
		SELECT `+symbolColumns+`
		FROM symbols
		WHERE id = ? OR qn_key = ? OR full_key = ? OR name_key = ?
			OR id IN (SELECT symbol_id FROM symbol_aliases WHERE alias_key = ?)
		ORDER BY
			CASE
				WHEN id = ? THEN 0
				WHEN qn_key = ? OR full_key = ? THEN 1
				WHEN name_key = ? THEN 3
				ELSE 2
			END,
			id
		LIMIT ?
	`, name, key, key, key, key, name, key, key, key, limit)
	if err != nil {
		return nil, err
	}
	return scanSymbols(rows)
}

// PendingUnits returns units whose edges may resolve differently once a
// symbol named by one of names exists: unresolved or ambiguous edges with
// that target name, and resolved edges to a symbol with that bare name.
func (s *Store) PendingUnits(names []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}
	if len(names) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var units []string
	// Stay well below SQLite's host parameter limit.
	const batch = 500
	for start := 0; start < len(names); start += batch {
		end := min(start+batch, len(names))
		keys := make([]any, 0, end-start)
		for _, n := range names[start:end] {
			keys = append(keys, nameKey(n))
		}
		in := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
		args := append([]any{string(types.TargetResolved)}, keys...)
		args = append(args, string(types.TargetResolved))
		args = append(args, keys...)
		rows, err := s.db.Query(`
			SELECT DISTINCT source_file FROM edges
			WHERE (target_state != ? AND target_key IN (`+in+`))
			   OR (target_state = ? AND target_id IN (SELECT id FROM symbols WHERE name_key IN (`+in+`)))
		`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var file string
			if err := rows.Scan(&file); err != nil {
				rows.Close()
				return nil, err
			}
			if !seen[file] {
				seen[file] = true
				units = append(units, file)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return units, nil
}

// ChunkIDs returns the chunks holding a symbol's text: those it owns and
// those whose byte range overlaps its span. A module gets every chunk of
// its file.
func (s *Store) ChunkIDs(symbolID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}

	rows, err := s.db.Query(`
		SELECT c.chunk_id FROM chunk_refs c JOIN symbols s ON s.id = ?
		WHERE c.symbol_id = s.id
			OR (c.file_path = s.file_path AND (s.kind = ?
				OR (c.start_byte < s.end_byte AND c.end_byte > s.start_byte)))
		ORDER BY c.file_path, c.ordinal
	`, symbolID, string(types.SymbolKindModule))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Outgoing returns edges whose source is the symbol, in every target state.
func (s *Store) Outgoing(symbolID string, kinds []types.RefKind) ([]*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}
	return s.outgoing(context.Background(), symbolID, kinds)
}

// Incoming returns edges resolved to the symbol.
func (s *Store) Incoming(symbolID string, kinds []types.RefKind) ([]*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}
	return s.incoming(context.Background(), symbolID, kinds)
}

func (s *Store) outgoing(ctx context.Context, id string, kinds []types.RefKind) ([]*types.Edge, error) {
	query, args := withKinds(`SELECT `+edgeColumns+` FROM edges WHERE source_id = ?`, []any{id}, kinds)
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return scanEdges(rows)
}

func (s *Store) incoming(ctx context.Context, id string, kinds []types.RefKind) ([]*types.Edge, error) {
	query, args := withKinds(`SELECT `+edgeColumns+` FROM edges WHERE target_id = ?`, []any{id}, kinds)
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY source_file, id`, args...)
	if err != nil {
		return nil, err
	}
	return scanEdges(rows)
}

func withKinds(query string, args []any, kinds []types.RefKind) (string, []any) {
	if len(kinds) == 0 {
		return query, args
	}
	placeholders := make([]string, len(kinds))
	for i, k := range kinds {
		placeholders[i] = "?"
		args = append(args, string(k))
	}
	return query + " AND kind IN (" + strings.Join(placeholders, ",") + ")", args
}

// Traverse walks edges breadth-first from the seeds. Every node is expanded
// at most once, so cycles terminate. Returned edges carry their hop
// distance in Depth.
func (s *Store) Traverse(ctx context.Context, req *types.TraverseRequest) ([]*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}

	maxDepth := req.MaxDepth
	if maxDepth < 1 {
		maxDepth = DefaultMaxDepth
	}
	maxNodes := req.MaxNodes
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}

	visited := make(map[string]bool, len(req.Seeds))
	var frontier []string
	for _, id := range req.Seeds {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	var result []*types.Edge
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			var (
				edges []*types.Edge
				err   error
			)
			if req.Inbound {
				edges, err = s.incoming(ctx, id, req.Kinds)
			} else {
				edges, err = s.outgoing(ctx, id, req.Kinds)
			}
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				e.Depth = depth
				result = append(result, e)

				neighbor := e.Target.ID
				if req.Inbound {
					neighbor = e.SourceID
				}
				if neighbor == "" || visited[neighbor] || len(visited) >= maxNodes {
					continue
				}
				visited[neighbor] = true
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return result, nil
}

// Stats returns aggregate counts over the graph.
func (s *Store) Stats() (*types.GraphStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return nil, s.corrupt
	}

	stats := &types.GraphStats{
		SymbolsByKind: make(map[types.SymbolKind]int),
		EdgesByKind:   make(map[types.RefKind]int),
		EdgesByState:  make(map[types.TargetState]int),
	}
	for _, c := range []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM units`, &stats.Units},
		{`SELECT COUNT(*) FROM symbols`, &stats.Symbols},
		{`SELECT COUNT(*) FROM edges`, &stats.Edges},
		{`SELECT COUNT(*) FROM chunk_refs`, &stats.Chunks},
	} {
		if err := s.db.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	if err := groupCount(s.db, `SELECT kind, COUNT(*) FROM symbols GROUP BY kind`, func(k string, n int) {
		stats.SymbolsByKind[types.SymbolKind(k)] = n
	}); err != nil {
		return nil, err
	}
	if err := groupCount(s.db, `SELECT kind, COUNT(*) FROM edges GROUP BY kind`, func(k string, n int) {
		stats.EdgesByKind[types.RefKind(k)] = n
	}); err != nil {
		return nil, err
	}
	if err := groupCount(s.db, `SELECT target_state, COUNT(*) FROM edges GROUP BY target_state`, func(k string, n int) {
		stats.EdgesByState[types.TargetState(k)] = n
	}); err != nil {
		return nil, err
	}

	if stats.Edges > 0 {
		pending := stats.EdgesByState[types.TargetAmbiguous] + stats.EdgesByState[types.TargetUnresolved]
		stats.UnresolvedRatio = float64(pending) / float64(stats.Edges)
	}

	var last string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'last_indexed'`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if last != "" {
		stats.LastIndexed, _ = time.Parse(time.RFC3339Nano, last)
	}
	return stats, nil
}

func groupCount(db *sql.DB, query string, fn func(string, int)) error {
	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		fn(key, n)
	}
	return rows.Err()
}
