// Package sqlitegraph implements GraphStore on SQLite. Symbols, resolved
// edges and chunk ownership are kept per unit so that a unit can be swapped
// in one transaction.
package sqlitegraph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// SchemaVersion is incremented when schema changes require reindexing.
const SchemaVersion = 1

// Store implements provider.GraphStore.
type Store struct {
	// mu serializes unit replacement against queries. Readers share it.
	mu      sync.RWMutex
	db      *sql.DB
	path    string
	corrupt error // set by Verify, cleared by Reset
}

// New creates a new graph store.
func New() *Store {
	return &Store{}
}

// Name returns the store name.
func (s *Store) Name() string {
	return "sqlitegraph"
}

// Init opens the database, creates the schema and verifies persisted state.
// A failed verification does not fail Init: the store stays open so that
// Reset can repair it, and queries return the CorruptionError meanwhile.
func (s *Store) Init(path string) error {
	s.path = path

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for concurrent reads, busy_timeout to wait for locks instead of failing immediately
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if err := s.createSchema(); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := s.Verify(); err != nil {
		if !types.NeedsReindex(err) {
			return err
		}
		slog.Warn("graph store needs a full re-index", "path", path, "error", err)
	}
	return nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS units (
			rel_path TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			hash TEXT NOT NULL,
			indexed_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS symbols (
			id TEXT PRIMARY KEY,
			qualified_name TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			namespace TEXT NOT NULL,
			container TEXT,
			file_path TEXT NOT NULL,
			start_byte INTEGER NOT NULL,
			end_byte INTEGER NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			signature TEXT,
			params TEXT,
			exported BOOLEAN NOT NULL DEFAULT FALSE,
			doc TEXT,
			synonym TEXT,
			type_name TEXT,
			aliases TEXT,
			qn_key TEXT NOT NULL,
			full_key TEXT NOT NULL,
			name_key TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_file_path ON symbols(file_path)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_qn_key ON symbols(qn_key)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_full_key ON symbols(full_key)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_name_key ON symbols(name_key)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_container ON symbols(container)`,
		`CREATE TABLE IF NOT EXISTS symbol_aliases (
			alias_key TEXT NOT NULL,
			symbol_id TEXT NOT NULL,
			file_path TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbol_aliases_key ON symbol_aliases(alias_key)`,
		`CREATE INDEX IF NOT EXISTS idx_symbol_aliases_file ON symbol_aliases(file_path)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id TEXT NOT NULL,
			source_name TEXT NOT NULL,
			source_file TEXT NOT NULL,
			kind TEXT NOT NULL,
			target_state TEXT NOT NULL,
			target_id TEXT,
			target_name TEXT NOT NULL,
			target_key TEXT NOT NULL,
			candidates TEXT,
			count INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source_file ON edges(source_file)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target_key ON edges(target_key)`,
		`CREATE TABLE IF NOT EXISTS chunk_refs (
			chunk_id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			symbol_id TEXT,
			start_byte INTEGER NOT NULL DEFAULT 0,
			end_byte INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_refs_symbol ON chunk_refs(symbol_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_refs_file ON chunk_refs(file_path)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	// Fresh databases get the current schema version.
	_, err := s.db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', ?)`,
		fmt.Sprint(SchemaVersion))
	return err
}

// Close releases resources and closes connections.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// nameKey folds identifiers for case-insensitive lookup.
func nameKey(name string) string {
	return strings.ToLower(name)
}

// ReplaceUnit swaps everything stored for c.RelPath in one transaction.
// Edges of other units that pointed at symbols the unit no longer declares
// are demoted to unresolved.
func (s *Store) ReplaceUnit(ctx context.Context, c *provider.UnitCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt != nil {
		return s.corrupt
	}

	// A started commit runs to completion; cancellation applies between units.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	keep := make(map[string]bool, len(c.Symbols))
	for _, sym := range c.Symbols {
		keep[sym.ID] = true
	}
	removed, err := s.clearUnit(tx, c.RelPath, keep)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO units (rel_path, kind, hash, indexed_at) VALUES (?, ?, ?, ?)
	`, c.RelPath, string(c.Kind), c.Hash, time.Now()); err != nil {
		return fmt.Errorf("failed to store unit %s: %w", c.RelPath, err)
	}
	if err := insertSymbols(tx, c.RelPath, c.Symbols); err != nil {
		return err
	}
	if err := insertEdges(tx, c.RelPath, c.Edges); err != nil {
		return err
	}
	if err := insertChunkRefs(tx, c.Chunks); err != nil {
		return err
	}
	if err := demote(tx, removed); err != nil {
		return err
	}
	if err := touch(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteUnit removes a unit and demotes edges that targeted its symbols.
func (s *Store) DeleteUnit(ctx context.Context, relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt != nil {
		return s.corrupt
	}

	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	removed, err := s.clearUnit(tx, relPath, nil)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM units WHERE rel_path = ?`, relPath); err != nil {
		return err
	}
	if err := demote(tx, removed); err != nil {
		return err
	}
	if err := touch(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// clearUnit deletes the unit's rows and returns the IDs of symbols that are
// gone for good (not in keep).
func (s *Store) clearUnit(tx *sql.Tx, relPath string, keep map[string]bool) ([]string, error) {
	rows, err := tx.Query(`SELECT id FROM symbols WHERE file_path = ?`, relPath)
	if err != nil {
		return nil, err
	}
	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		if !keep[id] {
			removed = append(removed, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, q := range []string{
		`DELETE FROM symbols WHERE file_path = ?`,
		`DELETE FROM symbol_aliases WHERE file_path = ?`,
		`DELETE FROM edges WHERE source_file = ?`,
		`DELETE FROM chunk_refs WHERE file_path = ?`,
	} {
		if _, err := tx.Exec(q, relPath); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

func insertSymbols(tx *sql.Tx, relPath string, symbols []*types.Symbol) error {
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO symbols
		(id, qualified_name, name, kind, namespace, container, file_path,
		 start_byte, end_byte, start_line, end_line, signature, params, exported,
		 doc, synonym, type_name, aliases, qn_key, full_key, name_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	aliasStmt, err := tx.Prepare(`INSERT INTO symbol_aliases (alias_key, symbol_id, file_path) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer aliasStmt.Close()

	for _, sym := range symbols {
		params, err := marshalList(sym.Params)
		if err != nil {
			return err
		}
		aliases, err := marshalList(sym.Aliases)
		if err != nil {
			return err
		}
		res, err := stmt.Exec(
			sym.ID, sym.QualifiedName, sym.Name, string(sym.Kind), sym.Namespace, sym.Container, relPath,
			sym.Span.StartByte, sym.Span.EndByte, sym.Span.StartLine, sym.Span.EndLine,
			sym.Signature, params, sym.Exported, sym.Doc, sym.Synonym, sym.TypeName, aliases,
			nameKey(sym.QualifiedName), nameKey(sym.Namespace+"."+sym.QualifiedName), nameKey(sym.Name),
		)
		if err != nil {
			return fmt.Errorf("failed to store symbol %s: %w", sym.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			slog.Warn("symbol declared by another unit, keeping the first", "id", sym.ID, "file", relPath)
			continue
		}
		for _, alias := range sym.Aliases {
			if _, err := aliasStmt.Exec(nameKey(alias), sym.ID, relPath); err != nil {
				return fmt.Errorf("failed to store alias %s: %w", alias, err)
			}
		}
	}
	return nil
}

func insertEdges(tx *sql.Tx, relPath string, edges []*types.Edge) error {
	stmt, err := tx.Prepare(`
		INSERT INTO edges
		(source_id, source_name, source_file, kind, target_state, target_id, target_name, target_key, candidates, count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range edges {
		var targetID sql.NullString
		if e.Target.State == types.TargetResolved {
			targetID = sql.NullString{String: e.Target.ID, Valid: true}
		}
		cands, err := marshalList(e.Target.Candidates)
		if err != nil {
			return err
		}
		name := e.SourceName
		if name == "" {
			name = e.SourceID
		}
		if _, err := stmt.Exec(
			e.SourceID, name, relPath, string(e.Kind), string(e.Target.State), targetID,
			e.Target.Name, nameKey(e.Target.Name), cands, e.Count,
		); err != nil {
			return fmt.Errorf("failed to store edge %s -> %s: %w", e.SourceID, e.Target.Key(), err)
		}
	}
	return nil
}

func insertChunkRefs(tx *sql.Tx, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO chunk_refs (chunk_id, file_path, ordinal, symbol_id, start_byte, end_byte)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		var owner sql.NullString
		if !c.IsModuleLevel() {
			owner = sql.NullString{String: c.SymbolID, Valid: true}
		}
		if _, err := stmt.Exec(c.ID, c.FilePath, c.Ordinal, owner, c.StartByte, c.EndByte); err != nil {
			return fmt.Errorf("failed to store chunk ref %s: %w", c.ID, err)
		}
	}
	return nil
}

// demote turns edges resolved to removed symbols into unresolved edges that
// keep the target's qualified name.
func demote(tx *sql.Tx, removed []string) error {
	if len(removed) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		UPDATE edges SET target_state = ?, target_id = NULL, candidates = NULL
		WHERE target_id = ?
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	// Edges another unit recorded from a colliding symbol ID lose their source.
	orphans, err := tx.Prepare(`DELETE FROM edges WHERE source_id = ?`)
	if err != nil {
		return err
	}
	defer orphans.Close()

	for _, id := range removed {
		if _, err := stmt.Exec(string(types.TargetUnresolved), id); err != nil {
			return fmt.Errorf("failed to demote edges to %s: %w", id, err)
		}
		if _, err := orphans.Exec(id); err != nil {
			return fmt.Errorf("failed to drop edges from %s: %w", id, err)
		}
	}
	return nil
}

func touch(tx *sql.Tx) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('last_indexed', ?)`,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Reset drops all data and clears a corruption mark.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"edges", "chunk_refs", "symbol_aliases", "symbols", "units", "meta"} {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	if err := s.createSchema(); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.corrupt = nil
	return nil
}

// Meta returns a stored metadata value, or "" when the key is unset.
func (s *Store) Meta(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return "", s.corrupt
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMeta stores a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt != nil {
		return s.corrupt
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

func marshalList(list []string) (sql.NullString, error) {
	if len(list) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(ns.String), &list); err != nil {
		return nil
	}
	return list
}

// Ensure Store implements GraphStore interface
var _ provider.GraphStore = (*Store)(nil)
