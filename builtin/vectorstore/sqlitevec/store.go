// Package sqlitevec implements VectorStore using sqlite-vec for vector search
// and FTS5 for BM25 full-text search.
package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// Ensure sqlite-vec Auto() is called exactly once before any db connection
	vecAutoOnce sync.Once
)

// SchemaVersion is incremented when schema changes require reindexing.
const SchemaVersion = 3

// Store implements the VectorStore interface using sqlite-vec.
type Store struct {
	db        *sql.DB
	path      string
	enableFTS bool

	mu         sync.Mutex // guards dimensions
	dimensions int
}

// New creates a new sqlite-vec store.
func New() *Store {
	return &Store{
		enableFTS: true,
	}
}

// Name returns the store name.
func (s *Store) Name() string {
	return "sqlitevec"
}

// Init initializes the store at the given path.
func (s *Store) Init(path string) error {
	s.path = path

	// Register sqlite-vec extension before opening any database connection.
	vecAutoOnce.Do(func() {
		sqlite_vec.Auto()
	})

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for concurrent reads, busy_timeout to wait for locks instead of failing immediately
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if _, err := db.Exec("SELECT vec_version()"); err != nil {
		return fmt.Errorf("sqlite-vec extension not available: %w", err)
	}

	if err := s.createSchema(); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := s.loadDimensions(); err != nil {
		return err
	}

	// Check FTS health and auto-repair if corrupted
	if err := s.CheckFTSHealth(); err != nil {
		slog.Warn("FTS index unhealthy, rebuilding", "error", err)
		if rebuildErr := s.RebuildFTS(); rebuildErr != nil {
			slog.Error("failed to rebuild FTS index", "error", rebuildErr)
		} else {
			slog.Info("FTS index rebuilt successfully")
		}
	}

	return nil
}

// createSchema creates all necessary tables.
func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			unit_kind TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			content TEXT NOT NULL,
			symbol_id TEXT,
			symbol_name TEXT,
			collection TEXT NOT NULL DEFAULT '',
			exported BOOLEAN NOT NULL DEFAULT FALSE,
			start_byte INTEGER NOT NULL,
			end_byte INTEGER NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			tokens INTEGER NOT NULL,
			overlap_bytes INTEGER NOT NULL DEFAULT 0,
			hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_file_path ON chunks(file_path)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_symbol ON chunks(symbol_id)`,
	}

	if s.enableFTS {
		stmts = append(stmts,
			`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
				id,
				content,
				symbol_name,
				content='chunks',
				content_rowid='rowid',
				tokenize='porter unicode61'
			)`,
			// Triggers to keep FTS in sync
			`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
				INSERT INTO chunks_fts(rowid, id, content, symbol_name)
				VALUES (new.rowid, new.id, new.content, new.symbol_name);
			END`,
			`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
				INSERT INTO chunks_fts(chunks_fts, rowid, id, content, symbol_name)
				VALUES('delete', old.rowid, old.id, old.content, old.symbol_name);
			END`,
			`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
				INSERT INTO chunks_fts(chunks_fts, rowid, id, content, symbol_name)
				VALUES('delete', old.rowid, old.id, old.content, old.symbol_name);
				INSERT INTO chunks_fts(rowid, id, content, symbol_name)
				VALUES (new.rowid, new.id, new.content, new.symbol_name);
			END`,
		)
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(SchemaVersion))
	return err
}

// migrate adds columns introduced after a database was created. Existing
// rows keep the column defaults until their unit is indexed again.
func (s *Store) migrate() error {
	rows, err := s.db.Query(`PRAGMA table_info(chunks)`)
	if err != nil {
		return err
	}
	have := make(map[string]bool)
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range []struct{ name, def string }{
		{"collection", "TEXT NOT NULL DEFAULT ''"},
		{"exported", "BOOLEAN NOT NULL DEFAULT FALSE"},
	} {
		if have[col.name] {
			continue
		}
		slog.Info("adding chunk column", "column", col.name)
		if _, err := s.db.Exec(`ALTER TABLE chunks ADD COLUMN ` + col.name + ` ` + col.def); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection)`)
	return err
}

// loadDimensions restores the vector size of an existing database so that
// the first StoreChunks after a restart does not recreate the vector table.
func (s *Store) loadDimensions() error {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = 'dimensions'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	dims, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid stored dimensions %q: %w", value, err)
	}
	s.dimensions = dims
	return nil
}

// ensureVectorTable creates the vector table with the specified dimensions.
// A dimension change drops every stored embedding.
func (s *Store) ensureVectorTable(dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimensions == dimensions {
		return nil
	}
	if s.dimensions != 0 {
		slog.Warn("embedding dimensions changed, dropping stored vectors",
			"old", s.dimensions, "new", dimensions)
	}

	if _, err := s.db.Exec("DROP TABLE IF EXISTS chunk_embeddings"); err != nil {
		return fmt.Errorf("failed to drop vector table: %w", err)
	}
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunk_embeddings USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding float[%d]
		)
	`, dimensions))
	if err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES ('dimensions', ?)`,
		strconv.Itoa(dimensions)); err != nil {
		return err
	}

	s.dimensions = dimensions
	return nil
}

func (s *Store) hasVectors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dimensions > 0
}

// Close releases resources and closes connections.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StoreChunks stores chunks with their embeddings. Chunks without an
// embedding are still searchable through BM25.
func (s *Store) StoreChunks(chunks []*types.ChunkWithEmbedding) error {
	if len(chunks) == 0 {
		return nil
	}

	for _, cwe := range chunks {
		if len(cwe.Embedding) > 0 {
			if err := s.ensureVectorTable(len(cwe.Embedding)); err != nil {
				return err
			}
			break
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	chunkStmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO chunks
		(id, file_path, unit_kind, ordinal, content, symbol_id, symbol_name, collection, exported,
		 start_byte, end_byte, start_line, end_line, tokens, overlap_bytes, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer chunkStmt.Close()

	var embeddingStmt, deleteEmbStmt *sql.Stmt
	if s.hasVectors() {
		// vec0 tables do not support INSERT OR REPLACE
		deleteEmbStmt, err = tx.Prepare(`DELETE FROM chunk_embeddings WHERE chunk_id = ?`)
		if err != nil {
			return err
		}
		defer deleteEmbStmt.Close()

		embeddingStmt, err = tx.Prepare(`INSERT INTO chunk_embeddings (chunk_id, embedding) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer embeddingStmt.Close()
	}

	for _, cwe := range chunks {
		c := cwe.Chunk

		_, err := chunkStmt.Exec(
			c.ID, c.FilePath, string(c.UnitKind), c.Ordinal, c.Text, nullable(c.SymbolID), nullable(c.SymbolName),
			c.Collection, c.Exported, c.StartByte, c.EndByte, c.StartLine, c.EndLine, c.Tokens, c.OverlapBytes, c.Hash,
		)
		if err != nil {
			return fmt.Errorf("failed to store chunk %s: %w", c.ID, err)
		}

		if deleteEmbStmt == nil {
			continue
		}
		if _, err := deleteEmbStmt.Exec(c.ID); err != nil {
			return fmt.Errorf("failed to clear embedding for %s: %w", c.ID, err)
		}
		if len(cwe.Embedding) > 0 {
			if _, err := embeddingStmt.Exec(c.ID, floatsToBytes(cwe.Embedding)); err != nil {
				return fmt.Errorf("failed to store embedding for %s: %w", c.ID, err)
			}
		}
	}

	return tx.Commit()
}

const chunkColumns = `c.id, c.file_path, c.unit_kind, c.ordinal, c.content, c.symbol_id, c.symbol_name,
	c.collection, c.exported, c.start_byte, c.end_byte, c.start_line, c.end_line, c.tokens, c.overlap_bytes, c.hash`

// scanChunk reads chunkColumns, optionally preceded by extra score columns.
func scanChunk(row interface{ Scan(...any) error }, extra ...any) (*types.Chunk, error) {
	var (
		chunk              types.Chunk
		unitKind           string
		symbolID, symbolNm sql.NullString
	)
	dest := append(extra,
		&chunk.ID, &chunk.FilePath, &unitKind, &chunk.Ordinal, &chunk.Text, &symbolID, &symbolNm,
		&chunk.Collection, &chunk.Exported, &chunk.StartByte, &chunk.EndByte, &chunk.StartLine, &chunk.EndLine, &chunk.Tokens,
		&chunk.OverlapBytes, &chunk.Hash,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	chunk.UnitKind = types.UnitKind(unitKind)
	chunk.SymbolID = symbolID.String
	chunk.SymbolName = symbolNm.String
	chunk.Overlap = chunk.OverlapBytes > 0
	return &chunk, nil
}

// GetChunk retrieves a chunk by ID.
func (s *Store) GetChunk(id string) (*types.Chunk, error) {
	chunk, err := scanChunk(s.db.QueryRow(`SELECT `+chunkColumns+` FROM chunks c WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, types.ErrNotFound)
	}
	return chunk, err
}

// DeleteChunksByFile removes all chunks for a file.
func (s *Store) DeleteChunksByFile(filePath string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.hasVectors() {
		_, err := tx.Exec(`DELETE FROM chunk_embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE file_path = ?)`, filePath)
		if err != nil {
			return err
		}
	}

	// FTS is updated by trigger
	if _, err := tx.Exec("DELETE FROM chunks WHERE file_path = ?", filePath); err != nil {
		return err
	}

	return tx.Commit()
}

// CountChunks returns the number of stored chunks.
func (s *Store) CountChunks() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// CountChunksByKind returns the number of stored chunks per unit kind.
func (s *Store) CountChunksByKind() (map[types.UnitKind]int, error) {
	rows, err := s.db.Query(`SELECT unit_kind, COUNT(*) FROM chunks GROUP BY unit_kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.UnitKind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[types.UnitKind(kind)] = n
	}
	return counts, rows.Err()
}

// Search ranks chunks by vector similarity, BM25 or both.
func (s *Store) Search(ctx context.Context, req *types.SearchRequest) ([]*types.SearchResult, error) {
	switch req.Mode {
	case types.SearchModeVector:
		return s.vectorSearch(ctx, req)
	case types.SearchModeBM25:
		return s.bm25Search(ctx, req)
	default:
		return s.hybridSearch(ctx, req)
	}
}

// chunkFilter returns an SQL condition for the request's unit kind,
// collection and export filters.
func chunkFilter(req *types.SearchRequest, args []any) (string, []any) {
	var conds []string
	if len(req.UnitKinds) > 0 {
		for _, k := range req.UnitKinds {
			args = append(args, string(k))
		}
		conds = append(conds, "c.unit_kind IN ("+placeholders(len(req.UnitKinds))+")")
	}
	if len(req.Collections) > 0 {
		for _, c := range req.Collections {
			args = append(args, c)
		}
		conds = append(conds, "c.collection IN ("+placeholders(len(req.Collections))+")")
	}
	if req.ExportedOnly {
		conds = append(conds, "c.exported")
	}
	return strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// vectorSearch performs pure vector similarity search.
func (s *Store) vectorSearch(ctx context.Context, req *types.SearchRequest) ([]*types.SearchResult, error) {
	if len(req.QueryVec) == 0 {
		return nil, errors.New("query vector is required for vector search")
	}
	if !s.hasVectors() {
		return nil, nil
	}

	query := `
		SELECT vec_distance_cosine(ce.embedding, ?) AS distance, ` + chunkColumns + `
		FROM chunk_embeddings ce
		JOIN chunks c ON ce.chunk_id = c.id
	`
	args := []any{floatsToBytes(req.QueryVec)}

	cond, args := chunkFilter(req, args)
	if cond != "" {
		query += " WHERE " + cond
	}
	query += " ORDER BY distance ASC LIMIT ?"
	args = append(args, req.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var results []*types.SearchResult
	for rows.Next() {
		var distance float64
		chunk, err := scanChunk(rows, &distance)
		if err != nil {
			return nil, err
		}

		// Cosine distance to similarity
		score := float32(1.0 - distance)
		results = append(results, &types.SearchResult{
			Chunk:       chunk,
			Score:       score,
			VectorScore: score,
		})
	}
	return results, rows.Err()
}

// bm25Search performs BM25 full-text search.
func (s *Store) bm25Search(ctx context.Context, req *types.SearchRequest) ([]*types.SearchResult, error) {
	if req.Query == "" {
		return nil, errors.New("query text is required for BM25 search")
	}

	query := `
		SELECT bm25(chunks_fts) AS bm25_score, ` + chunkColumns + `
		FROM chunks_fts fts
		JOIN chunks c ON fts.id = c.id
		WHERE chunks_fts MATCH ?
	`
	args := []any{escapeFTSQuery(req.Query)}

	cond, args := chunkFilter(req, args)
	if cond != "" {
		query += " AND " + cond
	}
	query += " ORDER BY bm25_score LIMIT ?"
	args = append(args, req.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("BM25 search failed: %w", err)
	}
	defer rows.Close()

	var results []*types.SearchResult
	for rows.Next() {
		var bm25Score float64
		chunk, err := scanChunk(rows, &bm25Score)
		if err != nil {
			return nil, err
		}

		// BM25 scores are negative (lower is better), normalize to 0-1
		score := float32(1.0 / (1.0 + math.Abs(bm25Score)))
		results = append(results, &types.SearchResult{
			Chunk:     chunk,
			Score:     score,
			BM25Score: score,
		})
	}
	return results, rows.Err()
}

// hybridSearch combines vector and BM25 search with weighted scoring.
func (s *Store) hybridSearch(ctx context.Context, req *types.SearchRequest) ([]*types.SearchResult, error) {
	candidates := *req
	candidates.Limit = req.Limit * 3

	vectorResults := make(map[string]*types.SearchResult)
	bm25Results := make(map[string]*types.SearchResult)

	if len(req.QueryVec) > 0 {
		results, err := s.vectorSearch(ctx, &candidates)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			vectorResults[r.Chunk.ID] = r
		}
	}

	if req.Query != "" {
		results, err := s.bm25Search(ctx, &candidates)
		if err != nil && len(vectorResults) == 0 {
			return nil, err
		}
		if err != nil {
			// BM25 might fail if no FTS index, continue with vector only
			slog.Debug("BM25 search failed, using vector results only", "error", err)
		}
		for _, r := range results {
			bm25Results[r.Chunk.ID] = r
		}
	}

	vectorWeight := req.VectorWeight
	bm25Weight := req.BM25Weight
	if vectorWeight == 0 && bm25Weight == 0 {
		vectorWeight = 0.7
		bm25Weight = 0.3
	}
	// Without a query vector BM25 carries the whole score.
	if len(req.QueryVec) == 0 {
		vectorWeight, bm25Weight = 0, 1
	}

	combined := make(map[string]*types.SearchResult, len(vectorResults)+len(bm25Results))
	for id, vr := range vectorResults {
		combined[id] = &types.SearchResult{Chunk: vr.Chunk, VectorScore: vr.VectorScore}
	}
	for id, br := range bm25Results {
		r, ok := combined[id]
		if !ok {
			r = &types.SearchResult{Chunk: br.Chunk}
			combined[id] = r
		}
		r.BM25Score = br.BM25Score
	}

	results := make([]*types.SearchResult, 0, len(combined))
	for _, r := range combined {
		r.Score = r.VectorScore*vectorWeight + r.BM25Score*bm25Weight
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// floatsToBytes converts float32 slice to bytes for sqlite-vec.
func floatsToBytes(floats []float32) []byte {
	bytes := make([]byte, len(floats)*4)
	for i, f := range floats {
		bits := math.Float32bits(f)
		bytes[i*4] = byte(bits)
		bytes[i*4+1] = byte(bits >> 8)
		bytes[i*4+2] = byte(bits >> 16)
		bytes[i*4+3] = byte(bits >> 24)
	}
	return bytes
}

// escapeFTSQuery quotes every term so FTS5 operators in the query are
// matched literally. Terms are OR-ed.
func escapeFTSQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}

// CheckFTSHealth verifies that the FTS index is in sync with the chunks table.
func (s *Store) CheckFTSHealth() error {
	if !s.enableFTS {
		return nil
	}

	var exists int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='chunks_fts'
	`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check FTS table existence: %w", err)
	}
	if exists == 0 {
		return nil
	}

	// Fails if there are orphaned FTS entries
	_, err = s.db.Exec(`
		SELECT c.id FROM chunks_fts fts
		JOIN chunks c ON fts.rowid = c.rowid
		LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("FTS index corrupted: %w", err)
	}
	return nil
}

// RebuildFTS rebuilds the FTS index from the chunks table.
func (s *Store) RebuildFTS() error {
	if !s.enableFTS {
		return nil
	}
	if _, err := s.db.Exec(`INSERT INTO chunks_fts(chunks_fts) VALUES('rebuild')`); err != nil {
		return fmt.Errorf("failed to rebuild FTS index: %w", err)
	}
	return nil
}

// Ensure Store implements VectorStore interface
var _ provider.VectorStore = (*Store)(nil)
