package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "vectest")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store := New()
	if err := store.Init(filepath.Join(tmpDir, "vectors.db")); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "fts5") {
			t.Skip("FTS5 not available in this environment")
		}
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testChunk(file string, ordinal int, kind types.UnitKind, text string) *types.Chunk {
	return &types.Chunk{
		ID:        types.ChunkID(file, ordinal),
		Ordinal:   ordinal,
		FilePath:  file,
		UnitKind:  kind,
		Text:      text,
		EndByte:   len(text),
		StartLine: 1,
		EndLine:   1,
		Tokens:    len(text) / 2,
		Hash:      types.HashBytes([]byte(text)),
	}
}

func TestStoreAndGetChunk(t *testing.T) {
	s := newTestStore(t)

	c := testChunk("CommonModules/Common/Ext/Module.bsl", 0, types.UnitKindModule, "Функция ПолучитьКурс() Экспорт")
	c.SymbolID = "code:Common.ПолучитьКурс"
	c.SymbolName = "Common.ПолучитьКурс"
	c.OverlapBytes = 3

	if err := s.StoreChunks([]*types.ChunkWithEmbedding{{Chunk: c, Embedding: []float32{1, 0, 0}}}); err != nil {
		t.Fatalf("StoreChunks failed: %v", err)
	}

	got, err := s.GetChunk(c.ID)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if got.Text != c.Text || got.SymbolID != c.SymbolID || got.UnitKind != types.UnitKindModule {
		t.Errorf("GetChunk = %+v, want %+v", got, c)
	}
	if !got.Overlap || got.OverlapBytes != 3 {
		t.Errorf("overlap = %v/%d, want true/3", got.Overlap, got.OverlapBytes)
	}

	if _, err := s.GetChunk("missing#0"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetChunk(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteChunksByFile(t *testing.T) {
	s := newTestStore(t)

	chunks := []*types.ChunkWithEmbedding{
		{Chunk: testChunk("a.bsl", 0, types.UnitKindModule, "Процедура А()"), Embedding: []float32{1, 0}},
		{Chunk: testChunk("a.bsl", 1, types.UnitKindModule, "КонецПроцедуры"), Embedding: []float32{0, 1}},
		{Chunk: testChunk("b.xml", 0, types.UnitKindMetadata, "<Catalog>"), Embedding: []float32{1, 1}},
	}
	if err := s.StoreChunks(chunks); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteChunksByFile("a.bsl"); err != nil {
		t.Fatalf("DeleteChunksByFile failed: %v", err)
	}
	n, err := s.CountChunks()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountChunks = %d, want 1", n)
	}

	results, err := s.Search(context.Background(), &types.SearchRequest{
		QueryVec: []float32{1, 0},
		Limit:    10,
		Mode:     types.SearchModeVector,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Chunk.FilePath != "b.xml" {
		t.Errorf("vector search after delete = %v, want only b.xml", results)
	}
}

func TestSearchModes(t *testing.T) {
	s := newTestStore(t)

	chunks := []*types.ChunkWithEmbedding{
		{Chunk: testChunk("rate.bsl", 0, types.UnitKindModule, "Function GetRate(Currency) Export"), Embedding: []float32{1, 0, 0}},
		{Chunk: testChunk("price.bsl", 0, types.UnitKindModule, "Procedure Recalc() Rate = GetRate(1)"), Embedding: []float32{0.6, 0.8, 0}},
		{Chunk: testChunk("Catalogs/Products.xml", 0, types.UnitKindMetadata, "<Name>Products</Name>"), Embedding: []float32{0, 0, 1}},
	}
	if err := s.StoreChunks(chunks); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		req       types.SearchRequest
		wantFirst string
		wantCount int
	}{
		{
			name:      "vector",
			req:       types.SearchRequest{QueryVec: []float32{1, 0, 0}, Limit: 2, Mode: types.SearchModeVector},
			wantFirst: "rate.bsl#0",
			wantCount: 2,
		},
		{
			name:      "bm25",
			req:       types.SearchRequest{Query: "Products", Limit: 5, Mode: types.SearchModeBM25},
			wantFirst: "Catalogs/Products.xml#0",
			wantCount: 1,
		},
		{
			name:      "hybrid without vector",
			req:       types.SearchRequest{Query: "GetRate", Limit: 5, Mode: types.SearchModeHybrid},
			wantCount: 2,
		},
		{
			name: "unit kind filter",
			req: types.SearchRequest{QueryVec: []float32{1, 0, 0}, Limit: 5, Mode: types.SearchModeVector,
				UnitKinds: []types.UnitKind{types.UnitKindMetadata}},
			wantFirst: "Catalogs/Products.xml#0",
			wantCount: 1,
		},
		{
			name:      "hybrid",
			req:       types.SearchRequest{Query: "GetRate", QueryVec: []float32{1, 0, 0}, Limit: 1},
			wantFirst: "rate.bsl#0",
			wantCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := s.Search(context.Background(), &tt.req)
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if len(results) != tt.wantCount {
				t.Fatalf("Search = %d results, want %d", len(results), tt.wantCount)
			}
			if tt.wantFirst != "" && results[0].Chunk.ID != tt.wantFirst {
				t.Errorf("first result = %s, want %s", results[0].Chunk.ID, tt.wantFirst)
			}
		})
	}
}

func TestSearchFilters(t *testing.T) {
	s := newTestStore(t)

	rate := testChunk("CommonModules/Common/Ext/Module.bsl", 0, types.UnitKindModule, "Function GetRate() Export")
	rate.Collection = "CommonModules"
	rate.Exported = true
	helper := testChunk("CommonModules/Common/Ext/Module.bsl", 1, types.UnitKindModule, "Function Round() GetRate")
	helper.Collection = "CommonModules"
	write := testChunk("Catalogs/Products/Ext/ObjectModule.bsl", 0, types.UnitKindModule, "Procedure BeforeWrite() GetRate")
	write.Collection = "Catalogs"
	meta := testChunk("Catalogs/Products.xml", 0, types.UnitKindMetadata, "<Name>Products</Name> GetRate")
	meta.Collection = "Catalogs"

	chunks := []*types.ChunkWithEmbedding{
		{Chunk: rate, Embedding: []float32{1, 0}},
		{Chunk: helper, Embedding: []float32{0.9, 0.1}},
		{Chunk: write, Embedding: []float32{0.8, 0.2}},
		{Chunk: meta, Embedding: []float32{0.7, 0.3}},
	}
	if err := s.StoreChunks(chunks); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetChunk(rate.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Collection != "CommonModules" || !got.Exported {
		t.Errorf("GetChunk collection/exported = %q/%v, want CommonModules/true", got.Collection, got.Exported)
	}

	tests := []struct {
		name  string
		req   types.SearchRequest
		wantN int
		want  map[string]bool
	}{
		{
			name:  "exported",
			req:   types.SearchRequest{ExportedOnly: true},
			wantN: 1,
			want:  map[string]bool{rate.ID: true},
		},
		{
			name:  "collection",
			req:   types.SearchRequest{Collections: []string{"Catalogs"}},
			wantN: 2,
			want:  map[string]bool{write.ID: true, meta.ID: true},
		},
		{
			name: "collection and unit kind",
			req: types.SearchRequest{Collections: []string{"Catalogs", "CommonModules"},
				UnitKinds: []types.UnitKind{types.UnitKindMetadata}},
			wantN: 1,
			want:  map[string]bool{meta.ID: true},
		},
		{
			name:  "no match",
			req:   types.SearchRequest{Collections: []string{"Documents"}},
			wantN: 0,
		},
	}

	for _, tt := range tests {
		for _, mode := range []types.SearchMode{types.SearchModeVector, types.SearchModeBM25, types.SearchModeHybrid} {
			t.Run(tt.name+"/"+string(mode), func(t *testing.T) {
				req := tt.req
				req.Query = "GetRate"
				req.QueryVec = []float32{1, 0}
				req.Limit = 10
				req.Mode = mode
				results, err := s.Search(context.Background(), &req)
				if err != nil {
					t.Fatalf("Search failed: %v", err)
				}
				if len(results) != tt.wantN {
					t.Fatalf("Search = %d results, want %d", len(results), tt.wantN)
				}
				for _, r := range results {
					if !tt.want[r.Chunk.ID] {
						t.Errorf("unexpected result %s", r.Chunk.ID)
					}
				}
			})
		}
	}
}

func TestCountChunksByKind(t *testing.T) {
	s := newTestStore(t)
	chunks := []*types.ChunkWithEmbedding{
		{Chunk: testChunk("a.bsl", 0, types.UnitKindModule, "Перем А;"), Embedding: []float32{1, 0}},
		{Chunk: testChunk("a.bsl", 1, types.UnitKindModule, "Перем Б;"), Embedding: []float32{0, 1}},
		{Chunk: testChunk("Catalogs/Products/Forms/ItemForm/Ext/Form.xml", 0, types.UnitKindForm, "<Form/>"), Embedding: []float32{1, 1}},
	}
	if err := s.StoreChunks(chunks); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountChunksByKind()
	if err != nil {
		t.Fatal(err)
	}
	if counts[types.UnitKindModule] != 2 || counts[types.UnitKindForm] != 1 || counts[types.UnitKindMetadata] != 0 {
		t.Errorf("CountChunksByKind = %v, want module:2 form:1", counts)
	}
}

func TestInitAddsMissingColumns(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "vectest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)
	path := filepath.Join(tmpDir, "vectors.db")

	// Chunk table as written before collection and exported existed.
	old, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, stmt := range []string{
		`CREATE TABLE chunks (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			unit_kind TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			content TEXT NOT NULL,
			symbol_id TEXT,
			symbol_name TEXT,
			start_byte INTEGER NOT NULL,
			end_byte INTEGER NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			tokens INTEGER NOT NULL,
			overlap_bytes INTEGER NOT NULL DEFAULT 0,
			hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT INTO chunks (id, file_path, unit_kind, ordinal, content, start_byte, end_byte, start_line, end_line, tokens, hash)
			VALUES ('a.bsl#0', 'a.bsl', 'module', 0, 'Перем А;', 0, 8, 1, 1, 4, 'h')`,
	} {
		if _, err := old.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	old.Close()

	s := New()
	if err := s.Init(path); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "fts5") {
			t.Skip("FTS5 not available in this environment")
		}
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.GetChunk("a.bsl#0")
	if err != nil {
		t.Fatalf("GetChunk after migration: %v", err)
	}
	if got.Collection != "" || got.Exported {
		t.Errorf("migrated row collection/exported = %q/%v, want defaults", got.Collection, got.Exported)
	}

	c := testChunk("CommonModules/Common/Ext/Module.bsl", 0, types.UnitKindModule, "Function GetRate() Export")
	c.Collection = "CommonModules"
	c.Exported = true
	if err := s.StoreChunks([]*types.ChunkWithEmbedding{{Chunk: c, Embedding: []float32{1, 0}}}); err != nil {
		t.Fatalf("StoreChunks after migration: %v", err)
	}
	results, err := s.Search(context.Background(), &types.SearchRequest{
		QueryVec: []float32{1, 0}, Limit: 5, Mode: types.SearchModeVector, ExportedOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Chunk.ID != c.ID {
		t.Errorf("exported search after migration = %v, want %s", results, c.ID)
	}
}

func TestDimensionsSurviveReopen(t *testing.T) {
	s := newTestStore(t)
	c := testChunk("a.bsl", 0, types.UnitKindModule, "Перем А;")
	if err := s.StoreChunks([]*types.ChunkWithEmbedding{{Chunk: c, Embedding: []float32{1, 0}}}); err != nil {
		t.Fatal(err)
	}
	path := s.path
	s.Close()

	reopened := New()
	if err := reopened.Init(path); err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if reopened.dimensions != 2 {
		t.Fatalf("dimensions after reopen = %d, want 2", reopened.dimensions)
	}
	c2 := testChunk("b.bsl", 0, types.UnitKindModule, "Перем Б;")
	if err := reopened.StoreChunks([]*types.ChunkWithEmbedding{{Chunk: c2, Embedding: []float32{0, 1}}}); err != nil {
		t.Fatal(err)
	}
	results, err := reopened.Search(context.Background(), &types.SearchRequest{
		QueryVec: []float32{1, 0}, Limit: 5, Mode: types.SearchModeVector,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("vectors after reopen = %d, want 2", len(results))
	}
}

func TestEscapeFTSQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"GetRate", `"GetRate"`},
		{"Справочники.Товары", `"Справочники.Товары"`},
		{`a "b" c:d`, `"a" OR """b""" OR "c:d"`},
		{"  ", ""},
	}
	for _, tt := range tests {
		if got := escapeFTSQuery(tt.in); got != tt.want {
			t.Errorf("escapeFTSQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
