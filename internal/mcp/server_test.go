package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/spetr/mcp-bslindex/builtin/chunking/window"
	"github.com/spetr/mcp-bslindex/builtin/embedding/none"
	"github.com/spetr/mcp-bslindex/builtin/graphstore/sqlitegraph"
	"github.com/spetr/mcp-bslindex/builtin/vectorstore/sqlitevec"
	"github.com/spetr/mcp-bslindex/internal/config"
)

const productsXML = `<?xml version="1.0" encoding="UTF-8"?>
<MetaDataObject xmlns="http://v8.1c.ru/8.3/MDClasses" xmlns:v8="http://v8.1c.ru/8.1/data/core">
	<Catalog uuid="1">
		<Properties>
			<Name>Products</Name>
		</Properties>
		<ChildObjects>
			<Attribute uuid="2">
				<Properties>
					<Name>Category</Name>
					<Type>
						<v8:Type>xs:string</v8:Type>
					</Type>
				</Properties>
			</Attribute>
		</ChildObjects>
	</Catalog>
</MetaDataObject>
`

var project = map[string]string{
	"CommonModules/Common/Ext/Module.bsl":     "// Returns the current rate.\nFunction GetRate() Export\n\tReturn 1;\nEndFunction\n",
	"Pricing.bsl":                             "Procedure Recalc() Export\n\tRate = Common.GetRate();\nEndProcedure\n",
	"Catalogs/Products.xml":                   productsXML,
	"Catalogs/Products/Ext/ObjectModule.bsl":  "Procedure BeforeWrite(Cancel)\n\tCategory = Undefined;\nEndProcedure\n",
	"Catalogs/Products/Ext/ManagerModule.bsl": "Function DefaultCategory() Export\n\tReturn Undefined;\nEndFunction\n",
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	for rel, src := range project {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(src), 0644); err != nil {
			t.Fatal(err)
		}
	}

	dbDir := t.TempDir()
	graph := sqlitegraph.New()
	if err := graph.Init(filepath.Join(dbDir, "graph.db")); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { graph.Close() })
	store := sqlitevec.New()
	if err := store.Init(filepath.Join(dbDir, "chunks.db")); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = "none"
	cfg.Search.Mode = "bm25"

	s, err := New(Config{
		ProjectDir: root,
		Config:     cfg,
		Graph:      graph,
		Store:      store,
		Embedding:  none.New(),
		Chunker:    window.New(window.Config{}),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func call(t *testing.T, h handler, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T, want text", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestServerTools(t *testing.T) {
	s := newTestServer(t)

	out, isErr := call(t, s.handleIndex, map[string]any{"mode": "full"})
	if isErr {
		t.Fatalf("index failed: %s", out)
	}
	var stats struct {
		Units        int `json:"units"`
		Edges        int `json:"edges"`
		Chunks       int `json:"chunks"`
		ChunksStored int `json:"chunks_stored"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Units != len(project) || stats.Edges == 0 || stats.ChunksStored != stats.Chunks {
		t.Errorf("index result = %s", out)
	}

	t.Run("lookup_references", func(t *testing.T) {
		out, isErr := call(t, s.handleLookupReferences, map[string]any{"name": "Common.GetRate", "kind": "call"})
		if isErr || !strings.Contains(out, "code:Pricing.Recalc") {
			t.Errorf("references = %s", out)
		}
	})

	t.Run("lookup_dependents", func(t *testing.T) {
		out, isErr := call(t, s.handleLookupDependents, map[string]any{"name": "Recalc", "depth": 2})
		if isErr || !strings.Contains(out, "code:Common.GetRate") {
			t.Errorf("dependents = %s", out)
		}
	})

	t.Run("bad kind", func(t *testing.T) {
		if _, isErr := call(t, s.handleLookupReferences, map[string]any{"name": "Recalc", "kind": "jump"}); !isErr {
			t.Error("unknown kind accepted")
		}
	})

	t.Run("unknown symbol suggests", func(t *testing.T) {
		out, isErr := call(t, s.handleGetSymbol, map[string]any{"name": "GetRat"})
		if !isErr || !strings.Contains(out, "Common.GetRate") {
			t.Errorf("get_symbol(GetRat) = %s", out)
		}
	})

	t.Run("get_symbol", func(t *testing.T) {
		out, isErr := call(t, s.handleGetSymbol, map[string]any{"name": "Common.GetRate"})
		if isErr || !strings.Contains(out, `"chunk_ids"`) || !strings.Contains(out, "Returns the current rate") {
			t.Errorf("get_symbol = %s", out)
		}
	})

	t.Run("graph_stats", func(t *testing.T) {
		out, isErr := call(t, s.handleGraphStats, nil)
		if isErr || !strings.Contains(out, `"units": 5`) || !strings.Contains(out, `"chunks_by_kind"`) {
			t.Errorf("graph_stats = %s", out)
		}
	})

	t.Run("attribute written by object module", func(t *testing.T) {
		out, isErr := call(t, s.handleLookupReferences, map[string]any{"name": "Catalogs.Products.Category", "kind": "write"})
		if isErr || !strings.Contains(out, "code:Products.ObjectModule.BeforeWrite") {
			t.Errorf("references = %s", out)
		}
	})

	t.Run("get_object", func(t *testing.T) {
		out, isErr := call(t, s.handleGetObject, map[string]any{"name": "Catalogs.Products"})
		if isErr {
			t.Fatalf("get_object = %s", out)
		}
		var rec struct {
			Members []struct {
				ID string `json:"id"`
			} `json:"members"`
			Modules  []string `json:"modules"`
			ChunkIDs []string `json:"chunk_ids"`
		}
		if err := json.Unmarshal([]byte(out), &rec); err != nil {
			t.Fatal(err)
		}
		members := make(map[string]bool)
		for _, m := range rec.Members {
			members[m.ID] = true
		}
		for _, id := range []string{"Catalogs:Products.Category", "code:Products.ObjectModule", "code:Products.ManagerModule"} {
			if !members[id] {
				t.Errorf("member %s missing from %s", id, out)
			}
		}
		if len(rec.Modules) != 2 {
			t.Errorf("modules = %v, want object and manager modules", rec.Modules)
		}
		chunks := strings.Join(rec.ChunkIDs, " ")
		for _, id := range []string{"Catalogs/Products.xml#0", "Catalogs/Products/Ext/ObjectModule.bsl#0", "Catalogs/Products/Ext/ManagerModule.bsl#0"} {
			if !strings.Contains(chunks, id) {
				t.Errorf("chunk %s missing from %v", id, rec.ChunkIDs)
			}
		}
	})

	t.Run("search_code filters", func(t *testing.T) {
		query := "GetRate Recalc BeforeWrite DefaultCategory"
		tests := []struct {
			name  string
			args  map[string]any
			files []string
		}{
			{"exported", map[string]any{"exported": true}, []string{
				"CommonModules/Common/Ext/Module.bsl", "Pricing.bsl", "Catalogs/Products/Ext/ManagerModule.bsl",
			}},
			{"collections", map[string]any{"collections": []any{"Справочники"}}, []string{
				"Catalogs/Products/Ext/ObjectModule.bsl", "Catalogs/Products/Ext/ManagerModule.bsl",
			}},
			{"both", map[string]any{"collections": []any{"Catalogs"}, "exported": true}, []string{
				"Catalogs/Products/Ext/ManagerModule.bsl",
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tt.args["query"] = query
				out, isErr := call(t, s.handleSearchCode, tt.args)
				if isErr {
					t.Fatalf("search_code = %s", out)
				}
				var results []struct {
					File string `json:"file"`
				}
				if err := json.Unmarshal([]byte(out), &results); err != nil {
					t.Fatal(err)
				}
				got := make(map[string]bool)
				for _, r := range results {
					got[r.File] = true
				}
				if len(got) != len(tt.files) {
					t.Errorf("files = %v, want %v", got, tt.files)
				}
				for _, f := range tt.files {
					if !got[f] {
						t.Errorf("%s missing from %v", f, got)
					}
				}
			})
		}
	})

	t.Run("find_symbols", func(t *testing.T) {
		out, isErr := call(t, s.handleFindSymbols, map[string]any{"query": "recal"})
		if isErr || !strings.Contains(out, "code:Pricing.Recalc") {
			t.Errorf("find_symbols = %s", out)
		}
	})

	t.Run("search_code and get_chunk", func(t *testing.T) {
		out, isErr := call(t, s.handleSearchCode, map[string]any{"query": "GetRate"})
		if isErr {
			t.Fatalf("search_code = %s", out)
		}
		var results []struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(out), &results); err != nil {
			t.Fatal(err)
		}
		if len(results) == 0 {
			t.Fatalf("no search results: %s", out)
		}
		out, isErr = call(t, s.handleGetChunk, map[string]any{"chunk_id": results[0].ID})
		if isErr || !strings.Contains(out, "GetRate") {
			t.Errorf("get_chunk = %s", out)
		}
	})

	t.Run("missing arguments", func(t *testing.T) {
		for name, h := range map[string]handler{
			"lookup_references": s.handleLookupReferences,
			"get_symbol":        s.handleGetSymbol,
			"get_object":        s.handleGetObject,
			"find_symbols":      s.handleFindSymbols,
			"search_code":       s.handleSearchCode,
			"get_chunk":         s.handleGetChunk,
		} {
			if _, isErr := call(t, h, map[string]any{}); !isErr {
				t.Errorf("%s accepted empty arguments", name)
			}
		}
	})

	t.Run("bad index mode", func(t *testing.T) {
		if _, isErr := call(t, s.handleIndex, map[string]any{"mode": "quick"}); !isErr {
			t.Error("unknown index mode accepted")
		}
	})
}

func TestGetChunkContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.bsl")
	if err := os.WriteFile(path, []byte("1\n2\n3\n4\n5\n6\n"), 0644); err != nil {
		t.Fatal(err)
	}
	before, after := getChunkContext(path, 3, 4, 1)
	if before != "2" || after != "5" {
		t.Errorf("context = %q, %q; want 2, 5", before, after)
	}
	before, after = getChunkContext(path, 1, 6, 3)
	if before != "" || after != "" {
		t.Errorf("context at file edges = %q, %q", before, after)
	}
}
