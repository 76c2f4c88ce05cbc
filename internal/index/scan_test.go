package index

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "CommonModules/Common/Ext/Module.bsl", commonSrc)
	writeFile(t, root, "Pricing.bsl", pricingSrc)
	writeFile(t, root, "Catalogs/Products.xml", "<MetaDataObject/>")
	writeFile(t, root, "Catalogs/Products/Forms/ItemForm/Ext/Form.xml", "<Form/>")
	writeFile(t, root, "README.md", "docs")
	writeFile(t, root, "Vendor/Lib.bsl", "Procedure X()\nEndProcedure\n")
	writeFile(t, root, "Big.bsl", strings.Repeat("// padding\n", 200))
	writeFile(t, root, ".git/hooks/pre-commit.bsl", "")
	writeFile(t, root, IgnoreFile, "Vendor/\n")

	sr, err := Scan(context.Background(), ScanConfig{Root: root, MaxFileSize: 1024})
	if err != nil {
		t.Fatal(err)
	}
	units, diags := sr.Units, sr.Diagnostics

	want := map[string]types.UnitKind{
		"Catalogs/Products.xml":                         types.UnitKindMetadata,
		"Catalogs/Products/Forms/ItemForm/Ext/Form.xml": types.UnitKindForm,
		"CommonModules/Common/Ext/Module.bsl":           types.UnitKindModule,
		"Pricing.bsl":                                   types.UnitKindModule,
	}
	if len(units) != len(want) {
		t.Fatalf("units = %d, want %d", len(units), len(want))
	}
	for i, u := range units {
		if i > 0 && units[i-1].RelPath >= u.RelPath {
			t.Errorf("units not sorted: %s before %s", units[i-1].RelPath, u.RelPath)
		}
		kind, ok := want[u.RelPath]
		if !ok {
			t.Errorf("unexpected unit %s", u.RelPath)
			continue
		}
		if u.Kind != kind {
			t.Errorf("%s kind = %q, want %q", u.RelPath, u.Kind, kind)
		}
		if u.Hash == "" || u.Hash != types.HashBytes(u.Content) {
			t.Errorf("%s hash = %q", u.RelPath, u.Hash)
		}
	}
	if len(diags) != 1 || diags[0].File != "Big.bsl" || diags[0].Severity != types.SeverityWarning {
		t.Errorf("diagnostics = %+v, want one warning for Big.bsl", diags)
	}
	if len(sr.Skipped) != 1 || sr.Skipped[0] != "Big.bsl" {
		t.Errorf("Skipped = %v, want [Big.bsl]", sr.Skipped)
	}
}

func TestScanExcludeAndLimit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A.bsl", "")
	writeFile(t, root, "B.bsl", "")
	writeFile(t, root, "Tests/C.bsl", "")

	sr, err := Scan(context.Background(), ScanConfig{Root: root, Exclude: []string{"Tests/"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(sr.Units) != 2 || len(sr.Skipped) != 0 {
		t.Errorf("units = %d, skipped = %v; want 2 units with Tests/ excluded", len(sr.Units), sr.Skipped)
	}

	sr, err = Scan(context.Background(), ScanConfig{Root: root, MaxFiles: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(sr.Units) != 1 || len(sr.Diagnostics) != 1 {
		t.Errorf("units = %d, diags = %+v; want 1 unit and a limit warning", len(sr.Units), sr.Diagnostics)
	}
	if len(sr.Skipped) != 2 {
		t.Errorf("Skipped = %v, want the 2 files past the limit", sr.Skipped)
	}

	if _, err := Scan(context.Background(), ScanConfig{Root: filepath.Join(root, "missing")}); err == nil {
		t.Error("Scan(missing root) succeeded, want error")
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"512", 512, false},
		{"10KB", 10 << 10, false},
		{"2MB", 2 << 20, false},
		{"1 gb", 1 << 30, false},
		{"big", 0, true},
		{"-1MB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSize(%q) = %d, %v; want %d, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestIndexDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, commonPath, commonSrc)
	writeFile(t, root, pricingPath, pricingSrc)

	graph, _ := newGraph(t)
	idx := newIndexer(graph, nil, "")

	var phases []string
	idx.onProgress = func(p types.IndexProgress) {
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
	}

	res, err := idx.IndexDir(context.Background(), ScanConfig{Root: root}, types.IndexModeFull)
	if err != nil {
		t.Fatal(err)
	}
	if res.Units != 2 || res.Edges != 1 || res.Unresolved != 0 {
		t.Errorf("result = %+v", res)
	}
	want := []string{"scanning", "parsing", "resolving", "done"}
	if strings.Join(phases, ",") != strings.Join(want, ",") {
		t.Errorf("phases = %v, want %v", phases, want)
	}
}

func TestIndexDirKeepsUnreadUnits(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, commonPath, commonSrc)
	writeFile(t, root, pricingPath, pricingSrc)

	graph, _ := newGraph(t)
	sink := newRecordingSink()
	idx := newIndexer(graph, sink, "h1")
	ctx := context.Background()
	scan := ScanConfig{Root: root, MaxFileSize: 1024}

	if _, err := idx.IndexDir(ctx, scan, types.IndexModeFull); err != nil {
		t.Fatal(err)
	}

	// Common grows past the size limit but is still on disk.
	writeFile(t, root, commonPath, commonSrc+strings.Repeat("// padding\n", 200))

	for _, mode := range []types.IndexMode{types.IndexModeIncremental, types.IndexModeFull} {
		t.Run(string(mode), func(t *testing.T) {
			res, err := idx.IndexDir(ctx, scan, mode)
			if err != nil {
				t.Fatal(err)
			}
			if res.Removed != 0 || res.Kept != 1 {
				t.Errorf("removed = %d, kept = %d; want 0 and 1", res.Removed, res.Kept)
			}
			if _, err := graph.GetSymbol("code:Common.GetRate"); err != nil {
				t.Errorf("GetSymbol(Common.GetRate): %v", err)
			}
			if state := outgoingState(t, graph, "code:Pricing.Recalc", "Common.GetRate"); state != types.TargetResolved {
				t.Errorf("Recalc -> Common.GetRate state = %q, want resolved", state)
			}
			found := false
			for _, d := range res.Diagnostics {
				if d.File == commonPath {
					found = true
				}
			}
			if !found {
				t.Errorf("no diagnostic for %s in %+v", commonPath, res.Diagnostics)
			}
		})
	}
	for _, rel := range sink.removed {
		if rel == commonPath {
			t.Errorf("chunks of %s were removed", commonPath)
		}
	}

	// Once the file is gone it is a real deletion.
	if err := os.Remove(filepath.Join(root, filepath.FromSlash(commonPath))); err != nil {
		t.Fatal(err)
	}
	res, err := idx.IndexDir(ctx, scan, types.IndexModeIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 1 || res.Kept != 0 {
		t.Errorf("after delete: removed = %d, kept = %d; want 1 and 0", res.Removed, res.Kept)
	}
}
