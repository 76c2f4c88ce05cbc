package index

import (
	"context"
	"errors"
	"testing"

	"github.com/spetr/mcp-bslindex/builtin/chunking/window"
	"github.com/spetr/mcp-bslindex/internal/resolve"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

func TestRun(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, commonPath, commonSrc)
	writeFile(t, root, pricingPath, pricingSrc)

	graph, _ := newGraph(t)
	store := newMemVectorStore()
	cfg := RunConfig{
		Scan:       ScanConfig{Root: root},
		Graph:      graph,
		Chunker:    window.New(window.Config{}),
		Policy:     resolve.DefaultPolicy(),
		Workers:    2,
		ConfigHash: "h1",
		Store:      store,
		Embedding:  &fakeEmbedder{},
	}

	stats, err := Run(context.Background(), cfg, types.IndexModeIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Mode != types.IndexModeFull {
		t.Errorf("Mode = %s, want full on an empty graph", stats.Mode)
	}
	if stats.Chunks == 0 || stats.ChunksStored != stats.Chunks || stats.HandoffFails != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if n, _ := store.CountChunks(); n != stats.Chunks {
		t.Errorf("vector store holds %d chunks, want %d", n, stats.Chunks)
	}

	stats, err = Run(context.Background(), cfg, types.IndexModeIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Units != 0 || stats.Skipped != 2 || stats.ChunksStored != 0 {
		t.Errorf("second run = %+v, want everything skipped", stats)
	}
}

func TestRunWithoutVectorStore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, commonPath, commonSrc)

	graph, _ := newGraph(t)
	stats, err := Run(context.Background(), RunConfig{
		Scan:    ScanConfig{Root: root},
		Graph:   graph,
		Chunker: window.New(window.Config{}),
		Policy:  resolve.DefaultPolicy(),
	}, types.IndexModeFull)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Units != 1 || stats.ChunksStored != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, commonPath, commonSrc)

	graph, _ := newGraph(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, RunConfig{
		Scan:      ScanConfig{Root: root},
		Graph:     graph,
		Chunker:   window.New(window.Config{}),
		Policy:    resolve.DefaultPolicy(),
		Store:     newMemVectorStore(),
		Embedding: &fakeEmbedder{},
	}, types.IndexModeFull)
	if !errors.Is(err, types.ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
}
