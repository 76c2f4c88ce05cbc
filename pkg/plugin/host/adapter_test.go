package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

type fakePlugin struct {
	batch int
	calls [][]string
	fail  error
}

func (f *fakePlugin) Name() string      { return "fake" }
func (f *fakePlugin) Dimensions() int   { return 2 }
func (f *fakePlugin) MaxBatchSize() int { return f.batch }
func (f *fakePlugin) Warmup() error     { return f.fail }
func (f *fakePlugin) Close() error      { return nil }

func (f *fakePlugin) Embed(texts []string) ([][]float32, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.calls = append(f.calls, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func TestEmbeddingAdapterBatches(t *testing.T) {
	fake := &fakePlugin{batch: 2}
	a := NewEmbeddingAdapter("fake", fake)

	if a.Name() != "plugin:fake" {
		t.Errorf("Name() = %q, want %q", a.Name(), "plugin:fake")
	}

	vecs, err := a.Embed(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 || vecs[2][0] != 3 {
		t.Errorf("Embed = %v", vecs)
	}
	if len(fake.calls) != 2 {
		t.Errorf("plugin calls = %d, want 2 batches", len(fake.calls))
	}
}

func TestEmbeddingAdapterErrors(t *testing.T) {
	fake := &fakePlugin{batch: 0, fail: errors.New("backend down")}
	a := NewEmbeddingAdapter("fake", fake)

	if a.MaxBatchSize() != 1 {
		t.Errorf("MaxBatchSize() = %d, want 1 for a plugin reporting 0", a.MaxBatchSize())
	}
	if _, err := a.Embed(context.Background(), []string{"x"}); !errors.Is(err, types.ErrEmbeddingFailed) {
		t.Errorf("Embed error = %v, want ErrEmbeddingFailed", err)
	}
	if err := a.Warmup(context.Background()); !errors.Is(err, types.ErrProviderNotAvailable) {
		t.Errorf("Warmup error = %v, want ErrProviderNotAvailable", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewEmbeddingAdapter("ok", &fakePlugin{batch: 1}).Embed(ctx, []string{"x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Embed with cancelled context error = %v", err)
	}
}

func TestDiscoverPlugins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "embedder"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("docs"), 0644); err != nil {
		t.Fatal(err)
	}

	names, err := NewManager(dir).DiscoverPlugins()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "embedder" {
		t.Errorf("DiscoverPlugins() = %v, want [embedder]", names)
	}

	names, err = NewManager(filepath.Join(dir, "missing")).DiscoverPlugins()
	if err != nil || names != nil {
		t.Errorf("DiscoverPlugins(missing) = %v, %v; want nil, nil", names, err)
	}

	if _, err := NewManager(dir).LoadEmbedding("nope"); err == nil {
		t.Error("LoadEmbedding(nope) succeeded, want error")
	}
}
