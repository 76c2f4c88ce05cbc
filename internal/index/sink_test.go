package index

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

type memVectorStore struct {
	mu      sync.Mutex
	chunks  map[string]*types.ChunkWithEmbedding
	deletes []string
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{chunks: make(map[string]*types.ChunkWithEmbedding)}
}

func (m *memVectorStore) Name() string      { return "mem" }
func (m *memVectorStore) Init(string) error { return nil }
func (m *memVectorStore) Close() error      { return nil }

func (m *memVectorStore) StoreChunks(chunks []*types.ChunkWithEmbedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.Chunk.ID] = c
	}
	return nil
}

func (m *memVectorStore) GetChunk(id string) (*types.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chunks[id]; ok {
		return c.Chunk, nil
	}
	return nil, types.ErrNotFound
}

func (m *memVectorStore) DeleteChunksByFile(filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, filePath)
	for id, c := range m.chunks {
		if c.Chunk.FilePath == filePath {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *memVectorStore) CountChunks() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks), nil
}

func (m *memVectorStore) CountChunksByKind() (map[types.UnitKind]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[types.UnitKind]int)
	for _, c := range m.chunks {
		counts[c.Chunk.UnitKind]++
	}
	return counts, nil
}

func (m *memVectorStore) Search(context.Context, *types.SearchRequest) ([]*types.SearchResult, error) {
	return nil, nil
}

type fakeEmbedder struct {
	mu      sync.Mutex
	batches []int
	fail    error
}

func (f *fakeEmbedder) Name() string                 { return "fake" }
func (f *fakeEmbedder) Dimensions() int              { return 2 }
func (f *fakeEmbedder) MaxBatchSize() int            { return 2 }
func (f *fakeEmbedder) Warmup(context.Context) error { return nil }
func (f *fakeEmbedder) Close() error                 { return nil }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.batches = append(f.batches, len(texts))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func testChunks(file string, n int) []*types.Chunk {
	chunks := make([]*types.Chunk, n)
	for i := range chunks {
		chunks[i] = &types.Chunk{ID: types.ChunkID(file, i), Ordinal: i, FilePath: file, Text: "chunk"}
	}
	return chunks
}

func TestEmbeddingSink(t *testing.T) {
	store := newMemVectorStore()
	embedder := &fakeEmbedder{}
	sink := NewEmbeddingSink(store, embedder, 2)

	sink.Submit("a.bsl", testChunks("a.bsl", 3))
	sink.Submit("b.bsl", testChunks("b.bsl", 1))
	sink.Submit("a.bsl", testChunks("a.bsl", 1))
	sink.Remove("b.bsl")
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	// The second submission for a.bsl replaced the first.
	if n, _ := store.CountChunks(); n != 1 {
		t.Errorf("stored chunks = %d, want 1", n)
	}
	c, err := store.GetChunk("a.bsl#0")
	if err != nil {
		t.Fatal(err)
	}
	if c.FilePath != "a.bsl" {
		t.Errorf("chunk = %+v", c)
	}
	if store.chunks["a.bsl#0"].Embedding == nil {
		t.Error("chunk stored without embedding")
	}
	if sink.Stored() != 5 || sink.Failed() != 0 {
		t.Errorf("Stored = %d, Failed = %d; want 5, 0", sink.Stored(), sink.Failed())
	}
	for _, n := range embedder.batches {
		if n > 2 {
			t.Errorf("batch of %d exceeds MaxBatchSize", n)
		}
	}
}

func TestEmbeddingSinkFailuresAreCounted(t *testing.T) {
	store := newMemVectorStore()
	sink := NewEmbeddingSink(store, &fakeEmbedder{fail: errors.New("endpoint down")}, 1)

	sink.Submit("a.bsl", testChunks("a.bsl", 2))
	sink.Submit("empty.bsl", nil)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close = %v, failures must not surface", err)
	}
	if sink.Failed() != 1 || sink.Stored() != 0 {
		t.Errorf("Failed = %d, Stored = %d; want 1, 0", sink.Failed(), sink.Stored())
	}
	if len(store.deletes) != 2 {
		t.Errorf("deletes = %v, want both units cleared", store.deletes)
	}
}
