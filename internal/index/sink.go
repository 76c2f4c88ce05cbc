package index

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/spetr/mcp-bslindex/pkg/provider"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// ChunkSink receives the chunks of committed units. Calls return
// immediately; the indexer never observes the outcome.
type ChunkSink interface {
	// Submit replaces everything stored for relPath with chunks.
	Submit(relPath string, chunks []*types.Chunk)

	// Remove drops the chunks of a unit that no longer exists.
	Remove(relPath string)
}

// DiscardSink drops every chunk.
type DiscardSink struct{}

func (DiscardSink) Submit(string, []*types.Chunk) {}
func (DiscardSink) Remove(string)                 {}

type sinkJob struct {
	relPath string
	chunks  []*types.Chunk
	remove  bool
}

// jobQueue is an unbounded FIFO so that Submit never blocks.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []sinkJob
	closed bool
	ready  chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{ready: make(chan struct{}, 1)}
}

func (q *jobQueue) push(j sinkJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	q.signal()
}

func (q *jobQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *jobQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// pop blocks until a job is available. It returns false once the queue is
// closed and drained, or ctx is done.
func (q *jobQueue) pop(ctx context.Context) (sinkJob, bool) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			j := q.jobs[0]
			q.jobs[0] = sinkJob{}
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return j, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return sinkJob{}, false
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return sinkJob{}, false
		}
	}
}

// EmbeddingSink embeds submitted chunks in the background and stores them
// in a vector store. Jobs for one unit always run on the same worker, so a
// later submission never overtakes an earlier one.
type EmbeddingSink struct {
	store     provider.VectorStore
	embedding provider.EmbeddingProvider

	queues []*jobQueue
	group  *errgroup.Group
	cancel context.CancelFunc

	stored atomic.Int64
	failed atomic.Int64
}

// NewEmbeddingSink starts workers background workers.
func NewEmbeddingSink(store provider.VectorStore, embedding provider.EmbeddingProvider, workers int) *EmbeddingSink {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	s := &EmbeddingSink{
		store:     store,
		embedding: embedding,
		queues:    make([]*jobQueue, workers),
		group:     g,
		cancel:    cancel,
	}
	for i := range s.queues {
		q := newJobQueue()
		s.queues[i] = q
		g.Go(func() error {
			for {
				job, ok := q.pop(gctx)
				if !ok {
					return nil
				}
				s.run(gctx, job)
			}
		})
	}
	return s
}

func (s *EmbeddingSink) queueFor(relPath string) *jobQueue {
	h := fnv.New32a()
	h.Write([]byte(relPath))
	return s.queues[h.Sum32()%uint32(len(s.queues))]
}

// Submit queues chunks for embedding.
func (s *EmbeddingSink) Submit(relPath string, chunks []*types.Chunk) {
	s.queueFor(relPath).push(sinkJob{relPath: relPath, chunks: chunks})
}

// Remove queues deletion of a unit's chunks.
func (s *EmbeddingSink) Remove(relPath string) {
	s.queueFor(relPath).push(sinkJob{relPath: relPath, remove: true})
}

func (s *EmbeddingSink) run(ctx context.Context, job sinkJob) {
	if err := s.store.DeleteChunksByFile(job.relPath); err != nil {
		s.fail(job, err)
		return
	}
	if job.remove || len(job.chunks) == 0 {
		return
	}

	batch := max(s.embedding.MaxBatchSize(), 1)
	for start := 0; start < len(job.chunks); start += batch {
		end := min(start+batch, len(job.chunks))
		part := job.chunks[start:end]

		texts := make([]string, len(part))
		for i, c := range part {
			texts[i] = c.Text
		}
		vecs, err := s.embedding.Embed(ctx, texts)
		if err != nil {
			s.fail(job, err)
			return
		}

		records := make([]*types.ChunkWithEmbedding, len(part))
		for i, c := range part {
			records[i] = &types.ChunkWithEmbedding{Chunk: c}
			if i < len(vecs) {
				records[i].Embedding = vecs[i]
			}
		}
		if err := s.store.StoreChunks(records); err != nil {
			s.fail(job, err)
			return
		}
		s.stored.Add(int64(len(records)))
	}
}

func (s *EmbeddingSink) fail(job sinkJob, err error) {
	s.failed.Add(1)
	slog.Warn("chunk handoff failed", "file", job.relPath, "chunks", len(job.chunks), "error", err)
}

// Stored returns the number of chunks written so far.
func (s *EmbeddingSink) Stored() int {
	return int(s.stored.Load())
}

// Failed returns the number of units whose handoff failed.
func (s *EmbeddingSink) Failed() int {
	return int(s.failed.Load())
}

// Close waits for queued jobs to finish.
func (s *EmbeddingSink) Close() error {
	for _, q := range s.queues {
		q.close()
	}
	err := s.group.Wait()
	s.cancel()
	return err
}

// Abort stops the workers without draining their queues.
func (s *EmbeddingSink) Abort() {
	s.cancel()
	_ = s.group.Wait()
}
