package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"voxbooks/internal/util"
	"voxbooks/pkg/ai"
	"voxbooks/pkg/domain"
	"voxbooks/pkg/queue"
	"voxbooks/pkg/storage"
	"voxbooks/pkg/store"
)

// Config wires the ingestion worker's collaborators.
type Config struct {
	Store    store.Store
	Objects  storage.ObjectStore
	Embedder ai.Embedder

	ChunkSize        int
	ChunkOverlap     int
	EmbedBatchSize   int
	EmbedConcurrency int
}

// Worker processes book ingestion jobs: download, extract, chunk, embed,
// replace the passage index.
type Worker struct {
	store            store.Store
	objects          storage.ObjectStore
	embedder         ai.Embedder
	chunkSize        int
	chunkOverlap     int
	embedBatchSize   int
	embedConcurrency int
}

// NewWorker constructs an ingestion worker.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	chunkOverlap := cfg.ChunkOverlap
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = defaultChunkOverlap
	}
	batchSize := cfg.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	concurrency := cfg.EmbedConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Worker{
		store:            cfg.Store,
		objects:          cfg.Objects,
		embedder:         cfg.Embedder,
		chunkSize:        chunkSize,
		chunkOverlap:     chunkOverlap,
		embedBatchSize:   batchSize,
		embedConcurrency: concurrency,
	}, nil
}

// Handle adapts Process to the queue's handler signature.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	return w.Process(ctx, job.BookID)
}

// Process ingests one book. On failure the book is marked failed with the
// error message so authors can see why; the returned error drives queue
// retries.
func (w *Worker) Process(ctx context.Context, bookID string) error {
	logger := slog.Default().With("book", bookID)
	book, ok, err := w.store.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if !ok {
		// The book was deleted after enqueueing; nothing to do.
		logger.Warn("ingestion job for unknown book")
		return nil
	}
	if book.StorageKey == "" {
		return w.fail(bookID, fmt.Errorf("book has no uploaded file"))
	}
	if err := w.store.SetBookStatus(bookID, domain.StatusProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	started := time.Now()
	passages, err := w.buildPassages(ctx, book)
	if err != nil {
		return w.fail(bookID, err)
	}
	if err := w.store.ReplacePassages(bookID, passages); err != nil {
		return w.fail(bookID, fmt.Errorf("store passages: %w", err))
	}
	if err := w.store.SetBookStatus(bookID, domain.StatusProcessed, ""); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	logger.Info("book ingested", "passages", len(passages), "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

func (w *Worker) fail(bookID string, cause error) error {
	if err := w.store.SetBookStatus(bookID, domain.StatusFailed, cause.Error()); err != nil {
		slog.Error("mark book failed", "book", bookID, "err", err)
	}
	return cause
}

func (w *Worker) buildPassages(ctx context.Context, book domain.Book) ([]domain.Passage, error) {
	rc, err := w.objects.Get(ctx, book.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("download book file: %w", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read book file: %w", err)
	}

	sections, err := extractSections(book.StorageKey, data)
	if err != nil {
		return nil, err
	}
	chunks := chunkSections(sections, w.chunkSize, w.chunkOverlap)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no indexable text")
	}

	embeddings, err := w.embedChunks(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}

	now := time.Now().UTC()
	passages := make([]domain.Passage, len(chunks))
	for i, c := range chunks {
		passages[i] = domain.Passage{
			ID:        util.NewID(),
			BookID:    book.ID,
			Position:  i,
			Content:   c.Content,
			Embedding: embeddings[i],
			Metadata:  c.Meta,
			CreatedAt: now,
		}
	}
	return passages, nil
}

// embedChunks embeds all chunks, batched and bounded-concurrent. Results land
// at the chunk's index so passage order never depends on batch completion
// order.
func (w *Worker) embedChunks(ctx context.Context, chunks []chunk) ([][]float32, error) {
	embeddings := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.embedConcurrency)
	for start := 0; start < len(chunks); start += w.embedBatchSize {
		end := start + w.embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		start, end := start, end
		g.Go(func() error {
			batch := chunks[start:end]
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Content
			}
			out, err := w.embedBatch(gctx, texts)
			if err != nil {
				return err
			}
			if len(out) != len(batch) {
				return fmt.Errorf("embedding count mismatch: got %d, want %d", len(out), len(batch))
			}
			copy(embeddings[start:end], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return embeddings, nil
}

func (w *Worker) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if batcher, ok := w.embedder.(ai.BatchEmbedder); ok && len(texts) > 1 {
		return batcher.EmbedTexts(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := w.embedder.EmbedText(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = embedding
	}
	return out, nil
}
