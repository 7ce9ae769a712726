package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"askdocs/pkg/domain"
	"askdocs/pkg/lock"
	"askdocs/pkg/store"
)

// Task types passed to embedding providers.
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// DefaultProviderTimeout bounds a single embedding or generation call.
const DefaultProviderTimeout = 60 * time.Second

const opPopulate = "populate embeddings"

// Embedder turns text into a vector.
type Embedder interface {
	EmbedText(ctx context.Context, text, taskType string) ([]float32, error)
}

// BatchEmbedder is implemented by providers that embed several texts per call.
// The result holds one vector per input, in input order.
type BatchEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

// DefaultBatchSize is the number of chunks sent per call to a BatchEmbedder.
const DefaultBatchSize = 16

// EmbeddingStore is the chunk store surface the populator needs.
type EmbeddingStore interface {
	ListChunks(ctx context.Context, filter store.ChunkFilter) ([]domain.Chunk, error)
	SetChunkEmbedding(ctx context.Context, id string, embedding []float32) error
}

// PopulatorConfig wires a Populator. Locker may be nil for single-writer setups.
// BatchSize only applies when Embedder also implements BatchEmbedder.
type PopulatorConfig struct {
	Chunks      EmbeddingStore
	Embedder    Embedder
	Locker      lock.Locker
	Concurrency int
	BatchSize   int
	Dimension   int
	Timeout     time.Duration
}

// Populator fills in missing chunk embeddings for a document.
type Populator struct {
	chunks      EmbeddingStore
	embedder    Embedder
	batcher     BatchEmbedder
	locker      lock.Locker
	concurrency int
	batchSize   int
	dim         int
	timeout     time.Duration
}

// NewPopulator validates cfg and applies defaults.
func NewPopulator(cfg PopulatorConfig) (*Populator, error) {
	if cfg.Chunks == nil {
		return nil, NewError(ErrConfiguration, "new populator", "chunk store is required", nil)
	}
	if cfg.Embedder == nil {
		return nil, NewError(ErrConfiguration, "new populator", "embedder is required", nil)
	}
	if cfg.Dimension < 0 {
		return nil, NewError(ErrConfiguration, "new populator", "dimension must not be negative", nil)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProviderTimeout
	}
	p := &Populator{
		chunks:      cfg.Chunks,
		embedder:    cfg.Embedder,
		locker:      cfg.Locker,
		concurrency: cfg.Concurrency,
		batchSize:   1,
		dim:         cfg.Dimension,
		timeout:     cfg.Timeout,
	}
	if batcher, ok := cfg.Embedder.(BatchEmbedder); ok {
		p.batcher = batcher
		p.batchSize = cfg.BatchSize
		if p.batchSize <= 0 {
			p.batchSize = DefaultBatchSize
		}
	}
	return p, nil
}

// Populate embeds every chunk of the document that has no vector yet and
// persists each vector as soon as it arrives. It returns how many chunks were
// embedded by this call. The first provider failure stops the pass; vectors
// already written are kept, so calling Populate again resumes where it stopped.
func (p *Populator) Populate(ctx context.Context, documentID string) (int, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return 0, validationError(opPopulate, "document id is required")
	}
	if p.locker != nil {
		unlock, err := p.locker.Lock(ctx, lock.DocumentKey(documentID))
		if err != nil {
			return 0, fmt.Errorf("%s: lock document %s: %w", opPopulate, documentID, err)
		}
		defer unlock()
	}

	chunks, err := p.chunks.ListChunks(ctx, store.ChunkFilter{DocumentID: documentID})
	if err != nil {
		return 0, fmt.Errorf("%s: list chunks: %w", opPopulate, err)
	}
	if len(chunks) == 0 {
		return 0, NewError(ErrPrecondition, opPopulate, "document has no chunks, run chunking first", nil)
	}
	pending := make([]domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if !c.Embedded() {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		slog.Debug("populate: nothing to embed", "document_id", documentID, "chunks", len(chunks))
		return 0, nil
	}

	var done atomic.Int64
	if p.concurrency == 1 {
		for _, batch := range p.batches(pending) {
			n, err := p.embedBatch(ctx, batch)
			done.Add(int64(n))
			if err != nil {
				return int(done.Load()), err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.concurrency)
		for _, batch := range p.batches(pending) {
			if gctx.Err() != nil {
				break
			}
			batch := batch
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				n, err := p.embedBatch(gctx, batch)
				done.Add(int64(n))
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return int(done.Load()), err
		}
	}
	slog.Info("populate: embedded chunks", "document_id", documentID, "embedded", done.Load(), "total", len(chunks))
	return int(done.Load()), nil
}

func (p *Populator) batches(pending []domain.Chunk) [][]domain.Chunk {
	out := make([][]domain.Chunk, 0, len(pending)/p.batchSize+1)
	for start := 0; start < len(pending); start += p.batchSize {
		end := min(start+p.batchSize, len(pending))
		out = append(out, pending[start:end])
	}
	return out
}

// embedBatch embeds and stores one batch and reports how many vectors it stored.
func (p *Populator) embedBatch(ctx context.Context, batch []domain.Chunk) (int, error) {
	vecs, err := p.embed(ctx, batch)
	if err != nil {
		return 0, err
	}
	for i, c := range batch {
		if err := p.checkVector(c.ID, vecs[i]); err != nil {
			return i, err
		}
		if err := p.chunks.SetChunkEmbedding(ctx, c.ID, vecs[i]); err != nil {
			return i, fmt.Errorf("%s: store embedding for chunk %s: %w", opPopulate, c.ID, err)
		}
	}
	return len(batch), nil
}

func (p *Populator) embed(ctx context.Context, batch []domain.Chunk) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if p.batcher == nil || len(batch) == 1 {
		c := batch[0]
		vec, err := p.embedder.EmbedText(callCtx, c.Text, TaskRetrievalDocument)
		if err != nil {
			return nil, providerError(opPopulate, "embed chunk "+c.ID, err)
		}
		return [][]float32{vec}, nil
	}
	texts := make([]string, 0, len(batch))
	for _, c := range batch {
		texts = append(texts, c.Text)
	}
	vecs, err := p.batcher.EmbedTexts(callCtx, texts, TaskRetrievalDocument)
	if err != nil {
		return nil, providerError(opPopulate, fmt.Sprintf("embed batch starting at chunk %s", batch[0].ID), err)
	}
	if len(vecs) != len(batch) {
		return nil, providerError(opPopulate, fmt.Sprintf("got %d embeddings for %d chunks", len(vecs), len(batch)), nil)
	}
	return vecs, nil
}

func (p *Populator) checkVector(chunkID string, vec []float32) error {
	if len(vec) == 0 {
		return providerError(opPopulate, "empty embedding for chunk "+chunkID, nil)
	}
	if p.dim > 0 && len(vec) != p.dim {
		return providerError(opPopulate, fmt.Sprintf("embedding dimension %d for chunk %s, expected %d", len(vec), chunkID, p.dim), nil)
	}
	return nil
}
