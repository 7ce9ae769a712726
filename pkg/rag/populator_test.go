package rag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"askdocs/pkg/lock"
	"askdocs/pkg/store"
)

func embeddedCount(t *testing.T, s *store.MemoryStore, docID string) int {
	t.Helper()
	chunks, err := s.ListChunks(context.Background(), store.ChunkFilter{DocumentID: docID})
	require.NoError(t, err)
	n := 0
	for _, c := range chunks {
		if c.Embedded() {
			n++
		}
	}
	return n
}

func TestPopulateEmbedsEveryChunkOnce(t *testing.T) {
	s := newSeededStore(t, "u1", "doc", "one", "two", "three")
	emb := &fakeEmbedder{fallback: []float32{1, 2}}
	p, err := NewPopulator(PopulatorConfig{Chunks: s, Embedder: emb, Locker: lock.NewMemoryLocker()})
	require.NoError(t, err)

	n, err := p.Populate(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, embeddedCount(t, s, "doc"))
	require.Equal(t, []string{TaskRetrievalDocument, TaskRetrievalDocument, TaskRetrievalDocument}, emb.tasks)

	n, err = p.Populate(context.Background(), "doc")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 3, emb.callCount(), "second pass must not call the provider")
}

func TestPopulateStopsOnProviderFailureAndResumes(t *testing.T) {
	s := newSeededStore(t, "u1", "doc", "one", "two", "three", "four")
	emb := &fakeEmbedder{fallback: []float32{1, 2}, failAfter: 2}
	p, err := NewPopulator(PopulatorConfig{Chunks: s, Embedder: emb})
	require.NoError(t, err)

	n, err := p.Populate(context.Background(), "doc")
	require.ErrorIs(t, err, ErrProvider)
	require.ErrorIs(t, err, errProviderDown)
	require.Equal(t, 2, n)
	require.Equal(t, 2, embeddedCount(t, s, "doc"), "persisted vectors are kept")
	require.Equal(t, 3, emb.callCount(), "no calls after the first failure")

	emb.failAfter = 0
	n, err = p.Populate(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 4, embeddedCount(t, s, "doc"))
}

func TestPopulateConcurrentPool(t *testing.T) {
	texts := make([]string, 20)
	for i := range texts {
		texts[i] = "chunk text " + string(rune('a'+i))
	}
	s := newSeededStore(t, "u1", "doc", texts...)
	emb := &fakeEmbedder{fallback: []float32{0.5, 0.5}}
	p, err := NewPopulator(PopulatorConfig{Chunks: s, Embedder: emb, Concurrency: 4})
	require.NoError(t, err)

	n, err := p.Populate(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.Equal(t, 20, embeddedCount(t, s, "doc"))
}

func TestPopulateConcurrentPoolStopsOnFailureAndResumes(t *testing.T) {
	texts := make([]string, 12)
	for i := range texts {
		texts[i] = "chunk text " + string(rune('a'+i))
	}
	s := newSeededStore(t, "u1", "doc", texts...)
	emb := &fakeEmbedder{fallback: []float32{0.5, 0.5}, failAfter: 5}
	p, err := NewPopulator(PopulatorConfig{Chunks: s, Embedder: emb, Concurrency: 4})
	require.NoError(t, err)

	n, err := p.Populate(context.Background(), "doc")
	require.ErrorIs(t, err, ErrProvider)
	require.ErrorIs(t, err, errProviderDown)
	require.Equal(t, 5, n, "every successful call is stored and counted")
	require.Equal(t, 5, embeddedCount(t, s, "doc"))

	emb.mu.Lock()
	emb.failAfter = 0
	emb.mu.Unlock()
	n, err = p.Populate(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, 12, embeddedCount(t, s, "doc"))
}

func TestPopulateUsesBatchEmbedder(t *testing.T) {
	s := newSeededStore(t, "u1", "doc", "one", "two", "three", "four", "five")
	emb := &fakeBatchEmbedder{fakeEmbedder: fakeEmbedder{fallback: []float32{1, 2}}}
	p, err := NewPopulator(PopulatorConfig{Chunks: s, Embedder: emb, BatchSize: 2})
	require.NoError(t, err)

	n, err := p.Populate(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []int{2, 2}, emb.batchSizes, "a trailing single chunk goes through EmbedText")
	require.Equal(t, 1, emb.callCount())
	require.Equal(t, 5, embeddedCount(t, s, "doc"))
}

func TestPopulateBatchFailureKeepsEarlierBatches(t *testing.T) {
	s := newSeededStore(t, "u1", "doc", "one", "two", "three", "four", "five", "six")
	emb := &fakeBatchEmbedder{fakeEmbedder: fakeEmbedder{fallback: []float32{1, 2}}, failBatch: 2}
	p, err := NewPopulator(PopulatorConfig{Chunks: s, Embedder: emb, BatchSize: 3})
	require.NoError(t, err)

	n, err := p.Populate(context.Background(), "doc")
	require.ErrorIs(t, err, ErrProvider)
	require.Equal(t, 3, n)
	require.Equal(t, 3, embeddedCount(t, s, "doc"))

	n, err = p.Populate(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []int{3, 3, 3}, emb.batchSizes, "the rerun only sends the remaining chunks")
	require.Equal(t, 6, embeddedCount(t, s, "doc"))
}

func TestPopulateRejectsEmptyBatchVectors(t *testing.T) {
	s := newSeededStore(t, "u1", "doc", "one", "two")
	emb := &fakeBatchEmbedder{fakeEmbedder: fakeEmbedder{fallback: []float32{}}}
	p, err := NewPopulator(PopulatorConfig{Chunks: s, Embedder: emb})
	require.NoError(t, err)

	n, err := p.Populate(context.Background(), "doc")
	require.ErrorIs(t, err, ErrProvider)
	require.Zero(t, n)
	require.Zero(t, embeddedCount(t, s, "doc"))
}

func TestPopulateRejectsMalformedVectors(t *testing.T) {
	s := newSeededStore(t, "u1", "doc", "one")
	p, err := NewPopulator(PopulatorConfig{Chunks: s, Embedder: &fakeEmbedder{fallback: []float32{}}})
	require.NoError(t, err)
	_, err = p.Populate(context.Background(), "doc")
	require.ErrorIs(t, err, ErrProvider)

	p, err = NewPopulator(PopulatorConfig{Chunks: s, Embedder: &fakeEmbedder{fallback: []float32{1, 2, 3}}, Dimension: 2})
	require.NoError(t, err)
	_, err = p.Populate(context.Background(), "doc")
	require.ErrorIs(t, err, ErrProvider)
	require.Zero(t, embeddedCount(t, s, "doc"))
}

func TestPopulateBeforeChunkingIsPrecondition(t *testing.T) {
	s := newSeededStore(t, "u1", "doc")
	p, err := NewPopulator(PopulatorConfig{Chunks: s, Embedder: &fakeEmbedder{fallback: []float32{1}}})
	require.NoError(t, err)
	_, err = p.Populate(context.Background(), "doc")
	require.ErrorIs(t, err, ErrPrecondition)

	_, err = p.Populate(context.Background(), " ")
	require.ErrorIs(t, err, ErrValidation)
}

func TestPopulateWaitsForDocumentLock(t *testing.T) {
	s := newSeededStore(t, "u1", "doc", "one")
	locker := lock.NewMemoryLocker()
	p, err := NewPopulator(PopulatorConfig{Chunks: s, Embedder: &fakeEmbedder{fallback: []float32{1}}, Locker: locker})
	require.NoError(t, err)

	release, err := locker.Lock(context.Background(), lock.DocumentKey("doc"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Populate(ctx, "doc")
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	release()

	n, err := p.Populate(context.Background(), "doc")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNewPopulatorRequiresDependencies(t *testing.T) {
	_, err := NewPopulator(PopulatorConfig{Embedder: &fakeEmbedder{}})
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = NewPopulator(PopulatorConfig{Chunks: store.NewMemoryStore(0)})
	require.ErrorIs(t, err, ErrConfiguration)
}
