package rag

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"askdocs/pkg/domain"
	"askdocs/pkg/store"
)

var errProviderDown = errors.New("provider down")

// fakeEmbedder returns vectors from a table, or a fixed vector for unknown
// text. failAfter > 0 makes every call after that many successes fail.
type fakeEmbedder struct {
	mu        sync.Mutex
	vectors   map[string][]float32
	fallback  []float32
	failAfter int
	calls     int
	tasks     []string
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text, taskType string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.tasks = append(f.tasks, taskType)
	if f.failAfter > 0 && f.calls > f.failAfter {
		return nil, errProviderDown
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.fallback, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeBatchEmbedder adds EmbedTexts. failBatch > 0 makes that batch call fail.
type fakeBatchEmbedder struct {
	fakeEmbedder
	batchSizes []int
	failBatch  int
}

func (f *fakeBatchEmbedder) EmbedTexts(_ context.Context, texts []string, taskType string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchSizes = append(f.batchSizes, len(texts))
	f.tasks = append(f.tasks, taskType)
	if f.failBatch > 0 && len(f.batchSizes) == f.failBatch {
		return nil, errProviderDown
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.fallback
	}
	return out, nil
}

type fakeGenerator struct {
	question string
	contexts []string
	answer   string
	err      error
}

func (g *fakeGenerator) GenerateAnswer(_ context.Context, question string, contexts []string) (string, error) {
	g.question = question
	g.contexts = contexts
	return g.answer, g.err
}

func newSeededStore(t *testing.T, owner, docID string, texts ...string) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore(0)
	addDocument(t, s, owner, docID, texts...)
	return s
}

func addDocument(t *testing.T, s *store.MemoryStore, owner, docID string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.SaveDocument(ctx, domain.Document{ID: docID, OwnerID: owner, Name: docID, CreatedAt: now, UpdatedAt: now}))
	chunks := make([]domain.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, domain.Chunk{
			ID:         docID + "-" + string(rune('a'+i)),
			DocumentID: docID,
			OwnerID:    owner,
			Text:       text,
			Position:   i,
			CreatedAt:  now,
		})
	}
	require.NoError(t, s.ReplaceChunks(ctx, docID, chunks))
}
