package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"askdocs/pkg/domain"
)

// MemoryStore keeps documents and chunks in-process. It backs local runs and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	docs         map[string]domain.Document
	docOrder     []string
	chunks       []domain.Chunk
	embeddingDim int
}

// NewMemoryStore initializes an empty store. embeddingDim <= 0 disables the
// dimension check.
func NewMemoryStore(embeddingDim int) *MemoryStore {
	return &MemoryStore{
		docs:         make(map[string]domain.Document),
		embeddingDim: embeddingDim,
	}
}

// SaveDocument stores or replaces a document.
func (m *MemoryStore) SaveDocument(_ context.Context, doc domain.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; !exists {
		m.docOrder = append(m.docOrder, doc.ID)
	}
	m.docs[doc.ID] = cloneDocument(doc)
	return nil
}

// GetDocument returns a document by ID.
func (m *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return domain.Document{}, false, nil
	}
	return cloneDocument(doc), true, nil
}

// ListDocumentsByOwner returns the owner's documents in upload order.
func (m *MemoryStore) ListDocumentsByOwner(_ context.Context, ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for _, id := range m.docOrder {
		if doc, ok := m.docs[id]; ok && doc.OwnerID == ownerID {
			res = append(res, cloneDocument(doc))
		}
	}
	return res, nil
}

// SetExtractedText records the document's extracted text.
func (m *MemoryStore) SetExtractedText(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	doc.ExtractedText = &text
	doc.UpdatedAt = time.Now().UTC()
	m.docs[id] = doc
	return nil
}

// DeleteDocument removes the document and its chunks.
func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	m.docOrder = slices.DeleteFunc(m.docOrder, func(v string) bool { return v == id })
	m.chunks = slices.DeleteFunc(m.chunks, func(c domain.Chunk) bool { return c.DocumentID == id })
	return nil
}

// CreateChunks appends chunks after checking their document and owner.
func (m *MemoryStore) CreateChunks(_ context.Context, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkChunksLocked(chunks); err != nil {
		return err
	}
	for _, c := range chunks {
		m.chunks = append(m.chunks, cloneChunk(c))
	}
	return nil
}

// ReplaceChunks swaps the document's chunk set in one step.
func (m *MemoryStore) ReplaceChunks(_ context.Context, documentID string, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to document %s, not %s", c.ID, c.DocumentID, documentID)
		}
	}
	if err := m.checkChunksLocked(chunks); err != nil {
		return err
	}
	m.chunks = slices.DeleteFunc(m.chunks, func(c domain.Chunk) bool { return c.DocumentID == documentID })
	for _, c := range chunks {
		m.chunks = append(m.chunks, cloneChunk(c))
	}
	return nil
}

// ListChunks returns matching chunks in creation order.
func (m *MemoryStore) ListChunks(_ context.Context, filter ChunkFilter) ([]domain.Chunk, error) {
	if !filter.scoped() {
		return nil, ErrUnscopedFilter
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Chunk, 0)
	for _, c := range m.chunks {
		if !matches(filter, c) {
			continue
		}
		res = append(res, cloneChunk(c))
		if filter.Limit > 0 && len(res) == filter.Limit {
			break
		}
	}
	return res, nil
}

// DeleteChunks removes matching chunks and reports how many were removed.
func (m *MemoryStore) DeleteChunks(_ context.Context, filter ChunkFilter) (int64, error) {
	if !filter.scoped() {
		return 0, ErrUnscopedFilter
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.chunks)
	m.chunks = slices.DeleteFunc(m.chunks, func(c domain.Chunk) bool { return matches(filter, c) })
	return int64(before - len(m.chunks)), nil
}

// SetChunkEmbedding stores the vector for one chunk.
func (m *MemoryStore) SetChunkEmbedding(_ context.Context, id string, embedding []float32) error {
	if err := validateEmbeddingDim(embedding, m.embeddingDim); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.chunks {
		if m.chunks[i].ID == id {
			m.chunks[i].Embedding = slices.Clone(embedding)
			return nil
		}
	}
	return fmt.Errorf("chunk %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) checkChunksLocked(chunks []domain.Chunk) error {
	owners := make(map[string]string)
	for _, c := range chunks {
		if err := validateChunk(c, m.embeddingDim); err != nil {
			return err
		}
		if doc, ok := m.docs[c.DocumentID]; ok {
			owners[doc.ID] = doc.OwnerID
		}
	}
	return checkChunkOwnership(chunks, owners)
}

func matches(filter ChunkFilter, c domain.Chunk) bool {
	if filter.DocumentID != "" && c.DocumentID != filter.DocumentID {
		return false
	}
	if filter.OwnerID != "" && c.OwnerID != filter.OwnerID {
		return false
	}
	return true
}

func cloneDocument(doc domain.Document) domain.Document {
	if doc.ExtractedText != nil {
		text := *doc.ExtractedText
		doc.ExtractedText = &text
	}
	return doc
}

func cloneChunk(c domain.Chunk) domain.Chunk {
	c.Embedding = slices.Clone(c.Embedding)
	return c
}
