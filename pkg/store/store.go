package store

import (
	"context"
	"errors"

	"askdocs/pkg/domain"
)

var (
	// ErrNotFound is returned when a referenced document or chunk does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnscopedFilter guards against listing or deleting every chunk at once.
	ErrUnscopedFilter = errors.New("chunk filter requires a document or owner scope")
	// ErrOwnerMismatch is returned when a chunk's owner differs from its document's owner.
	ErrOwnerMismatch = errors.New("chunk owner does not match document owner")
)

// ChunkFilter scopes chunk queries. At least one of DocumentID or OwnerID is
// required. Limit <= 0 means no limit.
type ChunkFilter struct {
	DocumentID string
	OwnerID    string
	Limit      int
}

func (f ChunkFilter) scoped() bool {
	return f.DocumentID != "" || f.OwnerID != ""
}

// DocumentStore persists document records.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc domain.Document) error
	GetDocument(ctx context.Context, id string) (domain.Document, bool, error)
	ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error)
	SetExtractedText(ctx context.Context, id, text string) error
	// DeleteDocument removes the document and every chunk that references it.
	DeleteDocument(ctx context.Context, id string) error
}

// ChunkStore persists chunk records. ListChunks returns chunks in creation order.
type ChunkStore interface {
	CreateChunks(ctx context.Context, chunks []domain.Chunk) error
	ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error
	ListChunks(ctx context.Context, filter ChunkFilter) ([]domain.Chunk, error)
	DeleteChunks(ctx context.Context, filter ChunkFilter) (int64, error)
	SetChunkEmbedding(ctx context.Context, id string, embedding []float32) error
}

// Store combines document and chunk persistence.
type Store interface {
	DocumentStore
	ChunkStore
}
