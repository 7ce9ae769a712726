package store

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"askdocs/pkg/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateDocument(doc domain.Document) error {
	if err := validate.Struct(doc); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	return nil
}

func validateChunk(c domain.Chunk, dim int) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid chunk: %w", err)
	}
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("invalid chunk %s: text is blank", c.ID)
	}
	if len(c.Embedding) > 0 {
		if err := validateEmbeddingDim(c.Embedding, dim); err != nil {
			return fmt.Errorf("invalid chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func validateEmbeddingDim(embedding []float32, dim int) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if dim > 0 && len(embedding) != dim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), dim)
	}
	return nil
}

// checkChunkOwnership verifies every chunk belongs to a known document with the same owner.
func checkChunkOwnership(chunks []domain.Chunk, owners map[string]string) error {
	for _, c := range chunks {
		owner, ok := owners[c.DocumentID]
		if !ok {
			return fmt.Errorf("chunk %s: document %s: %w", c.ID, c.DocumentID, ErrNotFound)
		}
		if owner != c.OwnerID {
			return fmt.Errorf("chunk %s: %w", c.ID, ErrOwnerMismatch)
		}
	}
	return nil
}
