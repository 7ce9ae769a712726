package domain

import "time"

// Document is an uploaded file owned by a single user. ExtractedText stays nil
// until text extraction has run.
type Document struct {
	ID            string    `json:"id" validate:"required"`
	OwnerID       string    `json:"ownerId" validate:"required"`
	Name          string    `json:"name" validate:"required"`
	MediaType     string    `json:"mediaType"`
	SizeBytes     int64     `json:"sizeBytes" validate:"gte=0"`
	StorageKey    string    `json:"-"`
	ExtractedText *string   `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasText reports whether extraction has produced text for the document.
func (d Document) HasText() bool {
	return d.ExtractedText != nil
}

// Chunk is one overlapping window of a document's extracted text.
// Embedding is either empty or exactly the configured dimension.
type Chunk struct {
	ID         string    `json:"id" validate:"required"`
	DocumentID string    `json:"documentId" validate:"required"`
	OwnerID    string    `json:"ownerId" validate:"required"`
	Text       string    `json:"text" validate:"required"`
	Position   int       `json:"position" validate:"gte=0"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Embedded reports whether the chunk carries a vector.
func (c Chunk) Embedded() bool {
	return len(c.Embedding) > 0
}

// RankedChunk is a chunk scored against a query vector.
type RankedChunk struct {
	ChunkID    string  `json:"id"`
	DocumentID string  `json:"documentId"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Label      string  `json:"label,omitempty"`
}

// Answer is the result of a retrieval-augmented question.
type Answer struct {
	Question        string        `json:"question"`
	Answer          string        `json:"answer"`
	Chunks          []RankedChunk `json:"usedChunks"`
	CandidateCount  int           `json:"candidateCount"`
	UnembeddedCount int           `json:"unembeddedCount"`
	CreatedAt       time.Time     `json:"createdAt"`
}
