package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DocumentModel struct {
	ID            string    `gorm:"primaryKey"`
	OwnerID       string    `gorm:"not null;index"`
	Name          string    `gorm:"not null"`
	MediaType     string
	SizeBytes     int64 `gorm:"not null"`
	StorageKey    string
	ExtractedText *string   `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"not null;index"`
	UpdatedAt     time.Time `gorm:"not null"`
}

type ChunkModel struct {
	ID           string         `gorm:"primaryKey"`
	DocumentID   string         `gorm:"not null;index"`
	OwnerID      string         `gorm:"not null;index"`
	Text         string         `gorm:"type:text;not null"`
	Position     int            `gorm:"not null"`
	Embedding    datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	EmbeddingDim int            `gorm:"not null;default:0"`
	CreatedAt    time.Time      `gorm:"not null;index"`
}
