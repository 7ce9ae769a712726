package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"askdocs/pkg/domain"
)

const migrateLockID int64 = 41824182

const chunkBatchSize = 200

// GormStoreOptions configures NewGormStore.
type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim rejects vectors whose length differs from dim.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return NewGormStoreFromDB(db, options...), nil
}

// NewGormStoreFromDB wraps an already opened and migrated database.
func NewGormStoreFromDB(db *gorm.DB, options ...GormStoreOption) *GormStore {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	return &GormStore{db: db, embeddingDim: opts.EmbeddingDim}
}

// Ping checks that the database is reachable.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&DocumentModel{}, &ChunkModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			DELETE FROM chunk_models c
			WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = c.document_id);
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'chunk_models'
				AND constraint_name = 'chunk_models_document_id_fkey'
			) THEN
				ALTER TABLE chunk_models
				ADD CONSTRAINT chunk_models_document_id_fkey
				FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure chunk foreign key: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveDocument stores or updates a document.
func (s *GormStore) SaveDocument(ctx context.Context, doc domain.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	model := documentToModel(doc)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "name", "media_type", "size_bytes", "storage_key", "extracted_text", "updated_at"}),
	}).Create(&model).Error
}

// GetDocument retrieves a document.
func (s *GormStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocumentsByOwner returns documents filtered by owner, oldest first.
func (s *GormStore) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// SetExtractedText records the document's extracted text.
func (s *GormStore) SetExtractedText(ctx context.Context, id, text string) error {
	res := s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"extracted_text": text,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteDocument removes the document and its chunks. The foreign key cascades
// as well; chunks are deleted explicitly so the order is the same on every backend.
func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "document_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&DocumentModel{}, "id = ?", id).Error
	})
}

// CreateChunks inserts chunks after checking their document and owner.
func (s *GormStore) CreateChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkChunks(tx, chunks); err != nil {
			return err
		}
		return insertChunks(tx, chunks)
	})
}

// ReplaceChunks replaces all chunks for a document in one transaction.
func (s *GormStore) ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to document %s, not %s", c.ID, c.DocumentID, documentID)
		}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&DocumentModel{}).Where("id = ?", documentID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
		}
		if err := s.checkChunks(tx, chunks); err != nil {
			return err
		}
		if err := tx.Delete(&ChunkModel{}, "document_id = ?", documentID).Error; err != nil {
			return err
		}
		return insertChunks(tx, chunks)
	})
}

// ListChunks returns matching chunks in creation order.
func (s *GormStore) ListChunks(ctx context.Context, filter ChunkFilter) ([]domain.Chunk, error) {
	if !filter.scoped() {
		return nil, ErrUnscopedFilter
	}
	tx := applyChunkFilter(s.db.WithContext(ctx), filter).Order("created_at ASC, position ASC")
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []ChunkModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunk, err := chunkFromModel(model)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// DeleteChunks removes matching chunks.
func (s *GormStore) DeleteChunks(ctx context.Context, filter ChunkFilter) (int64, error) {
	if !filter.scoped() {
		return 0, ErrUnscopedFilter
	}
	res := applyChunkFilter(s.db.WithContext(ctx), filter).Delete(&ChunkModel{})
	return res.RowsAffected, res.Error
}

// SetChunkEmbedding updates the embedding vector for a chunk.
func (s *GormStore) SetChunkEmbedding(ctx context.Context, id string, embedding []float32) error {
	if err := validateEmbeddingDim(embedding, s.embeddingDim); err != nil {
		return err
	}
	raw, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&ChunkModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"embedding":     datatypes.JSON(raw),
			"embedding_dim": len(embedding),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) checkChunks(tx *gorm.DB, chunks []domain.Chunk) error {
	docIDs := make([]string, 0, len(chunks))
	seen := make(map[string]bool)
	for _, c := range chunks {
		if err := validateChunk(c, s.embeddingDim); err != nil {
			return err
		}
		if !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			docIDs = append(docIDs, c.DocumentID)
		}
	}
	if len(docIDs) == 0 {
		return nil
	}
	var docs []DocumentModel
	if err := tx.Select("id", "owner_id").Where("id IN ?", docIDs).Find(&docs).Error; err != nil {
		return err
	}
	owners := make(map[string]string, len(docs))
	for _, d := range docs {
		owners[d.ID] = d.OwnerID
	}
	return checkChunkOwnership(chunks, owners)
}

func insertChunks(tx *gorm.DB, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	models := make([]ChunkModel, 0, len(chunks))
	for _, chunk := range chunks {
		model, err := chunkToModel(chunk)
		if err != nil {
			return err
		}
		models = append(models, model)
	}
	return tx.CreateInBatches(&models, chunkBatchSize).Error
}

func applyChunkFilter(tx *gorm.DB, filter ChunkFilter) *gorm.DB {
	if filter.DocumentID != "" {
		tx = tx.Where("document_id = ?", filter.DocumentID)
	}
	if filter.OwnerID != "" {
		tx = tx.Where("owner_id = ?", filter.OwnerID)
	}
	return tx
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:            d.ID,
		OwnerID:       d.OwnerID,
		Name:          d.Name,
		MediaType:     d.MediaType,
		SizeBytes:     d.SizeBytes,
		StorageKey:    d.StorageKey,
		ExtractedText: d.ExtractedText,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		Name:          m.Name,
		MediaType:     m.MediaType,
		SizeBytes:     m.SizeBytes,
		StorageKey:    m.StorageKey,
		ExtractedText: m.ExtractedText,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func chunkToModel(chunk domain.Chunk) (ChunkModel, error) {
	model := ChunkModel{
		ID:         chunk.ID,
		DocumentID: chunk.DocumentID,
		OwnerID:    chunk.OwnerID,
		Text:       chunk.Text,
		Position:   chunk.Position,
		Embedding:  datatypes.JSON("[]"),
		CreatedAt:  chunk.CreatedAt,
	}
	if len(chunk.Embedding) > 0 {
		raw, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return ChunkModel{}, fmt.Errorf("encode embedding for chunk %s: %w", chunk.ID, err)
		}
		model.Embedding = raw
		model.EmbeddingDim = len(chunk.Embedding)
	}
	return model, nil
}

func chunkFromModel(model ChunkModel) (domain.Chunk, error) {
	chunk := domain.Chunk{
		ID:         model.ID,
		DocumentID: model.DocumentID,
		OwnerID:    model.OwnerID,
		Text:       model.Text,
		Position:   model.Position,
		CreatedAt:  model.CreatedAt,
	}
	if model.EmbeddingDim > 0 && len(model.Embedding) > 0 {
		if err := json.Unmarshal(model.Embedding, &chunk.Embedding); err != nil {
			return domain.Chunk{}, fmt.Errorf("decode embedding for chunk %s: %w", model.ID, err)
		}
	}
	return chunk, nil
}
