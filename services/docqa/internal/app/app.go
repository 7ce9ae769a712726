package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"askdocs/internal/metrics"
	"askdocs/internal/util"
	"askdocs/pkg/domain"
	"askdocs/pkg/lock"
	"askdocs/pkg/queue"
	"askdocs/pkg/rag"
	"askdocs/pkg/storage"
	"askdocs/pkg/store"
)

const previewRunes = 300

// TextExtractor turns an uploaded file into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, mediaType, filename string) (string, error)
}

// JobQueue runs index jobs in the background.
type JobQueue interface {
	Enqueue(ctx context.Context, documentID, ownerID string) (queue.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
	SetStage(ctx context.Context, jobID, stage string) error
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Extractor TextExtractor
	Embedder  rag.Embedder
	Generator rag.AnswerGenerator
	Locker    lock.Locker
	Queue     JobQueue
	Metrics   *metrics.Metrics

	ChunkSize            int
	ChunkOverlap         int
	TopK                 int
	CandidateCap         int
	EmbeddingDim         int
	EmbeddingConcurrency int
	EmbeddingBatchSize   int
	ProviderTimeout      time.Duration
	PresignExpiry        time.Duration
}

// App wires document storage, extraction and the retrieval pipeline.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	extractor     TextExtractor
	locker        lock.Locker
	queue         JobQueue
	metrics       *metrics.Metrics
	populator     *rag.Populator
	retriever     *rag.Retriever
	chunkSize     int
	chunkOverlap  int
	presignExpiry time.Duration
	now           func() time.Time
}

// ExtractResult summarizes a text extraction run.
type ExtractResult struct {
	DocumentID string `json:"documentId"`
	Characters int    `json:"characters"`
	Preview    string `json:"preview"`
}

// New validates cfg and builds the pipeline components.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("text extractor required")
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewMemoryLocker()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = rag.DefaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = rag.DefaultChunkOverlap
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, rag.NewError(rag.ErrConfiguration, "new app", "chunk overlap must be smaller than chunk size", nil)
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = time.Hour
	}
	populator, err := rag.NewPopulator(rag.PopulatorConfig{
		Chunks:      cfg.Store,
		Embedder:    cfg.Embedder,
		Locker:      cfg.Locker,
		Concurrency: cfg.EmbeddingConcurrency,
		BatchSize:   cfg.EmbeddingBatchSize,
		Dimension:   cfg.EmbeddingDim,
		Timeout:     cfg.ProviderTimeout,
	})
	if err != nil {
		return nil, err
	}
	retriever, err := rag.NewRetriever(rag.RetrieverConfig{
		Embedder:     cfg.Embedder,
		Chunks:       cfg.Store,
		Generator:    cfg.Generator,
		TopK:         cfg.TopK,
		CandidateCap: cfg.CandidateCap,
		Timeout:      cfg.ProviderTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &App{
		store:         cfg.Store,
		objects:       cfg.Objects,
		extractor:     cfg.Extractor,
		locker:        cfg.Locker,
		queue:         cfg.Queue,
		metrics:       cfg.Metrics,
		populator:     populator,
		retriever:     retriever,
		chunkSize:     cfg.ChunkSize,
		chunkOverlap:  cfg.ChunkOverlap,
		presignExpiry: cfg.PresignExpiry,
		now:           time.Now,
	}, nil
}

// UploadDocument stores the file and records an unextracted document.
func (a *App) UploadDocument(ctx context.Context, ownerID, filename string, r io.Reader, size int64, mediaType string) (domain.Document, error) {
	const op = "upload document"
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" {
		return domain.Document{}, rag.NewError(rag.ErrValidation, op, "filename required", nil)
	}
	if strings.TrimSpace(ownerID) == "" {
		return domain.Document{}, rag.NewError(rag.ErrValidation, op, "owner id is required", nil)
	}
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" || mediaType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
			mediaType = byExt
		} else if mediaType == "" {
			mediaType = "application/octet-stream"
		}
	}
	id := util.NewID()
	now := a.now().UTC()
	doc := domain.Document{
		ID:         id,
		OwnerID:    ownerID,
		Name:       name,
		MediaType:  mediaType,
		SizeBytes:  size,
		StorageKey: buildStorageKey(ownerID, id, name),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.objects.Put(ctx, doc.StorageKey, r, size, mediaType); err != nil {
		return domain.Document{}, fmt.Errorf("save file: %w", err)
	}
	if err := a.store.SaveDocument(ctx, doc); err != nil {
		_ = a.objects.Delete(ctx, doc.StorageKey)
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	util.LoggerFromContext(ctx).Info("document uploaded", "document_id", id, "owner_id", ownerID, "media_type", mediaType, "size", size)
	return doc, nil
}

// ListDocuments returns the owner's documents.
func (a *App) ListDocuments(ctx context.Context, ownerID string) ([]domain.Document, error) {
	return a.store.ListDocumentsByOwner(ctx, ownerID)
}

// GetDocument returns the document if ownerID owns it.
func (a *App) GetDocument(ctx context.Context, ownerID, id string) (domain.Document, error) {
	return a.ownedDocument(ctx, "get document", ownerID, id)
}

// DownloadURL returns a pre-signed URL and the original filename.
func (a *App) DownloadURL(ctx context.Context, ownerID, id string) (string, string, error) {
	doc, err := a.ownedDocument(ctx, "download document", ownerID, id)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(doc.StorageKey) == "" {
		return "", "", fmt.Errorf("storage key missing for document %s", id)
	}
	url, err := a.objects.PresignGet(ctx, doc.StorageKey, a.presignExpiry)
	if err != nil {
		return "", "", err
	}
	return url, doc.Name, nil
}

// DeleteDocument removes the record, its chunks and the stored file.
func (a *App) DeleteDocument(ctx context.Context, ownerID, id string) error {
	doc, err := a.ownedDocument(ctx, "delete document", ownerID, id)
	if err != nil {
		return err
	}
	unlock, err := a.locker.Lock(ctx, lock.DocumentKey(id))
	if err != nil {
		return fmt.Errorf("lock document %s: %w", id, err)
	}
	defer unlock()
	if err := a.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if doc.StorageKey != "" {
		if err := a.objects.Delete(ctx, doc.StorageKey); err != nil {
			util.LoggerFromContext(ctx).Warn("delete object failed", "document_id", id, "key", doc.StorageKey, "err", err)
		}
	}
	return nil
}

// ExtractText reads the stored file, extracts its text and saves it on the
// document. Re-running replaces the previous text.
func (a *App) ExtractText(ctx context.Context, ownerID, id string) (ExtractResult, error) {
	doc, err := a.ownedDocument(ctx, "extract text", ownerID, id)
	if err != nil {
		return ExtractResult{}, err
	}
	data, err := a.objects.Get(ctx, doc.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return ExtractResult{}, rag.NewError(rag.ErrNotFound, "extract text", "stored file is missing", err)
		}
		return ExtractResult{}, fmt.Errorf("read file: %w", err)
	}
	text, err := a.extractor.Extract(ctx, data, doc.MediaType, doc.Name)
	if err != nil {
		return ExtractResult{}, rag.NewError(rag.ErrValidation, "extract text", "could not extract text from file", err)
	}
	if err := a.store.SetExtractedText(ctx, id, text); err != nil {
		return ExtractResult{}, err
	}
	runes := []rune(text)
	preview := text
	if len(runes) > previewRunes {
		preview = string(runes[:previewRunes])
	}
	return ExtractResult{DocumentID: id, Characters: len(runes), Preview: preview}, nil
}

// ChunkDocument splits the extracted text and replaces the document's chunk
// set. When the text yields no chunks the existing set is left untouched and
// zero is returned.
func (a *App) ChunkDocument(ctx context.Context, ownerID, id string) (int, error) {
	return a.chunkDocument(ctx, ownerID, id, false)
}

// chunkDocument implements ChunkDocument. With keepCurrent set, a stored chunk
// set whose texts already match the new windows is kept together with its
// embeddings.
func (a *App) chunkDocument(ctx context.Context, ownerID, id string, keepCurrent bool) (int, error) {
	const op = "chunk document"
	doc, err := a.ownedDocument(ctx, op, ownerID, id)
	if err != nil {
		return 0, err
	}
	if !doc.HasText() {
		return 0, rag.NewError(rag.ErrPrecondition, op, "document has no extracted text, run extraction first", nil)
	}
	texts, err := rag.Chunk(*doc.ExtractedText, a.chunkSize, a.chunkOverlap)
	if err != nil {
		return 0, err
	}
	if len(texts) == 0 {
		util.LoggerFromContext(ctx).Info("chunking produced no chunks", "document_id", id)
		return 0, nil
	}
	now := a.now().UTC()
	chunks := make([]domain.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, domain.Chunk{
			ID:         util.NewID(),
			DocumentID: id,
			OwnerID:    doc.OwnerID,
			Text:       text,
			Position:   i,
			CreatedAt:  now,
		})
	}

	unlock, err := a.locker.Lock(ctx, lock.DocumentKey(id))
	if err != nil {
		return 0, fmt.Errorf("%s: lock document %s: %w", op, id, err)
	}
	defer unlock()
	if keepCurrent {
		current, err := a.store.ListChunks(ctx, store.ChunkFilter{DocumentID: id})
		if err != nil {
			return 0, fmt.Errorf("%s: list chunks: %w", op, err)
		}
		if sameChunkTexts(current, texts) {
			util.LoggerFromContext(ctx).Info("chunks already current", "document_id", id, "chunks", len(current))
			return len(current), nil
		}
	}
	if err := a.store.ReplaceChunks(ctx, id, chunks); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	a.metrics.AddChunks(len(chunks))
	util.LoggerFromContext(ctx).Info("document chunked", "document_id", id, "chunks", len(chunks))
	return len(chunks), nil
}

// EmbedDocument fills in missing chunk embeddings and returns how many were added.
func (a *App) EmbedDocument(ctx context.Context, ownerID, id string) (int, error) {
	if _, err := a.ownedDocument(ctx, "embed document", ownerID, id); err != nil {
		return 0, err
	}
	n, err := a.populator.Populate(ctx, id)
	a.metrics.AddEmbeddings(n)
	if errors.Is(err, rag.ErrProvider) {
		a.metrics.ProviderError("embed")
	}
	return n, err
}

// Ask answers question from the owner's chunks, optionally limited to one document.
func (a *App) Ask(ctx context.Context, ownerID, question, documentID string) (domain.Answer, error) {
	start := a.now()
	answer, err := a.ask(ctx, ownerID, question, documentID)
	a.metrics.ObserveAsk(askOutcome(err), a.now().Sub(start))
	if errors.Is(err, rag.ErrProvider) {
		a.metrics.ProviderError("ask")
	}
	return answer, err
}

func (a *App) ask(ctx context.Context, ownerID, question, documentID string) (domain.Answer, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID != "" {
		if _, err := a.ownedDocument(ctx, "answer question", ownerID, documentID); err != nil {
			return domain.Answer{}, err
		}
	}
	return a.retriever.Answer(ctx, rag.AskRequest{
		OwnerID:    ownerID,
		DocumentID: documentID,
		Question:   question,
	})
}

func askOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rag.ErrValidation):
		return "validation"
	case errors.Is(err, rag.ErrNotFound):
		return "not_found"
	case errors.Is(err, rag.ErrPrecondition):
		return "precondition"
	case errors.Is(err, rag.ErrProvider):
		return "provider"
	default:
		return "error"
	}
}

func (a *App) ownedDocument(ctx context.Context, op, ownerID, id string) (domain.Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Document{}, rag.NewError(rag.ErrValidation, op, "document id is required", nil)
	}
	doc, ok, err := a.store.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	if !ok {
		return domain.Document{}, rag.NewError(rag.ErrNotFound, op, "document not found", nil)
	}
	if doc.OwnerID != ownerID {
		return domain.Document{}, rag.NewError(ErrForbidden, op, "document belongs to another user", nil)
	}
	return doc, nil
}

func sameChunkTexts(chunks []domain.Chunk, texts []string) bool {
	if len(chunks) != len(texts) {
		return false
	}
	for i, c := range chunks {
		if c.Position != i || c.Text != texts[i] {
			return false
		}
	}
	return true
}

func buildStorageKey(ownerID, id, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return path.Join("documents", ownerID, id+ext)
}
