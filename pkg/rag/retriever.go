package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"askdocs/pkg/domain"
	"askdocs/pkg/store"
)

// DefaultCandidateCap bounds how many chunks are scored per question.
const DefaultCandidateCap = 300

const opAnswer = "answer question"

// AnswerGenerator writes an answer to question grounded in the given excerpts.
// The excerpts arrive in ranked order.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, contexts []string) (string, error)
}

// CandidateStore loads chunks that may answer a question.
type CandidateStore interface {
	ListChunks(ctx context.Context, filter store.ChunkFilter) ([]domain.Chunk, error)
}

// RetrieverConfig wires a Retriever.
type RetrieverConfig struct {
	Embedder     Embedder
	Chunks       CandidateStore
	Generator    AnswerGenerator
	TopK         int
	CandidateCap int
	Timeout      time.Duration
}

// Retriever answers questions over a user's chunks.
type Retriever struct {
	embedder  Embedder
	chunks    CandidateStore
	generator AnswerGenerator
	topK      int
	cap       int
	timeout   time.Duration
	now       func() time.Time
}

// AskRequest scopes a question to an owner and optionally to one document.
type AskRequest struct {
	OwnerID    string
	DocumentID string
	Question   string
}

// NewRetriever validates cfg and applies defaults.
func NewRetriever(cfg RetrieverConfig) (*Retriever, error) {
	switch {
	case cfg.Embedder == nil:
		return nil, NewError(ErrConfiguration, "new retriever", "embedder is required", nil)
	case cfg.Chunks == nil:
		return nil, NewError(ErrConfiguration, "new retriever", "chunk store is required", nil)
	case cfg.Generator == nil:
		return nil, NewError(ErrConfiguration, "new retriever", "answer generator is required", nil)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.CandidateCap <= 0 {
		cfg.CandidateCap = DefaultCandidateCap
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProviderTimeout
	}
	return &Retriever{
		embedder:  cfg.Embedder,
		chunks:    cfg.Chunks,
		generator: cfg.Generator,
		topK:      cfg.TopK,
		cap:       cfg.CandidateCap,
		timeout:   cfg.Timeout,
		now:       time.Now,
	}, nil
}

// askState is threaded through the answer pipeline.
type askState struct {
	req        AskRequest
	query      []float32
	candidates []domain.Chunk
	unembedded int
	pending    map[string]bool
	ranked     []domain.RankedChunk
	contexts   []string
	answer     string
}

type askStep func(ctx context.Context, st *askState) error

// Answer runs validate, embed, load, rank, assemble and generate in order and
// stops at the first failing step.
func (r *Retriever) Answer(ctx context.Context, req AskRequest) (domain.Answer, error) {
	st := &askState{req: AskRequest{
		OwnerID:    strings.TrimSpace(req.OwnerID),
		DocumentID: strings.TrimSpace(req.DocumentID),
		Question:   strings.TrimSpace(req.Question),
	}}
	steps := []askStep{
		r.validate,
		r.embedQuery,
		r.loadCandidates,
		r.rank,
		r.assemble,
		r.generate,
	}
	for _, step := range steps {
		if err := step(ctx, st); err != nil {
			return domain.Answer{}, err
		}
	}
	return domain.Answer{
		Question:        st.req.Question,
		Answer:          st.answer,
		Chunks:          st.ranked,
		CandidateCount:  len(st.candidates),
		UnembeddedCount: st.unembedded,
		CreatedAt:       r.now().UTC(),
	}, nil
}

func (r *Retriever) validate(_ context.Context, st *askState) error {
	if st.req.Question == "" {
		return validationError(opAnswer, "question is required")
	}
	if st.req.OwnerID == "" {
		return validationError(opAnswer, "owner id is required")
	}
	return nil
}

func (r *Retriever) embedQuery(ctx context.Context, st *askState) error {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	vec, err := r.embedder.EmbedText(callCtx, st.req.Question, TaskRetrievalQuery)
	if err != nil {
		return providerError(opAnswer, "embed question", err)
	}
	if len(vec) == 0 {
		return providerError(opAnswer, "empty question embedding", nil)
	}
	st.query = vec
	return nil
}

func (r *Retriever) loadCandidates(ctx context.Context, st *askState) error {
	chunks, err := r.chunks.ListChunks(ctx, store.ChunkFilter{
		OwnerID:    st.req.OwnerID,
		DocumentID: st.req.DocumentID,
		Limit:      r.cap,
	})
	if err != nil {
		return fmt.Errorf("%s: load candidates: %w", opAnswer, err)
	}
	if len(chunks) == 0 {
		return NewError(ErrNotFound, opAnswer, "no relevant context found", nil)
	}
	st.pending = make(map[string]bool)
	for _, c := range chunks {
		if !c.Embedded() {
			st.pending[c.ID] = true
		}
	}
	st.unembedded = len(st.pending)
	if st.unembedded == len(chunks) {
		return NewError(ErrPrecondition, opAnswer, "chunks exist but none are embedded yet", nil)
	}
	st.candidates = chunks
	return nil
}

func (r *Retriever) rank(_ context.Context, st *askState) error {
	st.ranked = Rank(st.query, st.candidates, r.topK)
	return nil
}

// assemble drops chunks that have no embedding yet and labels the rest by
// rank position. An embedded chunk pointing away from the query still counts.
func (r *Retriever) assemble(_ context.Context, st *askState) error {
	kept := st.ranked[:0]
	for _, rc := range st.ranked {
		if st.pending[rc.ChunkID] {
			continue
		}
		kept = append(kept, rc)
	}
	if len(kept) == 0 {
		return NewError(ErrNotFound, opAnswer, "no relevant context found", nil)
	}
	st.ranked = kept
	st.contexts = make([]string, 0, len(kept))
	for i := range st.ranked {
		st.ranked[i].Label = fmt.Sprintf("Chunk %d", i+1)
		st.contexts = append(st.contexts, st.ranked[i].Text)
	}
	return nil
}

func (r *Retriever) generate(ctx context.Context, st *askState) error {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	answer, err := r.generator.GenerateAnswer(callCtx, st.req.Question, st.contexts)
	if err != nil {
		return providerError(opAnswer, "generate answer", err)
	}
	st.answer = answer
	return nil
}
