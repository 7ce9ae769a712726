package ai

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedEmbedder throttles calls to an underlying Embedder.
type RateLimitedEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
}

// rateLimitedBatchEmbedder keeps BatchEmbedder visible through the limiter.
// One batch costs one token, the same as one provider request.
type rateLimitedBatchEmbedder struct {
	*RateLimitedEmbedder
	batch BatchEmbedder
}

// NewRateLimitedEmbedder allows rps calls per second with the given burst.
// A burst below 1 is raised to 1. When next implements BatchEmbedder so does
// the returned Embedder.
func NewRateLimitedEmbedder(next Embedder, rps float64, burst int) Embedder {
	if burst < 1 {
		burst = 1
	}
	e := &RateLimitedEmbedder{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
	if batch, ok := next.(BatchEmbedder); ok {
		return &rateLimitedBatchEmbedder{RateLimitedEmbedder: e, batch: batch}
	}
	return e
}

// EmbedText waits for a token, then delegates.
func (e *RateLimitedEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	return e.next.EmbedText(ctx, text, taskType)
}

func (e *rateLimitedBatchEmbedder) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	return e.batch.EmbedTexts(ctx, texts, taskType)
}

func (e *RateLimitedEmbedder) wait(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("embedding rate limit: %w", err)
	}
	return nil
}
