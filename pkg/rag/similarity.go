package rag

import (
	"log/slog"
	"math"
	"sort"

	"askdocs/pkg/domain"
)

// DefaultTopK is the number of ranked chunks returned when k is not positive.
const DefaultTopK = 5

// UnscoredSimilarity is returned for pairs that cannot be compared.
const UnscoredSimilarity = -1.0

const similarityEpsilon = 1e-12

// CosineSimilarity compares the first min(len(a), len(b)) components of a and b.
// Empty vectors and vectors carrying NaN or Inf score UnscoredSimilarity.
func CosineSimilarity(a, b []float32) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return UnscoredSimilarity
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	score := dot / (math.Sqrt(na)*math.Sqrt(nb) + similarityEpsilon)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return UnscoredSimilarity
	}
	return score
}

// Rank scores every chunk against query and returns the best k in descending
// order. Ties keep their input order. Chunks without an embedding score
// UnscoredSimilarity and sort after every embedded chunk.
func Rank(query []float32, chunks []domain.Chunk, k int) []domain.RankedChunk {
	if k <= 0 {
		k = DefaultTopK
	}
	type candidate struct {
		ranked   domain.RankedChunk
		embedded bool
	}
	items := make([]candidate, 0, len(chunks))
	mismatched := 0
	for _, c := range chunks {
		if len(c.Embedding) > 0 && len(query) > 0 && len(c.Embedding) != len(query) {
			mismatched++
		}
		items = append(items, candidate{
			ranked: domain.RankedChunk{
				ChunkID:    c.ID,
				DocumentID: c.DocumentID,
				Text:       c.Text,
				Score:      CosineSimilarity(query, c.Embedding),
			},
			embedded: c.Embedded(),
		})
	}
	if mismatched > 0 {
		slog.Warn("rank: embedding dimension mismatch", "query_dim", len(query), "mismatched", mismatched, "candidates", len(chunks))
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].embedded != items[j].embedded {
			return items[i].embedded
		}
		return items[i].ranked.Score > items[j].ranked.Score
	})
	if len(items) > k {
		items = items[:k]
	}
	ranked := make([]domain.RankedChunk, 0, len(items))
	for _, it := range items {
		ranked = append(ranked, it.ranked)
	}
	return ranked
}
