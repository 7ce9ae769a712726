package rag

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"askdocs/pkg/domain"
)

func TestCosineSimilarityBasics(t *testing.T) {
	v := []float32{0.3, -1.2, 4}
	require.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-6)
	require.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	require.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	require.InDelta(t, CosineSimilarity([]float32{1, 2}, []float32{3, 4}), CosineSimilarity([]float32{3, 4}, []float32{1, 2}), 1e-12)
}

func TestCosineSimilarityZeroVectorIsFinite(t *testing.T) {
	score := CosineSimilarity([]float32{0, 0, 0}, []float32{1, 2, 3})
	require.False(t, math.IsNaN(score))
	require.InDelta(t, 0.0, score, 1e-9)
}

func TestCosineSimilaritySentinels(t *testing.T) {
	require.Equal(t, UnscoredSimilarity, CosineSimilarity(nil, []float32{1}))
	require.Equal(t, UnscoredSimilarity, CosineSimilarity([]float32{1}, []float32{}))
	require.Equal(t, UnscoredSimilarity, CosineSimilarity([]float32{float32(math.NaN())}, []float32{1}))
	require.Equal(t, UnscoredSimilarity, CosineSimilarity([]float32{float32(math.Inf(1))}, []float32{1}))
}

func TestCosineSimilarityUsesShorterLength(t *testing.T) {
	require.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0, 5}), 1e-9)
}

func TestRankOrdersDescendingAndTruncates(t *testing.T) {
	query := []float32{1, 0}
	chunks := []domain.Chunk{
		{ID: "far", Text: "far", Embedding: []float32{0, 1}},
		{ID: "near", Text: "near", Embedding: []float32{1, 0.1}},
		{ID: "none", Text: "none"},
		{ID: "mid", Text: "mid", Embedding: []float32{1, 1}},
	}
	ranked := Rank(query, chunks, 3)
	require.Len(t, ranked, 3)
	require.Equal(t, "near", ranked[0].ChunkID)
	require.Equal(t, "mid", ranked[1].ChunkID)
	require.Equal(t, "far", ranked[2].ChunkID)
	for i := 1; i < len(ranked); i++ {
		require.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
	}
}

func TestRankKeepsInputOrderOnTies(t *testing.T) {
	query := []float32{1, 0}
	chunks := []domain.Chunk{
		{ID: "a", Embedding: []float32{2, 0}},
		{ID: "b", Embedding: []float32{1, 0}},
		{ID: "c", Embedding: []float32{3, 0}},
	}
	ranked := Rank(query, chunks, 0)
	require.Equal(t, []string{"a", "b", "c"}, []string{ranked[0].ChunkID, ranked[1].ChunkID, ranked[2].ChunkID})
}

func TestRankDefaultsKAndHandlesEmpty(t *testing.T) {
	require.Empty(t, Rank([]float32{1}, nil, 5))
	chunks := make([]domain.Chunk, 8)
	for i := range chunks {
		chunks[i] = domain.Chunk{ID: string(rune('a' + i)), Embedding: []float32{1}}
	}
	require.Len(t, Rank([]float32{1}, chunks, 0), DefaultTopK)
}

func TestRankUnembeddedNeverDisplacesScored(t *testing.T) {
	query := []float32{1, 0}
	chunks := []domain.Chunk{
		{ID: "u1"},
		{ID: "opposite", Embedding: []float32{-1, 0.0001}},
		{ID: "u2"},
	}
	ranked := Rank(query, chunks, 3)
	require.Equal(t, "opposite", ranked[0].ChunkID)
	require.Equal(t, UnscoredSimilarity, ranked[1].Score)
	require.Equal(t, "u1", ranked[1].ChunkID)
}

func TestRankAntiparallelStaysAheadOfUnembedded(t *testing.T) {
	query := []float32{1000}
	chunks := []domain.Chunk{
		{ID: "pending"},
		{ID: "opposite", Embedding: []float32{-1000}},
	}
	ranked := Rank(query, chunks, 1)
	require.Len(t, ranked, 1)
	require.Equal(t, "opposite", ranked[0].ChunkID)
	require.Equal(t, -1.0, ranked[0].Score)
}
