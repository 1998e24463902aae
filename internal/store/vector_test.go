package store

import (
	"context"
	"testing"
)

func TestMemoryVectorIndexSearchRanksBySimilarity(t *testing.T) {
	idx := NewMemoryVectorIndex()
	ctx := context.Background()

	must(t, idx.Upsert(ctx, "a", []float32{1, 0, 0}, map[string]any{"label": "a"}))
	must(t, idx.Upsert(ctx, "b", []float32{0, 1, 0}, map[string]any{"label": "b"}))
	must(t, idx.Upsert(ctx, "c", []float32{0.9, 0.1, 0}, map[string]any{"label": "c"}))

	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Search() returned %d matches, want 2", len(matches))
	}
	if matches[0].ID != "a" {
		t.Errorf("top match = %q, want a", matches[0].ID)
	}
	if matches[1].ID != "c" {
		t.Errorf("second match = %q, want c", matches[1].ID)
	}
}

func TestCosineSimilarityOrthogonalIsZero(t *testing.T) {
	got := cosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if got != 0 {
		t.Errorf("cosineSimilarity(orthogonal) = %v, want 0", got)
	}
}

func TestCosineSimilarityMismatchedLengthIsZero(t *testing.T) {
	got := cosineSimilarity([]float32{1, 0}, []float32{1})
	if got != 0 {
		t.Errorf("cosineSimilarity(mismatched) = %v, want 0", got)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
