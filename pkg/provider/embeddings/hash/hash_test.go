package hash_test

import (
	"context"
	"math"
	"slices"
	"testing"

	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings/hash"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestTokens(t *testing.T) {
	t.Parallel()

	got := hash.Tokens("More about ROCKETS, glass & SpaceX!")
	want := []string{"more", "about", "rocket", "glass", "spacex"}
	if !slices.Equal(got, want) {
		t.Errorf("Tokens = %v, want %v", got, want)
	}
}

func TestEmbed_NormalisedAndDeterministic(t *testing.T) {
	t.Parallel()

	p := hash.New(64)
	a, _ := p.Embed(context.Background(), "talking about SpaceX")
	b, _ := p.Embed(context.Background(), "talking about SpaceX")

	if len(a) != 64 || p.Dimensions() != 64 {
		t.Fatalf("len = %d, Dimensions = %d", len(a), p.Dimensions())
	}
	if !slices.Equal(a, b) {
		t.Error("Embed is not deterministic")
	}
	if n := cosine(a, a); math.Abs(n-1) > 1e-6 {
		t.Errorf("norm^2 = %v, want 1", n)
	}
}

func TestEmbed_EmptyTextIsNotZero(t *testing.T) {
	t.Parallel()

	v, _ := hash.New(0).Embed(context.Background(), "  ...  ")
	if len(v) != hash.DefaultDimensions || v[0] != 1 {
		t.Errorf("empty text vector should be unit bucket 0, got len=%d v[0]=%v", len(v), v[0])
	}
}

func TestEmbed_LexicalRanking(t *testing.T) {
	t.Parallel()

	p := hash.New(hash.DefaultDimensions)
	ctx := context.Background()
	q, _ := p.Embed(ctx, "what did they say about rockets")
	c1, _ := p.Embed(ctx, "hello world")
	c2, _ := p.Embed(ctx, "talking about SpaceX")
	c3, _ := p.Embed(ctx, "more about rockets")

	s1, s2, s3 := cosine(q, c1), cosine(q, c2), cosine(q, c3)
	if s3 <= s2 || s2 <= s1 {
		t.Errorf("similarities = %.3f, %.3f, %.3f; want s3 > s2 > s1", s1, s2, s3)
	}
}

func TestEmbedBatch(t *testing.T) {
	t.Parallel()

	p := hash.New(32)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	single, _ := p.Embed(context.Background(), "c")
	if len(vecs) != 2 || !slices.Equal(vecs[1], single) {
		t.Error("EmbedBatch disagrees with Embed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.EmbedBatch(ctx, []string{"x"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
