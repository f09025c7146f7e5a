// Package hash provides a deterministic, dependency-free embeddings provider
// based on signed feature hashing of word tokens.
//
// It needs no network and no model file, which makes it the default for
// development and tests. Similarity is lexical only: two texts score high
// when they share words. Trailing plural "s" is folded so "rocket" and
// "rockets" hash to the same feature.
package hash

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings"
)

// DefaultDimensions is the vector length used when none is configured.
const DefaultDimensions = 256

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider by hashing tokens into a fixed
// number of buckets. The zero value is not usable; call [New].
type Provider struct {
	dims int
}

// New returns a Provider producing vectors of length dims. dims <= 0 means
// [DefaultDimensions].
func New(dims int) *Provider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Provider{dims: dims}
}

// Embed implements embeddings.Provider. The result is L2-normalised and never
// the zero vector: text without tokens maps to a unit vector on bucket 0.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "feature-hash" }

func (p *Provider) vector(text string) []float32 {
	acc := make([]float64, p.dims)
	for _, tok := range Tokens(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		sign := 1.0
		if sum>>31 == 1 {
			sign = -1.0
		}
		acc[sum%uint32(p.dims)] += sign
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	out := make([]float32, p.dims)
	if norm == 0 {
		out[0] = 1
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

// Tokens lower-cases text, splits it on anything that is not a letter or a
// digit, and folds a trailing plural "s" on words longer than three runes.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, f := range fields {
		if len([]rune(f)) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			fields[i] = f[:len(f)-1]
		}
	}
	return fields
}
