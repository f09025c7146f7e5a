// Package cached wraps an embeddings.Provider with an in-process ristretto
// cache keyed by the exact input text.
//
// Repeated questions and repeated phrases ("yeah", "okay", "thank you") are
// common in live transcripts; the cache keeps them off the network.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings"
)

// DefaultMaxEntries bounds the cache when no size is configured.
const DefaultMaxEntries = 10_000

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a caching decorator for an embeddings.Provider.
type Provider struct {
	inner embeddings.Provider
	cache *ristretto.Cache
}

// New wraps inner with a cache holding at most maxEntries vectors.
// maxEntries <= 0 means [DefaultMaxEntries].
func New(inner embeddings.Provider, maxEntries int) (*Provider, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached embeddings: inner provider must not be nil")
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("cached embeddings: new cache: %w", err)
	}
	return &Provider{inner: inner, cache: c}, nil
}

func (p *Provider) key(text string) string {
	return p.inner.ModelID() + "\x00" + text
}

func (p *Provider) get(text string) ([]float32, bool) {
	v, ok := p.cache.Get(p.key(text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := p.get(text); ok {
		return vec, nil
	}
	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(p.key(text), vec, 1)
	return vec, nil
}

// EmbedBatch implements embeddings.Provider. Only the misses are forwarded to
// the wrapped provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if vec, ok := p.get(t); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("cached embeddings: expected %d embeddings, got %d", len(missTexts), len(vecs))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		p.cache.Set(p.key(missTexts[j]), vecs[j], 1)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.inner.ModelID() }

// Wait blocks until pending cache writes are visible. Tests use it because
// ristretto applies Set asynchronously.
func (p *Provider) Wait() { p.cache.Wait() }

// HitRatio returns the fraction of lookups served from the cache.
func (p *Provider) HitRatio() float64 { return p.cache.Metrics.Ratio() }

// Close releases the cache's background goroutines.
func (p *Provider) Close() error {
	p.cache.Close()
	return nil
}
