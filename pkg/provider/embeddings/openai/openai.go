// Package openai embeds transcript chunks and queries with the OpenAI
// embeddings endpoint or any server that speaks it.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings"
)

// DefaultModel is used when New gets no model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// maxBatch is the most inputs the endpoint accepts per request.
const maxBatch = 2048

var _ embeddings.Provider = (*Provider)(nil)

// Provider is an OpenAI embeddings client.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int // requested vector size, 0 for the model default

	reqOpts   []option.RequestOption
	batchSize int
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL points the client at another OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.reqOpts = append(p.reqOpts, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(p *Provider) { p.reqOpts = append(p.reqOpts, option.WithOrganization(org)) }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.reqOpts = append(p.reqOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithDimensions asks the text-embedding-3 family to shorten its vectors.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dimensions = n }
}

// New returns a Provider for model, or [DefaultModel] if model is empty.
// Retries are left to the caller.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	p := &Provider{model: model, batchSize: maxBatch}
	for _, o := range opts {
		o(p)
	}
	if p.dimensions < 0 {
		return nil, fmt.Errorf("openai embeddings: negative dimensions %d", p.dimensions)
	}
	p.client = oai.NewClient(append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, p.reqOpts...)...)
	return p, nil
}

// Embed returns the vector for text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order. Large inputs are
// split across several requests.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "openai embeddings: embed"
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fault.PermanentInput(op, fmt.Errorf("input %d is empty", i))
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		batch := texts[start:min(start+p.batchSize, len(texts))]
		vecs, err := p.request(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w (inputs %d-%d)", err, start, start+len(batch)-1)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *Provider) request(ctx context.Context, batch []string) ([][]float32, error) {
	const op = "openai embeddings: embed"
	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch},
	}
	if p.dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, fault.FromStatus(op, apiErr.StatusCode, apiErr.Message)
		}
		return nil, fault.Classify(op, err)
	}
	if len(resp.Data) != len(batch) {
		return nil, fault.Transient(op, fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(batch)))
	}

	vecs := make([][]float32, len(batch))
	want := p.Dimensions()
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= len(batch) || vecs[i] != nil {
			return nil, fault.Transient(op, fmt.Errorf("bad or repeated index %d", d.Index))
		}
		if want > 0 && len(d.Embedding) != want {
			return nil, fault.Transient(op, fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(d.Embedding), want))
		}
		vecs[i] = toFloat32(d.Embedding)
	}
	return vecs, nil
}

// Dimensions is the requested size, or the model's native size when known.
func (p *Provider) Dimensions() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	return nativeDimensions[strings.ToLower(p.model)]
}

// ModelID returns the model name.
func (p *Provider) ModelID() string { return p.model }

var nativeDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
