package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/listenbuddy/internal/config"
	"github.com/MrWong99/listenbuddy/internal/health"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/internal/resilience"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings"
	"github.com/MrWong99/listenbuddy/pkg/provider/llm"
	"github.com/MrWong99/listenbuddy/pkg/provider/social"
	"github.com/MrWong99/listenbuddy/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured; Embeddings is always set by [BuildProviders].
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	Embeddings embeddings.Provider
	Social     social.Searcher

	// closers release providers holding processes, models or sessions.
	closers []io.Closer
}

// Close releases every provider that holds resources.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func (p *Providers) track(v any) {
	if c, ok := v.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
}

// BreakerConfig is the per-provider circuit breaker used for every fallback
// group built by [BuildProviders].
var BreakerConfig = resilience.CircuitBreakerConfig{
	MaxFailures:  5,
	ResetTimeout: 30 * time.Second,
	HalfOpenMax:  1,
}

// BuildProviders instantiates every provider named in cfg through reg.
//
// The LLM and the transcriber are wrapped in a fallback group with one
// circuit breaker per backend, so a failing primary is skipped until its
// breaker half-opens. Providers whose name is not registered are skipped
// with a warning; any other construction error is fatal.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	pc := cfg.Providers

	// ── LLM ───────────────────────────────────────────────────────────────────
	primaryLLM, err := create(ps, "llm", pc.LLM, reg.CreateLLM)
	if err != nil {
		ps.Close()
		return nil, err
	}
	if primaryLLM != nil {
		fb := resilience.NewLLMFallback(primaryLLM, pc.LLM.Name, fallbackConfig("llm"))
		for _, entry := range pc.LLMFallbacks {
			p, err := create(ps, "llm", entry, reg.CreateLLM)
			if err != nil {
				ps.Close()
				return nil, err
			}
			if p != nil {
				fb.AddFallback(entry.Name, p)
			}
		}
		ps.LLM = fb
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	primarySTT, err := create(ps, "stt", pc.STT, reg.CreateSTT)
	if err != nil {
		ps.Close()
		return nil, err
	}
	if primarySTT != nil {
		fb := resilience.NewSTTFallback(primarySTT, pc.STT.Name, fallbackConfig("stt"))
		for _, entry := range pc.STTFallbacks {
			p, err := create(ps, "stt", entry, reg.CreateSTT)
			if err != nil {
				ps.Close()
				return nil, err
			}
			if p != nil {
				fb.AddFallback(entry.Name, p)
			}
		}
		ps.STT = fb
	}

	// ── Embeddings ────────────────────────────────────────────────────────────
	emb, err := create(ps, "embeddings", pc.Embeddings, reg.CreateEmbeddings)
	if err != nil {
		ps.Close()
		return nil, err
	}
	if emb == nil {
		ps.Close()
		return nil, fmt.Errorf("app: embeddings provider %q is required", pc.Embeddings.Name)
	}
	ps.Embeddings = emb

	// ── Social ────────────────────────────────────────────────────────────────
	soc, err := create(ps, "social", pc.Social, reg.CreateSocial)
	if err != nil {
		ps.Close()
		return nil, err
	}
	ps.Social = soc

	return ps, nil
}

// fallbackConfig labels breaker transitions of a kind's backends on the
// provider breaker metric.
func fallbackConfig(kind string) resilience.FallbackConfig {
	cb := BreakerConfig
	cb.OnStateChange = func(name string, _, to resilience.State) {
		observe.DefaultMetrics().RecordBreakerTransition(context.Background(), kind, name, to.String())
	}
	return resilience.FallbackConfig{CircuitBreaker: cb}
}

// BreakerStates is implemented by providers built as a fallback group.
type BreakerStates interface {
	States() map[string]resilience.State
}

// breakersCheck reports the instance degraded once every backend of a
// provider has an open breaker.
func breakersCheck(kind string, p any) (health.Checker, bool) {
	bs, ok := p.(BreakerStates)
	if !ok {
		return health.Checker{}, false
	}
	return health.Checker{Name: kind, Optional: true, Check: func(context.Context) error {
		states := bs.States()
		for _, st := range states {
			if st != resilience.StateOpen {
				return nil
			}
		}
		return fmt.Errorf("all %d %s backends have an open circuit", len(states), kind)
	}}, true
}

// create builds one provider. An empty or unregistered name yields the zero
// value and no error.
func create[T any](ps *Providers, kind string, entry config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, nil
	}
	p, err := factory(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not registered, skipping", "kind", kind, "name", entry.Name)
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("app: create %s provider %q: %w", kind, entry.Name, err)
	}
	ps.track(p)
	slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	return p, nil
}
