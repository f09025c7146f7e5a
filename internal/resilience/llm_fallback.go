package resilience

import (
	"context"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/pkg/provider/llm"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of every backend.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}

// Complete sends a completion request to the first healthy provider.
//
// When every provider fails the returned error keeps the fault kind of the
// last failure; an open breaker on every entry is reported as transient.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, fault.Classify("llm: complete", err)
	}
	return resp, nil
}

// CountTokens delegates to the first provider that can count. Token counting
// is local and never trips a breaker.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	var lastErr error
	for _, e := range f.group.entries {
		n, err := e.value.CountTokens(messages)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	return 0, lastErr
}
