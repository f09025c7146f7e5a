package app_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/listenbuddy/internal/app"
	"github.com/MrWong99/listenbuddy/internal/config"
	"github.com/MrWong99/listenbuddy/internal/resilience"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings/hash"
	"github.com/MrWong99/listenbuddy/pkg/provider/llm"
	llmmock "github.com/MrWong99/listenbuddy/pkg/provider/llm/mock"
	"github.com/MrWong99/listenbuddy/pkg/provider/social"
	socialmock "github.com/MrWong99/listenbuddy/pkg/provider/social/mock"
	"github.com/MrWong99/listenbuddy/pkg/provider/stt"
	sttmock "github.com/MrWong99/listenbuddy/pkg/provider/stt/mock"
)

// closingSearcher counts Close calls.
type closingSearcher struct {
	socialmock.Searcher
	closed atomic.Int32
}

func (c *closingSearcher) Close() error {
	c.closed.Add(1)
	return nil
}

func registry(llms map[string]*llmmock.Provider, searcher social.Searcher) *config.Registry {
	reg := config.NewRegistry()
	for name, p := range llms {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) { return p, nil })
	}
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("missing api key")
	})
	reg.RegisterSTT("mock", func(e config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{Text: e.Model}, nil
	})
	reg.RegisterEmbeddings("hash", func(config.ProviderEntry) (embeddings.Provider, error) {
		return hash.New(0), nil
	})
	reg.RegisterSocial("mock", func(config.ProviderEntry) (social.Searcher, error) { return searcher, nil })
	return reg
}

func TestBuildProviders_FallbackChain(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("upstream 503")}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from backup"}}
	searcher := &closingSearcher{}

	cfg := config.Default()
	cfg.Providers.LLM = config.ProviderEntry{Name: "primary"}
	cfg.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "unknown"}, {Name: "backup"}}
	cfg.Providers.STT = config.ProviderEntry{Name: "mock", Model: "heard"}
	cfg.Providers.Social = config.ProviderEntry{Name: "mock"}

	ps, err := app.BuildProviders(cfg, registry(map[string]*llmmock.Provider{"primary": primary, "backup": backup}, searcher))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}

	if _, ok := ps.LLM.(*resilience.LLMFallback); !ok {
		t.Fatalf("LLM is %T, want *resilience.LLMFallback", ps.LLM)
	}
	resp, err := ps.LLM.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("Content = %q, want from backup", resp.Content)
	}
	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("calls primary=%d backup=%d, want 1 and 1", primary.CallCount(), backup.CallCount())
	}

	if _, ok := ps.STT.(*resilience.STTFallback); !ok {
		t.Fatalf("STT is %T, want *resilience.STTFallback", ps.STT)
	}
	text, err := ps.STT.Transcribe(context.Background(), make([]byte, 320), 16000)
	if err != nil || text != "heard" {
		t.Errorf("Transcribe = %q, %v; want heard", text, err)
	}
	if ps.Embeddings == nil || ps.Embeddings.ModelID() != "feature-hash" {
		t.Errorf("Embeddings = %v, want the hash provider", ps.Embeddings)
	}
	if ps.Social != searcher {
		t.Errorf("Social = %v, want the registered searcher", ps.Social)
	}

	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := searcher.closed.Load(); n != 1 {
		t.Errorf("searcher closed %d times, want 1", n)
	}
}

func TestBuildProviders_Optional(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	ps, err := app.BuildProviders(cfg, registry(nil, nil))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.LLM != nil || ps.STT != nil || ps.Social != nil {
		t.Errorf("unconfigured providers = %+v, want nil", ps)
	}
	if ps.Embeddings == nil {
		t.Error("Embeddings is nil, want the default hash provider")
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "factory failure",
			mutate:  func(c *config.Config) { c.Providers.LLM.Name = "broken" },
			wantErr: `create llm provider "broken"`,
		},
		{
			name: "fallback factory failure",
			mutate: func(c *config.Config) {
				c.Providers.LLM.Name = "primary"
				c.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "broken"}}
			},
			wantErr: "missing api key",
		},
		{
			name:    "embeddings not registered",
			mutate:  func(c *config.Config) { c.Providers.Embeddings.Name = "nomic" },
			wantErr: "embeddings provider",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			tc.mutate(cfg)
			_, err := app.BuildProviders(cfg, registry(map[string]*llmmock.Provider{"primary": {}}, nil))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}
