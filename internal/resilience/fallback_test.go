package resilience

import (
	"context"
	"errors"
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/listenbuddy/internal/fault"
)

// backend is a named fallback entry that fails while down is set.
type backend struct {
	name string
	down bool
}

func newGroup(t *testing.T, backends ...*backend) *FallbackGroup[*backend] {
	t.Helper()
	cfg := FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}}
	fg := NewFallbackGroup(backends[0], backends[0].name, cfg)
	for _, b := range backends[1:] {
		fg.AddFallback(b.name, b)
	}
	return fg
}

// transcribe answers with the backend's name and records who was asked.
func transcribe(asked *[]string) func(*backend) (string, error) {
	return func(b *backend) (string, error) {
		*asked = append(*asked, b.name)
		if b.down {
			return "", fault.Transient(b.name, errTest)
		}
		return "text from " + b.name, nil
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		down      []bool
		wantText  string
		wantAsked []string
		wantErr   bool
	}{
		{"primary healthy", []bool{false, false, false}, "text from deepgram", []string{"deepgram"}, false},
		{"first fallback", []bool{true, false, false}, "text from whisper", []string{"deepgram", "whisper"}, false},
		{"last fallback", []bool{true, true, false}, "text from local", []string{"deepgram", "whisper", "local"}, false},
		{"all down", []bool{true, true, true}, "", []string{"deepgram", "whisper", "local"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup(t,
				&backend{name: "deepgram", down: tt.down[0]},
				&backend{name: "whisper", down: tt.down[1]},
				&backend{name: "local", down: tt.down[2]},
			)
			var asked []string
			text, err := ExecuteWithResult(fg, transcribe(&asked))

			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if !slices.Equal(asked, tt.wantAsked) {
				t.Errorf("asked %v, want %v", asked, tt.wantAsked)
			}
			if !tt.wantErr {
				if err != nil {
					t.Errorf("err = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrAllFailed) || !errors.Is(err, fault.ErrTransientUpstream) {
				t.Errorf("err = %v, want ErrAllFailed carrying the transient kind", err)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBackend(t *testing.T) {
	t.Parallel()
	primary := &backend{name: "openai", down: true}
	fg := newGroup(t, primary, &backend{name: "ollama"})

	var asked []string
	for range 2 {
		if _, err := ExecuteWithResult(fg, transcribe(&asked)); err != nil {
			t.Fatal(err)
		}
	}
	if got := fg.States(); got["openai"] != StateOpen || got["ollama"] != StateClosed {
		t.Fatalf("States = %v, want openai open", got)
	}

	// The primary recovers, but its breaker still holds it out.
	primary.down = false
	asked = nil
	text, err := ExecuteWithResult(fg, transcribe(&asked))
	if err != nil || text != "text from ollama" {
		t.Errorf("got %q, %v; want the fallback", text, err)
	}
	if !slices.Equal(asked, []string{"ollama"}) {
		t.Errorf("asked %v, want only ollama", asked)
	}
}

func TestFallbackGroup_AllOpen(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, &backend{name: "a", down: true}, &backend{name: "b", down: true})
	var asked []string
	for range 2 {
		_, _ = ExecuteWithResult(fg, transcribe(&asked))
	}

	asked = nil
	err := fg.Execute(func(b *backend) error {
		asked = append(asked, b.name)
		return nil
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
	if len(asked) != 0 {
		t.Errorf("open backends were called: %v", asked)
	}
}

func TestFallbackGroup_CancelStopsWalk(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, &backend{name: "a"}, &backend{name: "b"})

	var asked []string
	err := fg.Execute(func(b *backend) error {
		asked = append(asked, b.name)
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want the bare cancellation", err)
	}
	if !slices.Equal(asked, []string{"a"}) {
		t.Errorf("asked %v, want only a", asked)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	fg := newGroup(t, &backend{name: "anthropic"}, &backend{name: "openai"}, &backend{name: "ollama"})
	want := []string{"anthropic", "openai", "ollama"}
	if got := fg.Names(); !slices.Equal(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
	if got := slices.Sorted(maps.Keys(fg.States())); !slices.Equal(got, slices.Sorted(slices.Values(want))) {
		t.Errorf("States keys = %v", got)
	}
}
