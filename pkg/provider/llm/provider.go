// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, Anthropic through
// any-llm, a local Ollama instance) and exposes one blocking Complete call.
// Retrieval answering, topic extraction, title generation and chunk
// annotation are all built on it.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/listenbuddy/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is injected before Messages as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation. The last one is usually from the
	// "user" role.
	Messages []types.Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero means the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means the provider default.
	MaxTokens int

	// JSONMode asks the model to reply with a single JSON object. Providers
	// without native support ignore it; callers still parse leniently.
	JSONMode bool
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	//
	// Implementations should report timeouts, rate limits and 5xx responses
	// as fault.ErrTransientUpstream.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many context-window tokens messages would
	// consume. The result need not be exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)
}
