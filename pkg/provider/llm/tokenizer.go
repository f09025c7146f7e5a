package llm

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/MrWong99/listenbuddy/pkg/types"
)

// perMessageOverhead approximates the role and framing tokens every chat
// message costs on top of its content.
const perMessageOverhead = 4

// Tokenizer counts tokens with a tiktoken encoding. When the encoding cannot
// be loaded (tiktoken downloads its BPE ranks on first use) it falls back to
// a four-characters-per-token estimate.
//
// The encoding is loaded lazily on the first count so constructing a
// Tokenizer never touches the network.
type Tokenizer struct {
	model string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenizer returns a Tokenizer for model. Unknown models use cl100k_base.
func NewTokenizer(model string) *Tokenizer {
	return &Tokenizer{model: model}
}

// ApproxTokenizer returns a Tokenizer that never loads an encoding.
func ApproxTokenizer() *Tokenizer {
	t := &Tokenizer{}
	t.once.Do(func() {})
	return t
}

func (t *Tokenizer) load() {
	t.once.Do(func() {
		var err error
		if t.model != "" {
			t.enc, err = tiktoken.EncodingForModel(t.model)
			if err == nil {
				return
			}
		}
		t.enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("llm: tiktoken encoding unavailable, using approximate token counts", "model", t.model, "err", err)
			t.enc = nil
		}
	})
}

// Count returns the token count of text.
func (t *Tokenizer) Count(text string) int {
	t.load()
	if t.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessages returns the token count of messages including per-message
// overhead.
func (t *Tokenizer) CountMessages(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += t.Count(m.Content) + perMessageOverhead
	}
	return total
}
