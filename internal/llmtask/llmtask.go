// Package llmtask holds the small structured prompts listenbuddy runs against
// a language model: session titles, topic extraction for the insight agent,
// and per-chunk annotation.
//
// Every task asks for a single JSON object and parses the reply leniently:
// comments, trailing commas and prose around the object are tolerated.
package llmtask

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/jsonc"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/pkg/provider/llm"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// DefaultTranscriptChars bounds the transcript excerpt sent with a prompt.
const DefaultTranscriptChars = 6000

// Output caps applied after parsing.
const (
	maxNotes    = 5
	maxQueries  = 3
	maxEntities = 3
	maxTitle    = 80
)

// ErrMalformed is returned when a model reply contains no usable JSON object.
var ErrMalformed = errors.New("llmtask: malformed model reply")

const titlePrompt = `You generate short, punchy titles (3-8 words) for recorded conversations. ` +
	`No emojis or quotes. Return JSON with a single field: {"title": "<title>"}.`

const topicsSystem = `Return only valid JSON with fields notes, queries, entities.`

const topicsPrompt = `You act as a live note taker and social discovery assistant.
Given transcript excerpts and user interest signals, produce:
- notes: 3-5 concise bullet phrases of key points.
- queries: 2-3 short search strings (no hashtags, no quotes).
- entities: up to 3 user handles or names relevant to the content.
Return JSON: {"notes": [..], "queries": [..], "entities": [..]}.
User interests: %s
Transcript excerpt:
%s`

const annotatePrompt = `Extract the named entities (people, organisations, products, places) ` +
	`and the overall sentiment (positive, negative, neutral or mixed) of the text. ` +
	`Return JSON: {"entities": [..], "sentiment": "<sentiment>"}.`

// Topics is the result of [Tasks.Topics].
type Topics struct {
	Notes    []string `json:"notes"`
	Queries  []string `json:"queries"`
	Entities []string `json:"entities"`
}

// Keywords merges queries and entities into one search keyword list, keeping
// order and dropping case-insensitive duplicates.
func (t Topics) Keywords() []string {
	seen := make(map[string]bool, len(t.Queries)+len(t.Entities))
	var out []string
	for _, k := range append(append([]string(nil), t.Queries...), t.Entities...) {
		k = strings.TrimSpace(k)
		key := strings.ToLower(k)
		if k == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, k)
	}
	return out
}

// Option configures [Tasks].
type Option func(*Tasks)

// WithTranscriptChars overrides [DefaultTranscriptChars].
func WithTranscriptChars(n int) Option {
	return func(t *Tasks) {
		if n > 0 {
			t.transcriptChars = n
		}
	}
}

// WithInterests sets the user interest signal included in topic prompts.
func WithInterests(s string) Option {
	return func(t *Tasks) { t.interests = s }
}

// Tasks runs structured prompts against an LLM provider. It is safe for
// concurrent use.
type Tasks struct {
	llm             llm.Provider
	transcriptChars int
	interests       string
}

// New creates [Tasks] backed by provider.
func New(provider llm.Provider, opts ...Option) *Tasks {
	t := &Tasks{llm: provider, transcriptChars: DefaultTranscriptChars}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Title generates a 3–8 word title for transcript.
func (t *Tasks) Title(ctx context.Context, transcript string) (string, error) {
	const op = "llmtask: title"
	if strings.TrimSpace(transcript) == "" {
		return "", fault.PermanentInput(op, errors.New("empty transcript"))
	}
	var out struct {
		Title string `json:"title"`
	}
	err := t.run(ctx, op, llm.CompletionRequest{
		SystemPrompt: "Return only valid JSON with the title field.",
		Messages: []types.Message{
			{Role: "user", Content: titlePrompt + "\n\nTranscript:\n" + Head(transcript, t.transcriptChars)},
		},
		Temperature: 0.3,
		MaxTokens:   64,
		JSONMode:    true,
	}, &out)
	if err != nil {
		return "", err
	}
	title := strings.Trim(strings.TrimSpace(out.Title), `"'`)
	if title == "" {
		return "", fault.Transient(op, fmt.Errorf("%w: title missing", ErrMalformed))
	}
	return truncateRunes(title, maxTitle), nil
}

// Topics extracts notes, search queries and entities from transcript. Only
// the most recent part of transcript is sent.
func (t *Tasks) Topics(ctx context.Context, transcript string) (Topics, error) {
	const op = "llmtask: topics"
	interests := cmp.Or(strings.TrimSpace(t.interests), "not provided")
	var out Topics
	err := t.run(ctx, op, llm.CompletionRequest{
		SystemPrompt: topicsSystem,
		Messages: []types.Message{
			{Role: "user", Content: fmt.Sprintf(topicsPrompt, interests, Tail(transcript, t.transcriptChars))},
		},
		Temperature: 0.4,
		JSONMode:    true,
	}, &out)
	if err != nil {
		return Topics{}, err
	}
	out.Notes = clean(out.Notes, maxNotes)
	out.Queries = clean(out.Queries, maxQueries)
	out.Entities = clean(out.Entities, maxEntities)
	return out, nil
}

// Annotate extracts entities and sentiment from one chunk of text.
func (t *Tasks) Annotate(ctx context.Context, text string) (types.ChunkMetadata, error) {
	const op = "llmtask: annotate"
	var out struct {
		Entities  []string `json:"entities"`
		Sentiment string   `json:"sentiment"`
	}
	err := t.run(ctx, op, llm.CompletionRequest{
		SystemPrompt: annotatePrompt,
		Messages:     []types.Message{{Role: "user", Content: text}},
		MaxTokens:    128,
		JSONMode:     true,
	}, &out)
	if err != nil {
		return types.ChunkMetadata{}, err
	}
	return types.ChunkMetadata{
		Entities:  clean(out.Entities, 0),
		Sentiment: strings.ToLower(strings.TrimSpace(out.Sentiment)),
	}, nil
}

func (t *Tasks) run(ctx context.Context, op string, req llm.CompletionRequest, v any) error {
	resp, err := t.llm.Complete(ctx, req)
	if err != nil {
		return fault.Classify(op, err)
	}
	if err := ParseJSON(resp.Content, v); err != nil {
		// A garbled reply is the model's fault, not the caller's.
		return fault.Transient(op, err)
	}
	return nil
}

// ParseJSON decodes the first JSON object in s into v. It strips comments and
// trailing commas and ignores any text before the first "{" or after the
// last "}".
func ParseJSON(s string, v any) error {
	s = strings.TrimSpace(s)
	if err := json.Unmarshal(jsonc.ToJSON([]byte(s)), v); err == nil {
		return nil
	}
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ErrMalformed
	}
	if err := json.Unmarshal(jsonc.ToJSON([]byte(s[start:end+1])), v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

// Head returns the first n characters of s.
func Head(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Tail returns the last n characters of s.
func Tail(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-n:])
}

// clean trims items, drops empties and caps the result at limit (0 = no cap).
func clean(items []string, limit int) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(strings.TrimLeft(it, "-•* "))
		if it == "" {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
