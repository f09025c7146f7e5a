// Package retrieval answers questions grounded in the transcript memory.
//
// Answer embeds the question, pulls the most similar chunks from the memory
// store, trims them to a token budget and asks the language model to answer
// from that context only. A session with nothing committed yet gets a fixed
// reply without any model call.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/provider/llm"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultTopK             = 6
	DefaultMaxContextTokens = 2000
	DefaultTimeout          = 30 * time.Second
)

// NoContextAnswer is returned when there is nothing in memory to ground an
// answer on.
const NoContextAnswer = "I haven't heard anything in this session yet, so there is nothing to answer from."

const systemPrompt = `You are a listening companion. You answer questions about a conversation ` +
	`you have been listening to. Use only the transcript excerpts provided. Each excerpt starts ` +
	`with its time offset. If the excerpts do not contain the answer, say so briefly. ` +
	`Answer in a few sentences.`

// Store is the memory surface retrieval needs. Implemented by memstore.Store.
type Store interface {
	Count(ctx context.Context, filter memory.ChunkFilter) (int, error)
	SearchText(ctx context.Context, query string, filter memory.ChunkFilter, k int) ([]memory.ChunkResult, error)
}

// Sessions resolves session records. Implemented by session.Manager.
type Sessions interface {
	Get(ctx context.Context, id string) (types.Session, error)
}

// Counter counts tokens of a text. *llm.Tokenizer satisfies it.
type Counter interface {
	Count(text string) int
}

// Config tunes an [Orchestrator].
type Config struct {
	TopK             int
	MaxContextTokens int
	Timeout          time.Duration
}

// Answer is the result of [Orchestrator.Answer].
type Answer struct {
	Text string `json:"answer"`

	// UsedChunkIDs lists the chunks sent to the model, most relevant first.
	UsedChunkIDs []string `json:"used_chunk_ids"`

	// NoContext is set when nothing was in scope and no model was called.
	NoContext bool `json:"no_context"`
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithTokenizer overrides the token counter used for the context budget.
func WithTokenizer(c Counter) Option {
	return func(o *Orchestrator) { o.tokens = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator implements retrieval-augmented answering. It is safe for
// concurrent use.
type Orchestrator struct {
	cfg      Config
	store    Store
	sessions Sessions
	llm      llm.Provider
	tokens   Counter
	metrics  *observe.Metrics
}

// New creates an [Orchestrator]. With a nil provider Answer returns the
// selected excerpts verbatim instead of a generated answer.
func New(cfg Config, store Store, sessions Sessions, provider llm.Provider, opts ...Option) *Orchestrator {
	cfg.TopK = cmp.Or(cfg.TopK, DefaultTopK)
	cfg.MaxContextTokens = cmp.Or(cfg.MaxContextTokens, DefaultMaxContextTokens)
	cfg.Timeout = cmp.Or(cfg.Timeout, DefaultTimeout)
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		llm:      provider,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tokens == nil {
		o.tokens = llm.ApproxTokenizer()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Answer answers query from memory. An empty sessionID searches every
// session. Model failures are returned classified and never retried.
func (o *Orchestrator) Answer(ctx context.Context, sessionID, query string) (_ Answer, err error) {
	const op = "retrieval: answer"
	start := time.Now()
	ctx, span := observe.StartSpan(observe.WithSession(ctx, sessionID), "retrieval.answer")
	defer func() { observe.EndSpan(span, err) }()
	defer func() { observe.Since(ctx, o.metrics.AnswerDuration, start) }()

	query = strings.TrimSpace(query)
	if query == "" {
		return Answer{}, fault.PermanentInput(op, errors.New("empty query"))
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	starts := make(map[string]time.Time)
	if sessionID != "" {
		sess, err := o.sessions.Get(ctx, sessionID)
		if err != nil {
			return Answer{}, o.classify(op, err)
		}
		starts[sessionID] = sess.StartTime
	}

	filter := memory.ChunkFilter{SessionID: sessionID}
	n, err := o.store.Count(ctx, filter)
	if err != nil {
		return Answer{}, o.classify(op, err)
	}
	if n == 0 {
		return Answer{Text: NoContextAnswer, UsedChunkIDs: []string{}, NoContext: true}, nil
	}

	results, err := o.store.SearchText(ctx, query, filter, o.cfg.TopK)
	if err != nil {
		return Answer{}, o.classify(op, err)
	}
	picked := o.budget(results)
	if len(picked) == 0 {
		return Answer{Text: NoContextAnswer, UsedChunkIDs: []string{}, NoContext: true}, nil
	}

	ids := make([]string, len(picked))
	for i, c := range picked {
		ids[i] = c.ID
	}
	for _, c := range picked {
		if _, ok := starts[c.SessionID]; ok {
			continue
		}
		// A missing record only affects ordering across sessions.
		if sess, err := o.sessions.Get(ctx, c.SessionID); err == nil {
			starts[c.SessionID] = sess.StartTime
		} else {
			starts[c.SessionID] = time.Time{}
		}
	}
	chronological(picked, starts)

	if o.llm == nil {
		return Answer{Text: strings.TrimSpace(excerpts(picked, sessionID == "")), UsedChunkIDs: ids}, nil
	}

	resp, err := o.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: prompt(picked, query, sessionID == "")},
		},
		Temperature: 0.2,
	})
	if err != nil {
		o.metrics.RecordProviderError(ctx, "llm", "llm")
		return Answer{}, o.classify(op, err)
	}
	o.metrics.RecordProviderRequest(ctx, "llm", "llm", "ok")

	observe.Logger(ctx).Debug("retrieval: answered", "chunks", len(picked), "duration", time.Since(start))
	return Answer{Text: strings.TrimSpace(resp.Content), UsedChunkIDs: ids}, nil
}

// budget keeps results in rank order until the token budget is spent. The
// top result is always kept.
func (o *Orchestrator) budget(results []memory.ChunkResult) []types.TranscriptChunk {
	out := make([]types.TranscriptChunk, 0, len(results))
	used := 0
	for i, r := range results {
		cost := o.tokens.Count(r.Chunk.Text)
		if i > 0 && used+cost > o.cfg.MaxContextTokens {
			break
		}
		used += cost
		out = append(out, r.Chunk)
	}
	return out
}

func (o *Orchestrator) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Transient(op, err)
	}
	return fault.Classify(op, err)
}

// chronological orders chunks by their session's start time, then by offset.
func chronological(chunks []types.TranscriptChunk, starts map[string]time.Time) {
	slices.SortStableFunc(chunks, func(a, b types.TranscriptChunk) int {
		if c := starts[a.SessionID].Compare(starts[b.SessionID]); c != 0 {
			return c
		}
		if c := cmp.Compare(a.SessionID, b.SessionID); c != 0 {
			return c
		}
		return cmp.Compare(a.TsStart, b.TsStart)
	})
}

func prompt(chunks []types.TranscriptChunk, query string, multiSession bool) string {
	var sb strings.Builder
	sb.WriteString("Transcript excerpts:\n")
	sb.WriteString(excerpts(chunks, multiSession))
	sb.WriteString("\nQuestion: ")
	sb.WriteString(query)
	return sb.String()
}

// excerpts renders one offset-tagged line per chunk.
func excerpts(chunks []types.TranscriptChunk, multiSession bool) string {
	var sb strings.Builder
	for _, c := range chunks {
		if multiSession {
			fmt.Fprintf(&sb, "[%s %s] %s\n", c.SessionID, Offset(c.TsStart), c.Text)
		} else {
			fmt.Fprintf(&sb, "[%s] %s\n", Offset(c.TsStart), c.Text)
		}
	}
	return sb.String()
}

// Offset formats a session-relative offset in seconds as m:ss or h:mm:ss.
func Offset(sec float64) string {
	d := time.Duration(sec * float64(time.Second)).Truncate(time.Second)
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
