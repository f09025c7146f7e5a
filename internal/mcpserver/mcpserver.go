// Package mcpserver exposes listenbuddy's transcript memory to agent clients
// over the Model Context Protocol.
//
// Four tools are registered by [New]:
//   - "search_memory"    — semantic search over committed transcript chunks.
//   - "ask"              — grounded question answering over the transcripts.
//   - "list_sessions"    — every session, newest first.
//   - "session_insights" — a session's insight cards and cumulative artifacts.
//
// Tool results are JSON text content. Failures are reported as tool errors
// (IsError) rather than protocol errors, so the calling agent can read them.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/listenbuddy/internal/insight"
	"github.com/MrWong99/listenbuddy/internal/retrieval"
	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// Memory searches committed transcript chunks by text.
type Memory interface {
	SearchText(ctx context.Context, query string, filter memory.ChunkFilter, k int) ([]memory.ChunkResult, error)
}

// Answerer answers questions over transcript memory.
type Answerer interface {
	Answer(ctx context.Context, sessionID, query string) (retrieval.Answer, error)
}

// Sessions lists and looks up sessions.
type Sessions interface {
	List(ctx context.Context) ([]types.Session, error)
	Get(ctx context.Context, id string) (types.Session, error)
}

// Cards returns a session's insight cards, oldest first.
type Cards interface {
	Insights(ctx context.Context, sessionID string) ([]types.InsightCard, error)
}

// Deps are the components the tools delegate to. All are required.
type Deps struct {
	Memory   Memory
	Answers  Answerer
	Sessions Sessions
	Cards    Cards
}

// Version is reported in the MCP server implementation info.
const Version = "1.0.0"

// defaultTopK is the search_memory result limit when top_k is not provided.
const defaultTopK = 10

// maxTopK caps top_k.
const maxTopK = 50

// ─────────────────────────────────────────────────────────────────────────────
// search_memory
// ─────────────────────────────────────────────────────────────────────────────

// searchMemoryArgs is the input of the "search_memory" tool.
type searchMemoryArgs struct {
	Query     string `json:"query" jsonschema:"text to search for in the transcripts"`
	SessionID string `json:"session_id,omitempty" jsonschema:"restrict results to this session; omit to search all sessions"`
	TopK      int    `json:"top_k,omitempty" jsonschema:"maximum number of results (default 10)"`
}

// memoryHit is one search_memory result.
type memoryHit struct {
	ChunkID    string  `json:"chunk_id"`
	SessionID  string  `json:"session_id"`
	Text       string  `json:"text"`
	TsStart    float64 `json:"ts_start"`
	TsEnd      float64 `json:"ts_end"`
	Offset     string  `json:"offset"`
	Similarity float64 `json:"similarity"`
}

func makeSearchMemoryHandler(mem Memory) func(context.Context, searchMemoryArgs) (any, error) {
	return func(ctx context.Context, a searchMemoryArgs) (any, error) {
		if strings.TrimSpace(a.Query) == "" {
			return nil, errors.New("query must not be empty")
		}
		k := a.TopK
		if k <= 0 {
			k = defaultTopK
		}
		k = min(k, maxTopK)

		results, err := mem.SearchText(ctx, a.Query, memory.ChunkFilter{SessionID: a.SessionID}, k)
		if err != nil {
			return nil, err
		}
		hits := make([]memoryHit, len(results))
		for i, r := range results {
			hits[i] = memoryHit{
				ChunkID:    r.Chunk.ID,
				SessionID:  r.Chunk.SessionID,
				Text:       r.Chunk.Text,
				TsStart:    r.Chunk.TsStart,
				TsEnd:      r.Chunk.TsEnd,
				Offset:     retrieval.Offset(r.Chunk.TsStart),
				Similarity: r.Similarity,
			}
		}
		return hits, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// ask
// ─────────────────────────────────────────────────────────────────────────────

// askArgs is the input of the "ask" tool.
type askArgs struct {
	Query     string `json:"query" jsonschema:"the question to answer from what was said"`
	SessionID string `json:"session_id,omitempty" jsonschema:"answer from this session only; omit to use all sessions"`
}

func makeAskHandler(answers Answerer) func(context.Context, askArgs) (any, error) {
	return func(ctx context.Context, a askArgs) (any, error) {
		ans, err := answers.Answer(ctx, a.SessionID, a.Query)
		if err != nil {
			return nil, err
		}
		return ans, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// list_sessions
// ─────────────────────────────────────────────────────────────────────────────

type listSessionsArgs struct{}

func makeListSessionsHandler(sessions Sessions) func(context.Context, listSessionsArgs) (any, error) {
	return func(ctx context.Context, _ listSessionsArgs) (any, error) {
		list, err := sessions.List(ctx)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []types.Session{}
		}
		return list, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// session_insights
// ─────────────────────────────────────────────────────────────────────────────

// sessionInsightsArgs is the input of the "session_insights" tool.
type sessionInsightsArgs struct {
	SessionID string `json:"session_id" jsonschema:"the session to read insights from"`
}

// sessionInsights is the result of the "session_insights" tool.
type sessionInsights struct {
	Session   types.Session       `json:"session"`
	Cards     []types.InsightCard `json:"cards"`
	Artifacts []types.ArtifactRef `json:"artifacts"`
}

func makeSessionInsightsHandler(sessions Sessions, cards Cards) func(context.Context, sessionInsightsArgs) (any, error) {
	return func(ctx context.Context, a sessionInsightsArgs) (any, error) {
		if a.SessionID == "" {
			return nil, errors.New("session_id must not be empty")
		}
		sess, err := sessions.Get(ctx, a.SessionID)
		if err != nil {
			return nil, err
		}
		list, err := cards.Insights(ctx, a.SessionID)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []types.InsightCard{}
		}
		return sessionInsights{Session: sess, Cards: list, Artifacts: insight.Artifacts(list)}, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Server
// ─────────────────────────────────────────────────────────────────────────────

// New returns an MCP server with every listenbuddy tool registered.
func New(deps Deps) *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "listenbuddy", Version: Version}, nil)

	addTool(srv, &mcpsdk.Tool{
		Name:        "search_memory",
		Description: "Semantic search over transcribed speech. Returns the most similar transcript chunks with their session id and offset from session start.",
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, makeSearchMemoryHandler(deps.Memory))

	addTool(srv, &mcpsdk.Tool{
		Name:        "ask",
		Description: "Answer a question using only what was said in the recorded sessions. Returns the answer and the ids of the transcript chunks it is grounded on.",
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, makeAskHandler(deps.Answers))

	addTool(srv, &mcpsdk.Tool{
		Name:        "list_sessions",
		Description: "List every capture session, newest first, with its state and title.",
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, makeListSessionsHandler(deps.Sessions))

	addTool(srv, &mcpsdk.Tool{
		Name:        "session_insights",
		Description: "Return the insight cards of a session (notes, keywords, linked artifacts) and the de-duplicated list of every artifact discovered so far.",
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, makeSessionInsightsHandler(deps.Sessions, deps.Cards))

	return srv
}

// Handler serves srv over the streamable HTTP transport.
func Handler(srv *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil)
}

// addTool registers fn, encoding its result as JSON text content and its
// error as a tool error.
func addTool[In any](srv *mcpsdk.Server, tool *mcpsdk.Tool, fn func(context.Context, In) (any, error)) {
	mcpsdk.AddTool(srv, tool, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, any, error) {
		out, err := fn(ctx, in)
		if err != nil {
			return errorResult(fmt.Errorf("%s: %w", tool.Name, err)), nil, nil
		}
		b, err := json.Marshal(out)
		if err != nil {
			return errorResult(fmt.Errorf("%s: encode result: %w", tool.Name, err)), nil, nil
		}
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}}}, nil, nil
	})
}

func errorResult(err error) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
	}
}
