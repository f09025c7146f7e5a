// Package mcptool provides a social.Searcher that delegates to a tool exposed
// by an external MCP server (for example a Reddit, Hacker News or web search
// server).
//
// The server is reached over stdio or streamable HTTP using the official MCP
// Go SDK. The tool is called with a single string argument holding the
// keyword and must reply with a JSON array of results (or an object with a
// "results" array), either as structured content or as text content. Each
// result object may use "title"/"text", "url"/"link", "engagement"/"score"
// and "kind"/"type" keys.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/pkg/provider/social"
)

const opSearch = "mcptool: search"

// Config describes how to reach the MCP server.
type Config struct {
	// Command launches a stdio server, e.g. "npx -y some-search-server".
	// Mutually exclusive with URL.
	Command string

	// Env holds extra KEY=VALUE pairs for the stdio process.
	Env map[string]string

	// URL is a streamable-HTTP endpoint. Mutually exclusive with Command.
	URL string

	// Tool is the tool name to call. Required.
	Tool string

	// Argument is the argument name carrying the keyword. Defaults to "query".
	Argument string

	// DefaultKind labels results that carry no kind of their own.
	DefaultKind string
}

// Provider implements social.Searcher over an MCP client session.
type Provider struct {
	session     *mcpsdk.ClientSession
	tool        string
	argument    string
	defaultKind string
}

var _ social.Searcher = (*Provider)(nil)

// Connect establishes the MCP session described by cfg.
func Connect(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Tool == "" {
		return nil, errors.New("mcptool: tool name must not be empty")
	}

	var transport mcpsdk.Transport
	switch {
	case cfg.Command != "" && cfg.URL != "":
		return nil, errors.New("mcptool: command and url are mutually exclusive")
	case cfg.Command != "":
		parts := strings.Fields(cfg.Command)
		cmd := exec.Command(parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case cfg.URL != "":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return nil, errors.New("mcptool: one of command or url is required")
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "listenbuddy-social", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptool: connect: %w", err)
	}
	return New(session, cfg), nil
}

// New wraps an already-connected session. Only the Tool, Argument and
// DefaultKind fields of cfg are used.
func New(session *mcpsdk.ClientSession, cfg Config) *Provider {
	arg := cfg.Argument
	if arg == "" {
		arg = "query"
	}
	kind := cfg.DefaultKind
	if kind == "" {
		kind = "link"
	}
	return &Provider{session: session, tool: cfg.Tool, argument: arg, defaultKind: kind}
}

// Search implements social.Searcher.
func (p *Provider) Search(ctx context.Context, keyword string) ([]social.Candidate, error) {
	res, err := p.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      p.tool,
		Arguments: map[string]any{p.argument: keyword},
	})
	if err != nil {
		return nil, fault.Classify(opSearch, err)
	}

	text := textContent(res)
	if res.IsError {
		return nil, fault.Transient(opSearch, fmt.Errorf("tool %q: %s", p.tool, text))
	}

	var raw []byte
	if res.StructuredContent != nil {
		raw, err = json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, fault.Transient(opSearch, err)
		}
	} else {
		raw = []byte(text)
	}
	out, err := parseResults(raw, p.defaultKind)
	if err != nil {
		return nil, fault.Transient(opSearch, fmt.Errorf("tool %q: %w", p.tool, err))
	}
	return out, nil
}

// Close ends the MCP session.
func (p *Provider) Close() error {
	return p.session.Close()
}

func textContent(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func parseResults(raw []byte, defaultKind string) ([]social.Candidate, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil
	}

	var items []map[string]any
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, fmt.Errorf("parse results: %w", err)
		}
	} else {
		var wrapper struct {
			Results []map[string]any `json:"results"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
			return nil, fmt.Errorf("parse results: %w", err)
		}
		items = wrapper.Results
	}

	out := make([]social.Candidate, 0, len(items))
	for _, it := range items {
		c := social.Candidate{
			Title:      firstString(it, "title", "text", "name"),
			URL:        firstString(it, "url", "link", "href"),
			Kind:       firstString(it, "kind", "type"),
			Engagement: firstNumber(it, "engagement", "score", "points", "likes"),
		}
		if c.URL == "" {
			continue
		}
		if c.Kind == "" {
			c.Kind = defaultKind
		}
		out = append(out, c)
	}
	return out, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if n, ok := m[k].(float64); ok {
			return n
		}
	}
	return 0
}
