// Package x provides a social.Searcher backed by the X API v2 recent search
// endpoint (GET /2/tweets/search/recent) using an app-only bearer token.
//
// Each hit becomes a candidate of kind "post" whose engagement is a weighted
// sum of its public metrics.
package x

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/pkg/provider/social"
)

const (
	defaultEndpoint   = "https://api.twitter.com/2/tweets/search/recent"
	defaultMaxResults = 10
	maxTitleRunes     = 140
	opSearch          = "x: search"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the recent-search endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithMaxResults sets the page size requested per keyword (10–100).
func WithMaxResults(n int) Option {
	return func(p *Provider) {
		p.maxResults = min(max(n, 10), 100)
	}
}

// WithLanguage restricts results to a BCP-47 language, e.g. "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements social.Searcher against the X API.
type Provider struct {
	bearer     string
	endpoint   string
	maxResults int
	language   string
	httpClient *http.Client
}

var _ social.Searcher = (*Provider)(nil)

// New creates a Provider. bearerToken must be non-empty.
func New(bearerToken string, opts ...Option) (*Provider, error) {
	if bearerToken == "" {
		return nil, errors.New("x: bearer token must not be empty")
	}
	p := &Provider{
		bearer:     bearerToken,
		endpoint:   defaultEndpoint,
		maxResults: defaultMaxResults,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Search implements social.Searcher.
func (p *Provider) Search(ctx context.Context, keyword string) ([]social.Candidate, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, fault.PermanentInput(opSearch, errors.New("empty keyword"))
	}
	u, err := p.buildURL(keyword)
	if err != nil {
		return nil, fmt.Errorf("x: build URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("x: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.bearer)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fault.Classify(opSearch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fault.Transient(opSearch, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.FromStatus(opSearch, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	out, err := parseResponse(body)
	if err != nil {
		return nil, fault.Transient(opSearch, err)
	}
	return out, nil
}

// buildURL quotes multi-word keywords and drops retweets so the same post is
// not returned once per share.
func (p *Provider) buildURL(keyword string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	query := keyword
	if strings.ContainsAny(keyword, " \t") {
		query = strconv.Quote(keyword)
	}
	query += " -is:retweet"
	if p.language != "" {
		query += " lang:" + p.language
	}
	q := u.Query()
	q.Set("query", query)
	q.Set("max_results", strconv.Itoa(p.maxResults))
	q.Set("tweet.fields", "public_metrics,author_id,created_at")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type searchResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Text          string `json:"text"`
		AuthorID      string `json:"author_id"`
		PublicMetrics struct {
			RetweetCount int `json:"retweet_count"`
			ReplyCount   int `json:"reply_count"`
			LikeCount    int `json:"like_count"`
			QuoteCount   int `json:"quote_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
}

func parseResponse(body []byte) ([]social.Candidate, error) {
	var r searchResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	users := make(map[string]string, len(r.Includes.Users))
	for _, u := range r.Includes.Users {
		users[u.ID] = u.Username
	}

	out := make([]social.Candidate, 0, len(r.Data))
	for _, t := range r.Data {
		if t.ID == "" {
			continue
		}
		handle := users[t.AuthorID]
		if handle == "" {
			handle = "i"
		}
		m := t.PublicMetrics
		out = append(out, social.Candidate{
			Title:      title(t.Text),
			URL:        "https://x.com/" + handle + "/status/" + t.ID,
			Kind:       "post",
			Engagement: float64(m.LikeCount + 2*m.RetweetCount + m.ReplyCount + m.QuoteCount),
		})
	}
	return out, nil
}

// title flattens whitespace and truncates to maxTitleRunes.
func title(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxTitleRunes {
		return text
	}
	r := []rune(text)
	return string(r[:maxTitleRunes-1]) + "…"
}
