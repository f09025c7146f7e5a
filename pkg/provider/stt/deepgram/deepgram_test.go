package deepgram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/MrWong99/listenbuddy/internal/fault"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(16000)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomOptions(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithKeywords("SpaceX", "Starship"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(8000)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	if got := q["keyterm"]; len(got) != 2 || got[0] != "SpaceX" {
		t.Errorf("keyterm = %v", got)
	}
}

// ---- response parsing ----

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{
			name: "transcript",
			body: `{"results":{"channels":[{"alternatives":[{"transcript":" hello there ","confidence":0.9}]}]}}`,
			want: "hello there",
		},
		{name: "no channels", body: `{"results":{"channels":[]}}`, want: ""},
		{name: "no alternatives", body: `{"results":{"channels":[{"alternatives":[]}]}}`, want: ""},
		{name: "invalid json", body: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseResponse([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			assertEqual(t, "transcript", tt.want, got)
		})
	}
}

// ---- end to end against httptest ----

func TestTranscribe_PostsRawPCM(t *testing.T) {
	var gotAuth string
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotLen = len(b)
		_, _ = io.WriteString(w, `{"results":{"channels":[{"alternatives":[{"transcript":"rockets"}]}]}}`)
	}))
	defer srv.Close()

	p, _ := New("secret", WithEndpoint(srv.URL))
	text, err := p.Transcribe(context.Background(), make([]byte, 320), 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	assertEqual(t, "text", "rockets", text)
	assertEqual(t, "auth", "Token secret", gotAuth)
	if gotLen != 320 {
		t.Errorf("body length = %d, want 320", gotLen)
	}
}

func TestTranscribe_RateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, _ := New("secret", WithEndpoint(srv.URL))
	_, err := p.Transcribe(context.Background(), make([]byte, 320), 16000)
	if !errors.Is(err, fault.ErrTransientUpstream) {
		t.Fatalf("err = %v, want transient", err)
	}
}

// ---- constructor ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "endpoint", defaultEndpoint, p.endpoint)
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
