package insight

import (
	"strings"
	"testing"

	"github.com/MrWong99/listenbuddy/pkg/provider/social"
)

func TestCollapseKeywords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    []string
		limit int
		want  []string
	}{
		{
			name:  "near duplicates collapse",
			in:    []string{"Starship launch", "starship launches", "SpaceX", "@spacex", "booster catch"},
			limit: 5,
			want:  []string{"Starship launch", "SpaceX", "booster catch"},
		},
		{
			name:  "limit applies after collapse",
			in:    []string{"rockets", "Rockets", "mars", "moon", "nasa", "esa", "jaxa"},
			limit: 3,
			want:  []string{"rockets", "mars", "moon"},
		},
		{
			name:  "blank entries skipped",
			in:    []string{"", "  ", "#", "orbit"},
			limit: 5,
			want:  []string{"orbit"},
		},
		{
			name:  "zero limit",
			in:    []string{"orbit"},
			limit: 0,
			want:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := CollapseKeywords(tt.in, DefaultKeywordSimilarity, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("CollapseKeywords = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilter_Allow(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(10, []string{"*://spam.example/*", "https://x.com/*/status/1"})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	tests := []struct {
		name string
		c    social.Candidate
		want bool
	}{
		{name: "ok", c: social.Candidate{URL: "https://x.com/a/status/2", Engagement: 10}, want: true},
		{name: "low engagement", c: social.Candidate{URL: "https://x.com/a/status/2", Engagement: 9.9}},
		{name: "denied host", c: social.Candidate{URL: "https://spam.example/post", Engagement: 50}},
		{name: "denied exact", c: social.Candidate{URL: "https://x.com/a/status/1", Engagement: 50}},
		{name: "not http", c: social.Candidate{URL: "javascript:alert(1)", Engagement: 50}},
		{name: "relative", c: social.Candidate{URL: "/status/3", Engagement: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := f.Allow(tt.c); got != tt.want {
				t.Errorf("Allow(%+v) = %v, want %v", tt.c, got, tt.want)
			}
		})
	}
}

func TestNewFilter_InvalidPattern(t *testing.T) {
	t.Parallel()
	if _, err := NewFilter(0, []string{"[unclosed"}); err == nil {
		t.Fatal("expected an error for an invalid glob")
	}
}

func TestFilter_SelectDeduplicates(t *testing.T) {
	t.Parallel()

	f, _ := NewFilter(0, nil)
	seen := map[string]bool{canonicalURL("https://example.com/a"): true}
	got := f.Select([]social.Candidate{
		{Title: "A again", URL: "https://EXAMPLE.com/a/"},
		{Title: "B", URL: "https://example.com/b"},
		{Title: "B fragment", URL: "https://example.com/b#top"},
		{Title: "C", URL: "https://example.com/c"},
		{Title: "D", URL: "https://example.com/d"},
	}, seen, 2)

	if len(got) != 2 || got[0].Title != "B" || got[1].Title != "C" {
		t.Errorf("Select = %+v, want B and C", got)
	}
}
