package insight

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/gobwas/glob"

	"github.com/MrWong99/listenbuddy/pkg/provider/social"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// DefaultKeywordSimilarity is the Jaro-Winkler score at or above which two
// keywords count as the same topic.
const DefaultKeywordSimilarity = 0.92

// CollapseKeywords drops keywords that are near-duplicates of an earlier one
// and returns at most limit keywords in their original order.
func CollapseKeywords(keywords []string, threshold float64, limit int) []string {
	out := make([]string, 0, min(len(keywords), max(limit, 0)))
	norm := make([]string, 0, cap(out))
	for _, k := range keywords {
		if len(out) >= limit {
			break
		}
		k = strings.TrimSpace(k)
		n := normalizeKeyword(k)
		if n == "" {
			continue
		}
		dup := false
		for _, prev := range norm {
			if n == prev || matchr.JaroWinkler(n, prev, false) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		out = append(out, k)
		norm = append(norm, n)
	}
	return out
}

func normalizeKeyword(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.TrimLeft(k, "@#")
	return strings.Join(strings.Fields(k), " ")
}

// Filter decides which search candidates may become artifacts.
type Filter struct {
	MinEngagement float64
	deny          []glob.Glob
	patterns      []string
}

// NewFilter compiles the URL deny-list globs.
func NewFilter(minEngagement float64, denyURLs []string) (*Filter, error) {
	f := &Filter{MinEngagement: minEngagement, patterns: denyURLs}
	for _, p := range denyURLs {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("insight: invalid deny pattern %q: %w", p, err)
		}
		f.deny = append(f.deny, g)
	}
	return f, nil
}

// Patterns returns the deny-list globs the filter was built from.
func (f *Filter) Patterns() []string { return f.patterns }

// Allow reports whether c passes the engagement threshold, carries an
// absolute http(s) URL and matches no deny pattern.
func (f *Filter) Allow(c social.Candidate) bool {
	if c.Engagement < f.MinEngagement {
		return false
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	for _, g := range f.deny {
		if g.Match(c.URL) {
			return false
		}
	}
	return true
}

// Select filters candidates and drops every URL already in seen or repeated
// within candidates. Returned artifacts keep candidate order.
func (f *Filter) Select(candidates []social.Candidate, seen map[string]bool, limit int) []types.ArtifactRef {
	picked := make(map[string]bool)
	var out []types.ArtifactRef
	for _, c := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !f.Allow(c) {
			continue
		}
		key := canonicalURL(c.URL)
		if seen[key] || picked[key] {
			continue
		}
		picked[key] = true
		out = append(out, types.ArtifactRef{
			Title:      strings.TrimSpace(c.Title),
			URL:        c.URL,
			Kind:       c.Kind,
			Engagement: c.Engagement,
		})
	}
	return out
}

// canonicalURL is the dedup key of an artifact URL: scheme and host are
// case-folded and a trailing slash or fragment is ignored.
func canonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}
