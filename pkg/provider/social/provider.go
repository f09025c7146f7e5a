// Package social defines the Searcher interface for external social-context
// search backends.
//
// A Searcher turns one keyword into a list of candidate artifacts (posts,
// threads, articles) together with an engagement score. The insight agent
// fans out one Search per keyword, filters the candidates and deduplicates
// them by URL before they reach an insight card.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation; every call is bounded by the caller's per-call timeout.
package social

import "context"

// Candidate is a single search hit.
type Candidate struct {
	Title string `json:"title"`
	URL   string `json:"url"`

	// Kind is a short backend-defined label such as "post" or "article".
	Kind string `json:"kind"`

	// Engagement is a non-negative popularity score. Backends choose their
	// own formula; the agent only compares it against a threshold.
	Engagement float64 `json:"engagement"`
}

// Searcher is the abstraction over any social search backend.
type Searcher interface {
	// Search returns candidates for keyword, best first. An empty result is
	// not an error.
	//
	// Implementations should report timeouts, rate limits and 5xx responses
	// as fault.ErrTransientUpstream.
	Search(ctx context.Context, keyword string) ([]Candidate, error)
}

// Func adapts a plain function to the [Searcher] interface.
type Func func(ctx context.Context, keyword string) ([]Candidate, error)

// Search implements [Searcher].
func (f Func) Search(ctx context.Context, keyword string) ([]Candidate, error) {
	return f(ctx, keyword)
}
