// Package mock provides an in-memory social.Searcher for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/listenbuddy/pkg/provider/social"
)

var _ social.Searcher = (*Searcher)(nil)

// Searcher returns canned results per keyword and records every call.
type Searcher struct {
	mu sync.Mutex

	// Results maps a keyword to the candidates returned for it. Unknown
	// keywords return Default.
	Results map[string][]social.Candidate

	// Default is returned for keywords missing from Results.
	Default []social.Candidate

	// Err, when non-nil, is returned by every call.
	Err error

	// Gate, when non-nil, blocks each call until it is closed or ctx ends.
	Gate <-chan struct{}

	calls []string
}

// Search implements social.Searcher.
func (s *Searcher) Search(ctx context.Context, keyword string) ([]social.Candidate, error) {
	s.mu.Lock()
	s.calls = append(s.calls, keyword)
	gate := s.Gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	res, ok := s.Results[keyword]
	if !ok {
		res = s.Default
	}
	out := make([]social.Candidate, len(res))
	copy(out, res)
	return out, nil
}

// SetResults replaces the canned result for keyword.
func (s *Searcher) SetResults(keyword string, res []social.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Results == nil {
		s.Results = make(map[string][]social.Candidate)
	}
	s.Results[keyword] = res
}

// SetErr sets the error returned by subsequent calls.
func (s *Searcher) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Calls returns the keywords searched so far, in call order.
func (s *Searcher) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of Search calls.
func (s *Searcher) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Reset clears recorded calls.
func (s *Searcher) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
