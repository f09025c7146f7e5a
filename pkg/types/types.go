// Package types defines the shared types used across all listenbuddy packages.
//
// These types are the common vocabulary of the ingestion pipeline, the memory
// layer, the retrieval path and the insight agent. Each package keeps its own
// domain types; cross-cutting records live here to avoid circular imports.
package types

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a capture session.
//
// Transitions only ever move forward: Open → Closing → Closed.
type SessionState int

const (
	// SessionOpen accepts audio frames and runs its insight loop.
	SessionOpen SessionState = iota

	// SessionClosing no longer accepts frames; in-flight flushes are draining.
	SessionClosing

	// SessionClosed is terminal. The session's memory stays searchable.
	SessionClosed
)

// String returns the lowercase state name.
func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *SessionState) UnmarshalText(b []byte) error {
	st, err := ParseSessionState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseSessionState parses the output of [SessionState.String].
func ParseSessionState(v string) (SessionState, error) {
	switch v {
	case "open":
		return SessionOpen, nil
	case "closing":
		return SessionClosing, nil
	case "closed":
		return SessionClosed, nil
	default:
		return 0, fmt.Errorf("types: unknown session state %q", v)
	}
}

// CanTransition reports whether moving from s to next is a legal step of the
// session state machine.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case SessionOpen:
		return next == SessionClosing
	case SessionClosing:
		return next == SessionClosed
	default:
		return false
	}
}

// Session is a single capture session.
type Session struct {
	// ID uniquely identifies the session.
	ID string `json:"id"`

	// Title is a short human-readable label. Empty until set or generated.
	Title string `json:"title,omitempty"`

	// State is the lifecycle state.
	State SessionState `json:"state"`

	// StartTime is the wall-clock time the session was opened.
	StartTime time.Time `json:"start_time"`

	// EndTime is set when the session reaches [SessionClosed].
	EndTime *time.Time `json:"end_time,omitempty"`

	// UpdatedAt is the last time the record was persisted.
	UpdatedAt time.Time `json:"updated_at"`
}

// Elapsed returns the session-relative time of now, clamped to the session's
// end time once it is closed.
func (s Session) Elapsed(now time.Time) time.Duration {
	if s.EndTime != nil && now.After(*s.EndTime) {
		now = *s.EndTime
	}
	d := now.Sub(s.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// ChunkMetadata carries optional annotations attached to a chunk at commit time.
type ChunkMetadata struct {
	Entities  []string `json:"entities,omitempty"`
	Sentiment string   `json:"sentiment,omitempty"`
}

// TranscriptChunk is the atomic unit of memory: one transcribed, embedded,
// timestamped text segment. Chunks are immutable once committed.
type TranscriptChunk struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// Seq is the 1-based commit order within the session.
	Seq int64 `json:"seq"`

	Text string `json:"text"`

	// Embedding is the vector produced by the configured embedder. Its length
	// is constant across the store.
	Embedding []float32 `json:"-"`

	// TsStart and TsEnd are seconds relative to session start, computed from
	// the cumulative count of submitted samples.
	TsStart float64 `json:"ts_start"`
	TsEnd   float64 `json:"ts_end"`

	// SpokenAt is the wall-clock time the window began. Informational only;
	// ordering always uses TsStart.
	SpokenAt time.Time `json:"spoken_at"`

	Metadata ChunkMetadata `json:"metadata"`
}

// ArtifactRef points at an external social-context artifact.
type ArtifactRef struct {
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Kind       string  `json:"kind"`
	Engagement float64 `json:"engagement"`
}

// InsightCard is a timestamped bundle of extracted notes and newly discovered
// artifacts. Cards are append-only.
type InsightCard struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// Ts is seconds relative to session start.
	Ts float64 `json:"ts"`

	Notes     []string      `json:"notes"`
	Artifacts []ArtifactRef `json:"artifacts"`
	Keywords  []string      `json:"keywords"`
	Entities  []string      `json:"entities,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Message is a single turn sent to or returned from a language model.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role    string `json:"role"`
	Content string `json:"content"`
}
