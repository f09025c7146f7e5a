// Package sqlite provides a [memory.Archive] stored in a single SQLite file
// through the pure-Go modernc.org/sqlite driver.
//
// Times are stored as fractional Unix seconds (REAL); card lists are stored
// as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

var _ memory.Archive = (*Archive)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	startedAt  REAL NOT NULL,
	endedAt    REAL,
	updatedAt  REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions (startedAt DESC);

CREATE TABLE IF NOT EXISTS insight_cards (
	id         TEXT PRIMARY KEY,
	sessionId  TEXT NOT NULL,
	ts         REAL NOT NULL,
	notes      TEXT NOT NULL DEFAULT '[]',
	artifacts  TEXT NOT NULL DEFAULT '[]',
	keywords   TEXT NOT NULL DEFAULT '[]',
	entities   TEXT NOT NULL DEFAULT '[]',
	createdAt  REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_insight_cards_session ON insight_cards (sessionId, ts, createdAt);
`

// Archive implements memory.Archive on SQLite.
type Archive struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at path with WAL journaling and
// applies the schema. path ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Archive, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: open database: %w", err)
	}
	// SQLite serialises writers; one connection also keeps an in-memory
	// database from being split across connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite archive: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite archive: apply schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// SaveSession implements memory.Archive.
func (a *Archive) SaveSession(ctx context.Context, s types.Session) error {
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	var ended sql.NullFloat64
	if s.EndTime != nil {
		ended = sql.NullFloat64{Float64: unixFromTime(*s.EndTime), Valid: true}
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, state, startedAt, endedAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			state = excluded.state,
			endedAt = excluded.endedAt,
			updatedAt = excluded.updatedAt
	`, s.ID, s.Title, s.State.String(), unixFromTime(s.StartTime), ended, unixFromTime(updated))
	if err != nil {
		return fmt.Errorf("sqlite archive: save session: %w", err)
	}
	return nil
}

// GetSession implements memory.Archive.
func (a *Archive) GetSession(ctx context.Context, id string) (types.Session, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, title, state, startedAt, endedAt, updatedAt
		FROM sessions
		WHERE id = ?
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Session{}, fmt.Errorf("sqlite archive: session %q: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("sqlite archive: get session: %w", err)
	}
	return s, nil
}

// ListSessions implements memory.Archive.
func (a *Archive) ListSessions(ctx context.Context) ([]types.Session, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, title, state, startedAt, endedAt, updatedAt
		FROM sessions
		ORDER BY startedAt DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: list sessions: %w", err)
	}
	defer rows.Close()

	out := []types.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite archive: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (types.Session, error) {
	var (
		s                  types.Session
		state              string
		startedAt, updated float64
		endedAt            sql.NullFloat64
	)
	if err := row.Scan(&s.ID, &s.Title, &state, &startedAt, &endedAt, &updated); err != nil {
		return types.Session{}, err
	}
	st, err := types.ParseSessionState(state)
	if err != nil {
		return types.Session{}, err
	}
	s.State = st
	s.StartTime = timeFromUnix(startedAt)
	s.UpdatedAt = timeFromUnix(updated)
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		s.EndTime = &t
	}
	return s, nil
}

// AppendInsight implements memory.Archive.
func (a *Archive) AppendInsight(ctx context.Context, c types.InsightCard) error {
	enc := make([]string, 0, 4)
	for _, v := range []any{orEmpty(c.Notes), orEmpty(c.Artifacts), orEmpty(c.Keywords), orEmpty(c.Entities)} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("sqlite archive: marshal card %q: %w", c.ID, err)
		}
		enc = append(enc, string(b))
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO insight_cards (id, sessionId, ts, notes, artifacts, keywords, entities, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SessionID, c.Ts, enc[0], enc[1], enc[2], enc[3], unixFromTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite archive: append insight: %w", err)
	}
	return nil
}

// Insights implements memory.Archive.
func (a *Archive) Insights(ctx context.Context, sessionID string) ([]types.InsightCard, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, sessionId, ts, notes, artifacts, keywords, entities, createdAt
		FROM insight_cards
		WHERE sessionId = ?
		ORDER BY ts ASC, createdAt ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: insights: %w", err)
	}
	defer rows.Close()

	out := []types.InsightCard{}
	for rows.Next() {
		var (
			c                                   types.InsightCard
			notes, artifacts, keywords, entities string
			createdAt                            float64
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Ts, &notes, &artifacts, &keywords, &entities, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite archive: scan insight: %w", err)
		}
		c.CreatedAt = timeFromUnix(createdAt)
		for _, f := range []struct {
			raw string
			dst any
		}{{notes, &c.Notes}, {artifacts, &c.Artifacts}, {keywords, &c.Keywords}, {entities, &c.Entities}} {
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, fmt.Errorf("sqlite archive: decode card %q: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ping implements memory.Archive.
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close implements memory.Archive.
func (a *Archive) Close() error {
	return a.db.Close()
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// timeFromUnix rounds to the microsecond; a float64 cannot carry more.
func timeFromUnix(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
