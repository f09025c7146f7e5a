package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

const sessionColumns = "id, title, state, start_time, end_time, updated_at"

// SaveSession implements [memory.Archive].
func (s *Store) SaveSession(ctx context.Context, sess types.Session) error {
	const q = `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    title      = EXCLUDED.title,
		    state      = EXCLUDED.state,
		    end_time   = EXCLUDED.end_time,
		    updated_at = EXCLUDED.updated_at`

	updated := sess.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, q, sess.ID, sess.Title, sess.State.String(), sess.StartTime, sess.EndTime, updated)
	if err != nil {
		return fmt.Errorf("archive: save session: %w", err)
	}
	return nil
}

// GetSession implements [memory.Archive].
func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if err != nil {
		return types.Session{}, fmt.Errorf("archive: get session: %w", err)
	}
	sess, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Session{}, fmt.Errorf("archive: session %q: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("archive: get session: %w", err)
	}
	return sess, nil
}

// ListSessions implements [memory.Archive].
func (s *Store) ListSessions(ctx context.Context) ([]types.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY start_time DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("archive: scan sessions: %w", err)
	}
	if out == nil {
		out = []types.Session{}
	}
	return out, nil
}

func scanSession(row pgx.CollectableRow) (types.Session, error) {
	var (
		sess  types.Session
		state string
	)
	if err := row.Scan(&sess.ID, &sess.Title, &state, &sess.StartTime, &sess.EndTime, &sess.UpdatedAt); err != nil {
		return types.Session{}, err
	}
	st, err := types.ParseSessionState(state)
	if err != nil {
		return types.Session{}, err
	}
	sess.State = st
	return sess, nil
}

// AppendInsight implements [memory.Archive].
func (s *Store) AppendInsight(ctx context.Context, card types.InsightCard) error {
	cols, err := marshalCard(card)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	const q = `
		INSERT INTO insight_cards (id, session_id, ts, notes, artifacts, keywords, entities, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7::jsonb, $8)`
	_, err = s.pool.Exec(ctx, q, card.ID, card.SessionID, card.Ts,
		cols[0], cols[1], cols[2], cols[3], card.CreatedAt)
	if err != nil {
		return fmt.Errorf("archive: append insight: %w", err)
	}
	return nil
}

// Insights implements [memory.Archive].
func (s *Store) Insights(ctx context.Context, sessionID string) ([]types.InsightCard, error) {
	const q = `
		SELECT id, session_id, ts, notes, artifacts, keywords, entities, created_at
		FROM   insight_cards
		WHERE  session_id = $1
		ORDER  BY ts, created_at, id`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: insights: %w", err)
	}
	cards, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.InsightCard, error) {
		var (
			c                                   types.InsightCard
			notes, artifacts, keywords, entities []byte
		)
		if err := row.Scan(&c.ID, &c.SessionID, &c.Ts, &notes, &artifacts, &keywords, &entities, &c.CreatedAt); err != nil {
			return types.InsightCard{}, err
		}
		if err := unmarshalCard(&c, notes, artifacts, keywords, entities); err != nil {
			return types.InsightCard{}, err
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan insights: %w", err)
	}
	if cards == nil {
		cards = []types.InsightCard{}
	}
	return cards, nil
}

// marshalCard returns the JSON encodings of notes, artifacts, keywords and
// entities in that order.
func marshalCard(card types.InsightCard) ([4]string, error) {
	var out [4]string
	for i, v := range []any{nonNil(card.Notes), nonNil(card.Artifacts), nonNil(card.Keywords), nonNil(card.Entities)} {
		b, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("marshal card %q: %w", card.ID, err)
		}
		out[i] = string(b)
	}
	return out, nil
}

func unmarshalCard(c *types.InsightCard, notes, artifacts, keywords, entities []byte) error {
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{notes, &c.Notes}, {artifacts, &c.Artifacts}, {keywords, &c.Keywords}, {entities, &c.Entities},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return fmt.Errorf("unmarshal card %q: %w", c.ID, err)
		}
	}
	return nil
}
