// Package postgres provides a PostgreSQL-backed [memory.Index] and
// [memory.Archive] sharing a single [pgxpool.Pool].
//
// Transcript chunks live in a transcript_chunks table with a pgvector HNSW
// cosine index; sessions and insight cards live in plain tables next to it.
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.IndexChunk(ctx, chunk)
//	_ = store.SaveSession(ctx, session)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlArchive = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL DEFAULT '',
    state       TEXT         NOT NULL,
    start_time  TIMESTAMPTZ  NOT NULL,
    end_time    TIMESTAMPTZ,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_start_time
    ON sessions (start_time DESC);

CREATE TABLE IF NOT EXISTS insight_cards (
    id          TEXT              PRIMARY KEY,
    session_id  TEXT              NOT NULL,
    ts          DOUBLE PRECISION  NOT NULL,
    notes       JSONB             NOT NULL DEFAULT '[]',
    artifacts   JSONB             NOT NULL DEFAULT '[]',
    keywords    JSONB             NOT NULL DEFAULT '[]',
    entities    JSONB             NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_insight_cards_session
    ON insight_cards (session_id, ts, created_at);
`

// ddlChunks returns the chunk DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS transcript_chunks (
    id          TEXT              PRIMARY KEY,
    session_id  TEXT              NOT NULL,
    seq         BIGINT            NOT NULL,
    text        TEXT              NOT NULL,
    embedding   vector(%d)        NOT NULL,
    ts_start    DOUBLE PRECISION  NOT NULL,
    ts_end      DOUBLE PRECISION  NOT NULL,
    spoken_at   TIMESTAMPTZ       NOT NULL,
    entities    JSONB             NOT NULL DEFAULT '[]',
    sentiment   TEXT              NOT NULL DEFAULT '',
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transcript_chunks_embedding
    ON transcript_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the embedder configured for the deployment.
// Changing it after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	for _, stmt := range []string{ddlChunks(embeddingDimensions), ddlArchive} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
