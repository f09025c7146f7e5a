package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

const chunkColumns = "id, session_id, seq, text, embedding, ts_start, ts_end, spoken_at, entities, sentiment"

// IndexChunk implements [memory.Index]. It upserts chunk into the
// transcript_chunks table.
func (s *Store) IndexChunk(ctx context.Context, chunk types.TranscriptChunk) error {
	entities, err := json.Marshal(nonNil(chunk.Metadata.Entities))
	if err != nil {
		return fmt.Errorf("chunk index: marshal entities: %w", err)
	}

	const q = `
		INSERT INTO transcript_chunks (` + chunkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
		ON CONFLICT (id) DO UPDATE SET
		    text      = EXCLUDED.text,
		    embedding = EXCLUDED.embedding,
		    ts_start  = EXCLUDED.ts_start,
		    ts_end    = EXCLUDED.ts_end,
		    spoken_at = EXCLUDED.spoken_at,
		    entities  = EXCLUDED.entities,
		    sentiment = EXCLUDED.sentiment`

	_, err = s.pool.Exec(ctx, q,
		chunk.ID,
		chunk.SessionID,
		chunk.Seq,
		chunk.Text,
		pgvector.NewVector(chunk.Embedding),
		chunk.TsStart,
		chunk.TsEnd,
		chunk.SpokenAt,
		string(entities),
		chunk.Metadata.Sentiment,
	)
	if err != nil {
		return fmt.Errorf("chunk index: index chunk: %w", err)
	}
	return nil
}

// Search implements [memory.Index]. Results are ordered by ascending cosine
// distance with ties broken by newer ts_start.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter memory.ChunkFilter) ([]memory.ChunkResult, error) {
	if topK <= 0 {
		return []memory.ChunkResult{}, nil
	}
	args := []any{pgvector.NewVector(embedding)}
	where := ""
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where = "WHERE session_id = $2"
	}
	args = append(args, topK)

	q := fmt.Sprintf(`
		SELECT %s, embedding <=> $1 AS distance
		FROM   transcript_chunks
		%s
		ORDER  BY distance, ts_start DESC, seq DESC, id
		LIMIT  $%d`, chunkColumns, where, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk index: search: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ChunkResult, error) {
		var distance float64
		c, err := scanChunk(row, &distance)
		if err != nil {
			return memory.ChunkResult{}, err
		}
		return memory.ChunkResult{Chunk: c, Similarity: 1 - distance}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk index: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.ChunkResult{}
	}
	memory.SortResults(results)
	return results, nil
}

// Count implements [memory.Index].
func (s *Store) Count(ctx context.Context, filter memory.ChunkFilter) (int, error) {
	var (
		n   int
		err error
	)
	if filter.SessionID != "" {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM transcript_chunks WHERE session_id = $1`, filter.SessionID).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM transcript_chunks`).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("chunk index: count: %w", err)
	}
	return n, nil
}

// ChunksAfter implements [memory.Index].
func (s *Store) ChunksAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]types.TranscriptChunk, error) {
	q := `SELECT ` + chunkColumns + `
		FROM   transcript_chunks
		WHERE  session_id = $1 AND seq > $2
		ORDER  BY seq`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk index: chunks after: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptChunk, error) {
		return scanChunk(row)
	})
	if err != nil {
		return nil, fmt.Errorf("chunk index: scan rows: %w", err)
	}
	if chunks == nil {
		chunks = []types.TranscriptChunk{}
	}
	return chunks, nil
}

// Dimensions implements [memory.Index]. The dimension is fixed by the schema.
func (s *Store) Dimensions(context.Context) (int, error) {
	return s.dims, nil
}

// scanChunk scans chunkColumns plus any extra trailing destinations.
func scanChunk(row pgx.CollectableRow, extra ...any) (types.TranscriptChunk, error) {
	var (
		c        types.TranscriptChunk
		vec      pgvector.Vector
		entities []byte
	)
	dest := append([]any{
		&c.ID, &c.SessionID, &c.Seq, &c.Text, &vec,
		&c.TsStart, &c.TsEnd, &c.SpokenAt, &entities, &c.Metadata.Sentiment,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return types.TranscriptChunk{}, err
	}
	c.Embedding = vec.Slice()
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &c.Metadata.Entities); err != nil {
			return types.TranscriptChunk{}, fmt.Errorf("unmarshal entities: %w", err)
		}
	}
	if len(c.Metadata.Entities) == 0 {
		c.Metadata.Entities = nil
	}
	return c, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
