package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/memory/postgres"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if LISTENBUDDY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LISTENBUDDY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LISTENBUDDY_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS transcript_chunks CASCADE",
		"DROP TABLE IF EXISTS insight_cards CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testChunk(session string, seq int64, ts float64, emb []float32) types.TranscriptChunk {
	return types.TranscriptChunk{
		ID:        session + "-" + string(rune('0'+seq)),
		SessionID: session,
		Seq:       seq,
		Text:      "chunk text",
		Embedding: emb,
		TsStart:   ts,
		TsEnd:     ts + 2,
		SpokenAt:  time.Now().UTC().Truncate(time.Microsecond),
		Metadata:  types.ChunkMetadata{Entities: []string{"SpaceX"}, Sentiment: "neutral"},
	}
}

func TestChunkIndex_SearchOrderAndIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, c := range []types.TranscriptChunk{
		testChunk("s1", 1, 0, []float32{0, 1, 0, 0}),
		testChunk("s1", 2, 5, []float32{1, 0, 0, 0}),
		testChunk("s1", 3, 9, []float32{1, 0, 0, 0}),
		testChunk("s2", 1, 0, []float32{1, 0, 0, 0}),
	} {
		if err := store.IndexChunk(ctx, c); err != nil {
			t.Fatalf("IndexChunk: %v", err)
		}
	}

	res, err := store.Search(ctx, []float32{1, 0, 0, 0}, 3, memory.ChunkFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	if res[0].Chunk.Seq != 3 || res[1].Chunk.Seq != 2 {
		t.Errorf("tie should favour newer ts_start: got seqs %d, %d", res[0].Chunk.Seq, res[1].Chunk.Seq)
	}
	for _, r := range res {
		if r.Chunk.SessionID != "s1" {
			t.Errorf("leaked chunk from %q", r.Chunk.SessionID)
		}
	}
	if res[0].Similarity < 0.99 {
		t.Errorf("exact match similarity = %v", res[0].Similarity)
	}
	if len(res[0].Chunk.Metadata.Entities) != 1 {
		t.Errorf("entities not round-tripped: %+v", res[0].Chunk.Metadata)
	}

	if n, _ := store.Count(ctx, memory.ChunkFilter{}); n != 4 {
		t.Errorf("Count(all) = %d, want 4", n)
	}
	after, err := store.ChunksAfter(ctx, "s1", 1, 0)
	if err != nil {
		t.Fatalf("ChunksAfter: %v", err)
	}
	if len(after) != 2 || after[0].Seq != 2 {
		t.Errorf("ChunksAfter = %+v", after)
	}
}

func TestArchive_SessionsAndInsights(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Microsecond)
	older := types.Session{ID: "old", State: types.SessionClosed, StartTime: start.Add(-time.Hour)}
	newer := types.Session{ID: "new", Title: "Rockets", State: types.SessionOpen, StartTime: start}
	for _, s := range []types.Session{older, newer} {
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	list, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" {
		t.Errorf("ListSessions order = %+v", list)
	}

	end := start.Add(time.Minute)
	newer.State = types.SessionClosed
	newer.EndTime = &end
	if err := store.SaveSession(ctx, newer); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}
	got, err := store.GetSession(ctx, "new")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != types.SessionClosed || got.EndTime == nil || !got.EndTime.Equal(end) {
		t.Errorf("GetSession = %+v", got)
	}

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	card := types.InsightCard{
		ID: "c1", SessionID: "new", Ts: 12.5,
		Notes:     []string{"Talked about Starship"},
		Artifacts: []types.ArtifactRef{{Title: "Launch", URL: "https://x.com/a/status/1", Kind: "post", Engagement: 10}},
		Keywords:  []string{"starship"},
		CreatedAt: start,
	}
	if err := store.AppendInsight(ctx, card); err != nil {
		t.Fatalf("AppendInsight: %v", err)
	}
	cards, err := store.Insights(ctx, "new")
	if err != nil {
		t.Fatalf("Insights: %v", err)
	}
	if len(cards) != 1 || cards[0].Artifacts[0].URL != card.Artifacts[0].URL || cards[0].Ts != 12.5 {
		t.Errorf("Insights = %+v", cards)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
