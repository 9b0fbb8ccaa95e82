package vector

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"recall/internal/logging"
	"recall/internal/types"
)

func newTestIndex(t *testing.T, dims int) *Index {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	idx, err := New(db, dims)
	require.NoError(t, err)
	return idx
}

func activePayload(tier types.Tier, content string, entities ...string) Payload {
	return Payload{Tier: tier, Status: types.StatusActive, Content: content, Entities: entities}
}

func TestUpsertAndSearchOrdering(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "u1", "close", []float32{1, 0, 0}, activePayload(types.TierMemoryBank, "close match")))
	require.NoError(t, idx.Upsert(ctx, "u1", "near", []float32{0.9, 0.1, 0}, activePayload(types.TierMemoryBank, "near match")))
	require.NoError(t, idx.Upsert(ctx, "u1", "far", []float32{0, 0, 1}, activePayload(types.TierMemoryBank, "far away")))

	hits, err := idx.Search(ctx, "u1", []float32{1, 0, 0}, SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, "close", hits[0].MemoryID)
	assert.Equal(t, "near", hits[1].MemoryID)
	assert.Equal(t, "far", hits[2].MemoryID)

	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.InDelta(t, 1.0/61.0, hits[0].Score, 1e-9)
	assert.InDelta(t, 1.0/62.0, hits[1].Score, 1e-9)
	assert.Equal(t, 1, hits[0].Rank)
}

func TestUpsertReplacesVector(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "u1", "m1", []float32{0, 0, 1}, activePayload(types.TierWorking, "v1")))
	require.NoError(t, idx.Upsert(ctx, "u1", "m1", []float32{1, 0, 0}, activePayload(types.TierWorking, "v2")))

	count, err := idx.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	hits, err := idx.Search(ctx, "u1", []float32{1, 0, 0}, SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "v2", hits[0].Content)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
}

func TestSearchFilters(t *testing.T) {
	idx := newTestIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "u1", "pattern", []float32{1, 0},
		activePayload(types.TierPatterns, "pattern item", "docker")))
	require.NoError(t, idx.Upsert(ctx, "u1", "working", []float32{1, 0},
		activePayload(types.TierWorking, "working item", "grafana")))
	require.NoError(t, idx.Upsert(ctx, "u1", "archived", []float32{1, 0},
		Payload{Tier: types.TierPatterns, Status: types.StatusArchived, Content: "gone"}))

	t.Run("tier filter", func(t *testing.T) {
		hits, err := idx.Search(ctx, "u1", []float32{1, 0}, SearchOptions{
			Tiers: []types.Tier{types.TierPatterns}, Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "pattern", hits[0].MemoryID)
	})

	t.Run("entity filter", func(t *testing.T) {
		hits, err := idx.Search(ctx, "u1", []float32{1, 0}, SearchOptions{
			Entities: []string{"docker"}, Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "pattern", hits[0].MemoryID)
	})

	t.Run("archived invisible", func(t *testing.T) {
		hits, err := idx.Search(ctx, "u1", []float32{1, 0}, SearchOptions{Limit: 10})
		require.NoError(t, err)
		for _, hit := range hits {
			assert.NotEqual(t, "archived", hit.MemoryID)
		}
	})

	t.Run("user isolation", func(t *testing.T) {
		hits, err := idx.Search(ctx, "u2", []float32{1, 0}, SearchOptions{Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestDelete(t *testing.T) {
	idx := newTestIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "u1", "m1", []float32{1, 0}, activePayload(types.TierWorking, "x")))
	require.NoError(t, idx.Delete(ctx, "u1", "m1"))
	// Deleting again is a no-op.
	require.NoError(t, idx.Delete(ctx, "u1", "m1"))

	count, err := idx.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	err := idx.Upsert(ctx, "u1", "m1", []float32{1, 0}, activePayload(types.TierWorking, "x"))
	assert.ErrorContains(t, err, "dims")

	_, err = idx.Search(ctx, "u1", []float32{1, 0}, SearchOptions{})
	assert.ErrorContains(t, err, "dims")
}

func TestFastSearchLogsNoSlowQueryWarning(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, logging.Initialize(dir, logging.Settings{DebugMode: true, Level: "warn"}))
	t.Cleanup(func() {
		logging.CloseAll()
		_ = logging.Initialize("", logging.Settings{})
	})

	idx := newTestIndex(t, 3)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "u1", "m1", []float32{1, 0, 0}, activePayload(types.TierWorking, "x")))

	_, err := idx.Search(ctx, "u1", []float32{1, 0, 0}, SearchOptions{Limit: 5})
	require.NoError(t, err)
	logging.CloseAll()

	// A millisecond-scale search sits far under the slow-query threshold, so
	// the vector log must not carry a threshold warning.
	logPath := filepath.Join(dir, "logs", time.Now().Format("2006-01-02")+"_vector.log")
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.NotContains(t, string(data), "threshold")
}

func TestVectorCodecRoundtrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.0}
	blob, err := encodeVector(in)
	require.NoError(t, err)
	assert.Len(t, blob, 12)

	out, err := decodeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.ErrorContains(t, err, "malformed")
}
