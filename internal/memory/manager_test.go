package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/config"
	"recall/internal/kg"
	"recall/internal/store"
	"recall/internal/types"
	"recall/internal/vector"
)

const testUser = "tenant-a"

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float32, len(f.vec))
	copy(out, f.vec)
	return out, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return len(f.vec) }
func (f *fakeEmbedder) Name() string    { return "fake" }

type fixture struct {
	store    *store.Store
	index    *vector.Index
	graph    *kg.Service
	embedder *fakeEmbedder
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()

	s, err := store.New(":memory:", 5*time.Second)
	require.NoError(t, err)

	idx, err := vector.New(s.DB(), 3)
	require.NoError(t, err)

	graph := kg.New(s, kg.Config{TestMode: true})
	emb := &fakeEmbedder{vec: []float32{1, 0, 0}}

	f := &fixture{
		store:    s,
		index:    idx,
		graph:    graph,
		embedder: emb,
		manager:  NewManager(s, idx, emb, graph, cfg),
	}
	t.Cleanup(func() {
		graph.Close()
		s.Close()
	})
	return f
}

func TestIngestStoresIndexesAndFeedsGraph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.manager.Ingest(ctx, store.StoreParams{
		UserID: testUser,
		Text:   "Deployed Grafana behind Caddy on the homelab",
		Tier:   types.TierPatterns,
	})
	require.NoError(t, err)

	// Entities extracted from capitalised terms when none supplied.
	assert.Contains(t, item.Entities, "grafana")
	assert.Contains(t, item.Entities, "caddy")

	count, err := f.index.Count(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stored, err := f.store.GetByID(ctx, testUser, item.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, "fake", stored.Embedding.Model)
	assert.Equal(t, 3, stored.Embedding.Dimensions)
	assert.NotEmpty(t, stored.Embedding.VectorHash)

	nodes, err := f.store.GetNodesByIDs(ctx, testUser, []string{"grafana"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, int64(1), nodes[0].Mentions)
}

func TestIngestSurvivesEmbedFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.embedder.err = errors.New("embedder down")

	item, err := f.manager.Ingest(ctx, store.StoreParams{
		UserID: testUser,
		Text:   "stored but not yet indexed",
	})
	require.NoError(t, err)

	count, err := f.index.Count(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// The reindex worker finds it once the embedder recovers.
	f.embedder.err = nil
	n, err := f.manager.ReindexPending(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err = f.index.Count(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stored, err := f.store.GetByID(ctx, testUser, item.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, "fake", stored.Embedding.Model)
}

func TestRecordOutcomeUpdatesStatsAndRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.manager.Ingest(ctx, store.StoreParams{
		UserID: testUser,
		Text:   "restart the stuck container with compose",
		Tier:   types.TierPatterns,
	})
	require.NoError(t, err)

	updated, err := f.manager.RecordOutcome(ctx, testUser, item.MemoryID, types.OutcomeWorked, "docker", []string{"docker"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Stats.Uses)
	assert.Equal(t, int64(1), updated.Stats.Worked)

	routing, err := f.store.GetRoutingStats(ctx, testUser, []string{"docker"})
	require.NoError(t, err)
	require.Contains(t, routing, "docker")
	assert.Equal(t, int64(1), routing["docker"][types.TierPatterns].Uses)
}

func TestArchiveRemovesFromIndexAndGraph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.manager.Ingest(ctx, store.StoreParams{
		UserID: testUser,
		Text:   "Postgres connection pooling notes",
		Tier:   types.TierMemoryBank,
	})
	require.NoError(t, err)
	require.NoError(t, f.manager.Archive(ctx, testUser, item.MemoryID))

	count, err := f.index.Count(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// Orphaned node is gone with its only referencing memory.
	nodes, err := f.store.GetNodesByIDs(ctx, testUser, []string{"postgres"})
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestSweepTombstonesExpiredVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := f.manager.Ingest(ctx, store.StoreParams{
		UserID:    testUser,
		Text:      "scratch note that already expired",
		Tier:      types.TierWorking,
		ExpiresAt: &past,
	})
	require.NoError(t, err)

	swept, err := f.manager.Sweep(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	count, err := f.index.Count(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
