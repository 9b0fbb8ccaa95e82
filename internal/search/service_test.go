package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/config"
	"recall/internal/store"
	"recall/internal/types"
	"recall/internal/vector"
)

const testUser = "user-1"

// fakeEmbedder returns one fixed query vector, or an error.
type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
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

// fakeReranker returns fixed scores aligned to document order.
type fakeReranker struct {
	scores []float64
	err    error
	calls  int
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(docs))
	copy(out, f.scores)
	return out, nil
}

type harness struct {
	store    *store.Store
	index    *vector.Index
	embedder *fakeEmbedder
	reranker *fakeReranker
	svc      *Service
	cfg      *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Embedding.Dimensions = 3

	s, err := store.New(":memory:", 2*time.Second)
	require.NoError(t, err)
	idx, err := vector.New(s.DB(), 3)
	require.NoError(t, err)

	h := &harness{
		store:    s,
		index:    idx,
		embedder: &fakeEmbedder{vec: []float32{1, 0, 0}},
		reranker: &fakeReranker{},
		cfg:      cfg,
	}
	h.svc = New(s, idx, h.embedder, h.reranker, cfg)
	t.Cleanup(func() {
		h.svc.Close()
		s.Close()
	})
	return h
}

// seed stores an item, forces its learning stats, and indexes its vector.
func (h *harness) seed(t *testing.T, text string, tier types.Tier, wilson float64, uses int64, vec []float32) string {
	t.Helper()

	item, err := h.store.StoreMemory(context.Background(), store.StoreParams{
		UserID: testUser, Text: text, Tier: tier,
	})
	require.NoError(t, err)

	_, err = h.store.DB().Exec(
		`UPDATE memory_items SET wilson_score = ?, uses = ?, success_count = ? WHERE memory_id = ?`,
		wilson, uses, wilson*float64(uses), item.MemoryID)
	require.NoError(t, err)

	if vec != nil {
		require.NoError(t, h.index.Upsert(context.Background(), testUser, item.MemoryID, vec, vector.Payload{
			Tier: item.Tier, Status: types.StatusActive, Content: text,
			Uses: uses, CompositeScore: wilson,
		}))
	}
	return item.MemoryID
}

func TestHybridRankingWithSnippetFilter(t *testing.T) {
	h := newHarness(t)

	a := h.seed(t, "Docker networking bridges containers together", types.TierPatterns, 0.9, 10, []float32{0.95, 0.05, 0})
	b := h.seed(t, "Bridge networks in Docker", types.TierHistory, 0.5, 1, []float32{0.85, 0.15, 0})
	c := h.seed(t, "User: what is a bridge?\nAssistant: a network device", types.TierWorking, 0.8, 5, []float32{0.9, 0.1, 0})

	resp, err := h.svc.Search(context.Background(), Params{
		UserID: testUser, Query: "docker bridge network", Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, a, resp.Results[0].MemoryID)
	assert.Equal(t, b, resp.Results[1].MemoryID)
	for _, result := range resp.Results {
		assert.NotEqual(t, c, result.MemoryID, "conversation snippet must be filtered")
	}

	assert.Equal(t, 1, resp.Results[0].Position)
	assert.Greater(t, resp.Results[0].Scores.RRF, resp.Results[1].Scores.RRF)
	assert.Contains(t, resp.Debug.TimingsMS, "embed")
	assert.Contains(t, resp.Debug.TimingsMS, "fuse")
}

func TestWilsonBlendColdStartFloor(t *testing.T) {
	h := newHarness(t)

	// m1: dense-only hit, uses below the floor — no blend.
	m1 := h.seed(t, "completely unrelated dense content", types.TierMemoryBank, 1.0, 2, []float32{1, 0, 0})
	// m2: lexical-only hit at the same rank, established — blended.
	m2 := h.seed(t, "quantum flux stabiliser notes", types.TierMemoryBank, 1.0, 3, nil)

	resp, err := h.svc.Search(context.Background(), Params{
		UserID: testUser, Query: "quantum flux", Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// Identical pre-blend RRF (rank 1 in one modality each, same tier), so
	// only the blend separates them.
	assert.Equal(t, m2, resp.Results[0].MemoryID)
	assert.Equal(t, m1, resp.Results[1].MemoryID)

	m1Final := resp.Results[1].Scores.Final
	m2Final := resp.Results[0].Scores.Final
	assert.InDelta(t, 0.8*m1Final+0.2*1.0, m2Final, 1e-9)
}

func TestLexicalBreakerDegradesToVectorOnly(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "vector side still serves", types.TierMemoryBank, 0.5, 0, []float32{1, 0, 0})

	// Break the lexical backend outright.
	_, err := h.store.DB().Exec(`DROP TABLE memory_fts`)
	require.NoError(t, err)

	for i := 0; i < h.cfg.Breakers.Lexical.FailureThreshold; i++ {
		_, err := h.svc.Search(context.Background(), Params{UserID: testUser, Query: "anything", Limit: 5})
		require.NoError(t, err)
	}

	// Breaker is open now: lexical short-circuits silently, vector carries
	// the search. Only the fallback is recorded, not an error.
	resp, err := h.svc.Search(context.Background(), Params{UserID: testUser, Query: "anything", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Debug.Fallbacks, FallbackVectorOnly)
	assert.NotContains(t, resp.Debug.Errors, "lexical")
}

func TestEmbedFailureFallsBackToLexicalOnly(t *testing.T) {
	h := newHarness(t)
	h.embedder.err = errors.New("ollama down")
	m := h.seed(t, "lexical rescue entry", types.TierPatterns, 0.5, 0, nil)

	resp, err := h.svc.Search(context.Background(), Params{UserID: testUser, Query: "rescue", Limit: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, m, resp.Results[0].MemoryID)
	assert.Contains(t, resp.Debug.Fallbacks, FallbackLexicalOnly)
	assert.Contains(t, resp.Debug.Errors, "embed")
}

func TestEmptyQueryReturnsEmpty(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.Search(context.Background(), Params{UserID: testUser, Query: "   "})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, types.ConfidenceLow, resp.Debug.Confidence)

	_, err = h.svc.Search(context.Background(), Params{Query: "no user"})
	assert.Error(t, err)
}

func TestRerankBlendAndQualityBoost(t *testing.T) {
	h := newHarness(t)

	boosted := h.seed(t, "established memory bank entry about caddy", types.TierMemoryBank, 0.5, 5, []float32{0.9, 0.1, 0})
	plain := h.seed(t, "pattern entry about caddy reload", types.TierPatterns, 0.5, 5, []float32{0.95, 0.05, 0})

	// Head order after fusion is by RRF; the reranker strongly prefers the
	// second document.
	h.reranker.scores = []float64{0.1, 0.9}

	resp, err := h.svc.Search(context.Background(), Params{
		UserID: testUser, Query: "caddy", Limit: 5, EnableRerank: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 1, h.reranker.calls)

	for _, result := range resp.Results {
		switch result.MemoryID {
		case plain:
			// finalScore = rrf×0.6 + ce×0.4, no quality boost outside
			// memory_bank.
			assert.InDelta(t, result.Scores.RRF*0.6+result.Scores.CrossScore*0.4, result.Scores.Final, 1e-9)
		case boosted:
			// memory_bank with uses≥3 additionally gets ×(1+0.2·wilson),
			// then the Wilson blend.
			preBlend := (result.Scores.RRF*0.6 + result.Scores.CrossScore*0.4) * (1 + 0.2*0.5)
			assert.InDelta(t, 0.8*preBlend+0.2*0.5, result.Scores.Final, 1e-9)
		default:
			t.Fatalf("unexpected result %s", result.MemoryID)
		}
	}
}

func TestRerankFailureKeepsPreRankOrder(t *testing.T) {
	h := newHarness(t)
	h.reranker.err = errors.New("reranker down")

	first := h.seed(t, "alpha entry", types.TierPatterns, 0.5, 0, []float32{0.99, 0.01, 0})
	h.seed(t, "beta entry", types.TierPatterns, 0.5, 0, []float32{0.7, 0.3, 0})

	resp, err := h.svc.Search(context.Background(), Params{
		UserID: testUser, Query: "unmatched-token", Limit: 5, EnableRerank: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, first, resp.Results[0].MemoryID)
	assert.Contains(t, resp.Debug.Fallbacks, FallbackRerankSkipped)
	assert.Contains(t, resp.Debug.Errors, "rerank")
}

func TestRerankBreakerOpenSkipsSilently(t *testing.T) {
	h := newHarness(t)
	h.reranker.err = errors.New("reranker down")
	h.seed(t, "caddy reload fix", types.TierPatterns, 0.5, 0, []float32{1, 0, 0})

	// Trip the reranker breaker with real failures; each one is an error.
	for i := 0; i < h.cfg.Breakers.Reranker.FailureThreshold; i++ {
		resp, err := h.svc.Search(context.Background(), Params{
			UserID: testUser, Query: "caddy", Limit: 5, EnableRerank: true,
		})
		require.NoError(t, err)
		assert.Contains(t, resp.Debug.Errors, "rerank")
	}

	// While open, the rerank stage is skipped without an error entry, so the
	// open window cannot cap confidence.
	resp, err := h.svc.Search(context.Background(), Params{
		UserID: testUser, Query: "caddy", Limit: 5, EnableRerank: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Debug.Fallbacks, FallbackRerankSkipped)
	assert.NotContains(t, resp.Debug.Errors, "rerank")
}

func TestZeroResultDriftTriggersReindex(t *testing.T) {
	h := newHarness(t)

	// Two stored items, neither indexed: the vector index has drifted.
	h.seed(t, "alpha note", types.TierWorking, 0.5, 0, nil)
	h.seed(t, "bravo note", types.TierWorking, 0.5, 0, nil)

	var mu sync.Mutex
	var calls int
	var gotUser string
	var gotBatch int
	h.svc.SetReindexer(func(ctx context.Context, userID string, batch int) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		gotUser = userID
		gotBatch = batch
		return batch, nil
	})

	// A query matching nothing returns zero results and fires the drift
	// diagnostic off the request path.
	resp, err := h.svc.Search(context.Background(), Params{UserID: testUser, Query: "zzz-unmatched", Limit: 5})
	require.NoError(t, err)
	require.Empty(t, resp.Results)
	require.NoError(t, h.svc.Close())

	mu.Lock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, testUser, gotUser)
	assert.Equal(t, 2, gotBatch)
	mu.Unlock()
}

func TestMinScoreFilters(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "only hit", types.TierHistory, 0.5, 0, []float32{1, 0, 0})

	resp, err := h.svc.Search(context.Background(), Params{
		UserID: testUser, Query: "unmatched-token", Limit: 5, MinScore: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestEntityPreFilterFallsBackOnZeroMatches(t *testing.T) {
	h := newHarness(t)
	m := h.seed(t, "nginx upstream tuning", types.TierPatterns, 0.5, 0, []float32{1, 0, 0})

	resp, err := h.svc.Search(context.Background(), Params{
		UserID: testUser, Query: "unmatched-token", Limit: 5,
		QueryEntities: []string{"no-such-entity"}, EnableEntityPreFilter: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, m, resp.Results[0].MemoryID)
	assert.Contains(t, resp.Debug.Fallbacks, FallbackEntityBypass)
}

func TestKnownSolutionFastPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pinned := h.seed(t, "run docker with --network host", types.TierPatterns, 0.9, 8, nil)
	require.NoError(t, h.store.RecordKnownSolution(ctx, testUser, "container cannot reach host", pinned))

	result, err := h.svc.KnownSolution(ctx, testUser, "container cannot reach host")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, pinned, result.MemoryID)
	assert.Equal(t, types.TierPatterns, result.Tier)
	assert.InDelta(t, 999.0, result.Scores.Final, 1e-9)

	miss, err := h.svc.KnownSolution(ctx, testUser, "never seen problem")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestTieBreakIsStable(t *testing.T) {
	cands := []*candidate{
		{memoryID: "a", final: 0.5, order: 0},
		{memoryID: "b", final: 0.5, order: 1},
		{memoryID: "c", final: 0.9, order: 2},
	}
	sortCandidates(cands)
	assert.Equal(t, "c", cands[0].memoryID)
	assert.Equal(t, "a", cands[1].memoryID)
	assert.Equal(t, "b", cands[2].memoryID)
}

func TestConversationSnippetPatterns(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"User: hello", true},
		{"Assistant: hi", true},
		{"some text <think>internal</think>", true},
		{"Detailed Results: ...", true},
		{"[Tool Result] ok", true},
		{"A note mentioning User: in the middle", false},
		{"ordinary working note", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, isConversationSnippet(types.TierWorking, tc.content), tc.content)
	}
	// Only the working tier is filtered.
	assert.False(t, isConversationSnippet(types.TierPatterns, "User: hello"))
}
