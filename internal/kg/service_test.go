package kg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"recall/internal/store"
	"recall/internal/types"
)

const testUser = "user-1"

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:", 2*time.Second)
	require.NoError(t, err)
	svc := New(s, Config{TestMode: true})
	t.Cleanup(func() {
		svc.Close()
		s.Close()
	})
	return svc, s
}

func TestExtractEntities(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "capitalised tokens",
			text: "Docker networking uses Linux bridges under the hood",
			want: []string{"docker", "linux"},
		},
		{
			name: "stopwords and blocklist filtered",
			text: "The Assistant searched Memory for This and That with Grafana",
			want: []string{"grafana"},
		},
		{
			name: "hebrew tokens kept",
			text: "ההגדרות של קוברנטיס מסובכות",
			want: []string{"ההגדרות", "קוברנטיס", "מסובכות"},
		},
		{
			name: "empty on plain prose",
			text: "nothing capitalised in here at all",
			want: nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractEntities(tc.text))
		})
	}
}

func TestExtractEntitiesCap(t *testing.T) {
	text := "Alpha Bravo Charlie Delta Echo Foxtrot Golf Hotel India Juliett Kilo Lima"
	got := ExtractEntities(text)
	assert.Len(t, got, maxEntities)
}

func TestDetectContextType(t *testing.T) {
	tests := []struct {
		query string
		want  types.ContextType
	}{
		{"my docker container keeps restarting", types.ContextDocker},
		{"I hit an error in the build", types.ContextDebugging},
		{"find a dataset on data.gov", types.ContextDatagovQuery},
		{"summarize this pdf for me", types.ContextDocRAG},
		{"refactor this function please", types.ContextCodingHelp},
		{"search the web for release notes", types.ContextWebSearch},
		{"remember that I prefer tabs", types.ContextMemoryManagement},
		{"hello there", types.ContextGeneral},
		// docker wins over debugging by precedence
		{"error starting docker daemon", types.ContextDocker},
		// bilingual
		{"יש לי שגיאה בקוד", types.ContextDebugging},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, DetectContextType(tc.query, nil), "query: %s", tc.query)
	}
}

func TestDetectContextTypeUsesRecentMessages(t *testing.T) {
	got := DetectContextType("and now?", []string{"the Dockerfile build failed"})
	assert.Equal(t, types.ContextDocker, got)
}

func TestContentGraphFlow(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	svc.UpdateContentKG(ctx, testUser, "m1", []string{"docker", "network"}, 0.8, 0.6)
	svc.UpdateContentKG(ctx, testUser, "m2", []string{"docker", "compose"}, 0.9, 0.9)

	nodes, err := s.GetNodesByIDs(ctx, testUser, []string{"docker"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, int64(2), nodes[0].Mentions)
	assert.ElementsMatch(t, []string{"m1", "m2"}, nodes[0].MemoryIDs)

	boosts, err := svc.GetEntityBoosts(ctx, testUser, []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Greater(t, boosts["m1"], 0.0)
	assert.LessOrEqual(t, boosts["m1"], 0.5)
	assert.NotContains(t, boosts, "m3")

	related, err := svc.GetRelatedEntities(ctx, testUser, []string{"docker"}, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"network", "compose"}, related)
}

func TestCleanupMemoryReferences(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	svc.UpdateContentKG(ctx, testUser, "m1", []string{"redis", "cache"}, 0.5, 0.5)
	require.NoError(t, svc.CleanupMemoryReferences(ctx, testUser, "m1"))

	nodes, err := s.GetNodesByIDs(ctx, testUser, []string{"redis", "cache"})
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestTierPlanDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	plan, err := svc.GetTierPlan(ctx, testUser, nil)
	require.NoError(t, err)
	assert.Equal(t, PlanSourceDefault, plan.Source)
	assert.InDelta(t, 0.3, plan.Confidence, 1e-9)
	assert.Equal(t, types.AllTiers, plan.Tiers)

	// Concepts without history behave the same.
	plan, err = svc.GetTierPlan(ctx, testUser, []string{"terraform"})
	require.NoError(t, err)
	assert.Equal(t, PlanSourceDefault, plan.Source)
	assert.InDelta(t, 0.3, plan.Confidence, 1e-9)
}

func TestTierPlanFromRoutingStats(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Build strong history for patterns and memory_bank under "docker".
	for i := 0; i < 10; i++ {
		require.NoError(t, svc.UpdateRoutingStats(ctx, testUser, []string{"docker"},
			[]types.Tier{types.TierPatterns, types.TierMemoryBank}, types.OutcomeWorked))
	}

	plan, err := svc.GetTierPlan(ctx, testUser, []string{"docker"})
	require.NoError(t, err)
	assert.Equal(t, PlanSourceRoutingKG, plan.Source)
	assert.Contains(t, plan.Tiers, types.TierWorking)
	assert.Contains(t, plan.Tiers, types.TierPatterns)
	assert.Contains(t, plan.Tiers, types.TierMemoryBank)
	assert.LessOrEqual(t, len(plan.Tiers), 4)
	assert.Greater(t, plan.Confidence, 0.4)
	assert.LessOrEqual(t, plan.Confidence, 0.95)
}

func TestTierPlanWeakStatsFallBack(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// One failed observation: a single weak tier.
	require.NoError(t, svc.UpdateRoutingStats(ctx, testUser, []string{"docker"},
		[]types.Tier{types.TierPatterns}, types.OutcomeFailed))

	plan, err := svc.GetTierPlan(ctx, testUser, []string{"docker"})
	require.NoError(t, err)
	assert.Equal(t, PlanSourceDefault, plan.Source)
	assert.InDelta(t, 0.4, plan.Confidence, 1e-9)
	assert.Equal(t, types.AllTiers, plan.Tiers)
}

func TestTurnLifecycleExactlyOnce(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	svc.StartTurn("conv1", "t1", types.ContextDocker, "why does my container lose network")
	svc.RecordAction("conv1", "t1", "search_patterns", types.TierPatterns, []string{"m1"}, "")
	svc.RecordAction("conv1", "t1", "search_history", types.TierHistory, nil, "")
	assert.Equal(t, 1, svc.OpenTurns())

	require.NoError(t, svc.ApplyOutcomeToTurn(ctx, testUser, "conv1", "t1", types.OutcomeWorked))
	assert.Equal(t, 0, svc.OpenTurns())

	// Replaying the outcome finds no buffer: exactly-once attribution.
	require.NoError(t, svc.ApplyOutcomeToTurn(ctx, testUser, "conv1", "t1", types.OutcomeWorked))

	cells, err := s.GetActionEffectiveness(ctx, testUser, string(types.ContextDocker), 10)
	require.NoError(t, err)
	require.Len(t, cells, 2)
	for _, cell := range cells {
		assert.Equal(t, int64(1), cell.Stats.Uses)
		require.Len(t, cell.Examples, 1)
		assert.Equal(t, "why does my container lose network", cell.Examples[0])
	}
}

func TestRecordActionForUnknownTurnDropped(t *testing.T) {
	svc, _ := newTestService(t)
	svc.RecordAction("conv-x", "t-x", "search", types.TierWorking, nil, "")
	assert.Equal(t, 0, svc.OpenTurns())
}

func TestGetContextInsights(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	// Preferred: consistently working action.
	for i := 0; i < 10; i++ {
		require.NoError(t, s.ApplyActionObservation(ctx, testUser, "docker", "search_patterns",
			types.TierPatterns, types.OutcomeWorked, ""))
	}
	// Avoid: consistently failing action.
	for i := 0; i < 10; i++ {
		require.NoError(t, s.ApplyActionObservation(ctx, testUser, "docker", "web_search",
			"", types.OutcomeFailed, ""))
	}

	insights, err := svc.GetContextInsights(ctx, testUser, types.ContextDocker, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ContextDocker, insights.ContextType)
	require.Len(t, insights.PreferredActions, 1)
	assert.Equal(t, "search_patterns", insights.PreferredActions[0].Action)
	require.Len(t, insights.AvoidActions, 1)
	assert.Equal(t, "web_search", insights.AvoidActions[0].Action)
	assert.Equal(t, PlanSourceDefault, insights.TierPlan.Source)
}

func TestFlusherDrainsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := store.New(":memory:", 2*time.Second)
	require.NoError(t, err)
	defer s.Close()

	svc := New(s, Config{FlushInterval: time.Hour}) // flusher never ticks
	svc.UpdateContentKG(context.Background(), testUser, "m1", []string{"vault"}, 0.5, 0.5)
	require.NoError(t, svc.Close())

	nodes, err := s.GetNodesByIDs(context.Background(), testUser, []string{"vault"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, int64(1), nodes[0].Mentions)
}
