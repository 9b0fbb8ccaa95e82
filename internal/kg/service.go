package kg

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"recall/internal/logging"
	"recall/internal/scoring"
	"recall/internal/store"
	"recall/internal/types"
)

// Plan source labels.
const (
	PlanSourceRoutingKG = "routing_kg"
	PlanSourceDefault   = "default"
	PlanSourceExplicit  = "explicit"
)

// TierPlan is the routing graph's answer to "where should this query search".
type TierPlan struct {
	Tiers      []types.Tier `json:"tiers"`
	Source     string       `json:"source"`
	Confidence float64      `json:"confidence"`
}

// ContextInsights bundles the three graphs' recommendations for the prompt
// builder.
type ContextInsights struct {
	ContextType      types.ContextType             `json:"context_type"`
	TierPlan         TierPlan                      `json:"tier_plan"`
	PreferredActions []*types.ActionEffectiveness  `json:"preferred_actions,omitempty"`
	NeutralActions   []*types.ActionEffectiveness  `json:"neutral_actions,omitempty"`
	AvoidActions     []*types.ActionEffectiveness  `json:"avoid_actions,omitempty"`
	RelatedEntities  []string                      `json:"related_entities,omitempty"`
}

// Action-recommendation thresholds: preferred at Wilson >= 0.6, avoid below
// 0.4.
const (
	preferThreshold = 0.6
	avoidThreshold  = 0.4
)

// Config tunes the service.
type Config struct {
	FlushInterval time.Duration
	// TestMode makes every buffered write synchronous.
	TestMode bool
}

type turnKey struct {
	conversationID string
	turnID         string
}

type turnBuffer struct {
	contextType types.ContextType
	query       string
	actions     []types.CachedAction
}

type actionObservation struct {
	userID      string
	contextType string
	action      string
	tier        types.Tier
	kind        types.OutcomeKind
	example     string
}

// Service coordinates the three graphs over the shared document store.
type Service struct {
	store *store.Store
	cfg   Config

	mu         sync.Mutex
	nodeDeltas map[string]map[string]*store.NodeDelta // userID -> nodeID
	edgeDeltas map[string]map[string]*store.EdgeDelta // userID -> edgeID
	actionObs  []actionObservation
	turns      map[turnKey]*turnBuffer

	stop chan struct{}
	done chan struct{}
}

// New starts the service and, outside test mode, its background flusher.
func New(s *store.Store, cfg Config) *Service {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1500 * time.Millisecond
	}
	svc := &Service{
		store:      s,
		cfg:        cfg,
		nodeDeltas: make(map[string]map[string]*store.NodeDelta),
		edgeDeltas: make(map[string]map[string]*store.EdgeDelta),
		turns:      make(map[turnKey]*turnBuffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if cfg.TestMode {
		close(svc.done)
	} else {
		go svc.flushLoop()
	}
	logging.KG("KG service started (flush=%s, test_mode=%v)", cfg.FlushInterval, cfg.TestMode)
	return svc
}

func (k *Service) flushLoop() {
	defer close(k.done)
	ticker := time.NewTicker(k.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.FlushWrites(context.Background())
		case <-k.stop:
			return
		}
	}
}

// Close stops the flusher and drains pending writes.
func (k *Service) Close() error {
	select {
	case <-k.stop:
	default:
		close(k.stop)
	}
	<-k.done
	k.FlushWrites(context.Background())
	logging.KG("KG service stopped")
	return nil
}

// FlushWrites drains the write buffer into bulk store operations. Errors are
// logged, not returned into request paths.
func (k *Service) FlushWrites(ctx context.Context) {
	k.mu.Lock()
	nodes := k.nodeDeltas
	edges := k.edgeDeltas
	actions := k.actionObs
	k.nodeDeltas = make(map[string]map[string]*store.NodeDelta)
	k.edgeDeltas = make(map[string]map[string]*store.EdgeDelta)
	k.actionObs = nil
	k.mu.Unlock()

	for userID, perUser := range nodes {
		batch := make([]store.NodeDelta, 0, len(perUser))
		for _, d := range perUser {
			batch = append(batch, *d)
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].NodeID < batch[j].NodeID })
		if err := k.store.ApplyNodeDeltas(ctx, userID, batch); err != nil {
			logging.KG("Node flush failed for user %s: %v", userID, err)
		}
	}
	for userID, perUser := range edges {
		batch := make([]store.EdgeDelta, 0, len(perUser))
		for _, d := range perUser {
			batch = append(batch, *d)
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].EdgeID < batch[j].EdgeID })
		if err := k.store.ApplyEdgeDeltas(ctx, userID, batch); err != nil {
			logging.KG("Edge flush failed for user %s: %v", userID, err)
		}
	}
	for _, o := range actions {
		if err := k.store.ApplyActionObservation(ctx, o.userID, o.contextType, o.action, o.tier, o.kind, o.example); err != nil {
			logging.KG("Action flush failed for user %s: %v", o.userID, err)
		}
	}
}

// =============================================================================
// CONTENT GRAPH
// =============================================================================

// UpdateContentKG enqueues node upserts for each entity and pairwise
// co-occurrence edges. Quality is the mean of importance and confidence.
func (k *Service) UpdateContentKG(ctx context.Context, userID, memoryID string, entities []string, importance, confidence float64) {
	if len(entities) == 0 {
		return
	}
	quality := (importance + confidence) / 2
	language := types.DetectLanguage(strings.Join(entities, " "))

	k.mu.Lock()
	perUserNodes := k.nodeDeltas[userID]
	if perUserNodes == nil {
		perUserNodes = make(map[string]*store.NodeDelta)
		k.nodeDeltas[userID] = perUserNodes
	}
	perUserEdges := k.edgeDeltas[userID]
	if perUserEdges == nil {
		perUserEdges = make(map[string]*store.EdgeDelta)
		k.edgeDeltas[userID] = perUserEdges
	}

	ids := make([]string, 0, len(entities))
	for _, entity := range entities {
		nodeID := NodeID(entity)
		if nodeID == "" {
			continue
		}
		ids = append(ids, nodeID)
		if d, ok := perUserNodes[nodeID]; ok {
			d.Mentions++
			d.QualityDelta += quality
			d.MemoryIDs = appendUnique(d.MemoryIDs, memoryID)
		} else {
			perUserNodes[nodeID] = &store.NodeDelta{
				NodeID:         nodeID,
				Label:          nodeID,
				NodeType:       types.NodeEntity,
				Mentions:       1,
				QualityDelta:   quality,
				MemoryIDs:      []string{memoryID},
				SourceLanguage: language,
			}
		}
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			edgeID := EdgeID(ids[i], ids[j])
			if d, ok := perUserEdges[edgeID]; ok {
				d.WeightDelta++
			} else {
				src, dst := ids[i], ids[j]
				if dst < src {
					src, dst = dst, src
				}
				perUserEdges[edgeID] = &store.EdgeDelta{
					EdgeID:       edgeID,
					SourceID:     src,
					TargetID:     dst,
					RelationType: types.RelationCoOccurs,
					WeightDelta:  1,
				}
			}
		}
	}
	k.mu.Unlock()

	if k.cfg.TestMode {
		k.FlushWrites(ctx)
	}
}

// GetEntityBoosts returns a per-memory additive boost derived from the
// quality of the entities referencing it, capped at 0.5.
func (k *Service) GetEntityBoosts(ctx context.Context, userID string, memoryIDs []string) (map[string]float64, error) {
	refs, err := k.store.GetNodesReferencingMemories(ctx, userID, memoryIDs)
	if err != nil {
		return nil, err
	}
	boosts := make(map[string]float64, len(refs))
	for memoryID, nodes := range refs {
		var boost float64
		for _, n := range nodes {
			boost += 0.1 * n.AvgQuality()
		}
		if boost > 0.5 {
			boost = 0.5
		}
		if boost > 0 {
			boosts[memoryID] = boost
		}
	}
	return boosts, nil
}

// GetRelatedEntities traverses co-occurrence edges from the given labels and
// returns the top-quality neighbour labels.
func (k *Service) GetRelatedEntities(ctx context.Context, userID string, labels []string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	ids := make([]string, 0, len(labels))
	for _, label := range labels {
		if id := NodeID(label); id != "" {
			ids = append(ids, id)
		}
	}
	neighbors, err := k.store.GetNeighborNodes(ctx, userID, ids, limit*2)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].AvgQuality() > neighbors[j].AvgQuality()
	})
	var out []string
	for _, n := range neighbors {
		out = append(out, n.Label)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CleanupMemoryReferences pulls a memory id from every node, then removes
// nodes left with no references and their incident edges.
func (k *Service) CleanupMemoryReferences(ctx context.Context, userID, memoryID string) error {
	if _, err := k.store.RemoveMemoryFromNodes(ctx, userID, memoryID); err != nil {
		return err
	}
	removed, err := k.store.DeleteOrphanNodes(ctx, userID)
	if err != nil {
		return err
	}
	if removed > 0 {
		logging.KGDebug("Removed %d orphan nodes after cleanup of %s", removed, memoryID)
	}
	return nil
}

// =============================================================================
// ROUTING GRAPH
// =============================================================================

// GetTierPlan answers where to search for a set of query concepts.
//
// With no concepts or no prior observations every tier is returned at the
// default confidence. Otherwise tiers are picked by aggregated Wilson:
// working is always included, plus up to three tiers whose aggregate exceeds
// 0.3. Fewer than two strong tiers falls back to all tiers.
func (k *Service) GetTierPlan(ctx context.Context, userID string, concepts []string) (TierPlan, error) {
	allTiers := append([]types.Tier(nil), types.AllTiers...)
	if len(concepts) == 0 {
		return TierPlan{Tiers: allTiers, Source: PlanSourceDefault, Confidence: 0.3}, nil
	}

	stats, err := k.store.GetRoutingStats(ctx, userID, concepts)
	if err != nil {
		return TierPlan{}, err
	}
	if len(stats) == 0 {
		return TierPlan{Tiers: allTiers, Source: PlanSourceDefault, Confidence: 0.3}, nil
	}

	tierScores := make(map[types.Tier]float64)
	var totalUses, totalSuccess float64
	for _, perTier := range stats {
		for tier, cell := range perTier {
			tierScores[tier] += cell.WilsonScore
			totalUses += float64(cell.Uses)
			totalSuccess += cell.SuccessRate * float64(cell.Uses)
		}
	}

	type scored struct {
		tier  types.Tier
		score float64
	}
	var strong []scored
	for tier, score := range tierScores {
		if tier != types.TierWorking && score > 0.3 {
			strong = append(strong, scored{tier, score})
		}
	}
	sort.Slice(strong, func(i, j int) bool {
		if strong[i].score != strong[j].score {
			return strong[i].score > strong[j].score
		}
		return strong[i].tier < strong[j].tier
	})

	confidence := scoring.Wilson(totalSuccess, totalUses)
	if confidence > 0.95 {
		confidence = 0.95
	}

	if len(strong) < 2 {
		return TierPlan{Tiers: allTiers, Source: PlanSourceDefault, Confidence: 0.4}, nil
	}

	tiers := []types.Tier{types.TierWorking}
	for i, sc := range strong {
		if i >= 3 {
			break
		}
		tiers = append(tiers, sc.tier)
	}
	return TierPlan{Tiers: tiers, Source: PlanSourceRoutingKG, Confidence: confidence}, nil
}

// UpdateRoutingStats records an outcome for every (concept, tier) pair in
// one bulk upsert.
func (k *Service) UpdateRoutingStats(ctx context.Context, userID string, concepts []string, tiers []types.Tier, kind types.OutcomeKind) error {
	if len(concepts) == 0 || len(tiers) == 0 {
		return nil
	}
	obs := make([]store.RoutingObservation, 0, len(concepts)*len(tiers))
	for _, concept := range concepts {
		conceptID := NodeID(concept)
		if conceptID == "" {
			continue
		}
		for _, tier := range tiers {
			obs = append(obs, store.RoutingObservation{ConceptID: conceptID, Tier: tier, Kind: kind})
		}
	}
	return k.store.ApplyRoutingObservations(ctx, userID, obs)
}

// =============================================================================
// ACTION GRAPH / TURN LIFECYCLE
// =============================================================================

// StartTurn allocates the action buffer for a conversation turn.
func (k *Service) StartTurn(conversationID, turnID string, contextType types.ContextType, query string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.turns[turnKey{conversationID, turnID}] = &turnBuffer{
		contextType: contextType,
		query:       query,
	}
}

// RecordAction appends an action to an open turn. Actions recorded for
// unknown turns are dropped; there is nothing to attribute them to.
func (k *Service) RecordAction(conversationID, turnID, action string, tier types.Tier, memoryIDs []string, toolName string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	buf, ok := k.turns[turnKey{conversationID, turnID}]
	if !ok {
		logging.KGDebug("RecordAction for unknown turn %s:%s dropped", conversationID, turnID)
		return
	}
	buf.actions = append(buf.actions, types.CachedAction{
		Action:    action,
		Tier:      tier,
		MemoryIDs: memoryIDs,
		ToolName:  toolName,
		At:        time.Now(),
	})
}

// ApplyOutcomeToTurn drains a turn's buffered actions into the action graph
// and the append-only action_outcomes log. The buffer is removed before the
// writes are enqueued, so a turn's actions are attributed exactly once.
func (k *Service) ApplyOutcomeToTurn(ctx context.Context, userID, conversationID, turnID string, kind types.OutcomeKind) error {
	key := turnKey{conversationID, turnID}

	k.mu.Lock()
	buf, ok := k.turns[key]
	if ok {
		delete(k.turns, key)
	}
	k.mu.Unlock()

	if !ok || len(buf.actions) == 0 {
		return nil
	}

	for _, action := range buf.actions {
		if err := k.store.RecordActionOutcome(ctx, &types.ActionOutcome{
			UserID:      userID,
			ContextType: string(buf.contextType),
			Action:      action.Action,
			Tier:        action.Tier,
			Outcome:     kind,
			MemoryIDs:   action.MemoryIDs,
			ToolName:    action.ToolName,
		}); err != nil {
			logging.KG("Action outcome log failed: %v", err)
		}
	}

	k.mu.Lock()
	for _, action := range buf.actions {
		k.actionObs = append(k.actionObs, actionObservation{
			userID:      userID,
			contextType: string(buf.contextType),
			action:      action.Action,
			tier:        action.Tier,
			kind:        kind,
			example:     buf.query,
		})
	}
	k.mu.Unlock()

	if k.cfg.TestMode {
		k.FlushWrites(ctx)
	}
	logging.KG("Applied %s outcome to %d actions of turn %s:%s", kind, len(buf.actions), conversationID, turnID)
	return nil
}

// OpenTurns reports how many turns are awaiting an outcome.
func (k *Service) OpenTurns() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.turns)
}

// =============================================================================
// INSIGHTS
// =============================================================================

// GetContextInsights composes routing, action and content recommendations
// for a detected context.
func (k *Service) GetContextInsights(ctx context.Context, userID string, contextType types.ContextType, concepts []string) (*ContextInsights, error) {
	plan, err := k.GetTierPlan(ctx, userID, concepts)
	if err != nil {
		return nil, err
	}

	insights := &ContextInsights{ContextType: contextType, TierPlan: plan}

	cells, err := k.store.GetActionEffectiveness(ctx, userID, string(contextType), 50)
	if err != nil {
		return nil, err
	}
	for _, cell := range cells {
		switch {
		case cell.Stats.WilsonScore >= preferThreshold:
			insights.PreferredActions = append(insights.PreferredActions, cell)
		case cell.Stats.WilsonScore < avoidThreshold:
			insights.AvoidActions = append(insights.AvoidActions, cell)
		default:
			insights.NeutralActions = append(insights.NeutralActions, cell)
		}
	}

	if related, err := k.GetRelatedEntities(ctx, userID, concepts, 10); err == nil {
		insights.RelatedEntities = related
	}
	return insights, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
