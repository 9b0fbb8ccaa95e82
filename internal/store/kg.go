package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"recall/internal/logging"
	"recall/internal/scoring"
	"recall/internal/types"
)

// =============================================================================
// KNOWLEDGE GRAPH PERSISTENCE
// =============================================================================
//
// Three graphs share this layer: the content graph (kg_nodes/kg_edges), the
// routing graph (kg_routing_stats) and the action graph
// (kg_action_effectiveness). The kg package owns batching and extraction;
// this layer owns the merge semantics of each upsert.

// NodeDelta is one buffered contribution to a content-graph node.
type NodeDelta struct {
	NodeID         string
	Label          string
	NodeType       types.NodeType
	Aliases        []string
	Mentions       int64
	QualityDelta   float64
	MemoryIDs      []string
	Translations   map[string]string
	SourceLanguage types.Language
}

// EdgeDelta is one buffered contribution to a content-graph edge weight.
type EdgeDelta struct {
	EdgeID       string
	SourceID     string
	TargetID     string
	RelationType types.RelationType
	WeightDelta  float64
}

// ApplyNodeDeltas merges a batch of node contributions in one transaction.
// Mentions and quality accumulate; aliases, memory ids and translations
// union with what is already stored.
func (s *Store) ApplyNodeDeltas(ctx context.Context, userID string, deltas []NodeDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryKG, "store.ApplyNodeDeltas")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := nowMillis()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, d := range deltas {
		var (
			aliasesJSON, memoryIDsJSON, translationsJSON string
			mentions                                     int64
			qualitySum                                   float64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT aliases, mentions, quality_sum, memory_ids, translations
			FROM kg_nodes WHERE user_id = ? AND node_id = ?`,
			userID, d.NodeID).
			Scan(&aliasesJSON, &mentions, &qualitySum, &memoryIDsJSON, &translationsJSON)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			nodeType := d.NodeType
			if nodeType == "" {
				nodeType = types.NodeEntity
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kg_nodes (user_id, node_id, label, node_type, aliases, mentions, quality_sum, memory_ids, translations, source_language, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				userID, d.NodeID, d.Label, string(nodeType),
				mustJSON(d.Aliases), d.Mentions, d.QualityDelta,
				mustJSON(d.MemoryIDs), mustJSON(d.Translations),
				string(d.SourceLanguage), now,
			); err != nil {
				return fmt.Errorf("failed to insert node %s: %w", d.NodeID, err)
			}

		case err != nil:
			return fmt.Errorf("failed to read node %s: %w", d.NodeID, err)

		default:
			aliases := unionStrings(fromJSONStrings(aliasesJSON), d.Aliases)
			memoryIDs := unionStrings(fromJSONStrings(memoryIDsJSON), d.MemoryIDs)
			translations := map[string]string{}
			json.Unmarshal([]byte(translationsJSON), &translations)
			for k, v := range d.Translations {
				translations[k] = v
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE kg_nodes SET
					aliases = ?, mentions = ?, quality_sum = ?, memory_ids = ?, translations = ?, updated_at = ?
				WHERE user_id = ? AND node_id = ?`,
				mustJSON(aliases), mentions+d.Mentions, qualitySum+d.QualityDelta,
				mustJSON(memoryIDs), mustJSON(translations), now,
				userID, d.NodeID,
			); err != nil {
				return fmt.Errorf("failed to update node %s: %w", d.NodeID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit node deltas: %w", err)
	}
	logging.KGDebug("Applied %d node deltas for user %s", len(deltas), userID)
	return nil
}

// ApplyEdgeDeltas accumulates co-occurrence weights in one transaction.
func (s *Store) ApplyEdgeDeltas(ctx context.Context, userID string, deltas []EdgeDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryKG, "store.ApplyEdgeDeltas")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := nowMillis()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, d := range deltas {
		relation := d.RelationType
		if relation == "" {
			relation = types.RelationCoOccurs
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kg_edges (user_id, edge_id, source_id, target_id, relation_type, weight, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, edge_id) DO UPDATE SET
				weight = kg_edges.weight + excluded.weight,
				updated_at = excluded.updated_at`,
			userID, d.EdgeID, d.SourceID, d.TargetID, string(relation), d.WeightDelta, now,
		); err != nil {
			return fmt.Errorf("failed to upsert edge %s: %w", d.EdgeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit edge deltas: %w", err)
	}
	return nil
}

// GetNodesByIDs fetches content-graph nodes by node id.
func (s *Store) GetNodesByIDs(ctx context.Context, userID string, nodeIDs []string) ([]*types.KGNode, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT user_id, node_id, label, node_type, aliases, mentions, quality_sum, memory_ids, translations, source_language
		FROM kg_nodes WHERE user_id = ? AND node_id IN (` + placeholders(len(nodeIDs)) + `)`
	args := []interface{}{userID}
	for _, id := range nodeIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("node query failed: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetNeighborNodes returns nodes connected to the given node ids, strongest
// edges first.
func (s *Store) GetNeighborNodes(ctx context.Context, userID string, nodeIDs []string, limit int) ([]*types.KGNode, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	ph := placeholders(len(nodeIDs))
	query := `
		SELECT DISTINCT n.user_id, n.node_id, n.label, n.node_type, n.aliases, n.mentions, n.quality_sum, n.memory_ids, n.translations, n.source_language
		FROM kg_edges e
		JOIN kg_nodes n ON n.user_id = e.user_id AND n.node_id = CASE
			WHEN e.source_id IN (` + ph + `) THEN e.target_id ELSE e.source_id END
		WHERE e.user_id = ? AND (e.source_id IN (` + ph + `) OR e.target_id IN (` + ph + `))
		ORDER BY e.weight DESC
		LIMIT ?`

	args := make([]interface{}, 0, len(nodeIDs)*3+2)
	for _, id := range nodeIDs {
		args = append(args, id)
	}
	args = append(args, userID)
	for i := 0; i < 2; i++ {
		for _, id := range nodeIDs {
			args = append(args, id)
		}
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("neighbor query failed: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetNodesReferencingMemories maps each given memory id to the nodes whose
// memory_ids list contains it. One scan over the user's nodes.
func (s *Store) GetNodesReferencingMemories(ctx context.Context, userID string, memoryIDs []string) (map[string][]*types.KGNode, error) {
	out := make(map[string][]*types.KGNode, len(memoryIDs))
	if len(memoryIDs) == 0 {
		return out, nil
	}
	want := make(map[string]bool, len(memoryIDs))
	for _, id := range memoryIDs {
		want[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, node_id, label, node_type, aliases, mentions, quality_sum, memory_ids, translations, source_language
		FROM kg_nodes WHERE user_id = ? AND memory_ids != '[]'`, userID)
	if err != nil {
		return nil, fmt.Errorf("node reference scan failed: %w", err)
	}
	defer rows.Close()

	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		for _, id := range n.MemoryIDs {
			if want[id] {
				out[id] = append(out[id], n)
			}
		}
	}
	return out, nil
}

// DeleteOrphanNodes removes nodes that no longer reference any memory, along
// with their incident edges. Returns the number of nodes removed.
func (s *Store) DeleteOrphanNodes(ctx context.Context, userID string) (int64, error) {
	timer := logging.StartTimer(logging.CategoryKG, "store.DeleteOrphanNodes")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM kg_edges WHERE user_id = ? AND (
			source_id IN (SELECT node_id FROM kg_nodes WHERE user_id = ? AND memory_ids = '[]')
			OR target_id IN (SELECT node_id FROM kg_nodes WHERE user_id = ? AND memory_ids = '[]')
		)`, userID, userID, userID); err != nil {
		return 0, fmt.Errorf("failed to delete orphan edges: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM kg_nodes WHERE user_id = ? AND memory_ids = '[]'`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan nodes: %w", err)
	}
	removed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit orphan cleanup: %w", err)
	}
	return removed, nil
}

// RemoveMemoryFromNodes drops a memory id from every node that references
// it, used when an item is archived or deleted.
func (s *Store) RemoveMemoryFromNodes(ctx context.Context, userID, memoryID string) (int64, error) {
	timer := logging.StartTimer(logging.CategoryKG, "store.RemoveMemoryFromNodes")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, memory_ids FROM kg_nodes WHERE user_id = ? AND memory_ids LIKE ?`,
		userID, "%"+memoryID+"%")
	if err != nil {
		return 0, fmt.Errorf("reference scan failed: %w", err)
	}

	type patch struct {
		nodeID string
		ids    []string
	}
	var patches []patch
	for rows.Next() {
		var nodeID, idsJSON string
		if err := rows.Scan(&nodeID, &idsJSON); err != nil {
			rows.Close()
			return 0, err
		}
		ids := fromJSONStrings(idsJSON)
		filtered := ids[:0]
		removed := false
		for _, id := range ids {
			if id == memoryID {
				removed = true
				continue
			}
			filtered = append(filtered, id)
		}
		if removed {
			patches = append(patches, patch{nodeID: nodeID, ids: append([]string(nil), filtered...)})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := nowMillis()
	for _, p := range patches {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE kg_nodes SET memory_ids = ?, updated_at = ? WHERE user_id = ? AND node_id = ?`,
			mustJSON(p.ids), now, userID, p.nodeID,
		); err != nil {
			return 0, fmt.Errorf("failed to patch node %s: %w", p.nodeID, err)
		}
	}
	return int64(len(patches)), nil
}

func scanNodes(rows *sql.Rows) ([]*types.KGNode, error) {
	var nodes []*types.KGNode
	for rows.Next() {
		var n types.KGNode
		var nodeType, aliases, memoryIDs, translations, lang string
		if err := rows.Scan(&n.UserID, &n.NodeID, &n.Label, &nodeType, &aliases, &n.Mentions, &n.QualitySum, &memoryIDs, &translations, &lang); err != nil {
			return nil, err
		}
		n.NodeType = types.NodeType(nodeType)
		n.Aliases = fromJSONStrings(aliases)
		n.MemoryIDs = fromJSONStrings(memoryIDs)
		n.SourceLanguage = types.Language(lang)
		if translations != "" && translations != "{}" {
			n.Translations = map[string]string{}
			json.Unmarshal([]byte(translations), &n.Translations)
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// =============================================================================
// ROUTING GRAPH
// =============================================================================

// RoutingObservation is one (concept, tier, outcome) cell update.
type RoutingObservation struct {
	ConceptID string
	Tier      types.Tier
	Kind      types.OutcomeKind
}

// ApplyRoutingObservations bulk-updates routing stats in one transaction:
// per-kind counters, success accumulation, Wilson recompute per cell.
func (s *Store) ApplyRoutingObservations(ctx context.Context, userID string, obs []RoutingObservation) error {
	if len(obs) == 0 {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryKG, "store.ApplyRoutingObservations")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := nowMillis()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, o := range obs {
		weight, err := scoring.SuccessWeight(o.Kind)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		tier, ok := types.NormalizeTier(string(o.Tier))
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidTier, o.Tier)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kg_routing_stats (user_id, concept_id, tier, uses, worked, partial, unknown, failed, success_count, last_used_at)
			VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, concept_id, tier) DO UPDATE SET
				uses = kg_routing_stats.uses + 1,
				worked = kg_routing_stats.worked + excluded.worked,
				partial = kg_routing_stats.partial + excluded.partial,
				unknown = kg_routing_stats.unknown + excluded.unknown,
				failed = kg_routing_stats.failed + excluded.failed,
				success_count = kg_routing_stats.success_count + excluded.success_count,
				last_used_at = excluded.last_used_at`,
			userID, o.ConceptID, string(tier),
			oneIf(o.Kind == types.OutcomeWorked),
			oneIf(o.Kind == types.OutcomePartial),
			oneIf(o.Kind == types.OutcomeUnknown),
			oneIf(o.Kind == types.OutcomeFailed),
			weight, now,
		); err != nil {
			return fmt.Errorf("failed to upsert routing cell: %w", err)
		}

		var uses int64
		var successCount float64
		if err := tx.QueryRowContext(ctx,
			`SELECT uses, success_count FROM kg_routing_stats WHERE user_id = ? AND concept_id = ? AND tier = ?`,
			userID, o.ConceptID, string(tier)).Scan(&uses, &successCount); err != nil {
			return fmt.Errorf("failed to read routing cell: %w", err)
		}
		wilson := scoring.Wilson(successCount, float64(uses))
		rate := successCount / float64(uses)
		if _, err := tx.ExecContext(ctx,
			`UPDATE kg_routing_stats SET wilson_score = ?, success_rate = ? WHERE user_id = ? AND concept_id = ? AND tier = ?`,
			wilson, rate, userID, o.ConceptID, string(tier),
		); err != nil {
			return fmt.Errorf("failed to update routing scores: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit routing observations: %w", err)
	}
	return nil
}

// GetRoutingStats returns the tier cells for a set of concepts.
func (s *Store) GetRoutingStats(ctx context.Context, userID string, concepts []string) (map[string]map[types.Tier]types.TierStats, error) {
	if len(concepts) == 0 {
		return map[string]map[types.Tier]types.TierStats{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT concept_id, tier, uses, worked, partial, unknown, failed, success_rate, wilson_score, COALESCE(last_used_at, 0)
		FROM kg_routing_stats WHERE user_id = ? AND concept_id IN (` + placeholders(len(concepts)) + `)`
	args := []interface{}{userID}
	for _, c := range concepts {
		args = append(args, c)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("routing query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[types.Tier]types.TierStats)
	for rows.Next() {
		var concept, tier string
		var st types.TierStats
		var lastUsed int64
		if err := rows.Scan(&concept, &tier, &st.Uses, &st.Worked, &st.Partial, &st.Unknown, &st.Failed, &st.SuccessRate, &st.WilsonScore, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed > 0 {
			st.LastUsedAt = millisToTime(lastUsed)
		}
		if out[concept] == nil {
			out[concept] = make(map[types.Tier]types.TierStats)
		}
		out[concept][types.Tier(tier)] = st
	}
	return out, rows.Err()
}

// =============================================================================
// ACTION GRAPH
// =============================================================================

// maxActionExamples bounds the per-cell example history.
const maxActionExamples = 20

// ApplyActionObservation updates one action-effectiveness cell: counters,
// Wilson, and a bounded example list (newest kept).
func (s *Store) ApplyActionObservation(ctx context.Context, userID, contextType, action string, tier types.Tier, kind types.OutcomeKind, example string) error {
	timer := logging.StartTimer(logging.CategoryKG, "store.ApplyActionObservation")
	defer timer.Stop()

	weight, err := scoring.SuccessWeight(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := nowMillis()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kg_action_effectiveness (user_id, context_type, action, tier, uses, worked, partial, unknown, failed, success_count, examples, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, '[]', ?)
		ON CONFLICT(user_id, context_type, action, tier) DO UPDATE SET
			uses = kg_action_effectiveness.uses + 1,
			worked = kg_action_effectiveness.worked + excluded.worked,
			partial = kg_action_effectiveness.partial + excluded.partial,
			unknown = kg_action_effectiveness.unknown + excluded.unknown,
			failed = kg_action_effectiveness.failed + excluded.failed,
			success_count = kg_action_effectiveness.success_count + excluded.success_count,
			updated_at = excluded.updated_at`,
		userID, contextType, action, string(tier),
		oneIf(kind == types.OutcomeWorked),
		oneIf(kind == types.OutcomePartial),
		oneIf(kind == types.OutcomeUnknown),
		oneIf(kind == types.OutcomeFailed),
		weight, now,
	); err != nil {
		return fmt.Errorf("failed to upsert action cell: %w", err)
	}

	var uses int64
	var successCount float64
	var examplesJSON string
	if err := tx.QueryRowContext(ctx, `
		SELECT uses, success_count, examples FROM kg_action_effectiveness
		WHERE user_id = ? AND context_type = ? AND action = ? AND tier = ?`,
		userID, contextType, action, string(tier)).Scan(&uses, &successCount, &examplesJSON); err != nil {
		return fmt.Errorf("failed to read action cell: %w", err)
	}

	examples := fromJSONStrings(examplesJSON)
	if example != "" {
		examples = append(examples, example)
		if len(examples) > maxActionExamples {
			examples = examples[len(examples)-maxActionExamples:]
		}
	}
	wilson := scoring.Wilson(successCount, float64(uses))

	if _, err := tx.ExecContext(ctx, `
		UPDATE kg_action_effectiveness SET wilson_score = ?, examples = ?
		WHERE user_id = ? AND context_type = ? AND action = ? AND tier = ?`,
		wilson, mustJSON(examples), userID, contextType, action, string(tier),
	); err != nil {
		return fmt.Errorf("failed to update action scores: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit action observation: %w", err)
	}
	return nil
}

// GetActionEffectiveness lists the scored cells for a context type, most
// trusted first.
func (s *Store) GetActionEffectiveness(ctx context.Context, userID, contextType string, limit int) ([]*types.ActionEffectiveness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, context_type, action, tier, uses, worked, partial, unknown, failed, success_count, wilson_score, examples
		FROM kg_action_effectiveness
		WHERE user_id = ? AND context_type = ?
		ORDER BY wilson_score DESC, uses DESC
		LIMIT ?`,
		userID, contextType, limit)
	if err != nil {
		return nil, fmt.Errorf("action query failed: %w", err)
	}
	defer rows.Close()

	var cells []*types.ActionEffectiveness
	for rows.Next() {
		var c types.ActionEffectiveness
		var tier, examples string
		if err := rows.Scan(&c.UserID, &c.ContextType, &c.Action, &tier,
			&c.Stats.Uses, &c.Stats.Worked, &c.Stats.Partial, &c.Stats.Unknown, &c.Stats.Failed,
			&c.Stats.SuccessCount, &c.Stats.WilsonScore, &examples); err != nil {
			return nil, err
		}
		c.Tier = types.Tier(tier)
		if c.Stats.Uses > 0 {
			c.Stats.SuccessRate = c.Stats.SuccessCount / float64(c.Stats.Uses)
		}
		c.Examples = fromJSONStrings(examples)
		cells = append(cells, &c)
	}
	return cells, rows.Err()
}

func unionStrings(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	out := base
	for _, v := range base {
		seen[v] = true
	}
	for _, v := range extra {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
