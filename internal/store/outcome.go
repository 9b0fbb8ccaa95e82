package store

import (
	"context"
	"fmt"

	"recall/internal/logging"
	"recall/internal/scoring"
	"recall/internal/types"
)

// =============================================================================
// OUTCOME RECORDING
// =============================================================================

// OutcomeParams describes one piece of feedback for a memory item.
type OutcomeParams struct {
	UserID   string
	MemoryID string
	Kind     types.OutcomeKind
	Context  string

	// ScoreDelta is the caller-configured quality delta logged in the audit
	// row. TimeWeight defaults to 1.0.
	ScoreDelta float64
	TimeWeight float64
}

// RecordOutcome applies a single outcome atomically: the per-kind counter and
// uses are incremented, success_count accumulates the outcome weight, the
// Wilson score and success rate are recomputed from the committed counters,
// and an append-only audit row is written. Every step happens in one
// transaction, so concurrent outcomes for the same item never lose updates.
func (s *Store) RecordOutcome(ctx context.Context, p OutcomeParams) (*types.MemoryItem, error) {
	timer := logging.StartTimer(logging.CategoryOutcome, "store.RecordOutcome")
	defer timer.Stop()

	weight, err := scoring.SuccessWeight(p.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if p.TimeWeight <= 0 {
		p.TimeWeight = 1.0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := nowMillis()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Counter increment. Every outcome kind, including unknown and failed,
	// bumps uses. COALESCE guards rows imported before stats existed.
	res, err := tx.ExecContext(ctx, `
		UPDATE memory_items SET
			uses = COALESCE(uses, 0) + 1,
			worked = COALESCE(worked, 0) + ?,
			partial = COALESCE(partial, 0) + ?,
			unknown = COALESCE(unknown, 0) + ?,
			failed = COALESCE(failed, 0) + ?,
			success_count = COALESCE(success_count, 0) + ?,
			last_used_at = ?,
			updated_at = ?
		WHERE user_id = ? AND memory_id = ?`,
		oneIf(p.Kind == types.OutcomeWorked),
		oneIf(p.Kind == types.OutcomePartial),
		oneIf(p.Kind == types.OutcomeUnknown),
		oneIf(p.Kind == types.OutcomeFailed),
		weight, now, now,
		p.UserID, p.MemoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to apply outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("memory %s: %w", p.MemoryID, ErrNotFound)
	}

	// Recompute derived scores from the counters this transaction just wrote.
	var uses int64
	var successCount float64
	if err := tx.QueryRowContext(ctx,
		`SELECT uses, success_count FROM memory_items WHERE user_id = ? AND memory_id = ?`,
		p.UserID, p.MemoryID).Scan(&uses, &successCount); err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	wilson := scoring.Wilson(successCount, float64(uses))
	successRate := 0.0
	if uses > 0 {
		successRate = successCount / float64(uses)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE memory_items SET wilson_score = ?, success_rate = ? WHERE user_id = ? AND memory_id = ?`,
		wilson, successRate, p.UserID, p.MemoryID,
	); err != nil {
		return nil, fmt.Errorf("failed to update scores: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_outcomes (user_id, memory_id, outcome, context, score_delta, new_wilson, time_weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.MemoryID, string(p.Kind), p.Context, p.ScoreDelta, wilson, p.TimeWeight, now,
	); err != nil {
		return nil, fmt.Errorf("failed to write outcome audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outcome: %w", err)
	}

	logging.Outcome("Outcome %s for memory %s: uses=%d wilson=%.3f", p.Kind, p.MemoryID, uses, wilson)
	return s.getByIDLocked(ctx, p.UserID, p.MemoryID)
}

// GetOutcomeHistory returns an item's audit rows, newest first.
func (s *Store) GetOutcomeHistory(ctx context.Context, userID, memoryID string, limit int) ([]*types.OutcomeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, user_id, outcome, context, score_delta, new_wilson, time_weight, created_at
		FROM memory_outcomes WHERE user_id = ? AND memory_id = ?
		ORDER BY id DESC LIMIT ?`,
		userID, memoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var records []*types.OutcomeRecord
	for rows.Next() {
		var r types.OutcomeRecord
		var outcome string
		var created int64
		if err := rows.Scan(&r.MemoryID, &r.UserID, &outcome, &r.Context, &r.ScoreDelta, &r.NewWilson, &r.TimeWeight, &created); err != nil {
			return nil, err
		}
		r.Outcome = types.OutcomeKind(outcome)
		r.CreatedAt = millisToTime(created)
		records = append(records, &r)
	}
	return records, rows.Err()
}

// =============================================================================
// ACTION OUTCOMES
// =============================================================================

// RecordActionOutcome appends a tool/action result. The effectiveness rollup
// in the action graph is updated separately by the kg layer.
func (s *Store) RecordActionOutcome(ctx context.Context, a *types.ActionOutcome) error {
	timer := logging.StartTimer(logging.CategoryOutcome, "store.RecordActionOutcome")
	defer timer.Stop()

	if !scoring.ValidOutcome(a.Outcome) {
		return fmt.Errorf("%w: outcome %q", ErrInvalidInput, a.Outcome)
	}
	if a.ContextType == "" || a.Action == "" {
		return fmt.Errorf("%w: context_type and action are required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := nowMillis()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = millisToTime(now)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_outcomes (user_id, context_type, action, tier, outcome, memory_ids, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.ContextType, a.Action, string(a.Tier), string(a.Outcome),
		mustJSON(a.MemoryIDs), a.ToolName, a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record action outcome: %w", err)
	}
	return nil
}

func oneIf(b bool) int {
	if b {
		return 1
	}
	return 0
}
