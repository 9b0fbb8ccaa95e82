package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"recall/internal/logging"
	"recall/internal/types"
)

// =============================================================================
// KNOWN SOLUTIONS
// =============================================================================

// ProblemHash canonicalises a problem statement (lowercase, collapsed
// whitespace) and hashes it, so trivially reworded repeats hit the same
// solution slot.
func ProblemHash(problem string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(problem)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// RecordKnownSolution pins memoryID as the known solution for a problem.
// Repeated hits on the same slot bump the success counter.
func (s *Store) RecordKnownSolution(ctx context.Context, userID, problem, memoryID string) error {
	timer := logging.StartTimer(logging.CategoryOutcome, "store.RecordKnownSolution")
	defer timer.Stop()

	if userID == "" || problem == "" || memoryID == "" {
		return fmt.Errorf("%w: user_id, problem and memory_id are required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO known_solutions (user_id, problem_hash, memory_id, success_count, first_used_at, last_used_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, problem_hash) DO UPDATE SET
			memory_id = excluded.memory_id,
			success_count = known_solutions.success_count + 1,
			last_used_at = excluded.last_used_at`,
		userID, ProblemHash(problem), memoryID, now, now)
	if err != nil {
		return fmt.Errorf("failed to record known solution: %w", err)
	}
	return nil
}

// GetKnownSolution resolves a problem to its pinned memory. Returns nil
// without error when there is no usable pin: no slot, or the pinned memory is
// no longer an active patterns-tier item.
func (s *Store) GetKnownSolution(ctx context.Context, userID, problem string) (*types.KnownSolution, *types.MemoryItem, error) {
	timer := logging.StartTimer(logging.CategoryOutcome, "store.GetKnownSolution")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var sol types.KnownSolution
	var first, last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, problem_hash, memory_id, success_count, first_used_at, last_used_at
		FROM known_solutions WHERE user_id = ? AND problem_hash = ?`,
		userID, ProblemHash(problem)).
		Scan(&sol.UserID, &sol.ProblemHash, &sol.MemoryID, &sol.SuccessCount, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up known solution: %w", err)
	}
	sol.FirstUsedAt = millisToTime(first)
	sol.LastUsedAt = millisToTime(last)

	item, err := s.getByIDLocked(ctx, userID, sol.MemoryID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if item.Status != types.StatusActive || item.Tier != types.TierPatterns {
		return nil, nil, nil
	}
	return &sol, item, nil
}
