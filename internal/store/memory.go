package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"recall/internal/logging"
	"recall/internal/types"
)

// =============================================================================
// MEMORY ITEM CRUD
// =============================================================================

// memoryColumns is the canonical select list; keep scanMemory in sync.
const memoryColumns = `memory_id, user_id, text, summary, tags, entities, language,
	tier, status, always_inject, source_json,
	importance, confidence, mentioned_count, quality_score,
	uses, worked, partial, unknown, failed, success_count, success_rate, wilson_score, last_used_at,
	current_version, supersedes,
	embedding_model, embedding_dims, vector_hash, last_indexed_at,
	created_at, updated_at, archived_at, expires_at,
	persona_id, persona_name`

// StoreParams are the caller-supplied fields for a new memory item.
type StoreParams struct {
	UserID       string
	Text         string
	Summary      string
	Tags         []string
	Entities     []string
	Tier         types.Tier
	AlwaysInject bool
	Source       types.Source
	Importance   float64
	Confidence   float64
	QualityScore float64
	ExpiresAt    *time.Time
	Supersedes   string
	PersonaID    string
	PersonaName  string
}

// StoreMemory inserts a new active memory item and its create version, and
// registers it in the lexical index.
func (s *Store) StoreMemory(ctx context.Context, p StoreParams) (*types.MemoryItem, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.StoreMemory")
	defer timer.Stop()

	if p.UserID == "" || strings.TrimSpace(p.Text) == "" {
		return nil, fmt.Errorf("%w: user_id and text are required", ErrInvalidInput)
	}
	if p.Tier == "" {
		p.Tier = types.TierWorking
	}
	tier, ok := types.NormalizeTier(string(p.Tier))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, p.Tier)
	}
	if p.Importance == 0 {
		p.Importance = 0.5
	}
	if p.Confidence == 0 {
		p.Confidence = 0.5
	}
	if p.QualityScore == 0 {
		p.QualityScore = 0.5
	}
	if p.Source.Kind == "" {
		p.Source.Kind = types.SourceSystemSeed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	memoryID := uuid.New().String()
	now := nowMillis()
	language := types.DetectLanguage(p.Text)
	sourceJSON := mustJSON(p.Source)
	var expires sql.NullInt64
	if p.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: p.ExpiresAt.UnixMilli(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO memory_items (
			user_id, memory_id, text, summary, tags, entities, language,
			tier, status, always_inject, source_kind, source_json,
			importance, confidence, quality_score,
			supersedes, created_at, updated_at, expires_at,
			persona_id, persona_name
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'active', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, memoryID, p.Text, p.Summary, mustJSON(p.Tags), mustJSON(p.Entities), string(language),
		string(tier), boolToInt(p.AlwaysInject), string(p.Source.Kind), sourceJSON,
		p.Importance, p.Confidence, p.QualityScore,
		p.Supersedes, now, now, expires,
		p.PersonaID, p.PersonaName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert memory: %w", err)
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read rowid: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_fts(rowid, text, summary, tags) VALUES (?, ?, ?, ?)`,
		rowid, p.Text, p.Summary, strings.Join(p.Tags, " "),
	); err != nil {
		return nil, fmt.Errorf("failed to index memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_versions (user_id, memory_id, version, text, summary, tier, change_kind, created_at)
		VALUES (?, ?, 1, ?, ?, ?, 'create', ?)`,
		p.UserID, memoryID, p.Text, p.Summary, string(tier), now,
	); err != nil {
		return nil, fmt.Errorf("failed to write version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	logging.Store("Stored memory %s (tier=%s, lang=%s, chars=%d)", memoryID, tier, language, len(p.Text))
	return s.getByIDLocked(ctx, p.UserID, memoryID)
}

// GetByID fetches a single memory item. Expired items are reported with
// archived status.
func (s *Store) GetByID(ctx context.Context, userID, memoryID string) (*types.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.getByIDLocked(ctx, userID, memoryID)
}

func (s *Store) getByIDLocked(ctx context.Context, userID, memoryID string) (*types.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_items WHERE user_id = ? AND memory_id = ?`,
		userID, memoryID)
	item, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", memoryID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if item.Status == types.StatusActive && item.Expired(time.Now()) {
		item.Status = types.StatusArchived
	}
	return item, nil
}

// GetByIDs batch-fetches items by id. Missing ids are simply absent from the
// result map; expired items are reported archived.
func (s *Store) GetByIDs(ctx context.Context, userID string, memoryIDs []string) (map[string]*types.MemoryItem, error) {
	out := make(map[string]*types.MemoryItem, len(memoryIDs))
	if len(memoryIDs) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT ` + memoryColumns + ` FROM memory_items
		WHERE user_id = ? AND memory_id IN (` + placeholders(len(memoryIDs)) + `)`
	args := []interface{}{userID}
	for _, id := range memoryIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch get failed: %w", err)
	}
	defer rows.Close()

	items, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		out[item.MemoryID] = item
	}
	return out, nil
}

// UpdateParams carries the mutable fields of an item; nil pointers are left
// untouched.
type UpdateParams struct {
	UserID   string
	MemoryID string

	Text         *string
	Summary      *string
	Tags         []string
	Entities     []string
	Importance   *float64
	Confidence   *float64
	QualityScore *float64
	AlwaysInject *bool
	ExpiresAt    *time.Time
}

// UpdateMemory applies a content/classification update, snapshotting the
// previous content as a version and bumping current_version when text or
// summary changed.
func (s *Store) UpdateMemory(ctx context.Context, p UpdateParams) (*types.MemoryItem, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.UpdateMemory")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	prev, err := s.getByIDLocked(ctx, p.UserID, p.MemoryID)
	if err != nil {
		return nil, err
	}

	next := *prev
	contentChanged := false
	if p.Text != nil && *p.Text != prev.Text {
		next.Text = *p.Text
		next.Language = types.DetectLanguage(*p.Text)
		contentChanged = true
	}
	if p.Summary != nil && *p.Summary != prev.Summary {
		next.Summary = *p.Summary
		contentChanged = true
	}
	if p.Tags != nil {
		next.Tags = p.Tags
	}
	if p.Entities != nil {
		next.Entities = p.Entities
	}
	if p.Importance != nil {
		next.Importance = *p.Importance
	}
	if p.Confidence != nil {
		next.Confidence = *p.Confidence
	}
	if p.QualityScore != nil {
		next.QualityScore = *p.QualityScore
	}
	if p.AlwaysInject != nil {
		next.AlwaysInject = *p.AlwaysInject
	}
	if p.ExpiresAt != nil {
		next.ExpiresAt = p.ExpiresAt
	}

	now := nowMillis()
	version := prev.CurrentVersion
	if contentChanged {
		version++
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var expires sql.NullInt64
	if next.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: next.ExpiresAt.UnixMilli(), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE memory_items SET
			text = ?, summary = ?, tags = ?, entities = ?, language = ?,
			importance = ?, confidence = ?, quality_score = ?, always_inject = ?,
			expires_at = ?, current_version = ?, updated_at = ?
		WHERE user_id = ? AND memory_id = ?`,
		next.Text, next.Summary, mustJSON(next.Tags), mustJSON(next.Entities), string(next.Language),
		next.Importance, next.Confidence, next.QualityScore, boolToInt(next.AlwaysInject),
		expires, version, now,
		p.UserID, p.MemoryID,
	); err != nil {
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}

	if err := s.reindexFTS(ctx, tx, p.UserID, p.MemoryID, next.Text, next.Summary, next.Tags); err != nil {
		return nil, err
	}

	if contentChanged {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_versions (user_id, memory_id, version, text, summary, tier, change_kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'update', ?)`,
			p.UserID, p.MemoryID, version, next.Text, next.Summary, string(next.Tier), now,
		); err != nil {
			return nil, fmt.Errorf("failed to write version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return s.getByIDLocked(ctx, p.UserID, p.MemoryID)
}

// PromoteMemory moves an item to a new tier, recording a promote version.
func (s *Store) PromoteMemory(ctx context.Context, userID, memoryID string, tier types.Tier) (*types.MemoryItem, error) {
	normalized, ok := types.NormalizeTier(string(tier))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	prev, err := s.getByIDLocked(ctx, userID, memoryID)
	if err != nil {
		return nil, err
	}
	if prev.Tier == normalized {
		return prev, nil
	}

	now := nowMillis()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	version := prev.CurrentVersion + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE memory_items SET tier = ?, current_version = ?, updated_at = ? WHERE user_id = ? AND memory_id = ?`,
		string(normalized), version, now, userID, memoryID,
	); err != nil {
		return nil, fmt.Errorf("failed to promote memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_versions (user_id, memory_id, version, text, summary, tier, change_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'promote', ?)`,
		userID, memoryID, version, prev.Text, prev.Summary, string(normalized), now,
	); err != nil {
		return nil, fmt.Errorf("failed to write version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	logging.Store("Promoted memory %s: %s -> %s", memoryID, prev.Tier, normalized)
	return s.getByIDLocked(ctx, userID, memoryID)
}

// ArchiveMemory marks an item archived and drops it from the lexical index.
func (s *Store) ArchiveMemory(ctx context.Context, userID, memoryID string) error {
	return s.setStatus(ctx, userID, memoryID, types.StatusArchived, "archive")
}

// GhostMemory marks an item ghosted: invisible to search but retained for
// audit and outcome history.
func (s *Store) GhostMemory(ctx context.Context, userID, memoryID string) error {
	return s.setStatus(ctx, userID, memoryID, types.StatusGhosted, "archive")
}

// DeleteMemory soft-deletes an item. Outcome history rows are retained.
func (s *Store) DeleteMemory(ctx context.Context, userID, memoryID string) error {
	return s.setStatus(ctx, userID, memoryID, types.StatusDeleted, "archive")
}

func (s *Store) setStatus(ctx context.Context, userID, memoryID string, status types.Status, changeKind string) error {
	timer := logging.StartTimer(logging.CategoryStore, "store.setStatus")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	prev, err := s.getByIDLocked(ctx, userID, memoryID)
	if err != nil {
		return err
	}

	now := nowMillis()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE memory_items SET status = ?, archived_at = ?, updated_at = ? WHERE user_id = ? AND memory_id = ?`,
		string(status), now, now, userID, memoryID,
	); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	// Non-active items never appear in lexical results.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM memory_fts WHERE rowid = (
			SELECT rowid FROM memory_items WHERE user_id = ? AND memory_id = ?
		)`, userID, memoryID,
	); err != nil {
		return fmt.Errorf("failed to deindex memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_versions (user_id, memory_id, version, text, summary, tier, change_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, memoryID, prev.CurrentVersion+1, prev.Text, prev.Summary, string(prev.Tier), changeKind, now,
	); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	logging.Store("Memory %s status -> %s", memoryID, status)
	return nil
}

// reindexFTS replaces the FTS row for an item, keeping only active items
// indexed.
func (s *Store) reindexFTS(ctx context.Context, tx *sql.Tx, userID, memoryID, text, summary string, tags []string) error {
	var rowid int64
	var status string
	if err := tx.QueryRowContext(ctx,
		`SELECT rowid, status FROM memory_items WHERE user_id = ? AND memory_id = ?`,
		userID, memoryID).Scan(&rowid, &status); err != nil {
		return fmt.Errorf("failed to resolve rowid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("failed to deindex memory: %w", err)
	}
	if status != string(types.StatusActive) {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_fts(rowid, text, summary, tags) VALUES (?, ?, ?, ?)`,
		rowid, text, summary, strings.Join(tags, " "),
	); err != nil {
		return fmt.Errorf("failed to index memory: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// SortKey selects the QueryMemories ordering.
type SortKey string

const (
	SortByUpdatedAt SortKey = "updated_at"
	SortByCreatedAt SortKey = "created_at"
	SortByWilson    SortKey = "wilson_score"
	SortByUses      SortKey = "uses"
)

// sortColumns whitelists the ORDER BY targets; sort keys never reach the SQL
// as raw strings.
var sortColumns = map[SortKey]string{
	SortByUpdatedAt: "updated_at",
	SortByCreatedAt: "created_at",
	SortByWilson:    "wilson_score",
	SortByUses:      "uses",
}

// QueryFilter narrows QueryMemories.
type QueryFilter struct {
	Tiers        []types.Tier
	Statuses     []types.Status
	Tags         []string // match any
	Entities     []string // match any
	MinWilson    float64
	UpdatedAfter time.Time
	Limit        int
	Offset       int
	SortBy       SortKey // default: wilson_score
}

// QueryMemories lists memory items for a user. Without explicit statuses only
// active, unexpired items are returned.
func (s *Store) QueryMemories(ctx context.Context, userID string, f QueryFilter) ([]*types.MemoryItem, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.QueryMemories")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT ` + memoryColumns + ` FROM memory_items WHERE user_id = ?`
	args := []interface{}{userID}

	if len(f.Statuses) == 0 {
		query += ` AND status = 'active' AND (expires_at IS NULL OR expires_at > ?)`
		args = append(args, nowMillis())
	} else {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Tiers) > 0 {
		query += ` AND tier IN (` + placeholders(len(f.Tiers)) + `)`
		for _, tier := range f.Tiers {
			normalized, ok := types.NormalizeTier(string(tier))
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
			}
			args = append(args, string(normalized))
		}
	}
	if f.MinWilson > 0 {
		query += ` AND wilson_score >= ?`
		args = append(args, f.MinWilson)
	}
	if !f.UpdatedAfter.IsZero() {
		query += ` AND updated_at > ?`
		args = append(args, f.UpdatedAfter.UnixMilli())
	}
	// Tags and entities live as JSON arrays; match-any via json_each.
	if len(f.Tags) > 0 {
		query += ` AND EXISTS (SELECT 1 FROM json_each(memory_items.tags)
			WHERE json_each.value IN (` + placeholders(len(f.Tags)) + `))`
		for _, tag := range f.Tags {
			args = append(args, tag)
		}
	}
	if len(f.Entities) > 0 {
		query += ` AND EXISTS (SELECT 1 FROM json_each(memory_items.entities)
			WHERE json_each.value IN (` + placeholders(len(f.Entities)) + `))`
		for _, entity := range f.Entities {
			args = append(args, entity)
		}
	}

	sortBy := f.SortBy
	if sortBy == "" {
		sortBy = SortByWilson
	}
	column, ok := sortColumns[sortBy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sort key %q", ErrInvalidInput, f.SortBy)
	}
	query += ` ORDER BY ` + column + ` DESC`
	if column != "updated_at" {
		query += `, updated_at DESC`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetAlwaysInject returns the pinned items injected into every assistant
// context, best-scored first.
func (s *Store) GetAlwaysInject(ctx context.Context, userID string, limit int) ([]*types.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_items
		 WHERE user_id = ? AND status = 'active' AND always_inject = 1
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY wilson_score DESC, importance DESC
		 LIMIT ?`,
		userID, nowMillis(), limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// CountByTier returns active item counts with every tier present, zero
// included.
func (s *Store) CountByTier(ctx context.Context, userID string) (map[types.Tier]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	counts := make(map[types.Tier]int64, len(types.AllTiers))
	for _, tier := range types.AllTiers {
		counts[tier] = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, COUNT(*) FROM memory_items
		 WHERE user_id = ? AND status = 'active' AND (expires_at IS NULL OR expires_at > ?)
		 GROUP BY tier`,
		userID, nowMillis())
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tier string
		var count int64
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, err
		}
		if normalized, ok := types.NormalizeTier(tier); ok {
			counts[normalized] += count
		}
	}
	return counts, rows.Err()
}

// CountActive returns the number of active, unexpired items for a user.
func (s *Store) CountActive(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_items
		 WHERE user_id = ? AND status = 'active' AND (expires_at IS NULL OR expires_at > ?)`,
		userID, nowMillis()).Scan(&count)
	return count, err
}

// SweepExpired archives every active item whose expiry has passed. Returns
// the number of items archived.
func (s *Store) SweepExpired(ctx context.Context, userID string) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.SweepExpired")
	defer timer.Stop()

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

	rows, err := tx.QueryContext(ctx, `
		SELECT memory_id FROM memory_items
		WHERE user_id = ? AND status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?`,
		userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired: %w", err)
	}
	var swept []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired id: %w", err)
		}
		swept = append(swept, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list expired: %w", err)
	}
	if len(swept) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM memory_fts WHERE rowid IN (
			SELECT rowid FROM memory_items
			WHERE user_id = ? AND status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?
		)`, userID, now,
	); err != nil {
		return nil, fmt.Errorf("failed to deindex expired: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE memory_items SET status = 'archived', archived_at = ?, updated_at = ?
		WHERE user_id = ? AND status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?`,
		now, now, userID, now); err != nil {
		return nil, fmt.Errorf("failed to sweep expired: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	logging.Store("Swept %d expired memories for user %s", len(swept), userID)
	return swept, nil
}

// =============================================================================
// EMBEDDING BOOKKEEPING
// =============================================================================

// UpdateEmbeddingInfo records which vector is indexed for an item.
func (s *Store) UpdateEmbeddingInfo(ctx context.Context, userID, memoryID string, info types.EmbeddingInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_items SET embedding_model = ?, embedding_dims = ?, vector_hash = ?, last_indexed_at = ?
		WHERE user_id = ? AND memory_id = ?`,
		info.Model, info.Dimensions, info.VectorHash, info.LastIndexedAt.UnixMilli(),
		userID, memoryID)
	if err != nil {
		return fmt.Errorf("failed to update embedding info: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", memoryID, ErrNotFound)
	}
	return nil
}

// GetMemoriesNeedingReindex finds active items whose text changed since the
// last index pass, or that were embedded with a different model.
func (s *Store) GetMemoriesNeedingReindex(ctx context.Context, userID, model string, limit int) ([]*types.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_items
		 WHERE user_id = ? AND status = 'active' AND (expires_at IS NULL OR expires_at > ?)
		   AND (last_indexed_at IS NULL OR updated_at > last_indexed_at OR embedding_model != ?)
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		userID, nowMillis(), model, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetVersionHistory returns an item's versions, newest first.
func (s *Store) GetVersionHistory(ctx context.Context, userID, memoryID string) ([]*types.MemoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, user_id, version, text, summary, tier, change_kind, created_at
		FROM memory_versions WHERE user_id = ? AND memory_id = ?
		ORDER BY version DESC`,
		userID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var versions []*types.MemoryVersion
	for rows.Next() {
		var v types.MemoryVersion
		var tier string
		var created int64
		if err := rows.Scan(&v.MemoryID, &v.UserID, &v.Version, &v.Text, &v.Summary, &tier, &v.ChangeKind, &created); err != nil {
			return nil, err
		}
		v.Tier = types.Tier(tier)
		v.CreatedAt = millisToTime(created)
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// =============================================================================
// SCANNING HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.MemoryItem, error) {
	var (
		m                                  types.MemoryItem
		tags, entities, sourceJSON         string
		language, tier, status             string
		alwaysInject                       int
		lastUsed, lastIndexed              sql.NullInt64
		created, updated                   int64
		archived, expires                  sql.NullInt64
	)
	err := row.Scan(
		&m.MemoryID, &m.UserID, &m.Text, &m.Summary, &tags, &entities, &language,
		&tier, &status, &alwaysInject, &sourceJSON,
		&m.Importance, &m.Confidence, &m.MentionedCount, &m.QualityScore,
		&m.Stats.Uses, &m.Stats.Worked, &m.Stats.Partial, &m.Stats.Unknown, &m.Stats.Failed,
		&m.Stats.SuccessCount, &m.Stats.SuccessRate, &m.Stats.WilsonScore, &lastUsed,
		&m.CurrentVersion, &m.SupersedesMemoryID,
		&m.Embedding.Model, &m.Embedding.Dimensions, &m.Embedding.VectorHash, &lastIndexed,
		&created, &updated, &archived, &expires,
		&m.PersonaID, &m.PersonaName,
	)
	if err != nil {
		return nil, err
	}

	m.Language = types.Language(language)
	m.Tier = types.Tier(tier)
	m.Status = types.Status(status)
	m.AlwaysInject = alwaysInject != 0
	m.Tags = fromJSONStrings(tags)
	m.Entities = fromJSONStrings(entities)
	if err := json.Unmarshal([]byte(sourceJSON), &m.Source); err != nil {
		logging.StoreDebug("Memory %s has malformed source json: %v", m.MemoryID, err)
	}
	if lastUsed.Valid {
		m.Stats.LastUsedAt = millisToTime(lastUsed.Int64)
	}
	if lastIndexed.Valid {
		m.Embedding.LastIndexedAt = millisToTime(lastIndexed.Int64)
	}
	m.CreatedAt = millisToTime(created)
	m.UpdatedAt = millisToTime(updated)
	if archived.Valid {
		t := millisToTime(archived.Int64)
		m.ArchivedAt = &t
	}
	if expires.Valid {
		t := millisToTime(expires.Int64)
		m.ExpiresAt = &t
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*types.MemoryItem, error) {
	var items []*types.MemoryItem
	now := time.Now()
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if item.Status == types.StatusActive && item.Expired(now) {
			item.Status = types.StatusArchived
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func fromJSONStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
