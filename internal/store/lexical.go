package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"recall/internal/logging"
	"recall/internal/types"
)

// =============================================================================
// LEXICAL (FTS5/BM25) SEARCH
// =============================================================================

// bm25 column weights: text 10, summary 5, tags 3.
const bm25Weights = "10.0, 5.0, 3.0"

// rrfK is the rank-fusion constant; each hit carries 1/(rank+rrfK) so the
// fusion layer can sum adapter scores directly.
const rrfK = 60.0

// LexicalHit is one BM25 match, rank-normalised for reciprocal rank fusion.
type LexicalHit struct {
	MemoryID string
	Tier     types.Tier
	Text     string
	Rank     int     // 1-based
	BM25     float64 // raw score, higher is better
	Score    float64 // 1/(rank+60)
}

// TextSearch runs a BM25 query over the FTS index. The original query is
// retained as a phrase and unioned with its individual tokens and any
// caller-supplied expansion terms, OR semantics throughout. Only active,
// unexpired items are returned.
func (s *Store) TextSearch(ctx context.Context, userID, query string, expansions []string, tiers []types.Tier, limit int) ([]LexicalHit, error) {
	timer := logging.StartTimer(logging.CategorySearch, "store.TextSearch")
	defer timer.StopWithThreshold(200 * time.Millisecond)

	match := buildMatchQuery(query, expansions)
	if match == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	sqlQuery := `
		SELECT m.memory_id, m.tier, m.text, bm25(memory_fts, ` + bm25Weights + `) AS score
		FROM memory_fts f
		JOIN memory_items m ON m.rowid = f.rowid
		WHERE memory_fts MATCH ?
		  AND m.user_id = ? AND m.status = 'active'
		  AND (m.expires_at IS NULL OR m.expires_at > ?)`
	args := []interface{}{match, userID, nowMillis()}

	if len(tiers) > 0 {
		sqlQuery += ` AND m.tier IN (` + placeholders(len(tiers)) + `)`
		for _, tier := range tiers {
			normalized, ok := types.NormalizeTier(string(tier))
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
			}
			args = append(args, string(normalized))
		}
	}
	// SQLite bm25() is smaller-is-better.
	sqlQuery += ` ORDER BY score ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	rank := 0
	for rows.Next() {
		var hit LexicalHit
		var tier string
		var raw float64
		if err := rows.Scan(&hit.MemoryID, &tier, &hit.Text, &raw); err != nil {
			return nil, err
		}
		rank++
		hit.Tier = types.Tier(tier)
		hit.Rank = rank
		hit.BM25 = -raw
		hit.Score = 1.0 / (float64(rank) + rrfK)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.SearchDebug("TextSearch %q matched %d items", query, len(hits))
	return hits, nil
}

// buildMatchQuery assembles the FTS5 MATCH expression: the whole query as a
// phrase, OR each token, OR each expansion term.
func buildMatchQuery(query string, expansions []string) string {
	var parts []string
	seen := make(map[string]bool)

	// Quoting every term also neutralises FTS5 operator syntax in user input.
	add := func(term string) {
		term = strings.ReplaceAll(term, `"`, ``)
		term = strings.TrimSpace(term)
		if term == "" || seen[term] {
			return
		}
		seen[term] = true
		parts = append(parts, `"`+term+`"`)
	}

	trimmed := strings.TrimSpace(query)
	tokens := strings.Fields(trimmed)
	if len(tokens) > 1 {
		add(trimmed)
	}
	for _, tok := range tokens {
		add(tok)
	}
	for _, exp := range expansions {
		add(exp)
	}
	return strings.Join(parts, " OR ")
}

// ActiveCountAndLatest reports how many active items a user has and the most
// recent update time, used by the zero-result drift diagnostic.
func (s *Store) ActiveCountAndLatest(ctx context.Context, userID string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var count int64
	var latest int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(updated_at), 0) FROM memory_items
		WHERE user_id = ? AND status = 'active' AND (expires_at IS NULL OR expires_at > ?)`,
		userID, nowMillis()).Scan(&count, &latest)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read drift stats: %w", err)
	}
	return count, latest, nil
}
