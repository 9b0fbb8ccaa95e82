// Package vector maintains the dense-retrieval index. When the sqlite-vec
// extension is present (sqlite_vec build tag) similarity search runs through
// a vec0 virtual table; otherwise a brute-force cosine scan over stored
// embedding blobs serves the same interface. Payload rows double as the
// fallback store, so the two paths never disagree about what is indexed.
package vector

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"recall/internal/logging"
	"recall/internal/types"
)

// rrfK matches the lexical adapter so fusion can sum adapter scores.
const rrfK = 60.0

// Payload is the metadata carried alongside each vector, enough to filter
// and preview without a round trip to the document store.
type Payload struct {
	Tier           types.Tier `json:"tier"`
	Status         types.Status `json:"status"`
	Content        string     `json:"content"`
	Entities       []string   `json:"entities,omitempty"`
	Uses           int64      `json:"uses"`
	CompositeScore float64    `json:"composite_score"`
	PersonaName    string     `json:"persona_name,omitempty"`
}

// Hit is one dense-retrieval match, rank-normalised for fusion.
type Hit struct {
	MemoryID   string
	Tier       types.Tier
	Content    string
	Rank       int     // 1-based
	Similarity float64 // cosine, higher is better
	Score      float64 // 1/(rank+60)
	Payload    Payload
}

// SearchOptions narrow a dense search.
type SearchOptions struct {
	Tiers    []types.Tier
	Entities []string // pre-filter: keep items sharing at least one entity
	Limit    int
}

// Index is the dense vector index over a shared SQLite connection.
type Index struct {
	db     *sql.DB
	mu     sync.RWMutex
	dims   int
	useVec bool
}

// New prepares the index tables and probes for vec0 support.
func New(db *sql.DB, dims int) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryVector, "vector.New")
	defer timer.Stop()

	if dims <= 0 {
		dims = 768
	}
	idx := &Index{db: db, dims: dims}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vector_payloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			embedding BLOB NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(user_id, memory_id)
		);
		CREATE INDEX IF NOT EXISTS idx_vector_payloads_user ON vector_payloads(user_id);
	`); err != nil {
		return nil, fmt.Errorf("failed to create payload table: %w", err)
	}

	idx.useVec = idx.detectVecSupport()
	if idx.useVec {
		if _, err := db.Exec(fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(embedding float[%d])`, dims,
		)); err != nil {
			logging.Vector("vec0 table creation failed, falling back to brute force: %v", err)
			idx.useVec = false
		}
	}

	if idx.useVec {
		logging.Vector("Vector index ready: sqlite-vec KNN, %d dims", dims)
	} else {
		logging.Vector("Vector index ready: brute-force cosine, %d dims", dims)
	}
	return idx, nil
}

// detectVecSupport probes the loaded SQLite for the sqlite-vec extension.
func (x *Index) detectVecSupport() bool {
	var version string
	if err := x.db.QueryRow(`SELECT vec_version()`).Scan(&version); err != nil {
		return false
	}
	logging.VectorDebug("sqlite-vec detected: %s", version)
	return true
}

// Accelerated reports whether KNN runs through vec0.
func (x *Index) Accelerated() bool { return x.useVec }

// Upsert stores or replaces the vector and payload for a memory item.
func (x *Index) Upsert(ctx context.Context, userID, memoryID string, embedding []float32, payload Payload) error {
	timer := logging.StartTimer(logging.CategoryVector, "vector.Upsert")
	defer timer.Stop()

	if len(embedding) != x.dims {
		return fmt.Errorf("embedding has %d dims, index expects %d", len(embedding), x.dims)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	blob, err := encodeVector(embedding)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vector_payloads (user_id, memory_id, embedding, payload, updated_at)
		VALUES (?, ?, ?, ?, strftime('%s','now'))
		ON CONFLICT(user_id, memory_id) DO UPDATE SET
			embedding = excluded.embedding,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		userID, memoryID, blob, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to upsert payload: %w", err)
	}

	if x.useVec {
		var rowid int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM vector_payloads WHERE user_id = ? AND memory_id = ?`,
			userID, memoryID).Scan(&rowid); err != nil {
			return fmt.Errorf("failed to resolve payload row: %w", err)
		}
		// vec0 has no upsert; delete-then-insert keyed by the payload rowid.
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_vectors WHERE rowid = ?`, rowid); err != nil {
			return fmt.Errorf("failed to clear vec row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_vectors (rowid, embedding) VALUES (?, ?)`, rowid, blob); err != nil {
			return fmt.Errorf("failed to insert vec row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vector upsert: %w", err)
	}
	return nil
}

// Delete removes an item from the index. Missing items are a no-op so
// archive paths can call this unconditionally.
func (x *Index) Delete(ctx context.Context, userID, memoryID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if x.useVec {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM memory_vectors WHERE rowid IN (
				SELECT id FROM vector_payloads WHERE user_id = ? AND memory_id = ?
			)`, userID, memoryID); err != nil {
			return fmt.Errorf("failed to delete vec row: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM vector_payloads WHERE user_id = ? AND memory_id = ?`,
		userID, memoryID); err != nil {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	return tx.Commit()
}

// Count returns the number of indexed vectors for a user.
func (x *Index) Count(ctx context.Context, userID string) (int64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var count int64
	err := x.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vector_payloads WHERE user_id = ?`, userID).Scan(&count)
	return count, err
}

// Search runs KNN over the index. Results are filtered to active items, the
// requested tiers, and (when given) the entity pre-filter, then rank
// normalised.
func (x *Index) Search(ctx context.Context, userID string, query []float32, opts SearchOptions) ([]Hit, error) {
	timer := logging.StartTimer(logging.CategoryVector, "vector.Search")
	defer timer.StopWithThreshold(500 * time.Millisecond)

	if len(query) != x.dims {
		return nil, fmt.Errorf("query has %d dims, index expects %d", len(query), x.dims)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var hits []Hit
	var err error
	if x.useVec {
		hits, err = x.searchVec(ctx, userID, query, opts, limit)
	} else {
		hits, err = x.searchBruteForce(ctx, userID, query, opts, limit)
	}
	if err != nil {
		return nil, err
	}

	for i := range hits {
		hits[i].Rank = i + 1
		hits[i].Score = 1.0 / (float64(i+1) + rrfK)
	}
	logging.VectorDebug("Dense search returned %d hits (accelerated=%v)", len(hits), x.useVec)
	return hits, nil
}

// searchVec over-fetches from the vec0 KNN and filters on payloads, since
// vec0 cannot see the metadata.
func (x *Index) searchVec(ctx context.Context, userID string, query []float32, opts SearchOptions, limit int) ([]Hit, error) {
	blob, err := encodeVector(query)
	if err != nil {
		return nil, err
	}

	rows, err := x.db.QueryContext(ctx, `
		SELECT p.memory_id, p.payload, v.distance
		FROM memory_vectors v
		JOIN vector_payloads p ON p.id = v.rowid
		WHERE v.embedding MATCH ? AND k = ? AND p.user_id = ?
		ORDER BY v.distance`,
		blob, limit*4, userID)
	if err != nil {
		return nil, fmt.Errorf("vec search failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var memoryID, payloadJSON string
		var distance float64
		if err := rows.Scan(&memoryID, &payloadJSON, &distance); err != nil {
			return nil, err
		}
		hit, ok := buildHit(memoryID, payloadJSON, 1.0-distance*distance/2.0, opts)
		if !ok {
			continue
		}
		hits = append(hits, hit)
		if len(hits) >= limit {
			break
		}
	}
	return hits, rows.Err()
}

// searchBruteForce scans every stored embedding for the user and ranks by
// cosine similarity. Fine for local datasets in the tens of thousands.
func (x *Index) searchBruteForce(ctx context.Context, userID string, query []float32, opts SearchOptions, limit int) ([]Hit, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT memory_id, embedding, payload FROM vector_payloads WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("payload scan failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var memoryID, payloadJSON string
		var blob []byte
		if err := rows.Scan(&memoryID, &blob, &payloadJSON); err != nil {
			return nil, err
		}
		embedding, err := decodeVector(blob)
		if err != nil || len(embedding) != len(query) {
			continue
		}
		hit, ok := buildHit(memoryID, payloadJSON, cosine(query, embedding), opts)
		if !ok {
			continue
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// buildHit decodes a payload and applies the status/tier/entity filters.
func buildHit(memoryID, payloadJSON string, similarity float64, opts SearchOptions) (Hit, bool) {
	var payload Payload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return Hit{}, false
	}
	if payload.Status != "" && payload.Status != types.StatusActive {
		return Hit{}, false
	}
	if len(opts.Tiers) > 0 {
		match := false
		for _, tier := range opts.Tiers {
			if payload.Tier == tier {
				match = true
				break
			}
		}
		if !match {
			return Hit{}, false
		}
	}
	if len(opts.Entities) > 0 && !sharesEntity(payload.Entities, opts.Entities) {
		return Hit{}, false
	}
	return Hit{
		MemoryID:   memoryID,
		Tier:       payload.Tier,
		Content:    payload.Content,
		Similarity: similarity,
		Payload:    payload,
	}, true
}

func sharesEntity(have, want []string) bool {
	if len(have) == 0 {
		return false
	}
	set := make(map[string]bool, len(have))
	for _, e := range have {
		set[e] = true
	}
	for _, e := range want {
		if set[e] {
			return true
		}
	}
	return false
}

// =============================================================================
// BLOB CODEC
// =============================================================================

// encodeVector serialises float32s little-endian, the layout sqlite-vec
// expects for float[] columns.
func encodeVector(v []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("malformed vector blob: %d bytes", len(blob))
	}
	out := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &out); err != nil {
		return nil, fmt.Errorf("failed to decode vector: %w", err)
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag))
}
