// Package store implements the document-of-record layer for the recall core
// on SQLite: memory items and versions, outcome accounting, action outcomes,
// known solutions, knowledge-graph persistence, the document registry, and
// the FTS5 lexical index.
//
// Every table is scoped by user_id and every read path treats expired items
// as archived.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"recall/internal/logging"
)

// Sentinel errors surfaced by the store.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidTier  = errors.New("invalid tier")
)

// Store is the SQLite-backed document store.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	queryTimeout time.Duration
}

// New initializes the SQLite database at the given path. Use ":memory:" for
// tests.
func New(path string, queryTimeout time.Duration) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("Initializing document store at: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	if queryTimeout <= 0 {
		queryTimeout = 2 * time.Second
	}

	s := &Store{db: db, dbPath: path, queryTimeout: queryTimeout}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Document store ready (items, outcomes, graphs, registry, FTS)")
	return s, nil
}

// initialize creates the required tables and indexes.
func (s *Store) initialize() error {
	memoryItems := `
	CREATE TABLE IF NOT EXISTS memory_items (
		rowid INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		memory_id TEXT NOT NULL,
		text TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		entities TEXT NOT NULL DEFAULT '[]',
		language TEXT NOT NULL DEFAULT 'none',
		tier TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		always_inject INTEGER NOT NULL DEFAULT 0,
		source_kind TEXT NOT NULL DEFAULT 'system_seed',
		source_json TEXT NOT NULL DEFAULT '{}',
		importance REAL NOT NULL DEFAULT 0.5,
		confidence REAL NOT NULL DEFAULT 0.5,
		mentioned_count REAL NOT NULL DEFAULT 0,
		quality_score REAL NOT NULL DEFAULT 0.5,
		uses INTEGER NOT NULL DEFAULT 0,
		worked INTEGER NOT NULL DEFAULT 0,
		partial INTEGER NOT NULL DEFAULT 0,
		unknown INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		success_count REAL NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		wilson_score REAL NOT NULL DEFAULT 0.5,
		last_used_at INTEGER,
		current_version INTEGER NOT NULL DEFAULT 1,
		supersedes TEXT NOT NULL DEFAULT '',
		embedding_model TEXT NOT NULL DEFAULT '',
		embedding_dims INTEGER NOT NULL DEFAULT 0,
		vector_hash TEXT NOT NULL DEFAULT '',
		last_indexed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		archived_at INTEGER,
		expires_at INTEGER,
		persona_id TEXT NOT NULL DEFAULT '',
		persona_name TEXT NOT NULL DEFAULT '',
		UNIQUE(user_id, memory_id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_user_tier_status ON memory_items(user_id, tier, status);
	CREATE INDEX IF NOT EXISTS idx_items_user_status ON memory_items(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_items_expires ON memory_items(expires_at);
	CREATE INDEX IF NOT EXISTS idx_items_updated ON memory_items(user_id, updated_at);
	`

	memoryFTS := `
	CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
		text, summary, tags,
		tokenize = 'unicode61'
	);
	`

	memoryVersions := `
	CREATE TABLE IF NOT EXISTS memory_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		memory_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		text TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL,
		change_kind TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(user_id, memory_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_versions_item ON memory_versions(user_id, memory_id);
	`

	memoryOutcomes := `
	CREATE TABLE IF NOT EXISTS memory_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		memory_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		score_delta REAL NOT NULL DEFAULT 0,
		new_wilson REAL NOT NULL DEFAULT 0.5,
		time_weight REAL NOT NULL DEFAULT 1.0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_item ON memory_outcomes(user_id, memory_id);
	`

	actionOutcomes := `
	CREATE TABLE IF NOT EXISTS action_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		context_type TEXT NOT NULL,
		action TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		memory_ids TEXT NOT NULL DEFAULT '[]',
		tool_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_action_outcomes_user ON action_outcomes(user_id, context_type);
	`

	knownSolutions := `
	CREATE TABLE IF NOT EXISTS known_solutions (
		user_id TEXT NOT NULL,
		problem_hash TEXT NOT NULL,
		memory_id TEXT NOT NULL,
		success_count INTEGER NOT NULL DEFAULT 1,
		first_used_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL,
		PRIMARY KEY(user_id, problem_hash)
	);
	`

	kgNodes := `
	CREATE TABLE IF NOT EXISTS kg_nodes (
		user_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		label TEXT NOT NULL,
		node_type TEXT NOT NULL DEFAULT 'entity',
		aliases TEXT NOT NULL DEFAULT '[]',
		mentions INTEGER NOT NULL DEFAULT 0,
		quality_sum REAL NOT NULL DEFAULT 0,
		memory_ids TEXT NOT NULL DEFAULT '[]',
		translations TEXT NOT NULL DEFAULT '{}',
		source_language TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY(user_id, node_id)
	);
	`

	kgEdges := `
	CREATE TABLE IF NOT EXISTS kg_edges (
		user_id TEXT NOT NULL,
		edge_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relation_type TEXT NOT NULL DEFAULT 'co_occurs',
		weight REAL NOT NULL DEFAULT 1.0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY(user_id, edge_id)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON kg_edges(user_id, source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON kg_edges(user_id, target_id);
	`

	kgRoutingStats := `
	CREATE TABLE IF NOT EXISTS kg_routing_stats (
		user_id TEXT NOT NULL,
		concept_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		uses INTEGER NOT NULL DEFAULT 0,
		worked INTEGER NOT NULL DEFAULT 0,
		partial INTEGER NOT NULL DEFAULT 0,
		unknown INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		success_count REAL NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		wilson_score REAL NOT NULL DEFAULT 0.5,
		last_used_at INTEGER,
		PRIMARY KEY(user_id, concept_id, tier)
	);
	`

	kgActionEffectiveness := `
	CREATE TABLE IF NOT EXISTS kg_action_effectiveness (
		user_id TEXT NOT NULL,
		context_type TEXT NOT NULL,
		action TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT '',
		uses INTEGER NOT NULL DEFAULT 0,
		worked INTEGER NOT NULL DEFAULT 0,
		partial INTEGER NOT NULL DEFAULT 0,
		unknown INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		success_count REAL NOT NULL DEFAULT 0,
		wilson_score REAL NOT NULL DEFAULT 0.5,
		examples TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY(user_id, context_type, action, tier)
	);
	`

	documentRegistry := `
	CREATE TABLE IF NOT EXISTS document_registry (
		user_id TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		url_hash TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		markdown TEXT NOT NULL DEFAULT '',
		char_count INTEGER NOT NULL DEFAULT 0,
		word_count INTEGER NOT NULL DEFAULT 0,
		page_count INTEGER NOT NULL DEFAULT 0,
		summary_json TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		error TEXT NOT NULL DEFAULT '',
		memory_ids TEXT NOT NULL DEFAULT '[]',
		processing_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY(user_id, doc_id)
	);
	CREATE INDEX IF NOT EXISTS idx_registry_url ON document_registry(user_id, url_hash);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_registry_content ON document_registry(user_id, content_hash)
		WHERE content_hash != '';
	`

	for _, table := range []string{
		memoryItems,
		memoryFTS,
		memoryVersions,
		memoryOutcomes,
		actionOutcomes,
		knownSolutions,
		kgNodes,
		kgEdges,
		kgRoutingStats,
		kgActionEffectiveness,
		documentRegistry,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing document store")
	return s.db.Close()
}

// DB returns the underlying SQL database connection. The vector index
// adapter shares this connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// opCtx derives a context bounded by the per-operation store timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// Stats returns per-table row counts.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Stats")
	defer timer.Stop()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	stats := make(map[string]int64)
	tables := []string{
		"memory_items", "memory_versions", "memory_outcomes", "action_outcomes",
		"known_solutions", "kg_nodes", "kg_edges", "kg_routing_stats",
		"kg_action_effectiveness", "document_registry",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// Vacuum reclaims space after large sweeps. Cannot run inside a
// transaction, so it takes the database-level write path.
func (s *Store) Vacuum(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryStore, "store.Vacuum")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}

// nowMillis is the single clock used for persisted timestamps.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
