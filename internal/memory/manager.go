// Package memory orchestrates the write paths of the core: ingest
// (store → embed → index → content graph), outcome recording
// (stats → routing graph → index payload refresh) and lifecycle changes
// (archive/delete with index tombstones and graph cleanup).
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"recall/internal/config"
	"recall/internal/embedding"
	"recall/internal/kg"
	"recall/internal/logging"
	"recall/internal/store"
	"recall/internal/types"
	"recall/internal/vector"
)

// Manager wires the stores behind a single write API.
type Manager struct {
	store    *store.Store
	index    *vector.Index
	embedder embedding.Engine
	graph    *kg.Service
	cfg      *config.Config
}

// NewManager builds the orchestrator.
func NewManager(st *store.Store, idx *vector.Index, engine embedding.Engine, graph *kg.Service, cfg *config.Config) *Manager {
	return &Manager{store: st, index: idx, embedder: engine, graph: graph, cfg: cfg}
}

// Ingest stores a memory item, embeds and indexes it, and feeds its entities
// into the content graph. Embedding failure leaves a stored but unindexed
// item; the reindex worker picks it up later.
func (m *Manager) Ingest(ctx context.Context, p store.StoreParams) (*types.MemoryItem, error) {
	timer := logging.StartTimer(logging.CategoryStore, "memory.Ingest")
	defer timer.Stop()

	if len(p.Entities) == 0 {
		p.Entities = kg.ExtractEntities(p.Text)
	}

	item, err := m.store.StoreMemory(ctx, p)
	if err != nil {
		return nil, err
	}

	if err := m.indexItem(ctx, item); err != nil {
		logging.Store("Indexing deferred for memory %s: %v", item.MemoryID, err)
	}

	m.graph.UpdateContentKG(ctx, item.UserID, item.MemoryID, item.Entities, item.Importance, item.Confidence)
	return item, nil
}

// indexItem embeds the item text and upserts the vector with a payload
// snapshot, then records the embedding metadata on the item.
func (m *Manager) indexItem(ctx context.Context, item *types.MemoryItem) error {
	embedCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.Embed())
	defer cancel()

	vec, err := m.embedder.Embed(embedCtx, item.Text)
	if err != nil {
		return err
	}

	err = m.index.Upsert(ctx, item.UserID, item.MemoryID, vec, vector.Payload{
		Tier:           item.Tier,
		Status:         item.Status,
		Content:        item.Text,
		Entities:       item.Entities,
		Uses:           item.Stats.Uses,
		CompositeScore: item.Stats.WilsonScore,
		PersonaName:    item.PersonaName,
	})
	if err != nil {
		return err
	}

	return m.store.UpdateEmbeddingInfo(ctx, item.UserID, item.MemoryID, types.EmbeddingInfo{
		Model:         m.embedder.Name(),
		Dimensions:    m.embedder.Dimensions(),
		VectorHash:    vectorHash(item.Text),
		LastIndexedAt: time.Now(),
	})
}

// RecordOutcome applies feedback to an item, propagates it into the routing
// graph for the supplied concepts, and refreshes the indexed payload so
// composite scores stay close to the store.
func (m *Manager) RecordOutcome(ctx context.Context, userID, memoryID string, kind types.OutcomeKind, outcomeContext string, concepts []string) (*types.MemoryItem, error) {
	item, err := m.store.RecordOutcome(ctx, store.OutcomeParams{
		UserID:     userID,
		MemoryID:   memoryID,
		Kind:       kind,
		Context:    outcomeContext,
		ScoreDelta: m.cfg.OutcomeDelta(string(kind)),
	})
	if err != nil {
		return nil, err
	}

	if len(concepts) > 0 {
		if err := m.graph.UpdateRoutingStats(ctx, userID, concepts, []types.Tier{item.Tier}, kind); err != nil {
			logging.Outcome("Routing update failed for memory %s: %v", memoryID, err)
		}
	}

	// Best effort payload refresh; the reindex worker reconciles misses.
	if item.Status == types.StatusActive {
		if err := m.indexItem(ctx, item); err != nil {
			logging.Outcome("Payload refresh failed for memory %s: %v", memoryID, err)
		}
	}
	return item, nil
}

// Archive hides an item from every read path: status flip, vector
// tombstone, content-graph reference cleanup.
func (m *Manager) Archive(ctx context.Context, userID, memoryID string) error {
	if err := m.store.ArchiveMemory(ctx, userID, memoryID); err != nil {
		return err
	}
	return m.removeFromIndexes(ctx, userID, memoryID)
}

// Delete soft-deletes an item with the same index and graph cleanup.
func (m *Manager) Delete(ctx context.Context, userID, memoryID string) error {
	if err := m.store.DeleteMemory(ctx, userID, memoryID); err != nil {
		return err
	}
	return m.removeFromIndexes(ctx, userID, memoryID)
}

// Ghost soft-hides an item. Ghosted items keep their stats but leave every
// search path, so the index and graph cleanup is the same as an archive.
func (m *Manager) Ghost(ctx context.Context, userID, memoryID string) error {
	if err := m.store.GhostMemory(ctx, userID, memoryID); err != nil {
		return err
	}
	return m.removeFromIndexes(ctx, userID, memoryID)
}

func (m *Manager) removeFromIndexes(ctx context.Context, userID, memoryID string) error {
	if err := m.index.Delete(ctx, userID, memoryID); err != nil {
		logging.Store("Vector tombstone failed for memory %s: %v", memoryID, err)
	}
	return m.graph.CleanupMemoryReferences(ctx, userID, memoryID)
}

// ReindexPending re-embeds items whose text changed since the last index
// pass or that were embedded with a different model. Returns how many items
// were reindexed.
func (m *Manager) ReindexPending(ctx context.Context, userID string, batch int) (int, error) {
	timer := logging.StartTimer(logging.CategoryVector, "memory.ReindexPending")
	defer timer.Stop()

	items, err := m.store.GetMemoriesNeedingReindex(ctx, userID, m.embedder.Name(), batch)
	if err != nil {
		return 0, err
	}
	reindexed := 0
	for _, item := range items {
		if err := m.indexItem(ctx, item); err != nil {
			logging.Vector("Reindex failed for memory %s: %v", item.MemoryID, err)
			continue
		}
		reindexed++
	}
	if reindexed > 0 {
		logging.Vector("Reindexed %d/%d pending memories for user %s", reindexed, len(items), userID)
	}
	return reindexed, nil
}

// Sweep archives expired items and tombstones their vectors. Returns the
// number of items swept.
func (m *Manager) Sweep(ctx context.Context, userID string) (int, error) {
	swept, err := m.store.SweepExpired(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, memoryID := range swept {
		if err := m.index.Delete(ctx, userID, memoryID); err != nil {
			logging.Store("Vector tombstone failed for swept memory %s: %v", memoryID, err)
		}
	}
	return len(swept), nil
}

// vectorHash fingerprints the embedded text so unchanged items skip
// re-embedding.
func vectorHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
