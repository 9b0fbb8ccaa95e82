package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"recall/internal/config"
	"recall/internal/embedding"
	"recall/internal/kg"
	"recall/internal/logging"
	"recall/internal/memory"
	"recall/internal/registry"
	"recall/internal/search"
	"recall/internal/store"
	"recall/internal/vector"
)

// app wires every subsystem for one CLI invocation.
type app struct {
	cfg      *config.Config
	store    *store.Store
	index    *vector.Index
	embedder embedding.Engine
	graph    *kg.Service
	manager  *memory.Manager
	search   *search.Service
	registry *registry.Service
}

// newApp bootstraps the core from the data directory.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := logging.Initialize(cfg.DataDir, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DatabasePath(), cfg.Timeouts.StoreQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	idx, err := vector.New(st.DB(), cfg.Embedding.Dimensions)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}

	engine := embedding.NewOllamaEngine(cfg.Embedding.Endpoint, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	graph := kg.New(st, kg.Config{FlushInterval: cfg.KG.FlushInterval(), TestMode: cfg.KG.TestMode})
	manager := memory.NewManager(st, idx, engine, graph, cfg)

	var reranker search.Reranker
	if cfg.Rerank.Enabled && cfg.Rerank.Endpoint != "" {
		reranker = search.NewHTTPReranker(cfg.Rerank.Endpoint, cfg.Timeouts.Rerank())
	}
	searcher := search.New(st, idx, engine, reranker, cfg)
	searcher.SetReindexer(manager.ReindexPending)
	reg := registry.New(st, manager, cfg, registry.Options{})

	a := &app{
		cfg:      cfg,
		store:    st,
		index:    idx,
		embedder: engine,
		graph:    graph,
		manager:  manager,
		search:   searcher,
		registry: reg,
	}

	if userID != "" {
		if n, err := a.registry.ResumeQueued(ctx, userID); err != nil {
			logger.Warn("Could not resume queued documents", zap.Error(err))
		} else if n > 0 {
			logger.Info("Resumed queued documents", zap.Int("count", n))
		}
	}
	return a, nil
}

// close drains background work in dependency order: registry worker first,
// then the graph flusher, search diagnostics, and finally the database.
func (a *app) close() {
	if err := a.registry.Close(); err != nil {
		logger.Warn("Registry close failed", zap.Error(err))
	}
	if err := a.graph.Close(); err != nil {
		logger.Warn("Graph close failed", zap.Error(err))
	}
	if err := a.search.Close(); err != nil {
		logger.Warn("Search close failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}
}

// defaultDataDir resolves the data directory flag, falling back to ~/.recall.
func defaultDataDir() string {
	if v := os.Getenv("RECALL_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recall"
	}
	return filepath.Join(home, ".recall")
}

