// Package config holds the configuration for the recall memory core.
// Configuration is loaded from <data_dir>/config.yaml, merged over defaults,
// then overridden by RECALL_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Timeouts  TimeoutConfig  `yaml:"timeouts" json:"timeouts"`
	Caps      CapsConfig     `yaml:"caps" json:"caps"`
	Weights   WeightConfig   `yaml:"weights" json:"weights"`
	Breakers  BreakerSet     `yaml:"circuit_breakers" json:"circuit_breakers"`
	Outcomes  OutcomeConfig  `yaml:"outcomes" json:"outcomes"`
	KG        KGConfig       `yaml:"kg" json:"kg"`
	Registry  RegistryConfig `yaml:"registry" json:"registry"`
	Embedding EmbedConfig    `yaml:"embedding" json:"embedding"`
	Rerank    RerankConfig   `yaml:"rerank" json:"rerank"`
	Summary   SummaryConfig  `yaml:"summary" json:"summary"`
	Logging   LoggingConfig  `yaml:"logging" json:"logging"`
}

// TimeoutConfig caps every external call.
type TimeoutConfig struct {
	EndToEndSearchMS int `yaml:"end_to_end_search_ms" json:"end_to_end_search_ms"`
	StoreQueryMS     int `yaml:"store_query_ms" json:"store_query_ms"`
	EmbedMS          int `yaml:"embed_ms" json:"embed_ms"`
	RerankMS         int `yaml:"reranker_ms" json:"reranker_ms"`
	SummaryMS        int `yaml:"summary_ms" json:"summary_ms"`
}

// EndToEndSearch returns the total search deadline.
func (t TimeoutConfig) EndToEndSearch() time.Duration {
	return time.Duration(t.EndToEndSearchMS) * time.Millisecond
}

// StoreQuery returns the per-operation store cap.
func (t TimeoutConfig) StoreQuery() time.Duration {
	return time.Duration(t.StoreQueryMS) * time.Millisecond
}

// Embed returns the embedder call cap.
func (t TimeoutConfig) Embed() time.Duration { return time.Duration(t.EmbedMS) * time.Millisecond }

// Rerank returns the reranker abort timeout.
func (t TimeoutConfig) Rerank() time.Duration { return time.Duration(t.RerankMS) * time.Millisecond }

// Summary returns the summariser call cap.
func (t TimeoutConfig) Summary() time.Duration { return time.Duration(t.SummaryMS) * time.Millisecond }

// CapsConfig bounds candidate volumes.
type CapsConfig struct {
	SearchLimitDefault  int `yaml:"search_limit_default" json:"search_limit_default"`
	SearchLimitMax      int `yaml:"search_limit_max" json:"search_limit_max"`
	CandidateMultiplier int `yaml:"candidate_fetch_multiplier" json:"candidate_fetch_multiplier"`
	RerankK             int `yaml:"rerank_k" json:"rerank_k"`
	RerankMaxInputChars int `yaml:"rerank_max_input_chars" json:"rerank_max_input_chars"`
}

// WeightConfig holds the blend weights for fusion and reranking.
type WeightConfig struct {
	DenseWeight    float64 `yaml:"dense_weight" json:"dense_weight"`
	TextWeight     float64 `yaml:"text_weight" json:"text_weight"`
	OriginalWeight float64 `yaml:"original_weight" json:"original_weight"`
	CEWeight       float64 `yaml:"ce_weight" json:"ce_weight"`
}

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	OpenDurationMS   int `yaml:"open_duration_ms" json:"open_duration_ms"`
}

// OpenDuration returns how long the breaker stays open before probing.
func (b BreakerConfig) OpenDuration() time.Duration {
	return time.Duration(b.OpenDurationMS) * time.Millisecond
}

// BreakerSet holds one breaker config per external dependency.
type BreakerSet struct {
	Lexical  BreakerConfig `yaml:"bm25" json:"bm25"`
	Vector   BreakerConfig `yaml:"qdrant" json:"qdrant"`
	Reranker BreakerConfig `yaml:"reranker" json:"reranker"`
}

// OutcomeConfig holds the per-outcome audit score deltas. These are display
// deltas for audit records, distinct from the fixed success weights.
type OutcomeConfig struct {
	Deltas map[string]float64 `yaml:"outcome_deltas" json:"outcome_deltas"`
}

// KGConfig tunes the knowledge-graph write buffer.
type KGConfig struct {
	FlushIntervalMS int  `yaml:"flush_interval_ms" json:"flush_interval_ms"`
	TestMode        bool `yaml:"test_mode" json:"test_mode"`
}

// FlushInterval returns the write-buffer flush cadence.
func (k KGConfig) FlushInterval() time.Duration {
	return time.Duration(k.FlushIntervalMS) * time.Millisecond
}

// RegistryConfig tunes document ingestion.
type RegistryConfig struct {
	ChunkSize    int `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
}

// EmbedConfig configures the embedding engine (local Ollama server).
type EmbedConfig struct {
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
}

// RerankConfig configures the cross-encoder endpoint.
type RerankConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// SummaryConfig configures the summariser LLM endpoint used by the document
// registry worker.
type SummaryConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Model    string `yaml:"model" json:"model"`
}

// LoggingConfig mirrors logging.Settings.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"`
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: ".recall",
		Timeouts: TimeoutConfig{
			EndToEndSearchMS: 15000,
			StoreQueryMS:     2000,
			EmbedMS:          5000,
			RerankMS:         4000,
			SummaryMS:        30000,
		},
		Caps: CapsConfig{
			SearchLimitDefault:  10,
			SearchLimitMax:      50,
			CandidateMultiplier: 3,
			RerankK:             20,
			RerankMaxInputChars: 2000,
		},
		Weights: WeightConfig{
			DenseWeight:    1.0,
			TextWeight:     1.0,
			OriginalWeight: 0.6,
			CEWeight:       0.4,
		},
		Breakers: BreakerSet{
			Lexical:  BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, OpenDurationMS: 30000},
			Vector:   BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, OpenDurationMS: 30000},
			Reranker: BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenDurationMS: 60000},
		},
		Outcomes: OutcomeConfig{
			Deltas: map[string]float64{
				"worked":  0.1,
				"partial": 0.05,
				"unknown": 0.0,
				"failed":  -0.1,
			},
		},
		KG: KGConfig{FlushIntervalMS: 1500},
		Registry: RegistryConfig{
			ChunkSize:    1000,
			ChunkOverlap: 200,
		},
		Embedding: EmbedConfig{
			Endpoint:   "http://localhost:11434",
			Model:      "embeddinggemma",
			Dimensions: 768,
		},
		Rerank: RerankConfig{
			Endpoint: "http://localhost:8787",
			Enabled:  true,
		},
		Summary: SummaryConfig{
			Endpoint: "http://localhost:11434",
			Model:    "llama3.2",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config.yaml under dataDir (if present), merges it over the
// defaults, and applies environment overrides. A missing file is not an
// error.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	path := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides maps RECALL_* environment variables onto the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RECALL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RECALL_OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("RECALL_EMBED_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("RECALL_RERANK_ENDPOINT"); v != "" {
		c.Rerank.Endpoint = v
	}
	if v := os.Getenv("RECALL_SUMMARY_ENDPOINT"); v != "" {
		c.Summary.Endpoint = v
	}
	if v := os.Getenv("RECALL_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
			if b && c.Logging.Level == "" {
				c.Logging.Level = "debug"
			}
		}
	}
}

// DatabasePath is the SQLite file backing the document store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "recall.db")
}

// OutcomeDelta returns the configured audit delta for an outcome kind.
func (c *Config) OutcomeDelta(kind string) float64 {
	if c.Outcomes.Deltas == nil {
		return 0
	}
	return c.Outcomes.Deltas[kind]
}
