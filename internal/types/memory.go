// Package types defines the shared domain types for the recall memory core:
// memory items, tiers, outcome kinds, search results, and knowledge-graph
// records. It has no dependencies on the storage or search layers so every
// package can import it freely.
package types

import (
	"time"
)

// =============================================================================
// TIERS AND STATUSES
// =============================================================================

// Tier is the placement class of a memory item. It controls retention policy
// and the boost the item receives during rank fusion.
type Tier string

const (
	TierWorking          Tier = "working"
	TierHistory          Tier = "history"
	TierPatterns         Tier = "patterns"
	TierBooks            Tier = "books"
	TierMemoryBank       Tier = "memory_bank"
	TierDatagovSchema    Tier = "datagov_schema"
	TierDatagovExpansion Tier = "datagov_expansion"
)

// AllTiers lists every valid tier in search-plan order.
var AllTiers = []Tier{
	TierWorking,
	TierHistory,
	TierPatterns,
	TierBooks,
	TierMemoryBank,
	TierDatagovSchema,
	TierDatagovExpansion,
}

// NormalizeTier maps legacy tier names onto the canonical set. The original
// data mixes "documents" and "books" for the same tier; both normalise to
// books here.
func NormalizeTier(s string) (Tier, bool) {
	switch Tier(s) {
	case "documents":
		return TierBooks, true
	case TierWorking, TierHistory, TierPatterns, TierBooks, TierMemoryBank,
		TierDatagovSchema, TierDatagovExpansion:
		return Tier(s), true
	}
	return "", false
}

// Status is the lifecycle state of a memory item. Anything other than active
// is invisible to search and is never re-embedded.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
	StatusGhosted  Status = "ghosted"
)

// Language is the detected language of a memory's text.
type Language string

const (
	LanguageHebrew  Language = "he"
	LanguageEnglish Language = "en"
	LanguageMixed   Language = "mixed"
	LanguageNone    Language = "none"
)

// =============================================================================
// SOURCE VARIANT
// =============================================================================

// SourceKind discriminates the Source variant.
type SourceKind string

const (
	SourceConversation SourceKind = "conversation"
	SourceTool         SourceKind = "tool"
	SourceDocument     SourceKind = "document"
	SourceSystemSeed   SourceKind = "system_seed"
)

// Source records where a memory item came from. Exactly the fields for the
// discriminating kind are populated; consumers must switch over Kind and
// handle every variant.
type Source struct {
	Kind SourceKind `json:"kind"`

	// conversation
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`

	// tool
	ToolName string `json:"tool_name,omitempty"`

	// document
	DocID     string `json:"doc_id,omitempty"`
	ChunkID   string `json:"chunk_id,omitempty"`
	BookTitle string `json:"book_title,omitempty"`
	URL       string `json:"url,omitempty"`

	// system_seed
	SeedName string `json:"seed_name,omitempty"`
}

// =============================================================================
// MEMORY ITEM
// =============================================================================

// Stats holds the outcome counters for a memory item.
//
// Invariants: Uses == Worked+Partial+Unknown+Failed, 0 <= SuccessCount <= Uses,
// WilsonScore in [0,1] with 0.5 when Uses == 0.
type Stats struct {
	Uses         int64     `json:"uses"`
	Worked       int64     `json:"worked"`
	Partial      int64     `json:"partial"`
	Unknown      int64     `json:"unknown"`
	Failed       int64     `json:"failed"`
	SuccessCount float64   `json:"success_count"`
	SuccessRate  float64   `json:"success_rate"`
	WilsonScore  float64   `json:"wilson_score"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
}

// EmbeddingInfo tracks which vector, if any, is indexed for a memory item.
type EmbeddingInfo struct {
	Model         string    `json:"model,omitempty"`
	Dimensions    int       `json:"dimensions,omitempty"`
	VectorHash    string    `json:"vector_hash,omitempty"`
	LastIndexedAt time.Time `json:"last_indexed_at,omitempty"`
}

// MemoryItem is the unit of retrievable knowledge.
type MemoryItem struct {
	MemoryID string `json:"memory_id"`
	UserID   string `json:"user_id"`

	Text     string   `json:"text"`
	Summary  string   `json:"summary,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Entities []string `json:"entities,omitempty"`
	Language Language `json:"language"`

	Tier         Tier   `json:"tier"`
	Status       Status `json:"status"`
	AlwaysInject bool   `json:"always_inject"`

	Source Source `json:"source"`

	Importance     float64 `json:"importance"`
	Confidence     float64 `json:"confidence"`
	MentionedCount float64 `json:"mentioned_count"`
	QualityScore   float64 `json:"quality_score"`

	Stats Stats `json:"stats"`

	CurrentVersion     int    `json:"current_version"`
	SupersedesMemoryID string `json:"supersedes_memory_id,omitempty"`

	Embedding EmbeddingInfo `json:"embedding,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	// Personality attribution is display-only; it is never a filter.
	PersonaID   string `json:"persona_id,omitempty"`
	PersonaName string `json:"persona_name,omitempty"`
}

// Expired reports whether the item has an expiry in the past. Expired items
// are treated as archived by every read path.
func (m *MemoryItem) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// MemoryVersion is a snapshot of an item's content before an update.
type MemoryVersion struct {
	MemoryID   string    `json:"memory_id"`
	UserID     string    `json:"user_id"`
	Version    int       `json:"version"`
	Text       string    `json:"text"`
	Summary    string    `json:"summary,omitempty"`
	Tier       Tier      `json:"tier"`
	ChangeKind string    `json:"change_kind"` // create | update | promote | archive
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// OUTCOMES
// =============================================================================

// OutcomeKind is the closed set of feedback outcomes.
type OutcomeKind string

const (
	OutcomeWorked  OutcomeKind = "worked"
	OutcomePartial OutcomeKind = "partial"
	OutcomeUnknown OutcomeKind = "unknown"
	OutcomeFailed  OutcomeKind = "failed"
)

// OutcomeRecord is the append-only audit row written for every recorded
// outcome.
type OutcomeRecord struct {
	MemoryID   string      `json:"memory_id"`
	UserID     string      `json:"user_id"`
	Outcome    OutcomeKind `json:"outcome"`
	Context    string      `json:"context,omitempty"`
	ScoreDelta float64     `json:"score_delta"`
	NewWilson  float64     `json:"new_wilson"`
	TimeWeight float64     `json:"time_weight"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ActionOutcome is an append-only record of a tool/action result used for
// downstream effectiveness rollups.
type ActionOutcome struct {
	UserID      string      `json:"user_id"`
	ContextType string      `json:"context_type"`
	Action      string      `json:"action"`
	Tier        Tier        `json:"tier,omitempty"`
	Outcome     OutcomeKind `json:"outcome"`
	MemoryIDs   []string    `json:"memory_ids,omitempty"`
	ToolName    string      `json:"tool_name,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// KnownSolution pins the best patterns-tier memory for a recurring problem.
type KnownSolution struct {
	UserID       string    `json:"user_id"`
	ProblemHash  string    `json:"problem_hash"`
	MemoryID     string    `json:"memory_id"`
	SuccessCount int64     `json:"success_count"`
	FirstUsedAt  time.Time `json:"first_used_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// =============================================================================
// SEARCH RESULTS
// =============================================================================

// ScoreSummary exposes every signal that contributed to a result's final
// score, for citation-grade debugging.
type ScoreSummary struct {
	Final       float64 `json:"final"`
	Dense       float64 `json:"dense,omitempty"`
	Text        float64 `json:"text,omitempty"`
	RRF         float64 `json:"rrf"`
	CrossScore  float64 `json:"ce,omitempty"`
	Wilson      float64 `json:"wilson"`
	Uses        int64   `json:"uses"`
	DenseRank   int     `json:"dense_rank,omitempty"`
	LexicalRank int     `json:"lexical_rank,omitempty"`
}

// SearchResult is one ranked hit from the hybrid pipeline.
type SearchResult struct {
	Position    int          `json:"position"`
	MemoryID    string       `json:"memory_id"`
	Tier        Tier         `json:"tier"`
	Content     string       `json:"content"`
	Preview     string       `json:"preview"`
	Scores      ScoreSummary `json:"score_summary"`
	Citations   []string     `json:"citations,omitempty"`
	PersonaName string       `json:"persona_name,omitempty"`
}

// Preview truncates content for display, appending an ellipsis past 200 runes.
func PreviewOf(content string) string {
	const max = 200
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "…"
}

// Confidence labels for a search response.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// =============================================================================
// KNOWLEDGE GRAPH RECORDS
// =============================================================================

// NodeType classifies a content-graph node.
type NodeType string

const (
	NodeEntity  NodeType = "entity"
	NodeConcept NodeType = "concept"
	NodeTopic   NodeType = "topic"
)

// KGNode is an entity/concept/topic node in the content graph.
type KGNode struct {
	UserID         string            `json:"user_id"`
	NodeID         string            `json:"node_id"`
	Label          string            `json:"label"`
	NodeType       NodeType          `json:"node_type"`
	Aliases        []string          `json:"aliases,omitempty"`
	Mentions       int64             `json:"mentions"`
	QualitySum     float64           `json:"quality_sum"`
	MemoryIDs      []string          `json:"memory_ids,omitempty"`
	Translations   map[string]string `json:"translations,omitempty"`
	SourceLanguage Language          `json:"source_language,omitempty"`
}

// AvgQuality is the running quality mean for the node.
func (n *KGNode) AvgQuality() float64 {
	if n.Mentions == 0 {
		return 0
	}
	return n.QualitySum / float64(n.Mentions)
}

// RelationType classifies a content-graph edge.
type RelationType string

const (
	RelationCoOccurs  RelationType = "co_occurs"
	RelationRelatedTo RelationType = "related_to"
	RelationPartOf    RelationType = "part_of"
	RelationSimilarTo RelationType = "similar_to"
)

// KGEdge links two content-graph nodes.
type KGEdge struct {
	UserID       string       `json:"user_id"`
	EdgeID       string       `json:"edge_id"`
	SourceID     string       `json:"source_id"`
	TargetID     string       `json:"target_id"`
	RelationType RelationType `json:"relation_type"`
	Weight       float64      `json:"weight"`
}

// TierStats is one (concept, tier) cell of the routing graph.
type TierStats struct {
	Uses        int64     `json:"uses"`
	Worked      int64     `json:"worked"`
	Partial     int64     `json:"partial"`
	Unknown     int64     `json:"unknown"`
	Failed      int64     `json:"failed"`
	SuccessRate float64   `json:"success_rate"`
	WilsonScore float64   `json:"wilson_score"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
}

// ActionEffectiveness is the Wilson-scored record for one
// (user, context_type, action, tier) key, with a bounded example history.
type ActionEffectiveness struct {
	UserID      string      `json:"user_id"`
	ContextType string      `json:"context_type"`
	Action      string      `json:"action"`
	Tier        Tier        `json:"tier,omitempty"`
	Stats       Stats       `json:"stats"`
	Examples    []string    `json:"examples,omitempty"`
}

// ContextType is the detected conversational context used for action routing.
type ContextType string

const (
	ContextDocker           ContextType = "docker"
	ContextDebugging        ContextType = "debugging"
	ContextDatagovQuery     ContextType = "datagov_query"
	ContextDocRAG           ContextType = "doc_rag"
	ContextCodingHelp       ContextType = "coding_help"
	ContextWebSearch        ContextType = "web_search"
	ContextMemoryManagement ContextType = "memory_management"
	ContextGeneral          ContextType = "general"
)

// CachedAction is one buffered action inside a turn, awaiting its outcome.
type CachedAction struct {
	Action    string    `json:"action"`
	Tier      Tier      `json:"tier,omitempty"`
	MemoryIDs []string  `json:"memory_ids,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	At        time.Time `json:"at"`
}

// =============================================================================
// DOCUMENT REGISTRY
// =============================================================================

// ProcessingStatus is the lifecycle of a registry entry.
type ProcessingStatus string

const (
	ProcessingQueued     ProcessingStatus = "queued"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// BilingualSummary holds the EN/HE summary generated for an ingested
// document.
type BilingualSummary struct {
	Title       string   `json:"title"`
	SummaryEN   string   `json:"summary_en"`
	SummaryHE   string   `json:"summary_he"`
	KeyPointsEN []string `json:"key_points_en,omitempty"`
	KeyPointsHE []string `json:"key_points_he,omitempty"`
}

// DocumentEntry is a registry row, unique per (user, content hash) and
// indexed by (user, url hash).
type DocumentEntry struct {
	UserID           string           `json:"user_id"`
	DocID            string           `json:"doc_id"`
	URL              string           `json:"url"`
	URLHash          string           `json:"url_hash"`
	ContentHash      string           `json:"content_hash,omitempty"`
	Markdown         string           `json:"markdown,omitempty"`
	CharCount        int              `json:"char_count"`
	WordCount        int              `json:"word_count"`
	PageCount        int              `json:"page_count,omitempty"`
	Summary          *BilingualSummary `json:"summary,omitempty"`
	Status           ProcessingStatus `json:"status"`
	Error            string           `json:"error,omitempty"`
	MemoryIDs        []string         `json:"memory_ids,omitempty"`
	ProcessingTimeMS int64            `json:"processing_time_ms,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
