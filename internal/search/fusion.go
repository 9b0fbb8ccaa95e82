package search

import (
	"regexp"
	"sort"

	"recall/internal/store"
	"recall/internal/types"
	"recall/internal/vector"
)

// =============================================================================
// RECIPROCAL RANK FUSION
// =============================================================================

// tierBoosts is the fixed multiplier table applied exactly once per
// (modality, candidate) during fusion. "documents" is normalised to books at
// ingest, so books carries the 1.5.
var tierBoosts = map[types.Tier]float64{
	types.TierBooks:            1.5,
	types.TierMemoryBank:       1.3,
	types.TierPatterns:         1.2,
	types.TierHistory:          1.0,
	types.TierWorking:          0.7,
	types.TierDatagovSchema:    1.1,
	types.TierDatagovExpansion: 1.0,
}

func tierBoost(tier types.Tier) float64 {
	if boost, ok := tierBoosts[tier]; ok {
		return boost
	}
	return 1.0
}

// snippetPatterns match raw conversation transcripts that leak into the
// working tier; they are dropped before fusion so the assistant never
// retrieves its own dialogue as knowledge.
var snippetPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^User:`),
	regexp.MustCompile(`^Assistant:`),
	regexp.MustCompile(`<think>`),
	regexp.MustCompile(`^Detailed Results:`),
	regexp.MustCompile(`^\[Tool Result\]`),
}

// isConversationSnippet applies the filter to working-tier content only.
func isConversationSnippet(tier types.Tier, content string) bool {
	if tier != types.TierWorking {
		return false
	}
	for _, p := range snippetPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

// candidate accumulates one memory's fused score across modalities.
// Insertion order into the fusion map is preserved for stable tie-breaks.
type candidate struct {
	memoryID string
	tier     types.Tier
	content  string

	rrf   float64 // fused score before rerank/blend
	final float64

	denseScore  float64 // raw cosine similarity
	textScore   float64 // raw bm25
	ceScore     float64
	denseRank   int
	lexicalRank int

	uses        int64
	wilson      float64
	personaName string
	citations   []string

	order int // insertion order, for stable ties
}

// fuse folds dense and lexical hits into a single candidate list. Each hit
// contributes weight × 1/(rank+60), where weight is the tier boost times the
// modality weight. Conversation snippets are dropped before accumulation.
func fuse(dense []vector.Hit, lexical []store.LexicalHit, denseWeight, textWeight float64) []*candidate {
	byID := make(map[string]*candidate)
	var ordered []*candidate

	get := func(memoryID string, tier types.Tier, content string) *candidate {
		if c, ok := byID[memoryID]; ok {
			return c
		}
		c := &candidate{memoryID: memoryID, tier: tier, content: content, order: len(ordered)}
		byID[memoryID] = c
		ordered = append(ordered, c)
		return c
	}

	for _, hit := range dense {
		if isConversationSnippet(hit.Tier, hit.Content) {
			continue
		}
		c := get(hit.MemoryID, hit.Tier, hit.Content)
		c.rrf += tierBoost(hit.Tier) * denseWeight * hit.Score
		c.denseScore = hit.Similarity
		c.denseRank = hit.Rank
		c.uses = hit.Payload.Uses
		c.wilson = hit.Payload.CompositeScore
		c.personaName = hit.Payload.PersonaName
	}
	for _, hit := range lexical {
		if isConversationSnippet(hit.Tier, hit.Text) {
			continue
		}
		c := get(hit.MemoryID, hit.Tier, hit.Text)
		c.rrf += tierBoost(hit.Tier) * textWeight * hit.Score
		c.textScore = hit.BM25
		c.lexicalRank = hit.Rank
	}

	for _, c := range ordered {
		c.final = c.rrf
	}
	return ordered
}

// sortCandidates orders by final score descending. The stable sort over the
// insertion-ordered slice gives ties their original candidate-map order.
func sortCandidates(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].final > cands[j].final
	})
}
