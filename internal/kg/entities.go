// Package kg maintains the three per-user knowledge graphs: the routing
// graph (concept → tier effectiveness), the content graph (entities with
// co-occurrence edges) and the action graph (action effectiveness per
// context). High-frequency writes go through a batched buffer.
package kg

import (
	"strings"
	"unicode"

	"recall/internal/types"
)

// maxEntities bounds what a single text can contribute to the content graph.
const maxEntities = 10

// stopWords are common words in both languages that never make useful
// entities.
var stopWords = map[string]bool{
	// English
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "have": true, "has": true, "was": true,
	"are": true, "were": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "their": true, "there": true,
	"when": true, "what": true, "where": true, "how": true, "why": true,
	"can": true, "not": true, "but": true, "you": true, "your": true,
	"all": true, "any": true, "its": true, "into": true, "over": true,
	"then": true, "than": true, "also": true, "just": true, "only": true,
	"some": true, "such": true, "very": true, "more": true, "most": true,
	"after": true, "before": true, "other": true, "these": true, "those": true,
	"been": true, "being": true, "does": true, "did": true, "each": true,
	// Hebrew
	"של": true, "את": true, "על": true, "עם": true, "אני": true,
	"זה": true, "לא": true, "כן": true, "מה": true, "יש": true,
	"אין": true, "גם": true, "כל": true, "אבל": true, "אם": true,
	"או": true, "הוא": true, "היא": true, "הם": true, "אנחנו": true,
	"אתה": true, "לי": true, "לך": true, "שלי": true, "שלך": true,
	"איך": true, "למה": true, "מתי": true, "איפה": true, "כי": true,
}

// blockedEntities is the operational blocklist: tool names and memory-system
// vocabulary that would otherwise dominate every graph.
var blockedEntities = map[string]bool{
	"user": true, "assistant": true, "system": true, "tool": true,
	"memory": true, "memories": true, "search": true, "query": true,
	"result": true, "results": true, "response": true, "request": true,
	"context": true, "conversation": true, "message": true, "turn": true,
	"outcome": true, "tier": true, "score": true, "item": true,
	"error": true, "warning": true, "info": true, "debug": true,
	"json": true, "http": true, "https": true, "file": true, "path": true,
	"think": true, "detailed": true,
}

// ExtractEntities heuristically pulls up to 10 entity candidates from text:
// capitalised tokens and Hebrew tokens, filtered through the bilingual
// stoplist and the operational blocklist. Results are lowercased, first
// occurrence order preserved.
func ExtractEntities(text string) []string {
	var entities []string
	seen := make(map[string]bool)

	for _, token := range splitTokens(text) {
		if len(entities) >= maxEntities {
			break
		}
		if !isCandidate(token) {
			continue
		}
		normalized := strings.ToLower(token)
		if seen[normalized] || stopWords[normalized] || blockedEntities[normalized] {
			continue
		}
		seen[normalized] = true
		entities = append(entities, normalized)
	}
	return entities
}

// NodeID derives the canonical node id for an entity label.
func NodeID(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// EdgeID derives a direction-independent edge id between two node ids.
func EdgeID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func splitTokens(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
}

// isCandidate keeps capitalised tokens of 3+ runes and Hebrew tokens of 2+.
func isCandidate(token string) bool {
	runes := []rune(token)
	if len(runes) == 0 {
		return false
	}
	hebrew := 0
	for _, r := range runes {
		if unicode.Is(unicode.Hebrew, r) {
			hebrew++
		}
	}
	if hebrew >= 2 {
		return true
	}
	return len(runes) >= 3 && unicode.IsUpper(runes[0])
}

// =============================================================================
// CONTEXT TYPE DETECTION
// =============================================================================

type contextRule struct {
	contextType types.ContextType
	keywords    []string
}

// contextRules is the fixed precedence list; the first rule with a keyword
// hit wins. Keywords are matched case-insensitively and bilingually.
var contextRules = []contextRule{
	{types.ContextDocker, []string{"docker", "container", "dockerfile", "compose", "קונטיינר", "דוקר"}},
	{types.ContextDebugging, []string{"error", "bug", "crash", "traceback", "stack trace", "exception", "fix", "broken", "שגיאה", "באג", "תקלה"}},
	{types.ContextDatagovQuery, []string{"data.gov", "datagov", "dataset", "ckan", "מאגר מידע", "דאטהגוב"}},
	{types.ContextDocRAG, []string{"document", "pdf", "chapter", "book", "summarize this", "מסמך", "ספר", "פרק"}},
	{types.ContextCodingHelp, []string{"function", "code", "implement", "refactor", "compile", "syntax", "קוד", "פונקציה"}},
	{types.ContextWebSearch, []string{"search the web", "look up", "latest news", "google", "חפש באינטרנט", "חדשות"}},
	{types.ContextMemoryManagement, []string{"remember", "forget", "recall", "memory bank", "תזכור", "תשכח", "זיכרון"}},
}

// DetectContextType classifies a query (plus optional recent messages) into
// the first matching context in precedence order, defaulting to general.
func DetectContextType(query string, recentMessages []string) types.ContextType {
	haystack := strings.ToLower(query)
	for _, msg := range recentMessages {
		haystack += "\n" + strings.ToLower(msg)
	}
	for _, rule := range contextRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(haystack, keyword) {
				return rule.contextType
			}
		}
	}
	return types.ContextGeneral
}
