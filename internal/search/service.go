// Package search implements the hybrid retrieval pipeline: embed, parallel
// dense and lexical retrieval, reciprocal rank fusion with tier boosts,
// optional cross-encoder reranking, Wilson blending for established
// memory-bank items, and a confidence label. Every stage runs under a single
// end-to-end deadline and degrades instead of failing.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"recall/internal/breaker"
	"recall/internal/config"
	"recall/internal/embedding"
	"recall/internal/logging"
	"recall/internal/store"
	"recall/internal/types"
	"recall/internal/vector"
)

// Fallback labels surfaced in debug output: the modality that kept serving,
// not the one that failed.
const (
	FallbackLexicalOnly   = "lexical_only"
	FallbackVectorOnly    = "vector_only"
	FallbackEntityBypass  = "entity_filter_bypassed"
	FallbackRerankSkipped = "rerank_skipped"
)

// knownSolutionScore is the synthetic final score of a pinned solution; it
// outranks anything the pipeline can produce.
const knownSolutionScore = 999.0

// Params are the caller's search request.
type Params struct {
	UserID string
	Query  string

	Tiers    []types.Tier
	Limit    int
	MinScore float64

	EnableRerank          bool
	QueryEntities         []string
	EnableEntityPreFilter bool
}

// Debug reports what actually happened during a search.
type Debug struct {
	TimingsMS  map[string]int64  `json:"timings_ms"`
	Fallbacks  []string          `json:"fallbacks,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
	Confidence string            `json:"confidence"`
}

// Response bundles ranked results with their debug trail.
type Response struct {
	Results []types.SearchResult `json:"results"`
	Debug   Debug                `json:"debug"`
}

// Reindexer repairs the vector index for a user, returning how many items
// were re-embedded. *memory.Manager's ReindexPending satisfies it.
type Reindexer func(ctx context.Context, userID string, batch int) (int, error)

// Service orchestrates the hybrid pipeline.
type Service struct {
	store    *store.Store
	index    *vector.Index
	embedder embedding.Engine
	reranker Reranker
	cfg      *config.Config

	lexBreaker *breaker.Breaker
	vecBreaker *breaker.Breaker
	rrBreaker  *breaker.Breaker

	reindexer Reindexer

	wg sync.WaitGroup
}

// New wires the pipeline. reranker may be nil; reranking is then skipped.
func New(st *store.Store, idx *vector.Index, engine embedding.Engine, reranker Reranker, cfg *config.Config) *Service {
	return &Service{
		store:    st,
		index:    idx,
		embedder: engine,
		reranker: reranker,
		cfg:      cfg,
		lexBreaker: breaker.New(breaker.Settings{
			Name:             "bm25",
			FailureThreshold: cfg.Breakers.Lexical.FailureThreshold,
			SuccessThreshold: cfg.Breakers.Lexical.SuccessThreshold,
			OpenDuration:     cfg.Breakers.Lexical.OpenDuration(),
		}),
		vecBreaker: breaker.New(breaker.Settings{
			Name:             "vector",
			FailureThreshold: cfg.Breakers.Vector.FailureThreshold,
			SuccessThreshold: cfg.Breakers.Vector.SuccessThreshold,
			OpenDuration:     cfg.Breakers.Vector.OpenDuration(),
		}),
		rrBreaker: breaker.New(breaker.Settings{
			Name:             "reranker",
			FailureThreshold: cfg.Breakers.Reranker.FailureThreshold,
			SuccessThreshold: cfg.Breakers.Reranker.SuccessThreshold,
			OpenDuration:     cfg.Breakers.Reranker.OpenDuration(),
		}),
	}
}

// SetReindexer installs the repair hook invoked when the zero-result drift
// diagnostic finds the vector index lagging the store.
func (s *Service) SetReindexer(fn Reindexer) {
	s.reindexer = fn
}

// Close waits for fire-and-forget diagnostics to finish.
func (s *Service) Close() error {
	s.wg.Wait()
	return nil
}

// Search runs the full pipeline. It returns an error only on invalid input;
// backend failures degrade into fallbacks recorded in the debug trail.
func (s *Service) Search(ctx context.Context, p Params) (*Response, error) {
	timer := logging.StartTimer(logging.CategorySearch, "search.Search")
	defer timer.Stop()

	resp := &Response{
		Results: []types.SearchResult{},
		Debug: Debug{
			TimingsMS:  make(map[string]int64),
			Errors:     make(map[string]string),
			Confidence: types.ConfidenceLow,
		},
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(p.Query) == "" {
		return resp, nil
	}

	limit := p.Limit
	if limit <= 0 {
		limit = s.cfg.Caps.SearchLimitDefault
	}
	if limit > s.cfg.Caps.SearchLimitMax {
		limit = s.cfg.Caps.SearchLimitMax
	}
	fetchLimit := limit * s.cfg.Caps.CandidateMultiplier

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.EndToEndSearch())
	defer cancel()

	var mu sync.Mutex
	stage := func(name string, start time.Time) {
		mu.Lock()
		resp.Debug.TimingsMS[name] = time.Since(start).Milliseconds()
		mu.Unlock()
	}
	fallback := func(name string) {
		mu.Lock()
		resp.Debug.Fallbacks = append(resp.Debug.Fallbacks, name)
		mu.Unlock()
	}
	// An open breaker is a known, already-reported condition: the stage is
	// skipped silently and only the fallback is noted, so a tripped reranker
	// cannot keep capping confidence for the whole open window.
	stageErr := func(name string, err error) {
		if errors.Is(err, breaker.ErrOpen) {
			return
		}
		mu.Lock()
		resp.Debug.Errors[name] = err.Error()
		mu.Unlock()
	}

	// Stage 1: embed. Failure degrades to lexical-only retrieval.
	var queryVec []float32
	embedStart := time.Now()
	embedCtx, embedCancel := context.WithTimeout(ctx, s.cfg.Timeouts.Embed())
	vec, err := s.embedder.Embed(embedCtx, p.Query)
	embedCancel()
	stage("embed", embedStart)
	if err != nil {
		stageErr("embed", err)
		fallback(FallbackLexicalOnly)
		logging.Search("Embed failed, degrading to lexical-only: %v", err)
	} else {
		queryVec = vec
	}

	// Stages 2-3: parallel retrieval behind per-backend breakers.
	var denseHits []vector.Hit
	var lexicalHits []store.LexicalHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if queryVec == nil {
			return nil
		}
		start := time.Now()
		defer stage("vector", start)

		opts := vector.SearchOptions{Tiers: p.Tiers, Limit: fetchLimit}
		if p.EnableEntityPreFilter && len(p.QueryEntities) > 0 {
			opts.Entities = p.QueryEntities
		}
		hits, err := breaker.Call(s.vecBreaker, func() ([]vector.Hit, error) {
			return s.index.Search(gctx, p.UserID, queryVec, opts)
		})
		if err != nil {
			stageErr("vector", err)
			fallback(FallbackLexicalOnly)
			return nil
		}
		// Entity pre-filter is advisory: zero matches falls back to an
		// unfiltered search rather than blocking retrieval.
		if len(hits) == 0 && len(opts.Entities) > 0 {
			opts.Entities = nil
			hits, err = breaker.Call(s.vecBreaker, func() ([]vector.Hit, error) {
				return s.index.Search(gctx, p.UserID, queryVec, opts)
			})
			if err != nil {
				stageErr("vector", err)
				fallback(FallbackLexicalOnly)
				return nil
			}
			fallback(FallbackEntityBypass)
		}
		denseHits = hits
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		defer stage("lexical", start)

		hits, err := breaker.Call(s.lexBreaker, func() ([]store.LexicalHit, error) {
			return s.store.TextSearch(gctx, p.UserID, p.Query, p.QueryEntities, p.Tiers, fetchLimit)
		})
		if err != nil {
			stageErr("lexical", err)
			fallback(FallbackVectorOnly)
			return nil
		}
		lexicalHits = hits
		return nil
	})
	_ = g.Wait() // retrieval goroutines degrade instead of erroring

	// Stage 4: fusion.
	fuseStart := time.Now()
	cands := fuse(denseHits, lexicalHits, s.cfg.Weights.DenseWeight, s.cfg.Weights.TextWeight)
	stage("fuse", fuseStart)

	// Refresh stats and attribution from the document store; vector payloads
	// carry index-time snapshots only.
	s.hydrate(ctx, p.UserID, cands)

	// Order by fused score so the rerank head is the strongest slice.
	sortCandidates(cands)

	// Stage 5: optional cross-encoder rerank over the head slice.
	reranked := false
	if p.EnableRerank && s.reranker != nil && len(cands) > 0 {
		reranked = s.rerankHead(ctx, p.Query, cands, fallback, stageErr, stage)
	}

	// Stage 6: Wilson blend for established memory_bank items.
	for _, c := range cands {
		if c.tier == types.TierMemoryBank && c.uses >= 3 {
			c.final = 0.8*c.final + 0.2*c.wilson
		}
	}

	// Stage 7: order, threshold, cut.
	sortCandidates(cands)
	results := make([]types.SearchResult, 0, limit)
	for _, c := range cands {
		if p.MinScore > 0 && c.final < p.MinScore {
			continue
		}
		results = append(results, s.toResult(len(results)+1, c))
		if len(results) >= limit {
			break
		}
	}
	resp.Results = results

	// Stage 8: confidence label.
	resp.Debug.Confidence = confidenceLabel(results, denseHits, lexicalHits, resp.Debug.Errors, reranked)

	// Stage 9: zero-result drift diagnostic, fire and forget.
	if len(results) == 0 {
		s.checkIndexDrift(p.UserID)
	}

	logging.Search("Search %q: %d results, confidence=%s, fallbacks=%v",
		p.Query, len(results), resp.Debug.Confidence, resp.Debug.Fallbacks)
	return resp, nil
}

// hydrate refreshes uses/wilson/persona/citations from the current store
// rows for every candidate.
func (s *Service) hydrate(ctx context.Context, userID string, cands []*candidate) {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.memoryID
	}
	items, err := s.store.GetByIDs(ctx, userID, ids)
	if err != nil {
		logging.SearchDebug("Candidate hydration failed: %v", err)
		return
	}
	for _, c := range cands {
		item, ok := items[c.memoryID]
		if !ok {
			continue
		}
		c.uses = item.Stats.Uses
		c.wilson = item.Stats.WilsonScore
		c.personaName = item.PersonaName
		c.citations = citationsFor(item)
	}
}

// rerankHead blends cross-encoder scores into the top rerank_k candidates,
// reorders only that head slice, and leaves the tail untouched. Returns
// whether reranking actually ran.
func (s *Service) rerankHead(ctx context.Context, query string, cands []*candidate,
	fallback func(string), stageErr func(string, error), stage func(string, time.Time)) bool {

	start := time.Now()
	defer stage("rerank", start)

	k := s.cfg.Caps.RerankK
	if k > len(cands) {
		k = len(cands)
	}
	head := cands[:k]

	docs := make([]string, len(head))
	maxChars := s.cfg.Caps.RerankMaxInputChars
	for i, c := range head {
		doc := c.content
		if maxChars > 0 && len(doc) > maxChars {
			doc = doc[:maxChars]
		}
		docs[i] = doc
	}

	rerankCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Rerank())
	defer cancel()

	scores, err := breaker.Call(s.rrBreaker, func() ([]float64, error) {
		return s.reranker.Rerank(rerankCtx, query, docs)
	})
	if err != nil {
		stageErr("rerank", err)
		fallback(FallbackRerankSkipped)
		return false
	}

	for i, c := range head {
		c.ceScore = scores[i]
		c.final = c.rrf*s.cfg.Weights.OriginalWeight + c.ceScore*s.cfg.Weights.CEWeight
		// Quality boost for trusted memory-bank items, applied during the
		// rerank step only.
		if c.tier == types.TierMemoryBank && c.uses >= 3 {
			c.final *= 1 + 0.2*c.wilson
		}
	}
	sortCandidates(head)
	return true
}

// toResult converts a candidate into the public result shape.
func (s *Service) toResult(position int, c *candidate) types.SearchResult {
	return types.SearchResult{
		Position: position,
		MemoryID: c.memoryID,
		Tier:     c.tier,
		Content:  c.content,
		Preview:  types.PreviewOf(c.content),
		Scores: types.ScoreSummary{
			Final:       c.final,
			Dense:       c.denseScore,
			Text:        c.textScore,
			RRF:         c.rrf,
			CrossScore:  c.ceScore,
			Wilson:      c.wilson,
			Uses:        c.uses,
			DenseRank:   c.denseRank,
			LexicalRank: c.lexicalRank,
		},
		Citations:   c.citations,
		PersonaName: c.personaName,
	}
}

func citationsFor(item *types.MemoryItem) []string {
	var citations []string
	switch item.Source.Kind {
	case types.SourceDocument:
		if item.Source.BookTitle != "" {
			citations = append(citations, item.Source.BookTitle)
		}
		if item.Source.URL != "" {
			citations = append(citations, item.Source.URL)
		}
	case types.SourceTool:
		if item.Source.ToolName != "" {
			citations = append(citations, "tool:"+item.Source.ToolName)
		}
	}
	return citations
}

// confidenceLabel per the fixed rubric: high needs both modalities, a clean
// run and a strong top score; medium needs a decent top score or one healthy
// source with enough results.
func confidenceLabel(results []types.SearchResult, dense []vector.Hit, lexical []store.LexicalHit, errors map[string]string, reranked bool) string {
	if len(results) == 0 {
		return types.ConfidenceLow
	}
	top := results[0].Scores.Final
	bothContributed := len(dense) > 0 && len(lexical) > 0
	oneContributed := len(dense) > 0 || len(lexical) > 0

	if bothContributed && len(errors) == 0 && top > 0.7 {
		return types.ConfidenceHigh
	}
	if top > 0.4 || (oneContributed && len(results) >= 3) {
		return types.ConfidenceMedium
	}
	return types.ConfidenceLow
}

// driftReindexBatch caps how many items one drift repair re-embeds; the next
// zero-result search picks up the remainder.
const driftReindexBatch = 200

// checkIndexDrift compares store and index cardinality off the request path.
// When the vector index has fallen significantly behind it triggers a
// deferred reindex through the installed repair hook.
func (s *Service) checkIndexDrift(userID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		active, latest, err := s.store.ActiveCountAndLatest(ctx, userID)
		if err != nil {
			return
		}
		indexed, err := s.index.Count(ctx, userID)
		if err != nil {
			return
		}
		if active == 0 || indexed*2 >= active {
			return
		}
		logging.Search("Index drift for user %s: %d active (latest update %d) vs %d indexed",
			userID, active, latest, indexed)

		if s.reindexer == nil {
			return
		}
		batch := int(active - indexed)
		if batch > driftReindexBatch {
			batch = driftReindexBatch
		}
		n, err := s.reindexer(ctx, userID, batch)
		if err != nil {
			logging.Search("Drift repair failed for user %s: %v", userID, err)
			return
		}
		logging.Search("Drift repair reindexed %d items for user %s", n, userID)
	}()
}

// KnownSolution returns the pinned patterns-tier solution for a problem as a
// synthetic top-ranked result, bypassing the hybrid pipeline. Nil when no
// usable pin exists.
func (s *Service) KnownSolution(ctx context.Context, userID, problem string) (*types.SearchResult, error) {
	sol, item, err := s.store.GetKnownSolution(ctx, userID, problem)
	if err != nil {
		return nil, err
	}
	if sol == nil || item == nil {
		return nil, nil
	}
	result := types.SearchResult{
		Position: 1,
		MemoryID: item.MemoryID,
		Tier:     item.Tier,
		Content:  item.Text,
		Preview:  types.PreviewOf(item.Text),
		Scores: types.ScoreSummary{
			Final:  knownSolutionScore,
			Wilson: item.Stats.WilsonScore,
			Uses:   item.Stats.Uses,
		},
		Citations:   citationsFor(item),
		PersonaName: item.PersonaName,
	}
	logging.Search("Known solution hit for user %s: memory %s (%d successes)", userID, item.MemoryID, sol.SuccessCount)
	return &result, nil
}
