package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// CROSS-ENCODER RERANKER CLIENT
// =============================================================================

// Reranker scores candidate documents against a query. Implementations must
// honour context cancellation; the search deadline aborts in-flight calls.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// HTTPReranker talks to a cross-encoder service over POST /v1/rerank.
type HTTPReranker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPReranker builds a client for the given endpoint.
func NewHTTPReranker(endpoint string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &HTTPReranker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// rerankResult accepts either score field name; services disagree on which
// one they emit.
type rerankResult struct {
	Index          int      `json:"index"`
	Score          *float64 `json:"score,omitempty"`
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank returns one score per input document, aligned by index. Documents
// the service did not score keep 0.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/v1/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(payload))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	scores := make([]float64, len(documents))
	for _, result := range parsed.Results {
		if result.Index < 0 || result.Index >= len(documents) {
			continue
		}
		switch {
		case result.Score != nil:
			scores[result.Index] = *result.Score
		case result.RelevanceScore != nil:
			scores[result.Index] = *result.RelevanceScore
		}
	}
	return scores, nil
}
