package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"recall/internal/types"
)

// =============================================================================
// BILINGUAL SUMMARISER
// =============================================================================

// Summarizer produces a bilingual document summary. Failures are expected;
// the worker falls back to a local summary and ingestion proceeds.
type Summarizer interface {
	Summarize(ctx context.Context, title, text string) (*types.BilingualSummary, error)
}

// summaryInputChars caps how much document text is sent to the model.
const summaryInputChars = 6000

// OllamaSummarizer generates summaries with a local Ollama model in JSON
// mode.
type OllamaSummarizer struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaSummarizer builds a summariser client.
func NewOllamaSummarizer(endpoint, model string, timeout time.Duration) *OllamaSummarizer {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaSummarizer{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

const summaryPrompt = `Summarize the following document in both English and Hebrew.
Respond with a JSON object: {"title": "...", "summary_en": "...", "summary_he": "...",
"key_points_en": ["..."], "key_points_he": ["..."]}

Document title: %s

Document:
%s`

// Summarize asks the model for a bilingual JSON summary.
func (o *OllamaSummarizer) Summarize(ctx context.Context, title, text string) (*types.BilingualSummary, error) {
	excerpt := truncateRunes(text, summaryInputChars)
	req := ollamaGenerateRequest{
		Model:  o.model,
		Prompt: fmt.Sprintf(summaryPrompt, title, excerpt),
		Format: "json",
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("summariser request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("summariser returned status %d: %s", resp.StatusCode, string(payload))
	}

	var parsed ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var summary types.BilingualSummary
	if err := json.Unmarshal([]byte(parsed.Response), &summary); err != nil {
		return nil, fmt.Errorf("summariser returned non-JSON output: %w", err)
	}
	if summary.SummaryEN == "" && summary.SummaryHE == "" {
		return nil, fmt.Errorf("summariser returned an empty summary")
	}
	return &summary, nil
}

// FallbackSummary builds a summary locally when the model is unavailable:
// the leading sentences of the document, English side only.
func FallbackSummary(title, text string) *types.BilingualSummary {
	const maxFallbackChars = 500

	text = strings.TrimSpace(text)
	summary := text
	if idx := strings.IndexAny(text, "\n"); idx > 80 {
		summary = text[:idx]
	}
	summary = truncateRunes(summary, maxFallbackChars)
	return &types.BilingualSummary{
		Title:     title,
		SummaryEN: summary,
	}
}
