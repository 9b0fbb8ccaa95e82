package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"recall/internal/logging"
	"recall/internal/store"
	"recall/internal/types"
)

// =============================================================================
// INGESTION WORKER
// =============================================================================

// maxDocumentBytes caps a single fetch. Larger documents fail cleanly
// instead of exhausting memory.
const maxDocumentBytes = 20 << 20

func (s *Service) workerLoop() {
	defer s.wg.Done()
	for j := range s.queue {
		s.process(j)
	}
}

// process runs one document through the pipeline. Every failure path marks
// the entry failed; nothing here can wedge the queue.
func (s *Service) process(j job) {
	timer := logging.StartTimer(logging.CategoryRegistry, "registry.process")
	started := time.Now()
	ctx := context.Background()

	if err := s.store.MarkDocumentProcessing(ctx, j.userID, j.docID); err != nil {
		logging.Registry("Document %s vanished before processing: %v", j.docID, err)
		timer.Stop()
		return
	}

	if err := s.processDocument(ctx, j, started); err != nil {
		logging.Registry("Document %s failed: %v", j.docID, err)
		if failErr := s.store.FailDocument(ctx, j.userID, j.docID, err.Error()); failErr != nil {
			logging.Registry("Could not record failure for document %s: %v", j.docID, failErr)
		}
	}
	timer.Stop()
}

func (s *Service) processDocument(ctx context.Context, j job, started time.Time) error {
	data, contentType, err := s.fetch(ctx, j.url)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	text, pages, err := s.extract(j.url, contentType, data)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("extract: document has no text content")
	}

	contentHash := HashContent(text)

	// A different URL already delivered identical content: link to its
	// memories instead of storing the text twice. The content hash stays on
	// the original row; it is unique per user.
	if dup, err := s.GetDocumentByContentHash(ctx, j.userID, contentHash); err != nil {
		return err
	} else if dup != nil && dup.DocID != j.docID {
		entry := &types.DocumentEntry{
			UserID:           j.userID,
			DocID:            j.docID,
			CharCount:        len([]rune(text)),
			WordCount:        len(strings.Fields(text)),
			PageCount:        pages,
			Summary:          dup.Summary,
			MemoryIDs:        dup.MemoryIDs,
			ProcessingTimeMS: time.Since(started).Milliseconds(),
		}
		if err := s.store.CompleteDocument(ctx, entry); err != nil {
			return err
		}
		logging.Registry("Document %s deduplicated against %s", j.docID, dup.DocID)
		return nil
	}

	title := titleFromURL(j.url)
	summary := s.summarize(ctx, title, text)
	if summary != nil && summary.Title != "" {
		title = summary.Title
	}

	chunks := ChunkText(text, s.cfg.Registry.ChunkSize, s.cfg.Registry.ChunkOverlap)
	memoryIDs := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		item, err := s.ingestor.Ingest(ctx, store.StoreParams{
			UserID: j.userID,
			Text:   chunk,
			Tier:   types.TierBooks,
			Source: types.Source{
				Kind:      types.SourceDocument,
				DocID:     j.docID,
				ChunkID:   fmt.Sprintf("%s:%d", j.docID, i),
				BookTitle: title,
				URL:       j.url,
			},
		})
		if err != nil {
			return fmt.Errorf("store chunk %d/%d: %w", i+1, len(chunks), err)
		}
		memoryIDs = append(memoryIDs, item.MemoryID)
	}

	entry := &types.DocumentEntry{
		UserID:           j.userID,
		DocID:            j.docID,
		ContentHash:      contentHash,
		Markdown:         text,
		CharCount:        len([]rune(text)),
		WordCount:        len(strings.Fields(text)),
		PageCount:        pages,
		Summary:          summary,
		MemoryIDs:        memoryIDs,
		ProcessingTimeMS: time.Since(started).Milliseconds(),
	}
	if err := s.store.CompleteDocument(ctx, entry); err != nil {
		return err
	}
	logging.Registry("Document %s ingested: %d chunks, %d words", j.docID, len(chunks), entry.WordCount)
	return nil
}

// fetch downloads the document with a size cap.
func (s *Service) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.fetcher.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxDocumentBytes {
		return nil, "", fmt.Errorf("document exceeds %d byte limit", maxDocumentBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// summarize asks the summariser for a bilingual summary and falls back to a
// locally built one on any failure. Ingestion never blocks on the LLM.
func (s *Service) summarize(ctx context.Context, title, text string) *types.BilingualSummary {
	summaryCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Summary())
	defer cancel()

	summary, err := s.summarizer.Summarize(summaryCtx, title, text)
	if err != nil || summary == nil {
		if err != nil {
			logging.Registry("Summariser unavailable, using fallback: %v", err)
		}
		return FallbackSummary(title, text)
	}
	if summary.Title == "" {
		summary.Title = title
	}
	return summary
}

// titleFromURL derives a readable fallback title from the URL path.
func titleFromURL(rawURL string) string {
	normalized := NormalizeURL(rawURL)
	base := path.Base(normalized)
	if base == "." || base == "/" || base == "" {
		return normalized
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)
	if base == "" {
		return normalized
	}
	return base
}
