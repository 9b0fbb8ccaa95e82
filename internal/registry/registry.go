// Package registry ingests external documents into the books tier. Every
// submitted URL gets exactly one registry entry keyed by its normalised-URL
// hash; a sequential background worker fetches, extracts, chunks and stores
// the content, deduplicating by content hash so mirrors and re-submissions
// never produce duplicate memories.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"recall/internal/config"
	"recall/internal/logging"
	"recall/internal/store"
	"recall/internal/types"
)

// =============================================================================
// SERVICE
// =============================================================================

// Ingestor stores one extracted chunk as a memory item. *memory.Manager
// satisfies it.
type Ingestor interface {
	Ingest(ctx context.Context, p store.StoreParams) (*types.MemoryItem, error)
}

// PDFParser extracts text from PDF bytes. The core ships without a bundled
// parser; callers inject one when PDF support is needed.
type PDFParser interface {
	Parse(data []byte) (text string, pages int, err error)
}

// Service is the document registry front end plus its worker queue.
type Service struct {
	store      *store.Store
	ingestor   Ingestor
	cfg        *config.Config
	fetcher    *http.Client
	parser     PDFParser
	summarizer Summarizer

	queue chan job
	wg    sync.WaitGroup

	closeOnce sync.Once

	// SyncMode processes submissions inline instead of on the worker
	// goroutine. Tests only.
	SyncMode bool
}

type job struct {
	userID string
	docID  string
	url    string
}

// Options carries the optional collaborators.
type Options struct {
	Parser     PDFParser
	Summarizer Summarizer
	Fetcher    *http.Client
	SyncMode   bool
}

// New builds the registry and starts its worker.
func New(st *store.Store, ingestor Ingestor, cfg *config.Config, opts Options) *Service {
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = &http.Client{Timeout: 60 * time.Second}
	}
	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = NewOllamaSummarizer(cfg.Summary.Endpoint, cfg.Summary.Model, cfg.Timeouts.Summary())
	}

	s := &Service{
		store:      st,
		ingestor:   ingestor,
		cfg:        cfg,
		fetcher:    fetcher,
		parser:     opts.Parser,
		summarizer: summarizer,
		queue:      make(chan job, 64),
		SyncMode:   opts.SyncMode,
	}
	if !s.SyncMode {
		s.wg.Add(1)
		go s.workerLoop()
	}
	return s
}

// Close stops accepting submissions and drains the in-flight queue.
func (s *Service) Close() error {
	s.closeOnce.Do(func() { close(s.queue) })
	s.wg.Wait()
	return nil
}

// =============================================================================
// URL IDENTITY
// =============================================================================

// NormalizeURL canonicalises a URL for identity: lowercase, no scheme, no
// leading www, no trailing slash. "HTTP://WWW.Example.com/Paper.pdf/" and
// "https://example.com/paper.pdf" are the same document.
func NormalizeURL(raw string) string {
	u := strings.ToLower(strings.TrimSpace(raw))
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "www.")
	u = strings.TrimRight(u, "/")
	return u
}

// HashURL returns the identity hash of a normalised URL.
func HashURL(raw string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(raw)))
	return hex.EncodeToString(sum[:])
}

// HashContent fingerprints extracted text, so the same document fetched from
// two URLs is recognised.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// SUBMISSION
// =============================================================================

// QueueURL registers a URL for ingestion. Re-submitting a known URL (in any
// normalised spelling) returns the existing entry without re-fetching;
// failed entries are re-queued for another attempt. The bool reports whether
// new work was enqueued.
func (s *Service) QueueURL(ctx context.Context, userID, rawURL string) (*types.DocumentEntry, bool, error) {
	if userID == "" || strings.TrimSpace(rawURL) == "" {
		return nil, false, fmt.Errorf("%w: user_id and url are required", store.ErrInvalidInput)
	}

	urlHash := HashURL(rawURL)
	existing, err := s.store.GetDocumentByURLHash(ctx, userID, urlHash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		switch existing.Status {
		case types.ProcessingFailed:
			if err := s.store.RequeueDocument(ctx, userID, existing.DocID); err != nil {
				return nil, false, err
			}
			existing.Status = types.ProcessingQueued
			existing.Error = ""
			s.enqueue(job{userID: userID, docID: existing.DocID, url: existing.URL})
			logging.Registry("Document %s re-queued after failure", existing.DocID)
			return existing, true, nil
		default:
			// queued, processing or completed: nothing to do.
			logging.RegistryDebug("Document %s already known (status %s)", existing.DocID, existing.Status)
			return existing, false, nil
		}
	}

	entry := &types.DocumentEntry{
		UserID:  userID,
		DocID:   uuid.NewString(),
		URL:     rawURL,
		URLHash: urlHash,
		Status:  types.ProcessingQueued,
	}
	if err := s.store.CreateDocument(ctx, entry); err != nil {
		return nil, false, err
	}
	s.enqueue(job{userID: userID, docID: entry.DocID, url: rawURL})
	logging.Registry("Document %s queued: %s", entry.DocID, NormalizeURL(rawURL))
	return entry, true, nil
}

// ResumeQueued re-enqueues entries left queued or processing by a previous
// run. Called once at startup.
func (s *Service) ResumeQueued(ctx context.Context, userID string) (int, error) {
	resumed := 0
	for _, status := range []types.ProcessingStatus{types.ProcessingProcessing, types.ProcessingQueued} {
		entries, err := s.store.ListDocumentsByStatus(ctx, userID, status, 500)
		if err != nil {
			return resumed, err
		}
		for _, entry := range entries {
			s.enqueue(job{userID: entry.UserID, docID: entry.DocID, url: entry.URL})
			resumed++
		}
	}
	if resumed > 0 {
		logging.Registry("Resumed %d pending documents for user %s", resumed, userID)
	}
	return resumed, nil
}

func (s *Service) enqueue(j job) {
	if s.SyncMode {
		s.process(j)
		return
	}
	s.queue <- j
}

// =============================================================================
// READ SIDE
// =============================================================================

// GetDocument returns the entry for a URL in any normalised spelling, or nil.
func (s *Service) GetDocument(ctx context.Context, userID, rawURL string) (*types.DocumentEntry, error) {
	return s.store.GetDocumentByURLHash(ctx, userID, HashURL(rawURL))
}

// GetDocumentByContentHash returns the entry whose extracted content matches
// the fingerprint, or nil. Mirror URLs resolve to their original this way.
func (s *Service) GetDocumentByContentHash(ctx context.Context, userID, contentHash string) (*types.DocumentEntry, error) {
	return s.store.GetDocumentByContentHash(ctx, userID, contentHash)
}

// GetDocumentContext renders a completed document as injection-ready context
// without refetching. Queued or failed documents report their state instead.
func (s *Service) GetDocumentContext(ctx context.Context, userID, rawURL string, maxChars int) (string, error) {
	entry, err := s.GetDocument(ctx, userID, rawURL)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", fmt.Errorf("document: %w", store.ErrNotFound)
	}
	if maxChars <= 0 {
		maxChars = 8000
	}

	switch entry.Status {
	case types.ProcessingCompleted:
	case types.ProcessingFailed:
		return "", fmt.Errorf("document %s failed: %s", entry.DocID, entry.Error)
	default:
		return "", fmt.Errorf("document %s still %s", entry.DocID, entry.Status)
	}

	var b strings.Builder
	title := entry.URL
	if entry.Summary != nil && entry.Summary.Title != "" {
		title = entry.Summary.Title
	}
	fmt.Fprintf(&b, "# %s\nSource: %s\n\n", title, entry.URL)
	if entry.Summary != nil {
		if entry.Summary.SummaryEN != "" {
			fmt.Fprintf(&b, "%s\n\n", entry.Summary.SummaryEN)
		}
		if entry.Summary.SummaryHE != "" {
			fmt.Fprintf(&b, "%s\n\n", entry.Summary.SummaryHE)
		}
	}
	body := entry.Markdown
	if remaining := maxChars - b.Len(); len(body) > remaining {
		body = truncateRunes(body, remaining)
	}
	b.WriteString(body)
	return b.String(), nil
}

// truncateRunes cuts on a rune boundary.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
