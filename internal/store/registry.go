package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"recall/internal/logging"
	"recall/internal/types"
)

// =============================================================================
// DOCUMENT REGISTRY PERSISTENCE
// =============================================================================

// CreateDocument inserts a queued registry entry.
func (s *Store) CreateDocument(ctx context.Context, entry *types.DocumentEntry) error {
	timer := logging.StartTimer(logging.CategoryRegistry, "store.CreateDocument")
	defer timer.Stop()

	if entry.UserID == "" || entry.DocID == "" || entry.URLHash == "" {
		return fmt.Errorf("%w: user_id, doc_id and url_hash are required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := nowMillis()
	status := entry.Status
	if status == "" {
		status = types.ProcessingQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_registry (user_id, doc_id, url, url_hash, content_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID, entry.DocID, entry.URL, entry.URLHash, entry.ContentHash, string(status), now, now)
	if err != nil {
		return fmt.Errorf("failed to create registry entry: %w", err)
	}
	entry.Status = status
	entry.CreatedAt = millisToTime(now)
	entry.UpdatedAt = millisToTime(now)
	return nil
}

// GetDocumentByID fetches a registry entry.
func (s *Store) GetDocumentByID(ctx context.Context, userID, docID string) (*types.DocumentEntry, error) {
	return s.getDocumentWhere(ctx, `user_id = ? AND doc_id = ?`, userID, docID)
}

// GetDocumentByURLHash resolves a normalised-URL hash to its entry, if any.
// Returns nil without error on a miss.
func (s *Store) GetDocumentByURLHash(ctx context.Context, userID, urlHash string) (*types.DocumentEntry, error) {
	entry, err := s.getDocumentWhere(ctx, `user_id = ? AND url_hash = ?`, userID, urlHash)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return entry, err
}

// GetDocumentByContentHash resolves extracted-content identity. Returns nil
// without error on a miss.
func (s *Store) GetDocumentByContentHash(ctx context.Context, userID, contentHash string) (*types.DocumentEntry, error) {
	if contentHash == "" {
		return nil, nil
	}
	entry, err := s.getDocumentWhere(ctx, `user_id = ? AND content_hash = ?`, userID, contentHash)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return entry, err
}

const documentColumns = `user_id, doc_id, url, url_hash, content_hash, markdown,
	char_count, word_count, page_count, summary_json, status, error, memory_ids,
	processing_time_ms, created_at, updated_at`

func (s *Store) getDocumentWhere(ctx context.Context, where string, args ...interface{}) (*types.DocumentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM document_registry WHERE `+where+` ORDER BY created_at DESC LIMIT 1`,
		args...)
	entry, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document: %w", ErrNotFound)
	}
	return entry, err
}

// MarkDocumentProcessing flips a queued entry to processing.
func (s *Store) MarkDocumentProcessing(ctx context.Context, userID, docID string) error {
	return s.updateDocumentStatus(ctx, userID, docID, types.ProcessingProcessing, "")
}

// FailDocument marks an entry failed with a diagnostic. Failed entries stay
// in the registry so retries and debugging can see them.
func (s *Store) FailDocument(ctx context.Context, userID, docID, message string) error {
	return s.updateDocumentStatus(ctx, userID, docID, types.ProcessingFailed, message)
}

// RequeueDocument flips a failed entry back to queued for a retry.
func (s *Store) RequeueDocument(ctx context.Context, userID, docID string) error {
	return s.updateDocumentStatus(ctx, userID, docID, types.ProcessingQueued, "")
}

func (s *Store) updateDocumentStatus(ctx context.Context, userID, docID string, status types.ProcessingStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE document_registry SET status = ?, error = ?, updated_at = ? WHERE user_id = ? AND doc_id = ?`,
		string(status), message, nowMillis(), userID, docID)
	if err != nil {
		return fmt.Errorf("failed to update registry status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	return nil
}

// CompleteDocument records the extraction result and flips the entry to
// completed in one statement.
func (s *Store) CompleteDocument(ctx context.Context, entry *types.DocumentEntry) error {
	timer := logging.StartTimer(logging.CategoryRegistry, "store.CompleteDocument")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	summaryJSON := ""
	if entry.Summary != nil {
		summaryJSON = mustJSON(entry.Summary)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE document_registry SET
			content_hash = ?, markdown = ?, char_count = ?, word_count = ?, page_count = ?,
			summary_json = ?, status = 'completed', error = '', memory_ids = ?,
			processing_time_ms = ?, updated_at = ?
		WHERE user_id = ? AND doc_id = ?`,
		entry.ContentHash, entry.Markdown, entry.CharCount, entry.WordCount, entry.PageCount,
		summaryJSON, mustJSON(entry.MemoryIDs),
		entry.ProcessingTimeMS, nowMillis(),
		entry.UserID, entry.DocID)
	if err != nil {
		return fmt.Errorf("failed to complete registry entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", entry.DocID, ErrNotFound)
	}
	logging.Registry("Document %s completed: %d chars, %d memories", entry.DocID, entry.CharCount, len(entry.MemoryIDs))
	return nil
}

// ListDocumentsByStatus returns entries in a given state, oldest first, for
// the worker queue and the startup recovery sweep.
func (s *Store) ListDocumentsByStatus(ctx context.Context, userID string, status types.ProcessingStatus, limit int) ([]*types.DocumentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM document_registry
		 WHERE user_id = ? AND status = ? ORDER BY created_at ASC LIMIT ?`,
		userID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("registry query failed: %w", err)
	}
	defer rows.Close()

	var entries []*types.DocumentEntry
	for rows.Next() {
		entry, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanDocument(row rowScanner) (*types.DocumentEntry, error) {
	var (
		e                     types.DocumentEntry
		summaryJSON, idsJSON  string
		status                string
		created, updated      int64
	)
	err := row.Scan(&e.UserID, &e.DocID, &e.URL, &e.URLHash, &e.ContentHash, &e.Markdown,
		&e.CharCount, &e.WordCount, &e.PageCount, &summaryJSON, &status, &e.Error, &idsJSON,
		&e.ProcessingTimeMS, &created, &updated)
	if err != nil {
		return nil, err
	}
	e.Status = types.ProcessingStatus(status)
	e.MemoryIDs = fromJSONStrings(idsJSON)
	if summaryJSON != "" {
		var summary types.BilingualSummary
		if err := json.Unmarshal([]byte(summaryJSON), &summary); err == nil {
			e.Summary = &summary
		}
	}
	e.CreatedAt = millisToTime(created)
	e.UpdatedAt = millisToTime(updated)
	return &e, nil
}
