package registry

import "strings"

// =============================================================================
// CHUNKING
// =============================================================================

// ChunkText splits text into overlapping windows of roughly size runes,
// preferring to break at a paragraph or sentence boundary near the end of
// each window. Overlap carries trailing context into the next chunk.
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}

	runes := []rune(text)
	if len(runes) <= size {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// breakPoint walks back from end looking for a natural boundary inside the
// last quarter of the window. Falls back to the hard cut.
func breakPoint(runes []rune, start, end int) int {
	floor := end - (end-start)/4
	for i := end; i > floor; i-- {
		switch runes[i-1] {
		case '\n':
			return i
		case '.', '!', '?':
			if i == len(runes) || runes[i] == ' ' || runes[i] == '\n' {
				return i
			}
		}
	}
	return end
}
