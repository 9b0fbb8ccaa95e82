package registry

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// =============================================================================
// TEXT EXTRACTION
// =============================================================================

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
	spaceRe  = regexp.MustCompile(`[ \t]{2,}`)
)

// extract turns fetched bytes into plain text. HTML is stripped locally,
// PDFs go through the injected parser, anything else is taken as plain text.
func (s *Service) extract(url, contentType string, data []byte) (string, int, error) {
	switch {
	case isPDF(url, contentType, data):
		if s.parser == nil {
			return "", 0, fmt.Errorf("pdf document but no pdf parser configured")
		}
		return s.parser.Parse(data)
	case isHTML(url, contentType, data):
		return StripHTML(string(data)), 0, nil
	default:
		if !utf8.Valid(data) {
			return "", 0, fmt.Errorf("unsupported binary content type %q", contentType)
		}
		return string(data), 0, nil
	}
}

func isPDF(url, contentType string, data []byte) bool {
	if strings.Contains(contentType, "application/pdf") {
		return true
	}
	if strings.HasSuffix(NormalizeURL(url), ".pdf") {
		return true
	}
	return len(data) >= 5 && string(data[:5]) == "%PDF-"
}

func isHTML(url, contentType string, data []byte) bool {
	if strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/xhtml") {
		return true
	}
	head := strings.ToLower(string(data[:min(len(data), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// StripHTML reduces an HTML page to its visible text. Block-level tags
// become newlines so paragraphs survive the strip.
func StripHTML(page string) string {
	text := scriptRe.ReplaceAllString(page, " ")

	// Preserve paragraph boundaries before removing the tags.
	for _, tag := range []string{"</p>", "</div>", "</li>", "</h1>", "</h2>", "</h3>", "</h4>", "</tr>", "<br>", "<br/>", "<br />"} {
		text = strings.ReplaceAll(text, tag, tag+"\n")
	}
	text = tagRe.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)

	text = spaceRe.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
