package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/config"
	"recall/internal/store"
	"recall/internal/types"
)

const testUser = "tenant-a"

// fakeIngestor records chunk params and hands back synthetic items.
type fakeIngestor struct {
	chunks []store.StoreParams
	err    error
}

func (f *fakeIngestor) Ingest(ctx context.Context, p store.StoreParams) (*types.MemoryItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.chunks = append(f.chunks, p)
	return &types.MemoryItem{MemoryID: uuid.NewString(), UserID: p.UserID, Text: p.Text, Tier: p.Tier}, nil
}

type fakeParser struct {
	text  string
	pages int
}

func (f *fakeParser) Parse(data []byte) (string, int, error) {
	return f.text, f.pages, nil
}

type fakeSummarizer struct {
	summary *types.BilingualSummary
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, title, text string) (*types.BilingualSummary, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, f.err
}

type harness struct {
	store      *store.Store
	ingestor   *fakeIngestor
	summarizer *fakeSummarizer
	svc        *Service
}

func newHarness(t *testing.T, parser PDFParser) *harness {
	t.Helper()
	s, err := store.New(":memory:", 5*time.Second)
	require.NoError(t, err)

	ingestor := &fakeIngestor{}
	summarizer := &fakeSummarizer{summary: &types.BilingualSummary{
		Title:     "Test Paper",
		SummaryEN: "A paper about tests.",
		SummaryHE: "מאמר על בדיקות.",
	}}
	svc := New(s, ingestor, config.Default(), Options{
		Parser:     parser,
		Summarizer: summarizer,
		SyncMode:   true,
	})
	t.Cleanup(func() {
		svc.Close()
		s.Close()
	})
	return &harness{store: s, ingestor: ingestor, summarizer: summarizer, svc: svc}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://example.com/paper.pdf", "example.com/paper.pdf"},
		{"HTTP://WWW.Example.com/paper.pdf/", "example.com/paper.pdf"},
		{"http://www.example.com/paper.pdf/", "example.com/paper.pdf"},
		{"example.com/paper.pdf", "example.com/paper.pdf"},
		{"https://example.com/", "example.com"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeURL(tc.in), tc.in)
	}
	assert.Equal(t, HashURL("https://example.com/paper.pdf"), HashURL("http://www.example.com/paper.pdf/"))
}

func TestQueueURLDeduplicatesResubmissions(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4 fake body")
	}))
	defer srv.Close()

	h := newHarness(t, &fakeParser{text: "Extracted paper text about retrieval systems.", pages: 3})
	ctx := context.Background()
	url := srv.URL + "/paper.pdf"

	first, queued, err := h.svc.QueueURL(ctx, testUser, url)
	require.NoError(t, err)
	assert.True(t, queued)

	done, err := h.store.GetDocumentByID(ctx, testUser, first.DocID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessingCompleted, done.Status)
	assert.Equal(t, 3, done.PageCount)
	assert.NotEmpty(t, done.MemoryIDs)
	assert.GreaterOrEqual(t, done.ProcessingTimeMS, int64(0))

	// Identical URL: no new entry, no refetch.
	second, queued, err := h.svc.QueueURL(ctx, testUser, url)
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, first.DocID, second.DocID)

	// Normalised spelling variant resolves to the same entry.
	variant := strings.Replace(url, "http://", "HTTP://www.", 1) + "/"
	third, queued, err := h.svc.QueueURL(ctx, testUser, variant)
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, first.DocID, third.DocID)

	assert.Equal(t, int64(1), fetches.Load())
}

func TestChunksLandInBooksTier(t *testing.T) {
	body := strings.Repeat("Retrieval quality depends on chunk boundaries. ", 120)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	h := newHarness(t, nil)
	entry, _, err := h.svc.QueueURL(context.Background(), testUser, srv.URL+"/notes.txt")
	require.NoError(t, err)

	require.Greater(t, len(h.ingestor.chunks), 1)
	for _, chunk := range h.ingestor.chunks {
		assert.Equal(t, types.TierBooks, chunk.Tier)
		assert.Equal(t, types.SourceDocument, chunk.Source.Kind)
		assert.Equal(t, entry.DocID, chunk.Source.DocID)
		assert.NotEmpty(t, chunk.Source.BookTitle)
		assert.LessOrEqual(t, len([]rune(chunk.Text)), 1000)
	}

	done, err := h.store.GetDocumentByID(context.Background(), testUser, entry.DocID)
	require.NoError(t, err)
	assert.Len(t, done.MemoryIDs, len(h.ingestor.chunks))
	require.NotNil(t, done.Summary)
	assert.Equal(t, "Test Paper", done.Summary.Title)
	assert.NotEmpty(t, done.Summary.SummaryHE)
}

func TestContentHashDeduplicatesMirrors(t *testing.T) {
	const body = "The exact same document text served from two hosts."
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, body)
	})
	srvA := httptest.NewServer(handler)
	defer srvA.Close()
	srvB := httptest.NewServer(handler)
	defer srvB.Close()

	h := newHarness(t, nil)
	ctx := context.Background()

	first, _, err := h.svc.QueueURL(ctx, testUser, srvA.URL+"/doc.txt")
	require.NoError(t, err)
	chunksAfterFirst := len(h.ingestor.chunks)
	require.Greater(t, chunksAfterFirst, 0)

	second, _, err := h.svc.QueueURL(ctx, testUser, srvB.URL+"/doc.txt")
	require.NoError(t, err)
	require.NotEqual(t, first.DocID, second.DocID)

	// No new memories; the mirror links to the original's.
	assert.Len(t, h.ingestor.chunks, chunksAfterFirst)

	original, err := h.store.GetDocumentByID(ctx, testUser, first.DocID)
	require.NoError(t, err)
	mirror, err := h.store.GetDocumentByID(ctx, testUser, second.DocID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessingCompleted, mirror.Status)
	assert.Equal(t, original.MemoryIDs, mirror.MemoryIDs)
	assert.Empty(t, mirror.ContentHash)
	assert.NotEmpty(t, original.ContentHash)
}

func TestFetchFailureMarksFailedAndRequeues(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			fmt.Fprint(w, "document text available after recovery")
		}
	}))
	defer srv.Close()

	h := newHarness(t, nil)
	ctx := context.Background()
	url := srv.URL + "/flaky.txt"

	entry, _, err := h.svc.QueueURL(ctx, testUser, url)
	require.NoError(t, err)

	failed, err := h.store.GetDocumentByID(ctx, testUser, entry.DocID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessingFailed, failed.Status)
	assert.Contains(t, failed.Error, "404")

	// Resubmitting a failed URL retries it instead of returning the failure.
	status.Store(http.StatusOK)
	retried, queued, err := h.svc.QueueURL(ctx, testUser, url)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, entry.DocID, retried.DocID)

	done, err := h.store.GetDocumentByID(ctx, testUser, entry.DocID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessingCompleted, done.Status)
	assert.Empty(t, done.Error)
}

func TestSummaryFallbackOnLLMFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "A short document whose summary has to be built locally.")
	}))
	defer srv.Close()

	h := newHarness(t, nil)
	h.summarizer.err = errors.New("model not loaded")

	entry, _, err := h.svc.QueueURL(context.Background(), testUser, srv.URL+"/doc.txt")
	require.NoError(t, err)

	done, err := h.store.GetDocumentByID(context.Background(), testUser, entry.DocID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessingCompleted, done.Status)
	require.NotNil(t, done.Summary)
	assert.Contains(t, done.Summary.SummaryEN, "summary has to be built locally")
}

func TestHTMLIsStrippedBeforeChunking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<!doctype html><html><head><title>x</title>
			<script>alert("never this")</script><style>body{color:red}</style></head>
			<body><h1>Heading</h1><p>First paragraph.</p><p>Second &amp; final.</p></body></html>`)
	}))
	defer srv.Close()

	h := newHarness(t, nil)
	_, _, err := h.svc.QueueURL(context.Background(), testUser, srv.URL+"/page")
	require.NoError(t, err)

	require.Len(t, h.ingestor.chunks, 1)
	text := h.ingestor.chunks[0].Text
	assert.Contains(t, text, "First paragraph.")
	assert.Contains(t, text, "Second & final.")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "<p>")
	assert.NotContains(t, text, "color:red")
}

func TestGetDocumentContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "Body text of the stored document.")
	}))
	defer srv.Close()

	h := newHarness(t, nil)
	ctx := context.Background()
	url := srv.URL + "/doc.txt"

	_, _, err := h.svc.QueueURL(ctx, testUser, url)
	require.NoError(t, err)

	rendered, err := h.svc.GetDocumentContext(ctx, testUser, url, 0)
	require.NoError(t, err)
	assert.Contains(t, rendered, "Test Paper")
	assert.Contains(t, rendered, "Body text of the stored document.")
	assert.Contains(t, rendered, "Source: "+url)

	_, err = h.svc.GetDocumentContext(ctx, testUser, "https://unknown.example/none", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResumeQueuedPicksUpLeftoverWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "document that survived a restart")
	}))
	defer srv.Close()

	h := newHarness(t, nil)
	ctx := context.Background()
	url := srv.URL + "/leftover.txt"

	// Simulate a row written by a previous run that never got processed.
	entry := &types.DocumentEntry{
		UserID:  testUser,
		DocID:   uuid.NewString(),
		URL:     url,
		URLHash: HashURL(url),
	}
	require.NoError(t, h.store.CreateDocument(ctx, entry))

	resumed, err := h.svc.ResumeQueued(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	done, err := h.store.GetDocumentByID(ctx, testUser, entry.DocID)
	require.NoError(t, err)
	assert.Equal(t, types.ProcessingCompleted, done.Status)
}

func TestChunkText(t *testing.T) {
	t.Run("short text is a single chunk", func(t *testing.T) {
		chunks := ChunkText("just a small note", 1000, 200)
		assert.Equal(t, []string{"just a small note"}, chunks)
	})

	t.Run("empty text yields no chunks", func(t *testing.T) {
		assert.Nil(t, ChunkText("   \n  ", 1000, 200))
	})

	t.Run("windows overlap and cover the text", func(t *testing.T) {
		var b strings.Builder
		for i := 0; i < 200; i++ {
			fmt.Fprintf(&b, "Sentence number %d ends here. ", i)
		}
		text := b.String()

		chunks := ChunkText(text, 1000, 200)
		require.Greater(t, len(chunks), 2)
		for _, chunk := range chunks {
			assert.LessOrEqual(t, len([]rune(chunk)), 1000)
		}
		// The last sentence survived chunking.
		assert.Contains(t, chunks[len(chunks)-1], "Sentence number 199")
		// Consecutive chunks share overlapping text.
		tail := chunks[0][len(chunks[0])-50:]
		assert.Contains(t, chunks[1], strings.TrimSpace(tail)[:20])
	})
}

func TestStripHTMLKeepsParagraphBreaks(t *testing.T) {
	text := StripHTML("<p>one</p><p>two</p>")
	assert.Contains(t, text, "one")
	assert.Contains(t, text, "two")
	assert.NotEqual(t, -1, strings.Index(text, "\n"))
}
