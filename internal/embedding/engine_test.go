package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)

	// Zero vector passes through untouched.
	z := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, z)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CosineSimilarity(tc.a, tc.b)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-6)
		})
	}

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := CosineSimilarity([]float32{1}, []float32{1, 2})
		assert.Error(t, err)
	})
}

func TestOllamaEngineEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embeddinggemma", req.Model)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{3, 4}})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "", 2)
	vec, err := e.Embed(context.Background(), "docker bridge network")
	require.NoError(t, err)
	require.Len(t, vec, 2)
	// Returned vectors are unit-normalised.
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)
}

func TestOllamaEngineErrors(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer srv.Close()

		e := NewOllamaEngine(srv.URL, "missing", 0)
		_, err := e.Embed(context.Background(), "text")
		assert.ErrorContains(t, err, "status 404")
	})

	t.Run("empty embedding", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ollamaEmbedResponse{})
		}))
		defer srv.Close()

		e := NewOllamaEngine(srv.URL, "", 0)
		_, err := e.Embed(context.Background(), "text")
		assert.ErrorContains(t, err, "empty embedding")
	})
}

func TestOllamaEngineBatch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1, 0}})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "", 2)
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Equal(t, 3, calls)
}
