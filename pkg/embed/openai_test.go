package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribridrag/tribrid/pkg/config"
)

func testClient(t *testing.T, serverURL string, dimension int) *Client {
	t.Helper()
	t.Setenv("TEST_EMBED_KEY", "sk-test")
	cfg := config.EmbeddingConfig{
		BaseURL:    serverURL,
		Model:      "text-embedding-3-small",
		APIKeyEnv:  "TEST_EMBED_KEY",
		Dimension:  dimension,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	}
	return NewClient(cfg)
}

func TestEmbedReturnsVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"retry handler"}, req.Input)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
			"model": req.Model,
		})
	}))
	defer server.Close()

	vector, err := testClient(t, server.URL, 3).Embed(context.Background(), "retry handler")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
}

func TestEmbedRejectsDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2}}},
		})
	}))
	defer server.Close()

	_, err := testClient(t, server.URL, 1536).Embed(context.Background(), "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestEmbedSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "bad key", "type": "invalid_request_error"},
		})
	}))
	defer server.Close()

	_, err := testClient(t, server.URL, 3).Embed(context.Background(), "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestEmbedRequiresKey(t *testing.T) {
	t.Setenv("TEST_EMBED_KEY_MISSING", "")
	client := NewClient(config.EmbeddingConfig{
		BaseURL:   "http://localhost:0",
		APIKeyEnv: "TEST_EMBED_KEY_MISSING",
	})

	_, err := client.Embed(context.Background(), "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}
