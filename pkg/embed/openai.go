// Package embed turns query text into dense vectors through any
// OpenAI-compatible embeddings endpoint. The vector leg embeds one
// query per request; batching belongs to the indexer.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tribridrag/tribrid/pkg/config"
	"github.com/tribridrag/tribrid/pkg/httpclient"
)

// Client calls the /embeddings endpoint. Retries ride on the shared
// retrying HTTP client; rate-limit headers steer the backoff.
type Client struct {
	http      *httpclient.Client
	baseURL   string
	model     string
	apiKey    string
	dimension int
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func NewClient(cfg config.EmbeddingConfig) *Client {
	return &Client{
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		apiKey:    os.Getenv(cfg.APIKeyEnv),
		dimension: cfg.Dimension,
	}
}

// Embed returns the vector for one text. The dimension is checked
// against config because a mismatched vector breaks the ANN operator
// on the pgvector side with a far less readable error.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("embeddings API key is not set")
	}

	payload, err := json.Marshal(embedRequest{
		Model: c.model,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("embeddings API error: %s (type: %s)",
				apiErr.Error.Message, apiErr.Error.Type)
		}
		return nil, fmt.Errorf("embeddings API returned status %d", resp.StatusCode)
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embeddings API returned no vectors")
	}

	vector := parsed.Data[0].Embedding
	if c.dimension > 0 && len(vector) != c.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d",
			c.dimension, len(vector))
	}
	return vector, nil
}
