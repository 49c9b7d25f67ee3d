package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tribridrag/tribrid/pkg/httpclient"
)

const cohereRerankURL = "https://api.cohere.com/v1/rerank"

// cloudClient calls the Cohere rerank API. top_n always equals the
// candidate count so every fused candidate comes back scored; provider
// failures return a ProviderError carrying Cohere's request id for the
// debug block.
type cloudClient struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	model   string
}

type cohereRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type cohereResponse struct {
	ID      string `json:"id"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message,omitempty"`
}

func (c *cloudClient) Mode() string {
	return ModeCloud
}

func (c *cloudClient) Rerank(ctx context.Context, query string, docs []Document) (*Result, error) {
	if c.apiKey == "" {
		return nil, &ProviderError{Message: "cloud reranker API key is not set"}
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	payload, err := json.Marshal(cohereRequest{
		Model:     c.model,
		Query:     query,
		Documents: texts,
		TopN:      len(docs),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	url := c.baseURL
	if url == "" {
		url = cohereRerankURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("rerank request failed: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("failed to read rerank response: %v", err)}
	}

	var parsed cohereResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK {
		perr := &ProviderError{
			Message: fmt.Sprintf("rerank API returned status %d", resp.StatusCode),
			TraceID: traceID(resp, parsed.ID),
		}
		if decodeErr == nil && parsed.Message != "" {
			perr.Message = parsed.Message
		}
		return nil, perr
	}
	if decodeErr != nil {
		return nil, &ProviderError{
			Message: "failed to decode rerank response",
			TraceID: traceID(resp, ""),
		}
	}

	rankings := make([]Ranking, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		rankings = append(rankings, Ranking{Index: r.Index, Score: r.RelevanceScore})
	}
	return &Result{
		Rankings: rankings,
		Applied:  true,
		Model:    c.model,
	}, nil
}

// traceID prefers the response body id, falling back to the request id
// header Cohere sets on errors.
func traceID(resp *http.Response, bodyID string) string {
	if bodyID != "" {
		return bodyID
	}
	if id := resp.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return resp.Header.Get("X-Trace-Id")
}
