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

// localClient scores pairs through a cross-encoder inference sidecar:
// POST {endpoint}/rerank with the query and a document batch, scores
// come back parallel to the batch. The learning mode reuses this wire
// shape with adapter fields set.
type localClient struct {
	http      *httpclient.Client
	endpoint  string
	model     string
	batchSize int
}

type localRequest struct {
	Model     string   `json:"model,omitempty"`
	BaseModel string   `json:"base_model,omitempty"`
	Adapter   string   `json:"adapter_path,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type localResponse struct {
	Scores []float64 `json:"scores"`
	Error  string    `json:"error,omitempty"`
}

func (c *localClient) Mode() string {
	return ModeLocal
}

func (c *localClient) Rerank(ctx context.Context, query string, docs []Document) (*Result, error) {
	scores, err := c.scoreBatches(ctx, query, docs, "", "")
	if err != nil {
		return nil, err
	}
	return &Result{
		Rankings: rankingsFromScores(scores),
		Applied:  true,
		Model:    c.model,
	}, nil
}

// scoreBatches walks the documents in batchSize windows and concatenates
// the returned scores. baseModel and adapter are only set by the
// learning mode.
func (c *localClient) scoreBatches(ctx context.Context, query string, docs []Document, baseModel, adapter string) ([]float64, error) {
	batch := c.batchSize
	if batch <= 0 {
		batch = len(docs)
	}
	scores := make([]float64, 0, len(docs))
	for start := 0; start < len(docs); start += batch {
		end := start + batch
		if end > len(docs) {
			end = len(docs)
		}
		texts := make([]string, 0, end-start)
		for _, d := range docs[start:end] {
			texts = append(texts, d.Content)
		}
		got, err := c.scoreOnce(ctx, localRequest{
			Model:     c.model,
			BaseModel: baseModel,
			Adapter:   adapter,
			Query:     query,
			Documents: texts,
		})
		if err != nil {
			return nil, err
		}
		if len(got) != len(texts) {
			return nil, fmt.Errorf("reranker returned %d scores for %d documents", len(got), len(texts))
		}
		scores = append(scores, got...)
	}
	return scores, nil
}

func (c *localClient) scoreOnce(ctx context.Context, payload localRequest) ([]float64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}

	var parsed localResponse
	if resp.StatusCode != http.StatusOK {
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
			return nil, fmt.Errorf("reranker error: %s", parsed.Error)
		}
		return nil, fmt.Errorf("reranker returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	return parsed.Scores, nil
}

func rankingsFromScores(scores []float64) []Ranking {
	out := make([]Ranking, len(scores))
	for i, s := range scores {
		out[i] = Ranking{Index: i, Score: s}
	}
	return out
}
