package llm

import (
	"bufio"
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

const defaultTimeout = 120 * time.Second

// client speaks the OpenAI chat-completions protocol. OpenAI,
// OpenRouter, and local servers (ollama, llama.cpp, vllm) all accept
// it; only base URL, key, and attribution headers differ.
type client struct {
	kind         string
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	enabled      bool
	priority     int
	extraHeaders map[string]string
	http         *httpclient.Client
}

func newClient(kind, name, baseURL, apiKey, model string) *client {
	return &client{
		kind:         kind,
		name:         name,
		baseURL:      baseURL,
		apiKey:       apiKey,
		defaultModel: model,
		enabled:      true,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: defaultTimeout}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
}

// NewOpenAI builds the direct OpenAI provider.
func NewOpenAI(cfg config.OpenAIProviderConfig) Provider {
	return newClient(KindOpenAI, KindOpenAI, cfg.BaseURL, os.Getenv(cfg.APIKeyEnv), cfg.Model)
}

// NewOpenRouter builds the aggregator provider. OpenRouter asks callers
// to identify themselves via attribution headers.
func NewOpenRouter(cfg config.OpenRouterProviderConfig) Provider {
	c := newClient(KindOpenRouter, KindOpenRouter, cfg.BaseURL, os.Getenv(cfg.APIKeyEnv), cfg.Model)
	c.enabled = cfg.Enabled
	c.extraHeaders = map[string]string{
		"HTTP-Referer": "https://github.com/tribridrag/tribrid",
		"X-Title":      "tribrid",
	}
	return c
}

// NewLocal builds one local OpenAI-compatible provider. Local servers
// usually run unauthenticated, so a missing key is fine.
func NewLocal(cfg config.LocalProviderConfig) Provider {
	c := newClient(KindLocal, cfg.Name, cfg.BaseURL, "", cfg.Model)
	c.enabled = cfg.Enabled == nil || *cfg.Enabled
	c.priority = cfg.Priority
	return c
}

func (c *client) Kind() string         { return c.kind }
func (c *client) Name() string         { return c.name }
func (c *client) DefaultModel() string { return c.defaultModel }

func (c *client) Available() bool {
	if !c.enabled {
		return false
	}
	if c.kind == KindLocal {
		return true
	}
	return c.apiKey != ""
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// chatChoice tolerates the response variants providers actually emit:
// streaming deltas, full messages mid-stream, and the legacy text
// completion field. Content may be a string or a multi-part array.
type chatChoice struct {
	Delta struct {
		Content json.RawMessage `json:"content"`
	} `json:"delta"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Text string `json:"text"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseErrorResponse(body []byte) *apiError {
	if len(body) == 0 {
		return nil
	}
	var errResp struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &errResp.Error
	}
	return nil
}

func (c *client) buildRequest(req Request, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)
	return chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (c *client) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseErrorResponse(body); apiErr != nil {
			return nil, fmt.Errorf("%s API error (status %d): %s",
				c.name, resp.StatusCode, Redact(apiErr.Message))
		}
		return nil, fmt.Errorf("%s API returned status %d: %s",
			c.name, resp.StatusCode, Redact(string(body)))
	}
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	return resp, nil
}

func (c *client) Generate(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%s API error: %s", c.name, Redact(parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", c.name)
	}

	text := extractChoiceText(parsed.Choices[0])
	if text == "" {
		return nil, fmt.Errorf("%s returned an empty completion", c.name)
	}

	model := parsed.Model
	if model == "" {
		model = c.buildRequest(req, false).Model
	}
	return &Response{Text: text, Model: model, ResponseID: parsed.ID}, nil
}

// Stream issues the request with stream=true and forwards deltas in
// provider order. The returned channel always ends with a terminal
// delta; callers never need a timeout to drain it.
func (c *client) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	payload, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	out := make(chan Delta, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if err := c.readStream(resp.Body, out); err != nil {
			out <- Delta{Err: err}
			return
		}
		out <- Delta{Done: true}
	}()
	return out, nil
}

func (c *client) readStream(body io.Reader, out chan<- Delta) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			return nil
		}

		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			// Malformed keep-alives and vendor extensions are skipped,
			// not fatal.
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("%s API error: %s", c.name, Redact(chunk.Error.Message))
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		if text := extractChoiceText(chunk.Choices[0]); text != "" {
			out <- Delta{Text: text, ResponseID: chunk.ID}
		}
	}
}

// extractChoiceText is the unified delta extractor. It accepts, in
// order: OpenAI-style delta content, providers that emit full messages
// mid-stream, and the legacy completions text field. String and
// multi-part array content both decode.
func extractChoiceText(choice chatChoice) string {
	if text := decodeContent(choice.Delta.Content); text != "" {
		return text
	}
	if text := decodeContent(choice.Message.Content); text != "" {
		return text
	}
	return choice.Text
}

func decodeContent(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var buf bytes.Buffer
		for _, part := range parts {
			if part.Type == "" || part.Type == "text" {
				buf.WriteString(part.Text)
			}
		}
		return buf.String()
	}
	return ""
}
