// Package answer composes LLM answers over retrieval results: prompt
// assembly under a token budget, provider routing, streaming, and the
// retrieval-only fallback that keeps the answer surface shape-stable
// when no provider can serve.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tribridrag/tribrid/pkg/config"
	"github.com/tribridrag/tribrid/pkg/llm"
	"github.com/tribridrag/tribrid/pkg/logger"
	"github.com/tribridrag/tribrid/pkg/search"
)

// ModelRetrievalOnly is reported as the serving model when the composer
// fell back to enumerating matches without an LLM.
const ModelRetrievalOnly = "retrieval-only"

var errEmptyCompletion = errors.New("provider returned an empty completion")

// Retriever runs one retrieval request. *search.Engine is the
// production retriever.
type Retriever interface {
	Search(ctx context.Context, req *search.Request) (*search.Result, error)
}

// SettingsSource resolves corpus settings for prompt construction.
// *search.Resolver satisfies it.
type SettingsSource interface {
	Resolve(ctx context.Context, corpusID string) (*config.Settings, error)
	Defaults() *config.Settings
}

// ModelRouter picks the provider and effective model for an override.
// *llm.Router satisfies it.
type ModelRouter interface {
	Select(modelOverride string) (llm.Provider, string, error)
}

// Request is one answer invocation: a retrieval request plus the
// generation knobs. History is only populated on the chat path.
type Request struct {
	search.Request
	ModelOverride string        `json:"model_override,omitempty"`
	History       []llm.Message `json:"history,omitempty"`
}

// ChatRequest is one conversational turn. The recall gate classifies
// Message before any retrieval I/O happens.
type ChatRequest struct {
	Message          string        `json:"message"`
	CorpusIDs        []string      `json:"corpus_ids"`
	History          []llm.Message `json:"history,omitempty"`
	ConversationTurn int           `json:"conversation_turn,omitempty"`
	ModelOverride    string        `json:"model_override,omitempty"`
	TopK             int           `json:"top_k,omitempty"`
}

// Validate rejects turn shapes the composer cannot serve. Handlers map
// the error to HTTP 422.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("message must not be empty")
	}
	if len(r.CorpusIDs) == 0 {
		return fmt.Errorf("corpus_ids must name at least one corpus")
	}
	for _, id := range r.CorpusIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("corpus_ids must not contain empty ids")
		}
	}
	if r.TopK < 0 {
		return fmt.Errorf("top_k must be positive when set")
	}
	return nil
}

// Debug extends the retrieval debug block with the generation outcome.
type Debug struct {
	search.FusionDebug
	LLMUsed  bool   `json:"llm_used"`
	LLMError string `json:"llm_error,omitempty"`
}

// Response is the composed answer. Sources are the fused matches the
// prompt was built from; they are returned even when the LLM failed so
// clients can always render something.
type Response struct {
	RunID              string              `json:"run_id"`
	CorpusID           string              `json:"corpus_id"`
	Answer             string              `json:"answer"`
	Model              string              `json:"model"`
	Sources            []search.ChunkMatch `json:"sources"`
	Debug              Debug               `json:"debug"`
	StartedAtMs        int64               `json:"started_at_ms"`
	EndedAtMs          int64               `json:"ended_at_ms"`
	LatencyMs          int64               `json:"latency_ms"`
	ProviderResponseID string              `json:"provider_response_id,omitempty"`
}

// Composer turns retrieval results into answers. One composer serves
// all corpora and is safe for concurrent use.
type Composer struct {
	retriever Retriever
	settings  SettingsSource
	router    ModelRouter
	tokens    *tokenCounter
	logger    *slog.Logger
}

// ComposerConfig collects the composer dependencies. Router may be nil:
// every request then takes the retrieval-only path.
type ComposerConfig struct {
	Retriever Retriever
	Settings  SettingsSource
	Router    ModelRouter
}

func NewComposer(cfg ComposerConfig) *Composer {
	return &Composer{
		retriever: cfg.Retriever,
		settings:  cfg.Settings,
		router:    cfg.Router,
		tokens:    newTokenCounter(),
		logger:    logger.GetLogger().With("component", "answer"),
	}
}

// Answer retrieves and composes one answer. The returned error is only
// non-nil for request shapes the edge maps to 4xx; LLM failures land in
// the response via the retrieval-only fallback.
func (c *Composer) Answer(ctx context.Context, req *Request) (*Response, error) {
	return c.compose(ctx, req, "")
}

// Chat runs one conversational turn: gate classification, retrieval
// pinned to the gate decision, recall corpus lookup, then composition
// with the trimmed history.
func (c *Composer) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	areq, chat, err := c.planChat(ctx, req)
	if err != nil {
		return nil, err
	}
	recall := c.recallBlock(ctx, req, chat, areq.RecallIntensity)
	return c.compose(ctx, areq, recall)
}

// planChat classifies the message and shapes the retrieval request the
// turn will run. Settings resolution failures fall back to defaults;
// an unknown corpus still surfaces from the retrieval itself.
func (c *Composer) planChat(ctx context.Context, req *ChatRequest) (*Request, config.ChatSettings, error) {
	if err := req.Validate(); err != nil {
		return nil, config.ChatSettings{}, err
	}
	chat := c.settingsFor(ctx, req.CorpusIDs[0]).Chat

	areq := &Request{
		Request: search.Request{
			Query:            req.Message,
			CorpusIDs:        req.CorpusIDs,
			TopK:             req.TopK,
			ConversationTurn: req.ConversationTurn,
		},
		ModelOverride: req.ModelOverride,
		History:       req.History,
	}
	if chat.GateEnabled() {
		decision := search.ClassifyRecall(req.Message, req.ConversationTurn, chat)
		areq.RecallIntensity = decision.Intensity
	}
	return areq, chat, nil
}

// recallBlock queries the conversation recall corpus and renders it as
// a context block. Best effort: failures and empty results return "".
func (c *Composer) recallBlock(ctx context.Context, req *ChatRequest, chat config.ChatSettings, intensity string) string {
	if chat.RecallCorpus == "" || intensity == search.IntensitySkip {
		return ""
	}
	for _, id := range req.CorpusIDs {
		if id == chat.RecallCorpus {
			return ""
		}
	}

	res, err := c.retriever.Search(ctx, &search.Request{
		Query:            req.Message,
		CorpusIDs:        []string{chat.RecallCorpus},
		RecallIntensity:  intensity,
		ConversationTurn: req.ConversationTurn,
	})
	if err != nil {
		c.logger.Warn("Recall corpus retrieval failed",
			"corpus_id", chat.RecallCorpus, "error", err)
		return ""
	}
	if len(res.Matches) == 0 {
		return ""
	}
	b := &budget{counter: c.tokens, left: recallTokenShare}
	return renderContext("recall_context", res.Matches, b)
}

// begin runs the retrieval and seeds the response envelope both the
// unary and the streaming paths share.
func (c *Composer) begin(ctx context.Context, req *Request) (*Response, *config.Settings, error) {
	started := time.Now()

	result, err := c.retriever.Search(ctx, &req.Request)
	if err != nil {
		return nil, nil, err
	}
	settings := c.settingsFor(ctx, req.CorpusIDs[0])

	res := &Response{
		RunID:       uuid.NewString(),
		CorpusID:    req.CorpusIDs[0],
		StartedAtMs: started.UnixMilli(),
		Sources:     result.Matches,
		Debug:       Debug{FusionDebug: result.Debug},
	}
	return res, settings, nil
}

func (c *Composer) compose(ctx context.Context, req *Request, recallBlock string) (*Response, error) {
	res, settings, err := c.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	gen := settings.Generation

	provider, model, err := c.selectProvider(req, gen)
	if err != nil {
		c.fallback(res, err)
		return c.finish(res), nil
	}

	llmRes, err := provider.Generate(ctx, c.buildLLMRequest(req, settings, res.Sources, recallBlock, model))
	switch {
	case err != nil:
		c.fallback(res, err)
	case strings.TrimSpace(llmRes.Text) == "":
		c.fallback(res, errEmptyCompletion)
	default:
		res.Answer = llmRes.Text
		res.Model = llmRes.Model
		if res.Model == "" {
			res.Model = model
		}
		res.ProviderResponseID = llmRes.ResponseID
		res.Debug.LLMUsed = true
	}
	return c.finish(res), nil
}

func (c *Composer) selectProvider(req *Request, gen config.GenerationSettings) (llm.Provider, string, error) {
	if c.router == nil {
		return nil, "", fmt.Errorf("no chat provider is configured")
	}
	override := req.ModelOverride
	if override == "" {
		override = gen.ModelOverride
	}
	return c.router.Select(override)
}

func (c *Composer) buildLLMRequest(req *Request, settings *config.Settings, sources []search.ChunkMatch, recallBlock, model string) llm.Request {
	gen := settings.Generation

	system := gen.SystemPrompt
	if !gen.CitationsEnabled() {
		system += "\nDo not cite file paths or line numbers in the answer."
	}

	b := &budget{counter: c.tokens, left: gen.ContextTokenBudget}
	var blocks []string
	if rag := renderContext("rag_context", sources, b); rag != "" {
		blocks = append(blocks, rag)
	}
	if recallBlock != "" {
		blocks = append(blocks, recallBlock)
	}
	blocks = append(blocks, "Question: "+req.Query)

	messages := trimHistory(req.History, settings.Chat.HistoryMaxTurns)
	messages = append(messages, llm.Message{
		Role:    "user",
		Content: strings.Join(blocks, "\n\n"),
	})

	return llm.Request{
		System:      system,
		Messages:    messages,
		Model:       model,
		MaxTokens:   gen.MaxTokens,
		Temperature: gen.Temperature,
	}
}

// fallback fills the retrieval-only answer. Every LLM failure funnels
// through here so the surface never loses its shape.
func (c *Composer) fallback(res *Response, cause error) {
	res.Answer = retrievalOnlyAnswer(res.Sources)
	res.Model = ModelRetrievalOnly
	res.Debug.LLMUsed = false
	res.Debug.LLMError = llm.Redact(cause.Error())
	c.logger.Warn("Answer fell back to retrieval-only",
		"run_id", res.RunID, "error", res.Debug.LLMError)
}

func (c *Composer) finish(res *Response) *Response {
	res.EndedAtMs = time.Now().UnixMilli()
	if res.EndedAtMs < res.StartedAtMs {
		res.EndedAtMs = res.StartedAtMs
	}
	res.LatencyMs = res.EndedAtMs - res.StartedAtMs
	return res
}

// settingsFor degrades to global defaults: by the time the composer
// needs settings the retrieval has already vetted the corpus.
func (c *Composer) settingsFor(ctx context.Context, corpusID string) *config.Settings {
	s, err := c.settings.Resolve(ctx, corpusID)
	if err != nil {
		return c.settings.Defaults()
	}
	return s
}
