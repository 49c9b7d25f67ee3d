// Package llm routes answer generation to chat providers: direct
// OpenAI, the OpenRouter aggregator, and any number of local
// OpenAI-compatible servers. One wire client serves all three kinds;
// the router picks which one a request uses.
package llm

import "context"

// Provider kinds, in routing vocabulary.
const (
	KindOpenAI     = "openai"
	KindOpenRouter = "openrouter"
	KindLocal      = "local"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call. Model overrides the provider's
// default when set; the router resolves prefixed overrides before the
// request reaches a provider.
type Request struct {
	System      string
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response is a non-streaming completion.
type Response struct {
	Text string

	// Model is what the provider reports it actually served.
	Model string

	// ResponseID is the provider's response id, captured for
	// conversation continuity when present.
	ResponseID string
}

// Delta is one streaming event. Exactly one terminal delta arrives per
// stream: Done on success, Err on failure.
type Delta struct {
	Text       string
	ResponseID string
	Done       bool
	Err        error
}

// Provider is a chat backend the router can select.
type Provider interface {
	// Kind is the routing class: openai, openrouter, or local.
	Kind() string

	// Name distinguishes local providers; for the hosted kinds it
	// equals Kind.
	Name() string

	// DefaultModel is used when the request carries no override.
	DefaultModel() string

	// Available reports whether the provider can serve requests now
	// (enabled and, for hosted kinds, keyed).
	Available() bool

	Generate(ctx context.Context, req Request) (*Response, error)

	// Stream emits deltas in provider order and always terminates the
	// channel after a Done or Err delta.
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}
