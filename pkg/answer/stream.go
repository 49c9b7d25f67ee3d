package answer

import (
	"context"
	"strings"

	"github.com/tribridrag/tribrid/pkg/llm"
)

// Event names on the streaming surface.
const (
	EventText  = "text"
	EventDone  = "done"
	EventError = "error"
)

// Event is one streaming frame. Exactly one terminal event closes every
// stream: done normally, error when the transport broke after deltas
// were already sent.
type Event struct {
	Type string

	// Text carries the delta for text events and the message for error
	// events.
	Text string

	// Done carries the terminal payload for done events.
	Done *Response
}

// Stream retrieves and streams one answer. The returned error is only
// non-nil for request shapes the edge maps to 4xx; after that, failures
// arrive as events and the channel always closes after a terminal one.
func (c *Composer) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	return c.stream(ctx, req, "")
}

// ChatStream is Chat with a streaming surface.
func (c *Composer) ChatStream(ctx context.Context, req *ChatRequest) (<-chan Event, error) {
	areq, chat, err := c.planChat(ctx, req)
	if err != nil {
		return nil, err
	}
	recall := c.recallBlock(ctx, req, chat, areq.RecallIntensity)
	return c.stream(ctx, areq, recall)
}

func (c *Composer) stream(ctx context.Context, req *Request, recallBlock string) (<-chan Event, error) {
	res, settings, err := c.begin(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 8)
	go func() {
		defer close(events)

		provider, model, err := c.selectProvider(req, settings.Generation)
		if err != nil {
			c.streamFallback(ctx, events, res, err)
			return
		}

		deltas, err := provider.Stream(ctx, c.buildLLMRequest(req, settings, res.Sources, recallBlock, model))
		if err != nil {
			c.streamFallback(ctx, events, res, err)
			return
		}

		var sb strings.Builder
		for d := range deltas {
			if d.Err != nil {
				if sb.Len() == 0 {
					c.streamFallback(ctx, events, res, d.Err)
					return
				}
				// Deltas already reached the client; a retrieval-only
				// rewrite would contradict them, so terminate with the
				// error event instead.
				send(ctx, events, Event{Type: EventError, Text: llm.Redact(d.Err.Error())})
				return
			}
			if d.ResponseID != "" {
				res.ProviderResponseID = d.ResponseID
			}
			if d.Text != "" {
				sb.WriteString(d.Text)
				if !send(ctx, events, Event{Type: EventText, Text: d.Text}) {
					return
				}
			}
			if d.Done {
				break
			}
		}

		if strings.TrimSpace(sb.String()) == "" {
			c.streamFallback(ctx, events, res, errEmptyCompletion)
			return
		}

		res.Answer = sb.String()
		res.Model = model
		res.Debug.LLMUsed = true
		send(ctx, events, Event{Type: EventDone, Done: c.finish(res)})
	}()

	return events, nil
}

// streamFallback emits the retrieval-only answer as a single text event
// followed by done, mirroring the unary fallback.
func (c *Composer) streamFallback(ctx context.Context, events chan<- Event, res *Response, cause error) {
	c.fallback(res, cause)
	if !send(ctx, events, Event{Type: EventText, Text: res.Answer}) {
		return
	}
	send(ctx, events, Event{Type: EventDone, Done: c.finish(res)})
}

func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
