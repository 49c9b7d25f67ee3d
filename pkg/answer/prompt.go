package answer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tribridrag/tribrid/pkg/llm"
	"github.com/tribridrag/tribrid/pkg/search"
)

// recallTokenShare caps the recall block so conversation memory never
// starves the primary context.
const recallTokenShare = 1500

// fallbackSnippetChars bounds each snippet in the retrieval-only
// answer.
const fallbackSnippetChars = 200

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenCounter counts prompt tokens with the cl100k_base encoding. When
// the encoding cannot be loaded (offline hosts) it estimates at four
// characters per token, which overshoots rarely enough for budgeting.
type tokenCounter struct {
	enc *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return &tokenCounter{enc: encoding}
}

func (t *tokenCounter) Count(text string) int {
	if t == nil || t.enc == nil {
		return len(text) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}

// budget tracks how many context tokens remain while blocks are
// rendered. Zero or negative left means the budget is spent.
type budget struct {
	counter *tokenCounter
	left    int
}

// take consumes the block when it fits and reports whether it did.
func (b *budget) take(block string) bool {
	n := b.counter.Count(block)
	if n > b.left {
		return false
	}
	b.left -= n
	return true
}

// renderContext renders matches into a tagged block, consuming the
// budget match by match. The first match always survives: when it alone
// exceeds the budget its content is cut to roughly fit, so the model
// never sees an empty context while retrieval had hits.
func renderContext(tag string, matches []search.ChunkMatch, b *budget) string {
	if len(matches) == 0 || b.left <= 0 {
		return ""
	}

	var blocks []string
	for i, m := range matches {
		block := renderMatch(i+1, m)
		if !b.take(block) {
			if i > 0 {
				break
			}
			block = truncate(block, b.left*4)
			b.left = 0
		}
		blocks = append(blocks, block)
	}

	return fmt.Sprintf("<%s>\n%s\n</%s>", tag, strings.Join(blocks, "\n\n"), tag)
}

func renderMatch(n int, m search.ChunkMatch) string {
	header := fmt.Sprintf("[%d] %s:%d-%d (score %.3f)", n, m.FilePath, m.StartLine, m.EndLine, m.Score)
	body := strings.TrimSpace(m.Content)
	if body == "" {
		body = strings.TrimSpace(m.Summary)
	}
	if body == "" {
		return header
	}
	return header + "\n" + body
}

// retrievalOnlyAnswer enumerates the top matches when no model served
// the request. Deterministic: the same matches always produce the same
// text.
func retrievalOnlyAnswer(matches []search.ChunkMatch) string {
	if len(matches) == 0 {
		return "No language model is configured and retrieval returned no matches for this query."
	}

	var sb strings.Builder
	sb.WriteString("No language model answered this request; the top retrieval matches are:\n")
	for i, m := range matches {
		fmt.Fprintf(&sb, "\n%d. %s:%d-%d (score %.3f)\n", i+1, m.FilePath, m.StartLine, m.EndLine, m.Score)
		snippet := strings.Join(strings.Fields(m.Content), " ")
		if snippet == "" {
			snippet = strings.Join(strings.Fields(m.Summary), " ")
		}
		if snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", truncate(snippet, fallbackSnippetChars))
		}
	}
	return sb.String()
}

// trimHistory keeps the most recent turns, where a turn starts at a
// user message. maxTurns <= 0 drops history entirely.
func trimHistory(history []llm.Message, maxTurns int) []llm.Message {
	if maxTurns <= 0 || len(history) == 0 {
		return nil
	}
	start := 0
	turns := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			turns++
			if turns >= maxTurns {
				start = i
				break
			}
		}
	}
	out := make([]llm.Message, len(history)-start)
	copy(out, history[start:])
	return out
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
