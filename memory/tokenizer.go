package memory

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"thinkserver/model"
)

// tokenCounter estimates token counts for context-budget accounting. It is
// not a substitute for provider-reported usage (meter.Record uses the
// authoritative TokenUsage from each response); it only sizes the
// hot/warm/cold layers and feeds the "original/compressed context tokens"
// stats.
type tokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{}
}

func (c *tokenCounter) init() {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		c.enc, c.err = enc, err
	})
}

// countText estimates the token count for a single string. It falls back
// to a character-based heuristic when the encoding failed to load, so
// folding still produces usable (if approximate) stats rather than erroring
// the whole run over a tokenizer data problem.
func (c *tokenCounter) countText(s string) int {
	c.init()
	if c.err != nil || c.enc == nil {
		return len(s)/4 + 1
	}
	return len(c.enc.Encode(s, nil, nil))
}

// countMessages estimates the total token count across a transcript,
// summing each text-bearing part plus a small per-message overhead for role
// framing.
func (c *tokenCounter) countMessages(messages []*model.Message) int {
	total := 0
	for _, m := range messages {
		total += 4
		for _, p := range m.Parts {
			if t, ok := p.(model.TextPart); ok {
				total += c.countText(t.Text)
			}
		}
	}
	return total
}
