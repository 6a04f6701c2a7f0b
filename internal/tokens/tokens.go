// Package tokens counts and budgets tokens for prompts and usage estimates.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/quorum/pkg/llm"
)

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

// Truncator is a Counter that can also cut text to a token budget.
type Truncator interface {
	Counter
	Truncate(text string, maxTokens int) string
}

// Tiktoken counts tokens with a BPE encoding.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken selects the encoding for model, falling back to cl100k_base
// for models tiktoken does not know.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Tiktoken{enc: enc}, nil
}

// Count returns the token count for text.
func (t *Tiktoken) Count(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate keeps at most maxTokens tokens of text.
func (t *Tiktoken) Truncate(text string, maxTokens int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return t.enc.Decode(ids[:maxTokens])
}

// Approx estimates four bytes per token. It needs no encoding files.
type Approx struct{}

// Count implements Counter.
func (Approx) Count(text string) int {
	return (len(text) + 3) / 4
}

// Truncate implements Truncator.
func (Approx) Truncate(text string, maxTokens int) string {
	limit := maxTokens * 4
	if limit >= len(text) {
		return text
	}
	for limit > 0 && !isRuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Default returns a tiktoken counter when the encoding loads, else Approx.
func Default(model string) Truncator {
	if t, err := NewTiktoken(model); err == nil {
		return t
	}
	return Approx{}
}

// Estimate builds a usage record from local counts.
func Estimate(c Counter, input, output string) *llm.Usage {
	if c == nil {
		c = Approx{}
	}
	in, out := c.Count(input), c.Count(output)
	return &llm.Usage{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		Estimated:    true,
	}
}
