package strand

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for history budgeting. It uses the
// model's tiktoken encoding when available and falls back to a bytes/4
// heuristic when the encoding cannot be loaded (offline environments).
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter for the given model name. It never fails;
// a counter without an encoding still counts heuristically.
func NewTokenCounter(model string) *TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &TokenCounter{enc: enc}
}

// Count returns the estimated token count of text.
func (c *TokenCounter) Count(text string) int {
	if c == nil || c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}
