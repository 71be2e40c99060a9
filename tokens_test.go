package strand

import "testing"

func TestTokenCounterHeuristicFallback(t *testing.T) {
	var c *TokenCounter
	if got := c.Count("12345678"); got != 2 {
		t.Errorf("nil counter: %d", got)
	}
	empty := &TokenCounter{}
	if got := empty.Count(""); got != 0 {
		t.Errorf("empty text: %d", got)
	}
	if got := empty.Count("abc"); got != 1 {
		t.Errorf("short text: %d", got)
	}
}

func TestTokenCounterNeverNil(t *testing.T) {
	c := NewTokenCounter("no-such-model")
	if c == nil {
		t.Fatal("constructor must not fail")
	}
	if c.Count("hello world") <= 0 {
		t.Error("count must be positive for non-empty text")
	}
}
