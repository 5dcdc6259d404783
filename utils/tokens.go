// Package utils holds small, dependency-free helpers shared across the
// engine that don't deserve their own package.
package utils

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter performs accurate, tiktoken-based token counting for a given
// model's encoding. Grounded directly on the teacher's pkg/utils.TokenCounter
// (cl100k_base/o200k_base via tiktoken-go, with a per-model encoding cache),
// used here by the Context-Feed Manager (spec §4.6) to cap feed sizes by
// real token count rather than a character heuristic.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter returns a counter for model, falling back to the
// cl100k_base encoding when tiktoken has no direct mapping for it.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	cacheMu.Lock()
	encodingCache[model] = enc
	cacheMu.Unlock()

	return &TokenCounter{encoding: enc, model: model}, nil
}

// Count returns the exact token count of text under this counter's
// encoding.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// GetModel returns the model name this counter was built for.
func (tc *TokenCounter) GetModel() string {
	return tc.model
}

var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// defaultTokenCounter lazily builds the cl100k_base-backed counter used by
// package-level CountTokens/TruncateToTokenBudget, where no specific
// model is known (feed capping runs ahead of any particular agent's
// cognitive.model). Left nil -- callers degrade to the EstimateTokens
// heuristic -- if tiktoken's bundled BPE ranks fail to load.
func defaultTokenCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		if c, err := NewTokenCounter("gpt-4"); err == nil {
			defaultCounter = c
		}
	})
	return defaultCounter
}

// CountTokens returns an accurate token count for text using the default
// tiktoken encoding, falling back to the four-char heuristic if the
// encoding couldn't be loaded.
func CountTokens(text string) int {
	if c := defaultTokenCounter(); c != nil {
		return c.Count(text)
	}
	return EstimateTokens(text)
}

// EstimateTokens provides a rough token estimate. Four characters per
// token is a rough heuristic, kept only as the fallback CountTokens uses
// when the tiktoken encoding can't be loaded.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// TruncateWithEllipsis truncates s to at most n bytes and appends a visible
// ellipsis marker, matching §4.6's "truncated with a visible ellipsis
// marker" requirement for over-cap feeds. When n is too small to hold the
// marker, the first n bytes are returned without it.
func TruncateWithEllipsis(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	const marker = "... [truncated]"
	if n <= len(marker) {
		return s[:n]
	}
	return s[:n-len(marker)] + marker
}

// TruncateToTokenBudget truncates s to at most budget tokens, counted and
// cut using the default tiktoken encoding, and appends the same ellipsis
// marker as TruncateWithEllipsis. Falls back to the byte/4 heuristic if the
// tiktoken encoding couldn't be loaded.
func TruncateToTokenBudget(s string, budget int) string {
	if budget <= 0 {
		return s
	}
	c := defaultTokenCounter()
	if c == nil {
		return TruncateWithEllipsis(s, budget*4)
	}

	tokens := c.encoding.Encode(s, nil, nil)
	if len(tokens) <= budget {
		return s
	}

	const marker = "... [truncated]"
	markerTokens := len(c.encoding.Encode(marker, nil, nil))
	keep := budget - markerTokens
	if keep <= 0 {
		return marker
	}
	return c.encoding.Decode(tokens[:keep]) + marker
}

// RenderFeedValue renders a context feed's fetched value as text for
// prompt injection: strings pass through unchanged, everything else is
// JSON-encoded (spec §4.2's substitution rule applied to feed values too).
func RenderFeedValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
