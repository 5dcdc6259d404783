// Package llm provides the cognitive-model backend used by the Iteration
// Controller (C8, spec §4.8) to stream an agent's per-iteration completion,
// and by the capability package's "llm" action kind to run a one-shot
// sub-prompt (spec §4.5).
//
// Grounded on the teacher's llms package: a single provider interface
// (here Backend) satisfied by more than one concrete transport, modeled on
// llms/openai.go's request/response shapes and streaming-via-SSE approach,
// generalized from multi-provider function-calling chat completion to this
// engine's single-prompt-in, token-stream-out contract.
package llm

import (
	"context"
	"time"
)

// Chunk is one unit of a streaming completion.
type Chunk struct {
	Text  string
	Done  bool
	Err   error
	// Tokens is populated on the final chunk when the backend reports usage.
	Tokens int
}

// Request is a single completion request: a fully assembled prompt plus
// the agent's declared cognitive parameters (spec §3, "Agent
// Configuration").
type Request struct {
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Backend is the cognitive-model contract. Two concrete implementations
// satisfy it: HTTPBackend (talks directly to a provider's chat-completions
// endpoint) and GatewayBackend (routes the same request through a mediating
// gateway service, e.g. for centralized auth/rate-limiting/cost
// accounting). The Iteration Controller and the capability "llm" adapter
// depend only on this interface, never on a concrete backend.
type Backend interface {
	// StreamComplete opens a streaming completion (spec §4.8, "open an LLM
	// stream"). The returned channel is closed after a Done or Err chunk.
	StreamComplete(ctx context.Context, req Request) (<-chan Chunk, error)

	// CompleteOnce runs a non-streaming completion, used by the "llm"
	// capability adapter (spec §4.5: "treated like a tool for scheduling
	// purposes" -- a single call/response, not a stream).
	CompleteOnce(ctx context.Context, prompt string, params map[string]any) (string, error)

	// ModelName reports the configured model, for observability attributes.
	ModelName() string
}

// Config carries the ambient tunables for either backend (spec: engine
// tunables read from environment via config.LoadEngineEnv, see
// SPEC_FULL.md's AMBIENT STACK).
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	// GatewayRoute is only consulted by GatewayBackend: the logical route
	// name the gateway uses to pick a downstream provider/credential.
	GatewayRoute string
}

// SetDefaults fills zero-valued tunables, mirroring config.AgentConfig's
// SetDefaults pattern in the teacher's config package.
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
}
