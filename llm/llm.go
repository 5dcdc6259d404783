package llm

import "fmt"

// Mode selects which concrete Backend a session's engine tunables ask for.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeGateway Mode = "gateway"
)

// New builds the configured backend. Grounded on the teacher's
// LLMRegistry.CreateLLMFromConfig switch-on-type pattern (llms/registry.go),
// minus the registry itself: a session owns exactly one backend instance
// rather than a named pool of them.
func New(mode Mode, cfg Config) (Backend, error) {
	switch mode {
	case ModeGateway:
		return NewGatewayBackend(cfg), nil
	case ModeDirect, "":
		return NewHTTPBackend(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unsupported backend mode %q", mode)
	}
}
