package capability

import (
	"context"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
)

// AgentInvoker delegates to a nested agent session -- which may recursively
// run another instance of this engine (open question in spec §9: assumed
// yes, with iteration caps applied independently).
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, agentName string, parameters map[string]any) (finalResponse string, err error)
}

type AgentAdapter struct {
	Invoker AgentInvoker
}

func (a *AgentAdapter) Invoke(ctx context.Context, name string, parameters map[string]any) (Outcome, error) {
	resp, err := a.Invoker.InvokeAgent(ctx, name, parameters)
	if err != nil {
		// A nested agent session failing is never classified transient here;
		// the session boundary already absorbed its own retryable failures.
		return Outcome{Status: action.StatusError, Message: err.Error()}, nil
	}
	return Outcome{Status: action.StatusOK, Value: resp}, nil
}
