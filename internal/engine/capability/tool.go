package capability

import (
	"context"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
)

// ToolInvoker is the narrow external collaborator contract for the
// tool-execution subsystem (out of scope per spec §1; the engine only
// dispatches, never executes).
type ToolInvoker interface {
	InvokeTool(ctx context.Context, name string, parameters map[string]any) (value any, transientErr bool, err error)
}

// ToolAdapter wraps an external ToolInvoker behind the Adapter contract.
type ToolAdapter struct {
	Invoker ToolInvoker
}

func (a *ToolAdapter) Invoke(ctx context.Context, name string, parameters map[string]any) (Outcome, error) {
	value, transient, err := a.Invoker.InvokeTool(ctx, name, parameters)
	if err != nil {
		return Outcome{Status: action.StatusError, Transient: transient, Message: err.Error()}, nil
	}
	return Outcome{Status: action.StatusOK, Value: value}, nil
}
