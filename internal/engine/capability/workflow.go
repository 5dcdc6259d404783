package capability

import (
	"context"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
)

// WorkflowRunner fires a workflow execution (out of scope to implement;
// concrete workflow bodies are an external collaborator per spec §1). The
// adapter always runs it to completion -- the distinction between sync
// and async/fire_and_forget is entirely the dispatcher's concern (whether
// anything blocks on this call's return), not the runner's.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, name string, parameters map[string]any) (result any, err error)
}

type WorkflowAdapter struct {
	Runner WorkflowRunner
}

func (a *WorkflowAdapter) Invoke(ctx context.Context, name string, parameters map[string]any) (Outcome, error) {
	result, err := a.Runner.RunWorkflow(ctx, name, parameters)
	if err != nil {
		return Outcome{Status: action.StatusError, Transient: false, Message: err.Error()}, nil
	}
	return Outcome{Status: action.StatusOK, Value: result}, nil
}
