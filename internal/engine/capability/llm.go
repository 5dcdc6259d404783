package capability

import (
	"context"
	"fmt"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
)

// SubPromptRunner delegates a one-shot (non-streaming) completion to the
// LLM backend, used when an action's kind is "llm" -- scheduled like a
// tool call, per spec §4.5.
type SubPromptRunner interface {
	CompleteOnce(ctx context.Context, prompt string, params map[string]any) (text string, err error)
}

type LLMAdapter struct {
	Runner SubPromptRunner
}

func (a *LLMAdapter) Invoke(ctx context.Context, name string, parameters map[string]any) (Outcome, error) {
	prompt, _ := parameters["prompt"].(string)
	if prompt == "" {
		return Outcome{Status: action.StatusError, Message: fmt.Sprintf("llm action %q: missing \"prompt\" parameter", name)}, nil
	}
	text, err := a.Runner.CompleteOnce(ctx, prompt, parameters)
	if err != nil {
		return Outcome{Status: action.StatusError, Transient: true, Message: err.Error()}, nil
	}
	return Outcome{Status: action.StatusOK, Value: text}, nil
}
