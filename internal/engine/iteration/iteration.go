// Package iteration implements the Iteration Controller (C8, spec §4.8):
// one full pass of the outer agent loop -- assemble a prompt, open an LLM
// stream, feed it through the protocol parser, wait for the iteration's
// non-detached actions to settle, and report whether the session should
// keep looping.
//
// Grounded on reasoning/chain_of_thought.go's `for iteration < maxIterations`
// outer loop shape, generalized from "send one message, collect one
// response, maybe call tools" to the full C1-C7 pipeline running per pass.
package iteration

import (
	"context"
	"fmt"
	"strings"

	"github.com/Trafexofive/Cortex-MK1-sub002/config"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/capability"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/contextfeed"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/dag"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/dispatch"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/errs"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/metadata"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/protocol"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/variables"
	"github.com/Trafexofive/Cortex-MK1-sub002/llm"
)

// PromptInputs is everything the prompt assembler needs (spec §4.8:
// "construct prompt from persona + feed snapshot + serialized history +
// any injected soft errors from the previous iteration + current metadata
// summary").
type PromptInputs struct {
	Persona      string
	Feeds        map[string]string
	History      string
	SoftErrors   []string
	MetadataSnap map[string]any
}

// AssemblePrompt renders the iteration's system prompt. Kept as a plain
// function (not a method) so a session can override it in tests without
// needing a fake Controller.
func AssemblePrompt(in PromptInputs) string {
	var b strings.Builder
	writeLine(&b, in.Persona)

	if len(in.Feeds) > 0 {
		writeLine(&b, "")
		writeLine(&b, "## Context")
		for id, value := range in.Feeds {
			writeLine(&b, fmt.Sprintf("[%s]: %s", id, value))
		}
	}

	if in.History != "" {
		writeLine(&b, "")
		writeLine(&b, "## History")
		writeLine(&b, in.History)
	}

	if len(in.SoftErrors) > 0 {
		writeLine(&b, "")
		writeLine(&b, "## Errors from the previous iteration")
		for _, e := range in.SoftErrors {
			writeLine(&b, "- "+e)
		}
	}

	if len(in.MetadataSnap) > 0 {
		writeLine(&b, "")
		writeLine(&b, fmt.Sprintf("## Metadata: %v", in.MetadataSnap))
	}

	return b.String()
}

func writeLine(b *strings.Builder, s string) {
	b.WriteString(s)
	b.WriteByte('\n')
}

// Params bundles one iteration's dependencies: the shared, session-lived
// components (backend, capability registry, context-feed manager, metadata
// engine) plus the per-iteration fresh components the caller is
// responsible for constructing (variable store, dispatch options).
type Params struct {
	IterationN   int
	Prompt       string
	Cognitive    config.CognitiveParams
	Backend      llm.Backend
	Emitter      *event.Emitter
	Vars         *variables.Store
	Caps         *capability.Registry
	Feeds        *contextfeed.Manager
	Metadata     *metadata.Engine
	DispatchOpts dispatch.Options
}

// Outcome reports how the iteration ended, per spec §4.8's state table.
type Outcome struct {
	// Done is true once a final="true" response was observed: the session
	// transitions RUNNING -> DONE.
	Done bool
	// IterationFatal is true when a DAG cycle or other catastrophic parse
	// condition ended this iteration early (spec §7): the session logs an
	// iteration-fatal event and moves on to the next iteration (or DONE, if
	// a final response had already streamed before the fatal condition).
	IterationFatal bool
	// SessionFatal is non-nil when the LLM backend itself failed
	// unrecoverably (spec §7): the whole session must terminate.
	SessionFatal error
	// Dispatcher is this iteration's dispatcher, retained so the session
	// can drain its fire-and-forget actions at session end even though
	// Wait() has already returned for its non-detached ones.
	Dispatcher *dispatch.Dispatcher
}

// Run executes exactly one iteration: build the DAG/dispatcher/parser
// triad, stream the LLM completion into the parser, and wait for
// non-detached actions before returning.
func Run(ctx context.Context, p Params) Outcome {
	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	graph := dag.New()
	dispatcher := dispatch.New(iterCtx, graph, p.Vars, p.Caps, p.Emitter, p.DispatchOpts)
	p.Metadata.SetSubmitter(dispatcher)
	parser := protocol.New(p.Emitter, p.Vars, dispatcher, p.Feeds, p.Metadata)

	stream, err := p.Backend.StreamComplete(ctx, llm.Request{
		Prompt:      p.Prompt,
		Model:       p.Cognitive.Model,
		Temperature: p.Cognitive.Temperature,
		MaxTokens:   p.Cognitive.MaxTokens,
	})
	if err != nil {
		return Outcome{SessionFatal: fmt.Errorf("iteration: opening llm stream: %w", err)}
	}

streamLoop:
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				break streamLoop
			}
			if chunk.Err != nil {
				return Outcome{SessionFatal: fmt.Errorf("iteration: llm stream: %w", chunk.Err), Dispatcher: dispatcher}
			}
			if chunk.Text != "" {
				parser.Feed(chunk.Text)
			}
			if parser.Fatal() != nil {
				// Abort the rest of this iteration's in-flight work; the
				// session still proceeds (spec §7: "session continues to
				// DONE").
				cancel()
				break streamLoop
			}
			if chunk.Done {
				break streamLoop
			}
		case <-ctx.Done():
			return Outcome{SessionFatal: ctx.Err(), Dispatcher: dispatcher}
		}
	}

	parser.Close()
	dispatcher.Wait()

	if fatal := parser.Fatal(); fatal != nil {
		p.Emitter.Emit(event.TypeIterationFatal, event.IterationFatalPayload{
			Iteration: p.IterationN,
			Reason:    fatal.Reason,
		})
		return Outcome{IterationFatal: true, Done: parser.FinalResponseSeen(), Dispatcher: dispatcher}
	}

	return Outcome{Done: parser.FinalResponseSeen(), Dispatcher: dispatcher}
}

// CapExceeded emits the synthetic final response and soft error the spec
// requires when the iteration cap is hit without a final="true" response
// (spec §4.8: "force a final response synthesized from the last partial
// content and emit a cap-exceeded soft error").
func CapExceeded(emitter *event.Emitter, iterationN int, lastPartial string) {
	emitter.Emit(event.TypeSoftError, event.SoftErrorPayload{
		Code:    string(errs.CodeIterationCapReached),
		Message: "iteration cap exceeded before a final response was produced",
		Detail:  map[string]any{"iteration": iterationN},
	})
	text := lastPartial
	if text == "" {
		text = "(iteration cap reached; no response was in progress)"
	}
	emitter.Emit(event.TypeResponseChunk, event.ResponseChunkPayload{Text: text, Final: true})
}
