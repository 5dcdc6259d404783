package iteration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trafexofive/Cortex-MK1-sub002/config"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/capability"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/contextfeed"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/dispatch"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/metadata"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/variables"
	"github.com/Trafexofive/Cortex-MK1-sub002/llm"
)

type fakeBackend struct {
	chunks  []llm.Chunk
	openErr error
}

func (f *fakeBackend) StreamComplete(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	out := make(chan llm.Chunk, len(f.chunks)+1)
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (f *fakeBackend) CompleteOnce(ctx context.Context, prompt string, params map[string]any) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeBackend) ModelName() string { return "fake-model" }

func newTestParams(t *testing.T, backend llm.Backend) Params {
	t.Helper()
	emitter := event.NewEmitter(256)
	caps := capability.NewRegistry()
	feeds := contextfeed.New(caps, emitter)
	meta := metadata.New(nil, nil, emitter, nil)
	return Params{
		IterationN: 1,
		Prompt:     "system prompt",
		Cognitive:  config.CognitiveParams{Model: "m", Temperature: 0.5, MaxTokens: 100},
		Backend:    backend,
		Emitter:    emitter,
		Vars:       variables.New(),
		Caps:       caps,
		Feeds:      feeds,
		Metadata:   meta,
	}
}

func TestAssemblePromptIncludesAllSections(t *testing.T) {
	prompt := AssemblePrompt(PromptInputs{
		Persona:      "you are an agent",
		Feeds:        map[string]string{"clock": "12:00"},
		History:      "previous turn",
		SoftErrors:   []string{"oops"},
		MetadataSnap: map[string]any{"status": "working"},
	})
	assert.Contains(t, prompt, "you are an agent")
	assert.Contains(t, prompt, "## Context")
	assert.Contains(t, prompt, "[clock]: 12:00")
	assert.Contains(t, prompt, "## History")
	assert.Contains(t, prompt, "previous turn")
	assert.Contains(t, prompt, "## Errors from the previous iteration")
	assert.Contains(t, prompt, "- oops")
	assert.Contains(t, prompt, "## Metadata")
}

func TestAssemblePromptOmitsEmptySections(t *testing.T) {
	prompt := AssemblePrompt(PromptInputs{Persona: "bare"})
	assert.NotContains(t, prompt, "## Context")
	assert.NotContains(t, prompt, "## History")
	assert.NotContains(t, prompt, "## Errors")
	assert.NotContains(t, prompt, "## Metadata")
}

func TestRunReturnsDoneOnFinalResponse(t *testing.T) {
	backend := &fakeBackend{chunks: []llm.Chunk{
		{Text: `<response final="true">all done</response>`, Done: true},
	}}
	p := newTestParams(t, backend)

	outcome := Run(context.Background(), p)
	assert.True(t, outcome.Done)
	assert.False(t, outcome.IterationFatal)
	assert.Nil(t, outcome.SessionFatal)
	require.NotNil(t, outcome.Dispatcher)
}

func TestRunNotDoneWithoutFinalResponse(t *testing.T) {
	backend := &fakeBackend{chunks: []llm.Chunk{
		{Text: `<response final="false">still working</response>`, Done: true},
	}}
	p := newTestParams(t, backend)

	outcome := Run(context.Background(), p)
	assert.False(t, outcome.Done)
	assert.False(t, outcome.IterationFatal)
}

func TestRunStreamOpenErrorIsSessionFatal(t *testing.T) {
	backend := &fakeBackend{openErr: errors.New("connection refused")}
	p := newTestParams(t, backend)

	outcome := Run(context.Background(), p)
	require.Error(t, outcome.SessionFatal)
	assert.Contains(t, outcome.SessionFatal.Error(), "connection refused")
}

func TestRunChunkErrorIsSessionFatal(t *testing.T) {
	backend := &fakeBackend{chunks: []llm.Chunk{
		{Err: errors.New("stream broke")},
	}}
	p := newTestParams(t, backend)

	outcome := Run(context.Background(), p)
	require.Error(t, outcome.SessionFatal)
	assert.Contains(t, outcome.SessionFatal.Error(), "stream broke")
	assert.NotNil(t, outcome.Dispatcher)
}

func TestRunFeedsMultipleChunksAcrossStream(t *testing.T) {
	backend := &fakeBackend{chunks: []llm.Chunk{
		{Text: `<thought>thinking</thought>`},
		{Text: `<response final="true">ok</response>`, Done: true},
	}}
	p := newTestParams(t, backend)

	outcome := Run(context.Background(), p)
	assert.True(t, outcome.Done)
}

func TestRunCycleCausesIterationFatalButSessionContinues(t *testing.T) {
	// An action naming itself in depends_on trips the dispatcher's cycle
	// rejection, which the parser surfaces as an iteration-fatal condition
	// (not a session fatal one).
	backend := &fakeBackend{chunks: []llm.Chunk{
		{Text: `<action type="tool" id="a">{"name": "x", "depends_on": ["a"]}</action>`, Done: true},
	}}
	p := newTestParams(t, backend)
	caps := p.Caps
	caps.Register("tool", fakeNoopAdapter{})

	outcome := Run(context.Background(), p)
	assert.True(t, outcome.IterationFatal)
	assert.False(t, outcome.SessionFatal != nil)
}

type fakeNoopAdapter struct{}

func (fakeNoopAdapter) Invoke(ctx context.Context, name string, parameters map[string]any) (capability.Outcome, error) {
	return capability.Outcome{Status: "ok"}, nil
}

func TestCapExceededEmitsSoftErrorAndSyntheticFinalResponse(t *testing.T) {
	emitter := event.NewEmitter(16)
	CapExceeded(emitter, 3, "partial content so far")

	var sawSoftError, sawFinal bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-emitter.Events():
			switch ev.Type {
			case event.TypeSoftError:
				sawSoftError = true
				assert.Equal(t, "iteration_cap_exceeded", ev.Payload.(event.SoftErrorPayload).Code)
			case event.TypeResponseChunk:
				sawFinal = true
				payload := ev.Payload.(event.ResponseChunkPayload)
				assert.True(t, payload.Final)
				assert.Equal(t, "partial content so far", payload.Text)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for cap-exceeded events")
		}
	}
	assert.True(t, sawSoftError)
	assert.True(t, sawFinal)
}

func TestCapExceededWithNoPartialUsesPlaceholder(t *testing.T) {
	emitter := event.NewEmitter(16)
	CapExceeded(emitter, 1, "")

	<-emitter.Events() // soft error
	ev := <-emitter.Events()
	payload := ev.Payload.(event.ResponseChunkPayload)
	assert.Contains(t, payload.Text, "no response was in progress")
}
