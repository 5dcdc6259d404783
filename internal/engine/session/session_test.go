package session

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
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/metadata"
	"github.com/Trafexofive/Cortex-MK1-sub002/llm"
)

type fakeBackend struct {
	responses []string
	call      int
	openErr   error
}

func (f *fakeBackend) StreamComplete(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	text := `<response final="false">still working</response>`
	if f.call < len(f.responses) {
		text = f.responses[f.call]
	}
	f.call++
	out := make(chan llm.Chunk, 1)
	out <- llm.Chunk{Text: text, Done: true}
	close(out)
	return out, nil
}

func (f *fakeBackend) CompleteOnce(ctx context.Context, prompt string, params map[string]any) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeBackend) ModelName() string { return "fake" }

func newTestSession(t *testing.T, backend llm.Backend, cfg config.AgentConfig) *Session {
	t.Helper()
	emitter := event.NewEmitter(256)
	caps := capability.NewRegistry()
	feeds := contextfeed.New(caps, emitter)
	meta := metadata.New(nil, nil, emitter, nil)
	return New(cfg, backend, caps, feeds, meta, emitter)
}

func drainEvents(t *testing.T, s *Session, timeout time.Duration) []event.Event {
	t.Helper()
	var out []event.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timed out draining session events")
			return nil
		}
	}
}

func TestSessionRunEndsDoneOnFinalResponse(t *testing.T) {
	backend := &fakeBackend{responses: []string{`<response final="true">done</response>`}}
	s := newTestSession(t, backend, config.AgentConfig{Persona: "you are helpful", IterationCap: 5})

	var reason EndReason
	done := make(chan struct{})
	go func() {
		reason = s.Run(context.Background())
		close(done)
	}()

	drainEvents(t, s, 3*time.Second)
	<-done
	assert.Equal(t, EndDone, reason)
}

func TestSessionRunHitsIterationCap(t *testing.T) {
	backend := &fakeBackend{responses: []string{}} // never emits final
	s := newTestSession(t, backend, config.AgentConfig{Persona: "p", IterationCap: 2})

	var reason EndReason
	done := make(chan struct{})
	go func() {
		reason = s.Run(context.Background())
		close(done)
	}()

	evs := drainEvents(t, s, 3*time.Second)
	<-done
	assert.Equal(t, EndIterationCap, reason)

	var sawCapSoftError, sawSessionEnd bool
	for _, ev := range evs {
		if ev.Type == event.TypeSoftError && ev.Payload.(event.SoftErrorPayload).Code == "iteration_cap_exceeded" {
			sawCapSoftError = true
		}
		if ev.Type == event.TypeSessionEnd {
			sawSessionEnd = true
			assert.Equal(t, string(EndIterationCap), ev.Payload.(event.SessionEndPayload).Reason)
		}
	}
	assert.True(t, sawCapSoftError)
	assert.True(t, sawSessionEnd)
}

func TestSessionRunSessionFatalOnBackendOpenError(t *testing.T) {
	backend := &fakeBackend{openErr: errors.New("no route to host")}
	s := newTestSession(t, backend, config.AgentConfig{Persona: "p", IterationCap: 5})

	var reason EndReason
	done := make(chan struct{})
	go func() {
		reason = s.Run(context.Background())
		close(done)
	}()

	drainEvents(t, s, 3*time.Second)
	<-done
	assert.Equal(t, EndSessionFatal, reason)
}

func TestSessionRunConsumerStopOnContextCancel(t *testing.T) {
	backend := &fakeBackend{responses: []string{}}
	s := newTestSession(t, backend, config.AgentConfig{Persona: "p", IterationCap: 1000})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reason := s.Run(ctx)
	drainEvents(t, s, 3*time.Second)
	assert.Equal(t, EndConsumerStop, reason)
}

func TestSessionEmitsIterationBoundaryPerPass(t *testing.T) {
	backend := &fakeBackend{responses: []string{
		`<response final="false">working</response>`,
		`<response final="true">done</response>`,
	}}
	s := newTestSession(t, backend, config.AgentConfig{Persona: "p", IterationCap: 5})

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	evs := drainEvents(t, s, 3*time.Second)
	<-done

	var boundaries []int
	for _, ev := range evs {
		if ev.Type == event.TypeIterationBoundary {
			boundaries = append(boundaries, ev.Payload.(event.IterationBoundaryPayload).Iteration)
		}
	}
	assert.Equal(t, []int{1, 2}, boundaries)
}

func TestSessionForwardsSoftErrorEvents(t *testing.T) {
	backend := &fakeBackend{responses: []string{
		`<action type="bogus">{}</action><response final="true">done</response>`,
	}}
	s := newTestSession(t, backend, config.AgentConfig{Persona: "p", IterationCap: 5})

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	evs := drainEvents(t, s, 3*time.Second)
	<-done

	var sawSoftError bool
	for _, ev := range evs {
		if ev.Type == event.TypeSoftError {
			sawSoftError = true
		}
	}
	assert.True(t, sawSoftError)
}

func TestIdleTimeoutReportsTrueAfterDuration(t *testing.T) {
	backend := &fakeBackend{responses: []string{`<response final="true">done</response>`}}
	s := newTestSession(t, backend, config.AgentConfig{Persona: "p", IterationCap: 5})

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	drainEvents(t, s, 3*time.Second)
	<-done

	assert.False(t, s.IdleTimeout(time.Hour))
	assert.True(t, s.IdleTimeout(0))
}

func TestNewAssignsUniqueSessionIDAndAppliesDefaults(t *testing.T) {
	backend := &fakeBackend{}
	s1 := newTestSession(t, backend, config.AgentConfig{})
	s2 := newTestSession(t, backend, config.AgentConfig{})

	require.NotEmpty(t, s1.ID)
	require.NotEmpty(t, s2.ID)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, 25, s1.Config.IterationCap, "SetDefaults must populate a zero-valued IterationCap")
}
