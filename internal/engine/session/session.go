// Package session implements the Session entity (spec §3): the live
// context of one agent conversation. A Session owns the components that
// must survive across iterations (variable store is recreated per
// iteration, but the context-feed registry, metadata engine, and capability
// registry live for the session's whole lifetime), drives the outer
// iteration loop, and is the single consumer of the internal event
// emitter, republishing every event onto an outward channel so it can
// still observe soft errors and response text for its own bookkeeping
// without competing with an external consumer for the same channel.
//
// Grounded on pkg/session/session.go's Session/Service split, generalized
// from a passive conversation-history store to the active owner of the
// iteration loop -- this spec's Session is closer to the teacher's
// reasoning/chain_of_thought.go loop wrapped in the teacher's session
// lifecycle bookkeeping than to the teacher's own (mostly inert) session
// type.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Trafexofive/Cortex-MK1-sub002/config"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/capability"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/contextfeed"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/dispatch"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/iteration"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/metadata"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/variables"
	"github.com/Trafexofive/Cortex-MK1-sub002/llm"
)

// DrainGrace bounds how long fire-and-forget actions from any iteration
// get to finish once the session ends before they're abandoned (spec §5,
// "in-flight actions on session end receive a cancellation signal and must
// finish within a grace window before forced abandonment").
const DrainGrace = 5 * time.Second

// EndReason records why a session stopped, carried on the final
// session_end event.
type EndReason string

const (
	EndDone         EndReason = "done"
	EndIterationCap EndReason = "iteration_cap"
	EndSessionFatal EndReason = "session_fatal"
	EndConsumerStop EndReason = "consumer_stop"
	EndIdleTimeout  EndReason = "idle_timeout"
)

// Session is the live context of one agent conversation (spec §3).
type Session struct {
	ID     string
	Config config.AgentConfig

	backend  llm.Backend
	caps     *capability.Registry
	feeds    *contextfeed.Manager
	meta     *metadata.Engine
	internal *capability.InternalAdapter

	emitter *event.Emitter
	out     chan event.Event

	mu           sync.Mutex
	iterationN   int
	history      strings.Builder
	softErrors   []string
	lastPartial  string
	dispatchers  []*dispatch.Dispatcher
	lastActivity time.Time
}

// New constructs a session around an already-built backend, capability
// registry, context-feed manager, and metadata engine. The caller owns
// constructing these because they may be shared/pre-warmed across
// sessions (capability registry, backend) or because their construction
// needs config this package has no business parsing (feeds, metadata
// triggers) -- see cmd/cortexd for the wiring.
//
// emitter must be the same *event.Emitter the caller already bound feeds
// and meta to (contextfeed.New and metadata.New both take one): the
// session is just one more writer onto it, not its owner, since the
// Context-Feed Manager's periodic refreshes and the Metadata Engine's
// trigger evaluations emit events of their own between iterations.
func New(cfg config.AgentConfig, backend llm.Backend, caps *capability.Registry, feeds *contextfeed.Manager, meta *metadata.Engine, emitter *event.Emitter) *Session {
	cfg.SetDefaults()

	// The "internal" adapter is the one capability kind whose backing state
	// (the variable store) is iteration-scoped rather than session-scoped;
	// fetch it once so loop can rebind it to each iteration's fresh store.
	// Its absence (a registry built without that kind, as in this package's
	// tests) is not an error -- the "internal" action kind simply isn't
	// available then.
	var internal *capability.InternalAdapter
	if a, err := caps.Get(action.KindInternal); err == nil {
		internal, _ = a.(*capability.InternalAdapter)
	}

	return &Session{
		ID:           uuid.NewString(),
		Config:       cfg,
		backend:      backend,
		caps:         caps,
		feeds:        feeds,
		meta:         meta,
		internal:     internal,
		emitter:      emitter,
		out:          make(chan event.Event, 64),
		lastActivity: time.Now(),
	}
}

// Events returns the outward event stream. Exactly one external consumer
// is expected (spec §4.9's single-consumer backpressure design carries
// through to this channel too); Run closes it when the session ends.
func (s *Session) Events() <-chan event.Event {
	return s.out
}

// pump is the session's single consumer of the internal emitter: it
// re-publishes every event outward and, along the way, does the
// bookkeeping only the session itself needs -- accumulating this
// iteration's soft errors for the next prompt, and tracking the latest
// in-progress response text so a cap-exceeded synthesis has something to
// work with.
func (s *Session) pump() {
	for ev := range s.emitter.Events() {
		s.observe(ev)
		s.out <- ev
	}
}

func (s *Session) observe(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	switch p := ev.Payload.(type) {
	case event.SoftErrorPayload:
		s.softErrors = append(s.softErrors, fmt.Sprintf("%s: %s", p.Code, p.Message))
	case event.ResponseChunkPayload:
		s.lastPartial = p.Text
		s.history.WriteString(p.Text)
	}
}

// Run drives the outer iteration loop until the session is done, hits its
// iteration cap, suffers a session-fatal error, or ctx is cancelled by the
// consumer. It returns the reason the session ended. Callers must drain
// Events() concurrently with Run, since the emitter backpressures against
// the outward channel filling up.
func (s *Session) Run(ctx context.Context) EndReason {
	pumpFinished := make(chan struct{})
	go func() {
		s.pump()
		close(pumpFinished)
	}()

	reason := s.loop(ctx)

	s.drainAll()
	s.emitter.Emit(event.TypeSessionEnd, event.SessionEndPayload{Reason: string(reason)})
	s.emitter.Close()
	<-pumpFinished
	close(s.out)
	return reason
}

func (s *Session) loop(ctx context.Context) EndReason {
	for n := 1; n <= s.Config.IterationCap; n++ {
		select {
		case <-ctx.Done():
			return EndConsumerStop
		default:
		}

		s.mu.Lock()
		s.iterationN = n
		prompt := iteration.AssemblePrompt(iteration.PromptInputs{
			Persona:      s.Config.Persona,
			Feeds:        s.feeds.Snapshot(ctx),
			History:      s.history.String(),
			SoftErrors:   s.softErrors,
			MetadataSnap: s.meta.Snapshot(),
		})
		s.softErrors = nil
		s.mu.Unlock()

		s.emitter.Emit(event.TypeIterationBoundary, event.IterationBoundaryPayload{Iteration: n})

		vars := variables.New()
		if s.internal != nil {
			s.internal.SetVariables(vars)
		}

		outcome := iteration.Run(ctx, iteration.Params{
			IterationN: n,
			Prompt:     prompt,
			Cognitive:  s.Config.Cognitive,
			Backend:    s.backend,
			Emitter:    s.emitter,
			Vars:       vars,
			Caps:       s.caps,
			Feeds:      s.feeds,
			Metadata:   s.meta,
			DispatchOpts: dispatch.Options{
				MaxParallel:    s.Config.MaxParallelActions,
				DefaultTimeout: time.Duration(s.Config.DefaultActionTimeoutSeconds) * time.Second,
			},
		})

		if outcome.Dispatcher != nil {
			s.mu.Lock()
			s.dispatchers = append(s.dispatchers, outcome.Dispatcher)
			s.mu.Unlock()
		}

		if outcome.SessionFatal != nil {
			return EndSessionFatal
		}
		if outcome.Done {
			return EndDone
		}
		// iteration-fatal: logged already by iteration.Run; the session
		// proceeds to the next pass (spec §7).
	}

	s.mu.Lock()
	lastPartial := s.lastPartial
	s.mu.Unlock()
	iteration.CapExceeded(s.emitter, s.iterationN, lastPartial)
	return EndIterationCap
}

// drainAll gives every iteration's dispatcher a grace window to finish its
// fire-and-forget actions before the session's components are considered
// torn down (spec §5's "grace window before forced abandonment").
func (s *Session) drainAll() {
	s.mu.Lock()
	dispatchers := append([]*dispatch.Dispatcher(nil), s.dispatchers...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(dispatchers))
	for _, d := range dispatchers {
		go func(d *dispatch.Dispatcher) {
			defer wg.Done()
			d.DrainDetached(DrainGrace)
		}(d)
	}
	wg.Wait()
}

// IdleTimeout reports whether the session has had no events for longer
// than d, for a caller (e.g. a session manager) to decide to cancel the
// session's context and reclaim it (spec §3: "destroyed at session end or
// after idle timeout").
func (s *Session) IdleTimeout(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > d
}
