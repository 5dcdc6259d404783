// Package dispatch implements the Action Dispatcher (spec C4, §4.4): it
// resolves parameters against the variable store, invokes the appropriate
// capability adapter under a bounded worker pool, retries transient
// failures with backoff, writes results back to the variable store, and
// drives the DAG resolver's ready-set transitions as actions complete.
//
// Grounded on pkg/agent/workflowagent/parallel.go's errgroup-based
// goroutine-per-task fan-out with a bounded semaphore, generalized from
// "fan out N sub-agents, wait for all" to "fan out ready actions as they
// become ready, forever, for the life of an iteration".
package dispatch

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/capability"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/dag"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/errs"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/variables"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryFactor    = 2.0
	retryCapDelay  = 10 * time.Second

	defaultTimeout  = 60 * time.Second
	defaultParallel = 8

	// varWaitSlice bounds how long a single resolve-wait iteration blocks
	// before re-checking the action's overall timeout budget.
	varWaitSlice = 200 * time.Millisecond
)

// Options configures a Dispatcher.
type Options struct {
	MaxParallel    int
	DefaultTimeout time.Duration
}

// Dispatcher is the C4 Action Dispatcher for one iteration's action
// dependency graph.
type Dispatcher struct {
	ctx     context.Context
	graph   *dag.Graph
	vars    *variables.Store
	caps    *capability.Registry
	emitter *event.Emitter

	sem chan struct{}

	mu       sync.Mutex
	pending  map[string]*action.Descriptor
	results  map[string]action.Result
	group    *errgroup.Group // sync + async actions: the fan-out/fan-in iteration barrier
	detached sync.WaitGroup  // fire_and_forget actions: drained with a grace window at session end

	defaultTimeout time.Duration
}

// New builds a Dispatcher bound to one iteration's graph, the session's
// shared variable store and capability registry, and the event emitter.
// ctx is the iteration's root context; every action call and every
// cascaded follow-on dispatch derives from it, so cancelling ctx cancels
// the whole iteration's in-flight work (spec §5).
func New(ctx context.Context, graph *dag.Graph, vars *variables.Store, caps *capability.Registry, emitter *event.Emitter, opts Options) *Dispatcher {
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultParallel
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		ctx:            ctx,
		graph:          graph,
		vars:           vars,
		caps:           caps,
		emitter:        emitter,
		sem:            make(chan struct{}, maxParallel),
		pending:        make(map[string]*action.Descriptor),
		results:        make(map[string]action.Result),
		group:          new(errgroup.Group),
		defaultTimeout: timeout,
	}
}

// Submit registers desc with the DAG and, if it has no outstanding
// dependency, schedules it for execution immediately. It returns a
// *dag.CycleError if adding desc revealed a dependency cycle; the caller
// (iteration controller) turns that into an iteration-fatal error and ends
// the iteration, per spec §4.3/§7.
func (d *Dispatcher) Submit(desc *action.Descriptor) *dag.CycleError {
	d.mu.Lock()
	d.pending[desc.ID] = desc
	d.mu.Unlock()

	result := d.graph.AddAction(desc)

	for _, id := range result.Rejected {
		d.emitCancelled(id, "dependency cycle")
	}

	if result.CycleErr != nil {
		d.emitter.Emit(event.TypeSoftError, event.SoftErrorPayload{
			Code:    string(errs.CodeDAGCycle),
			Message: "dependency cycle detected",
			Detail:  map[string]any{"members": result.CycleErr.Members},
		})
	}

	if d.graph.IsRejected(desc.ID) {
		return result.CycleErr
	}

	if result.Ready {
		d.schedule(desc)
	}

	return result.CycleErr
}

// Wait blocks until every submitted sync/async action in this iteration has
// reached a terminal state -- the "await all non-detached actions" step in
// the iteration controller's loop (spec §4.8).
func (d *Dispatcher) Wait() {
	d.group.Wait()
}

// DrainDetached waits up to grace for outstanding fire_and_forget actions
// to finish, then returns regardless (spec §3 lifecycle: "must finish
// within a grace window before forced abandonment").
func (d *Dispatcher) DrainDetached(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

// Result returns the terminal result recorded for id, if any.
func (d *Dispatcher) Result(id string) (action.Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.results[id]
	return r, ok
}

// schedule marks desc dispatched and emits its action-start event
// synchronously, before handing it off to a worker goroutine -- the parser
// goroutine that calls Submit (and the dispatcher goroutine that calls this
// from finish's newly-ready fan-out) must observe action-start ordered
// before whatever it emits next (spec §8 Scenario C), so this cannot be
// deferred into the spawned goroutine itself.
func (d *Dispatcher) schedule(desc *action.Descriptor) {
	d.graph.MarkDispatched(desc.ID)

	d.emitter.Emit(event.TypeActionStart, event.ActionStartPayload{
		ActionID: desc.ID,
		Kind:     string(desc.Kind),
		Mode:     string(desc.Mode),
		Name:     desc.Name,
	})

	if desc.Mode == action.ModeFireAndForget {
		d.detached.Add(1)
		go func() {
			defer d.detached.Done()
			d.sem <- struct{}{}
			defer func() { <-d.sem }()
			d.run(desc)
		}()
		return
	}

	d.group.Go(func() error {
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		d.run(desc)
		return nil
	})
}

func (d *Dispatcher) run(desc *action.Descriptor) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()

	params := d.resolveParameters(runCtx, desc, timeout)

	adapter, err := d.caps.Get(desc.Kind)
	if err != nil {
		d.finish(desc, action.Result{
			ActionID: desc.ID,
			Status:   action.StatusError,
			Error:    err.Error(),
			Started:  time.Now(),
			Ended:    time.Now(),
		})
		return
	}

	started := time.Now()
	result := d.invokeWithRetry(runCtx, adapter, desc, params)
	result.Started = started
	result.Ended = time.Now()
	result.ActionID = desc.ID

	d.finish(desc, result)
}

// resolveParameters substitutes $refs, waiting on unresolved keys in small
// slices so the wait can be abandoned once ctx is done, up to the action's
// own timeout budget (spec §4.4: "waiting on unresolved referenced keys up
// to a per-action timeout").
func (d *Dispatcher) resolveParameters(ctx context.Context, desc *action.Descriptor, budget time.Duration) map[string]any {
	deadline := time.Now().Add(budget)
	for {
		resolved, unresolved := d.vars.ResolveTree(desc.Parameters)
		if len(unresolved) == 0 || time.Now().After(deadline) {
			for _, name := range unresolved {
				d.emitter.Emit(event.TypeSoftError, event.SoftErrorPayload{
					Code:    string(errs.CodeUnresolvedVariable),
					Message: "variable reference left unresolved at dispatch",
					Detail:  map[string]any{"action_id": desc.ID, "variable": name},
				})
			}
			m, _ := resolved.(map[string]any)
			return m
		}

		wait := time.NewTimer(varWaitSlice)
		select {
		case <-ctx.Done():
			wait.Stop()
			resolved, _ := d.vars.ResolveTree(desc.Parameters)
			m, _ := resolved.(map[string]any)
			return m
		case <-wait.C:
		case <-d.vars.Subscribe(unresolved[0]):
			wait.Stop()
		}
	}
}

func (d *Dispatcher) invokeWithRetry(ctx context.Context, adapter capability.Adapter, desc *action.Descriptor, params map[string]any) action.Result {
	attempts := desc.Retry + 1
	var last action.Result

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return action.Result{Status: action.StatusCancelled, Error: ctx.Err().Error()}
			case <-t.C:
			}
		}

		outcome, err := adapter.Invoke(ctx, desc.Name, params)

		if ctx.Err() != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return action.Result{Status: action.StatusTimeout, Error: "action deadline exceeded"}
			}
			return action.Result{Status: action.StatusCancelled, Error: ctx.Err().Error()}
		}

		if err != nil {
			last = action.Result{Status: action.StatusError, Error: err.Error()}
			continue
		}

		if outcome.Status == action.StatusOK {
			return action.Result{Status: action.StatusOK, Value: outcome.Value}
		}

		last = action.Result{Status: action.StatusError, Error: outcome.Message}
		if !outcome.Transient {
			return last
		}
		// transient: loop again if attempts remain
	}

	return last
}

func backoffDelay(attempt int) time.Duration {
	d := float64(retryBaseDelay) * math.Pow(retryFactor, float64(attempt-1))
	if d > float64(retryCapDelay) {
		return retryCapDelay
	}
	return time.Duration(d)
}

func (d *Dispatcher) finish(desc *action.Descriptor, result action.Result) {
	d.mu.Lock()
	d.results[desc.ID] = result
	delete(d.pending, desc.ID)
	d.mu.Unlock()

	if desc.OutputKey != "" {
		if result.Status == action.StatusOK {
			if putErr := d.vars.Put(desc.OutputKey, result.Value, desc.ID); putErr != nil {
				d.emitter.Emit(event.TypeSoftError, event.SoftErrorPayload{
					Code:    string(errs.CodeDuplicateOutputKey),
					Message: "output_key already written this iteration",
					Detail:  map[string]any{"action_id": desc.ID, "output_key": desc.OutputKey},
				})
			}
		} else {
			d.vars.Fail(desc.OutputKey, result.Error)
		}
	}

	d.emitter.Emit(event.TypeActionComplete, event.ActionCompletePayload{
		ActionID: desc.ID,
		Status:   string(result.Status),
		Value:    result.Value,
		Error:    result.Error,
	})

	if desc.Mode == action.ModeFireAndForget {
		// Fire-and-forget actions never participate in the ready/complete
		// barrier and cannot be referenced (spec §4.4); the DAG still
		// needs the completion recorded so an (improper) dependent isn't
		// stuck forever, but nothing downstream is expected.
		d.graph.MarkComplete(desc.ID, result.Status)
		return
	}

	newlyReady, cancelled := d.graph.MarkComplete(desc.ID, result.Status)

	for _, id := range cancelled {
		d.emitCancelled(id, "predecessor failed")
	}

	for _, id := range newlyReady {
		d.mu.Lock()
		nd := d.pending[id]
		d.mu.Unlock()
		if nd != nil {
			d.schedule(nd)
		}
	}
}

func (d *Dispatcher) emitCancelled(id, reason string) {
	d.mu.Lock()
	d.results[id] = action.Result{ActionID: id, Status: action.StatusCancelled, Error: reason}
	delete(d.pending, id)
	d.mu.Unlock()

	d.emitter.Emit(event.TypeActionCancelled, event.ActionCancelledPayload{
		ActionID: id,
		Reason:   reason,
	})
}
