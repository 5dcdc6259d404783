// Package dag implements the DAG Resolver (spec C3, §4.3): as action
// descriptors arrive from the parser, it builds the dependency graph
// (explicit depends_on plus implicit edges induced by $variable
// references), detects cycles, and computes the ready set as actions
// complete.
//
// Grounded on the teacher's ExecutionContext/BaseExecutor concurrency shape
// (workflow/executor.go: a mutex-guarded map with explicit Get/Set methods,
// no ambient globals) generalized from "named agent steps" to "action
// dependency nodes".
package dag

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/variables"
)

type nodeState int

const (
	statePending nodeState = iota
	stateReady
	stateDispatched
	stateCompleted
	stateCancelled
	stateRejected // part of a detected cycle; never dispatched
)

type node struct {
	desc       *action.Descriptor
	deps       map[string]bool // ids this node waits on
	dependents map[string]bool // ids that wait on this node
	state      nodeState
	status     action.Status // valid once state == stateCompleted
}

// Graph is one iteration's action dependency graph. Not safe for reuse
// across iterations -- callers construct a new Graph per iteration (spec
// §3: actions/dependencies are scoped "within the same iteration").
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*node

	// outputProducer maps a declared output_key to the action that writes
	// it, once that action has been added to the graph.
	outputProducer map[string]string

	// pendingRefs maps an unresolved variable name to the set of action
	// ids that referenced it before any producer existed in the graph.
	// If a later action declares that name as its output_key, every
	// pending referrer is a forward reference and must be rejected
	// (boundary behavior in spec §8).
	pendingRefs map[string][]string
}

// New creates an empty graph for one iteration.
func New() *Graph {
	return &Graph{
		nodes:          make(map[string]*node),
		outputProducer: make(map[string]string),
		pendingRefs:    make(map[string][]string),
	}
}

// CycleError reports a detected dependency cycle (spec §4.3, §7).
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dag: cycle detected among actions %v", e.Members)
}

// AddResult is returned by AddAction.
type AddResult struct {
	Ready     bool     // true if the action has no unsatisfied dependency right now
	Rejected  []string // action ids newly rejected by this add (forward-reference cycles)
	CycleErr  *CycleError
}

// AddAction registers desc as a new node, wiring explicit depends_on edges
// and implicit edges induced by variable references whose producer is
// already known. It returns whether the node is immediately ready and any
// cycle detected as a result of adding it.
func (g *Graph) AddAction(desc *action.Descriptor) AddResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := &node{
		desc:       desc,
		deps:       make(map[string]bool),
		dependents: make(map[string]bool),
		state:      statePending,
	}

	for _, dep := range desc.DependsOn {
		n.deps[dep] = true
	}

	// Implicit dependencies: only on producers that already exist.
	refNames := variables.ReferencedKeys(desc.Parameters)
	for _, name := range refNames {
		if producer, ok := g.outputProducer[name]; ok {
			n.deps[producer] = true
		} else {
			g.pendingRefs[name] = append(g.pendingRefs[name], desc.ID)
		}
	}

	g.nodes[desc.ID] = n

	// Wire dependents on the other side for every dep that already exists.
	for dep := range n.deps {
		if dn, ok := g.nodes[dep]; ok {
			dn.dependents[desc.ID] = true
		}
	}

	// Wire earlier nodes that named this one in depends_on before it existed.
	for id, other := range g.nodes {
		if other.deps[desc.ID] {
			n.dependents[id] = true
		}
	}

	var rejected []string
	var cycleErr *CycleError

	if desc.OutputKey != "" {
		g.outputProducer[desc.OutputKey] = desc.ID
		if referrers, ok := g.pendingRefs[desc.OutputKey]; ok {
			// Forward reference: an earlier action referenced this key
			// before any producer existed, and now a later action
			// declares it. Reject every such earlier referrer still
			// pending (not yet dispatched) and the producer itself, and
			// report it as a cycle per the spec's chosen framing.
			members := append([]string{desc.ID}, referrers...)
			for _, id := range referrers {
				if rn, ok := g.nodes[id]; ok && rn.state == statePending {
					rn.state = stateRejected
					rejected = append(rejected, id)
				}
			}
			n.state = stateRejected
			rejected = append(rejected, desc.ID)
			sort.Strings(members)
			cycleErr = &CycleError{Members: members}
			delete(g.pendingRefs, desc.OutputKey)
		}
	}

	// Explicit-dependency cycle detection (handles Scenario F: two actions
	// each naming the other in depends_on). Only runs when not already
	// rejected above.
	if n.state != stateRejected {
		if cyc := g.findCycle(); cyc != nil {
			for _, id := range cyc {
				nd := g.nodes[id]
				if nd.state == statePending {
					nd.state = stateRejected
					rejected = append(rejected, id)
				}
			}
			if cycleErr == nil {
				cycleErr = &CycleError{Members: cyc}
			}
		}
	}

	ready := n.state == statePending && g.isSatisfied(n)
	if ready {
		n.state = stateReady
	}

	return AddResult{Ready: ready, Rejected: rejected, CycleErr: cycleErr}
}

// isSatisfied reports whether every dependency of n is completed-ok, or n
// declared on_error: continue, in which case any terminal predecessor
// status -- completed-error, timeout, or cancelled -- suffices. Must be
// called with g.mu held.
func (g *Graph) isSatisfied(n *node) bool {
	for dep := range n.deps {
		dn, ok := g.nodes[dep]
		if !ok {
			return false // depends on an action that doesn't exist (yet)
		}
		switch dn.state {
		case stateCompleted:
			if dn.status != action.StatusOK && n.desc.EffectiveOnError() != action.OnErrorContinue {
				return false
			}
		case stateCancelled:
			if n.desc.EffectiveOnError() != action.OnErrorContinue {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// findCycle runs a 3-color DFS over the whole graph and returns the node
// ids forming a cycle, or nil if the graph is acyclic. Must be called with
// g.mu held.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		color[id] = white
	}

	var cyclePath []string
	var stack []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		n := g.nodes[id]
		// Edges point FROM dependency TO dependent (dep must finish
		// before dependent runs); walk dependents to follow that
		// direction consistently with "can dependent eventually be
		// revisited".
		targets := make([]string, 0, len(n.dependents))
		for dep := range n.dependents {
			targets = append(targets, dep)
		}
		sort.Strings(targets)

		for _, t := range targets {
			switch color[t] {
			case white:
				if visit(t) {
					return true
				}
			case gray:
				// Found a cycle: extract the portion of the stack from
				// t's first occurrence to the end.
				idx := indexOf(stack, t)
				cyclePath = append([]string{}, stack[idx:]...)
				return true
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				sort.Strings(cyclePath)
				return cyclePath
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}

// MarkDispatched transitions a ready node to dispatched, so it is not
// returned twice by a ready-set computation.
func (g *Graph) MarkDispatched(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok && n.state == stateReady {
		n.state = stateDispatched
	}
}

// MarkComplete records id's terminal status and returns the set of
// dependents that just became ready, plus the set of dependents that must
// be cancelled because a predecessor failed under the default (cancel)
// policy (spec §4.3, §7).
func (g *Graph) MarkComplete(id string, status action.Status) (newlyReady []string, cancelled []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, nil
	}
	n.state = stateCompleted
	n.status = status

	dependents := make([]string, 0, len(n.dependents))
	for dep := range n.dependents {
		dependents = append(dependents, dep)
	}
	sort.Strings(dependents)

	for _, depID := range dependents {
		dn := g.nodes[depID]
		if dn.state != statePending {
			continue
		}
		if status != action.StatusOK && dn.desc.EffectiveOnError() != action.OnErrorContinue {
			g.cancelSubtree(depID, &cancelled, &newlyReady)
			continue
		}
		if g.isSatisfied(dn) {
			dn.state = stateReady
			newlyReady = append(newlyReady, depID)
		}
	}

	sort.Strings(newlyReady)
	sort.Strings(cancelled)
	return newlyReady, cancelled
}

// cancelSubtree marks id cancelled and cascades into its dependents, except
// one that declares on_error: continue: the cascade stops there instead of
// force-cancelling it, and it is re-evaluated via the normal isSatisfied
// path (a cancelled predecessor counts as a terminal status for a
// continue-declaring dependent, so it may become ready right away). Must
// be called with g.mu held.
func (g *Graph) cancelSubtree(id string, cancelledAcc, readyAcc *[]string) {
	n, ok := g.nodes[id]
	if !ok || n.state == stateCancelled || n.state == stateCompleted {
		return
	}
	n.state = stateCancelled
	*cancelledAcc = append(*cancelledAcc, id)

	dependents := make([]string, 0, len(n.dependents))
	for dep := range n.dependents {
		dependents = append(dependents, dep)
	}
	sort.Strings(dependents)

	for _, depID := range dependents {
		dn := g.nodes[depID]
		if dn == nil || dn.state != statePending {
			continue
		}
		if dn.desc.EffectiveOnError() == action.OnErrorContinue {
			if g.isSatisfied(dn) {
				dn.state = stateReady
				*readyAcc = append(*readyAcc, depID)
			}
			continue
		}
		g.cancelSubtree(depID, cancelledAcc, readyAcc)
	}
}

// IsRejected reports whether id was rejected as part of a detected cycle.
func (g *Graph) IsRejected(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	return ok && n.state == stateRejected
}
