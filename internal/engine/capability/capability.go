// Package capability implements the Capability Adapters (spec C5, §4.5): a
// uniform invocation interface over the six action kinds, so the
// dispatcher never branches on kind beyond picking which adapter to call.
//
// Grounded on the teacher's tools/interfaces.go Tool interface (a single
// Execute method every tool implementation satisfies regardless of what it
// wraps) generalized from "tool" to all six capability kinds, and on
// pkg/agent/workflowagent/parallel.go for treating a capability call as
// just another cancellable, awaitable unit of work.
package capability

import (
	"context"
	"fmt"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
	"github.com/Trafexofive/Cortex-MK1-sub002/registry"
)

// Outcome is the capability adapter contract's return value (spec §6):
// invoke(name, parameters, cancel) -> {value, status, transient, message}.
type Outcome struct {
	Value     any
	Status    action.Status // StatusOK or StatusError; timeout/cancelled are dispatcher-level
	Transient bool
	Message   string
}

// Adapter is satisfied by every capability kind's implementation.
type Adapter interface {
	Invoke(ctx context.Context, name string, parameters map[string]any) (Outcome, error)
}

// ErrUnknownCapability is returned when no adapter is registered for a kind.
var ErrUnknownCapability = fmt.Errorf("capability: no adapter registered for kind")

// Registry maps an action kind to its adapter.
type Registry struct {
	base *registry.BaseRegistry[Adapter]
}

// NewRegistry builds an empty registry. Callers register the six kinds by
// name ("tool", "agent", "relic", "workflow", "llm", "internal").
func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[Adapter]()}
}

func (r *Registry) Register(kind action.Kind, adapter Adapter) {
	r.base.Put(string(kind), adapter)
}

func (r *Registry) Get(kind action.Kind) (Adapter, error) {
	a, ok := r.base.Get(string(kind))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, kind)
	}
	return a, nil
}
