// Package metadata implements the Metadata & Trigger Engine (spec C7,
// §4.7): validates LLM-declared metadata updates against an agent's
// declared schema, merges valid fields into session-scoped state, and
// fires workflow triggers on every update.
//
// Grounded on the teacher's pkg/config/strict_validator.go
// (StrictValidationResult collecting UnknownFields/TypeErrors into
// reported lists rather than aborting on the first bad field),
// generalized from one-shot static config validation to a runtime
// stream of partial updates.
package metadata

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Trafexofive/Cortex-MK1-sub002/config"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/dag"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/errs"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
)

// WorkflowSubmitter is the narrow surface of dispatch.Dispatcher the
// trigger engine needs, kept local to avoid an import cycle (dispatch
// never needs to know about metadata).
type WorkflowSubmitter interface {
	Submit(desc *action.Descriptor) *dag.CycleError
}

// Engine owns one session's metadata state and evaluates workflow
// triggers against it.
type Engine struct {
	mu    sync.Mutex
	state map[string]any

	schema   map[string]config.MetadataSchemaField
	triggers []config.WorkflowTriggerConfig

	emitter   *event.Emitter
	submitter WorkflowSubmitter
	nextIndex atomic.Int64
}

// New builds an Engine from an agent's declared metadata schema and
// workflow triggers, seeding state with each field's declared default.
func New(schema []config.MetadataSchemaField, triggers []config.WorkflowTriggerConfig, emitter *event.Emitter, submitter WorkflowSubmitter) *Engine {
	e := &Engine{
		state:     make(map[string]any, len(schema)),
		schema:    make(map[string]config.MetadataSchemaField, len(schema)),
		triggers:  triggers,
		emitter:   emitter,
		submitter: submitter,
	}
	for _, f := range schema {
		e.schema[f.Name] = f
		if f.Default != nil {
			e.state[f.Name] = f.Default
		}
	}
	return e
}

// SetSubmitter rebinds the dispatcher a triggered workflow is submitted to.
// The engine is constructed once per session and outlives any single
// iteration's dispatcher, so iteration.Run calls this at the start of every
// iteration with that iteration's dispatcher before the LLM stream opens.
func (e *Engine) SetSubmitter(s WorkflowSubmitter) {
	e.mu.Lock()
	e.submitter = s
	e.mu.Unlock()
}

// Snapshot returns a shallow copy of the current metadata state, used both
// for prompt assembly (spec §4.8) and as a triggered workflow's parameter
// payload (spec §4.7 step 4, "agent-context snapshot").
func (e *Engine) Snapshot() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// ApplyMetadata implements protocol.MetadataReceiver: validates each field
// of a <metadata> payload against the declared schema, merges the valid
// ones, and evaluates workflow triggers against the resulting state (spec
// §4.7 steps 1-4). Invalid/unknown fields are reported as soft errors and
// discarded rather than applied.
func (e *Engine) ApplyMetadata(fields map[string]any) {
	applied := make(map[string]any, len(fields))

	e.mu.Lock()
	for name, value := range fields {
		schemaField, ok := e.schema[name]
		if !ok {
			e.mu.Unlock()
			e.softError(errs.CodeUnknownMetaField, "unknown metadata field", name, nil)
			e.mu.Lock()
			continue
		}
		if !validValue(schemaField, value) {
			e.mu.Unlock()
			e.softError(errs.CodeInvalidMetaValue, "metadata value fails schema validation", name, value)
			e.mu.Lock()
			continue
		}
		e.state[name] = value
		applied[name] = value
	}
	e.mu.Unlock()

	if len(applied) > 0 {
		e.emitter.Emit(event.TypeMetadataUpdate, event.MetadataUpdatePayload{Applied: applied})
	}
	e.evaluateTriggers()
}

func (e *Engine) softError(code errs.SoftErrorCode, message, field string, value any) {
	e.emitter.Emit(event.TypeSoftError, event.SoftErrorPayload{
		Code:    string(code),
		Message: message,
		Detail:  map[string]any{"field": field, "value": value},
	})
}

// validValue checks a single metadata value against its declared schema
// field (spec §4.7 step 2: "check the field exists..., validate type; for
// enum, check value membership").
func validValue(field config.MetadataSchemaField, value any) bool {
	switch field.Type {
	case config.MetadataTypeEnum:
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, allowed := range field.AllowedValues {
			if allowed == s {
				return true
			}
		}
		return false
	case config.MetadataTypeString:
		_, ok := value.(string)
		return ok
	case config.MetadataTypeNumber:
		_, ok := value.(float64)
		return ok
	case config.MetadataTypeBoolean:
		_, ok := value.(bool)
		return ok
	case config.MetadataTypeObject:
		_, ok := value.(map[string]any)
		return ok
	case config.MetadataTypeArray:
		_, ok := value.([]any)
		return ok
	default:
		return false
	}
}

// evaluateTriggers runs every declared workflow trigger against the
// current metadata state (spec §4.7 step 3) and fire-and-forget dispatches
// the workflow for each one that matches.
func (e *Engine) evaluateTriggers() {
	snapshot := e.Snapshot()
	for _, t := range e.triggers {
		if triggerMatches(t, snapshot) {
			e.dispatchWorkflow(t, snapshot)
		}
	}
}

func triggerMatches(t config.WorkflowTriggerConfig, state map[string]any) bool {
	if len(t.Matches) == 0 {
		return false
	}
	if t.Mode == config.TriggerMatchAny {
		for _, m := range t.Matches {
			if matchCondition(state, m) {
				return true
			}
		}
		return false
	}
	for _, m := range t.Matches {
		if !matchCondition(state, m) {
			return false
		}
	}
	return true
}

func matchCondition(state map[string]any, m config.TriggerMatch) bool {
	value, ok := lookupPath(state, m.Path)
	if !ok {
		return false
	}
	if list, ok := m.Expected.([]any); ok {
		for _, want := range list {
			if valuesEqual(value, want) {
				return true
			}
		}
		return false
	}
	return valuesEqual(value, m.Expected)
}

// lookupPath traverses a dotted path ("plan.phase") through nested
// map[string]any values (spec §3, "nested paths traverse object
// structure").
func lookupPath(state map[string]any, path string) (any, bool) {
	cur := any(state)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// dispatchWorkflow fire-and-forget dispatches the trigger's workflow
// (spec §4.7 step 4: "dispatch the associated workflow as a
// fire_and_forget action... matching triggers do not block the
// iteration").
func (e *Engine) dispatchWorkflow(t config.WorkflowTriggerConfig, snapshot map[string]any) {
	desc := &action.Descriptor{
		ID:            uuid.NewString(),
		Kind:          action.KindWorkflow,
		Mode:          action.ModeFireAndForget,
		Name:          t.Workflow,
		Parameters:    snapshot,
		Origin:        action.OriginTopLevel,
		CreationIndex: int(e.nextIndex.Add(1)),
	}
	e.mu.Lock()
	submitter := e.submitter
	e.mu.Unlock()

	if submitter == nil {
		return
	}
	if cycleErr := submitter.Submit(desc); cycleErr != nil {
		e.emitter.Emit(event.TypeSoftError, event.SoftErrorPayload{
			Code:    string(errs.CodeDAGCycle),
			Message: "triggered workflow rejected: " + cycleErr.Error(),
			Detail:  map[string]any{"trigger": t.Name, "workflow": t.Workflow},
		})
	}
}
