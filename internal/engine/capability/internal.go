package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
)

// Internal operation names (spec §4.5).
const (
	OpAddContextFeed    = "add_context_feed"
	OpRemoveContextFeed = "remove_context_feed"
	OpUpdateContextFeed = "update_context_feed"
	OpListContextFeeds  = "list_context_feeds"
	OpSetVariable       = "set_variable"
	OpDeleteVariable    = "delete_variable"
	OpClearContext      = "clear_context"
)

// FeedController is the narrow surface of internal/engine/contextfeed.Manager
// the internal adapter needs, kept local to avoid an import cycle.
type FeedController interface {
	AddFeed(def map[string]any) error
	RemoveFeed(id string) error
	UpdateFeed(id string, def map[string]any) error
	ListFeeds() []map[string]any
}

// VariableController is the narrow surface of internal/engine/variables.Store
// the internal adapter needs.
type VariableController interface {
	SetVariable(key string, value any) error
	DeleteVariable(key string)
	ClearAll()
}

// InternalAdapter services the "internal" action kind: operations handled
// inside the engine itself rather than dispatched to an external
// collaborator. Gated by an allow-list sourced from agent configuration;
// denied operations return a non-retryable error (spec §4.5).
type InternalAdapter struct {
	Feeds   FeedController
	Allowed map[string]bool

	mu   sync.Mutex
	vars VariableController
}

func NewInternalAdapter(feeds FeedController, vars VariableController, allowlist []string) *InternalAdapter {
	allowed := make(map[string]bool, len(allowlist))
	for _, op := range allowlist {
		allowed[op] = true
	}
	return &InternalAdapter{Feeds: feeds, vars: vars, Allowed: allowed}
}

// SetVariables rebinds the variable store an "internal" action mutates.
// The adapter is registered once per session, but the variable store is
// fresh every iteration (spec §3: "exactly one session owns its variable
// store", recreated per pass) -- the session calls this before each
// iteration runs, mirroring metadata.Engine.SetSubmitter.
func (a *InternalAdapter) SetVariables(vars VariableController) {
	a.mu.Lock()
	a.vars = vars
	a.mu.Unlock()
}

func (a *InternalAdapter) Invoke(ctx context.Context, name string, parameters map[string]any) (Outcome, error) {
	if !a.Allowed[name] {
		return Outcome{Status: action.StatusError, Transient: false, Message: fmt.Sprintf("internal operation %q denied by allowlist", name)}, nil
	}

	switch name {
	case OpAddContextFeed:
		def, _ := parameters["feed"].(map[string]any)
		if def == nil {
			return errOutcome("add_context_feed requires a \"feed\" object")
		}
		if err := a.Feeds.AddFeed(def); err != nil {
			return errOutcome(err.Error())
		}
		return Outcome{Status: action.StatusOK}, nil

	case OpRemoveContextFeed:
		id, _ := parameters["id"].(string)
		if id == "" {
			return errOutcome("remove_context_feed requires an \"id\" string")
		}
		if err := a.Feeds.RemoveFeed(id); err != nil {
			return errOutcome(err.Error())
		}
		return Outcome{Status: action.StatusOK}, nil

	case OpUpdateContextFeed:
		id, _ := parameters["id"].(string)
		def, _ := parameters["feed"].(map[string]any)
		if id == "" || def == nil {
			return errOutcome("update_context_feed requires \"id\" and a \"feed\" object")
		}
		if err := a.Feeds.UpdateFeed(id, def); err != nil {
			return errOutcome(err.Error())
		}
		return Outcome{Status: action.StatusOK}, nil

	case OpListContextFeeds:
		return Outcome{Status: action.StatusOK, Value: a.Feeds.ListFeeds()}, nil

	case OpSetVariable:
		key, _ := parameters["key"].(string)
		if key == "" {
			return errOutcome("set_variable requires a \"key\" string")
		}
		if err := a.currentVars().SetVariable(key, parameters["value"]); err != nil {
			return errOutcome(err.Error())
		}
		return Outcome{Status: action.StatusOK}, nil

	case OpDeleteVariable:
		key, _ := parameters["key"].(string)
		if key == "" {
			return errOutcome("delete_variable requires a \"key\" string")
		}
		a.currentVars().DeleteVariable(key)
		return Outcome{Status: action.StatusOK}, nil

	case OpClearContext:
		a.currentVars().ClearAll()
		return Outcome{Status: action.StatusOK}, nil
	}

	return errOutcome(fmt.Sprintf("unsupported internal operation %q", name))
}

func (a *InternalAdapter) currentVars() VariableController {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vars
}

func errOutcome(message string) (Outcome, error) {
	return Outcome{Status: action.StatusError, Message: message}, nil
}
