// Package contextfeed implements the Context-Feed Manager (spec C6, §4.6):
// a registry of named, possibly-refreshing data sources injected into
// every iteration's prompt under a known delimiter.
//
// Grounded on the teacher's registry.BaseRegistry for the named-entry
// store shape, generalized with a reader-writer discipline (spec §5:
// "writes on add/remove/update are exclusive; reads for injection are
// shared") and a per-periodic-feed background refresh goroutine grounded
// on the teacher's worker-per-task pattern in
// pkg/agent/workflowagent/parallel.go.
package contextfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/capability"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/errs"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
	"github.com/Trafexofive/Cortex-MK1-sub002/utils"
)

// RefreshMode governs when a feed's cached value is updated (spec §3).
type RefreshMode string

const (
	ModeOnDemand RefreshMode = "on_demand"
	ModePeriodic RefreshMode = "periodic"
	ModeInternal RefreshMode = "internal"
)

// Def is the declared shape of a feed, both from agent configuration at
// session start and from the "add_context_feed"/"update_context_feed"
// internal operations (spec §4.5, §4.6).
type Def struct {
	ID              string
	Mode            RefreshMode
	SourceKind      action.Kind // tool/agent/relic/workflow/llm; ignored when Mode == internal
	SourceName      string      // capability name, or builtin name when Mode == internal
	Parameters      map[string]any
	RefreshInterval time.Duration // periodic only
	CacheTTL        time.Duration // on_demand only
	MaxTokens       int
	MaxSizeBytes    int
	Enabled         bool
}

type feed struct {
	def       Def
	mu        sync.Mutex
	value     any
	fetchedAt time.Time
	stop      chan struct{}
}

// Manager owns the session's feed registry.
type Manager struct {
	mu    sync.RWMutex
	feeds map[string]*feed

	caps     *capability.Registry
	emitter  *event.Emitter
	builtins map[string]BuiltinSource
}

// New builds an empty manager bound to the session's capability registry
// (used to service on_demand/periodic feeds sourced from tool/agent/relic/
// workflow/llm) and event emitter.
func New(caps *capability.Registry, emitter *event.Emitter) *Manager {
	m := &Manager{
		feeds:   make(map[string]*feed),
		caps:    caps,
		emitter: emitter,
	}
	m.builtins = defaultBuiltins()
	return m
}

// Register adds a feed from agent configuration at session start,
// starting its background refresh timer immediately if periodic.
func (m *Manager) Register(def Def) error {
	m.mu.Lock()
	if _, exists := m.feeds[def.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("contextfeed: feed %q already registered", def.ID)
	}
	f := &feed{def: def}
	m.feeds[def.ID] = f
	m.mu.Unlock()

	if def.Mode == ModePeriodic && def.Enabled {
		m.startPeriodic(f)
	}
	return nil
}

// AddFeed implements capability.FeedController for the "add_context_feed"
// internal operation (spec §4.5): the def arrives as a generic JSON-decoded
// map rather than a typed Def, since it comes from an action's JSON
// parameters.
func (m *Manager) AddFeed(raw map[string]any) error {
	def, err := defFromMap(raw)
	if err != nil {
		return err
	}
	return m.Register(def)
}

// RemoveFeed implements capability.FeedController for "remove_context_feed".
func (m *Manager) RemoveFeed(id string) error {
	m.mu.Lock()
	f, ok := m.feeds[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("contextfeed: unknown feed %q", id)
	}
	delete(m.feeds, id)
	m.mu.Unlock()

	if f.stop != nil {
		close(f.stop)
	}
	return nil
}

// UpdateFeed implements capability.FeedController for "update_context_feed":
// it replaces a feed's definition (refresh mode, source, caps) in place,
// restarting its periodic timer if needed.
func (m *Manager) UpdateFeed(id string, raw map[string]any) error {
	def, err := defFromMap(raw)
	if err != nil {
		return err
	}
	def.ID = id

	m.mu.Lock()
	old, ok := m.feeds[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("contextfeed: unknown feed %q", id)
	}
	if old.stop != nil {
		close(old.stop)
	}
	f := &feed{def: def}
	m.feeds[id] = f
	m.mu.Unlock()

	if def.Mode == ModePeriodic && def.Enabled {
		m.startPeriodic(f)
	}
	return nil
}

// ListFeeds implements capability.FeedController for "list_context_feeds".
func (m *Manager) ListFeeds() []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, 0, len(m.feeds))
	for _, f := range m.feeds {
		f.mu.Lock()
		out = append(out, map[string]any{
			"id":      f.def.ID,
			"mode":    string(f.def.Mode),
			"enabled": f.def.Enabled,
		})
		f.mu.Unlock()
	}
	return out
}

// UpdateFeedFromBody implements protocol.ContextFeedUpdater: a <context_feed>
// tag overrides an already-registered feed's cached value directly, without
// touching its definition (spec §4.1's context_feed tag is a value push,
// not a redefinition).
func (m *Manager) UpdateFeedFromBody(id, rawBody string) error {
	m.mu.RLock()
	f, ok := m.feeds[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("contextfeed: unknown feed %q", id)
	}
	f.mu.Lock()
	f.value = rawBody
	f.fetchedAt = time.Now()
	f.mu.Unlock()
	return nil
}

func (m *Manager) startPeriodic(f *feed) {
	f.stop = make(chan struct{})
	interval := f.def.RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				m.refresh(context.Background(), f)
			}
		}
	}()
}

// refresh invokes the feed's source and updates its cache.
func (m *Manager) refresh(ctx context.Context, f *feed) {
	value, err := m.fetch(ctx, f.def)
	f.mu.Lock()
	if err == nil {
		f.value = value
		f.fetchedAt = time.Now()
	}
	f.mu.Unlock()
}

func (m *Manager) fetch(ctx context.Context, def Def) (any, error) {
	if def.Mode == ModeInternal {
		src, ok := m.builtins[def.SourceName]
		if !ok {
			return nil, fmt.Errorf("contextfeed: unknown internal source %q", def.SourceName)
		}
		return src(ctx)
	}

	adapter, err := m.caps.Get(def.SourceKind)
	if err != nil {
		return nil, err
	}
	outcome, err := adapter.Invoke(ctx, def.SourceName, def.Parameters)
	if err != nil {
		return nil, err
	}
	if outcome.Status != action.StatusOK {
		return nil, fmt.Errorf("contextfeed: source %s/%s failed: %s", def.SourceKind, def.SourceName, outcome.Message)
	}
	return outcome.Value, nil
}

// Snapshot produces the {id -> rendered value} map injected into the
// system prompt at iteration start (spec §4.6). on_demand feeds refresh
// lazily here if their cache is stale; periodic feeds return whatever is
// already cached; internal feeds are fetched fresh on every call since
// they're cheap local reads, not network calls.
func (m *Manager) Snapshot(ctx context.Context) map[string]string {
	m.mu.RLock()
	all := make([]*feed, 0, len(m.feeds))
	for _, f := range m.feeds {
		all = append(all, f)
	}
	m.mu.RUnlock()

	out := make(map[string]string, len(all))
	for _, f := range all {
		if !f.def.Enabled {
			continue
		}
		value := m.valueFor(ctx, f)
		rendered, truncated := m.render(value, f.def)
		out[f.def.ID] = rendered
		if truncated {
			m.emitter.Emit(event.TypeSoftError, event.SoftErrorPayload{
				Code:    string(errs.CodeFeedSizeCap),
				Message: "context feed value exceeded its size cap and was truncated",
				Detail:  map[string]any{"feed_id": f.def.ID},
			})
		}
		m.emitter.Emit(event.TypeContextFeedUpdate, event.ContextFeedUpdatePayload{FeedID: f.def.ID, Truncated: truncated})
	}
	return out
}

func (m *Manager) valueFor(ctx context.Context, f *feed) any {
	switch f.def.Mode {
	case ModeInternal:
		v, err := m.fetch(ctx, f.def)
		if err != nil {
			return fmt.Sprintf("[feed error: %s]", err)
		}
		return v
	case ModeOnDemand:
		f.mu.Lock()
		stale := f.def.CacheTTL <= 0 || time.Since(f.fetchedAt) > f.def.CacheTTL
		f.mu.Unlock()
		if stale {
			m.refresh(ctx, f)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value
	default: // periodic
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value
	}
}

// defFromMap decodes the JSON-object parameters of an add/update_context_feed
// internal action into a Def. Unknown/missing fields get zero values rather
// than erroring, except id, which is always required, and source_name,
// which is required for every mode but internal.
func defFromMap(raw map[string]any) (Def, error) {
	var def Def

	id, _ := raw["id"].(string)
	if id == "" {
		return def, fmt.Errorf("contextfeed: %q field is required", "id")
	}
	def.ID = id

	mode, _ := raw["mode"].(string)
	switch RefreshMode(mode) {
	case ModeOnDemand, ModePeriodic, ModeInternal:
		def.Mode = RefreshMode(mode)
	default:
		def.Mode = ModeOnDemand
	}

	if k, _ := raw["source_kind"].(string); k != "" {
		def.SourceKind = action.Kind(k)
	}
	def.SourceName, _ = raw["source_name"].(string)
	if def.Mode != ModeInternal && def.SourceName == "" {
		return def, fmt.Errorf("contextfeed: %q field is required for non-internal feeds", "source_name")
	}

	if params, ok := raw["parameters"].(map[string]any); ok {
		def.Parameters = params
	}
	if seconds, ok := raw["refresh_interval"].(float64); ok {
		def.RefreshInterval = time.Duration(seconds * float64(time.Second))
	}
	if seconds, ok := raw["cache_ttl"].(float64); ok {
		def.CacheTTL = time.Duration(seconds * float64(time.Second))
	}
	if n, ok := raw["max_tokens"].(float64); ok {
		def.MaxTokens = int(n)
	}
	if n, ok := raw["max_size_bytes"].(float64); ok {
		def.MaxSizeBytes = int(n)
	}
	def.Enabled = true
	if enabled, ok := raw["enabled"].(bool); ok {
		def.Enabled = enabled
	}
	return def, nil
}

func (m *Manager) render(value any, def Def) (string, bool) {
	text := ""
	if value != nil {
		text = utils.RenderFeedValue(value)
	}
	truncated := false
	if def.MaxTokens > 0 && utils.CountTokens(text) > def.MaxTokens {
		text = utils.TruncateToTokenBudget(text, def.MaxTokens)
		truncated = true
	}
	if def.MaxSizeBytes > 0 && len(text) > def.MaxSizeBytes {
		text = utils.TruncateWithEllipsis(text, def.MaxSizeBytes)
		truncated = true
	}
	return text, truncated
}
