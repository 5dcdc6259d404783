package config

import "fmt"

// CognitiveParams are the LLM sampling parameters declared by an agent
// configuration (spec §3, "Agent Configuration").
type CognitiveParams struct {
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Model       string  `yaml:"model" json:"model"`
}

// CapabilityRef names a tool/agent/relic/workflow/llm an agent is allowed to
// invoke, by its logical (manifest) name. The engine never loads the
// manifest itself -- it only uses this reference to gate internal-action
// allow-lists and to resolve a name against the capability adapters it was
// constructed with (§4.5).
type CapabilityRef struct {
	Name string `yaml:"name" json:"name"`
	Kind string `yaml:"kind" json:"kind"` // tool|agent|relic|workflow|llm
}

// ContextFeedConfig declares one named context feed (spec §3, "Context
// Feed"). Kind "on_demand"/"periodic"/"internal" are handled directly by the
// Context-Feed Manager; "relic"/"tool"/"workflow"/"llm" route through the
// corresponding capability adapter as the feed's source.
type ContextFeedConfig struct {
	ID              string `yaml:"id" json:"id"`
	Kind            string `yaml:"kind" json:"kind"`
	Source          string `yaml:"source,omitempty" json:"source,omitempty"`
	RefreshInterval string `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`
	CacheTTL        string `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`
	MaxTokens       int    `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MaxSizeBytes    int    `yaml:"max_size_bytes,omitempty" json:"max_size_bytes,omitempty"`
	Enabled         *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled defaults to true when unset, per §4.6 ("disabled feeds are
// omitted entirely" implies feeds are enabled unless explicitly turned off).
func (c ContextFeedConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MetadataFieldType enumerates the metadata schema field types (spec §3).
type MetadataFieldType string

const (
	MetadataTypeEnum    MetadataFieldType = "enum"
	MetadataTypeString  MetadataFieldType = "string"
	MetadataTypeNumber  MetadataFieldType = "number"
	MetadataTypeBoolean MetadataFieldType = "boolean"
	MetadataTypeObject  MetadataFieldType = "object"
	MetadataTypeArray   MetadataFieldType = "array"
)

// MetadataSchemaField declares one field of the agent's metadata schema.
type MetadataSchemaField struct {
	Name          string            `yaml:"name" json:"name"`
	Type          MetadataFieldType `yaml:"type" json:"type"`
	AllowedValues []string          `yaml:"allowed_values,omitempty" json:"allowed_values,omitempty"`
	Default       any               `yaml:"default,omitempty" json:"default,omitempty"`
}

// TriggerMatch is one field-value condition inside a workflow trigger.
// Expected may be a scalar (equality) or a list (set-membership, per §3).
type TriggerMatch struct {
	Path     string `yaml:"path" json:"path"` // dotted path, e.g. "status" or "plan.phase"
	Expected any    `yaml:"expected" json:"expected"`
}

// TriggerMode selects AND vs OR semantics across a trigger's conditions.
type TriggerMode string

const (
	TriggerMatchAll TriggerMode = "match_all"
	TriggerMatchAny TriggerMode = "match_any"
)

// WorkflowTriggerConfig declares one workflow trigger (spec §3, "Workflow
// Trigger"): a set of field-value conditions that, once satisfied, spawn a
// named workflow as a fire-and-forget action.
type WorkflowTriggerConfig struct {
	Name     string         `yaml:"name" json:"name"`
	Workflow string         `yaml:"workflow" json:"workflow"`
	Mode     TriggerMode    `yaml:"mode" json:"mode"`
	Matches  []TriggerMatch `yaml:"matches" json:"matches"`
}

// AgentConfig is the read-only, already-parsed Agent Configuration entity
// from spec §3. The engine never mutates it after session start; one
// instance is shared (by reference) across every iteration of a session.
type AgentConfig struct {
	Name             string                  `yaml:"name" json:"name"`
	Persona          string                  `yaml:"persona" json:"persona"`
	Cognitive        CognitiveParams         `yaml:"cognitive" json:"cognitive"`
	IterationCap     int                     `yaml:"iteration_cap" json:"iteration_cap"`
	Capabilities     []CapabilityRef         `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	ContextFeeds     []ContextFeedConfig     `yaml:"context_feeds,omitempty" json:"context_feeds,omitempty"`
	MetadataSchema   []MetadataSchemaField   `yaml:"metadata_schema,omitempty" json:"metadata_schema,omitempty"`
	WorkflowTriggers []WorkflowTriggerConfig `yaml:"workflow_triggers,omitempty" json:"workflow_triggers,omitempty"`

	// InternalActionAllowlist gates which `internal` action operations (§4.5)
	// this agent may invoke. Empty means none are allowed.
	InternalActionAllowlist []string `yaml:"internal_action_allowlist,omitempty" json:"internal_action_allowlist,omitempty"`

	// MaxParallelActions overrides the dispatcher's default concurrency cap
	// (default 8, per §4.4) for sessions running this agent. Zero means
	// "use the engine default".
	MaxParallelActions int `yaml:"max_parallel_actions,omitempty" json:"max_parallel_actions,omitempty"`

	// DefaultActionTimeoutSeconds overrides §4.4's 60s default action
	// timeout. Zero means "use the engine default".
	DefaultActionTimeoutSeconds int `yaml:"default_action_timeout_seconds,omitempty" json:"default_action_timeout_seconds,omitempty"`
}

// SetDefaults fills zero-valued tunables with the spec's stated defaults.
func (a *AgentConfig) SetDefaults() {
	if a.IterationCap <= 0 {
		a.IterationCap = 25
	}
	if a.Cognitive.MaxTokens <= 0 {
		a.Cognitive.MaxTokens = 4096
	}
	if a.MaxParallelActions <= 0 {
		a.MaxParallelActions = 8
	}
	if a.DefaultActionTimeoutSeconds <= 0 {
		a.DefaultActionTimeoutSeconds = 60
	}
}

// Validate performs structural validation of an already-parsed
// configuration. It is deliberately shallow: the spec's Non-goals exclude
// manifest validation from the engine's responsibilities, so this exists
// only to catch configurations that would make the engine itself panic
// (e.g. a metadata enum field with no allowed values).
func (a *AgentConfig) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("config: agent name is required")
	}
	if a.Cognitive.Model == "" {
		return fmt.Errorf("config: agent %q: cognitive.model is required", a.Name)
	}
	seenFeeds := make(map[string]bool, len(a.ContextFeeds))
	for _, f := range a.ContextFeeds {
		if f.ID == "" {
			return fmt.Errorf("config: agent %q: context feed missing id", a.Name)
		}
		if seenFeeds[f.ID] {
			return fmt.Errorf("config: agent %q: duplicate context feed id %q", a.Name, f.ID)
		}
		seenFeeds[f.ID] = true
	}
	seenFields := make(map[string]bool, len(a.MetadataSchema))
	for _, field := range a.MetadataSchema {
		if field.Name == "" {
			return fmt.Errorf("config: agent %q: metadata schema field missing name", a.Name)
		}
		if seenFields[field.Name] {
			return fmt.Errorf("config: agent %q: duplicate metadata field %q", a.Name, field.Name)
		}
		seenFields[field.Name] = true
		if field.Type == MetadataTypeEnum && len(field.AllowedValues) == 0 {
			return fmt.Errorf("config: agent %q: enum field %q has no allowed values", a.Name, field.Name)
		}
	}
	return nil
}
