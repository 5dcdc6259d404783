package config

import "fmt"

// Config is the top-level document the external manifest loader produces
// (spec §1: "the on-disk manifest registry and YAML loader" is out of
// scope). It exists here purely as the immutable shape the engine accepts;
// nothing in this package parses YAML off disk -- that's the external
// collaborator's job. cmd/cortexd uses yaml.v3 directly against these tags
// to load its config file.
type Config struct {
	Version string            `yaml:"version,omitempty" json:"version,omitempty"`
	Name    string            `yaml:"name,omitempty" json:"name,omitempty"`
	Global  GlobalSettings    `yaml:"global,omitempty" json:"global,omitempty"`
	Agents  map[string]AgentConfig `yaml:"agents" json:"agents"`
}

// GlobalSettings are engine-wide defaults applied when an AgentConfig leaves
// a tunable unset.
type GlobalSettings struct {
	LogLevel            string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	DefaultIterationCap int    `yaml:"default_iteration_cap,omitempty" json:"default_iteration_cap,omitempty"`
}

// Validate checks every declared agent.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: no agents declared")
	}
	for name, agent := range c.Agents {
		if agent.IterationCap <= 0 && c.Global.DefaultIterationCap > 0 {
			agent.IterationCap = c.Global.DefaultIterationCap
		}
		agent.SetDefaults()
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("config: agent %q: %w", name, err)
		}
		c.Agents[name] = agent
	}
	return nil
}
