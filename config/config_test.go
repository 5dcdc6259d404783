package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAgent(name string) AgentConfig {
	return AgentConfig{
		Name:      name,
		Persona:   "p",
		Cognitive: CognitiveParams{Model: "gpt-4"},
	}
}

func TestConfigValidateRejectsZeroAgents(t *testing.T) {
	c := &Config{}
	err := c.Validate()
	assert.Error(t, err)
}

func TestConfigValidateAppliesDefaultsAndWritesBackAgent(t *testing.T) {
	a := validAgent("a")
	c := &Config{Agents: map[string]AgentConfig{"a": a}}

	require.NoError(t, c.Validate())

	defaulted := c.Agents["a"]
	assert.Equal(t, 25, defaulted.IterationCap)
	assert.Equal(t, 4096, defaulted.Cognitive.MaxTokens)
	assert.Equal(t, 8, defaulted.MaxParallelActions)
	assert.Equal(t, 60, defaulted.DefaultActionTimeoutSeconds)
}

func TestConfigValidateWrapsPerAgentErrorWithName(t *testing.T) {
	bad := validAgent("bad")
	bad.Cognitive.Model = ""
	c := &Config{Agents: map[string]AgentConfig{"bad": bad}}

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `config: agent "bad"`)
}

func TestConfigValidateStopsAtFirstFailingAgent(t *testing.T) {
	good := validAgent("good")
	bad := validAgent("bad")
	bad.Name = ""
	c := &Config{Agents: map[string]AgentConfig{"good": good, "bad": bad}}

	assert.Error(t, c.Validate())
}

func TestAgentConfigSetDefaultsLeavesExplicitValuesAlone(t *testing.T) {
	a := &AgentConfig{
		IterationCap:                10,
		Cognitive:                   CognitiveParams{MaxTokens: 512},
		MaxParallelActions:          2,
		DefaultActionTimeoutSeconds: 30,
	}
	a.SetDefaults()
	assert.Equal(t, 10, a.IterationCap)
	assert.Equal(t, 512, a.Cognitive.MaxTokens)
	assert.Equal(t, 2, a.MaxParallelActions)
	assert.Equal(t, 30, a.DefaultActionTimeoutSeconds)
}

func TestAgentConfigValidateRequiresName(t *testing.T) {
	a := &AgentConfig{Cognitive: CognitiveParams{Model: "gpt-4"}}
	assert.Error(t, a.Validate())
}

func TestAgentConfigValidateRequiresModel(t *testing.T) {
	a := &AgentConfig{Name: "a"}
	assert.Error(t, a.Validate())
}

func TestAgentConfigValidateRejectsDuplicateFeedID(t *testing.T) {
	a := &AgentConfig{
		Name:      "a",
		Cognitive: CognitiveParams{Model: "gpt-4"},
		ContextFeeds: []ContextFeedConfig{
			{ID: "f1", Kind: "internal", Source: "clock"},
			{ID: "f1", Kind: "internal", Source: "clock"},
		},
	}
	err := a.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate context feed id")
}

func TestAgentConfigValidateRejectsFeedMissingID(t *testing.T) {
	a := &AgentConfig{
		Name:         "a",
		Cognitive:    CognitiveParams{Model: "gpt-4"},
		ContextFeeds: []ContextFeedConfig{{Kind: "internal"}},
	}
	assert.Error(t, a.Validate())
}

func TestAgentConfigValidateRejectsDuplicateMetadataField(t *testing.T) {
	a := &AgentConfig{
		Name:      "a",
		Cognitive: CognitiveParams{Model: "gpt-4"},
		MetadataSchema: []MetadataSchemaField{
			{Name: "status", Type: MetadataTypeString},
			{Name: "status", Type: MetadataTypeString},
		},
	}
	err := a.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate metadata field")
}

func TestAgentConfigValidateRejectsEnumFieldWithNoAllowedValues(t *testing.T) {
	a := &AgentConfig{
		Name:           "a",
		Cognitive:      CognitiveParams{Model: "gpt-4"},
		MetadataSchema: []MetadataSchemaField{{Name: "status", Type: MetadataTypeEnum}},
	}
	err := a.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no allowed values")
}

func TestAgentConfigValidateAcceptsEnumFieldWithAllowedValues(t *testing.T) {
	a := &AgentConfig{
		Name:      "a",
		Cognitive: CognitiveParams{Model: "gpt-4"},
		MetadataSchema: []MetadataSchemaField{
			{Name: "status", Type: MetadataTypeEnum, AllowedValues: []string{"ok", "fail"}},
		},
	}
	assert.NoError(t, a.Validate())
}

func TestContextFeedConfigIsEnabledDefaultsTrue(t *testing.T) {
	c := ContextFeedConfig{}
	assert.True(t, c.IsEnabled())
}

func TestContextFeedConfigIsEnabledRespectsExplicitFalse(t *testing.T) {
	disabled := false
	c := ContextFeedConfig{Enabled: &disabled}
	assert.False(t, c.IsEnabled())
}

func TestContextFeedConfigIsEnabledRespectsExplicitTrue(t *testing.T) {
	enabled := true
	c := ContextFeedConfig{Enabled: &enabled}
	assert.True(t, c.IsEnabled())
}

func TestExpandEnvVarsWithDefault(t *testing.T) {
	os.Unsetenv("CORTEX_TEST_VAR_UNSET")
	assert.Equal(t, "fallback", ExpandEnvVars("${CORTEX_TEST_VAR_UNSET:-fallback}"))

	t.Setenv("CORTEX_TEST_VAR_SET", "actual")
	assert.Equal(t, "actual", ExpandEnvVars("${CORTEX_TEST_VAR_SET:-fallback}"))
}

func TestExpandEnvVarsBraced(t *testing.T) {
	t.Setenv("CORTEX_TEST_BRACED", "value1")
	assert.Equal(t, "value1-suffix", ExpandEnvVars("${CORTEX_TEST_BRACED}-suffix"))
}

func TestExpandEnvVarsBracedUnsetExpandsEmpty(t *testing.T) {
	os.Unsetenv("CORTEX_TEST_BRACED_UNSET")
	assert.Equal(t, "-suffix", ExpandEnvVars("${CORTEX_TEST_BRACED_UNSET}-suffix"))
}

func TestExpandEnvVarsSimple(t *testing.T) {
	t.Setenv("CORTEX_TEST_SIMPLE", "v")
	assert.Equal(t, "v/path", ExpandEnvVars("$CORTEX_TEST_SIMPLE/path"))
}

func TestExpandEnvVarsNoDollarSignIsNoOp(t *testing.T) {
	assert.Equal(t, "plain text", ExpandEnvVars("plain text"))
}

func TestLoadEngineEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"CORTEX_LLM_BACKEND_URL", "CORTEX_LLM_BACKEND_API_KEY",
		"CORTEX_ITERATION_CAP", "CORTEX_DEFAULT_ACTION_TIMEOUT",
		"CORTEX_MAX_PARALLEL_ACTIONS", "CORTEX_PERIODIC_FEEDS_ENABLED",
	} {
		os.Unsetenv(key)
	}

	env := LoadEngineEnv()
	assert.Equal(t, "", env.LLMBackendURL)
	assert.Equal(t, "", env.LLMBackendAPIKey)
	assert.Equal(t, 0, env.IterationCapOver)
	assert.Equal(t, 60*time.Second, env.DefaultActionTimeo)
	assert.Equal(t, 8, env.MaxParallelActions)
	assert.True(t, env.PeriodicFeedsOn)
}

func TestLoadEngineEnvReadsOverrides(t *testing.T) {
	t.Setenv("CORTEX_LLM_BACKEND_URL", "http://llm.local")
	t.Setenv("CORTEX_LLM_BACKEND_API_KEY", "secret")
	t.Setenv("CORTEX_ITERATION_CAP", "50")
	t.Setenv("CORTEX_DEFAULT_ACTION_TIMEOUT", "90s")
	t.Setenv("CORTEX_MAX_PARALLEL_ACTIONS", "16")
	t.Setenv("CORTEX_PERIODIC_FEEDS_ENABLED", "false")

	env := LoadEngineEnv()
	assert.Equal(t, "http://llm.local", env.LLMBackendURL)
	assert.Equal(t, "secret", env.LLMBackendAPIKey)
	assert.Equal(t, 50, env.IterationCapOver)
	assert.Equal(t, 90*time.Second, env.DefaultActionTimeo)
	assert.Equal(t, 16, env.MaxParallelActions)
	assert.False(t, env.PeriodicFeedsOn)
}

func TestLoadEngineEnvIgnoresUnparseableValues(t *testing.T) {
	t.Setenv("CORTEX_ITERATION_CAP", "not-a-number")
	t.Setenv("CORTEX_DEFAULT_ACTION_TIMEOUT", "not-a-duration")
	t.Setenv("CORTEX_PERIODIC_FEEDS_ENABLED", "not-a-bool")

	env := LoadEngineEnv()
	assert.Equal(t, 0, env.IterationCapOver)
	assert.Equal(t, 60*time.Second, env.DefaultActionTimeo)
	assert.True(t, env.PeriodicFeedsOn)
}

func TestLoadEnvFilesMissingFilesAreNotAnError(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	assert.NoError(t, LoadEnvFiles())
}
