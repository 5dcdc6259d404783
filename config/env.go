// Package config holds the read-only input types the engine consumes: the
// Agent Configuration (persona, cognitive parameters, declared capabilities,
// context feeds, metadata schema, workflow triggers) and the engine-level
// tunables read from the process environment. The engine treats all of this
// as already-parsed, immutable structs (manifest loading/validation is an
// external collaborator's job per the spec's Non-goals) but still carries
// yaml struct tags so the external loader -- and this package's own tests --
// can deserialize fixtures directly.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp // ${VAR:-default}
	braced      *regexp.Regexp // ${VAR}
	simple      *regexp.Regexp // $VAR
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// ExpandEnvVars expands "${VAR:-default}", "${VAR}" and "$VAR" references in
// s against the process environment. Unset simple/braced references expand
// to the empty string, matching shell semantics.
func ExpandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// LoadEnvFiles loads ".env.local" (highest priority) then ".env" into the
// process environment, leaving already-set variables untouched. Missing
// files are not an error.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: failed to load %s: %w", file, err)
		}
	}
	return nil
}

// EngineEnv holds the engine-level tunables the spec's §6 "Environment
// variables" section names: LLM backend location/credentials, iteration cap
// override, default action timeout, max parallel actions, and the periodic
// context-feed enable flag.
type EngineEnv struct {
	LLMBackendURL      string
	LLMBackendAPIKey   string
	IterationCapOver   int // 0 means "no override, use agent config"
	DefaultActionTimeo time.Duration
	MaxParallelActions int
	PeriodicFeedsOn    bool
}

// LoadEngineEnv reads EngineEnv fields from the process environment,
// applying sane defaults from §4.4/§4.8 of the spec where a variable is
// absent.
func LoadEngineEnv() EngineEnv {
	return EngineEnv{
		LLMBackendURL:      getEnvString("CORTEX_LLM_BACKEND_URL", ""),
		LLMBackendAPIKey:   getEnvString("CORTEX_LLM_BACKEND_API_KEY", ""),
		IterationCapOver:   getEnvInt("CORTEX_ITERATION_CAP", 0),
		DefaultActionTimeo: getEnvDuration("CORTEX_DEFAULT_ACTION_TIMEOUT", 60*time.Second),
		MaxParallelActions: getEnvInt("CORTEX_MAX_PARALLEL_ACTIONS", 8),
		PeriodicFeedsOn:    getEnvBool("CORTEX_PERIODIC_FEEDS_ENABLED", true),
	}
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return ExpandEnvVars(v)
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
