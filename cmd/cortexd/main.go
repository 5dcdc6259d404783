// Command cortexd runs the Cortex-Prime streaming execution engine over
// HTTP. It is the only place in this tree that parses YAML off disk, picks
// concrete backends for the capability kinds the engine itself never
// implements, and wires the shared LLM backend and capability adapters a
// session needs.
//
// Usage:
//
//	cortexd --config agents.yaml
//	cortexd --config agents.yaml --metrics --tracing --addr :9090
//
// Grounded on cmd/hector/main.go's CLI/ServeCmd kong struct and its
// signal-handling-to-context-cancellation pattern, cut down to this
// engine's much smaller surface: no Studio mode, no zero-config
// provider/RAG flags, no storage backend selection -- none of those have
// a home in this spec.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/Trafexofive/Cortex-MK1-sub002/config"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/capability"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/contextfeed"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/metadata"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/session"
	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/variables"
	"github.com/Trafexofive/Cortex-MK1-sub002/llm"
	"github.com/Trafexofive/Cortex-MK1-sub002/logging"
	"github.com/Trafexofive/Cortex-MK1-sub002/observability"
	"github.com/Trafexofive/Cortex-MK1-sub002/transport/httpserver"
)

// CLI defines cortexd's command-line flags.
type CLI struct {
	Config    string `short:"c" help:"Path to agent configuration YAML." type:"path" required:""`
	Addr      string `help:"HTTP listen address." default:":8080"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`

	MetricsEnabled bool `name:"metrics" help:"Expose Prometheus metrics at /metrics."`

	TracingEnabled  bool    `name:"tracing" help:"Enable OpenTelemetry tracing."`
	TracingExporter string  `help:"Trace exporter (otlp or stdout)." default:"otlp"`
	TracingEndpoint string  `help:"OTLP collector endpoint." default:"localhost:4317"`
	TracingSampling float64 `name:"tracing-sampling" help:"Trace sampling rate, 0-1." default:"1"`

	RelicRatePerSecond float64       `name:"relic-rate" help:"Per-relic outbound rate limit (requests/sec, 0 = unlimited)."`
	RelicBurst         int           `name:"relic-burst" help:"Relic rate limiter burst size." default:"1"`
	IdleTimeout        time.Duration `help:"Session idle timeout before it's reclaimed." default:"30m"`
	IdleSweepInterval  time.Duration `help:"How often to check for idle sessions." default:"1m"`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("cortexd runs the Cortex-Prime streaming execution engine over HTTP."))

	logger := logging.New(logging.Options{Level: cli.LogLevel, Format: cli.LogFormat})

	if err := run(cli, logger); err != nil {
		logger.Error("cortexd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cli CLI, logger *slog.Logger) error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	env := config.LoadEngineEnv()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	backend, err := llm.New(llm.ModeDirect, llm.Config{
		BaseURL: env.LLMBackendURL,
		APIKey:  env.LLMBackendAPIKey,
	})
	if err != nil {
		return fmt.Errorf("cortexd: building llm backend: %w", err)
	}

	metrics := observability.NewMetrics(&observability.MetricsConfig{Enabled: cli.MetricsEnabled})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := observability.NewTracer(ctx, &observability.TracingConfig{
		Enabled:      cli.TracingEnabled,
		Exporter:     cli.TracingExporter,
		Endpoint:     cli.TracingEndpoint,
		SamplingRate: cli.TracingSampling,
	})
	if err != nil {
		return fmt.Errorf("cortexd: building tracer: %w", err)
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Warn("cortexd: tracer shutdown", "error", err)
		}
	}()

	httpClient := &http.Client{Timeout: 60 * time.Second}
	collaborators := unimplementedCollaborators{}
	resolver := envRelicResolver{}

	factory := newSessionFactory(cfg, env, backend, httpClient, collaborators, resolver, cli, logger)

	srv := httpserver.New(httpserver.Config{Addr: cli.Addr}, factory, metrics, tracer, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("cortexd: shutdown signal received", "signal", sig.String())
		cancel()
	}()

	go runIdleReaper(ctx, srv, cli.IdleTimeout, cli.IdleSweepInterval)

	logger.Info("cortexd: starting", "addr", cli.Addr, "agents", len(cfg.Agents))
	return srv.Start(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cortexd: reading config: %w", err)
	}

	var cfg config.Config
	if err := yaml.Unmarshal([]byte(config.ExpandEnvVars(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("cortexd: parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cortexd: invalid config: %w", err)
	}
	return &cfg, nil
}

// newSessionFactory returns the httpserver.Factory closure: the one place
// that assembles a fresh per-session capability registry, context-feed
// manager, metadata engine and session around the shared backend/client
// built once at startup.
func newSessionFactory(
	cfg *config.Config,
	env config.EngineEnv,
	backend llm.Backend,
	httpClient *http.Client,
	collaborators unimplementedCollaborators,
	resolver envRelicResolver,
	cli CLI,
	logger *slog.Logger,
) httpserver.Factory {
	return func(ctx context.Context, agentName string) (*session.Session, error) {
		agentCfg, ok := cfg.Agents[agentName]
		if !ok {
			return nil, fmt.Errorf("cortexd: no agent named %q", agentName)
		}
		agentCfg.SetDefaults()
		if agentCfg.Name == "" {
			agentCfg.Name = agentName
		}
		applyEnvOverrides(&agentCfg, env)

		emitter := event.NewEmitter(64)

		caps := capability.NewRegistry()
		caps.Register(action.KindTool, &capability.ToolAdapter{Invoker: collaborators})
		caps.Register(action.KindAgent, &capability.AgentAdapter{Invoker: collaborators})
		caps.Register(action.KindWorkflow, &capability.WorkflowAdapter{Runner: collaborators})
		caps.Register(action.KindLLM, &capability.LLMAdapter{Runner: backend})
		caps.Register(action.KindRelic, capability.NewRelicAdapter(httpClient, resolver, cli.RelicRatePerSecond, cli.RelicBurst))

		feeds := contextfeed.New(caps, emitter)
		for _, fc := range agentCfg.ContextFeeds {
			def, err := feedDefFromConfig(fc)
			if err != nil {
				return nil, fmt.Errorf("cortexd: agent %q: %w", agentName, err)
			}
			if !def.Enabled {
				continue
			}
			if def.Mode == contextfeed.ModePeriodic && !env.PeriodicFeedsOn {
				logger.Warn("cortexd: periodic feeds disabled by environment, skipping", "agent", agentName, "feed", def.ID)
				continue
			}
			if err := feeds.Register(def); err != nil {
				return nil, fmt.Errorf("cortexd: agent %q: %w", agentName, err)
			}
		}

		internal := capability.NewInternalAdapter(feeds, variables.New(), agentCfg.InternalActionAllowlist)
		caps.Register(action.KindInternal, internal)

		meta := metadata.New(agentCfg.MetadataSchema, agentCfg.WorkflowTriggers, emitter, nil)

		return session.New(agentCfg, backend, caps, feeds, meta, emitter), nil
	}
}

func applyEnvOverrides(agentCfg *config.AgentConfig, env config.EngineEnv) {
	if env.IterationCapOver > 0 {
		agentCfg.IterationCap = env.IterationCapOver
	}
	if env.MaxParallelActions > 0 {
		agentCfg.MaxParallelActions = env.MaxParallelActions
	}
	if env.DefaultActionTimeo > 0 {
		agentCfg.DefaultActionTimeoutSeconds = int(env.DefaultActionTimeo.Seconds())
	}
}

// feedDefFromConfig translates the static, on-disk context feed
// declaration into the shape the Context-Feed Manager actually registers.
// ContextFeedConfig.Kind overloads two concerns the manager keeps
// separate (refresh mode vs. capability source kind): "on_demand" /
// "periodic" / "internal" name a refresh mode directly, while "tool" /
// "agent" / "relic" / "workflow" / "llm" name the capability kind a feed
// not otherwise marked periodic/internal is sourced from (defaulting to
// on_demand refresh).
func feedDefFromConfig(c config.ContextFeedConfig) (contextfeed.Def, error) {
	def := contextfeed.Def{
		ID:           c.ID,
		SourceName:   c.Source,
		MaxTokens:    c.MaxTokens,
		MaxSizeBytes: c.MaxSizeBytes,
		Enabled:      c.IsEnabled(),
	}

	switch contextfeed.RefreshMode(c.Kind) {
	case contextfeed.ModeOnDemand, contextfeed.ModePeriodic, contextfeed.ModeInternal:
		def.Mode = contextfeed.RefreshMode(c.Kind)
	default:
		def.Mode = contextfeed.ModeOnDemand
		def.SourceKind = action.Kind(c.Kind)
	}

	if def.Mode != contextfeed.ModeInternal && def.SourceKind == "" {
		def.SourceKind = action.KindTool
	}

	if c.RefreshInterval != "" {
		d, err := time.ParseDuration(c.RefreshInterval)
		if err != nil {
			return def, fmt.Errorf("context feed %q: refresh_interval: %w", c.ID, err)
		}
		def.RefreshInterval = d
	}
	if c.CacheTTL != "" {
		d, err := time.ParseDuration(c.CacheTTL)
		if err != nil {
			return def, fmt.Errorf("context feed %q: cache_ttl: %w", c.ID, err)
		}
		def.CacheTTL = d
	}
	return def, nil
}

// runIdleReaper periodically cancels sessions that have had no activity
// for longer than idleTimeout (spec §3: "destroyed at session end or
// after idle timeout"), until ctx is cancelled.
func runIdleReaper(ctx context.Context, srv *httpserver.Server, idleTimeout, interval time.Duration) {
	if idleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.ReapIdle(idleTimeout)
		}
	}
}

// unimplementedCollaborators backs the three capability kinds this engine
// deliberately never implements (spec §1 Non-goals: tool/agent/workflow
// execution bodies are external collaborators). Rather than silently
// succeeding or hanging, every call fails loudly with a message naming
// exactly which action triggered it -- a misconfigured agent finds out on
// its first attempt to use one of these kinds, not by timing out.
type unimplementedCollaborators struct{}

func (unimplementedCollaborators) InvokeTool(ctx context.Context, name string, parameters map[string]any) (any, bool, error) {
	return nil, false, fmt.Errorf("cortexd: tool execution is not wired in this deployment (tool %q)", name)
}

func (unimplementedCollaborators) InvokeAgent(ctx context.Context, agentName string, parameters map[string]any) (string, error) {
	return "", fmt.Errorf("cortexd: nested agent invocation is not wired in this deployment (agent %q)", agentName)
}

func (unimplementedCollaborators) RunWorkflow(ctx context.Context, name string, parameters map[string]any) (any, error) {
	return nil, fmt.Errorf("cortexd: workflow execution is not wired in this deployment (workflow %q)", name)
}

// envRelicResolver resolves a relic's logical name to its URL via the
// CORTEX_RELIC_<NAME>_URL environment variable convention -- endpoint
// resolution for a declared capability is an external manifest's concern
// per the spec's Non-goals; this is the minimal convention that lets
// RelicAdapter actually be exercised without inventing a manifest format.
type envRelicResolver struct{}

var relicEnvSanitizer = regexp.MustCompile(`[^A-Z0-9_]+`)

func (envRelicResolver) ResolveRelic(name string) (string, bool) {
	key := "CORTEX_RELIC_" + relicEnvSanitizer.ReplaceAllString(strings.ToUpper(name), "_") + "_URL"
	url := os.Getenv(key)
	if url == "" {
		return "", false
	}
	return url, true
}
