package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/internal/agent/providers"
	"github.com/haasonsaas/datachat/internal/config"
	"github.com/haasonsaas/datachat/internal/gateway"
	"github.com/haasonsaas/datachat/internal/observability"
	"github.com/haasonsaas/datachat/internal/platform"
	"github.com/haasonsaas/datachat/internal/ratelimit"
	"github.com/haasonsaas/datachat/internal/sessions"
	"github.com/haasonsaas/datachat/internal/tools"
)

// resolveConfigPath picks the config file: an explicit path wins, then
// DATACHAT_CONFIG, then datachat.yaml when it exists. An empty result means
// configuration comes from the environment alone.
func resolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path != "" && path != defaultConfigName {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("DATACHAT_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

type appOptions struct {
	Debug     bool
	LogOutput io.Writer
	// Quiet raises the log level to error unless Debug is set.
	Quiet bool
}

// app holds the wired components shared by serve and ask.
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry
	tracer   *observability.Tracer

	shutdownTracer func(context.Context) error

	dispatcher *tools.Dispatcher
	model      agent.ModelClient
	engineCfg  agent.EngineConfig
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	level := cfg.Logging.Level
	if opts.Quiet {
		level = "error"
	}
	if opts.Debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: opts.LogOutput,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	}
	if cfg.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Tracing.Endpoint
	}
	tracer, shutdownTracer := observability.NewTracer(traceCfg)

	client, err := platform.NewClient(platform.Config{
		BaseURL:          cfg.Platform.BaseURL,
		Token:            cfg.Platform.Token,
		AppID:            cfg.Platform.AppID,
		Timeout:          cfg.Platform.Timeout,
		MaxResponseBytes: cfg.Platform.MaxResponseBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("platform client: %w", err)
	}

	dispatcher, err := tools.NewDispatcher(client, tools.Config{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("tool dispatcher: %w", err)
	}

	model, err := newModelClient(ctx, cfg.LLM, logger, metrics)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		registry:       registry,
		tracer:         tracer,
		shutdownTracer: shutdownTracer,
		dispatcher:     dispatcher,
		model:          model,
		engineCfg: agent.EngineConfig{
			Model: cfg.LLM.Model,
			SystemPrompt: agent.BuildSystemPrompt(agent.PromptParams{
				AppName: cfg.Agent.AppName,
				Extra:   cfg.Agent.PromptExtra,
			}),
			MaxIterations:  cfg.Agent.MaxIterations,
			MaxConcurrency: cfg.Agent.MaxConcurrency,
			MaxTokens:      cfg.LLM.MaxTokens,
			ResultGuard:    resultGuard(cfg.Agent),
			Logger:         logger,
			Tracer:         tracer,
			Metrics:        metrics,
		},
	}

	// Engine construction only fails on missing collaborators; check once so
	// the registry factory can rely on it.
	if _, err := a.newEngine(); err != nil {
		return nil, err
	}
	return a, nil
}

// resultGuard maps the agent config onto the tool result guard.
func resultGuard(cfg config.AgentConfig) agent.ToolResultGuard {
	return agent.ToolResultGuard{
		MaxChars:        cfg.ToolResultMaxChars,
		Denylist:        cfg.ToolDenylist,
		RedactPatterns:  cfg.RedactPatterns,
		SanitizeSecrets: cfg.SanitizeSecretsEnabled(),
	}
}

// newModelClient builds the primary backend and, when fallbacks are
// configured, wraps it in a failover chain.
func newModelClient(ctx context.Context, llm config.LLMConfig, logger *observability.Logger, metrics *observability.Metrics) (agent.ModelClient, error) {
	primary, err := providers.New(ctx, providers.Config{
		Provider:     llm.Provider,
		APIKey:       llm.APIKey,
		BaseURL:      llm.BaseURL,
		DefaultModel: llm.Model,
		APIVersion:   llm.APIVersion,
		MaxRetries:   llm.MaxRetries,
		RetryDelay:   llm.RetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	if len(llm.Fallbacks) == 0 {
		return primary, nil
	}

	fallbacks := make([]agent.FailoverTarget, 0, len(llm.Fallbacks))
	for i, fb := range llm.Fallbacks {
		client, err := providers.New(ctx, providers.Config{
			Provider:     fb.Provider,
			APIKey:       fb.APIKey,
			BaseURL:      fb.BaseURL,
			DefaultModel: fb.Model,
			APIVersion:   fb.APIVersion,
			MaxRetries:   llm.MaxRetries,
			RetryDelay:   llm.RetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("llm fallback %d: %w", i, err)
		}
		fallbacks = append(fallbacks, agent.FailoverTarget{Client: client, Model: fb.Model})
	}

	failover, err := agent.NewFailoverClient(agent.FailoverTarget{Client: primary}, fallbacks, agent.FailoverConfig{
		CircuitBreakerThreshold: llm.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   llm.CircuitBreakerTimeout,
		ShouldFailover:          providers.ShouldFailover,
		Reason:                  func(err error) string { return string(providers.ReasonOf(err)) },
		Logger:                  logger,
		Metrics:                 metrics,
	})
	if err != nil {
		return nil, err
	}
	return failover, nil
}

func (a *app) newEngine() (*agent.Engine, error) {
	return agent.NewEngine(a.model, a.dispatcher, a.engineCfg)
}

// newRegistry builds the session registry; evictions also release the
// gateway's per-session lock state through onEvict.
func (a *app) newRegistry(onEvict func(id string)) *sessions.Registry[gateway.ChatEngine] {
	factory := func(id string) gateway.ChatEngine {
		engine, err := a.newEngine()
		if err != nil {
			// Unreachable after newApp's check.
			panic(fmt.Sprintf("build engine for session %s: %v", id, err))
		}
		return engine
	}

	return sessions.NewRegistry[gateway.ChatEngine](factory,
		sessions.Config{
			MaxSessions:   a.cfg.Sessions.MaxSessions,
			TTL:           a.cfg.Sessions.TTL,
			SweepInterval: a.cfg.Sessions.SweepInterval,
		},
		sessions.WithLogger[gateway.ChatEngine](a.logger),
		sessions.WithMetrics[gateway.ChatEngine](a.metrics),
		sessions.WithEvictHook[gateway.ChatEngine](func(id string, _ gateway.ChatEngine, _ string) {
			if onEvict != nil {
				onEvict(id)
			}
		}),
	)
}

// newServer wires the registry and gateway together.
func (a *app) newServer() (*gateway.Server, *sessions.Registry[gateway.ChatEngine], error) {
	var server *gateway.Server
	registry := a.newRegistry(func(id string) {
		if server != nil {
			server.Forget(id)
		}
	})

	opts := []gateway.Option{
		gateway.WithLogger(a.logger),
		gateway.WithMetrics(a.metrics, a.registry),
		gateway.WithTracer(a.tracer),
		gateway.WithLocker(sessions.NewSessionLocker(a.cfg.Sessions.LockTimeout)),
	}
	if failover, ok := a.model.(*agent.FailoverClient); ok {
		opts = append(opts, gateway.WithHealthReporter("llm", func() any { return failover.States() }))
	}

	rl := a.cfg.RateLimit
	server, err := gateway.New(gateway.Config{
		Addr:           a.cfg.Server.Addr(),
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		ReadTimeout:    a.cfg.Server.ReadTimeout,
		WriteTimeout:   a.cfg.Server.WriteTimeout,
		RateLimit: ratelimit.Config{
			Enabled:           rl.IsEnabled(),
			RequestsPerSecond: rl.RequestsPerSecond,
			BurstSize:         rl.Burst,
		},
		TrustProxy: rl.TrustProxy,
		Version:    version,
	}, registry, opts...)
	if err != nil {
		return nil, nil, err
	}
	return server, registry, nil
}

func (a *app) close(ctx context.Context) {
	if a.shutdownTracer == nil {
		return
	}
	if err := a.shutdownTracer(ctx); err != nil {
		a.logger.Warn(ctx, "tracer shutdown failed", "error", err)
	}
}
