package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conductorai/conductor/internal/agent"
	"github.com/conductorai/conductor/internal/agent/providers"
	"github.com/conductorai/conductor/internal/config"
	"github.com/conductorai/conductor/internal/observability"
	"github.com/conductorai/conductor/internal/orchestrator"
	"github.com/conductorai/conductor/internal/scheduler"
	"github.com/conductorai/conductor/internal/store"
	"github.com/conductorai/conductor/internal/tools"
	"github.com/conductorai/conductor/pkg/models"
)

// app wires the configured components together for one CLI invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	store    store.Store
	tools    *agent.Registry
	runner   *agent.Runner
	sched    *scheduler.Scheduler
	orch     *orchestrator.Orchestrator
	emitter  *agent.ChannelEmitter

	agents map[string]*models.Agent
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func buildApp(cfg *config.Config) (*app, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry()
	if cfg.Runner.ToolTimeout > 0 {
		registry.SetTimeout(cfg.Runner.ToolTimeout)
	}
	if err := tools.RegisterBuiltins(registry); err != nil {
		st.Close()
		return nil, err
	}

	client, err := providers.NewAnthropicClient(providers.AnthropicConfig{
		APIKey:       cfg.Provider.APIKey,
		BaseURL:      cfg.Provider.BaseURL,
		DefaultModel: cfg.Provider.DefaultModel,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	emitter := agent.NewChannelEmitter(1024)
	runner := agent.NewRunner(st, client, registry, agent.RunnerConfig{
		MaxAttempts:   cfg.Runner.MaxAttempts,
		MaxToolRounds: cfg.Runner.MaxToolRounds,
		MaxTokens:     cfg.Runner.MaxTokens,
		HistoryLimit:  cfg.Runner.HistoryLimit,
		Logger:        logger,
		Emitter:       emitter,
		Metrics:       metrics,
	})

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: promReg,
		metrics:  metrics,
		store:    st,
		tools:    registry,
		runner:   runner,
		emitter:  emitter,
		agents:   make(map[string]*models.Agent, len(cfg.Agents)),
	}
	for _, ac := range cfg.Agents {
		a.agents[ac.ID] = &models.Agent{
			ID:           ac.ID,
			Model:        ac.Model,
			SystemPrompt: ac.SystemPrompt,
			Tools:        ac.Tools,
		}
	}

	a.sched = scheduler.New(a.runAgent, scheduler.Config{Logger: logger, Metrics: metrics})
	a.orch = orchestrator.New(st, orchestrator.NewAgentDispatcher(st, a.sched), orchestrator.Config{
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
		Logger:        logger,
		Metrics:       metrics,
	})
	return a, nil
}

// agentByID resolves a configured agent, falling back to an ad-hoc agent on
// the provider's default model so unconfigured IDs still work.
func (a *app) agentByID(id string) *models.Agent {
	if ag, ok := a.agents[id]; ok {
		return ag
	}
	return &models.Agent{ID: id, Model: a.cfg.Provider.DefaultModel}
}

// runAgent is the scheduler's run function.
func (a *app) runAgent(ctx context.Context, agentID string) error {
	_, err := a.runner.Run(ctx, a.agentByID(agentID))
	return err
}

func (a *app) close(ctx context.Context) error {
	err := a.sched.Close(ctx)
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path)
	case "postgres":
		pgCfg := store.DefaultPostgresConfig()
		if cfg.Store.MaxOpenConns > 0 {
			pgCfg.MaxOpenConns = cfg.Store.MaxOpenConns
		}
		if cfg.Store.MaxIdleConns > 0 {
			pgCfg.MaxIdleConns = cfg.Store.MaxIdleConns
		}
		if cfg.Store.ConnMaxLifetime > 0 {
			pgCfg.ConnMaxLifetime = cfg.Store.ConnMaxLifetime
		}
		return store.NewPostgresStore(cfg.Store.DSN, pgCfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// closeTimeout bounds graceful shutdown of in-flight runs.
const closeTimeout = 30 * time.Second
