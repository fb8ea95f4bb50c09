package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/config"
	"github.com/nachoal/stock-agent-go/history"
	"github.com/nachoal/stock-agent-go/internal/logging"
	"github.com/nachoal/stock-agent-go/internal/metrics"
	"github.com/nachoal/stock-agent-go/internal/toolinit"
	"github.com/nachoal/stock-agent-go/llm"
	"github.com/nachoal/stock-agent-go/llm/openai"
	"github.com/nachoal/stock-agent-go/orchestrator"
	"github.com/nachoal/stock-agent-go/skills"
	"github.com/nachoal/stock-agent-go/smart"
	"github.com/nachoal/stock-agent-go/tools/limiter"
	"github.com/nachoal/stock-agent-go/tools/market"
	"github.com/nachoal/stock-agent-go/tools/registry"
)

// app holds the wired runtime for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	client   llm.Client
	backend  history.Backend
	store    *history.Store
	catalog  *registry.Registry
	personas *agent.PersonaSet
	factory  *orchestrator.Factory
	smart    *smart.SmartAgent
}

func (a *app) Close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	return errors.Join(errs...)
}

// openStore opens the configured session backend and loads every session.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (history.Backend, *history.Store, error) {
	backend, err := newBackend(cfg.Session)
	if err != nil {
		return nil, nil, err
	}
	store := history.NewStore(backend,
		history.WithCompaction(cfg.Compaction()),
		history.WithTodoRunRetention(cfg.Session.TodoRunRetention),
		history.WithReadThrough(cfg.Session.ReadThrough),
		history.WithLogger(logger.Named("history")),
	)
	n, err := store.Load(ctx)
	if err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("load sessions: %w", err)
	}
	logger.Debug("sessions loaded", "backend", cfg.Session.Backend, "count", n)
	return backend, store, nil
}

func newBackend(cfg config.SessionConfig) (history.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return history.NewMemoryBackend(), nil
	case config.BackendFile:
		return history.NewFileBackend(cfg.Dir)
	case config.BackendSQLite:
		return history.NewSQLiteBackend(cfg.SQLitePath)
	case config.BackendRedis:
		return history.NewRedisBackendFromURL(cfg.RedisURL, cfg.RedisPrefix, cfg.RedisTTL)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

func newClient(cfg config.LLMConfig, logger *logging.Logger) (llm.Client, error) {
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, err
	}
	opts := []llm.ClientOption{
		llm.WithBaseURL(endpoint),
		llm.WithModel(cfg.Model),
		llm.WithTimeout(cfg.Timeout),
		llm.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.APIKey != "" {
		opts = append(opts, llm.WithAPIKey(cfg.APIKey))
	}
	client, err := openai.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Provider, err)
	}
	client.SetLogger(logger.Named("llm"))
	return client, nil
}

func loadSkills(dir string) (*skills.Catalog, error) {
	if dir == "" {
		return skills.Default(), nil
	}
	return skills.LoadDir(dir)
}

// newApp wires the full agent stack from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.New(cfg.Log), metrics: metrics.New("stock_agent")}

	var err error
	if a.personas, err = agent.LoadPersonas(cfg.Agent.PersonasFile); err != nil {
		return nil, err
	}
	catalogSkills, err := loadSkills(cfg.Skills.Dir)
	if err != nil {
		return nil, err
	}
	if a.catalog, err = toolinit.Catalog(market.NewClient(cfg.Market.BaseURL, cfg.Market.Timeout)); err != nil {
		return nil, err
	}
	if a.client, err = newClient(cfg.LLM, a.logger); err != nil {
		return nil, err
	}
	if a.backend, a.store, err = openStore(ctx, cfg, a.logger); err != nil {
		a.client.Close()
		return nil, err
	}

	a.factory = orchestrator.NewFactory(a.client, a.personas, a.catalog,
		orchestrator.WithLimiter(limiter.New(cfg.Agent.ToolConcurrency)),
		orchestrator.WithRetryPolicy(cfg.RetryPolicy()),
		orchestrator.WithBaseConfig(cfg.AgentBase()),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
	)
	a.smart = smart.New(a.factory, a.store,
		smart.WithConfig(cfg.Smart),
		smart.WithSkills(catalogSkills),
		smart.WithOrchestratorOptions(
			orchestrator.WithMaxSubTasks(cfg.Tasks.MaxSubTasks),
			orchestrator.WithTaskConfig(cfg.TaskConfig()),
		),
		smart.WithLogger(a.logger),
		smart.WithMetrics(a.metrics),
	)
	return a, nil
}
