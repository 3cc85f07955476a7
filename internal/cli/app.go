package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/insights/pkg/clickhouse"
	"github.com/malbeclabs/insights/pkg/config"
	"github.com/malbeclabs/insights/pkg/duck"
	"github.com/malbeclabs/insights/pkg/insight"
	"github.com/malbeclabs/insights/pkg/intent"
	"github.com/malbeclabs/insights/pkg/llm"
	"github.com/malbeclabs/insights/pkg/memory"
	"github.com/malbeclabs/insights/pkg/pipeline"
	"github.com/malbeclabs/insights/pkg/postgres"
	"github.com/malbeclabs/insights/pkg/prompts"
	"github.com/malbeclabs/insights/pkg/query"
	"github.com/malbeclabs/insights/pkg/registry"
	"github.com/malbeclabs/insights/pkg/router"
	"github.com/malbeclabs/insights/pkg/scope"
	"github.com/malbeclabs/insights/pkg/timerange"
	"github.com/malbeclabs/insights/pkg/validate"
)

// app is the fully wired pipeline and the resources it owns.
type app struct {
	log      *slog.Logger
	registry *registry.Store
	engine   *query.Engine
	memory   *memory.Store
	pipeline *pipeline.Pipeline
}

func newApp(ctx context.Context, log *slog.Logger, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	reg, err := registry.NewStore(log, cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	p, err := prompts.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	client, err := newLLM(log, cfg)
	if err != nil {
		return nil, err
	}

	exec, err := newExecutor(ctx, log, cfg)
	if err != nil {
		return nil, err
	}
	engine, err := query.New(query.Config{
		Logger:        log,
		Executor:      exec,
		MaxRows:       cfg.MaxRows,
		Timeout:       cfg.QueryTimeout,
		MaxConcurrent: cfg.QueryConcurrency,
		MaxRetries:    cfg.QueryMaxRetries,
		CacheTTL:      cfg.CacheTTL,
	})
	if err != nil {
		_ = exec.Close()
		return nil, fmt.Errorf("failed to create query engine: %w", err)
	}

	a := &app{log: log, registry: reg, engine: engine}
	if err := a.wire(cfg, p, client); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(cfg *config.Config, p *prompts.Prompts, client llm.Client) error {
	mem, err := memory.New(memory.Config{
		Logger:      a.log,
		TTL:         cfg.SessionTTL,
		MaxSessions: cfg.MaxSessions,
		MaxTurns:    cfg.MaxTurns,
	})
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}
	mem.Start()
	a.memory = mem

	clock := clockwork.NewRealClock()
	extractor, err := intent.New(intent.Config{
		Logger:              a.log,
		LLM:                 client,
		Registry:            a.registry,
		Prompts:             p,
		Resolver:            timerange.NewResolver(clock),
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	})
	if err != nil {
		return fmt.Errorf("failed to create intent extractor: %w", err)
	}
	guard, err := scope.New(scope.Config{
		Logger:            a.log,
		Registry:          a.registry,
		RulesPath:         cfg.ScopeRulesPath,
		MaxQuestionLength: cfg.MaxQuestionLength,
	})
	if err != nil {
		return fmt.Errorf("failed to create scope guard: %w", err)
	}
	rt, err := router.New(router.Config{Logger: a.log, Registry: a.registry})
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}
	validator, err := validate.New(validate.Config{
		Logger:              a.log,
		Registry:            a.registry,
		NullRateWarning:     cfg.NullRateWarning,
		NullRateCritical:    cfg.NullRateCritical,
		UnknownShareWarning: cfg.UnknownShareWarning,
		ComparisonMagnitude: cfg.ComparisonMagnitude,
	})
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}
	synthCfg := insight.Config{Logger: a.log, Prompts: p}
	if cfg.Rephrase {
		synthCfg.LLM = client
	}
	synth, err := insight.New(synthCfg)
	if err != nil {
		return fmt.Errorf("failed to create insight synthesizer: %w", err)
	}

	a.pipeline, err = pipeline.New(pipeline.Config{
		Logger:    a.log,
		Memory:    mem,
		Intent:    extractor,
		Scope:     guard,
		Router:    rt,
		Query:     a.engine,
		Validator: validator,
		Insight:   synth,
		Clock:     clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	return nil
}

func (a *app) Close() {
	if a.memory != nil {
		a.memory.Stop()
	}
	if err := a.engine.Close(); err != nil {
		a.log.Error("failed to close query engine", "error", err)
	}
}

func newLLM(log *slog.Logger, cfg *config.Config) (llm.Client, error) {
	var base llm.Client
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		base = llm.NewAnthropic(log, cfg.AnthropicAPIKey, anthropic.Model(cfg.AnthropicModel), 0)
	case config.ProviderOllama:
		base = llm.NewOllama(log, cfg.OllamaURL, cfg.OllamaModel, 0, nil)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
	guard, err := llm.NewGuard(llm.GuardConfig{
		Logger:        log,
		Client:        base,
		MaxConcurrent: cfg.LLMConcurrency,
		QueueWait:     cfg.LLMQueueWait,
		Timeout:       cfg.LLMTimeout,
		MaxRetries:    cfg.LLMMaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm guard: %w", err)
	}
	return guard, nil
}

func newExecutor(ctx context.Context, log *slog.Logger, cfg *config.Config) (query.Executor, error) {
	switch cfg.Warehouse {
	case config.WarehouseDuckDB:
		e, err := duck.New(ctx, duck.Config{
			Logger:      log,
			Path:        cfg.DuckDBPath,
			ReadOnly:    cfg.DuckDBReadOnly,
			Threads:     cfg.DuckDBThreads,
			InitScripts: cfg.DuckDBInitScripts,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open duckdb: %w", err)
		}
		return e, nil
	case config.WarehouseClickHouse:
		e, err := clickhouse.New(ctx, clickhouse.Config{
			Logger:   log,
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
		}
		return e, nil
	case config.WarehousePostgres:
		e, err := postgres.New(ctx, postgres.Config{
			Logger:   log,
			URL:      cfg.PostgresURL,
			MaxConns: cfg.PostgresMaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return e, nil
	}
	return nil, errors.New("unknown warehouse " + cfg.Warehouse)
}
