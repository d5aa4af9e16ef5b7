package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/approval"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/budget"
	"github.com/loomworks/loom/internal/circuitbreaker"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/health"
	"github.com/loomworks/loom/internal/httpapi"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/llm/anthropic"
	"github.com/loomworks/loom/internal/llm/openai"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tools"
	"github.com/loomworks/loom/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting loom", zap.String("config", cfg.String()))

	shutdownTracing, err := tracing.Init(ctx, tracing.Config(cfg.Tracing), logger)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces", zap.Error(err))
		}
	}()

	st, err := store.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	registry, err := buildToolRegistry(cfg.Tools, logger)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}

	policies, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}

	var budgetMgr *budget.Manager
	if cfg.Budget.TokensPerMinute > 0 || cfg.Budget.MaxTokensPerWorkflow > 0 {
		budgetMgr = budget.NewManager(cfg.Budget, logger)
	}

	client, err := buildLLMClient(cfg.LLM, budgetMgr, logger)
	if err != nil {
		return fmt.Errorf("building llm client: %w", err)
	}

	var gate *approval.Gate
	var handler approval.Handler
	if cfg.Approval.Enabled {
		gate = approval.NewGate(logger)
		handler = gate
	}

	sub := agent.New(agent.Config{
		MemoryLimit:     cfg.Memory.MaxEntries,
		ApprovalTimeout: time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
	}, client, registry, st, policies, handler, logger)

	eventMgr := events.NewManager(cfg.Events, logger)
	defer eventMgr.Close()

	exec := executor.New(executor.Config{
		MaxParallelism:  cfg.Executor.MaxParallelism,
		TaskTimeout:     cfg.Executor.TaskTimeout(),
		ShutdownGrace:   cfg.Executor.ShutdownGrace(),
		ApprovalHandler: handler,
		ApprovalTimeout: time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
	}, sub, st, eventMgr, logger)
	defer exec.Close()

	orch := orchestrator.New(exec, st, eventMgr, budgetMgr, logger)

	planRegistry, planWatcher, err := buildPlanRegistry(cfg.Plans, logger)
	if err != nil {
		return fmt.Errorf("loading plan registry: %w", err)
	}
	if planWatcher != nil {
		defer planWatcher.Close()
	}

	authn, err := auth.New(cfg.Auth, logger)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	healthMgr := health.NewManager(logger)
	healthMgr.Register("store", st.Ping)

	api := httpapi.NewServer(orch, st, eventMgr, gate, planRegistry, healthMgr, authn, logger)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}

func buildToolRegistry(cfg config.ToolsConfig, logger *zap.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry()

	fileRead, err := tools.NewFileReadTool(cfg.FileRead, logger)
	if err != nil {
		return nil, err
	}
	registry.Register(fileRead)
	registry.Register(tools.NewCommandRunnerTool(cfg.CodeRunner, logger))
	registry.Register(tools.NewWebSearchTool(cfg.WebSearch, logger))

	tts, err := tools.NewTTSTool(cfg.Audio, logger)
	if err != nil {
		return nil, err
	}
	registry.Register(tts)
	return registry, nil
}

func buildLLMClient(cfg config.LLMConfig, budgetMgr *budget.Manager, logger *zap.Logger) (llm.Client, error) {
	provider, err := cfg.Active()
	if err != nil {
		return nil, err
	}

	var base llm.Client
	switch cfg.Provider {
	case "anthropic":
		base, err = anthropic.New(anthropic.Config{
			APIKey:  provider.APIKey,
			Model:   provider.Model,
			BaseURL: provider.BaseURL,
			Timeout: provider.Timeout(),
		}, logger)
	default:
		base, err = openai.New(openai.Config{
			APIKey:  provider.APIKey,
			Model:   provider.Model,
			BaseURL: provider.BaseURL,
			Timeout: provider.Timeout(),
		}, logger)
	}
	if err != nil {
		return nil, err
	}

	breaker := circuitbreaker.New("llm", circuitbreaker.DefaultConfig(), logger)
	mws := []llm.Middleware{
		llm.WithTracing(),
		llm.WithMetrics(),
		llm.WithRetry(provider.MaxRetries, time.Second, logger),
	}
	if budgetMgr != nil {
		mws = append(mws, llm.WithBudget(budgetMgr))
	}
	mws = append(mws, llm.WithBreaker(breaker))
	return llm.Chain(base, mws...), nil
}

func buildPlanRegistry(cfg config.PlansConfig, logger *zap.Logger) (*plan.Registry, *config.Watcher, error) {
	if cfg.Dir == "" {
		return nil, nil, nil
	}
	registry := plan.NewRegistry(logger)
	if err := registry.LoadDirectory(cfg.Dir); err != nil {
		return nil, nil, err
	}
	watcher, err := config.Watch(cfg.Dir, 0, func() {
		if err := registry.Reload(cfg.Dir); err != nil {
			logger.Warn("reloading plan registry", zap.Error(err))
			return
		}
		logger.Info("plan registry reloaded", zap.Int("plans", registry.Len()))
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return registry, watcher, nil
}
