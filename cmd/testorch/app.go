package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"github.com/mpataki/testorch/internal/config"
	"github.com/mpataki/testorch/internal/gateway"
	"github.com/mpataki/testorch/internal/logging"
	"github.com/mpataki/testorch/internal/observability"
	"github.com/mpataki/testorch/internal/orchestrator"
	"github.com/mpataki/testorch/internal/policy"
	"github.com/mpataki/testorch/internal/storage"
)

// app is everything a command needs, opened from the loaded config.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	store    *storage.Storage
	ledger   storage.Ledger
	registry *prometheus.Registry
	orch     *orchestrator.Orchestrator
	closers  []func() error
}

func openApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.loadOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logOpts := logging.DefaultOptions()
	logOpts.Level = cfg.Log.Level
	logOpts.JSON = cfg.Log.JSON
	logger := logging.New(logOpts)

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return shutdownTracing(shutdownCtx)
	})

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	switch cfg.History.Backend {
	case "badger":
		hl, err := storage.OpenHistoryLog(storage.BadgerConfig{
			Path:       cfg.History.BadgerDir,
			SyncWrites: true,
			Logger:     logging.Component(logger, "badger"),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open history log: %w", err)
		}
		a.ledger = hl
		a.closers = append(a.closers, hl.Close)
	default:
		a.ledger = store
	}

	agentLogger := logging.Component(logger, "agent")
	newAgent := func(name string, argv []string) *gateway.CommandAgent {
		agent := gateway.NewCommandAgent(name, argv, cfg.WorkspacesDir(), agentLogger)
		agent.Env = cfg.Agents.Env
		return agent
	}
	gateways := gateway.Set{
		Generator:  newAgent("generator", cfg.Agents.Generator),
		Executor:   newAgent("executor", cfg.Agents.Executor),
		TestHealer: newAgent("healer", cfg.Agents.Healer),
		Diagnoser:  newAgent("diagnoser", cfg.Agents.Diagnoser),
	}

	a.orch = orchestrator.New(store, a.ledger, gateways, orchestrator.Config{
		LeaseTTL:             cfg.Engine.LeaseTTL,
		MaxHealAttempts:      cfg.Engine.MaxHealAttempts,
		GenerateTimeout:      cfg.Engine.GenerateTimeout,
		RunTimeout:           cfg.Engine.RunTimeout,
		HealTimeout:          cfg.Engine.HealTimeout,
		GatewayRatePerMinute: cfg.Engine.GatewayRatePerMinute,
	},
		orchestrator.WithLogger(logging.Component(logger, "orchestrator")),
		orchestrator.WithMetrics(observability.NewMetrics(a.registry)),
		orchestrator.WithTracerProvider(otel.GetTracerProvider()),
	)

	// A previous process may have died mid-cycle.
	if recovered, err := a.orch.RecoverStale(ctx); err != nil {
		logger.Warn("stale cycle recovery failed", "err", err)
	} else if len(recovered) > 0 {
		logger.Info("recovered stale cycles", "projects", recovered)
	}
	return a, nil
}

// healPolicy builds the configured selector. override, when set, replaces
// the configured heal kind; the Lua script still takes precedence.
func (a *app) healPolicy(ctx context.Context, override string) (policy.Selector, error) {
	name := a.cfg.Policy.HealKind
	if override != "" {
		name = override
	}
	selector, err := policy.FromName(name)
	if err != nil {
		return nil, err
	}
	if a.cfg.Policy.Script == "" {
		return selector, nil
	}
	script, err := policy.LoadScript(a.cfg.Policy.Script, selector, logging.Component(a.logger, "policy"))
	if err != nil {
		return nil, err
	}
	return script.Selector(ctx), nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
