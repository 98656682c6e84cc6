package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	goutils "github.com/jkaninda/go-utils"

	"github.com/coralproto/coral/internal/config"
	"github.com/coralproto/coral/internal/gateway/httpapi"
	"github.com/coralproto/coral/internal/gateway/ws"
	"github.com/coralproto/coral/internal/observability"
	"github.com/coralproto/coral/internal/orchestrator"
	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/ratelimit"
	"github.com/coralproto/coral/internal/registry"
	"github.com/coralproto/coral/internal/scheduler"
	"github.com/coralproto/coral/internal/storage"
	pgstore "github.com/coralproto/coral/internal/storage/postgres"
	sqlitestore "github.com/coralproto/coral/internal/storage/sqlite"
	"github.com/coralproto/coral/internal/triage"
	"github.com/coralproto/coral/internal/worker"
	"github.com/coralproto/coral/internal/workflow"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the triage coordination server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `coral --config path` and `coral serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8480)")
	}
}

// runServe wires the full substrate: registry, triage agents, workflow
// engine, persistence, maintenance scheduler, and the HTTP gateway.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(goutils.Env("CORAL_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.ListenAddr = serveAddr
	}

	logger := buildLogger(cfg.Logging)
	logger.Info("starting coral", slog.String("version", version))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	promReg := obsRegistry(obs)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Worker registry: routing, discovery, thread audit.
	mesh := registry.New(registry.Config{
		ThreadHistoryLimit: cfg.Registry.HistoryLimit(),
		ThreadIdleTimeout:  cfg.Registry.ThreadIdleTimeout(),
		SweepInterval:      cfg.Registry.SweepInterval(),
	}, logger, registry.NewMetrics(promReg))
	mesh.Start(ctx)
	defer mesh.Stop()

	// Persistence.
	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("storage ready", slog.String("driver", store.Driver()))

	// Workflow engine, itself a worker on the mesh.
	workerCfg := worker.Config{
		MailboxCapacity:   cfg.Worker.Capacity(),
		HeartbeatInterval: cfg.Worker.HeartbeatInterval(),
		DrainGrace:        cfg.Worker.DrainGrace(),
	}
	engineRT := worker.NewRuntime("orchestrator", "triage-orchestrator",
		[]protocol.Capability{
			protocol.NewCapability("workflow_orchestration", "Coordinates multi-step triage workflows"),
		},
		workerCfg, logger)
	engineRT.AttachRouter(mesh)

	engine := orchestrator.New(engineRT, mesh, store, orchestrator.NewMetrics(promReg), logger, orchestrator.Config{
		WatchdogGrace:      cfg.Orchestrator.WatchdogGrace(),
		DefaultTaskTimeout: cfg.Orchestrator.DefaultTaskTimeout(),
		Tracer:             obsTracer(obs),
	})
	if err := registerDefinitions(engine, cfg.Workflows, logger); err != nil {
		return err
	}
	if err := mesh.Register(engineRT); err != nil {
		return err
	}
	engine.Start(ctx)

	// Triage agents. Their heartbeats go to the orchestrator, which
	// absorbs them; the registry reads worker status directly.
	agentCfg := workerCfg
	agentCfg.HeartbeatTo = engineRT.ID()
	executors := triage.NewWorkers(agentCfg, logger)
	for _, ex := range executors {
		rt := ex.Runtime()
		rt.AttachRouter(mesh)
		if err := mesh.Register(rt); err != nil {
			return fmt.Errorf("registering worker %s: %w", rt.ID(), err)
		}
		rt.Start(ctx)
	}
	logger.Info("triage agents online", slog.Int("count", len(executors)))

	// Maintenance scheduler.
	if cfg.Scheduler != nil {
		sched := scheduler.New(scheduler.Config{
			PollInterval: cfg.Scheduler.PollInterval(),
		}, logger, scheduler.NewMetrics(promReg))

		retention := cfg.Scheduler.Retention()
		if err := sched.AddJob("archive_retention", cfg.Scheduler.Purge(), func(ctx context.Context) error {
			removed, err := store.PurgeBefore(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				return err
			}
			if removed > 0 {
				logger.Info("purged archived workflows", slog.Int64("removed", removed))
			}
			return nil
		}); err != nil {
			return fmt.Errorf("registering retention job: %w", err)
		}

		cancelSched := sched.Start(ctx)
		defer cancelSched()
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", func(ctx context.Context) error {
			_, err := store.ListWorkflows(ctx, "", 1)
			return err
		})
		obs.Health.AddCheck("registry", func(context.Context) error {
			if mesh.Count() == 0 {
				return fmt.Errorf("no workers registered")
			}
			return nil
		})
	}

	// Event stream over WebSocket.
	events := ws.NewServer(engine, ws.Config{Token: cfg.Server.WSToken}, logger)

	// HTTP gateway.
	gw := httpapi.NewGateway(httpapi.Config{
		ListenAddr:      cfg.Server.Addr(),
		EnableDocs:      cfg.Server.EnableDocs,
		APIKeys:         cfg.Server.APIKeys,
		MetricsRegistry: promReg,
		MetricsPath:     metricsPath(cfg.Observability),
		HealthChecker:   healthChecker(obs),
		Metrics:         httpMetrics(obs),
		Tracer:          obsTracer(obs),
	}, engine, mesh, store, buildLimiter(cfg.RateLimit), logger)
	gw.WithHandler("/v1/events", events.Handler())
	if cfg.Server.EnableDocs {
		gw.WithOpenAPIDocs()
	}

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline. Gateway first so no new work
	// arrives while the engine and agents drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	engine.Shutdown(shutdownCtx)
	for _, ex := range executors {
		ex.Runtime().Shutdown(shutdownCtx)
	}
	obs.Shutdown(shutdownCtx)

	return nil
}

// loadConfig loads the config file, falling back to built-in defaults
// when the default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLogger(lc *config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	format := "text"
	if lc != nil {
		switch strings.ToLower(lc.Level) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		if lc.Format != "" {
			format = lc.Format
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openStore opens the configured persistence backend.
func openStore(sc *config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch driver := sc.StorageDriver(); driver {
	case "postgres":
		return pgstore.Open(pgstore.Config{
			DSN:             sc.Postgres.DSN,
			MaxOpenConns:    sc.Postgres.MaxOpenConns,
			MaxIdleConns:    sc.Postgres.MaxIdleConns,
			ConnMaxLifetime: sc.Postgres.ConnMaxLifetime(),
		}, logger)
	case "sqlite":
		path := "coral.db"
		journal := ""
		if sc != nil && sc.SQLite != nil {
			if sc.SQLite.Path != "" {
				path = sc.SQLite.Path
			}
			journal = sc.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{Path: path, JournalMode: journal}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// registerDefinitions loads the built-in alert triage workflow plus any
// external definitions file.
func registerDefinitions(engine *orchestrator.Engine, wc *config.WorkflowsConfig, logger *slog.Logger) error {
	if err := engine.RegisterDefinition(workflow.AlertTriageDefinition()); err != nil {
		return err
	}
	if wc == nil || wc.DefinitionsPath == "" {
		return nil
	}
	defs, err := workflow.LoadDefinitions(wc.DefinitionsPath)
	if err != nil {
		return fmt.Errorf("loading workflow definitions: %w", err)
	}
	for _, def := range defs {
		if err := engine.RegisterDefinition(def); err != nil {
			return fmt.Errorf("registering workflow %s: %w", def.WorkflowID, err)
		}
		logger.Info("workflow definition loaded", slog.String("workflow", def.WorkflowID))
	}
	return nil
}

func buildLimiter(rc *config.RateLimitConfig) *ratelimit.Limiter {
	if rc == nil {
		return ratelimit.NewLimiter(ratelimit.Config{})
	}
	return ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: rc.RequestsPerMinute,
		BurstSize:         rc.BurstSize,
	})
}

func obsRegistry(obs *observability.Observability) *prometheus.Registry {
	if obs == nil {
		return nil
	}
	return obs.Registry
}

func metricsPath(oc *config.ObservabilityConfig) string {
	if oc == nil {
		return "/metrics"
	}
	return oc.Metrics.MetricsPath()
}

func healthChecker(obs *observability.Observability) *observability.HealthChecker {
	if obs == nil {
		return nil
	}
	return obs.Health
}

func httpMetrics(obs *observability.Observability) *observability.HTTPMetrics {
	if obs == nil {
		return nil
	}
	return obs.HTTP
}

func obsTracer(obs *observability.Observability) trace.Tracer {
	if obs == nil || obs.Tracer == nil {
		return nil
	}
	return obs.Tracer.Tracer()
}
