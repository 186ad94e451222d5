// Command loomd runs the agent execution core: the HTTP gateway, the task
// pipeline, the MCP supervisor, and the event fanout, over one Postgres
// database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/fanout"
	"github.com/loomhq/loom/internal/gateway"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/otel"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/internal/provider"
)

func main() {
	configPath := flag.String("config", "loom.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("loomd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	eventBus := bus.New()

	store, err := persistence.Open(ctx, cfg.DatabaseURL, eventBus, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	supervisor := mcp.NewSupervisor(store, eventBus, cfg.MCP.Servers, logger)
	if err := supervisor.StartAll(ctx); err != nil {
		return fmt.Errorf("start mcp servers: %w", err)
	}
	defer supervisor.StopAll(context.Background())
	if err := supervisor.ScheduleReconcile(ctx, cfg.MCP.ReconcileCron); err != nil {
		return fmt.Errorf("schedule mcp reconcile: %w", err)
	}

	watchConfig(ctx, cfg, supervisor, logger)

	generators, err := buildGenerators(cfg, store, logger)
	if err != nil {
		return err
	}

	runner := agent.NewSupervisorRunner(supervisor, store, logger)
	core := agent.NewCore(store, runner, generators, logger)

	reaper := agent.NewReaper(store, cfg.TaskTimeout(), cfg.PendingTimeout(), logger)
	if err := reaper.Start(ctx, ""); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}

	router := fanout.NewRouter()
	go router.Run(ctx, eventBus)
	sink := fanout.NewWebhookSink(cfg.Fanout, logger)
	go sink.Run(ctx, eventBus)
	processor := fanout.NewProcessor(store, router, logger)
	if err := processor.Recover(ctx); err != nil {
		logger.Warn("notification recovery", "error", err)
	}

	server := gateway.NewServer(cfg, core, store, processor, router, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("loomd listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// buildGenerators wraps every configured provider in a request recorder.
func buildGenerators(cfg *config.Config, store *persistence.Store, logger *slog.Logger) (map[string]agent.Generator, error) {
	generators := make(map[string]agent.Generator, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		p, err := provider.New(name, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		generators[name] = provider.NewRecorder(p, store, logger)
	}
	return generators, nil
}

// watchConfig reloads the MCP server list when the config file changes on
// disk. Other settings require a restart.
func watchConfig(ctx context.Context, cfg *config.Config, supervisor *mcp.Supervisor, logger *slog.Logger) {
	watcher := config.NewWatcher(cfg.Path, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		for range watcher.Events() {
			reloaded, err := config.Load(cfg.Path)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			supervisor.UpdateServers(reloaded.MCP.Servers)
			logger.Info("mcp server list reloaded", "servers", len(reloaded.MCP.Servers))
		}
	}()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
