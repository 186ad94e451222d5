// Package mcp supervises the external MCP tool-server processes: spawning,
// staged health checking, periodic reconciliation, and the JSON-RPC client
// used to invoke tools.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/persistence"
)

const stopGrace = 3 * time.Second

// ServiceStore is the persistence surface the supervisor needs.
type ServiceStore interface {
	UpsertService(ctx context.Context, name string, port, pid int) error
	MarkServiceStatus(ctx context.Context, name string, status persistence.ServiceStatus) error
	GetService(ctx context.Context, name string) (*persistence.McpService, error)
	ListServices(ctx context.Context) ([]persistence.McpService, error)
	DeleteServicesNotIn(ctx context.Context, keep []string) ([]string, error)
	DedupeServices(ctx context.Context) (int64, error)
}

// serverProcess is what the supervisor needs from a spawned process. The
// only production implementation is *Process.
type serverProcess interface {
	PID() int
	Alive() bool
	Stop(grace time.Duration)
}

// Supervisor owns the lifecycle of all configured tool servers.
type Supervisor struct {
	store  ServiceStore
	bus    *bus.Bus
	prober Prober
	logger *slog.Logger

	mu      sync.Mutex
	servers []config.McpServerConfig
	procs   map[string]serverProcess

	cron *cron.Cron

	// spawn and delay are swapped in tests to avoid real subprocesses and
	// real waits.
	spawn func(cfg config.McpServerConfig) (serverProcess, error)
	delay func(attempt int) time.Duration
}

func NewSupervisor(store ServiceStore, eventBus *bus.Bus, servers []config.McpServerConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		store:   store,
		bus:     eventBus,
		prober:  NewRPCProber(),
		logger:  logger,
		servers: servers,
		procs:   make(map[string]serverProcess),
	}
	s.spawn = func(cfg config.McpServerConfig) (serverProcess, error) {
		return SpawnProcess(cfg.Name, cfg.Command, cfg.Args, cfg.Env, cfg.Port, logger)
	}
	s.delay = probeDelay
	return s
}

// StartAll brings up every enabled server, collects rows for servers that
// were disabled or removed, and dedupes leftovers. Individual server
// failures are logged and recorded, not fatal.
func (s *Supervisor) StartAll(ctx context.Context) error {
	if _, err := s.store.DedupeServices(ctx); err != nil {
		s.logger.Warn("dedupe services", "error", err)
	}
	if err := s.CollectDisabled(ctx); err != nil {
		s.logger.Warn("collect disabled services", "error", err)
	}
	for _, cfg := range s.enabledServers() {
		if err := s.startServer(ctx, cfg); err != nil {
			s.logger.Error("start mcp server", "server", cfg.Name, "error", err)
			if merr := s.store.MarkServiceStatus(ctx, cfg.Name, persistence.ServiceError); merr != nil {
				s.logger.Warn("mark service error", "server", cfg.Name, "error", merr)
			}
		}
	}
	return nil
}

// ScheduleReconcile runs Reconcile on the given cron spec until ctx ends.
func (s *Supervisor) ScheduleReconcile(ctx context.Context, spec string) error {
	if spec == "" {
		spec = "@every 30s"
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := s.Reconcile(ctx); err != nil {
			s.logger.Error("mcp reconcile", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconcile %q: %w", spec, err)
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// UpdateServers swaps the configured server list, used on config reload.
// The next reconcile pass applies the difference.
func (s *Supervisor) UpdateServers(servers []config.McpServerConfig) {
	s.mu.Lock()
	s.servers = servers
	s.mu.Unlock()
}

// startServer prepares the port, spawns the process, and runs the staged
// health check. The service row and mcp.ready event fire only on success.
func (s *Supervisor) startServer(ctx context.Context, cfg config.McpServerConfig) error {
	s.preparePort(ctx, cfg)

	proc, err := s.spawn(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.procs[cfg.Name] = proc
	s.mu.Unlock()

	if err := s.awaitHealthy(ctx, cfg.Name, cfg.Port, proc); err != nil {
		proc.Stop(stopGrace)
		return err
	}

	if err := s.store.UpsertService(ctx, cfg.Name, cfg.Port, proc.PID()); err != nil {
		return fmt.Errorf("record service %s: %w", cfg.Name, err)
	}
	s.logger.Info("mcp server ready", "server", cfg.Name, "port", cfg.Port, "pid", proc.PID())
	if s.bus != nil {
		s.bus.Publish(bus.TopicMcpReady, bus.McpReadyEvent{Name: cfg.Name, Port: cfg.Port, PID: proc.PID()})
	}
	return nil
}

// preparePort clears the configured port: a previous instance recorded in
// the database is terminated gracefully, then the port is verified free.
func (s *Supervisor) preparePort(ctx context.Context, cfg config.McpServerConfig) {
	if portFree(cfg.Port) {
		return
	}
	if row, err := s.store.GetService(ctx, cfg.Name); err == nil && row.PID > 0 && pidAlive(row.PID) {
		s.logger.Info("terminating stale mcp server", "server", cfg.Name, "pid", row.PID, "port", cfg.Port)
		terminatePid(row.PID, stopGrace)
	}
	// Give the kernel a moment to release the socket.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !portFree(cfg.Port) {
		time.Sleep(100 * time.Millisecond)
	}
	if !portFree(cfg.Port) {
		s.logger.Warn("port still occupied", "server", cfg.Name, "port", cfg.Port)
	}
}

// awaitHealthy runs the staged probe loop. A dead process fails fast; a
// degraded result is accepted only on the final attempts.
func (s *Supervisor) awaitHealthy(ctx context.Context, name string, port int, proc serverProcess) error {
	for attempt := 1; attempt <= healthAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay(attempt)):
		}
		if !proc.Alive() {
			return fmt.Errorf("server %s: process died during startup", name)
		}
		switch s.prober.Probe(ctx, port) {
		case Healthy:
			return nil
		case Degraded:
			if degradedAccepted(attempt) {
				s.logger.Warn("mcp server degraded but accepted", "server", name, "attempt", attempt)
				return nil
			}
		case Unhealthy:
		}
	}
	return fmt.Errorf("server %s on port %d: not healthy after %d attempts", name, port, healthAttempts)
}

// Reconcile compares desired state (config), recorded state (database), and
// actual state (pids and ports), restarting crashed servers and removing
// rows for servers no longer configured.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	if _, err := s.store.DedupeServices(ctx); err != nil {
		return fmt.Errorf("dedupe: %w", err)
	}
	if err := s.CollectDisabled(ctx); err != nil {
		return err
	}

	for _, cfg := range s.enabledServers() {
		row, err := s.store.GetService(ctx, cfg.Name)
		switch {
		case err != nil:
			// Never started, or the row was collected. Start fresh.
			s.logger.Info("reconcile: starting missing server", "server", cfg.Name)
		case pidAlive(row.PID) && s.prober.Probe(ctx, row.Port) != Unhealthy:
			continue
		case !pidAlive(row.PID):
			// The process is gone, not misbehaving.
			s.logger.Warn("reconcile: server process dead, restarting",
				"server", cfg.Name, "pid", row.PID)
			if merr := s.store.MarkServiceStatus(ctx, cfg.Name, persistence.ServiceStopped); merr != nil {
				s.logger.Warn("mark service stopped", "server", cfg.Name, "error", merr)
			}
		default:
			s.logger.Warn("reconcile: server unhealthy, restarting",
				"server", cfg.Name, "pid", row.PID)
			if merr := s.store.MarkServiceStatus(ctx, cfg.Name, persistence.ServiceError); merr != nil {
				s.logger.Warn("mark service error", "server", cfg.Name, "error", merr)
			}
		}
		if err := s.startServer(ctx, cfg); err != nil {
			s.logger.Error("reconcile: restart failed", "server", cfg.Name, "error", err)
		}
	}
	return nil
}

// CollectDisabled removes database rows and stops processes for servers not
// in the enabled set.
func (s *Supervisor) CollectDisabled(ctx context.Context) error {
	enabled := []string{}
	for _, cfg := range s.enabledServers() {
		enabled = append(enabled, cfg.Name)
	}
	removed, err := s.store.DeleteServicesNotIn(ctx, enabled)
	if err != nil {
		return fmt.Errorf("collect disabled: %w", err)
	}
	for _, name := range removed {
		s.logger.Info("collected disabled mcp server", "server", name)
		s.stopProc(name)
	}
	return nil
}

// StopAll terminates every supervised process and marks rows stopped.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.stopProc(name)
		if err := s.store.MarkServiceStatus(ctx, name, persistence.ServiceStopped); err != nil {
			s.logger.Warn("mark service stopped", "server", name, "error", err)
		}
	}
}

// ServiceEndpoint resolves the base URL for a running tool server.
func (s *Supervisor) ServiceEndpoint(ctx context.Context, name string) (string, error) {
	row, err := s.store.GetService(ctx, name)
	if err != nil {
		return "", err
	}
	if row.Status != persistence.ServiceRunning {
		return "", fmt.Errorf("service %s is %s", name, row.Status)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", row.Port), nil
}

func (s *Supervisor) stopProc(name string) {
	s.mu.Lock()
	proc := s.procs[name]
	delete(s.procs, name)
	s.mu.Unlock()
	if proc != nil {
		proc.Stop(stopGrace)
	}
}

func (s *Supervisor) enabledServers() []config.McpServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []config.McpServerConfig
	for _, cfg := range s.servers {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
