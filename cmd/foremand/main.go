// Command foremand is the foreman supervisor daemon. It hosts the task
// coordinator, the project memory adapter, the event bus and the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgecrew/foreman/agent"
	"github.com/forgecrew/foreman/atom"
	"github.com/forgecrew/foreman/bus"
	"github.com/forgecrew/foreman/config"
	"github.com/forgecrew/foreman/coordinator"
	"github.com/forgecrew/foreman/internal/version"
	"github.com/forgecrew/foreman/memory"
	"github.com/forgecrew/foreman/server"
	"github.com/forgecrew/foreman/task"
)

var configPath = flag.String("config", "", "path to config file (defaults apply when empty)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	logger.Info("starting foremand",
		"version", version.Version,
		"commit", version.Commit,
		"project", cfg.Project,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}

	var store task.Store
	if cfg.PersistHistory {
		sqlStore, err := task.NewSQLiteStore(cfg.HistoryPath)
		if err != nil {
			log.Fatalf("Failed to open task store: %v", err)
		}
		defer sqlStore.Close() //nolint:errcheck
		store = sqlStore
	} else {
		store = task.NewMemoryStore()
	}

	mem := memory.NewAdapter(memory.Config{
		Project:    cfg.Project,
		GraphPath:  cfg.Memory.GraphPath,
		VectorPath: cfg.Memory.VectorPath,
	}, memory.WithLogger(logger))
	defer mem.Close() //nolint:errcheck

	eventBus := bus.New(logger)

	registry := agent.NewRegistry()
	if err := registry.Register(agent.Registration{
		Type:        "echo",
		Description: "returns its params; useful for smoke tests",
		Agent:       &agent.Mock{},
	}); err != nil {
		log.Fatalf("Failed to register echo agent: %v", err)
	}

	coord := coordinator.New(coordinator.Config{
		Workers:          cfg.Coordinator.Workers,
		ExecTimeout:      cfg.Coordinator.ExecTimeout.Std(),
		CancelGrace:      cfg.Coordinator.CancelGrace.Std(),
		HeartbeatTimeout: cfg.Coordinator.HeartbeatTimeout.Std(),
		SweepInterval:    cfg.Coordinator.SweepInterval.Std(),
		ContextAtoms:     cfg.Coordinator.ContextAtoms,
		ContextMemories:  cfg.Coordinator.ContextMemories,
	}, store, registry, mem, atom.New(mem, logger), eventBus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := coord.Start(ctx); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}

	srv := server.New(cfg, coord, mem, eventBus, version.Version, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Printf("foreman supervisor running on http://%s\n", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	fmt.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Error("coordinator stop error", "error", err)
	}
	fmt.Println("Shutdown complete")
}
