// Package main is the entry point for routad, the process that owns every
// child agent session, the delegation orchestrator, the event bus, and the
// trace recorder for one routa workspace.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/routa-run/routa/internal/config"
	"github.com/routa-run/routa/internal/events"
	"github.com/routa-run/routa/internal/events/natsbus"
	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/manager"
	"github.com/routa-run/routa/internal/orchestrator"
	"github.com/routa-run/routa/internal/store/sqlite"
	"github.com/routa-run/routa/internal/trace"
	"github.com/routa-run/routa/internal/tracing"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("starting routad")

	// 3. Open the reference sqlite Store.
	store, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()
	log.Info("store opened", zap.String("path", cfg.Store.Path))

	// 4. Trace recorder.
	recorder := trace.New(cfg.Trace, log)
	defer recorder.Close()

	// 5. Event bus, with an optional NATS mirror for external observers.
	bus := events.NewBus(4, log)
	defer bus.Close()

	if cfg.NATS.URL != "" {
		mirror, err := natsbus.Connect(cfg.NATS, log)
		if err != nil {
			log.Warn("nats mirror unavailable, continuing without it", zap.Error(err))
		} else {
			mirror.Attach(bus, "nats-mirror")
			log.Info("nats mirror attached", zap.String("url", cfg.NATS.URL))
		}
	}

	// 6. Agent manager: owns every child session's ChildProcess.
	agentManager := manager.New(log, manager.WithTraceRecorder(recorder))

	// 7. Orchestrator: task delegation on top of the manager and store.
	// DelegateTaskWithSpawn/HandleReportSubmitted are called by the CLI
	// front-end this repo only defines the Store interface for; routad
	// itself just keeps the orchestrator alive for that external caller.
	_ = orchestrator.New(log, store, agentManager, bus)

	log.Info("routad ready",
		zap.String("default_provider", cfg.Agent.DefaultProvider),
		zap.String("trace_dir", cfg.Trace.Dir))

	// 8. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down routad")

	// 9. Graceful shutdown: kill every live child session, flush tracing spans.
	agentManager.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownGrace())
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	time.Sleep(50 * time.Millisecond) // let in-flight trace writes land before Close()
	log.Info("routad stopped")
}
