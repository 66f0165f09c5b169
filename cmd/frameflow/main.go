// Command frameflow is the conversational file-processing orchestrator's
// composition root: it loads configuration, wires every core component in
// dependency order, and serves the REST + WebSocket surface described in
// the project's design documents until it receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/frameflow/frameflow/pkg/api"
	"github.com/frameflow/frameflow/pkg/bridge"
	"github.com/frameflow/frameflow/pkg/chat"
	"github.com/frameflow/frameflow/pkg/config"
	"github.com/frameflow/frameflow/pkg/executor"
	"github.com/frameflow/frameflow/pkg/handlers"
	"github.com/frameflow/frameflow/pkg/hub"
	"github.com/frameflow/frameflow/pkg/intent"
	"github.com/frameflow/frameflow/pkg/jobs"
	"github.com/frameflow/frameflow/pkg/operations"
	"github.com/frameflow/frameflow/pkg/persistence"
	"github.com/frameflow/frameflow/pkg/repository"
	"github.com/frameflow/frameflow/pkg/state"
	"github.com/frameflow/frameflow/pkg/storage"
	"github.com/frameflow/frameflow/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("FRAMEFLOW_CONFIG", "./deploy/config/frameflow.yaml"),
		"Path to the frameflow.yaml configuration file")
	flag.Parse()

	slog.Info("starting frameflow", "version", version.Full())

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fileStore, err := storage.New(cfg.StorageBaseDir)
	if err != nil {
		slog.Error("failed to initialize storage layer", "error", err)
		os.Exit(1)
	}

	store, err := persistence.Open(ctx, persistence.Config{
		DSN:             cfg.DSN(),
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		slog.Error("failed to connect to persistence store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("error closing persistence store", "error", err)
		}
	}()
	slog.Info("connected to persistence store and applied migrations")

	repo := repository.New(store, fileStore, cfg.PartitionTimeFormat)

	registry := operations.New()
	slog.Info("operation registry populated", "operations", len(registry.All()))

	classifier := intent.New()
	chain := handlers.NewChain(classifier)
	states := state.New(cfg.ContextIdleTTL)
	orphanThreshold := cfg.ExecutionStepTimeout*2 + 30*time.Second
	jobManager := jobs.New(cfg.JobsMaxWorkers, time.Duration(cfg.JobsMaxAgeSeconds)*time.Second, orphanThreshold)
	jobManager.Start(ctx)
	defer jobManager.Stop()

	exec := executor.New(registry, cfg.ExecutionStepTimeout)

	// Retention sweeps: evict terminal jobs past their retention age and
	// conversation contexts idle past their TTL.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := jobManager.CleanupOldJobs(time.Now().UTC()); n > 0 {
					slog.Info("evicted terminal jobs", "count", n)
				}
				if n := states.SweepExpired(time.Now().UTC()); n > 0 {
					slog.Info("evicted idle conversation contexts", "count", n)
				}
			}
		}
	}()

	h := hub.New(cfg.WSMaxConnections, cfg.WSPingInterval, cfg.WSPingTimeout)
	br := bridge.New()
	br.Install(h)
	defer br.Shutdown()

	chatService := chat.New(repo, states, chain, jobManager, exec, br, registry)

	snapshotDir := filepath.Join(fileStore.BaseDir(), "sqlite", "snapshots")
	server := api.NewServer(chatService, repo, h, registry, snapshotDir)
	if err := server.ValidateWiring(); err != nil {
		slog.Error("server wiring incomplete", "error", err)
		os.Exit(1)
	}

	addr := cfg.ServerHost + ":" + strconv.Itoa(cfg.ServerPort)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http + websocket server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("error during graceful shutdown", "error", err)
	}
}
