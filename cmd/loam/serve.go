package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loamlabs/loam/internal/config"
	"github.com/loamlabs/loam/internal/orchestrator"
	"github.com/loamlabs/loam/internal/rpc"
	"github.com/loamlabs/loam/internal/storage/factory"
	"github.com/loamlabs/loam/internal/telemetry"

	// Storage backends register themselves on import.
	_ "github.com/loamlabs/loam/internal/storage/memory"
	_ "github.com/loamlabs/loam/internal/storage/postgres"
)

var (
	serveLogJSON  bool
	serveLogLevel string
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "daemon",
	Short:   "Run the pipeline daemon in the foreground",
	Long: `Run the loam daemon: open the store, start the pipeline loops
(dispatcher, event bus, lease reaper, cascade scan), and serve RPC on
the unix socket. Runs until SIGINT/SIGTERM or a shutdown request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveLogJSON, "log-json", false, "write logs as JSON")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	log := newLogger()
	slog.SetDefault(log)

	cfg, err := config.LoadPipeline()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if telemetry.Enabled() {
		if err := telemetry.Init(ctx, "loam", Version); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutdownCtx)
		}()
	}

	store, err := factory.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	orch, err := orchestrator.New(cfg, orchestrator.Options{Store: store, Log: log})
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	srv := rpc.NewServer(orch, socketPath, Version, log)
	srv.OnShutdown = stop
	if err := srv.Start(); err != nil {
		orch.Stop()
		return err
	}
	log.Info("daemon ready", "socket", socketPath, "backend", cfg.Store.Backend, "version", Version)

	<-ctx.Done()
	log.Info("shutting down")

	if err := srv.Stop(); err != nil {
		log.Warn("rpc server stop", "error", err)
	}
	if err := orch.Stop(); err != nil {
		log.Warn("pipeline stop", "error", err)
	}
	return nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch serveLogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if serveLogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
