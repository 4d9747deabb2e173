package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dbsync/coordinator/internal/config"
	"github.com/dbsync/coordinator/internal/coordinator"
	"github.com/dbsync/coordinator/internal/logging"
	"github.com/dbsync/coordinator/internal/metrics"
	"github.com/dbsync/coordinator/internal/server"
)

const defaultGracefulTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file (TOML)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("reading config flag: %w", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)})
	logBroadcaster := logging.NewBroadcaster(slog.New(base))
	logger := slog.New(logging.NewTeeHandler(base, logBroadcaster, "coordinatord"))
	slog.SetDefault(logger)

	logger.Info("starting cross-tab sync coordinator",
		"server_port", cfg.Server.Port,
		"ws_path", cfg.Server.WSPath,
		"remote_url", cfg.Server.RemoteURL)

	co := coordinator.New(coordinator.Config{
		RunnerConfig: cfg.RunnerSettings(),
		RemoteURL:    cfg.Server.RemoteURL,
		LocalDB:      cfg.LocalDBSettings(),
	}, logBroadcaster, recorder, logger)

	httpServer := server.New(server.Config{
		Address: cfg.Server.Address,
		Port:    cfg.Server.Port,
		WSPath:  cfg.Server.WSPath,
	}, co, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serverErrCh:
		if err != nil {
			logger.Error("http server stopped unexpectedly", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("error during http server shutdown", "error", err)
	}
	if err := co.Shutdown(ctx); err != nil {
		logger.Warn("error during coordinator shutdown", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
