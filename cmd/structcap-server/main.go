// Package main provides the HTTP control server for structcap.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/raphaelgruber/structcap/internal/config"
	"github.com/raphaelgruber/structcap/internal/db"
	"github.com/raphaelgruber/structcap/internal/jobs"
	"github.com/raphaelgruber/structcap/internal/metrics"
	"github.com/raphaelgruber/structcap/internal/render"
	"github.com/raphaelgruber/structcap/internal/server"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "YAML config file (default $STRUCTCAP_CONFIG)")
	wipeDB := flag.Bool("wipe", false, "wipe run history on startup (testing only)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = cleanup() }()
	slog.SetDefault(logger)

	logger.Info("starting structcap-server",
		"version", version,
		"port", cfg.ServerPort,
		"job_mode", cfg.JobMode,
		"provider", cfg.Provider,
		"parent_dir", cfg.ParentDir,
	)

	collector := metrics.NewCollector()
	supervisorOpts := []jobs.Option{jobs.WithMetrics(collector)}
	serverOpts := []server.Option{server.WithMetrics(collector)}

	// Run history is optional; without SurrealDB the server keeps only the current job.
	if cfg.SurrealDBURL != "" {
		dbClient, err := connectHistory(cfg, logger, collector, *wipeDB || os.Getenv("STRUCTCAP_WIPE_DB") == "true")
		if err != nil {
			logger.Error("failed to set up run history", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(context.Background()); err != nil {
				logger.Warn("failed to close database", "error", err)
			}
		}()
		supervisorOpts = append(supervisorOpts, jobs.WithStore(dbClient))
		serverOpts = append(serverOpts, server.WithRunHistory(dbClient))
	}

	if cfg.RenderCommand != "" {
		serverOpts = append(serverOpts, server.WithRenderer(render.New(cfg.RenderCommand, cfg.RenderArgs, cfg.StopGrace)))
	}
	if cfg.JobMode == config.JobModeProcess {
		bin, err := captionBinary(cfg)
		if err != nil {
			logger.Error("structcap binary not found for process mode", "error", err)
			os.Exit(1)
		}
		logger.Info("captioning jobs run as subprocess", "binary", bin)
		serverOpts = append(serverOpts, server.WithExecutable(bin))
	}

	supervisor := jobs.NewSupervisor(supervisorOpts...)
	srv := server.New(cfg, supervisor, logger, serverOpts...)
	httpServer := srv.HTTPServer(fmt.Sprintf(":%d", cfg.ServerPort))

	go func() {
		logger.Info("API available", "url", fmt.Sprintf("http://localhost:%d/api/status", cfg.ServerPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down server...", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+10*time.Second)
	defer cancel()

	// A running job is stopped first so its final state reaches subscribers and history.
	if err := supervisor.Stop(ctx); err != nil && !errors.Is(err, jobs.ErrNoRunningJob) {
		logger.Warn("failed to stop running job", "error", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// connectHistory connects to SurrealDB and prepares the run table.
func connectHistory(cfg config.Config, logger *slog.Logger, collector *metrics.Collector, wipe bool) (*db.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	dbClient.SetMetrics(collector)

	if err := dbClient.InitSchema(ctx); err != nil {
		_ = dbClient.Close(ctx)
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if wipe {
		if err := dbClient.WipeData(ctx); err != nil {
			_ = dbClient.Close(ctx)
			return nil, fmt.Errorf("wipe: %w", err)
		}
	}

	// Runs left open by a crashed server can never finish.
	n, err := dbClient.FailStaleRuns(ctx)
	if err != nil {
		logger.Warn("failed to close stale runs", "error", err)
	} else if n > 0 {
		logger.Info("marked stale runs as failed", "count", n)
	}
	return dbClient, nil
}

// captionBinary locates the structcap CLI that process-mode jobs run. The
// configured path wins, then a binary next to this executable, then $PATH.
func captionBinary(cfg config.Config) (string, error) {
	if cfg.CaptionBinary != "" {
		return cfg.CaptionBinary, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "structcap")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return exec.LookPath("structcap")
}
