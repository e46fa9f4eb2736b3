// Package main is the entrypoint for the reviewlens API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/reviewlens/internal/ai"
	"github.com/kiranshivaraju/reviewlens/internal/app"
	"github.com/kiranshivaraju/reviewlens/internal/cache"
	"github.com/kiranshivaraju/reviewlens/internal/config"
	"github.com/kiranshivaraju/reviewlens/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	logger.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env,
		"sources", len(cfg.Sources.Endpoints))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	// 5. Create analyzer
	analyzer, err := ai.NewAnalyzer(ctx, cfg.AI, logger)
	if err != nil {
		return fmt.Errorf("create analyzer: %w", err)
	}
	logger.Info("analyzer initialized", "provider", cfg.AI.Provider)

	// 6. Wire the pipeline. Task executions outlive request contexts but end
	// with the process.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	a := app.New(runCtx, cfg, store.NewPostgresStore(pool), redisCache, analyzer, logger, app.Options{})
	if _, err := a.LoadRules(ctx, cfg.Alerts.RulesFile); err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}

	// 7. The first pass resumes tasks orphaned by a previous process.
	go a.Monitor.Run(ctx)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	// in-flight tasks still running at the deadline are left running in the store
	// and requeued by the next process's reconciliation
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("tasks still running at shutdown", "error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// newLogger returns a JSON logger at the named level. Unknown levels mean info.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
