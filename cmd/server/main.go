// CloudCode workspace server
//
// Features:
// - Workspace provisioning from language templates in an object store
// - Websocket channels for file browsing, editing and terminals
// - Prometheus metrics & structured logging (zap)
// - Optional PostgreSQL workspace records, JWT verification and rate limiting
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cloudcode/cloudcode/internal/api"
	"github.com/cloudcode/cloudcode/internal/auth"
	"github.com/cloudcode/cloudcode/internal/channel"
	"github.com/cloudcode/cloudcode/internal/config"
	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/metrics"
	"github.com/cloudcode/cloudcode/internal/provision"
	"github.com/cloudcode/cloudcode/internal/quota"
	"github.com/cloudcode/cloudcode/internal/retry"
	"github.com/cloudcode/cloudcode/internal/session"
	"github.com/cloudcode/cloudcode/internal/storage/factory"
	"github.com/cloudcode/cloudcode/internal/workspace"
	"github.com/cloudcode/cloudcode/internal/workspace/postgres"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("CloudCode server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize object store
	store, err := factory.New(ctx, cfg)
	if err != nil {
		logging.Fatal("object store init failed", zap.Error(err))
	}
	defer store.Close()

	// Initialize workspace records
	var records workspace.Store
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()

		if dir := findMigrationsDir(); dir != "" {
			logging.Info("running migrations...", zap.String("dir", dir))
			if err := pg.Migrate(dir); err != nil {
				logging.Fatal("migration failed", zap.Error(err))
			}
		}
		records = pg
	} else {
		logging.Warn("DATABASE_URL not set, workspace records are kept in memory")
		records = workspace.NewMemoryStore()
	}

	// Provisioning
	provisioner := provision.New(store, provision.Config{
		PageSize:    cfg.ListPageSize,
		Concurrency: cfg.CopyConcurrency,
		Retry:       retry.DefaultPolicy(),
	})
	workspaces := workspace.NewService(records, provisioner, workspace.Config{
		TemplatePrefix:  cfg.TemplatePrefix,
		WorkspacePrefix: cfg.WorkspacePrefix,
		Languages:       cfg.Languages,
	})

	// Sessions and channels
	registry := session.NewRegistry(session.Config{
		WorkspaceRoot:   cfg.WorkspaceRoot,
		WorkspacePrefix: cfg.WorkspacePrefix,
		MaxContentSize:  cfg.MaxContentSize,
		Store:           store,
		Retry:           retry.DefaultPolicy(),
	})
	channels := channel.NewHandler(registry, channel.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		TerminalShell:  cfg.TerminalShell,
		MaxContentSize: cfg.MaxContentSize,
	})

	// Optional auth and rate limiting
	var authHandler *auth.Auth
	if cfg.JWTSecret != "" {
		authHandler = auth.New(cfg.JWTSecret)
		logging.Info("token verification enabled")
	}
	var rateLimiter *quota.RateLimiter
	if cfg.CreateRequestsPerMin > 0 {
		rateLimiter = quota.NewRateLimiter(cfg.CreateRequestsPerMin)
		logging.Info("workspace creation rate limit enabled",
			zap.Int("per_minute", cfg.CreateRequestsPerMin))
	}

	srv := api.NewServer(workspaces, channels, authHandler, rateLimiter)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		channels.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown incomplete", zap.Error(err))
		}
		metricsServer.Close()
	}()

	// Start periodic cleanup of rate limiter buckets
	if rateLimiter != nil {
		go func() {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					rateLimiter.Cleanup(24 * time.Hour)
				}
			}
		}()
	}

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	<-stopped

	if err := registry.Close(); err != nil {
		logging.Warn("session teardown incomplete", zap.Error(err))
	}
	logging.Info("waiting for provisioning jobs...")
	workspaces.Wait()
	logging.Info("server stopped")
}

func findMigrationsDir() string {
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		return dir
	}
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
