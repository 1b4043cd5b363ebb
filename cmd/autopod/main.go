package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ajay73588/autopod/internal/app/migrate"
	"github.com/Ajay73588/autopod/internal/config"
	"github.com/Ajay73588/autopod/internal/gitclone"
	httpx "github.com/Ajay73588/autopod/internal/http"
	"github.com/Ajay73588/autopod/internal/logger"
	"github.com/Ajay73588/autopod/internal/repository/postgres"
	"github.com/Ajay73588/autopod/internal/runtime"
	"github.com/Ajay73588/autopod/internal/service/action"
	"github.com/Ajay73588/autopod/internal/service/deploy"
	"github.com/Ajay73588/autopod/internal/service/registry"
	syncsvc "github.com/Ajay73588/autopod/internal/service/sync"
	"github.com/Ajay73588/autopod/internal/workspace"
)

func main() {
	cfg := config.Load()
	log := logger.New("autopod", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	rt, err := runtime.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable at startup", "error", err)
	}

	ws, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	syncSvc := syncsvc.New(rt, repo, log.With("component", "sync"), cfg.SyncInterval, cfg.SyncMissThreshold)
	go syncSvc.Run(ctx)

	actionSvc := action.New(rt, repo, log.With("component", "action"), cfg.ActionTimeout, cfg.ActionLeaseTTL)
	deploySvc := deploy.New(rt, gitclone.New(), ws, repo, log.With("component", "deploy"), cfg.GitTimeout, cfg.BuildTimeout)
	registrySvc := registry.New(rt, log.With("component", "registry"), cfg.DefaultRegistry)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, repo, syncSvc, actionSvc, deploySvc, registrySvc, rt, limiter, cfg.WebhookSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
