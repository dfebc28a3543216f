package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"mermaid2img/internal/app"
	"mermaid2img/internal/renderer"
	u "mermaid2img/internal/utils"
)

func main() {
	cfg := u.LoadConfig()
	u.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)
	u.SetLogLevel(cfg.Logger.Level)

	r, err := renderer.New(cfg.Renderer, cfg.Limits.MaxSourceBytes)
	if err != nil {
		u.Error("Failed to create renderer", "error", err)
		os.Exit(1)
	}
	if err := r.Available(); err != nil {
		// Keep serving; /readyz and the render routes report the outage.
		u.Warn("Renderer not available at startup", "backend", r.Name(), "error", err)
	}

	var rdb *redis.Client
	if cfg.Cache.RedisHost != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisHost,
			DB:   cfg.Cache.RenderCacheDB,
		})
		defer rdb.Close()
	}

	idleConnsClosed := make(chan struct{})

	var tokens *u.TokenStore
	if cfg.Auth.Enabled {
		tokens = u.NewTokenStore()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := tokens.LoadFromPostgres(ctx, cfg.Auth.Postgres); err != nil {
			u.Error("Failed to load API tokens", "error", err)
		}
		cancel()
		go tokens.RefreshPeriodically(cfg.Auth.Postgres, cfg.Auth.ReloadInterval, idleConnsClosed)
		defer tokens.Close()
	}

	a := app.SetupApp(app.Deps{
		Config:   cfg,
		Redis:    rdb,
		Tokens:   tokens,
		Renderer: r,
	})

	u.Info("Starting server", "addr", cfg.Server.Host+cfg.Server.Port, "backend", r.Name())
	startServer(a, cfg, idleConnsClosed)
	<-idleConnsClosed
}

// startServer starts the Fiber app and listens for shutdown signals
func startServer(app *fiber.App, cfg u.Config, idleConnsClosed chan struct{}) {
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			u.Error("Server error", "error", err)
		}
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigint)
	<-sigint

	u.Warn("Shutdown signal received, closing server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		u.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	u.Info("Server stopped cleanly")
}
