// Command gateway runs the inference gateway: config load, dependency
// wiring, HTTP server with graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/app"
	"github.com/fintalk/inference-gateway/config"
	"github.com/fintalk/inference-gateway/logger"
	"github.com/fintalk/inference-gateway/routes"
)

func main() {
	configPath := flag.String("config", "", "path to gateway.yaml (default: search ./config and .)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.NewDependencies(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to initialize dependencies", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           routes.SetupRoutes(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zlog.Info("gateway listening",
			zap.String("address", cfg.Server.Address),
			zap.String("environment", cfg.Environment),
		)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("server error", zap.Error(err))
		}
	case <-ctx.Done():
		zlog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("http server shutdown failed", zap.Error(err))
	}
	if err := deps.Close(shutdownCtx); err != nil {
		zlog.Error("dependency shutdown failed", zap.Error(err))
	}
	zlog.Info("gateway stopped")
}
