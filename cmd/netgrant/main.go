package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netgrant/internal/app"
	"netgrant/internal/config"
	"netgrant/internal/observability/logging"
	"netgrant/internal/observability/metrics"

	"golang.org/x/sync/errgroup"
)

func main() {
	if err := config.LoadDotenv(os.Getenv("NETGRANT_ENV_FILE")); err != nil {
		slog.Warn("env file not loaded", "error", err)
	}
	cfg := config.Load()
	log := logging.NewLogger(logging.Config{
		ServiceName: "netgrant",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(log)
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a, err := app.Build(startCtx, cfg, log)
	cancel()
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Server().Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("netgrant listening", "addr", cfg.ListenAddr, "binding_key", cfg.BindingKey)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.SchedulerEnabled {
		g.Go(func() error { return a.Scheduler().Run(ctx) })
	} else {
		log.Info("scheduler disabled, sweeps run only on request")
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("netgrant stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("netgrant shutdown complete")
}
