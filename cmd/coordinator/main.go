// Command coordinator serves the resource coordinator: lease admission over
// HTTP with multi-tier request limiting and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"jimbot/services/internal/config"
	"jimbot/services/internal/coordapi"
	"jimbot/services/internal/logging"
	"jimbot/services/internal/metrics"
	"jimbot/services/internal/quota"
	"jimbot/services/internal/resources"
)

const serviceVersion = "1.0.0"

const shutdownGrace = 10 * time.Second

func main() {
	//1.- Optional .env bootstrap before the environment is read.
	_ = godotenv.Load()

	cfg, err := config.LoadCoordinator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: configuration invalid: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("resource-coordinator", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	broker := resources.NewBroker(resources.Options{
		CPUCores:           cfg.CPUCores,
		MemoryBytes:        cfg.MemoryMB << 20,
		GPUs:               cfg.GPUCount,
		APIBucketCapacity:  uint32(cfg.ClaudeHourlyLimit),
		APIRefillPerSecond: float64(cfg.ClaudeHourlyLimit) / 3600.0,
		Logger:             logger,
	})

	tiers, err := quota.NewRegistryBuilder("basic").
		WithBasicTier(100).
		WithPremiumTier(1000).
		WithTier("unlimited", 100000, 100.0).
		Build()
	if err != nil {
		logger.Fatal("tier registry setup failed", logging.Error(err))
	}

	handlers := coordapi.NewHandlerSet(coordapi.Options{
		Logger:               logger,
		Broker:               broker,
		Tiers:                tiers,
		Metrics:              metrics.NewCoordinator(),
		Version:              serviceVersion,
		DefaultLeaseDuration: cfg.LeaseDuration,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      logging.HTTPTraceMiddleware(logger)(mux),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	logger.Info("resource coordinator starting",
		logging.String("addr", cfg.Addr()),
		logging.Int("cpu_cores", cfg.CPUCores),
		logging.Int64("memory_mb", cfg.MemoryMB),
		logging.Int("gpus", cfg.GPUCount))

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", logging.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", logging.Error(err))
	}
	logger.Info("resource coordinator stopped")
}
