// Command event-bus serves the game telemetry bus: JSON ingress over HTTP,
// publish/subscribe over gRPC, and a websocket bridge for streaming
// subscribers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	"jimbot/services/internal/config"
	"jimbot/services/internal/events"
	httpapi "jimbot/services/internal/http"
	"jimbot/services/internal/journal"
	"jimbot/services/internal/logging"
	"jimbot/services/internal/metrics"
	"jimbot/services/internal/routing"
	"jimbot/services/internal/rpc"
)

const serviceVersion = "1.0.0"

const shutdownGrace = 10 * time.Second

func main() {
	//1.- Optional .env bootstrap before the environment is read.
	_ = godotenv.Load()

	cfg, err := config.LoadBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "event-bus: configuration invalid: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("event-bus", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "event-bus: logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	router := routing.NewRouter(logger)
	converter := events.NewConverter()
	busMetrics := metrics.NewBus(func() float64 { return float64(router.Subscribers()) })

	var recorder *journal.Recorder
	if cfg.JournalDir != "" {
		recorder, err = journal.NewRecorder(journal.Options{
			Dir:          cfg.JournalDir,
			SegmentBytes: int64(cfg.JournalSegmentMB) << 20,
			RetainBytes:  int64(cfg.JournalRetainMB) << 20,
			Logger:       logger,
		})
		if err != nil {
			logger.Fatal("journal setup failed", logging.Error(err))
		}
		logger.Info("event journal enabled", logging.String("dir", cfg.JournalDir))
	}

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:       logger,
		Router:       router,
		Converter:    converter,
		Metrics:      busMetrics,
		Journal:      recorder,
		Version:      serviceVersion,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	grpcServer := grpc.NewServer()
	rpc.Register(grpcServer, rpc.NewService(rpc.Options{
		Logger:    logger,
		Router:    router,
		Converter: converter,
		Metrics:   busMetrics,
		Journal:   recorder,
	}))

	errCh := make(chan error, 2)
	go func() {
		logger.Info("rest api listening", logging.String("addr", cfg.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("rest server: %w", err)
		}
	}()
	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			errCh <- fmt.Errorf("grpc listen: %w", err)
			return
		}
		logger.Info("grpc listening", logging.String("addr", cfg.GRPCAddress))
		if err := grpcServer.Serve(listener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
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

	//2.- Drain in-flight requests, stop the stream server, seal the journal.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rest shutdown incomplete", logging.Error(err))
	}
	grpcServer.GracefulStop()
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			logger.Warn("journal close failed", logging.Error(err))
		}
	}
	logger.Info("event bus stopped")
}
