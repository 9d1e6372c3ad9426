package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/image-detection-worker/internal/bootstrap"
	"github.com/kirillkom/image-detection-worker/internal/config"
	"github.com/kirillkom/image-detection-worker/internal/observability/logging"
)

const serviceName = "image-detection-worker"

func main() {
	cfg, err := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	if err != nil {
		logger.Error("config_load_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	queue, err := app.OpenQueue(ctx)
	if err != nil {
		logger.Error("queue_open_failed", "driver", cfg.QueueDriver, "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	logger.Info("worker_consuming", "driver", cfg.QueueDriver, "batch_size", cfg.BatchSize, "concurrency", cfg.BatchConcurrency)
	if err := queue.Consume(ctx, app.Batch); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker_consume_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker_metrics_shutdown_failed", "error", err)
	}
	logger.Info("worker_stopped")
}
