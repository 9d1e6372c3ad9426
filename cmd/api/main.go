package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/image-detection-worker/internal/adapters/http"
	"github.com/kirillkom/image-detection-worker/internal/bootstrap"
	"github.com/kirillkom/image-detection-worker/internal/config"
	"github.com/kirillkom/image-detection-worker/internal/core/ports"
	"github.com/kirillkom/image-detection-worker/internal/observability/logging"
	"github.com/kirillkom/image-detection-worker/internal/observability/metrics"
)

const serviceName = "image-detection-api"

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

	var enqueuer ports.NotificationEnqueuer
	if queue, err := app.OpenEnqueuer(ctx); err != nil {
		logger.Warn("notification_queue_unavailable", "driver", cfg.QueueDriver, "error", err)
	} else {
		defer queue.Close()
		enqueuer = queue
	}

	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	router := httpadapter.NewRouter(app.Batch, app.Detections, enqueuer, logger).Handler()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(httpMetrics.Registry(), app.Metrics.Registry()))
	mux.Handle("/", httpMetrics.Middleware(serviceName, router))

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_failed", "error", err)
	}
}
