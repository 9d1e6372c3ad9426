package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	lambdaadapter "github.com/kirillkom/image-detection-worker/internal/adapters/lambda"
	"github.com/kirillkom/image-detection-worker/internal/bootstrap"
	"github.com/kirillkom/image-detection-worker/internal/config"
	"github.com/kirillkom/image-detection-worker/internal/observability/logging"
)

const serviceName = "image-detection-lambda"

func main() {
	cfg, err := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	if err != nil {
		logger.Error("config_load_failed", "error", err)
		os.Exit(1)
	}

	// Built once per execution environment and reused across warm invocations.
	app, err := bootstrap.New(context.Background(), cfg, serviceName, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	lambda.Start(lambdaadapter.NewHandler(app.Batch, logger).HandleSQS)
}
