package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	natsgo "github.com/nats-io/nats.go"

	"github.com/kirillkom/image-detection-worker/internal/config"
	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/core/ports"
	"github.com/kirillkom/image-detection-worker/internal/core/usecase"
	rediscache "github.com/kirillkom/image-detection-worker/internal/infrastructure/cache/redis"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/notify/natsalert"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/notify/snsalert"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/notify/webhook"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/queue/kafka"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/queue/nats"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/repository/memory"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/resilience"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/vision/httpvision"
	rekognitionvision "github.com/kirillkom/image-detection-worker/internal/infrastructure/vision/rekognition"
	"github.com/kirillkom/image-detection-worker/internal/observability/metrics"
)

// Enqueuer accepts new notifications. The caller closes it when done.
type Enqueuer interface {
	ports.NotificationEnqueuer
	Close()
}

type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.DetectionMetrics

	Batch      ports.BatchProcessor
	Detections ports.DetectionReader

	closers []func()
}

// New wires the detection pipeline. Message sources are opened separately with OpenQueue
// because only the worker consumes them.
func New(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewDetectionMetrics(service),
	}

	store, reader, err := app.openStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	classifier, err := app.openClassifier(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	cache, err := app.openCache(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	alerts, err := app.openAlerts(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	objects := usecase.NewObjectProcessor(classifier, store, alerts, cache, usecase.DetectionPolicy{
		Mode:          cfg.DetectionMode,
		Targets:       usecase.NewTargetSet(cfg.TargetLabels),
		MinConfidence: cfg.MinConfidence,
		KeyMode:       cfg.ResultKeyMode,
		SourceBucket:  cfg.SourceBucket,
		AlertOn:       usecase.AlertPolicy(cfg.NotifyOn),
		CallTimeout:   cfg.CallTimeout,
	}, app.Metrics, logger)

	app.Batch = usecase.NewBatchCoordinator(objects, cfg.BatchConcurrency, app.Metrics, logger)
	app.Detections = reader

	logger.Info("detection_pipeline_ready",
		"mode", cfg.DetectionMode,
		"targets", cfg.TargetLabels,
		"min_confidence", cfg.MinConfidence,
		"result_store", cfg.ResultStore,
		"store_driver", cfg.ResultStoreDriver,
		"vision_driver", cfg.VisionDriver,
		"alerts_enabled", alerts != nil,
		"cache_enabled", cache != nil,
	)
	return app, nil
}

// OpenQueue connects the configured notification source. The caller owns the returned queue.
func (a *App) OpenQueue(ctx context.Context) (ports.MessageSource, error) {
	cfg := a.Config
	switch cfg.QueueDriver {
	case "nats":
		queue, err := nats.New(ctx, cfg.NATSURL, nats.Options{
			Stream:      cfg.NATSStream,
			Subject:     cfg.NATSSubject,
			Consumer:    cfg.NATSConsumer,
			BatchSize:   cfg.BatchSize,
			MaxDeliver:  cfg.NATSMaxDeliver,
			LagObserver: a.Metrics.ObserveQueueLag,
			Logger:      a.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init nats queue: %w", err)
		}
		return queue, nil
	case "kafka":
		consumer, err := kafka.New(kafka.Options{
			Brokers:         cfg.KafkaBrokers,
			Topic:           cfg.KafkaTopic,
			Group:           cfg.KafkaGroup,
			RetryTopic:      cfg.KafkaRetryTopic,
			DeadLetterTopic: cfg.KafkaDLQTopic,
			MaxRetries:      cfg.KafkaMaxRetries,
			BatchSize:       cfg.BatchSize,
			LagObserver:     a.Metrics.ObserveQueueLag,
			Logger:          a.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init kafka consumer: %w", err)
		}
		return consumer, nil
	default:
		return nil, fmt.Errorf("%w: unknown queue driver %q", domain.ErrInvalidInput, cfg.QueueDriver)
	}
}

// OpenEnqueuer connects a producer for the configured queue. For Kafka it is a plain producer
// that never joins the worker's consumer group.
func (a *App) OpenEnqueuer(ctx context.Context) (Enqueuer, error) {
	cfg := a.Config
	switch cfg.QueueDriver {
	case "nats":
		queue, err := nats.New(ctx, cfg.NATSURL, nats.Options{
			Stream:     cfg.NATSStream,
			Subject:    cfg.NATSSubject,
			Consumer:   cfg.NATSConsumer,
			BatchSize:  cfg.BatchSize,
			MaxDeliver: cfg.NATSMaxDeliver,
			Logger:     a.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init nats queue: %w", err)
		}
		return queue, nil
	case "kafka":
		producer, err := kafka.NewProducer(kafka.Options{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return nil, fmt.Errorf("init kafka producer: %w", err)
		}
		return producer, nil
	default:
		return nil, fmt.Errorf("%w: unknown queue driver %q", domain.ErrInvalidInput, cfg.QueueDriver)
	}
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

type detectionStore interface {
	ports.ResultStore
	ports.DetectionReader
}

func (a *App) openStore(ctx context.Context) (ports.ResultStore, ports.DetectionReader, error) {
	var store detectionStore
	switch a.Config.ResultStoreDriver {
	case "memory":
		store = memory.NewDetectionStore()
	case "postgres":
		db, err := postgres.OpenDB(a.Config.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		a.onClose(func() { _ = db.Close() })

		repo, err := postgres.NewDetectionRepository(db, a.Config.ResultStore)
		if err != nil {
			return nil, nil, fmt.Errorf("init result store: %w", err)
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		store = repo.WithExecutor(a.executor("result_store"))
	default:
		return nil, nil, fmt.Errorf("%w: unknown result store driver %q", domain.ErrInvalidInput, a.Config.ResultStoreDriver)
	}
	return store, store, nil
}

func (a *App) openClassifier(ctx context.Context) (ports.Classifier, error) {
	executor := a.executor("vision")
	switch a.Config.VisionDriver {
	case "http":
		return httpvision.NewWithOptions(a.Config.VisionURL, httpvision.Options{
			Timeout:            a.Config.CallTimeout,
			RateLimitPerSecond: a.Config.VisionRateLimitRPS,
			ResilienceExecutor: executor,
		}), nil
	case "rekognition":
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return rekognitionvision.New(awsCfg, executor), nil
	default:
		return nil, fmt.Errorf("%w: unknown vision driver %q", domain.ErrInvalidInput, a.Config.VisionDriver)
	}
}

func (a *App) openCache(ctx context.Context) (ports.PredictionCache, error) {
	if a.Config.PredictionCacheURL == "" {
		return nil, nil
	}
	client, err := rediscache.Open(ctx, a.Config.PredictionCacheURL)
	if err != nil {
		return nil, fmt.Errorf("open prediction cache: %w", err)
	}
	a.onClose(func() { _ = client.Close() })
	return rediscache.NewPredictionCache(client, a.Config.PredictionCacheTTL), nil
}

// openAlerts returns a nil publisher when NOTIFY_TOPIC is empty, which disables alerting.
func (a *App) openAlerts(ctx context.Context) (ports.AlertPublisher, error) {
	topic := a.Config.NotifyTopic
	if topic == "" {
		return nil, nil
	}
	switch a.Config.NotifyDriver {
	case "nats":
		conn, err := natsgo.Connect(a.Config.NATSURL,
			natsgo.Name("image-detection-alerts"),
			natsgo.Timeout(5*time.Second),
			natsgo.RetryOnFailedConnect(true),
		)
		if err != nil {
			return nil, fmt.Errorf("connect alert nats: %w", err)
		}
		a.onClose(conn.Close)
		return natsalert.New(conn, topic, a.executor("alerts")), nil
	case "webhook":
		publisher, err := webhook.New(topic, nil, a.Config.CallTimeout, a.executor("alerts"))
		if err != nil {
			return nil, fmt.Errorf("init webhook alerts: %w", err)
		}
		return publisher, nil
	case "sns":
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return snsalert.New(awsCfg, topic), nil
	default:
		return nil, fmt.Errorf("%w: unknown notify driver %q", domain.ErrInvalidInput, a.Config.NotifyDriver)
	}
}

// executor builds the retry and breaker policy for one remote dependency.
func (a *App) executor(dependency string) *resilience.Executor {
	return resilience.NewExecutor(resilience.ForDependency(dependency, a.Config.CallTimeout),
		resilience.WithDependency(dependency),
		resilience.WithLogger(a.Logger),
		resilience.WithObserver(a.Metrics),
	)
}

func (a *App) awsConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Config.AWSRegion))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}
