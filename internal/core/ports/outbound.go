package ports

import (
	"context"
	"time"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

// Classifier runs remote vision detection against an object reference.
type Classifier interface {
	Classify(ctx context.Context, ref domain.ObjectRef, mode domain.DetectionMode, minConfidence float64) ([]domain.Prediction, error)
}

// ResultStore persists one detection record per processed object as a single upsert.
type ResultStore interface {
	Upsert(ctx context.Context, record domain.DetectionRecord) error
}

// AlertPublisher delivers a human-readable alert. Implementations are best-effort.
type AlertPublisher interface {
	Publish(ctx context.Context, subject, message string) error
}

// PredictionCache memoizes classifier output across redeliveries.
type PredictionCache interface {
	Get(ctx context.Context, key string) ([]domain.Prediction, bool, error)
	Set(ctx context.Context, key string, predictions []domain.Prediction) error
}

// DetectionMetrics receives pipeline observations. A nil recorder is replaced by a no-op.
type DetectionMetrics interface {
	StartMessage()
	FinishMessage(duration time.Duration, err error)
	ObserveObject(outcome string)
	ObserveAlertFailure()
}

// MessageSource delivers storage notification batches to a processor until ctx ends.
type MessageSource interface {
	Consume(ctx context.Context, processor BatchProcessor) error
	Close()
}

// NotificationEnqueuer publishes a raw storage notification onto the source queue.
type NotificationEnqueuer interface {
	Enqueue(ctx context.Context, body []byte) error
}
