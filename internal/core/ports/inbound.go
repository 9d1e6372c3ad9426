package ports

import (
	"context"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

// BatchProcessor is the inbound contract for queue-driven detection batches.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, correlationID string, messages []domain.QueueMessage) domain.BatchOutcome
}

// DetectionReader is the inbound read model for stored detection records.
type DetectionReader interface {
	ListByObject(ctx context.Context, ref domain.ObjectRef) ([]domain.DetectionRecord, error)
}
