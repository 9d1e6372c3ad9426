package lambdaadapter

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/core/ports"
)

// Handler adapts SQS-triggered invocations to the batch processor and reports
// partial batch failures through BatchItemFailures.
type Handler struct {
	batch  ports.BatchProcessor
	logger *slog.Logger
}

func NewHandler(batch ports.BatchProcessor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{batch: batch, logger: logger}
}

func (h *Handler) HandleSQS(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	correlationID := uuid.NewString()
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		correlationID = lc.AwsRequestID
	}

	messages := make([]domain.QueueMessage, 0, len(event.Records))
	for _, rec := range event.Records {
		messages = append(messages, domain.QueueMessage{ID: rec.MessageId, Body: rec.Body})
	}

	outcome := h.batch.ProcessBatch(ctx, correlationID, messages)

	response := events.SQSEventResponse{
		BatchItemFailures: make([]events.SQSBatchItemFailure, 0, len(outcome.FailedMessageIDs)),
	}
	for _, id := range outcome.FailedMessageIDs {
		response.BatchItemFailures = append(response.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: id})
	}
	h.logger.Info("lambda_batch_done",
		"correlation_id", correlationID,
		"received", len(messages),
		"failed", len(response.BatchItemFailures),
	)
	return response, nil
}
